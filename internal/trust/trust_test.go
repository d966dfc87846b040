package trust

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTrustAndIsTrusted(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if m.IsTrusted("peer-1") {
		t.Fatal("peer-1 trusted before Trust call")
	}

	if err := m.Trust("peer-1", "host-a", "192.168.1.5"); err != nil {
		t.Fatalf("Trust: %v", err)
	}
	if !m.IsTrusted("peer-1") {
		t.Fatal("peer-1 not trusted after Trust call")
	}

	ip, ok := m.LastKnownIP("peer-1")
	if !ok || ip != "192.168.1.5" {
		t.Errorf("LastKnownIP = (%q, %v), want (192.168.1.5, true)", ip, ok)
	}
}

func TestTrustPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	m1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m1.Trust("peer-2", "host-b", "10.0.0.9"); err != nil {
		t.Fatalf("Trust: %v", err)
	}

	m2, err := Open(dir)
	if err != nil {
		t.Fatalf("Open (reload): %v", err)
	}
	if !m2.IsTrusted("peer-2") {
		t.Fatal("peer-2 not trusted after reopening store")
	}
}

func TestTrustUpdatesExistingRecord(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := m.Trust("peer-3", "host-c", "10.0.0.1"); err != nil {
		t.Fatalf("Trust: %v", err)
	}
	if err := m.Trust("peer-3", "host-c-renamed", "10.0.0.2"); err != nil {
		t.Fatalf("Trust (update): %v", err)
	}

	list := m.List()
	if len(list) != 1 {
		t.Fatalf("len(list) = %d, want 1 (update, not append)", len(list))
	}
	if list[0].Hostname != "host-c-renamed" || list[0].LastKnownIP != "10.0.0.2" {
		t.Errorf("record not updated: %+v", list[0])
	}
}

func TestRevoke(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Trust("peer-4", "host-d", "10.0.0.3"); err != nil {
		t.Fatalf("Trust: %v", err)
	}

	removed, err := m.Revoke("peer-4")
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if !removed {
		t.Fatal("Revoke reported no record removed")
	}
	if m.IsTrusted("peer-4") {
		t.Fatal("peer-4 still trusted after revoke")
	}

	removedAgain, err := m.Revoke("peer-4")
	if err != nil {
		t.Fatalf("Revoke (second): %v", err)
	}
	if removedAgain {
		t.Fatal("second Revoke reported a record removed")
	}
}

func TestTouchUpdatesIPOnlyWhenGiven(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Trust("peer-5", "host-e", "10.0.0.4"); err != nil {
		t.Fatalf("Trust: %v", err)
	}

	if err := m.Touch("peer-5", ""); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	ip, ok := m.LastKnownIP("peer-5")
	if !ok || ip != "10.0.0.4" {
		t.Errorf("Touch with empty ip changed LastKnownIP: (%q, %v)", ip, ok)
	}

	if err := m.Touch("peer-5", "10.0.0.5"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	ip, ok = m.LastKnownIP("peer-5")
	if !ok || ip != "10.0.0.5" {
		t.Errorf("LastKnownIP after Touch = (%q, %v), want (10.0.0.5, true)", ip, ok)
	}
}

func TestTouchUnknownPeerIsNoop(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Touch("ghost", "10.0.0.6"); err != nil {
		t.Fatalf("Touch on unknown peer returned error: %v", err)
	}
	if m.IsTrusted("ghost") {
		t.Fatal("Touch on unknown peer created a trust record")
	}
}

func TestOpenQuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, fileName)
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(m.List()) != 0 {
		t.Errorf("expected empty list after quarantine, got %v", m.List())
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Errorf("corrupt file was not quarantined: %v", err)
	}
}
