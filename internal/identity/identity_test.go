package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadOrCreateGeneratesOnFirstRun(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if id.DeviceID == "" {
		t.Fatal("DeviceID is empty")
	}
	if !strings.Contains(id.DeviceID, "-") {
		t.Errorf("DeviceID %q does not look like hostname-user-uuid", id.DeviceID)
	}
	if id.CreatedAt.IsZero() {
		t.Error("CreatedAt is zero")
	}

	if _, err := os.Stat(filepath.Join(dir, fileName)); err != nil {
		t.Errorf("device_id.json not written: %v", err)
	}
}

func TestLoadOrCreatePersistsAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate (first): %v", err)
	}

	second, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate (second): %v", err)
	}

	if first.DeviceID != second.DeviceID {
		t.Errorf("DeviceID changed across loads: %q vs %q", first.DeviceID, second.DeviceID)
	}
}

func TestLoadOrCreateQuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, fileName)
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	id, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if id.DeviceID == "" {
		t.Fatal("DeviceID is empty after recovering from corruption")
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Errorf("corrupt file was not quarantined: %v", err)
	}
}
