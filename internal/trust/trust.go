// Package trust tracks which peers this device has paired with: a
// durable, append-mostly list of trusted peer records persisted to
// trusted_devices.json, consulted on every incoming connection to decide
// whether a session can skip pairing and go straight to the trusted
// fast path.
package trust

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/foden303/lanshare/internal/store"
)

const fileName = "trusted_devices.json"

// PeerRecord is one entry in the trusted-peer list.
type PeerRecord struct {
	DeviceID    string    `json:"device_id"`
	Hostname    string    `json:"hostname"`
	LastKnownIP string    `json:"last_ip"`
	TrustedAt   time.Time `json:"trusted_at"`
	LastSeenAt  time.Time `json:"last_seen"`
}

type document struct {
	Devices []PeerRecord `json:"devices"`
}

// Manager guards the trusted-peer list with a mutex and persists every
// mutation immediately; callers never see a lost update window since there
// is no in-memory-only mode.
type Manager struct {
	mu   sync.Mutex
	path string
	doc  document
}

// Open loads the trusted-peer list from dataDir, creating an empty one if
// none exists yet. A corrupt file is quarantined and replaced with an empty
// list; a device that remembered nobody before a crash still remembers
// nobody after, which is the safe direction to fail in.
func Open(dataDir string) (*Manager, error) {
	path := filepath.Join(dataDir, fileName)

	if err := store.RecoverTemp(path); err != nil {
		return nil, err
	}

	m := &Manager{path: path}

	var doc document
	err := store.Load(path, &doc)
	switch {
	case err == nil:
		m.doc = doc
		return m, nil
	case os.IsNotExist(err):
		return m, nil
	default:
		if err := store.Quarantine(path); err != nil {
			return nil, err
		}
		return m, nil
	}
}

// IsTrusted reports whether deviceID is on the trusted-peer list.
func (m *Manager) IsTrusted(deviceID string) bool {
	if deviceID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.find(deviceID)
	return ok
}

// Trust adds deviceID to the trusted-peer list, or updates its hostname and
// last-known IP if it is already present. This is the terminal step of a
// successful pairing exchange.
func (m *Manager) Trust(deviceID, hostname, ip string) error {
	if deviceID == "" {
		return fmt.Errorf("trust: empty device id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if idx, ok := m.find(deviceID); ok {
		m.doc.Devices[idx].LastKnownIP = ip
		m.doc.Devices[idx].LastSeenAt = now
		if hostname != "" {
			m.doc.Devices[idx].Hostname = hostname
		}
		return m.save()
	}

	m.doc.Devices = append(m.doc.Devices, PeerRecord{
		DeviceID:    deviceID,
		Hostname:    hostname,
		LastKnownIP: ip,
		TrustedAt:   now,
		LastSeenAt:  now,
	})
	return m.save()
}

// Revoke removes deviceID from the trusted-peer list. It reports whether a
// record was actually removed.
func (m *Manager) Revoke(deviceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.find(deviceID)
	if !ok {
		return false, nil
	}
	m.doc.Devices = append(m.doc.Devices[:idx], m.doc.Devices[idx+1:]...)
	if err := m.save(); err != nil {
		return false, err
	}
	return true, nil
}

// Touch updates a trusted peer's last-seen time and, if non-empty, its
// last-known IP. It is a no-op if deviceID is not trusted.
func (m *Manager) Touch(deviceID, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.find(deviceID)
	if !ok {
		return nil
	}
	m.doc.Devices[idx].LastSeenAt = time.Now()
	if ip != "" {
		m.doc.Devices[idx].LastKnownIP = ip
	}
	return m.save()
}

// List returns a snapshot of every trusted peer record.
func (m *Manager) List() []PeerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PeerRecord, len(m.doc.Devices))
	copy(out, m.doc.Devices)
	return out
}

// LastKnownIP returns the last-known IP for a trusted peer, and whether one
// is recorded.
func (m *Manager) LastKnownIP(deviceID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.find(deviceID)
	if !ok || m.doc.Devices[idx].LastKnownIP == "" {
		return "", false
	}
	return m.doc.Devices[idx].LastKnownIP, true
}

func (m *Manager) find(deviceID string) (int, bool) {
	for i, d := range m.doc.Devices {
		if d.DeviceID == deviceID {
			return i, true
		}
	}
	return 0, false
}

func (m *Manager) save() error {
	if err := store.Save(m.path, m.doc); err != nil {
		return fmt.Errorf("trust: save %s: %w", m.path, err)
	}
	return nil
}
