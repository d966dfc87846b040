package transfer

import (
	"os"
	"path/filepath"
	"sync"
)

// EnumeratePending lists every incomplete transfer record under baseDir for
// the given peer and role, e.g. so a reconnect supervisor can re-issue
// FILE_INFO for each one after a session with that peer is re-established.
func EnumeratePending(baseDir string, role Role, peerDeviceID string) ([]Record, error) {
	sub := "sending"
	if role == RoleReceiving {
		sub = "receiving"
	}
	dir := filepath.Join(baseDir, sub, sanitizePeerDir(peerDeviceID))

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Record
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		hash := entry.Name()[:len(entry.Name())-len(".json")]
		rec, ok, err := loadRecord(baseDir, role, peerDeviceID, hash)
		if err != nil {
			return nil, err
		}
		if ok && !rec.IsComplete() {
			out = append(out, rec)
		}
	}
	return out, nil
}

// handleKey identifies one open transfer handle by the pair the spec's
// single-handle rule is keyed on: the peer it's with and the content it
// names.
type handleKey struct {
	peerDeviceID string
	fileHash     string
}

// Manager enforces that at most one handle is ever open for a given
// (peer_device_id, file_hash): a second Open call for the same pair returns
// the handle already in flight instead of racing it with an independent
// *os.File over the same .part file or record.
type Manager struct {
	mu        sync.Mutex
	receivers map[handleKey]*Receiver
	senders   map[handleKey]*Sender
}

// NewManager constructs an empty handle registry.
func NewManager() *Manager {
	return &Manager{
		receivers: make(map[handleKey]*Receiver),
		senders:   make(map[handleKey]*Sender),
	}
}

// OpenReceiver returns the Receiver already open for (d.PeerDeviceID,
// d.FileHash) if one exists, or opens and registers a new one.
func (m *Manager) OpenReceiver(baseDir string, d Descriptor, onProgress func(received, total int), opts ...ReceiverOption) (*Receiver, error) {
	key := handleKey{peerDeviceID: d.PeerDeviceID, fileHash: d.FileHash}

	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.receivers[key]; ok {
		return r, nil
	}
	r, err := OpenReceiver(baseDir, d, onProgress, opts...)
	if err != nil {
		return nil, err
	}
	m.receivers[key] = r
	return r, nil
}

// ReleaseReceiver drops the (peerDeviceID, fileHash) handle from the
// registry. Called once a transfer finishes, fails, or is canceled, so a
// later transfer of the same content can open a fresh handle.
func (m *Manager) ReleaseReceiver(peerDeviceID, fileHash string) {
	m.mu.Lock()
	delete(m.receivers, handleKey{peerDeviceID: peerDeviceID, fileHash: fileHash})
	m.mu.Unlock()
}

// OpenSender returns the Sender already open for (d.PeerDeviceID,
// d.FileHash) if one exists, or opens and registers a new one.
func (m *Manager) OpenSender(baseDir, sourcePath string, d Descriptor, onProgress func(sent, total int), opts ...SenderOption) (*Sender, error) {
	key := handleKey{peerDeviceID: d.PeerDeviceID, fileHash: d.FileHash}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.senders[key]; ok {
		return s, nil
	}
	s, err := OpenSender(baseDir, sourcePath, d, onProgress, opts...)
	if err != nil {
		return nil, err
	}
	m.senders[key] = s
	return s, nil
}

// ReleaseSender drops the (peerDeviceID, fileHash) handle from the registry.
func (m *Manager) ReleaseSender(peerDeviceID, fileHash string) {
	m.mu.Lock()
	delete(m.senders, handleKey{peerDeviceID: peerDeviceID, fileHash: fileHash})
	m.mu.Unlock()
}
