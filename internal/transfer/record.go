// Package transfer implements the chunked, resumable file-transfer engine:
// a sender half that streams chunks under stop-and-wait ACK discipline, a
// receiver half that writes them at their final offset into a
// pre-allocated sparse file, and a manager that owns the persisted
// progress records both halves consult.
package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/foden303/lanshare/internal/store"
)

// Role distinguishes which half of a transfer a record describes.
type Role string

const (
	RoleSending   Role = "sending"
	RoleReceiving Role = "receiving"
)

// Descriptor is the immutable metadata of a single file transfer.
type Descriptor struct {
	FileHash     string    `json:"file_hash"`
	FileName     string    `json:"file_name"`
	FileSize     int64     `json:"file_size"`
	ChunkSize    int       `json:"chunk_size"`
	TotalChunks  int       `json:"total_chunks"`
	PeerDeviceID string    `json:"peer_device_id"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Equal reports whether two descriptors describe the same content transfer
// bit-for-bit, per the receiver's "descriptor matches, reuse progress"
// rule.
func (d Descriptor) Equal(other Descriptor) bool {
	return d.FileHash == other.FileHash &&
		d.FileName == other.FileName &&
		d.FileSize == other.FileSize &&
		d.ChunkSize == other.ChunkSize &&
		d.TotalChunks == other.TotalChunks &&
		d.PeerDeviceID == other.PeerDeviceID &&
		d.Role == other.Role
}

// TotalChunksFor computes ceil(fileSize / chunkSize).
func TotalChunksFor(fileSize int64, chunkSize int) int {
	if chunkSize <= 0 {
		return 0
	}
	n := fileSize / int64(chunkSize)
	if fileSize%int64(chunkSize) != 0 {
		n++
	}
	return int(n)
}

// ChunkLen returns the expected length of chunk index under descriptor d:
// ChunkSize for every chunk but the last, which may be short.
func (d Descriptor) ChunkLen(index int) int64 {
	if index == d.TotalChunks-1 {
		return d.FileSize - int64(index)*int64(d.ChunkSize)
	}
	return int64(d.ChunkSize)
}

// Progress is the mutable half of a TransferRecord.
type Progress struct {
	CompletedChunks map[int]bool `json:"completed_chunks"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// SortedIndices returns the completed chunk indices in ascending order.
func (p Progress) SortedIndices() []int {
	out := make([]int, 0, len(p.CompletedChunks))
	for idx := range p.CompletedChunks {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Record is the persisted union of a Descriptor and its Progress, stored as
// one JSON file under <base>/sending/<peer>/<hash>.json or
// <base>/receiving/<peer>/<hash>.json, where <peer> is the sanitized peer
// device id.
type Record struct {
	Descriptor Descriptor `json:"descriptor"`
	Progress   Progress   `json:"progress"`
}

// IsComplete reports whether every chunk has landed.
func (r Record) IsComplete() bool {
	return len(r.Progress.CompletedChunks) >= r.Descriptor.TotalChunks
}

// sanitizePeerDir clamps a peer-supplied device id (taken verbatim from the
// HELLO frame) to a single path segment, so it can't be used to escape
// baseDir via ".." or embedded slashes.
func sanitizePeerDir(peerDeviceID string) string {
	clean := filepath.Base(filepath.Clean("/" + peerDeviceID))
	if clean == "" || clean == "." || clean == string(filepath.Separator) {
		return "unknown-peer"
	}
	return clean
}

func recordPath(baseDir string, role Role, peerDeviceID, fileHash string) string {
	sub := "sending"
	if role == RoleReceiving {
		sub = "receiving"
	}
	return filepath.Join(baseDir, sub, sanitizePeerDir(peerDeviceID), fileHash+".json")
}

func partPath(baseDir, peerDeviceID, fileHash string) string {
	return filepath.Join(baseDir, "receiving", sanitizePeerDir(peerDeviceID), fileHash+".part")
}

func loadRecord(baseDir string, role Role, peerDeviceID, fileHash string) (Record, bool, error) {
	path := recordPath(baseDir, role, peerDeviceID, fileHash)

	if err := store.RecoverTemp(path); err != nil {
		return Record{}, false, err
	}

	var rec Record
	err := store.Load(path, &rec)
	switch {
	case err == nil:
		if rec.Progress.CompletedChunks == nil {
			rec.Progress.CompletedChunks = make(map[int]bool)
		}
		return rec, true, nil
	case os.IsNotExist(err):
		return Record{}, false, nil
	default:
		if qerr := store.Quarantine(path); qerr != nil {
			return Record{}, false, qerr
		}
		return Record{}, false, nil
	}
}

func saveRecord(baseDir string, role Role, rec Record) error {
	path := recordPath(baseDir, role, rec.Descriptor.PeerDeviceID, rec.Descriptor.FileHash)
	if err := store.Save(path, rec); err != nil {
		return fmt.Errorf("transfer: save record %s: %w", path, err)
	}
	return nil
}

func deleteRecord(baseDir string, role Role, peerDeviceID, fileHash string) error {
	path := recordPath(baseDir, role, peerDeviceID, fileHash)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("transfer: delete record %s: %w", path, err)
	}
	os.Remove(path + ".tmp")
	return nil
}

// syncState batches progress-record flushes at most once per chunksPerSync
// chunks or interval, whichever comes first, instead of saving on every
// chunk. A freshly zero-valued syncState flushes every chunk.
type syncState struct {
	chunksPerSync int
	interval      time.Duration
	sinceFlush    int
	lastFlush     time.Time
}

func newSyncState(interval time.Duration, chunksPerSync int) syncState {
	if chunksPerSync < 1 {
		chunksPerSync = 1
	}
	return syncState{chunksPerSync: chunksPerSync, interval: interval, lastFlush: time.Now()}
}

// due reports whether enough chunks or time have accumulated since the last
// flush to warrant another, always flushing on completion so a crash just
// before Finish doesn't lose a fully-received file's state. It resets its
// counters whenever it returns true.
func (s *syncState) due(complete bool) bool {
	s.sinceFlush++
	if complete || s.sinceFlush >= s.chunksPerSync {
		s.sinceFlush = 0
		s.lastFlush = time.Now()
		return true
	}
	if s.interval > 0 && time.Since(s.lastFlush) >= s.interval {
		s.sinceFlush = 0
		s.lastFlush = time.Now()
		return true
	}
	return false
}
