package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrHashMismatch is returned when a fully-received file fails content-hash
// verification against its descriptor.
var ErrHashMismatch = errors.New("transfer: reassembled file hash mismatch")

// ErrChunkOutOfRange is returned when a FILE_DATA index falls outside
// [0, total_chunks).
var ErrChunkOutOfRange = errors.New("transfer: chunk index out of range")

// ErrChunkSizeMismatch is returned when a chunk's payload length does not
// match the size its index implies under the descriptor.
var ErrChunkSizeMismatch = errors.New("transfer: chunk length mismatch")

// Receiver is the receiving half of one transfer: it owns the sparse
// .part file exclusively while open and tracks which chunks have landed.
type Receiver struct {
	baseDir    string
	mu         sync.Mutex
	rec        Record
	file       *os.File
	onProgress func(received, total int)
	sync       syncState
}

// ReceiverOption configures an optional policy on a Receiver at open time.
type ReceiverOption func(*Receiver)

// WithReceiverSyncPolicy batches progress-record flushes to at most once per
// chunksPerSync chunks or interval, whichever comes first, instead of the
// default of saving on every WriteChunk.
func WithReceiverSyncPolicy(interval time.Duration, chunksPerSync int) ReceiverOption {
	return func(r *Receiver) { r.sync = newSyncState(interval, chunksPerSync) }
}

// OpenReceiver loads or creates a receiving-side record for descriptor d. If
// an existing record has a matching descriptor, its progress is reused;
// otherwise a fresh record is created and any stale .part file discarded.
// Descriptor.PeerDeviceID scopes both the record and the .part file, so two
// peers sending the same file content never share a handle.
func OpenReceiver(baseDir string, d Descriptor, onProgress func(received, total int), opts ...ReceiverOption) (*Receiver, error) {
	d.FileName = sanitizeFileName(d.FileName)

	existing, ok, err := loadRecord(baseDir, RoleReceiving, d.PeerDeviceID, d.FileHash)
	if err != nil {
		return nil, err
	}

	var rec Record
	if ok && existing.Descriptor.Equal(d) {
		rec = existing
	} else {
		rec = Record{
			Descriptor: d,
			Progress:   Progress{CompletedChunks: make(map[int]bool)},
		}
		os.Remove(partPath(baseDir, d.PeerDeviceID, d.FileHash))
	}

	path := partPath(baseDir, d.PeerDeviceID, d.FileHash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("transfer: create receiving dir: %w", err)
	}

	if err := ensureSparseFile(path, d.FileSize); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("transfer: open part file %s: %w", path, err)
	}

	r := &Receiver{baseDir: baseDir, rec: rec, file: f, onProgress: onProgress, sync: newSyncState(0, 1)}
	for _, opt := range opts {
		opt(r)
	}
	if err := saveRecord(baseDir, RoleReceiving, r.rec); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func ensureSparseFile(path string, size int64) error {
	info, err := os.Stat(path)
	if err == nil && info.Size() == size {
		return nil
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("transfer: create part file %s: %w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("transfer: truncate part file %s: %w", path, err)
	}
	return nil
}

// CompletedChunks returns the sorted set of chunk indices received so far,
// for FILE_RESUME.
func (r *Receiver) CompletedChunks() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Progress.SortedIndices()
}

// IsComplete reports whether every chunk has landed.
func (r *Receiver) IsComplete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.IsComplete()
}

// WriteChunk validates and writes one chunk at its offset. It is idempotent:
// a chunk already marked complete is discarded silently and still reports
// success, so the sender's ACK bookkeeping converges.
func (r *Receiver) WriteChunk(index int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.rec.Descriptor
	if index < 0 || index >= d.TotalChunks {
		return ErrChunkOutOfRange
	}
	if r.rec.Progress.CompletedChunks[index] {
		return nil
	}
	if int64(len(data)) != d.ChunkLen(index) {
		return ErrChunkSizeMismatch
	}

	offset := int64(index) * int64(d.ChunkSize)
	if _, err := r.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("transfer: write chunk %d: %w", index, err)
	}

	r.rec.Progress.CompletedChunks[index] = true
	complete := len(r.rec.Progress.CompletedChunks) >= d.TotalChunks
	if r.sync.due(complete) {
		if err := saveRecord(r.baseDir, RoleReceiving, r.rec); err != nil {
			return err
		}
	}

	if r.onProgress != nil {
		r.onProgress(len(r.rec.Progress.CompletedChunks), d.TotalChunks)
	}
	return nil
}

// Finish verifies the reassembled file's content hash and, on match, renames
// the .part file to its final destination under downloadDir (with a
// collision-avoidance " (n)" suffix), returning the final path. On a hash
// mismatch it deletes the record and .part file and returns ErrHashMismatch.
func (r *Receiver) Finish(downloadDir string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.rec.IsComplete() {
		return "", fmt.Errorf("transfer: cannot finish incomplete transfer %s", r.rec.Descriptor.FileHash)
	}

	if err := r.file.Close(); err != nil {
		return "", fmt.Errorf("transfer: close part file: %w", err)
	}
	r.file = nil

	partFile := partPath(r.baseDir, r.rec.Descriptor.PeerDeviceID, r.rec.Descriptor.FileHash)

	sum, err := hashFile(partFile)
	if err != nil {
		return "", err
	}
	if sum != r.rec.Descriptor.FileHash {
		os.Remove(partFile)
		deleteRecord(r.baseDir, RoleReceiving, r.rec.Descriptor.PeerDeviceID, r.rec.Descriptor.FileHash)
		return "", ErrHashMismatch
	}

	finalPath := uniquePath(filepath.Join(downloadDir, r.rec.Descriptor.FileName))
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return "", fmt.Errorf("transfer: create destination directory for %s: %w", finalPath, err)
	}
	if err := os.Rename(partFile, finalPath); err != nil {
		return "", fmt.Errorf("transfer: rename part file to %s: %w", finalPath, err)
	}

	if err := deleteRecord(r.baseDir, RoleReceiving, r.rec.Descriptor.PeerDeviceID, r.rec.Descriptor.FileHash); err != nil {
		return "", err
	}

	return finalPath, nil
}

// Cancel closes and discards the in-progress .part file and its record.
func (r *Receiver) Cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	os.Remove(partPath(r.baseDir, r.rec.Descriptor.PeerDeviceID, r.rec.Descriptor.FileHash))
	return deleteRecord(r.baseDir, RoleReceiving, r.rec.Descriptor.PeerDeviceID, r.rec.Descriptor.FileHash)
}

// PeerDeviceID and FileHash identify the (peer, file_hash) pair a Receiver
// handle was opened for, for Manager's registry bookkeeping.
func (r *Receiver) PeerDeviceID() string { return r.rec.Descriptor.PeerDeviceID }
func (r *Receiver) FileHash() string     { return r.rec.Descriptor.FileHash }

// sanitizeFileName strips any leading slashes and ".." traversal from a
// peer-supplied file name, keeping relative subdirectories (a directory
// send's FileName may legitimately contain them) while preventing a
// malicious peer from writing outside downloadDir.
func sanitizeFileName(name string) string {
	clean := filepath.Clean("/" + filepath.ToSlash(name))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "file"
	}
	return filepath.FromSlash(clean)
}

func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	stem := filepath.Base(path[:len(path)-len(ext)])
	for n := 1; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// HashFile returns the lowercase hex SHA-256 digest of the file at path.
// Used both to compute a sending-side file_hash before the first FILE_INFO
// and to verify a receiver's reassembled file.
func HashFile(path string) (string, error) {
	return hashFile(path)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("transfer: open for hashing %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("transfer: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
