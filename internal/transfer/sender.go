package transfer

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Sender is the sending half of one transfer: it reads chunks from the
// source file by index, in ascending order, and persists an ACK-confirmed
// sent-set as the peer confirms each one.
type Sender struct {
	baseDir    string
	sourcePath string
	mu         sync.Mutex
	rec        Record
	file       *os.File
	cursor     int
	onProgress func(sent, total int)
	sync       syncState
}

// SenderOption configures an optional policy on a Sender at open time.
type SenderOption func(*Sender)

// WithSenderSyncPolicy batches progress-record flushes to at most once per
// chunksPerSync chunks or interval, whichever comes first, instead of the
// default of saving on every MarkSent.
func WithSenderSyncPolicy(interval time.Duration, chunksPerSync int) SenderOption {
	return func(s *Sender) { s.sync = newSyncState(interval, chunksPerSync) }
}

// OpenSender loads or creates a sending-side record for descriptor d, whose
// FileHash must already be computed (see HashFile), and opens sourcePath
// for chunk reads. Descriptor.PeerDeviceID scopes the persisted record, so
// the same content sent to two different peers tracks progress separately.
func OpenSender(baseDir, sourcePath string, d Descriptor, onProgress func(sent, total int), opts ...SenderOption) (*Sender, error) {
	existing, ok, err := loadRecord(baseDir, RoleSending, d.PeerDeviceID, d.FileHash)
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
	}

	f, err := os.Open(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("transfer: open source file %s: %w", sourcePath, err)
	}

	s := &Sender{baseDir: baseDir, sourcePath: sourcePath, rec: rec, file: f, onProgress: onProgress, sync: newSyncState(0, 1)}
	for _, opt := range opts {
		opt(s)
	}
	if err := saveRecord(baseDir, RoleSending, s.rec); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// SentChunks returns the sorted set of chunk indices already confirmed sent.
func (s *Sender) SentChunks() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Progress.SortedIndices()
}

// AdoptResume overrides the local sent-set with the receiver's reported
// completed-chunk set. The receiver is authoritative for what has actually
// landed, per the resume negotiation on FILE_RESUME.
func (s *Sender) AdoptResume(completed []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rec.Progress.CompletedChunks = make(map[int]bool, len(completed))
	for _, idx := range completed {
		s.rec.Progress.CompletedChunks[idx] = true
	}
	s.cursor = 0
	return saveRecord(s.baseDir, RoleSending, s.rec)
}

// NextChunk returns the next unsent chunk in ascending index order, reading
// it from the source file. ok is false once every chunk has been sent.
func (s *Sender) NextChunk() (index int, data []byte, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.rec.Descriptor.TotalChunks
	for s.cursor < total && s.rec.Progress.CompletedChunks[s.cursor] {
		s.cursor++
	}
	if s.cursor >= total {
		return 0, nil, false, nil
	}

	idx := s.cursor
	length := s.rec.Descriptor.ChunkLen(idx)
	buf := make([]byte, length)
	offset := int64(idx) * int64(s.rec.Descriptor.ChunkSize)
	if _, err := s.file.ReadAt(buf, offset); err != nil {
		return 0, nil, false, fmt.Errorf("transfer: read chunk %d: %w", idx, err)
	}

	s.cursor++
	return idx, buf, true, nil
}

// MarkSent records chunk index as ACK-confirmed by the peer.
func (s *Sender) MarkSent(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec.Progress.CompletedChunks[index] {
		return nil
	}
	s.rec.Progress.CompletedChunks[index] = true
	complete := len(s.rec.Progress.CompletedChunks) >= s.rec.Descriptor.TotalChunks
	if s.sync.due(complete) {
		if err := saveRecord(s.baseDir, RoleSending, s.rec); err != nil {
			return err
		}
	}
	if s.onProgress != nil {
		s.onProgress(len(s.rec.Progress.CompletedChunks), s.rec.Descriptor.TotalChunks)
	}
	return nil
}

// IsComplete reports whether every chunk has been ACK-confirmed.
func (s *Sender) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.IsComplete()
}

// Finish closes the source file and deletes the sending record, once the
// peer has confirmed FILE_COMPLETE_ACK.
func (s *Sender) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	return deleteRecord(s.baseDir, RoleSending, s.rec.Descriptor.PeerDeviceID, s.rec.Descriptor.FileHash)
}

// Cancel closes the source file but retains the sending record so the
// transfer can resume later.
func (s *Sender) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	return nil
}

// PeerDeviceID and FileHash identify the (peer, file_hash) pair a Sender
// handle was opened for, for Manager's registry bookkeeping.
func (s *Sender) PeerDeviceID() string { return s.rec.Descriptor.PeerDeviceID }
func (s *Sender) FileHash() string     { return s.rec.Descriptor.FileHash }
