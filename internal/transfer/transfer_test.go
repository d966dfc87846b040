package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeSourceFile(t *testing.T, dir string, size int) (path string, hash string) {
	t.Helper()
	path = filepath.Join(dir, "source.bin")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	sum := sha256.Sum256(data)
	return path, hex.EncodeToString(sum[:])
}

func descriptorFor(hash string, size int64, chunkSize int) Descriptor {
	return Descriptor{
		FileHash:     hash,
		FileName:     "source.bin",
		FileSize:     size,
		ChunkSize:    chunkSize,
		TotalChunks:  TotalChunksFor(size, chunkSize),
		PeerDeviceID: "peer-1",
		Role:         RoleSending,
		CreatedAt:    time.Now(),
	}
}

func TestTotalChunksForRounding(t *testing.T) {
	cases := []struct {
		size, chunk int64
		want        int
	}{
		{0, 10, 0},
		{10, 10, 1},
		{11, 10, 2},
		{100, 10, 10},
		{101, 10, 11},
	}
	for _, tc := range cases {
		got := TotalChunksFor(tc.size, int(tc.chunk))
		if got != tc.want {
			t.Errorf("TotalChunksFor(%d, %d) = %d, want %d", tc.size, tc.chunk, got, tc.want)
		}
	}
}

func TestSenderReceiverEndToEnd(t *testing.T) {
	srcDir := t.TempDir()
	baseDir := t.TempDir()
	downloadDir := t.TempDir()

	chunkSize := 16
	sourcePath, hash := writeSourceFile(t, srcDir, 100)
	d := descriptorFor(hash, 100, chunkSize)

	sender, err := OpenSender(baseDir, sourcePath, d, nil)
	if err != nil {
		t.Fatalf("OpenSender: %v", err)
	}

	recvDescriptor := d
	recvDescriptor.Role = RoleReceiving
	receiver, err := OpenReceiver(baseDir, recvDescriptor, nil)
	if err != nil {
		t.Fatalf("OpenReceiver: %v", err)
	}

	for {
		idx, data, ok, err := sender.NextChunk()
		if err != nil {
			t.Fatalf("NextChunk: %v", err)
		}
		if !ok {
			break
		}
		if err := receiver.WriteChunk(idx, data); err != nil {
			t.Fatalf("WriteChunk(%d): %v", idx, err)
		}
		if err := sender.MarkSent(idx); err != nil {
			t.Fatalf("MarkSent(%d): %v", idx, err)
		}
	}

	if !sender.IsComplete() {
		t.Fatal("sender not complete after sending every chunk")
	}
	if !receiver.IsComplete() {
		t.Fatal("receiver not complete after writing every chunk")
	}

	finalPath, err := receiver.Finish(downloadDir)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if filepath.Base(finalPath) != "source.bin" {
		t.Errorf("finalPath = %q, want basename source.bin", finalPath)
	}

	gotData, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	wantData, err := os.ReadFile(sourcePath)
	if err != nil {
		t.Fatalf("ReadFile source: %v", err)
	}
	if string(gotData) != string(wantData) {
		t.Error("reassembled file does not match source")
	}

	if err := sender.Finish(); err != nil {
		t.Fatalf("sender.Finish: %v", err)
	}

	if _, ok, err := loadRecord(baseDir, RoleReceiving, "peer-1", hash); err != nil || ok {
		t.Errorf("receiving record still present after Finish: ok=%v err=%v", ok, err)
	}
	if _, ok, err := loadRecord(baseDir, RoleSending, "peer-1", hash); err != nil || ok {
		t.Errorf("sending record still present after Finish: ok=%v err=%v", ok, err)
	}
}

func TestReceiverWriteChunkIdempotent(t *testing.T) {
	baseDir := t.TempDir()
	d := descriptorFor("abc123", 32, 16)
	d.Role = RoleReceiving

	receiver, err := OpenReceiver(baseDir, d, nil)
	if err != nil {
		t.Fatalf("OpenReceiver: %v", err)
	}

	data := make([]byte, 16)
	if err := receiver.WriteChunk(0, data); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := receiver.WriteChunk(0, data); err != nil {
		t.Fatalf("WriteChunk (duplicate): %v", err)
	}

	if len(receiver.CompletedChunks()) != 1 {
		t.Errorf("CompletedChunks = %v, want exactly one entry", receiver.CompletedChunks())
	}
}

func TestReceiverRejectsOutOfRangeIndex(t *testing.T) {
	baseDir := t.TempDir()
	d := descriptorFor("abc124", 32, 16)
	d.Role = RoleReceiving

	receiver, err := OpenReceiver(baseDir, d, nil)
	if err != nil {
		t.Fatalf("OpenReceiver: %v", err)
	}

	if err := receiver.WriteChunk(5, make([]byte, 16)); err != ErrChunkOutOfRange {
		t.Fatalf("err = %v, want ErrChunkOutOfRange", err)
	}
}

func TestReceiverRejectsMismatchedChunkLength(t *testing.T) {
	baseDir := t.TempDir()
	d := descriptorFor("abc125", 32, 16)
	d.Role = RoleReceiving

	receiver, err := OpenReceiver(baseDir, d, nil)
	if err != nil {
		t.Fatalf("OpenReceiver: %v", err)
	}

	if err := receiver.WriteChunk(0, make([]byte, 8)); err != ErrChunkSizeMismatch {
		t.Fatalf("err = %v, want ErrChunkSizeMismatch", err)
	}
}

func TestReceiverFinishDetectsHashMismatch(t *testing.T) {
	baseDir := t.TempDir()
	downloadDir := t.TempDir()
	d := descriptorFor("deadbeef", 16, 16)
	d.Role = RoleReceiving

	receiver, err := OpenReceiver(baseDir, d, nil)
	if err != nil {
		t.Fatalf("OpenReceiver: %v", err)
	}
	if err := receiver.WriteChunk(0, make([]byte, 16)); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	_, err = receiver.Finish(downloadDir)
	if err != ErrHashMismatch {
		t.Fatalf("err = %v, want ErrHashMismatch", err)
	}

	if _, ok, _ := loadRecord(baseDir, RoleReceiving, "peer-1", "deadbeef"); ok {
		t.Error("record should be deleted after hash mismatch")
	}
}

func TestReceiverResumesFromExistingRecord(t *testing.T) {
	baseDir := t.TempDir()
	d := descriptorFor("resumehash", 48, 16)
	d.Role = RoleReceiving

	first, err := OpenReceiver(baseDir, d, nil)
	if err != nil {
		t.Fatalf("OpenReceiver: %v", err)
	}
	if err := first.WriteChunk(0, make([]byte, 16)); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := first.file.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	first.file = nil

	second, err := OpenReceiver(baseDir, d, nil)
	if err != nil {
		t.Fatalf("OpenReceiver (resume): %v", err)
	}
	completed := second.CompletedChunks()
	if len(completed) != 1 || completed[0] != 0 {
		t.Errorf("CompletedChunks = %v, want [0]", completed)
	}
}

func TestSenderAdoptResumeOverridesLocalProgress(t *testing.T) {
	srcDir := t.TempDir()
	baseDir := t.TempDir()
	sourcePath, hash := writeSourceFile(t, srcDir, 64)
	d := descriptorFor(hash, 64, 16)

	sender, err := OpenSender(baseDir, sourcePath, d, nil)
	if err != nil {
		t.Fatalf("OpenSender: %v", err)
	}
	if err := sender.MarkSent(0); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	if err := sender.AdoptResume([]int{0, 1, 2}); err != nil {
		t.Fatalf("AdoptResume: %v", err)
	}

	sent := sender.SentChunks()
	if len(sent) != 3 {
		t.Fatalf("SentChunks = %v, want 3 entries after adopting resume", sent)
	}

	idx, _, ok, err := sender.NextChunk()
	if err != nil {
		t.Fatalf("NextChunk: %v", err)
	}
	if !ok || idx != 3 {
		t.Errorf("NextChunk = (%d, %v), want (3, true)", idx, ok)
	}
}

func TestEnumeratePendingSkipsCompleted(t *testing.T) {
	baseDir := t.TempDir()

	pending := descriptorFor("pending-hash", 16, 16)
	pending.Role = RoleReceiving
	pendingRec := Record{Descriptor: pending, Progress: Progress{CompletedChunks: map[int]bool{}}}
	if err := saveRecord(baseDir, RoleReceiving, pendingRec); err != nil {
		t.Fatalf("saveRecord: %v", err)
	}

	done := descriptorFor("done-hash", 16, 16)
	done.Role = RoleReceiving
	doneRec := Record{Descriptor: done, Progress: Progress{CompletedChunks: map[int]bool{0: true}}}
	if err := saveRecord(baseDir, RoleReceiving, doneRec); err != nil {
		t.Fatalf("saveRecord: %v", err)
	}

	records, err := EnumeratePending(baseDir, RoleReceiving, "peer-1")
	if err != nil {
		t.Fatalf("EnumeratePending: %v", err)
	}
	if len(records) != 1 || records[0].Descriptor.FileHash != "pending-hash" {
		t.Errorf("got %+v, want only pending-hash", records)
	}
}

func TestReceiverFinishCreatesNestedDestinationDir(t *testing.T) {
	baseDir := t.TempDir()
	downloadDir := t.TempDir()
	data := []byte("nested contents")
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	d := descriptorFor(hash, int64(len(data)), len(data))
	d.FileName = "photos/2026/trip.jpg"
	d.Role = RoleReceiving

	receiver, err := OpenReceiver(baseDir, d, nil)
	if err != nil {
		t.Fatalf("OpenReceiver: %v", err)
	}
	if err := receiver.WriteChunk(0, data); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	finalPath, err := receiver.Finish(downloadDir)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if finalPath != filepath.Join(downloadDir, "photos", "2026", "trip.jpg") {
		t.Errorf("finalPath = %q, want nested path under downloadDir", finalPath)
	}
}

func TestOpenReceiverSanitizesTraversalInFileName(t *testing.T) {
	baseDir := t.TempDir()
	downloadDir := t.TempDir()
	data := []byte("payload")
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	d := descriptorFor(hash, int64(len(data)), len(data))
	d.FileName = "../../../etc/passwd"
	d.Role = RoleReceiving

	receiver, err := OpenReceiver(baseDir, d, nil)
	if err != nil {
		t.Fatalf("OpenReceiver: %v", err)
	}
	if err := receiver.WriteChunk(0, data); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	finalPath, err := receiver.Finish(downloadDir)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	rel, err := filepath.Rel(downloadDir, finalPath)
	if err != nil || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		t.Errorf("finalPath = %q escapes downloadDir", finalPath)
	}
}

func TestEnumeratePendingOnMissingDir(t *testing.T) {
	baseDir := t.TempDir()
	records, err := EnumeratePending(baseDir, RoleSending, "peer-1")
	if err != nil {
		t.Fatalf("EnumeratePending: %v", err)
	}
	if records != nil {
		t.Errorf("records = %v, want nil for missing dir", records)
	}
}

func TestManagerSeparatesHandlesAcrossPeers(t *testing.T) {
	baseDir := t.TempDir()
	data := []byte("identical content, two different senders")
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	mgr := NewManager()

	dAlice := descriptorFor(hash, int64(len(data)), len(data)/2)
	dAlice.PeerDeviceID = "alice"
	dAlice.Role = RoleReceiving

	dBob := descriptorFor(hash, int64(len(data)), len(data)/2)
	dBob.PeerDeviceID = "bob"
	dBob.Role = RoleReceiving

	fromAlice, err := mgr.OpenReceiver(baseDir, dAlice, nil)
	if err != nil {
		t.Fatalf("OpenReceiver(alice): %v", err)
	}
	fromBob, err := mgr.OpenReceiver(baseDir, dBob, nil)
	if err != nil {
		t.Fatalf("OpenReceiver(bob): %v", err)
	}

	if fromAlice == fromBob {
		t.Fatal("expected distinct handles for the same file hash from different peers")
	}

	half := data[:len(data)/2]
	if err := fromAlice.WriteChunk(0, half); err != nil {
		t.Fatalf("WriteChunk(alice): %v", err)
	}
	if len(fromBob.CompletedChunks()) != 0 {
		t.Error("bob's handle observed alice's write; records are not peer-scoped")
	}
}

func TestManagerDedupesOpenForSamePeerAndHash(t *testing.T) {
	baseDir := t.TempDir()
	data := []byte("one sender, one file, requested twice")
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	d := descriptorFor(hash, int64(len(data)), len(data))
	d.PeerDeviceID = "alice"
	d.Role = RoleReceiving

	mgr := NewManager()
	first, err := mgr.OpenReceiver(baseDir, d, nil)
	if err != nil {
		t.Fatalf("OpenReceiver (first): %v", err)
	}
	second, err := mgr.OpenReceiver(baseDir, d, nil)
	if err != nil {
		t.Fatalf("OpenReceiver (second): %v", err)
	}
	if first != second {
		t.Error("a second Open for the same (peer, file_hash) should return the existing handle")
	}

	mgr.ReleaseReceiver("alice", hash)
	third, err := mgr.OpenReceiver(baseDir, d, nil)
	if err != nil {
		t.Fatalf("OpenReceiver (after release): %v", err)
	}
	if third == first {
		t.Error("Open after Release should open a fresh handle, not return the released one")
	}
}
