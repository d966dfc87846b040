package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the single integer version field exchanged in HELLO.
// Mismatch is a fatal session error; there is no negotiation beyond this.
const ProtocolVersion = 1

// Hello is sent by both sides on TCP accept/connect.
type Hello struct {
	DeviceID        string `json:"device_id"`
	Hostname        string `json:"hostname"`
	ProtocolVersion int    `json:"protocol_version"`
}

// HelloAck confirms a compatible handshake; either trusted fast-path or
// post-pairing.
type HelloAck struct {
	DeviceID string `json:"device_id"`
}

// PairReq carries the pairing code typed by the initiating user.
type PairReq struct {
	Code string `json:"code"`
}

// PairOK confirms a pairing code match; both sides trust each other after
// exchanging this.
type PairOK struct {
	DeviceID string `json:"device_id"`
	Hostname string `json:"hostname"`
}

// PairFail reports a pairing code mismatch.
type PairFail struct {
	Reason string `json:"reason"`
}

// FileInfo announces a transfer's immutable descriptor.
type FileInfo struct {
	FileHash    string `json:"file_hash"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	ChunkSize   int    `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
}

// FileInfoAck is sent when the receiver has no prior progress for this hash.
type FileInfoAck struct {
	FileHash string `json:"file_hash"`
}

// ChunkRange is a closed-interval run used to encode a completed-chunk set
// compactly: [Start, End] inclusive, sorted, non-overlapping.
type ChunkRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// FileResume carries the receiver's completed-chunk set back to the sender,
// run-length encoded to keep the message small when the set is dense.
type FileResume struct {
	FileHash string       `json:"file_hash"`
	Ranges   []ChunkRange `json:"ranges"`
}

// FileResumeOK is the payload of the FILE_RESUME_OK frame type. The sender
// does not send it after adopting a FILE_RESUME, and the transfer dispatch
// loop does not handle it.
type FileResumeOK struct {
	FileHash string `json:"file_hash"`
}

// FileAck acknowledges one received chunk.
type FileAck struct {
	Index int `json:"index"`
}

// FileAckBatch acknowledges several chunks at once; the sender must accept
// either FileAck or FileAckBatch.
type FileAckBatch struct {
	Indices []int `json:"indices"`
}

// FileComplete signals the sender has transmitted every chunk.
type FileComplete struct {
	FileHash string `json:"file_hash"`
}

// FileCompleteAck confirms the receiver reassembled and verified the file.
type FileCompleteAck struct {
	FileHash string `json:"file_hash"`
}

// Heartbeat carries no data beyond its frame type; Unix nanos are included
// only for diagnostics, never relied on for correctness.
type Heartbeat struct {
	SentAtUnixNano int64 `json:"sent_at"`
}

// Bye signals a graceful session close, user-initiated or protocol-fatal.
type Bye struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorKind closes the set of error kinds surfaced over the wire.
type ErrorKind string

const (
	ErrorKindProtocol  ErrorKind = "protocol"
	ErrorKindVersion   ErrorKind = "version"
	ErrorKindPairing   ErrorKind = "pairing_refused"
	ErrorKindIntegrity ErrorKind = "hash_mismatch"
	ErrorKindState     ErrorKind = "state"
)

// ErrorMsg is the wire ERROR frame payload.
type ErrorMsg struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// Marshal JSON-encodes a message payload.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal payload: %w", err)
	}
	return b, nil
}

// Unmarshal JSON-decodes a message payload, wrapping decode failures as
// ErrMalformed so callers can apply one recovery path for any bad frame.
func Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// EncodeFileData builds the binary FILE_DATA payload:
// [u32 chunk_index][u32 chunk_len][chunk_len raw bytes].
func EncodeFileData(index int, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(index))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(data)))
	copy(buf[8:], data)
	return buf
}

// DecodeFileData parses the binary FILE_DATA payload produced by EncodeFileData.
func DecodeFileData(payload []byte) (index int, data []byte, err error) {
	if len(payload) < 8 {
		return 0, nil, fmt.Errorf("%w: file data shorter than header", ErrMalformed)
	}
	idx := binary.BigEndian.Uint32(payload[0:4])
	length := binary.BigEndian.Uint32(payload[4:8])
	if int(length) != len(payload)-8 {
		return 0, nil, fmt.Errorf("%w: file data length mismatch", ErrMalformed)
	}
	return int(idx), payload[8:], nil
}

// EncodeRanges run-length encodes a sorted set of chunk indices into ranges.
func EncodeRanges(sortedIndices []int) []ChunkRange {
	if len(sortedIndices) == 0 {
		return nil
	}
	var ranges []ChunkRange
	start := sortedIndices[0]
	prev := start
	for _, idx := range sortedIndices[1:] {
		if idx == prev+1 {
			prev = idx
			continue
		}
		ranges = append(ranges, ChunkRange{Start: start, End: prev})
		start = idx
		prev = idx
	}
	ranges = append(ranges, ChunkRange{Start: start, End: prev})
	return ranges
}

// DecodeRanges expands run-length encoded ranges back into a flat index
// slice, range by range in the order given. Sorted, non-overlapping ranges
// (as EncodeRanges produces) yield an ascending slice without duplicates;
// other input is neither sorted nor deduplicated.
func DecodeRanges(ranges []ChunkRange) []int {
	var out []int
	for _, r := range ranges {
		for i := r.Start; i <= r.End; i++ {
			out = append(out, i)
		}
	}
	return out
}
