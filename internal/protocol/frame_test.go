package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		typ     Type
		payload []byte
	}{
		{"empty", TypeHeartbeat, nil},
		{"hello", TypeHello, []byte(`{"device_id":"a-u-1"}`)},
		{"binary", TypeFileData, EncodeFileData(3, []byte("chunk-bytes"))},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, tc.typ, tc.payload); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}

			got, err := ReadFrame(&buf, 1<<20)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if got.Type != tc.typ {
				t.Errorf("type = %v, want %v", got.Type, tc.typ)
			}
			if !bytes.Equal(got.Payload, tc.payload) {
				t.Errorf("payload = %v, want %v", got.Payload, tc.payload)
			}
		})
	}
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, TypeHello, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:HeaderSize+2])

	_, err := ReadFrame(truncated, 1<<20)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

func TestReadFrameMalformedType(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, TypeHello, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	raw := buf.Bytes()
	raw[4] = 0xFF // corrupt the type tag

	_, err := ReadFrame(bytes.NewReader(raw), 1<<20)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, TypeFileData, make([]byte, 100)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	_, err := ReadFrame(&buf, 50)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	want := Hello{DeviceID: "host-user-1234", Hostname: "host", ProtocolVersion: ProtocolVersion}
	data, err := Marshal(want)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got Hello
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestFileDataEncodeDecodeRoundTrip(t *testing.T) {
	payload := EncodeFileData(42, []byte("payload-bytes"))

	index, data, err := DecodeFileData(payload)
	if err != nil {
		t.Fatalf("DecodeFileData: %v", err)
	}
	if index != 42 {
		t.Errorf("index = %d, want 42", index)
	}
	if string(data) != "payload-bytes" {
		t.Errorf("data = %q, want %q", data, "payload-bytes")
	}
}

func TestChunkRangeRoundTrip(t *testing.T) {
	indices := []int{0, 1, 2, 5, 6, 9}

	ranges := EncodeRanges(indices)
	got := DecodeRanges(ranges)

	if len(got) != len(indices) {
		t.Fatalf("got %v, want %v", got, indices)
	}
	for i := range indices {
		if got[i] != indices[i] {
			t.Fatalf("got %v, want %v", got, indices)
		}
	}
}

func TestEncodeRangesEmpty(t *testing.T) {
	if ranges := EncodeRanges(nil); ranges != nil {
		t.Errorf("EncodeRanges(nil) = %v, want nil", ranges)
	}
}
