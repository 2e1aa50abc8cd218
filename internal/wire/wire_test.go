package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestReadWriteUint16NetworkEndian(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteUint16(NetworkEndian, 0x0102); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := buf.Bytes(); !bytes.Equal(got, []byte{0x01, 0x02}) {
		t.Fatalf("got %x, want big-endian 0102", got)
	}

	r := NewReader(&buf)
	v, err := r.ReadUint16(NetworkEndian)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v != 0x0102 {
		t.Fatalf("got %x, want 0102", v)
	}
}

func TestLimitedReaderRejectsPastBound(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{1, 2, 3, 4, 5}))
	l := Limit(r, 3)

	if _, err := l.ReadBytes(2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := l.ReadBytes(2); !errors.Is(err, ErrEof) {
		t.Fatalf("got %v, want ErrEof", err)
	}
}

func TestLimitedReaderSkipRemaining(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{1, 2, 3, 4, 5}))
	l := Limit(r, 4)
	if _, err := l.ReadBytes(1); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := l.SkipRemaining(); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if l.Remaining() != 0 {
		t.Fatalf("remaining = %d, want 0", l.Remaining())
	}

	// Next byte in the underlying reader should be the 5th (unbounded) byte.
	v, err := r.ReadUint8()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v != 5 {
		t.Fatalf("got %d, want 5", v)
	}
}
