// Package wire implements the byte I/O layer: endianness-tagged primitive
// reads/writes and a bounded sub-reader with an explicit Eof boundary. Writes
// pass straight through to the underlying io.Writer; there is no capacity
// limit on the write side. Structured wire types (IPv4 headers,
// SOCKS5 messages) are built field-by-field on top of this layer in their
// declaration order.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/skunkproxy/skunk/internal/errorsx"
)

// Order is an endianness tag. NetworkEndian is the default for all
// protocol-layer multi-byte integers.
type Order struct {
	bo binary.ByteOrder
}

var (
	BigEndian     = Order{binary.BigEndian}
	LittleEndian  = Order{binary.LittleEndian}
	NetworkEndian = Order{binary.BigEndian}
	// NativeEndian targets the little-endian architectures this core ships
	// on (amd64, arm64); there is no portable way to probe host order
	// without unsafe, and none of our wire formats need it.
	NativeEndian = Order{binary.LittleEndian}
)

// Reader is the read half of the byte I/O layer: a plain io.Reader augmented
// with fixed-size primitive reads.
type Reader struct {
	io.Reader
}

func NewReader(r io.Reader) *Reader { return &Reader{r} }

func (r *Reader) readExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.Reader, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errorsx.IO("read", io.ErrUnexpectedEOF)
		}
		return nil, errorsx.IO("read", err)
	}
	return buf, nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.readExact(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadUint16(order Order) (uint16, error) {
	b, err := r.readExact(2)
	if err != nil {
		return 0, err
	}
	return order.bo.Uint16(b), nil
}

func (r *Reader) ReadUint32(order Order) (uint32, error) {
	b, err := r.readExact(4)
	if err != nil {
		return 0, err
	}
	return order.bo.Uint32(b), nil
}

func (r *Reader) ReadUint64(order Order) (uint64, error) {
	b, err := r.readExact(8)
	if err != nil {
		return 0, err
	}
	return order.bo.Uint64(b), nil
}

func (r *Reader) ReadBytes(n int) ([]byte, error) {
	return r.readExact(n)
}

// Writer is the write half of the byte I/O layer. It passes every write
// straight to the wrapped io.Writer and imposes no capacity of its own; a
// failed write surfaces as a KindIO error wrapping the underlying cause.
type Writer struct {
	io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w} }

// ErrFull signals that a writer refused additional bytes. No Writer method in
// this package returns it.
var ErrFull = errorsx.New(errorsx.KindIO, "write", "writer is full", nil)

func (w *Writer) WriteUint8(v uint8) error {
	_, err := w.Writer.Write([]byte{v})
	return wrapWriteErr(err)
}

func (w *Writer) WriteUint16(order Order, v uint16) error {
	buf := make([]byte, 2)
	order.bo.PutUint16(buf, v)
	_, err := w.Writer.Write(buf)
	return wrapWriteErr(err)
}

func (w *Writer) WriteUint32(order Order, v uint32) error {
	buf := make([]byte, 4)
	order.bo.PutUint32(buf, v)
	_, err := w.Writer.Write(buf)
	return wrapWriteErr(err)
}

func (w *Writer) WriteUint64(order Order, v uint64) error {
	buf := make([]byte, 8)
	order.bo.PutUint64(buf, v)
	_, err := w.Writer.Write(buf)
	return wrapWriteErr(err)
}

func (w *Writer) WriteBytes(b []byte) error {
	_, err := w.Writer.Write(b)
	return wrapWriteErr(err)
}

func wrapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	return errorsx.IO("write", err)
}

// LimitedReader bounds a Reader to at most n remaining bytes, rejecting reads
// past the bound with Eof rather than silently truncating or reading into
// the next structure.
type LimitedReader struct {
	*Reader
	remaining int64
}

// Limit wraps r so that no more than n bytes can be read through the result's
// ReadBytes, ReadUint8, ReadUint16, ReadUint32 and SkipRemaining. Read and
// ReadUint64, promoted from the embedded Reader, are not bounded.
func Limit(r *Reader, n int64) *LimitedReader {
	return &LimitedReader{Reader: r, remaining: n}
}

var ErrEof = errorsx.New(errorsx.KindIO, "read", "limit exceeded", io.EOF)

func (l *LimitedReader) ReadBytes(n int) ([]byte, error) {
	if int64(n) > l.remaining {
		return nil, ErrEof
	}
	b, err := l.Reader.readExact(n)
	if err != nil {
		return nil, err
	}
	l.remaining -= int64(n)
	return b, nil
}

func (l *LimitedReader) ReadUint8() (uint8, error) {
	b, err := l.ReadBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (l *LimitedReader) ReadUint16(order Order) (uint16, error) {
	b, err := l.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return order.bo.Uint16(b), nil
}

func (l *LimitedReader) ReadUint32(order Order) (uint32, error) {
	b, err := l.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return order.bo.Uint32(b), nil
}

// Remaining reports the number of bytes still readable under the bound.
func (l *LimitedReader) Remaining() int64 { return l.remaining }

// SkipRemaining drains any unread bytes up to the bound, discarding them.
// Used when a structured reader only consumes a prefix of a declared field
// (e.g. an options area this core does not interpret).
func (l *LimitedReader) SkipRemaining() error {
	if l.remaining <= 0 {
		return nil
	}
	n, err := io.CopyN(io.Discard, l.Reader.Reader, l.remaining)
	l.remaining -= n
	if err != nil && err != io.EOF {
		return errorsx.IO("skip_remaining", err)
	}
	return nil
}
