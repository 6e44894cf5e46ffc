package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTrailingBytes is returned by a decoder when the buffer has unconsumed
// bytes after a value has been fully read. Decoding must reject trailing
// bytes; the wire format carries no length envelope of its own beyond the
// frame produced by Transport.
var ErrTrailingBytes = errors.New("wire: trailing bytes after decoded value")

// ErrTruncated is returned when a decoder runs out of bytes before a field
// is complete.
var ErrTruncated = errors.New("wire: buffer truncated")

// Writer accumulates a message's bytes in the codec's deterministic format:
// a compact variant tag followed by its fields in declaration order, with
// variable-length fields length-prefixed.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the accumulated encoding.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Tag writes the variant index as a compact (unsigned varint) value. Every
// encoded message starts with exactly one Tag call.
func (w *Writer) Tag(variant uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], variant)
	w.buf = append(w.buf, tmp[:n]...)
}

// BytesField appends a length-prefixed byte slice.
func (w *Writer) BytesField(b []byte) {
	w.Tag(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// String appends a length-prefixed UTF-8 string.
func (w *Writer) String(s string) {
	w.BytesField([]byte(s))
}

// Fixed appends a fixed-size byte array verbatim, with no length prefix
// since the schema fixes its size (e.g. a 16-byte nonce).
func (w *Writer) Fixed(b []byte) {
	w.buf = append(w.buf, b...)
}

// Int32 appends a little-endian signed 32-bit integer.
func (w *Writer) Int32(v int32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	w.buf = append(w.buf, tmp[:]...)
}

// Uint32 appends a little-endian unsigned 32-bit integer.
func (w *Writer) Uint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// Reader consumes a message encoded by Writer. Every accessor advances the
// cursor; Done must be called (and must succeed) once all fields of the
// schema have been read, to reject trailing bytes.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential decoding.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Tag reads the variant index.
func (r *Reader) Tag() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, ErrTruncated
	}
	r.pos += n
	return v, nil
}

// BytesField reads a length-prefixed byte slice.
func (r *Reader) BytesField() ([]byte, error) {
	n, err := r.Tag()
	if err != nil {
		return nil, err
	}
	if uint64(len(r.buf)-r.pos) < n {
		return nil, ErrTruncated
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

// String reads a length-prefixed UTF-8 string.
func (r *Reader) String() (string, error) {
	b, err := r.BytesField()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Fixed reads exactly n bytes verbatim.
func (r *Reader) Fixed(n int) ([]byte, error) {
	if len(r.buf)-r.pos < n {
		return nil, ErrTruncated
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Int32 reads a little-endian signed 32-bit integer.
func (r *Reader) Int32() (int32, error) {
	b, err := r.Fixed(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// Uint32 reads a little-endian unsigned 32-bit integer.
func (r *Reader) Uint32() (uint32, error) {
	b, err := r.Fixed(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Done must be called after all schema fields have been read. It fails if
// any bytes remain, per the codec's "decoding must reject trailing bytes"
// requirement.
func (r *Reader) Done() error {
	if r.pos != len(r.buf) {
		return fmt.Errorf("%w: %d unconsumed byte(s)", ErrTrailingBytes, len(r.buf)-r.pos)
	}
	return nil
}
