package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewWriter()
	w.Tag(7)
	w.String("/prog.wasm")
	w.BytesField([]byte{0xde, 0xad, 0xbe, 0xef})
	w.Fixed([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16})
	w.Int32(-42)
	w.Uint32(4242)

	r := NewReader(w.Bytes())
	tag, err := r.Tag()
	if err != nil || tag != 7 {
		t.Fatalf("Tag() = %d, %v; want 7, nil", tag, err)
	}
	s, err := r.String()
	if err != nil || s != "/prog.wasm" {
		t.Fatalf("String() = %q, %v", s, err)
	}
	b, err := r.BytesField()
	if err != nil || !bytes.Equal(b, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Fatalf("BytesField() = %x, %v", b, err)
	}
	nonce, err := r.Fixed(16)
	if err != nil || len(nonce) != 16 {
		t.Fatalf("Fixed(16) = %x, %v", nonce, err)
	}
	i, err := r.Int32()
	if err != nil || i != -42 {
		t.Fatalf("Int32() = %d, %v", i, err)
	}
	u, err := r.Uint32()
	if err != nil || u != 4242 {
		t.Fatalf("Uint32() = %d, %v", u, err)
	}
	if err := r.Done(); err != nil {
		t.Fatalf("Done() = %v, want nil", err)
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	w := NewWriter()
	w.Tag(1)
	w.Bytes()
	encoded := append(w.Bytes(), 0xff) // inject a stray trailing byte

	r := NewReader(encoded)
	if _, err := r.Tag(); err != nil {
		t.Fatalf("Tag() error = %v", err)
	}
	if err := r.Done(); !errors.Is(err, ErrTrailingBytes) {
		t.Fatalf("Done() = %v, want ErrTrailingBytes", err)
	}
}

func TestDecodeTruncatedFails(t *testing.T) {
	r := NewReader([]byte{})
	if _, err := r.Tag(); err != ErrTruncated {
		t.Fatalf("Tag() on empty buffer = %v, want ErrTruncated", err)
	}
}

func TestEmptyMessageRoundTrips(t *testing.T) {
	w := NewWriter()
	w.Tag(0)
	r := NewReader(w.Bytes())
	tag, err := r.Tag()
	if err != nil || tag != 0 {
		t.Fatalf("Tag() = %d, %v", tag, err)
	}
	if err := r.Done(); err != nil {
		t.Fatalf("Done() = %v", err)
	}
}
