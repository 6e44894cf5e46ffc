package policy

import (
	"bytes"
	"crypto/x509/pkix"
	"testing"
)

func TestRuntimeHashExtensionRoundTrip(t *testing.T) {
	hash := []byte{0xde, 0xad, 0xbe, 0xef}
	ext, err := EncodeRuntimeHashExtension(hash)
	if err != nil {
		t.Fatalf("EncodeRuntimeHashExtension() error = %v", err)
	}

	got, ok, err := DecodeRuntimeHashExtension([]pkix.Extension{ext})
	if err != nil {
		t.Fatalf("DecodeRuntimeHashExtension() error = %v", err)
	}
	if !ok {
		t.Fatal("DecodeRuntimeHashExtension() did not find the extension")
	}
	if !bytes.Equal(got, hash) {
		t.Fatalf("got %x, want %x", got, hash)
	}
}

func TestDecodeRuntimeHashExtensionMissing(t *testing.T) {
	_, ok, err := DecodeRuntimeHashExtension(nil)
	if err != nil {
		t.Fatalf("unexpected error = %v", err)
	}
	if ok {
		t.Fatal("DecodeRuntimeHashExtension() reported found on empty extension list")
	}
}
