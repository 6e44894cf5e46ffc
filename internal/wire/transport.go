// Package wire implements the framed byte-stream transport (length-prefixed
// messages) and the deterministic binary codec used to serialize the
// tagged message variants exchanged between the host and an enclave.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
)

var elog = log.New(os.Stderr, "wire: ", log.Ldate|log.Ltime|log.LUTC|log.Lshortfile)

// ErrShortRead is returned when the peer closes the connection before a
// fully declared message has been delivered.
var ErrShortRead = errors.New("wire: connection closed mid-message")

// maxMessageLen bounds the length prefix so a corrupt or malicious peer
// cannot force an unbounded allocation.
const maxMessageLen = 64 * 1024 * 1024

// Transport carries length-prefixed byte buffers over a stream socket. It
// imposes no structure on the payload; that's the codec's job.
type Transport struct {
	rw io.ReadWriteCloser
}

// New wraps any byte stream (a TCP socket, a vsock connection, a pipe used
// in tests) as a framed transport.
func New(rw io.ReadWriteCloser) *Transport {
	return &Transport{rw: rw}
}

// Close closes the underlying stream.
func (t *Transport) Close() error {
	return t.rw.Close()
}

// Send writes buf as a single length-prefixed message: an unsigned 64-bit
// little-endian length, followed by the payload.
func (t *Transport) Send(buf []byte) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(buf)))
	if _, err := t.rw.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: failed to write length prefix: %w", err)
	}
	if len(buf) == 0 {
		return nil
	}
	if _, err := t.rw.Write(buf); err != nil {
		return fmt.Errorf("wire: failed to write payload: %w", err)
	}
	return nil
}

// Receive reads one length-prefixed message, retrying short reads until the
// declared length has been reached. EOF before the declared length is a
// fatal transport error.
func (t *Transport) Receive() ([]byte, error) {
	var hdr [8]byte
	if err := readFull(t.rw, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint64(hdr[:])
	if n > maxMessageLen {
		return nil, fmt.Errorf("wire: declared message length %d exceeds maximum %d", n, maxMessageLen)
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if err := readFull(t.rw, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SendRecv writes buf and then blocks for exactly one reply. Callers that
// always alternate send/receive (the root-enclave protocol does) use this
// instead of two separate calls.
func (t *Transport) SendRecv(buf []byte) ([]byte, error) {
	if err := t.Send(buf); err != nil {
		return nil, err
	}
	return t.Receive()
}

func readFull(r io.Reader, buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := r.Read(buf[read:])
		read += n
		if err != nil {
			if err == io.EOF {
				if read == len(buf) {
					return nil
				}
				elog.Printf("connection closed after %d/%d bytes", read, len(buf))
				return ErrShortRead
			}
			return fmt.Errorf("wire: read failed: %w", err)
		}
	}
	return nil
}
