package wire

import (
	"fmt"

	"github.com/mdlayher/vsock"
)

// ParentCID is the CID of the parent EC2 instance as seen from inside a
// Nitro enclave. AWS fixes this value; see the Nitro Enclaves user guide.
const ParentCID = 3

// DialVsock opens a framed transport to the given VSOCK CID/port. This is
// the real host<->enclave stream socket used outside of tests, where the
// default constructor is handed an in-memory pipe or a TCP connection
// instead.
func DialVsock(cid, port uint32) (*Transport, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: vsock dial to cid=%d port=%d failed: %w", cid, port, err)
	}
	return New(conn), nil
}

// ListenVsock listens for a single incoming VSOCK connection on port and
// returns it as a framed transport. Used by the enclave side of the
// root-enclave protocol, which accepts exactly one connection from the
// host per boot.
func ListenVsock(port uint32) (*Transport, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: vsock listen on port=%d failed: %w", port, err)
	}
	defer l.Close()

	conn, err := l.Accept()
	if err != nil {
		return nil, fmt.Errorf("wire: vsock accept failed: %w", err)
	}
	return New(conn), nil
}
