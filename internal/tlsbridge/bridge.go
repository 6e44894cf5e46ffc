package tlsbridge

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/veraison-labs/veil/internal/policy"
)

var elog = log.New(os.Stderr, "tlsbridge: ", log.Ldate|log.Ltime|log.LUTC|log.Lshortfile)

// ErrMissingClientCert is returned by Dial when cfg has no client
// certificate configured; mutual authentication is mandatory for this
// fabric, there is no anonymous mode.
var ErrMissingClientCert = errors.New("tlsbridge: client certificate is required")

// Config configures a Bridge's TLS 1.2 session and the relay it rides on.
type Config struct {
	// ServerURL is the relay's base URL (scheme + host[:port]), e.g.
	// "http://relay.example.test:8080". The /runtime_manager path is
	// appended automatically.
	ServerURL string

	// Policy supplies the ciphersuite to pin and the approved runtime
	// hashes, one of which the enclave's certificate must carry.
	Policy *policy.Policy

	// Platform is an optional hint naming which platform this client
	// expects to be talking to, used only for logging. Verification
	// itself checks the peer's runtime hash against every platform in
	// Policy and accepts a match on any one of them, per the fabric's
	// attestation policy: a peer is trusted if its hash is approved for
	// any platform, not only the one the caller expected.
	Platform policy.Platform

	// ClientCert authenticates this client to the enclave.
	ClientCert tls.Certificate

	// HTTPClient is the client used for relay POSTs. http.DefaultClient
	// is used if nil.
	HTTPClient *http.Client

	// HandshakeTimeout bounds how long Dial waits for the TLS handshake
	// to complete over the relay. Defaults to 30s.
	HandshakeTimeout time.Duration
}

// Bridge is an established TLS 1.2 session running over an HTTP relay
// instead of a raw socket.
type Bridge struct {
	conn    *InsecureConn
	tlsConn *tls.Conn
}

// Dial performs the TLS 1.2 handshake over cfg.ServerURL's relay and
// verifies the enclave's identity certificate carries a runtime hash
// cfg.Policy approves for any platform. The connection is torn down and an
// error returned if verification fails.
func Dial(cfg Config) (*Bridge, error) {
	if len(cfg.ClientCert.Certificate) == 0 {
		return nil, ErrMissingClientCert
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}

	conn := NewInsecureConn(cfg.ServerURL, cfg.HTTPClient)

	var verifiedPeer *x509.Certificate
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS12,
		CipherSuites:       []uint16{cfg.Policy.Ciphersuite()},
		Certificates:       []tls.Certificate{cfg.ClientCert},
		InsecureSkipVerify: true, // we verify the peer ourselves, against the runtime hash extension, not a CA trust store
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("tlsbridge: peer presented no certificate")
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("tlsbridge: parse peer certificate: %w", err)
			}
			if err := VerifyRuntimeHash(leaf, cfg.Policy); err != nil {
				return err
			}
			verifiedPeer = leaf
			return nil
		},
	}

	tlsConn := tls.Client(conn, tlsCfg)
	errCh := make(chan error, 1)
	go func() { errCh <- tlsConn.Handshake() }()

	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("tlsbridge: handshake failed: %w", err)
		}
	case <-time.After(cfg.HandshakeTimeout):
		return nil, fmt.Errorf("tlsbridge: handshake timed out after %s", cfg.HandshakeTimeout)
	}

	if verifiedPeer == nil {
		return nil, errors.New("tlsbridge: handshake succeeded without verifying peer certificate")
	}
	elog.Printf("handshake complete (expected platform %s), session id %d", cfg.Platform, conn.SessionID())

	return &Bridge{conn: conn, tlsConn: tlsConn}, nil
}

// SessionID returns the relay session id currently assigned to this
// bridge.
func (b *Bridge) SessionID() uint32 { return b.conn.SessionID() }

// Write sends data over the established TLS session.
func (b *Bridge) Write(data []byte) (int, error) { return b.tlsConn.Write(data) }

// Read reads from the established TLS session.
func (b *Bridge) Read(p []byte) (int, error) { return b.tlsConn.Read(p) }

// Close closes the TLS session. The underlying relay connection has no
// socket to release.
func (b *Bridge) Close() error { return b.tlsConn.Close() }
