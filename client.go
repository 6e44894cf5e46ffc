// Package veil is the client side of the confidential-computing fabric:
// it loads a policy and a client identity, establishes a mutually
// authenticated TLS 1.2 session with an attested enclave over the relay
// bridge, and carries out the program/data/compute/result protocol against
// it.
package veil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/veraison-labs/veil/internal/policy"
	"github.com/veraison-labs/veil/internal/session"
	"github.com/veraison-labs/veil/internal/tlsbridge"
	"github.com/veraison-labs/veil/internal/wire"
)

var elog = log.New(os.Stderr, "veil: ", log.Ldate|log.Ltime|log.LUTC|log.Lshortfile)

// ErrSessionTainted is returned by every data-plane call once a prior
// policy-hash or runtime-hash check has failed. A tainted Client refuses to
// make further requests; the caller must establish a new session against a
// policy and enclave it trusts.
var ErrSessionTainted = errors.New("veil: session tainted by a prior policy or runtime-hash mismatch")

// ErrPolicyHashMismatch is returned the first time the enclave's reported
// policy hash disagrees with the client's own hash of its policy document.
// The underlying Client is tainted as a side effect.
var ErrPolicyHashMismatch = errors.New("veil: enclave policy hash does not match client policy hash")

// ErrCertificateExpired is returned by NewClient when the supplied client
// certificate is not currently valid.
var ErrCertificateExpired = errors.New("veil: client certificate is expired or not yet valid")

// Config configures a Client.
type Config struct {
	// Policy is the parsed policy document governing this session.
	Policy *policy.Policy

	// Platform names the platform this client expects the enclave to run
	// on. It is passed to tlsbridge as a logging hint only: the enclave's
	// identity certificate is accepted if its runtime hash is approved for
	// any platform in Policy.
	Platform policy.Platform

	// ClientCertPEM and ClientKeyPEM are this client's PEM-encoded
	// identity, used for mutual TLS authentication.
	ClientCertPEM []byte
	ClientKeyPEM  []byte

	// HandshakeTimeout bounds the TLS handshake over the relay. Dial's
	// default (30s) is used if zero.
	HandshakeTimeout time.Duration
}

// Client is one established session against an attested enclave. A Client
// is not safe for concurrent use: the underlying protocol is strictly
// request/response, and callers serialize calls the same way the original
// fabric's single-threaded client does.
type Client struct {
	cfg       Config
	closer    io.Closer
	transport *wire.Transport

	mu            sync.Mutex
	policyChecked bool
	tainted       bool
}

// NewClient validates cfg.ClientCertPEM's validity window, dials the
// enclave through the relay named by cfg.Policy's server URL, and verifies
// its identity certificate before returning. The TLS handshake itself
// already enforces invariant 1's runtime-hash half; checkPolicyHash enforces
// the other half on the first data-plane call.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Policy == nil {
		return nil, errors.New("veil: Config.Policy is required")
	}

	cert, err := tls.X509KeyPair(cfg.ClientCertPEM, cfg.ClientKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("veil: parse client identity: %w", err)
	}
	if err := checkCertificateValidity(cert); err != nil {
		return nil, err
	}

	bridge, err := tlsbridge.Dial(tlsbridge.Config{
		ServerURL:        cfg.Policy.ServerURL(),
		Policy:           cfg.Policy,
		Platform:         cfg.Platform,
		ClientCert:       cert,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("veil: dial enclave: %w", err)
	}

	return newClient(cfg, bridge, wire.New(bridge)), nil
}

// newClient assembles a Client around an already-established session
// transport. Dial (the real TLS-over-relay path) and the protocol-level
// tests share this constructor; only how closer/transport come to exist
// differs between them.
func newClient(cfg Config, closer io.Closer, transport *wire.Transport) *Client {
	return &Client{cfg: cfg, closer: closer, transport: transport}
}

// checkCertificateValidity rejects a client certificate that has already
// expired or is not yet valid. It does not otherwise police trust; the
// proxy attestation service is the one that decides who gets a signed
// identity in the first place.
func checkCertificateValidity(cert tls.Certificate) error {
	if len(cert.Certificate) == 0 {
		return ErrCertificateExpired
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return fmt.Errorf("veil: parse client certificate: %w", err)
	}
	now := time.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return ErrCertificateExpired
	}
	return nil
}

// taint marks the session unusable for any further data-plane call.
func (c *Client) taint() {
	c.tainted = true
}

// checkPolicyHash performs the policy-hash probe exactly once per session,
// comparing the enclave's reported hash against the client's own hash of
// its policy document (spec invariant 1). The session is tainted on
// mismatch or transport failure so that no caller can race a data-plane
// call ahead of a check already known to have failed.
func (c *Client) checkPolicyHash() error {
	if c.policyChecked {
		return nil
	}

	resp, err := c.roundTrip(session.RequestPolicyHash())
	if err != nil {
		c.taint()
		return err
	}
	if resp.Status != session.StatusSuccess {
		c.taint()
		return fmt.Errorf("veil: policy-hash probe failed with status %d", resp.Status)
	}
	if string(resp.PolicyHash) != c.cfg.Policy.Hash() {
		c.taint()
		elog.Printf("policy hash mismatch: enclave=%q client=%q", resp.PolicyHash, c.cfg.Policy.Hash())
		return ErrPolicyHashMismatch
	}

	c.policyChecked = true
	return nil
}

// roundTrip sends req over the TLS session and decodes its Response.
func (c *Client) roundTrip(req session.Request) (session.Response, error) {
	buf, err := c.transport.SendRecv(req.Encode())
	if err != nil {
		return session.Response{}, fmt.Errorf("veil: transport error: %w", err)
	}
	resp, err := session.DecodeResponse(buf)
	if err != nil {
		return session.Response{}, fmt.Errorf("veil: malformed response: %w", err)
	}
	return resp, nil
}

// ready enforces invariant 1 before every data-plane call: a session must
// have passed its one policy-hash check, and must not already be tainted by
// a prior failure, before it performs any program/data/compute/result
// operation.
func (c *Client) ready() error {
	if c.tainted {
		return ErrSessionTainted
	}
	if err := c.checkPolicyHash(); err != nil {
		return err
	}
	if c.tainted {
		return ErrSessionTainted
	}
	return nil
}

// call runs one data-plane request after the invariant-1 preconditions pass,
// tainting the session if the transport itself fails (a failure this late
// leaves the session's state with the enclave unknown, so it is no longer
// trustworthy for further calls).
func (c *Client) call(req session.Request) (session.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(); err != nil {
		return session.Response{}, err
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		c.taint()
		return session.Response{}, err
	}
	return resp, nil
}

// statusError turns a non-success Response status into an error.
func statusError(resp session.Response) error {
	switch resp.Status {
	case session.StatusSuccess:
		return nil
	case session.StatusPathNotPermitted:
		return errors.New("veil: path not permitted by policy for this participant")
	default:
		return errors.New("veil: request failed")
	}
}

// SendProgram uploads program to path.
func (c *Client) SendProgram(path string, program []byte) error {
	resp, err := c.call(session.SendProgram(path, program))
	if err != nil {
		return err
	}
	return statusError(resp)
}

// SendData uploads data to path.
func (c *Client) SendData(path string, data []byte) error {
	resp, err := c.call(session.SendData(path, data))
	if err != nil {
		return err
	}
	return statusError(resp)
}

// RequestCompute runs the program previously uploaded at path.
func (c *Client) RequestCompute(path string) error {
	resp, err := c.call(session.RequestCompute(path))
	if err != nil {
		return err
	}
	return statusError(resp)
}

// GetResults reads the result file at path.
func (c *Client) GetResults(path string) ([]byte, error) {
	resp, err := c.call(session.ReadFile(path))
	if err != nil {
		return nil, err
	}
	if err := statusError(resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// RequestShutdown asks the enclave to shut down the session. Per the
// runtime manager's deliberate exemption (see internal/session), this call
// bypasses invariant 1's checks: a client that no longer trusts the
// enclave must still be able to tell it to stop.
func (c *Client) RequestShutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.roundTrip(session.RequestShutdown())
	if err != nil {
		// The enclave may already have torn down its end on a clean
		// shutdown; a transport error here is not itself a protocol
		// violation, so shutdown is treated as best-effort.
		elog.Printf("shutdown request: %v", err)
		return nil
	}
	return statusError(resp)
}

// Close tears down the underlying TLS session without sending a shutdown
// request.
func (c *Client) Close() error {
	return c.closer.Close()
}
