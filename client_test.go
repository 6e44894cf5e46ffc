package veil

import (
	"net"
	"testing"

	"github.com/veraison-labs/veil/internal/policy"
	"github.com/veraison-labs/veil/internal/session"
	"github.com/veraison-labs/veil/internal/wire"
)

// fakeBackend is an in-memory session.Backend double standing in for the
// sandboxed execution engine.
type fakeBackend struct {
	files map[string][]byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{files: map[string][]byte{}}
}

func (b *fakeBackend) StoreProgram(path string, program []byte) error {
	b.files[path] = program
	return nil
}

func (b *fakeBackend) StoreData(path string, data []byte) error {
	b.files[path] = data
	return nil
}

func (b *fakeBackend) Compute(path string) error {
	program, ok := b.files[path]
	if !ok {
		return errNotFound
	}
	b.files[path] = append(append([]byte(nil), program...), []byte(":computed")...)
	return nil
}

func (b *fakeBackend) ReadFile(path string) ([]byte, error) {
	data, ok := b.files[path]
	if !ok {
		return nil, errNotFound
	}
	return data, nil
}

var errNotFound = fakeNotFoundError{}

type fakeNotFoundError struct{}

func (fakeNotFoundError) Error() string { return "fakeBackend: path not found" }

// startFakeEnclave runs a session.Server over one end of an in-process pipe
// and hands back the other end for a Client to talk to, standing in for
// the TLS-over-relay bridge (which internal/tlsbridge already tests on its
// own).
func startFakeEnclave(t *testing.T, pol *policy.Policy, participant policy.Participant, backend session.Backend) net.Conn {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	srv := session.NewServer(pol, participant, backend)
	transport := wire.New(serverSide)

	go func() {
		for {
			buf, err := transport.Receive()
			if err != nil {
				return
			}
			req, err := session.DecodeRequest(buf)
			if err != nil {
				return
			}
			resp := srv.Handle(req)
			if err := transport.Send(resp.Encode()); err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() { clientSide.Close() })
	return clientSide
}

const testPolicyDoc = `{
	"runtime_hashes": {"Nitro": "aabbcc"},
	"ciphersuite": "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
	"server_url": "https://example.test",
	"proxy_service_cert": "cert",
	"participants": []
}`

const testPolicyDocVariant = `{
	"runtime_hashes": {"Nitro": "ddeeff"},
	"ciphersuite": "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
	"server_url": "https://example.test",
	"proxy_service_cert": "cert",
	"participants": []
}`

func mustParsePolicy(t *testing.T, doc string) *policy.Policy {
	t.Helper()
	pol, err := policy.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("policy.Parse() error = %v", err)
	}
	return pol
}

func TestDataPlaneFlowAfterPolicyHashMatches(t *testing.T) {
	pol := mustParsePolicy(t, testPolicyDoc)
	participant := policy.Participant{AllowedPaths: []string{"/prog", "/data", "/result"}}
	backend := newFakeBackend()
	conn := startFakeEnclave(t, pol, participant, backend)

	c := newClient(Config{Policy: pol}, conn, wire.New(conn))

	if err := c.SendProgram("/prog", []byte("binary")); err != nil {
		t.Fatalf("SendProgram() error = %v", err)
	}
	if !c.policyChecked {
		t.Fatal("policyChecked should be true after the first data-plane call")
	}
	if err := c.SendData("/data", []byte("input")); err != nil {
		t.Fatalf("SendData() error = %v", err)
	}
	if err := c.RequestCompute("/prog"); err != nil {
		t.Fatalf("RequestCompute() error = %v", err)
	}
	if _, err := c.GetResults("/data"); err != nil {
		t.Fatalf("GetResults() error = %v", err)
	}
}

func TestPolicyHashMismatchTaintsSession(t *testing.T) {
	clientPolicy := mustParsePolicy(t, testPolicyDoc)
	enclavePolicy := mustParsePolicy(t, testPolicyDocVariant)
	participant := policy.Participant{AllowedPaths: []string{"/prog"}}
	backend := newFakeBackend()
	conn := startFakeEnclave(t, enclavePolicy, participant, backend)

	c := newClient(Config{Policy: clientPolicy}, conn, wire.New(conn))

	err := c.SendProgram("/prog", []byte("binary"))
	if err != ErrPolicyHashMismatch {
		t.Fatalf("SendProgram() error = %v, want ErrPolicyHashMismatch", err)
	}

	err = c.SendData("/prog", []byte("anything"))
	if err != ErrSessionTainted {
		t.Fatalf("second call error = %v, want ErrSessionTainted", err)
	}
}

func TestPathNotPermittedSurfacesAsError(t *testing.T) {
	pol := mustParsePolicy(t, testPolicyDoc)
	participant := policy.Participant{AllowedPaths: []string{"/ok"}}
	backend := newFakeBackend()
	conn := startFakeEnclave(t, pol, participant, backend)

	c := newClient(Config{Policy: pol}, conn, wire.New(conn))

	if err := c.SendProgram("/not-allowed", []byte("binary")); err == nil {
		t.Fatal("SendProgram() to an unpermitted path should have failed")
	}
}

func TestShutdownBypassesTaintedSession(t *testing.T) {
	clientPolicy := mustParsePolicy(t, testPolicyDoc)
	enclavePolicy := mustParsePolicy(t, testPolicyDocVariant)
	participant := policy.Participant{}
	backend := newFakeBackend()
	conn := startFakeEnclave(t, enclavePolicy, participant, backend)

	c := newClient(Config{Policy: clientPolicy}, conn, wire.New(conn))

	if err := c.SendProgram("/x", []byte("y")); err != ErrPolicyHashMismatch {
		t.Fatalf("priming SendProgram() error = %v, want ErrPolicyHashMismatch", err)
	}
	if !c.tainted {
		t.Fatal("session should be tainted")
	}
	if err := c.RequestShutdown(); err != nil {
		t.Fatalf("RequestShutdown() on a tainted session should still succeed, got %v", err)
	}
}

func TestPathNormalizedBeforeSendingOverWire(t *testing.T) {
	pol := mustParsePolicy(t, testPolicyDoc)
	participant := policy.Participant{AllowedPaths: []string{"/prog"}}
	backend := newFakeBackend()
	conn := startFakeEnclave(t, pol, participant, backend)

	c := newClient(Config{Policy: pol}, conn, wire.New(conn))

	// "prog" (no leading slash) must normalize to "/prog" on the wire to
	// match the policy's allowed path.
	if err := c.SendProgram("prog", []byte("binary")); err != nil {
		t.Fatalf("SendProgram() error = %v", err)
	}
}
