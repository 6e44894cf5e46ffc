package rootenclave

import (
	"crypto/rand"
	"errors"
	"log"
	"os"
	"sync"
)

var elog = log.New(os.Stderr, "rootenclave: ", log.Ldate|log.Ltime|log.LUTC|log.Lshortfile)

// State is a root enclave's position in the provisioning state machine.
type State int

// The three states a root enclave passes through on its way to serving
// runtime-manager traffic.
const (
	StateUnprovisioned State = iota
	StateProxyChallenged
	StateReady
)

// ErrOutOfOrder is returned when a message arrives in a state that does not
// expect it.
var ErrOutOfOrder = errors.New("rootenclave: message out of order for current state")

// ErrChallengeReplay is returned when a ProxyAttestation message names a
// challenge_id that has already been consumed.
var ErrChallengeReplay = errors.New("rootenclave: challenge already consumed")

// ErrUnknownChallenge is returned when a ProxyAttestation message names a
// challenge_id the machine never issued.
var ErrUnknownChallenge = errors.New("rootenclave: unknown challenge id")

// Attester performs the platform-native attestation step that proves this
// root enclave's own identity; it is the seam NitroAttester/PSAAttester
// implementations in internal/nativeattest are wired in behind.
type Attester interface {
	// Attest returns a native evidence token and a CSR binding the
	// enclave's key to nonce.
	Attest(nonce [NonceSize]byte, deviceID int32) (token, csr []byte, err error)
}

type challenge struct {
	nonce    [NonceSize]byte
	consumed bool
}

// Machine drives one root enclave through StateUnprovisioned -> StateReady.
// It is not safe to share across root enclave instances; each enclave gets
// its own Machine.
type Machine struct {
	mu sync.Mutex

	state    State
	attester Attester

	nextChallengeID int32
	challenges      map[int32]*challenge
	issuedNonces    map[[NonceSize]byte]bool

	rootCert     []byte
	caCert       []byte
	pendingChain [][]byte

	lastErr error
}

// NewMachine returns a Machine in StateUnprovisioned, using attester to
// produce native evidence when asked to perform NativeAttestation.
func NewMachine(attester Attester) *Machine {
	return &Machine{
		state:        StateUnprovisioned,
		attester:     attester,
		challenges:   map[int32]*challenge{},
		issuedNonces: map[[NonceSize]byte]bool{},
	}
}

// State returns the machine's current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error behind the most recently returned Status(Fail)
// reply, or nil if Handle has never failed a message. It is one of
// ErrOutOfOrder, ErrChallengeReplay, ErrUnknownChallenge, or an attester
// error, and is overwritten by every subsequent failure.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Machine) fail(err error) Message {
	m.lastErr = err
	return Message{Kind: KindStatus, Code: StatusFail}
}

// Handle processes one incoming Message and returns the reply to send back.
// FetchFirmwareVersion is exempt from ordering and is accepted in any state.
func (m *Machine) Handle(msg Message) Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.Kind == KindFetchFirmwareVersion {
		return Message{Kind: KindFirmwareVersion, FirmwareVersion: firmwareVersion}
	}

	switch m.state {
	case StateUnprovisioned:
		return m.handleUnprovisioned(msg)
	case StateProxyChallenged:
		return m.handleProxyChallenged(msg)
	case StateReady:
		elog.Printf("rejected %d: already READY", msg.Kind)
		return m.fail(ErrOutOfOrder)
	default:
		return m.fail(ErrOutOfOrder)
	}
}

func (m *Machine) handleUnprovisioned(msg Message) Message {
	if msg.Kind != KindNativeAttestation {
		elog.Printf("rejected %d in StateUnprovisioned", msg.Kind)
		return m.fail(ErrOutOfOrder)
	}
	token, csr, err := m.attester.Attest(msg.Nonce, msg.DeviceID)
	if err != nil {
		elog.Printf("native attestation failed: %v", err)
		return m.fail(err)
	}
	m.state = StateProxyChallenged
	return Message{Kind: KindTokenData, Token: token, CSR: csr}
}

func (m *Machine) handleProxyChallenged(msg Message) Message {
	switch msg.Kind {
	case KindStartProxy:
		nonce, err := m.freshNonce()
		if err != nil {
			elog.Printf("nonce generation failed: %v", err)
			return m.fail(err)
		}
		id := m.nextChallengeID
		m.nextChallengeID++
		m.challenges[id] = &challenge{nonce: nonce}
		return Message{Kind: KindChallengeData, Nonce: nonce, ChallengeID: id}

	case KindProxyAttestation:
		ch, ok := m.challenges[msg.ChallengeID]
		if !ok {
			elog.Printf("ProxyAttestation named unknown challenge %d", msg.ChallengeID)
			return m.fail(ErrUnknownChallenge)
		}
		if ch.consumed {
			elog.Printf("ProxyAttestation replayed challenge %d", msg.ChallengeID)
			return m.fail(ErrChallengeReplay)
		}
		ch.consumed = true
		// The certificate chain itself is produced by the proxy
		// attestation service (internal/attestproxy) from msg.Token;
		// the machine only tracks that the exchange happened. Callers
		// supply the resulting chain via SetPendingChain.
		return Message{Kind: KindCertChain, Certs: m.pendingChain}

	case KindSetCertChain:
		if len(m.pendingChain) == 0 {
			elog.Print("SetCertChain with no prior CertChain reply")
			return m.fail(ErrOutOfOrder)
		}
		m.rootCert = msg.RootCert
		m.caCert = msg.CACert
		m.state = StateReady
		return Message{Kind: KindSuccess}

	default:
		elog.Printf("rejected %d in StateProxyChallenged", msg.Kind)
		return m.fail(ErrOutOfOrder)
	}
}

// SetPendingChain records the certificate chain the proxy attestation
// service returned for the most recent ProxyAttestation exchange, so that a
// following CertChain/SetCertChain pair can complete. Real deployments call
// this from the host-side orchestrator (C8) after it posts evidence to C4.
func (m *Machine) SetPendingChain(certs [][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingChain = certs
}

func (m *Machine) freshNonce() ([NonceSize]byte, error) {
	var nonce [NonceSize]byte
	for {
		if _, err := rand.Read(nonce[:]); err != nil {
			return nonce, err
		}
		if !m.issuedNonces[nonce] {
			m.issuedNonces[nonce] = true
			return nonce, nil
		}
	}
}

const firmwareVersion = "veil-rootenclave/1"
