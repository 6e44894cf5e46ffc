package rootenclave

import (
	"errors"
	"testing"
)

var errAttest = errors.New("attestation hardware unavailable")

type fakeAttester struct {
	token, csr []byte
	err        error
}

func (a *fakeAttester) Attest(nonce [NonceSize]byte, deviceID int32) ([]byte, []byte, error) {
	if a.err != nil {
		return nil, nil, a.err
	}
	return a.token, a.csr, nil
}

func TestHappyPathReachesReady(t *testing.T) {
	m := NewMachine(&fakeAttester{token: []byte("tok"), csr: []byte("csr")})

	reply := m.Handle(Message{Kind: KindNativeAttestation, DeviceID: 1})
	if reply.Kind != KindTokenData {
		t.Fatalf("reply = %+v, want TokenData", reply)
	}
	if m.State() != StateProxyChallenged {
		t.Fatalf("state = %v, want StateProxyChallenged", m.State())
	}

	reply = m.Handle(Message{Kind: KindStartProxy})
	if reply.Kind != KindChallengeData {
		t.Fatalf("reply = %+v, want ChallengeData", reply)
	}
	challengeID := reply.ChallengeID

	m.SetPendingChain([][]byte{[]byte("leaf")})
	reply = m.Handle(Message{Kind: KindProxyAttestation, Token: []byte("evidence"), ChallengeID: challengeID})
	if reply.Kind != KindCertChain || len(reply.Certs) != 1 {
		t.Fatalf("reply = %+v, want CertChain with 1 cert", reply)
	}

	reply = m.Handle(Message{Kind: KindSetCertChain, RootCert: []byte("root"), CACert: []byte("ca")})
	if reply.Kind != KindSuccess {
		t.Fatalf("reply = %+v, want Success", reply)
	}
	if m.State() != StateReady {
		t.Fatalf("state = %v, want StateReady", m.State())
	}
}

func TestFetchFirmwareVersionExemptFromOrdering(t *testing.T) {
	m := NewMachine(&fakeAttester{})
	reply := m.Handle(Message{Kind: KindFetchFirmwareVersion})
	if reply.Kind != KindFirmwareVersion {
		t.Fatalf("reply = %+v, want FirmwareVersion even in StateUnprovisioned", reply)
	}
}

func TestOutOfOrderMessageRejected(t *testing.T) {
	m := NewMachine(&fakeAttester{token: []byte("t"), csr: []byte("c")})
	// ProxyAttestation before any NativeAttestation/StartProxy exchange.
	reply := m.Handle(Message{Kind: KindProxyAttestation, ChallengeID: 0})
	if reply.Kind != KindStatus || reply.Code != StatusFail {
		t.Fatalf("reply = %+v, want Status(Fail)", reply)
	}
	if !errors.Is(m.LastError(), ErrOutOfOrder) {
		t.Fatalf("LastError() = %v, want ErrOutOfOrder", m.LastError())
	}
}

func TestChallengeReplayRejected(t *testing.T) {
	m := NewMachine(&fakeAttester{token: []byte("t"), csr: []byte("c")})
	m.Handle(Message{Kind: KindNativeAttestation, DeviceID: 1})
	challengeReply := m.Handle(Message{Kind: KindStartProxy})
	id := challengeReply.ChallengeID

	m.SetPendingChain([][]byte{[]byte("leaf")})
	first := m.Handle(Message{Kind: KindProxyAttestation, ChallengeID: id})
	if first.Kind != KindCertChain {
		t.Fatalf("first attempt = %+v, want CertChain", first)
	}

	second := m.Handle(Message{Kind: KindProxyAttestation, ChallengeID: id})
	if second.Kind != KindStatus || second.Code != StatusFail {
		t.Fatalf("replayed attempt = %+v, want Status(Fail)", second)
	}
	if !errors.Is(m.LastError(), ErrChallengeReplay) {
		t.Fatalf("LastError() = %v, want ErrChallengeReplay", m.LastError())
	}
}

func TestUnknownChallengeRejected(t *testing.T) {
	m := NewMachine(&fakeAttester{token: []byte("t"), csr: []byte("c")})
	m.Handle(Message{Kind: KindNativeAttestation, DeviceID: 1})
	m.Handle(Message{Kind: KindStartProxy})

	reply := m.Handle(Message{Kind: KindProxyAttestation, ChallengeID: 999})
	if reply.Kind != KindStatus || reply.Code != StatusFail {
		t.Fatalf("reply = %+v, want Status(Fail)", reply)
	}
	if !errors.Is(m.LastError(), ErrUnknownChallenge) {
		t.Fatalf("LastError() = %v, want ErrUnknownChallenge", m.LastError())
	}
}

func TestReadyStateRejectsFurtherMessages(t *testing.T) {
	m := NewMachine(&fakeAttester{token: []byte("t"), csr: []byte("c")})
	m.Handle(Message{Kind: KindNativeAttestation, DeviceID: 1})
	challengeReply := m.Handle(Message{Kind: KindStartProxy})
	m.SetPendingChain([][]byte{[]byte("leaf")})
	m.Handle(Message{Kind: KindProxyAttestation, ChallengeID: challengeReply.ChallengeID})
	m.Handle(Message{Kind: KindSetCertChain, RootCert: []byte("r"), CACert: []byte("c")})

	reply := m.Handle(Message{Kind: KindNativeAttestation, DeviceID: 2})
	if reply.Kind != KindStatus || reply.Code != StatusFail {
		t.Fatalf("reply = %+v, want Status(Fail) once READY", reply)
	}
}

func TestAttestationFailureReturnsStatusFail(t *testing.T) {
	m := NewMachine(&fakeAttester{err: errAttest})
	reply := m.Handle(Message{Kind: KindNativeAttestation, DeviceID: 1})
	if reply.Kind != KindStatus || reply.Code != StatusFail {
		t.Fatalf("reply = %+v, want Status(Fail)", reply)
	}
	if m.State() != StateUnprovisioned {
		t.Fatalf("state = %v, want unchanged StateUnprovisioned after failure", m.State())
	}
}
