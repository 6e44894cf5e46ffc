// Package rootenclave implements the message set exchanged between the
// host and a per-platform root enclave (firmware version, native
// attestation, proxy attestation, cert-chain install), and the state
// machine that governs which messages are legal in which order.
package rootenclave

import (
	"fmt"

	"github.com/veraison-labs/veil/internal/wire"
)

// Kind tags a root-enclave message variant.
type Kind uint64

// The eleven variants of the root-enclave protocol.
const (
	KindStatus Kind = iota
	KindFetchFirmwareVersion
	KindFirmwareVersion
	KindSetCertChain
	KindNativeAttestation
	KindTokenData
	KindStartProxy
	KindChallengeData
	KindProxyAttestation
	KindCertChain
	KindSuccess
)

// StatusCode is the payload of a generic Status reply.
type StatusCode uint64

// The three status codes a Status message can carry.
const (
	StatusFail StatusCode = iota
	StatusUnimplemented
	StatusSuccess
)

// NonceSize is the fixed size, in bytes, of every nonce exchanged by this
// protocol.
const NonceSize = 16

// Message is the tagged union of root-enclave protocol messages. Only the
// fields relevant to Kind are populated.
type Message struct {
	Kind Kind

	Code StatusCode // Status

	FirmwareVersion string // FirmwareVersion

	RootCert []byte // SetCertChain
	CACert   []byte // SetCertChain

	Nonce       [NonceSize]byte // NativeAttestation, ChallengeData
	DeviceID    int32           // NativeAttestation
	ChallengeID int32           // ChallengeData, ProxyAttestation

	Token []byte // TokenData, ProxyAttestation
	CSR   []byte // TokenData

	Certs [][]byte // CertChain
}

// Encode serializes m using the wire codec.
func (m Message) Encode() []byte {
	w := wire.NewWriter()
	w.Tag(uint64(m.Kind))
	switch m.Kind {
	case KindStatus:
		w.Tag(uint64(m.Code))
	case KindFetchFirmwareVersion, KindStartProxy, KindSuccess:
		// No fields.
	case KindFirmwareVersion:
		w.String(m.FirmwareVersion)
	case KindSetCertChain:
		w.BytesField(m.RootCert)
		w.BytesField(m.CACert)
	case KindNativeAttestation:
		w.Fixed(m.Nonce[:])
		w.Int32(m.DeviceID)
	case KindTokenData:
		w.BytesField(m.Token)
		w.BytesField(m.CSR)
	case KindChallengeData:
		w.Fixed(m.Nonce[:])
		w.Int32(m.ChallengeID)
	case KindProxyAttestation:
		w.BytesField(m.Token)
		w.Int32(m.ChallengeID)
	case KindCertChain:
		w.Tag(uint64(len(m.Certs)))
		for _, c := range m.Certs {
			w.BytesField(c)
		}
	}
	return w.Bytes()
}

// Decode decodes a Message previously produced by Encode.
func Decode(buf []byte) (Message, error) {
	r := wire.NewReader(buf)
	tag, err := r.Tag()
	if err != nil {
		return Message{}, err
	}
	m := Message{Kind: Kind(tag)}

	switch m.Kind {
	case KindStatus:
		code, err := r.Tag()
		if err != nil {
			return Message{}, err
		}
		m.Code = StatusCode(code)
	case KindFetchFirmwareVersion, KindStartProxy, KindSuccess:
	case KindFirmwareVersion:
		if m.FirmwareVersion, err = r.String(); err != nil {
			return Message{}, err
		}
	case KindSetCertChain:
		if m.RootCert, err = r.BytesField(); err != nil {
			return Message{}, err
		}
		if m.CACert, err = r.BytesField(); err != nil {
			return Message{}, err
		}
	case KindNativeAttestation:
		nonce, err := r.Fixed(NonceSize)
		if err != nil {
			return Message{}, err
		}
		copy(m.Nonce[:], nonce)
		if m.DeviceID, err = r.Int32(); err != nil {
			return Message{}, err
		}
	case KindTokenData:
		if m.Token, err = r.BytesField(); err != nil {
			return Message{}, err
		}
		if m.CSR, err = r.BytesField(); err != nil {
			return Message{}, err
		}
	case KindChallengeData:
		nonce, err := r.Fixed(NonceSize)
		if err != nil {
			return Message{}, err
		}
		copy(m.Nonce[:], nonce)
		if m.ChallengeID, err = r.Int32(); err != nil {
			return Message{}, err
		}
	case KindProxyAttestation:
		if m.Token, err = r.BytesField(); err != nil {
			return Message{}, err
		}
		if m.ChallengeID, err = r.Int32(); err != nil {
			return Message{}, err
		}
	case KindCertChain:
		count, err := r.Tag()
		if err != nil {
			return Message{}, err
		}
		m.Certs = make([][]byte, 0, count)
		for i := uint64(0); i < count; i++ {
			c, err := r.BytesField()
			if err != nil {
				return Message{}, err
			}
			m.Certs = append(m.Certs, c)
		}
	default:
		return Message{}, fmt.Errorf("rootenclave: unknown message variant %d", tag)
	}

	if err := r.Done(); err != nil {
		return Message{}, err
	}
	return m, nil
}
