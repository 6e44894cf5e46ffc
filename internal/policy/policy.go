// Package policy parses, hashes, and exposes the policy document that
// fixes, before any secret flows, who may contribute code and data, who
// may read results, which TEE platforms and ciphersuites are acceptable,
// and which runtime binary is authorized.
package policy

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Platform identifies a TEE backend that a runtime hash can be approved
// for.
type Platform string

// The three platforms this fabric supports.
const (
	Linux  Platform = "Linux"
	Nitro  Platform = "Nitro"
	IceCap Platform = "IceCap"
)

// ErrMalformedPolicy is returned when the supplied JSON is invalid or a
// required field is absent.
var ErrMalformedPolicy = errors.New("policy: malformed policy document")

// ErrUnknownCiphersuite is returned when the policy's ciphersuite string
// has no TLS 1.2 mapping.
var ErrUnknownCiphersuite = errors.New("policy: unknown ciphersuite")

// ciphersuiteByName resolves the policy's human-readable ciphersuite name
// to a concrete TLS 1.2 cipher suite id. Only suites usable under TLS 1.2
// with mutual authentication are listed.
var ciphersuiteByName = map[string]uint16{
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384":   tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256":   tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384": tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256": tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
}

// Participant describes one party named in the policy: the certificate it
// authenticates with, the roles it may act in, and the file paths it is
// permitted to read or write.
type Participant struct {
	Certificate  string   `json:"certificate"`
	Roles        []string `json:"roles"`
	AllowedPaths []string `json:"allowed_paths"`
}

type document struct {
	RuntimeHashes       map[Platform]string `json:"runtime_hashes"`
	Ciphersuite         string              `json:"ciphersuite"`
	ServerURL           string              `json:"server_url"`
	ProxyServiceCertPEM string              `json:"proxy_service_cert"`
	Participants        []Participant       `json:"participants"`
}

// Policy is immutable after Parse. The policy hash is computed over the
// exact bytes supplied to Parse, never a re-serialization, so it must be
// carried alongside the parsed document rather than recomputed on demand.
type Policy struct {
	doc     document
	raw     []byte
	hashHex string
}

// Parse parses raw as a policy document. The returned Policy's hash is a
// SHA-256 digest over raw verbatim.
func Parse(raw []byte) (*Policy, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPolicy, err)
	}
	if len(doc.RuntimeHashes) == 0 {
		return nil, fmt.Errorf("%w: no approved runtime hashes", ErrMalformedPolicy)
	}
	if doc.Ciphersuite == "" {
		return nil, fmt.Errorf("%w: missing ciphersuite", ErrMalformedPolicy)
	}
	if doc.ServerURL == "" {
		return nil, fmt.Errorf("%w: missing server_url", ErrMalformedPolicy)
	}
	if doc.ProxyServiceCertPEM == "" {
		return nil, fmt.Errorf("%w: missing proxy_service_cert", ErrMalformedPolicy)
	}
	if _, ok := ciphersuiteByName[doc.Ciphersuite]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCiphersuite, doc.Ciphersuite)
	}

	sum := sha256.Sum256(raw)
	return &Policy{
		doc:     doc,
		raw:     append([]byte(nil), raw...),
		hashHex: hex.EncodeToString(sum[:]),
	}, nil
}

// Hash returns the hex-encoded SHA-256 digest over the raw bytes supplied
// to Parse. Stable across runs for byte-identical input (spec invariant:
// hash(P) == hash(P)).
func (p *Policy) Hash() string {
	return p.hashHex
}

// Raw returns the exact bytes this Policy was parsed from.
func (p *Policy) Raw() []byte {
	return append([]byte(nil), p.raw...)
}

// RuntimeHashFor returns the approved runtime hash bytes for platform, or
// false if the platform has no approved hash in this policy.
func (p *Policy) RuntimeHashFor(platform Platform) ([]byte, bool) {
	hexHash, ok := p.doc.RuntimeHashes[platform]
	if !ok {
		return nil, false
	}
	b, err := hexDecode(hexHash)
	if err != nil {
		return nil, false
	}
	return b, true
}

// Ciphersuite returns the TLS 1.2 cipher suite id named by the policy.
func (p *Policy) Ciphersuite() uint16 {
	return ciphersuiteByName[p.doc.Ciphersuite]
}

// ServerURL returns the external server's URL that relays HTTP-framed TLS
// records to the enclave.
func (p *Policy) ServerURL() string {
	return p.doc.ServerURL
}

// ProxyServiceCertChain returns the PEM-encoded proxy-service CA chain
// that anchors trust for the enclave's identity certificate.
func (p *Policy) ProxyServiceCertChain() string {
	return p.doc.ProxyServiceCertPEM
}

// Participants returns the policy's participant descriptors.
func (p *Policy) Participants() []Participant {
	return append([]Participant(nil), p.doc.Participants...)
}

// ParticipantFor returns the participant whose certificate matches
// certPEM (compared as the certificate's PEM text, which is how the
// policy document identifies participants), or false if none matches.
func (p *Policy) ParticipantFor(certPEM string) (Participant, bool) {
	for _, participant := range p.doc.Participants {
		if participant.Certificate == certPEM {
			return participant, true
		}
	}
	return Participant{}, false
}

// PathAllowed reports whether participant may read or write path. path is
// expected in its on-the-wire, leading-slash-normalized form.
func (p *Policy) PathAllowed(participant Participant, path string) bool {
	for _, allowed := range participant.AllowedPaths {
		if allowed == path {
			return true
		}
	}
	return false
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
