package attestproxy

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/veraison-labs/veil/internal/nativeattest"
	"github.com/veraison-labs/veil/internal/policy"
	"github.com/veraison-labs/veil/internal/rootenclave"
)

type startRequest struct {
	Platform policy.Platform `json:"platform"`
}

type startResponse struct {
	DeviceID int32  `json:"device_id"`
	Nonce    string `json:"nonce"` // base64
}

type tokenRequest struct {
	DeviceID int32           `json:"device_id"`
	Platform policy.Platform `json:"platform,omitempty"` // required for /PSA/, which covers two platforms
	Token    string          `json:"token"`               // base64
	CSR      string          `json:"csr"`                 // base64 DER CertificateRequest
}

type tokenResponse struct {
	CertChain []string `json:"cert_chain"` // each entry base64 DER
}

func writeError(w http.ResponseWriter, err error) {
	elog.Printf("request failed: %v", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (s *Service) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err)
		return
	}

	deviceID, nonce, err := s.table.start(req.Platform)
	if err != nil {
		writeError(w, err)
		return
	}

	s.metric.record(string(req.Platform), "start")
	json.NewEncoder(w).Encode(startResponse{
		DeviceID: deviceID,
		Nonce:    base64.StdEncoding.EncodeToString(nonce[:]),
	})
}

func (s *Service) handlePSA(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")
	if op != "AttestationToken" {
		s.metric.record("PSA", "unsupported")
		http.Error(w, ErrUnsupportedRequest.Error(), http.StatusInternalServerError)
		return
	}
	if !s.cfg.EnablePSA {
		s.metric.record("PSA", "unimplemented")
		http.Error(w, ErrUnimplementedRequest.Error(), http.StatusInternalServerError)
		return
	}
	s.handleAttestationToken(w, r, psaVerifier{rootKey: s.cfg.PSARootKey})
}

func (s *Service) handleNitro(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")
	if op != "AttestationToken" {
		s.metric.record("Nitro", "unsupported")
		http.Error(w, ErrUnsupportedRequest.Error(), http.StatusInternalServerError)
		return
	}
	if !s.cfg.EnableNitro {
		s.metric.record("Nitro", "unimplemented")
		http.Error(w, ErrUnimplementedRequest.Error(), http.StatusInternalServerError)
		return
	}
	s.handleAttestationToken(w, r, nitroVerifier{})
}

// evidenceVerifier abstracts the platform-specific steps of checking a
// native attestation token: naming the platform a request is for, and
// checking the token against the issued nonce (the Nitro verifier also
// checks it against the policy's expected runtime hash) before returning
// the CSR the token is bound to.
type evidenceVerifier interface {
	platform(req tokenRequest) policy.Platform
	verify(req tokenRequest, nonce [rootenclave.NonceSize]byte, expectedHash []byte) (csrDER []byte, err error)
}

type nitroVerifier struct{}

func (nitroVerifier) platform(tokenRequest) policy.Platform { return policy.Nitro }

func (nitroVerifier) verify(req tokenRequest, nonce [rootenclave.NonceSize]byte, expectedHash []byte) ([]byte, error) {
	tokenBytes, err := base64.StdEncoding.DecodeString(req.Token)
	if err != nil {
		return nil, err
	}
	return nativeattest.VerifyNitroToken(tokenBytes, nonce, expectedHash)
}

// psaVerifier authenticates a PSA/IceCap token with rootKey, the same
// shared HMAC secret a nativeattest.PSAAttester signs with — the policy's
// runtime hash is a measurement to compare, not a key, and is never
// used here.
type psaVerifier struct {
	rootKey []byte
}

func (psaVerifier) platform(req tokenRequest) policy.Platform { return req.Platform }

func (v psaVerifier) verify(req tokenRequest, nonce [rootenclave.NonceSize]byte, expectedHash []byte) ([]byte, error) {
	tokenBytes, err := base64.StdEncoding.DecodeString(req.Token)
	if err != nil {
		return nil, err
	}
	csrDER, err := base64.StdEncoding.DecodeString(req.CSR)
	if err != nil {
		return nil, err
	}
	if !nativeattest.VerifyPSAToken(v.rootKey, nonce, csrDER, tokenBytes) {
		return nil, errPSATokenInvalid
	}
	return csrDER, nil
}

func (s *Service) handleAttestationToken(w http.ResponseWriter, r *http.Request, v evidenceVerifier) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err)
		return
	}

	platform := v.platform(req)
	nonce, err := s.table.consume(req.DeviceID, platform)
	if err != nil {
		s.metric.record(string(platform), "challenge_rejected")
		writeError(w, err)
		return
	}

	expectedHash, ok := s.cfg.Policy.RuntimeHashFor(platform)
	if !ok {
		s.metric.record(string(platform), "no_runtime_hash")
		writeError(w, errNoRuntimeHashForPlatform)
		return
	}

	csrDER, err := v.verify(req, nonce, expectedHash)
	if err != nil {
		s.metric.record(string(platform), "evidence_rejected")
		writeError(w, err)
		return
	}

	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		s.metric.record(string(platform), "bad_csr")
		writeError(w, err)
		return
	}
	if err := csr.CheckSignature(); err != nil {
		s.metric.record(string(platform), "bad_csr_signature")
		writeError(w, err)
		return
	}

	leafDER, err := issueIdentityCert(s.caCert, s.caKey, csr, expectedHash)
	if err != nil {
		s.metric.record(string(platform), "issuance_failed")
		writeError(w, err)
		return
	}

	s.metric.record(string(platform), "success")
	json.NewEncoder(w).Encode(tokenResponse{
		CertChain: []string{
			base64.StdEncoding.EncodeToString(leafDER),
			base64.StdEncoding.EncodeToString(s.caCert.Raw),
		},
	})
}
