package nativeattest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"

	"github.com/veraison-labs/veil/internal/rootenclave"
)

// PSAAttester implements rootenclave.Attester for the PSA/IceCap platform.
// No PSA attestation client exists anywhere in the retrieved corpus (see
// DESIGN.md); this stands in as the software oracle spec.md's PSA sections
// describe, producing an HMAC-based token over a static root key rather
// than delegating to real attestation silicon.
type PSAAttester struct {
	// RootKey authenticates this platform's measurements. Production
	// deployments provision it from the platform's secure storage.
	RootKey    []byte
	CommonName string
}

// Attest computes an HMAC-SHA256 token, keyed by RootKey, over nonce and a
// CSR for a freshly generated enclave key; deviceID enters the token only
// through the CSR's subject serial number.
func (a *PSAAttester) Attest(nonce [rootenclave.NonceSize]byte, deviceID int32) (token, csr []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("nativeattest: generate enclave key: %w", err)
	}

	csrTemplate := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:   a.CommonName,
			SerialNumber: fmt.Sprintf("device-%d", deviceID),
		},
	}
	csr, err = x509.CreateCertificateRequest(rand.Reader, csrTemplate, key)
	if err != nil {
		return nil, nil, fmt.Errorf("nativeattest: create CSR: %w", err)
	}

	mac := hmac.New(sha256.New, a.RootKey)
	mac.Write(nonce[:])
	mac.Write(csr)
	token = mac.Sum(nil)

	return token, csr, nil
}

// VerifyPSAToken recomputes the HMAC over nonce and csr and compares it
// against token in constant time.
func VerifyPSAToken(rootKey []byte, nonce [rootenclave.NonceSize]byte, csr, token []byte) bool {
	mac := hmac.New(sha256.New, rootKey)
	mac.Write(nonce[:])
	mac.Write(csr)
	return hmac.Equal(mac.Sum(nil), token)
}
