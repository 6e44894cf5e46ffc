// Package nativeattest adapts platform-specific attestation hardware to the
// rootenclave.Attester interface: AWS Nitro via the NSM device, and PSA
// (Linux/IceCap) via a software oracle, since no PSA attestation client
// exists anywhere in the retrieved corpus (see DESIGN.md).
package nativeattest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"time"

	"github.com/hf/nitrite"
	"github.com/hf/nsm"
	"github.com/hf/nsm/request"

	"github.com/veraison-labs/veil/internal/rootenclave"
)

// NitroAttester implements rootenclave.Attester using the AWS Nitro
// Security Module device available inside a Nitro Enclave.
type NitroAttester struct {
	// CommonName is embedded in the CSR's subject.
	CommonName string
}

// Attest opens a session with the local NSM device, requests an attestation
// document binding nonce to a freshly generated enclave key, and returns
// the raw document alongside a CSR for that key.
func (a *NitroAttester) Attest(nonce [rootenclave.NonceSize]byte, deviceID int32) (token, csr []byte, err error) {
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

	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("nativeattest: marshal public key: %w", err)
	}

	session, err := nsm.OpenDefaultSession()
	if err != nil {
		return nil, nil, fmt.Errorf("nativeattest: open NSM session: %w", err)
	}
	defer session.Close()

	res, err := session.Send(&request.Attestation{
		Nonce:     nonce[:],
		UserData:  csr,
		PublicKey: pub,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("nativeattest: NSM attestation request: %w", err)
	}
	if res.Attestation == nil || res.Attestation.Document == nil {
		return nil, nil, errors.New("nativeattest: NSM device returned no attestation document")
	}

	return res.Attestation.Document, csr, nil
}

// VerifyNitroToken verifies a Nitro attestation document, checks that its
// PCR0 measurement matches expectedRuntimeHash, and confirms the nonce it
// embeds is the one the verifier issued. It returns the CSR bytes the
// enclave bound to the document via UserData.
func VerifyNitroToken(doc []byte, expectedNonce [rootenclave.NonceSize]byte, expectedRuntimeHash []byte) (csr []byte, err error) {
	result, err := nitrite.Verify(doc, nitrite.VerifyOptions{CurrentTime: time.Now()})
	if err != nil {
		return nil, fmt.Errorf("nativeattest: verify attestation document: %w", err)
	}

	pcr0, ok := result.Document.PCRs[0]
	if !ok {
		return nil, errors.New("nativeattest: attestation document has no PCR0")
	}
	if !hashesEqual(pcr0, expectedRuntimeHash) {
		return nil, fmt.Errorf("nativeattest: runtime hash mismatch: got %x, want %x", pcr0, expectedRuntimeHash)
	}

	if !hashesEqual(result.Document.Nonce, expectedNonce[:]) {
		return nil, errors.New("nativeattest: attestation document nonce does not match issued challenge")
	}

	return result.Document.UserData, nil
}

func hashesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
