package attestproxy

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/veraison-labs/veil/internal/policy"
)

const certificateOrg = "veil confidential compute fabric"
const certificateValidity = 24 * time.Hour * 365

// loadCA reads the CA certificate and private key the service signs
// enclave identity certificates with. Either file failing to load is
// fatal: the service cannot run without them.
func loadCA(certPath, keyPath string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("attestproxy: read CA certificate: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("attestproxy: %s contains no PEM certificate", certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("attestproxy: parse CA certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("attestproxy: read CA key: %w", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("attestproxy: %s contains no PEM key", keyPath)
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("attestproxy: parse CA key: %w", err)
	}

	return cert, key, nil
}

// issueIdentityCert signs csr with the service's CA key, producing a leaf
// certificate whose ExtraExtensions embed runtimeHash under
// policy.RuntimeHashExtensionOID.
func issueIdentityCert(caCert *x509.Certificate, caKey *ecdsa.PrivateKey, csr *x509.CertificateRequest, runtimeHash []byte) ([]byte, error) {
	ext, err := policy.EncodeRuntimeHashExtension(runtimeHash)
	if err != nil {
		return nil, fmt.Errorf("attestproxy: encode runtime hash extension: %w", err)
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("attestproxy: generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{certificateOrg},
			CommonName:   csr.Subject.CommonName,
			SerialNumber: csr.Subject.SerialNumber,
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(certificateValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		ExtraExtensions:       []pkix.Extension{ext},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, csr.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("attestproxy: sign identity certificate: %w", err)
	}
	return der, nil
}
