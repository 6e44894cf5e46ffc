// Package attestproxy implements the proxy attestation service: the
// Internet-facing HTTP front door native enclave attestation evidence is
// exchanged against for a CA-signed identity certificate carrying the
// enclave's measured runtime hash.
package attestproxy

import (
	"errors"
	"log"
	"os"

	"github.com/veraison-labs/veil/internal/policy"
)

var elog = log.New(os.Stderr, "attestproxy: ", log.Ldate|log.Ltime|log.LUTC|log.Lshortfile)

var (
	errCfgMissingAddr       = errors.New("attestproxy: config is missing Addr")
	errCfgMissingCACert     = errors.New("attestproxy: config is missing CACertPath")
	errCfgMissingCAKey      = errors.New("attestproxy: config is missing CAKeyPath")
	errCfgMissingPolicy     = errors.New("attestproxy: config is missing Policy")
	errCfgMissingPSARootKey = errors.New("attestproxy: config enables PSA but is missing PSARootKey")
)

// Config configures a proxy attestation Service.
type Config struct {
	// Addr is the TCP address the HTTP server listens on, e.g. ":3010".
	Addr string

	// CACertPath and CAKeyPath locate the PEM-encoded CA certificate and
	// private key this service uses to sign enclave identity
	// certificates. Both are required; failing to load either is fatal.
	CACertPath string
	CAKeyPath  string

	// Policy supplies the per-platform runtime hashes that incoming
	// attestation evidence is checked against.
	Policy *policy.Policy

	// EnableNitro and EnablePSA gate which platform's AttestationToken
	// endpoint actually performs verification; a request for a disabled
	// platform fails with ErrUnimplementedRequest, mirroring a Veracruz
	// build compiled without that platform's Cargo feature.
	EnableNitro bool
	EnablePSA   bool

	// PSARootKey is the shared HMAC secret this service and a
	// nativeattest.PSAAttester were both provisioned with out of band; it
	// authenticates a PSA/IceCap token the same way the platform's own
	// root key signed it. Required when EnablePSA is set.
	PSARootKey []byte

	// Debug enables per-request HTTP logging.
	Debug bool
}

// Validate returns an error if required fields in the config are not set.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errCfgMissingAddr
	}
	if c.CACertPath == "" {
		return errCfgMissingCACert
	}
	if c.CAKeyPath == "" {
		return errCfgMissingCAKey
	}
	if c.Policy == nil {
		return errCfgMissingPolicy
	}
	if c.EnablePSA && len(c.PSARootKey) == 0 {
		return errCfgMissingPSARootKey
	}
	return nil
}
