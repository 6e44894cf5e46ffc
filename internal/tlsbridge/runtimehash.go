package tlsbridge

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/veraison-labs/veil/internal/policy"
)

// ErrNoRuntimeHashExtension is returned when a peer certificate carries no
// policy.RuntimeHashExtensionOID extension at all.
var ErrNoRuntimeHashExtension = errors.New("tlsbridge: peer certificate has no runtime hash extension")

// ErrRuntimeHashMismatch is returned when a peer's embedded runtime hash
// matches none of the policy's approved hashes for any platform.
var ErrRuntimeHashMismatch = errors.New("tlsbridge: runtime hash does not match policy for any platform")

// runtimePlatforms enumerates every platform a runtime hash can be approved
// for, in the order compared.
var runtimePlatforms = []policy.Platform{policy.Linux, policy.Nitro, policy.IceCap}

// VerifyRuntimeHash extracts the runtime-hash extension from cert and
// compares it against pol's approved hash for every platform in
// runtimePlatforms, accepting on the first match. This is the client-side
// half of the custom X.509 extension round trip: attestproxy embeds the
// hash when it signs the certificate (see internal/attestproxy/ca.go), and
// this function reads it back out before any data-plane traffic is allowed
// to flow. A match on any one platform is acceptance, regardless of which
// platform the caller expected to be talking to.
func VerifyRuntimeHash(cert *x509.Certificate, pol *policy.Policy) error {
	hash, ok, err := policy.DecodeRuntimeHashExtension(cert.Extensions)
	if err != nil {
		return fmt.Errorf("tlsbridge: decode runtime hash extension: %w", err)
	}
	if !ok {
		return ErrNoRuntimeHashExtension
	}

	for _, platform := range runtimePlatforms {
		expected, ok := pol.RuntimeHashFor(platform)
		if !ok {
			continue
		}
		if bytes.Equal(hash, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: got %x", ErrRuntimeHashMismatch, hash)
}
