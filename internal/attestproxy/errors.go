package attestproxy

import "errors"

// ErrUnsupportedRequest is returned when a /PSA/{op} or /Nitro/{op}
// request names an operation this service does not recognize at all.
var ErrUnsupportedRequest = errors.New("UnsupportedRequestError")

// ErrUnimplementedRequest is returned when a request names a recognized
// operation for a platform this build was not configured to serve,
// mirroring a Veracruz proxy-attestation-server binary compiled without
// that platform's Cargo feature.
var ErrUnimplementedRequest = errors.New("UnimplementedRequestError")

var (
	errUnknownDevice            = errors.New("attestproxy: unknown device id")
	errPlatformMismatch         = errors.New("attestproxy: device id belongs to a different platform")
	errChallengeReplayed        = errors.New("attestproxy: challenge already consumed")
	errPSATokenInvalid          = errors.New("attestproxy: PSA attestation token does not verify")
	errNoRuntimeHashForPlatform = errors.New("attestproxy: policy has no runtime hash for this platform")
)
