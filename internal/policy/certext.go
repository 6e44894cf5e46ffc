package policy

import (
	"crypto/x509/pkix"
	"encoding/asn1"
)

// RuntimeHashExtensionOID identifies the custom X.509 extension this fabric
// embeds in every enclave identity certificate: the measured runtime hash
// the enclave attested to when the certificate was issued. A verifier reads
// it back out of a peer certificate and compares it against the hashes the
// policy approves for every platform instead of trusting the CA alone.
var RuntimeHashExtensionOID = asn1.ObjectIdentifier{1, 3, 9999, 1, 1}

// EncodeRuntimeHashExtension wraps hash as a DER OCTET STRING and returns
// the pkix.Extension to attach to a certificate template's ExtraExtensions.
func EncodeRuntimeHashExtension(hash []byte) (pkix.Extension, error) {
	val, err := asn1.Marshal(hash)
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: RuntimeHashExtensionOID, Critical: false, Value: val}, nil
}

// DecodeRuntimeHashExtension looks up RuntimeHashExtensionOID among a
// certificate's extensions and returns its decoded hash. ok is false if the
// certificate carries no such extension.
func DecodeRuntimeHashExtension(exts []pkix.Extension) (hash []byte, ok bool, err error) {
	for _, e := range exts {
		if !e.Id.Equal(RuntimeHashExtensionOID) {
			continue
		}
		if _, err := asn1.Unmarshal(e.Value, &hash); err != nil {
			return nil, true, err
		}
		return hash, true, nil
	}
	return nil, false, nil
}
