package tlsbridge

import (
	"testing"

	"github.com/veraison-labs/veil/internal/policy"
)

func TestDialRequiresClientCert(t *testing.T) {
	pol, err := policy.Parse([]byte(testPolicyJSON))
	if err != nil {
		t.Fatal(err)
	}
	_, err = Dial(Config{
		ServerURL: "http://unused.test",
		Policy:    pol,
		Platform:  policy.Nitro,
	})
	if err != ErrMissingClientCert {
		t.Fatalf("error = %v, want ErrMissingClientCert", err)
	}
}
