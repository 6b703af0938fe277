package history

import (
	"crypto/hmac"
	"crypto/sha256"
)

// Signer signs and verifies version manifests.
// Implementations must be safe for concurrent use.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	Verify(data, signature []byte) bool
}

// HMACSigner is the default Signer: HMAC-SHA256 over the manifest bytes.
// Deployments with an external signing service can provide their own
// Signer instead.
type HMACSigner struct {
	key []byte
}

// NewHMACSigner creates a Signer keyed with key. The key should come from
// the deployment's secret store; it is opaque to this package.
func NewHMACSigner(key []byte) *HMACSigner {
	return &HMACSigner{key: key}
}

func (s *HMACSigner) Sign(data []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return mac.Sum(nil), nil
}

func (s *HMACSigner) Verify(data, signature []byte) bool {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	expected := mac.Sum(nil)
	return hmac.Equal(expected, signature)
}
