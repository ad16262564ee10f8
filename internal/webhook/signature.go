package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifySignature checks a hex-encoded HMAC-SHA256 of the raw body against
// the provider's shared secret. Providers that prefix their header value
// (e.g. "sha256=") configure the prefix; comparison is constant-time.
func VerifySignature(secret string, body []byte, signature, prefix string) bool {
	if secret == "" || signature == "" {
		return false
	}
	if prefix != "" {
		if !strings.HasPrefix(signature, prefix) {
			return false
		}
		signature = strings.TrimPrefix(signature, prefix)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}
