// Package signing verifies the HMAC-SHA256 signature producers assert over
// the raw intake request body.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Verify reports whether signatureHex is the lowercase hex HMAC-SHA256 of body
// under secret, comparing in constant time.
func Verify(secret string, body []byte, signatureHex string) bool {
	expected := hex.EncodeToString(sign(secret, body))
	return hmac.Equal([]byte(expected), []byte(signatureHex))
}

// Sign returns the lowercase hex HMAC-SHA256 digest of body under secret.
// Used by tests and operational tooling to produce a valid X-Signature header.
func Sign(secret string, body []byte) string {
	return hex.EncodeToString(sign(secret, body))
}

func sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
