// Package signature signs and verifies outbound webhook bodies.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Header carries the hex HMAC-SHA256 of the request body.
const Header = "X-Webhook-Signature"

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
// An empty secret is a valid key.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify is for receivers to check an incoming webhook.
func Verify(body []byte, signature, secret string) bool {
	expected := Sign(body, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
