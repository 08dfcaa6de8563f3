package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignHex returns the hex encoded HMAC-SHA256 of payload.
func SignHex(secret []byte, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHex compares a provided hex signature, optionally prefixed with
// "sha256=", against the expected HMAC in constant time.
func VerifyHex(secret []byte, payload []byte, provided string) bool {
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	if provided == "" {
		return false
	}
	expected := SignHex(secret, payload)
	return hmac.Equal([]byte(strings.ToLower(provided)), []byte(expected))
}
