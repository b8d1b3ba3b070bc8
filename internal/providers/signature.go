package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"strings"
)

func sign(newHash func() hash.Hash, secret string, payload []byte) string {
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignSHA256 returns the hex HMAC-SHA256 of payload.
func SignSHA256(secret string, payload []byte) string {
	return sign(sha256.New, secret, payload)
}

// SignSHA512 returns the hex HMAC-SHA512 of payload.
func SignSHA512(secret string, payload []byte) string {
	return sign(sha512.New, secret, payload)
}

// verifyHex compares an expected hex digest with a received one in constant
// time. An empty secret never verifies.
func verifyHex(secret, expected, received string) bool {
	if secret == "" || received == "" {
		return false
	}
	received = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(received)), "sha256=")
	return hmac.Equal([]byte(expected), []byte(received))
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// VerifySHA256 reports whether signature is the hex HMAC-SHA256 of payload
// under secret.
func VerifySHA256(secret string, payload []byte, signature string) bool {
	return verifyHex(secret, SignSHA256(secret, payload), signature)
}
