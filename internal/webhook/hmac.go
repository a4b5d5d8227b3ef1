package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Signature computes the hex HMAC-SHA256 of a payload, prefixed the way
// most webhook providers send it
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a provider-sent signature header against the payload.
// Comparison is constant time; a bare hex digest without the sha256= prefix
// is accepted too.
func Verify(secret string, body []byte, header string) bool {
	if header == "" {
		return false
	}
	want := Signature(secret, body)
	got := header
	if !strings.HasPrefix(got, "sha256=") {
		got = "sha256=" + got
	}
	return hmac.Equal([]byte(want), []byte(got))
}
