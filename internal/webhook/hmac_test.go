package webhook

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerify(t *testing.T) {
	secret := "s3cret"
	body := []byte(`{"action":"push"}`)
	sig := Signature(secret, body)

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"valid prefixed signature", sig, true},
		{"valid bare hex digest", strings.TrimPrefix(sig, "sha256="), true},
		{"empty header", "", false},
		{"wrong signature", "sha256=deadbeef", false},
		{"wrong secret", Signature("other", body), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Verify(secret, body, tt.header))
		})
	}
}

func TestVerifyTamperedBody(t *testing.T) {
	secret := "s3cret"
	sig := Signature(secret, []byte(`{"action":"push"}`))
	assert.False(t, Verify(secret, []byte(`{"action":"delete"}`), sig))
}
