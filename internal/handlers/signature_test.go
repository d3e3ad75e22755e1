package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func signPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"event_id":"evt_1"}`)
	secret := "s3cret"

	assert.True(t, VerifySignature(payload, signPayload(payload, secret), secret))

	// Tampered payload
	assert.False(t, VerifySignature([]byte(`{"event_id":"evt_2"}`), signPayload(payload, secret), secret))

	// Wrong secret
	assert.False(t, VerifySignature(payload, signPayload(payload, "other"), secret))

	// Missing scheme prefix
	raw := signPayload(payload, secret)
	assert.False(t, VerifySignature(payload, raw[len("sha256="):], secret))

	// Garbage hex
	assert.False(t, VerifySignature(payload, "sha256=zzzz", secret))

	// Empty inputs never verify
	assert.False(t, VerifySignature(payload, "", secret))
	assert.False(t, VerifySignature(payload, signPayload(payload, secret), ""))
}

func TestPayloadHash(t *testing.T) {
	h := PayloadHash([]byte("hello"))
	assert.Len(t, h, 64)
	assert.Equal(t, PayloadHash([]byte("hello")), h)
	assert.NotEqual(t, PayloadHash([]byte("hello!")), h)
}
