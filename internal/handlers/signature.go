package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// signaturePrefix is the scheme tag providers put in front of the hex HMAC.
const signaturePrefix = "sha256="

// VerifySignature checks an HMAC SHA256 signature header against the raw
// payload. The header format is sha256=<hex_encoded_hmac>; comparison is
// constant time. An empty secret or header never verifies.
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}

	signature = strings.TrimSpace(signature)
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}

	provided, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	return hmac.Equal(provided, expected)
}

// PayloadHash returns the hex sha256 fingerprint of the raw payload, stored
// on the event row for audit.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
