package render

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign returns the tracking token of visitorID for an experiment handle, or ""
// when secret is empty.
func Sign(secret, visitorID, handle string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(visitorID))
	mac.Write([]byte(handle))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks token against visitorID and handle. Every token is accepted
// when secret is empty.
func Verify(secret, visitorID, handle, token string) bool {
	if secret == "" {
		return true
	}
	want, err := hex.DecodeString(token)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(visitorID))
	mac.Write([]byte(handle))
	return hmac.Equal(mac.Sum(nil), want)
}
