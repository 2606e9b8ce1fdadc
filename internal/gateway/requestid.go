package gateway

import (
	"crypto/rand"
	"encoding/base64"
)

// newRequestID generates a request_id with >= 96 bits of entropy, URL-safe,
// matching the wire contract's ^[A-Za-z0-9_-]{16,}$ pattern (spec.md §4.7
// "First publish").
func newRequestID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
