package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Entropy sizes in bytes before encoding.
const (
	codeSize  = 32 // 256 bits
	tokenSize = 48 // 384 bits
)

// randomToken returns size random bytes, base64url encoded without padding.
func randomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
