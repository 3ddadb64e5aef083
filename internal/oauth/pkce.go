// ABOUTME: PKCE code verifier checks (RFC 7636)
// ABOUTME: Only the S256 method is accepted

package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"
)

// PKCEMethodS256 is the only supported code challenge method.
const PKCEMethodS256 = "S256"

// S256Challenge derives the S256 code challenge for verifier.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// verifyCodeVerifier reports whether verifier matches an S256 challenge.
func verifyCodeVerifier(challenge, verifier string) bool {
	challenge = strings.TrimSpace(challenge)
	verifier = strings.TrimSpace(verifier)
	if challenge == "" || verifier == "" {
		return false
	}
	expected := S256Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(challenge), []byte(expected)) == 1
}
