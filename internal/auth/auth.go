// Package auth verifies session tokens for browser-facing endpoints.
//
// Tokens are minted by the login layer (GitHub OAuth, out of scope here) and
// bind a user id with an HMAC-SHA256 signature over a shared secret. This
// service only needs to verify them to resolve thread ownership.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// ErrInvalidToken means the token is missing, malformed, or forged
var ErrInvalidToken = errors.New("invalid session token")

// Sessions issues and verifies signed session tokens
type Sessions struct {
	secret []byte
}

// New creates a Sessions verifier with the given signing secret
func New(secret string) *Sessions {
	return &Sessions{secret: []byte(secret)}
}

// Token mints a signed token for a user id
func (s *Sessions) Token(userID string) string {
	payload := base64.RawURLEncoding.EncodeToString([]byte(userID))
	return payload + "." + s.sign(payload)
}

// Verify checks a token's signature and returns the user id it binds
func (s *Sessions) Verify(token string) (string, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok {
		return "", ErrInvalidToken
	}

	if !hmac.Equal([]byte(s.sign(payload)), []byte(sig)) {
		return "", ErrInvalidToken
	}

	userID, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil || len(userID) == 0 {
		return "", ErrInvalidToken
	}
	return string(userID), nil
}

func (s *Sessions) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
