package dispatch

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
)

const tokenVersion = "1"

var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewTrackingToken returns a version tag followed by 128 random bits in
// lower-case unpadded base32.
func NewTrackingToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return tokenVersion + strings.ToLower(tokenEncoding.EncodeToString(b[:])), nil
}

// ValidTrackingToken checks the token shape without touching the store.
func ValidTrackingToken(token string) bool {
	if len(token) != 1+26 || !strings.HasPrefix(token, tokenVersion) {
		return false
	}
	raw, err := tokenEncoding.DecodeString(strings.ToUpper(token[1:]))
	return err == nil && len(raw) == 16
}
