package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// NewRefreshValue returns a fresh 256-bit opaque refresh token, URL-safe
// base64. The raw value goes to the client; only its hash is stored.
func NewRefreshValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashRefresh maps an opaque refresh value to its storage form. A database
// leak then exposes nothing replayable.
func HashRefresh(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
