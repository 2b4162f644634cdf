package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// Token prefixes make leaked credentials identifiable in logs and scanners
// without revealing which resource they belong to.
const (
	PrefixAPIKey       = "pad_key_"
	PrefixInstallToken = "pad_install_"
	PrefixWebhookToken = "pad_hook_"
)

// NewToken returns a prefixed 256-bit random token, hex encoded.
func NewToken(prefix string) string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return prefix + hex.EncodeToString(buf)
}

// HashToken returns the hex SHA-256 of a token. Agent API keys are stored
// hashed; the plaintext is shown once at issuance and never persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SecureCompare reports whether two strings are equal in constant time.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
