package enrollment

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// GenerateAgentAPIKey generates a new API key for an agent.
// Returns the plaintext key and its bcrypt hash.
func GenerateAgentAPIKey(agentID string) (plaintext string, hash string, err error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("generating random bytes: %w", err)
	}

	// Format: rfrange_<agent_prefix>_<base64>
	// The prefix makes keys attributable in logs without exposing them.
	prefix := agentID
	if len(prefix) > 6 {
		prefix = prefix[:6]
	}

	encoded := base64.URLEncoding.EncodeToString(randomBytes)
	plaintext = fmt.Sprintf("rfrange_%s_%s", prefix, encoded)

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing API key: %w", err)
	}

	return plaintext, string(hashBytes), nil
}

// VerifyAPIKey compares a plaintext API key against a bcrypt hash.
func VerifyAPIKey(plaintext, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	return err == nil
}

// GenerateToken generates an enrollment token. Tokens are presented exactly
// once over TLS, so a plain SHA-256 lookup hash is enough and keeps the
// consume path constant-cost.
func GenerateToken() (plaintext string, hash string, err error) {
	randomBytes := make([]byte, 24)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("generating random bytes: %w", err)
	}
	plaintext = base64.URLEncoding.EncodeToString(randomBytes)
	return plaintext, HashToken(plaintext), nil
}

// HashToken returns the SHA-256 lookup hash of an enrollment token.
func HashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
