// Package auth implements admin session authentication.
//
// There is a single admin credential, stored as a bcrypt hash. A successful
// login mints an opaque session token held in memory; sessions do not
// survive a restart, which for an admin surface is acceptable and keeps the
// token store trivially revocable.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/fieldsignal/rf-range/control-plane/internal/config"
	"github.com/fieldsignal/rf-range/pkg/types"
)

// SessionCookie is the cookie name carrying the admin session token.
const SessionCookie = "rfrange_session"

// Sessions holds live admin sessions.
type Sessions struct {
	credentialHash string
	ttl            time.Duration
	logger         *slog.Logger

	now func() time.Time

	mu       sync.Mutex
	sessions map[string]time.Time // token -> expiry
}

// NewSessions creates a session store checking against the given bcrypt
// credential hash.
func NewSessions(credentialHash string, logger *slog.Logger) *Sessions {
	return &Sessions{
		credentialHash: credentialHash,
		ttl:            config.AdminSessionTTL,
		logger:         logger.With("component", "auth"),
		now:            time.Now,
		sessions:       make(map[string]time.Time),
	}
}

// HashCredential produces the bcrypt hash for an admin credential, for
// initial setup.
func HashCredential(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing credential: %w", err)
	}
	return string(hash), nil
}

// Login verifies the admin credential and mints a session token.
func (s *Sessions) Login(credential string) (token string, expiresAt time.Time, err error) {
	if err := bcrypt.CompareHashAndPassword([]byte(s.credentialHash), []byte(credential)); err != nil {
		s.logger.Warn("admin login rejected")
		return "", time.Time{}, fmt.Errorf("admin credential rejected: %w", types.ErrUnauthorized)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("generating session token: %w", err)
	}
	token = base64.URLEncoding.EncodeToString(raw)
	expiresAt = s.now().Add(s.ttl)

	s.mu.Lock()
	s.prune()
	s.sessions[token] = expiresAt
	s.mu.Unlock()

	s.logger.Info("admin session created", "expires_at", expiresAt)
	return token, expiresAt, nil
}

// Validate reports whether the token belongs to a live session.
func (s *Sessions) Validate(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.sessions[token]
	if !ok {
		return false
	}
	if s.now().After(expiry) {
		delete(s.sessions, token)
		return false
	}
	return true
}

// Logout revokes a session token. Revoking an unknown token is a no-op.
func (s *Sessions) Logout(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// prune drops expired sessions. Caller holds the lock.
func (s *Sessions) prune() {
	now := s.now()
	for token, expiry := range s.sessions {
		if now.After(expiry) {
			delete(s.sessions, token)
		}
	}
}
