// Package secrets resolves operational secrets for the control plane.
//
// The primary backend is 1Password Connect; a plain environment-variable
// backend serves development and CI. Secrets are referenced by name and
// resolved once at startup, so a backend outage never takes down a running
// server.
package secrets

import (
	"context"
	"fmt"
)

// Well-known secret names.
const (
	SecretDatabaseURL         = "database-url"
	SecretRedisURL            = "redis-url"
	SecretAdminCredentialHash = "admin-credential-hash"
)

// Source resolves named secrets.
type Source interface {
	// Get returns the secret value, or "" when the secret is not defined
	// in the backend.
	Get(ctx context.Context, name string) (string, error)

	// Close releases any resources held by the source.
	Close() error
}

// MustGet resolves a secret that the server cannot run without.
func MustGet(ctx context.Context, src Source, name string) (string, error) {
	value, err := src.Get(ctx, name)
	if err != nil {
		return "", fmt.Errorf("resolving secret %s: %w", name, err)
	}
	if value == "" {
		return "", fmt.Errorf("secret %s is not configured", name)
	}
	return value, nil
}
