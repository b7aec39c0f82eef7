package secrets

import (
	"context"
	"os"
	"strings"
)

// EnvSource resolves secrets from environment variables. The secret name
// maps to RFRANGE_SECRET_<NAME> with dashes upcased to underscores, so
// "database-url" reads RFRANGE_SECRET_DATABASE_URL.
type EnvSource struct{}

// NewEnvSource creates an environment-variable secret source.
func NewEnvSource() *EnvSource {
	return &EnvSource{}
}

// Get returns the mapped environment variable, "" when unset.
func (s *EnvSource) Get(_ context.Context, name string) (string, error) {
	return os.Getenv(envVar(name)), nil
}

// Close is a no-op.
func (s *EnvSource) Close() error { return nil }

func envVar(name string) string {
	return "RFRANGE_SECRET_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}
