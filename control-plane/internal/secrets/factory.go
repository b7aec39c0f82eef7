package secrets

import (
	"fmt"
	"log/slog"
	"os"
)

// Config holds configuration for the secrets backend.
type Config struct {
	// Backend specifies which backend to use: "1password", "env", or "auto"
	// "auto" (default) uses 1Password if configured, otherwise environment
	// variables.
	Backend string

	OnePassword OnePasswordConfig
}

// ConfigFromEnv creates a Config from environment variables.
func ConfigFromEnv() Config {
	return Config{
		Backend: getEnv("RFRANGE_SECRETS_BACKEND", "auto"),
		OnePassword: OnePasswordConfig{
			Host:    os.Getenv("OP_CONNECT_HOST"),
			Token:   os.Getenv("OP_CONNECT_TOKEN"),
			VaultID: os.Getenv("OP_VAULT_ID"),
		},
	}
}

// NewSource creates a Source based on configuration.
func NewSource(cfg Config, logger *slog.Logger) (Source, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "1password":
		return NewOnePasswordSource(cfg.OnePassword, logger)

	case "env":
		return NewEnvSource(), nil

	case "auto":
		if cfg.OnePassword.Token != "" {
			src, err := NewOnePasswordSource(cfg.OnePassword, logger)
			if err != nil {
				logger.Warn("failed to initialize 1Password, falling back to environment variables",
					"error", err)
				return NewEnvSource(), nil
			}
			return src, nil
		}
		logger.Info("OP_CONNECT_TOKEN not set, resolving secrets from environment variables")
		return NewEnvSource(), nil

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
