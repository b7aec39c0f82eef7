package secrets

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func TestEnvVarMapping(t *testing.T) {
	if got := envVar(SecretDatabaseURL); got != "RFRANGE_SECRET_DATABASE_URL" {
		t.Errorf("got %s", got)
	}
	if got := envVar(SecretAdminCredentialHash); got != "RFRANGE_SECRET_ADMIN_CREDENTIAL_HASH" {
		t.Errorf("got %s", got)
	}
}

func TestEnvSource(t *testing.T) {
	t.Setenv("RFRANGE_SECRET_DATABASE_URL", "postgres://localhost/rfrange")
	src := NewEnvSource()

	value, err := src.Get(context.Background(), SecretDatabaseURL)
	if err != nil {
		t.Fatal(err)
	}
	if value != "postgres://localhost/rfrange" {
		t.Errorf("got %q", value)
	}

	missing, err := src.Get(context.Background(), "never-set")
	if err != nil || missing != "" {
		t.Errorf("unset secret: got %q, %v", missing, err)
	}
}

func TestMustGetRequiresValue(t *testing.T) {
	src := NewEnvSource()
	if _, err := MustGet(context.Background(), src, "never-set"); err == nil {
		t.Error("missing required secret must error")
	}
}

func TestFactoryDefaultsToEnv(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src, err := NewSource(Config{Backend: "auto"}, logger)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := src.(*EnvSource); !ok {
		t.Errorf("expected EnvSource, got %T", src)
	}
}

func TestFactoryRejectsUnknownBackend(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewSource(Config{Backend: "vault"}, logger); err == nil {
		t.Error("unknown backend must error")
	}
}
