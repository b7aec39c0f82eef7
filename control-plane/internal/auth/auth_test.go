package auth

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fieldsignal/rf-range/pkg/types"
)

func newTestSessions(t *testing.T, credential string) *Sessions {
	t.Helper()
	hash, err := HashCredential(credential)
	if err != nil {
		t.Fatal(err)
	}
	return NewSessions(hash, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLoginAndValidate(t *testing.T) {
	s := newTestSessions(t, "correct horse")

	token, expiresAt, err := s.Login("correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !s.Validate(token) {
		t.Error("fresh session must validate")
	}
	if time.Until(expiresAt) <= 0 {
		t.Error("expiry must be in the future")
	}
}

func TestLoginWrongCredential(t *testing.T) {
	s := newTestSessions(t, "correct horse")

	_, _, err := s.Login("battery staple")
	if !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}

func TestValidateUnknownToken(t *testing.T) {
	s := newTestSessions(t, "correct horse")
	if s.Validate("nope") {
		t.Error("unknown token must not validate")
	}
}

func TestExpiredSession(t *testing.T) {
	s := newTestSessions(t, "correct horse")
	token, expiresAt, err := s.Login("correct horse")
	if err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return expiresAt.Add(time.Minute) }
	if s.Validate(token) {
		t.Error("expired session must not validate")
	}
}

func TestLogoutRevokes(t *testing.T) {
	s := newTestSessions(t, "correct horse")
	token, _, err := s.Login("correct horse")
	if err != nil {
		t.Fatal(err)
	}

	s.Logout(token)
	if s.Validate(token) {
		t.Error("logged-out session must not validate")
	}
	s.Logout(token) // idempotent
}
