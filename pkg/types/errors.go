package types

import "errors"

// Sentinel errors forming the error taxonomy shared by the store, service,
// and API layers. Services wrap these with context via fmt.Errorf("...: %w");
// the API layer maps them to HTTP status codes with errors.Is.
var (
	// ErrNotFound - the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict - the operation conflicts with current state, e.g. a
	// duplicate completion report or an assignment already terminal.
	ErrConflict = errors.New("conflict")

	// ErrUnauthorized - the credential is missing, invalid, disabled, or
	// bound to a different machine fingerprint.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrExpired - the credential or token is past its validity window.
	ErrExpired = errors.New("expired")

	// ErrRateLimited - the caller exceeded its issuance quota.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnavailable - a dependency (database, cache) is unreachable.
	ErrUnavailable = errors.New("unavailable")
)
