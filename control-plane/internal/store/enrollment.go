// Package store - enrollment token and provisioning key operations.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fieldsignal/rf-range/pkg/types"
)

// =============================================================================
// ENROLLMENT TOKENS
// =============================================================================

const enrollmentTokenColumns = `id, agent_name, role, agent_id, provisioning_key_id,
	token_hash, api_key_hash, expires_at, consumed_at, created_at`

func scanEnrollmentToken(row pgx.Row) (*types.EnrollmentToken, error) {
	var t types.EnrollmentToken
	err := row.Scan(
		&t.ID, &t.AgentName, &t.Role, &t.AgentID, &t.ProvisioningKeyID,
		&t.TokenHash, &t.APIKeyHash, &t.ExpiresAt, &t.ConsumedAt, &t.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateEnrollmentToken stores a new enrollment token. Only hashes are
// persisted.
func (s *Store) CreateEnrollmentToken(ctx context.Context, t *types.EnrollmentToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO enrollment_tokens (id, agent_name, role, agent_id, provisioning_key_id, token_hash, api_key_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.ID, t.AgentName, t.Role, t.AgentID, t.ProvisioningKeyID, t.TokenHash, t.APIKeyHash, t.ExpiresAt, t.CreatedAt)
	return err
}

// GetEnrollmentTokenByHash looks up a token by its SHA-256 hash.
func (s *Store) GetEnrollmentTokenByHash(ctx context.Context, hash string) (*types.EnrollmentToken, error) {
	return scanEnrollmentToken(s.pool.QueryRow(ctx, `
		SELECT `+enrollmentTokenColumns+` FROM enrollment_tokens WHERE token_hash = $1
	`, hash))
}

// ConsumeEnrollmentToken marks a token consumed. The WHERE clause makes
// consumption single-use under concurrency: the second caller gets
// ErrConflict.
func (s *Store) ConsumeEnrollmentToken(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrollment_tokens SET consumed_at = $2
		WHERE id = $1 AND consumed_at IS NULL
	`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrConflict
	}
	return nil
}

// ListOpenEnrollmentTokens returns unconsumed, unexpired tokens.
func (s *Store) ListOpenEnrollmentTokens(ctx context.Context, now time.Time) ([]types.EnrollmentToken, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+enrollmentTokenColumns+` FROM enrollment_tokens
		WHERE consumed_at IS NULL AND expires_at > $1
		ORDER BY created_at DESC
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.EnrollmentToken
	for rows.Next() {
		var t types.EnrollmentToken
		if err := rows.Scan(
			&t.ID, &t.AgentName, &t.Role, &t.AgentID, &t.ProvisioningKeyID,
			&t.TokenHash, &t.APIKeyHash, &t.ExpiresAt, &t.ConsumedAt, &t.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTokensIssuedSince counts enrollment tokens a provisioning key created
// after the cutoff. Feeds that key's quota check; admin-issued tokens carry
// no key and never count against anyone.
func (s *Store) CountTokensIssuedSince(ctx context.Context, keyID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM enrollment_tokens
		WHERE provisioning_key_id = $1 AND created_at > $2
	`, keyID, since).Scan(&n)
	return n, err
}

// =============================================================================
// PROVISIONING KEYS
// =============================================================================

const provisioningKeyColumns = `id, name, key_hash, enabled, hourly_quota, created_at, last_used_at`

// CreateProvisioningKey stores a new provisioning key.
func (s *Store) CreateProvisioningKey(ctx context.Context, k *types.ProvisioningKey) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO provisioning_keys (id, name, key_hash, enabled, hourly_quota, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, k.ID, k.Name, k.KeyHash, k.Enabled, k.HourlyQuota, k.CreatedAt)
	return err
}

// GetProvisioningKey retrieves a provisioning key by ID.
func (s *Store) GetProvisioningKey(ctx context.Context, id string) (*types.ProvisioningKey, error) {
	var k types.ProvisioningKey
	err := s.pool.QueryRow(ctx, `
		SELECT `+provisioningKeyColumns+` FROM provisioning_keys WHERE id = $1
	`, id).Scan(&k.ID, &k.Name, &k.KeyHash, &k.Enabled, &k.HourlyQuota, &k.CreatedAt, &k.LastUsedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// ListProvisioningKeys returns all provisioning keys.
func (s *Store) ListProvisioningKeys(ctx context.Context) ([]types.ProvisioningKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+provisioningKeyColumns+` FROM provisioning_keys ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ProvisioningKey
	for rows.Next() {
		var k types.ProvisioningKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.Enabled, &k.HourlyQuota, &k.CreatedAt, &k.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// SetProvisioningKeyEnabled enables or disables a provisioning key.
func (s *Store) SetProvisioningKeyEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE provisioning_keys SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

// TouchProvisioningKey records a successful use of the key.
func (s *Store) TouchProvisioningKey(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE provisioning_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	return err
}
