// Package store provides database access for the control plane.
//
// # Design
//
// The store uses raw SQL with pgx. Lookups return (nil, nil) when no row
// matches; services translate that into the error taxonomy. Multi-step
// scheduling operations run inside a single transaction so two runners can
// never acquire the same challenge.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldsignal/rf-range/pkg/types"
)

// Store provides database operations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromURL creates a new store by connecting to the given database URL.
func NewStoreFromURL(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool for advanced operations.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// AGENTS
// =============================================================================

const agentColumns = `id, name, role, hostname, fingerprint, devices, status, enabled, last_heartbeat, created_at`

func scanAgent(row pgx.Row) (*types.Agent, error) {
	var agent types.Agent
	var devicesJSON []byte
	err := row.Scan(
		&agent.ID, &agent.Name, &agent.Role, &agent.Hostname, &agent.Fingerprint,
		&devicesJSON, &agent.Status, &agent.Enabled, &agent.LastHeartbeat, &agent.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(devicesJSON, &agent.Devices); err != nil {
		return nil, fmt.Errorf("decoding devices for agent %s: %w", agent.ID, err)
	}
	return &agent, nil
}

// CreateAgent registers a new agent with its hashed API key.
func (s *Store) CreateAgent(ctx context.Context, agent *types.Agent, apiKeyHash string) error {
	devicesJSON, _ := json.Marshal(agent.Devices)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, name, role, hostname, fingerprint, devices, status, enabled, api_key_hash, last_heartbeat, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		agent.ID, agent.Name, agent.Role, agent.Hostname, agent.Fingerprint,
		devicesJSON, agent.Status, agent.Enabled, apiKeyHash, agent.LastHeartbeat, agent.CreatedAt,
	)
	return err
}

// GetAgent retrieves an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	return scanAgent(s.pool.QueryRow(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE id = $1
	`, id))
}

// GetAgentByName retrieves an agent by name.
func (s *Store) GetAgentByName(ctx context.Context, name string) (*types.Agent, error) {
	return scanAgent(s.pool.QueryRow(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE name = $1
	`, name))
}

// ListAgents returns all agents, optionally filtered by role.
func (s *Store) ListAgents(ctx context.Context, role types.AgentRole) ([]types.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	args := []any{}
	if role != "" {
		query += ` WHERE role = $1`
		args = append(args, role)
	}
	query += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []types.Agent
	for rows.Next() {
		var agent types.Agent
		var devicesJSON []byte
		if err := rows.Scan(
			&agent.ID, &agent.Name, &agent.Role, &agent.Hostname, &agent.Fingerprint,
			&devicesJSON, &agent.Status, &agent.Enabled, &agent.LastHeartbeat, &agent.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(devicesJSON, &agent.Devices); err != nil {
			return nil, fmt.Errorf("decoding devices for agent %s: %w", agent.ID, err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// ListOnlineListeners returns enabled online listener agents ordered so the
// least recently assigned listener comes first.
func (s *Store) ListOnlineListeners(ctx context.Context) ([]types.Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+agentColumns+`
		FROM agents a
		WHERE role = 'listener' AND status = 'online' AND enabled = TRUE
		ORDER BY (
			SELECT COALESCE(MAX(la.created_at), 'epoch'::timestamptz)
			FROM listener_assignments la WHERE la.listener_id = a.id
		) ASC, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []types.Agent
	for rows.Next() {
		var agent types.Agent
		var devicesJSON []byte
		if err := rows.Scan(
			&agent.ID, &agent.Name, &agent.Role, &agent.Hostname, &agent.Fingerprint,
			&devicesJSON, &agent.Status, &agent.Enabled, &agent.LastHeartbeat, &agent.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(devicesJSON, &agent.Devices); err != nil {
			return nil, fmt.Errorf("decoding devices for agent %s: %w", agent.ID, err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpdateAgentHeartbeat records a heartbeat: bumps last_heartbeat, flips the
// agent online, and refreshes the reported hostname and devices.
func (s *Store) UpdateAgentHeartbeat(ctx context.Context, id, hostname string, devices []types.Device) error {
	devicesJSON, _ := json.Marshal(devices)
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents
		SET last_heartbeat = NOW(), status = 'online',
		    hostname = COALESCE(NULLIF($2, ''), hostname),
		    devices = CASE WHEN $3::jsonb = '[]'::jsonb THEN devices ELSE $3::jsonb END
		WHERE id = $1
	`, id, hostname, devicesJSON)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

// SetAgentEnabled enables or disables an agent.
func (s *Store) SetAgentEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

// DeleteAgent hard-removes an agent. Historical transmission and recording
// rows are kept; they reference the agent by plain UUID.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

// MarkStaleAgentsOffline flips every online agent whose last heartbeat is
// older than the cutoff and returns the affected agent IDs. The UPDATE is
// idempotent so concurrent sweeps cannot double-report an agent.
func (s *Store) MarkStaleAgentsOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE agents SET status = 'offline'
		WHERE status = 'online' AND last_heartbeat < $1
		RETURNING id
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// AGENT CREDENTIALS
// =============================================================================

// AgentCredentials holds the authentication material for one agent.
type AgentCredentials struct {
	AgentID           string
	Role              types.AgentRole
	Fingerprint       string
	Enabled           bool
	APIKeyHash        string
	PendingAPIKeyHash *string
}

// GetAgentCredentials loads the hashed credentials for an agent.
func (s *Store) GetAgentCredentials(ctx context.Context, id string) (*AgentCredentials, error) {
	var c AgentCredentials
	err := s.pool.QueryRow(ctx, `
		SELECT id, role, fingerprint, enabled, api_key_hash, pending_api_key_hash
		FROM agents WHERE id = $1
	`, id).Scan(&c.AgentID, &c.Role, &c.Fingerprint, &c.Enabled, &c.APIKeyHash, &c.PendingAPIKeyHash)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetPendingAPIKey stages a replacement API key hash for re-enrollment.
// The old key keeps working until the new one is first used.
func (s *Store) SetPendingAPIKey(ctx context.Context, id, hash string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET pending_api_key_hash = $2 WHERE id = $1`, id, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

// PromotePendingAPIKey atomically swaps the pending key hash into place and
// rebinds the machine fingerprint. The old key stops validating immediately.
func (s *Store) PromotePendingAPIKey(ctx context.Context, id, fingerprint string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents
		SET api_key_hash = pending_api_key_hash, pending_api_key_hash = NULL, fingerprint = $2
		WHERE id = $1 AND pending_api_key_hash IS NOT NULL
	`, id, fingerprint)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrConflict
	}
	return nil
}
