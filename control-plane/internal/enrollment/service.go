// Package enrollment manages agent credential bootstrap.
//
// Enrollment is token-based: an operator (or an automated provisioner
// holding a provisioning key) requests a single-use, time-limited token
// paired with a fresh API key. The plaintext pair is returned exactly once;
// only hashes are stored. The agent presents the token on first contact,
// which registers it and binds its machine fingerprint to the API key.
//
// Re-enrollment reuses the same flow against an existing agent: consuming
// the token stages the new API key as pending, and the first authenticated
// request with the new key atomically promotes it and rebinds the
// fingerprint. The old key keeps working until that moment, so a lost
// re-enrollment token never strands a live agent.
package enrollment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/fieldsignal/rf-range/control-plane/internal/config"
	"github.com/fieldsignal/rf-range/control-plane/internal/events"
	"github.com/fieldsignal/rf-range/pkg/types"
)

// Store defines the database operations needed by the enrollment service.
type Store interface {
	CreateEnrollmentToken(ctx context.Context, t *types.EnrollmentToken) error
	GetEnrollmentTokenByHash(ctx context.Context, hash string) (*types.EnrollmentToken, error)
	ConsumeEnrollmentToken(ctx context.Context, id string, at time.Time) error
	ListOpenEnrollmentTokens(ctx context.Context, now time.Time) ([]types.EnrollmentToken, error)
	CountTokensIssuedSince(ctx context.Context, keyID string, since time.Time) (int, error)

	CreateProvisioningKey(ctx context.Context, k *types.ProvisioningKey) error
	GetProvisioningKey(ctx context.Context, id string) (*types.ProvisioningKey, error)
	ListProvisioningKeys(ctx context.Context) ([]types.ProvisioningKey, error)
	SetProvisioningKeyEnabled(ctx context.Context, id string, enabled bool) error
	TouchProvisioningKey(ctx context.Context, id string, at time.Time) error

	CreateAgent(ctx context.Context, agent *types.Agent, apiKeyHash string) error
	GetAgent(ctx context.Context, id string) (*types.Agent, error)
	GetAgentByName(ctx context.Context, name string) (*types.Agent, error)
	SetPendingAPIKey(ctx context.Context, id, hash string) error
}

// Service orchestrates enrollment token issuance and consumption.
type Service struct {
	store  Store
	events *events.Broadcaster
	logger *slog.Logger

	now func() time.Time

	// Per-provisioning-key token buckets, rebuilt on restart. The hourly
	// quota check against the database is the durable backstop.
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewService creates an enrollment service.
func NewService(st Store, broadcaster *events.Broadcaster, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		events:   broadcaster,
		logger:   logger.With("component", "enrollment"),
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// IssueRequest contains the parameters for a new enrollment token.
type IssueRequest struct {
	AgentName string          `json:"agent_name"`
	Role      types.AgentRole `json:"role"`

	// TTLSeconds overrides the default token lifetime. Clamped to the
	// server maximum; zero means the default applies.
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// TokenGrant carries the one-time plaintext credentials back to the caller.
// Neither value is recoverable after this response.
type TokenGrant struct {
	TokenID   string          `json:"token_id"`
	Token     string          `json:"token"`
	APIKey    string          `json:"api_key"`
	AgentName string          `json:"agent_name"`
	Role      types.AgentRole `json:"role"`
	AgentID   *string         `json:"agent_id,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// IssueToken creates a single-use enrollment token for a new agent. Admin
// path: no rate limit applies.
func (s *Service) IssueToken(ctx context.Context, req IssueRequest) (*TokenGrant, error) {
	return s.issueNew(ctx, req, nil)
}

// IssueTokenWithKey creates an enrollment token on behalf of a provisioning
// key, enforcing that key's token bucket and hourly quota. The token records
// its issuing key so the quota stays per key and revoking the key voids the
// token.
func (s *Service) IssueTokenWithKey(ctx context.Context, key *types.ProvisioningKey, req IssueRequest) (*TokenGrant, error) {
	if !key.Enabled {
		return nil, fmt.Errorf("provisioning key %s is disabled: %w", key.ID, types.ErrUnauthorized)
	}

	quota := key.HourlyQuota
	if quota <= 0 {
		quota = config.ProvisioningHourlyQuotaDefault
	}
	if !s.limiter(key.ID, quota).Allow() {
		return nil, fmt.Errorf("provisioning key %s: %w", key.ID, types.ErrRateLimited)
	}
	issued, err := s.store.CountTokensIssuedSince(ctx, key.ID, s.now().Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("checking issuance quota: %w", err)
	}
	if issued >= quota {
		return nil, fmt.Errorf("hourly quota of %d reached: %w", quota, types.ErrRateLimited)
	}

	grant, err := s.issueNew(ctx, req, &key.ID)
	if err != nil {
		return nil, err
	}
	if err := s.store.TouchProvisioningKey(ctx, key.ID, s.now()); err != nil {
		s.logger.Warn("touching provisioning key", "key_id", key.ID, "error", err)
	}
	return grant, nil
}

func (s *Service) issueNew(ctx context.Context, req IssueRequest, keyID *string) (*TokenGrant, error) {
	if req.AgentName == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if req.Role != types.RoleRunner && req.Role != types.RoleListener {
		return nil, fmt.Errorf("invalid agent role: %s", req.Role)
	}

	existing, err := s.store.GetAgentByName(ctx, req.AgentName)
	if err != nil {
		return nil, fmt.Errorf("checking agent name: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("agent %s already enrolled: %w", req.AgentName, types.ErrConflict)
	}

	return s.issue(ctx, req, nil, keyID)
}

// ReEnrollToken creates a token that rotates an existing agent's
// credentials instead of registering a new one.
func (s *Service) ReEnrollToken(ctx context.Context, agentID string) (*TokenGrant, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, types.ErrNotFound)
	}
	return s.issue(ctx, IssueRequest{AgentName: agent.Name, Role: agent.Role}, &agent.ID, nil)
}

func (s *Service) issue(ctx context.Context, req IssueRequest, agentID, keyID *string) (*TokenGrant, error) {
	ttl := config.EnrollmentTokenTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if ttl > config.EnrollmentTokenMaxTTL {
		ttl = config.EnrollmentTokenMaxTTL
	}

	tokenID := uuid.New().String()
	token, tokenHash, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	keyPrefix := tokenID
	if agentID != nil {
		keyPrefix = *agentID
	}
	apiKey, apiKeyHash, err := GenerateAgentAPIKey(keyPrefix)
	if err != nil {
		return nil, err
	}

	now := s.now()
	record := &types.EnrollmentToken{
		ID:                tokenID,
		AgentName:         req.AgentName,
		Role:              req.Role,
		AgentID:           agentID,
		ProvisioningKeyID: keyID,
		TokenHash:         tokenHash,
		APIKeyHash:        apiKeyHash,
		ExpiresAt:         now.Add(ttl),
		CreatedAt:         now,
	}
	if err := s.store.CreateEnrollmentToken(ctx, record); err != nil {
		return nil, fmt.Errorf("saving enrollment token: %w", err)
	}

	s.logger.Info("enrollment token issued",
		"token_id", tokenID, "agent_name", req.AgentName, "role", req.Role,
		"reenroll", agentID != nil, "expires_at", record.ExpiresAt)

	return &TokenGrant{
		TokenID:   tokenID,
		Token:     token,
		APIKey:    apiKey,
		AgentName: req.AgentName,
		Role:      req.Role,
		AgentID:   agentID,
		ExpiresAt: record.ExpiresAt,
	}, nil
}

// ConsumeRequest is an agent's first-contact registration.
type ConsumeRequest struct {
	Token       string         `json:"token"`
	Fingerprint string         `json:"fingerprint"`
	Hostname    string         `json:"hostname,omitempty"`
	Devices     []types.Device `json:"devices,omitempty"`
}

// EnrollResult tells the agent who it is and how often to check in.
type EnrollResult struct {
	AgentID                  string          `json:"agent_id"`
	Name                     string          `json:"name"`
	Role                     types.AgentRole `json:"role"`
	HeartbeatIntervalSeconds int             `json:"heartbeat_interval_seconds"`
	PollIntervalSeconds      int             `json:"poll_interval_seconds"`
}

// Consume redeems an enrollment token. For a fresh token this registers the
// agent; for a re-enrollment token it stages the new API key as pending on
// the existing agent. Consumption is single-use even under concurrent
// redemption attempts.
func (s *Service) Consume(ctx context.Context, req ConsumeRequest) (*EnrollResult, error) {
	if req.Token == "" {
		return nil, fmt.Errorf("enrollment token is required")
	}
	if req.Fingerprint == "" {
		return nil, fmt.Errorf("machine fingerprint is required")
	}

	token, err := s.store.GetEnrollmentTokenByHash(ctx, HashToken(req.Token))
	if err != nil {
		return nil, fmt.Errorf("looking up token: %w", err)
	}
	if token == nil {
		return nil, fmt.Errorf("unknown enrollment token: %w", types.ErrUnauthorized)
	}
	now := s.now()
	if token.Expired(now) {
		return nil, fmt.Errorf("enrollment token %s: %w", token.ID, types.ErrExpired)
	}
	// Revoking a provisioning key voids its outstanding tokens.
	if token.ProvisioningKeyID != nil {
		key, err := s.store.GetProvisioningKey(ctx, *token.ProvisioningKeyID)
		if err != nil {
			return nil, fmt.Errorf("loading issuing key: %w", err)
		}
		if key == nil || !key.Enabled {
			return nil, fmt.Errorf("enrollment token %s: issuing key revoked: %w", token.ID, types.ErrUnauthorized)
		}
	}
	if err := s.store.ConsumeEnrollmentToken(ctx, token.ID, now); err != nil {
		return nil, fmt.Errorf("consuming token %s: %w", token.ID, err)
	}

	if token.AgentID != nil {
		return s.consumeReEnroll(ctx, token, req)
	}

	agent := &types.Agent{
		ID:            uuid.New().String(),
		Name:          token.AgentName,
		Role:          token.Role,
		Hostname:      req.Hostname,
		Fingerprint:   req.Fingerprint,
		Devices:       req.Devices,
		Status:        types.AgentOnline,
		Enabled:       true,
		LastHeartbeat: now,
		CreatedAt:     now,
	}
	if err := agent.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registration: %w", err)
	}
	if err := s.store.CreateAgent(ctx, agent, token.APIKeyHash); err != nil {
		return nil, fmt.Errorf("registering agent: %w", err)
	}

	s.logger.Info("agent enrolled",
		"agent_id", agent.ID, "name", agent.Name, "role", agent.Role,
		"hostname", agent.Hostname, "devices", len(agent.Devices))
	s.events.Publish(types.FleetEvent{
		Type:    types.EventAgentEnrolled,
		AgentID: agent.ID,
		Message: agent.Name,
	})

	return s.result(agent.ID, agent.Name, agent.Role), nil
}

// consumeReEnroll stages the token's API key as pending. The fingerprint
// rebind happens at promotion, when the agent first authenticates with the
// new key.
func (s *Service) consumeReEnroll(ctx context.Context, token *types.EnrollmentToken, req ConsumeRequest) (*EnrollResult, error) {
	agent, err := s.store.GetAgent(ctx, *token.AgentID)
	if err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %s no longer exists: %w", *token.AgentID, types.ErrNotFound)
	}
	if err := s.store.SetPendingAPIKey(ctx, agent.ID, token.APIKeyHash); err != nil {
		return nil, fmt.Errorf("staging pending key: %w", err)
	}

	s.logger.Info("agent re-enrolled, key pending",
		"agent_id", agent.ID, "name", agent.Name)
	s.events.Publish(types.FleetEvent{
		Type:    types.EventAgentEnrolled,
		AgentID: agent.ID,
		Message: agent.Name + " (key rotation)",
	})

	return s.result(agent.ID, agent.Name, agent.Role), nil
}

func (s *Service) result(agentID, name string, role types.AgentRole) *EnrollResult {
	return &EnrollResult{
		AgentID:                  agentID,
		Name:                     name,
		Role:                     role,
		HeartbeatIntervalSeconds: int(config.AgentHeartbeatInterval.Seconds()),
		PollIntervalSeconds:      int(config.TaskPollInterval.Seconds()),
	}
}

// OpenTokens returns unconsumed, unexpired tokens for the admin view.
func (s *Service) OpenTokens(ctx context.Context) ([]types.EnrollmentToken, error) {
	return s.store.ListOpenEnrollmentTokens(ctx, s.now())
}

// KeyGrant carries a newly created provisioning key's one-time plaintext.
type KeyGrant struct {
	Key    types.ProvisioningKey `json:"key"`
	Secret string                `json:"secret"`
}

// CreateProvisioningKey mints a long-lived key scoped to token issuance.
func (s *Service) CreateProvisioningKey(ctx context.Context, name string, hourlyQuota int) (*KeyGrant, error) {
	if name == "" {
		return nil, fmt.Errorf("key name is required")
	}
	if hourlyQuota < 0 {
		return nil, fmt.Errorf("hourly quota must not be negative")
	}

	id := uuid.New().String()
	secret, hash, err := GenerateAgentAPIKey(id)
	if err != nil {
		return nil, err
	}

	key := &types.ProvisioningKey{
		ID:          id,
		Name:        name,
		KeyHash:     hash,
		Enabled:     true,
		HourlyQuota: hourlyQuota,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateProvisioningKey(ctx, key); err != nil {
		return nil, fmt.Errorf("saving provisioning key: %w", err)
	}

	s.logger.Info("provisioning key created", "key_id", id, "name", name, "hourly_quota", hourlyQuota)
	return &KeyGrant{Key: *key, Secret: secret}, nil
}

// AuthenticateProvisioningKey verifies a key ID and secret pair.
func (s *Service) AuthenticateProvisioningKey(ctx context.Context, id, secret string) (*types.ProvisioningKey, error) {
	key, err := s.store.GetProvisioningKey(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading provisioning key: %w", err)
	}
	if key == nil || !VerifyAPIKey(secret, key.KeyHash) {
		return nil, fmt.Errorf("provisioning credentials rejected: %w", types.ErrUnauthorized)
	}
	return key, nil
}

// ListProvisioningKeys returns all provisioning keys.
func (s *Service) ListProvisioningKeys(ctx context.Context) ([]types.ProvisioningKey, error) {
	return s.store.ListProvisioningKeys(ctx)
}

// SetProvisioningKeyEnabled enables or disables a provisioning key.
func (s *Service) SetProvisioningKeyEnabled(ctx context.Context, id string, enabled bool) error {
	return s.store.SetProvisioningKeyEnabled(ctx, id, enabled)
}

func (s *Service) limiter(keyID string, quota int) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[keyID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Hour/time.Duration(quota)), quota)
		s.limiters[keyID] = lim
	}
	return lim
}
