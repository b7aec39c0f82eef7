package enrollment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fieldsignal/rf-range/control-plane/internal/events"
	"github.com/fieldsignal/rf-range/pkg/types"
)

type mockStore struct {
	mu     sync.Mutex
	tokens map[string]*types.EnrollmentToken
	keys   map[string]*types.ProvisioningKey
	agents map[string]*types.Agent
	hashes map[string]string // agentID -> api key hash
	staged map[string]string // agentID -> pending key hash
}

func newMockStore() *mockStore {
	return &mockStore{
		tokens: make(map[string]*types.EnrollmentToken),
		keys:   make(map[string]*types.ProvisioningKey),
		agents: make(map[string]*types.Agent),
		hashes: make(map[string]string),
		staged: make(map[string]string),
	}
}

func (m *mockStore) CreateEnrollmentToken(_ context.Context, t *types.EnrollmentToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tokens[t.ID] = &cp
	return nil
}

func (m *mockStore) GetEnrollmentTokenByHash(_ context.Context, hash string) (*types.EnrollmentToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.TokenHash == hash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockStore) ConsumeEnrollmentToken(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return types.ErrNotFound
	}
	if t.ConsumedAt != nil {
		return types.ErrConflict
	}
	t.ConsumedAt = &at
	return nil
}

func (m *mockStore) ListOpenEnrollmentTokens(_ context.Context, now time.Time) ([]types.EnrollmentToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.EnrollmentToken
	for _, t := range m.tokens {
		if t.ConsumedAt == nil && !t.Expired(now) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *mockStore) CountTokensIssuedSince(_ context.Context, keyID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tokens {
		if t.ProvisioningKeyID != nil && *t.ProvisioningKeyID == keyID && t.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) CreateProvisioningKey(_ context.Context, k *types.ProvisioningKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *k
	m.keys[k.ID] = &cp
	return nil
}

func (m *mockStore) GetProvisioningKey(_ context.Context, id string) (*types.ProvisioningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[id]; ok {
		cp := *k
		return &cp, nil
	}
	return nil, nil
}

func (m *mockStore) ListProvisioningKeys(_ context.Context) ([]types.ProvisioningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ProvisioningKey
	for _, k := range m.keys {
		out = append(out, *k)
	}
	return out, nil
}

func (m *mockStore) SetProvisioningKeyEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return types.ErrNotFound
	}
	k.Enabled = enabled
	return nil
}

func (m *mockStore) TouchProvisioningKey(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[id]; ok {
		k.LastUsedAt = &at
	}
	return nil
}

func (m *mockStore) CreateAgent(_ context.Context, agent *types.Agent, apiKeyHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *agent
	m.agents[agent.ID] = &cp
	m.hashes[agent.ID] = apiKeyHash
	return nil
}

func (m *mockStore) GetAgent(_ context.Context, id string) (*types.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (m *mockStore) GetAgentByName(_ context.Context, name string) (*types.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.Name == name {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockStore) SetPendingAPIKey(_ context.Context, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return types.ErrNotFound
	}
	m.staged[id] = hash
	return nil
}

func newTestService(st Store) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(st, events.NewBroadcaster(logger), logger)
}

func TestIssueAndConsumeRegistersAgent(t *testing.T) {
	st := newMockStore()
	svc := newTestService(st)
	ctx := context.Background()

	grant, err := svc.IssueToken(ctx, IssueRequest{AgentName: "field-1", Role: types.RoleRunner})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if grant.Token == "" || grant.APIKey == "" {
		t.Fatal("grant must carry plaintext credentials")
	}
	if !strings.HasPrefix(grant.APIKey, "rfrange_") {
		t.Errorf("api key format: %s", grant.APIKey)
	}

	result, err := svc.Consume(ctx, ConsumeRequest{
		Token:       grant.Token,
		Fingerprint: "aa:bb:cc/machine-1",
		Hostname:    "rpi-field-1",
		Devices:     []types.Device{{ID: "hackrf0", Model: "HackRF One", MinHz: 1_000_000, MaxHz: 6_000_000_000}},
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if result.Role != types.RoleRunner {
		t.Errorf("role: got %s", result.Role)
	}
	if result.HeartbeatIntervalSeconds <= 0 || result.PollIntervalSeconds <= 0 {
		t.Error("intervals must be positive")
	}

	agent, _ := st.GetAgent(ctx, result.AgentID)
	if agent == nil {
		t.Fatal("agent not registered")
	}
	if agent.Fingerprint != "aa:bb:cc/machine-1" {
		t.Errorf("fingerprint: got %q", agent.Fingerprint)
	}
	if !VerifyAPIKey(grant.APIKey, st.hashes[agent.ID]) {
		t.Error("stored hash must match the granted key")
	}
}

func TestIssueRejectsDuplicateAgentName(t *testing.T) {
	st := newMockStore()
	st.agents["a1"] = &types.Agent{ID: "a1", Name: "field-1", Role: types.RoleRunner}
	svc := newTestService(st)

	_, err := svc.IssueToken(context.Background(), IssueRequest{AgentName: "field-1", Role: types.RoleRunner})
	if !errors.Is(err, types.ErrConflict) {
		t.Errorf("got %v, want ErrConflict", err)
	}
}

func TestConsumeUnknownToken(t *testing.T) {
	svc := newTestService(newMockStore())
	_, err := svc.Consume(context.Background(), ConsumeRequest{Token: "bogus", Fingerprint: "fp"})
	if !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}

func TestConsumeExpiredToken(t *testing.T) {
	st := newMockStore()
	svc := newTestService(st)
	ctx := context.Background()

	grant, _ := svc.IssueToken(ctx, IssueRequest{AgentName: "field-1", Role: types.RoleListener})
	svc.now = func() time.Time { return grant.ExpiresAt.Add(time.Minute) }

	_, err := svc.Consume(ctx, ConsumeRequest{Token: grant.Token, Fingerprint: "fp"})
	if !errors.Is(err, types.ErrExpired) {
		t.Errorf("got %v, want ErrExpired", err)
	}
}

func TestConsumeIsSingleUse(t *testing.T) {
	st := newMockStore()
	svc := newTestService(st)
	ctx := context.Background()

	grant, _ := svc.IssueToken(ctx, IssueRequest{AgentName: "field-1", Role: types.RoleListener})
	if _, err := svc.Consume(ctx, ConsumeRequest{Token: grant.Token, Fingerprint: "fp"}); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	_, err := svc.Consume(ctx, ConsumeRequest{Token: grant.Token, Fingerprint: "fp"})
	if !errors.Is(err, types.ErrConflict) {
		t.Errorf("got %v, want ErrConflict", err)
	}
}

func TestReEnrollStagesPendingKey(t *testing.T) {
	st := newMockStore()
	st.agents["a1"] = &types.Agent{ID: "a1", Name: "field-1", Role: types.RoleRunner, Fingerprint: "old-fp"}
	svc := newTestService(st)
	ctx := context.Background()

	grant, err := svc.ReEnrollToken(ctx, "a1")
	if err != nil {
		t.Fatalf("reenroll token: %v", err)
	}
	if grant.AgentID == nil || *grant.AgentID != "a1" {
		t.Fatal("grant must target the existing agent")
	}

	result, err := svc.Consume(ctx, ConsumeRequest{Token: grant.Token, Fingerprint: "new-fp"})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if result.AgentID != "a1" {
		t.Errorf("agent id: got %s", result.AgentID)
	}
	if len(st.agents) != 1 {
		t.Error("re-enrollment must not create a new agent")
	}
	if !VerifyAPIKey(grant.APIKey, st.staged["a1"]) {
		t.Error("new key must be staged as pending")
	}
	// The live fingerprint rebinds only at key promotion.
	if st.agents["a1"].Fingerprint != "old-fp" {
		t.Error("fingerprint must not change before promotion")
	}
}

func TestProvisioningKeyQuota(t *testing.T) {
	st := newMockStore()
	svc := newTestService(st)
	ctx := context.Background()

	grant, err := svc.CreateProvisioningKey(ctx, "rack-provisioner", 2)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	key, err := svc.AuthenticateProvisioningKey(ctx, grant.Key.ID, grant.Secret)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	for i, name := range []string{"field-1", "field-2"} {
		if _, err := svc.IssueTokenWithKey(ctx, key, IssueRequest{AgentName: name, Role: types.RoleRunner}); err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
	}
	_, err = svc.IssueTokenWithKey(ctx, key, IssueRequest{AgentName: "field-3", Role: types.RoleRunner})
	if !errors.Is(err, types.ErrRateLimited) {
		t.Errorf("got %v, want ErrRateLimited", err)
	}
}

func TestQuotaCountsPerProvisioningKey(t *testing.T) {
	st := newMockStore()
	svc := newTestService(st)
	ctx := context.Background()

	// Admin-issued tokens carry no key and must not eat into any quota.
	for _, name := range []string{"admin-1", "admin-2", "admin-3"} {
		if _, err := svc.IssueToken(ctx, IssueRequest{AgentName: name, Role: types.RoleRunner}); err != nil {
			t.Fatalf("admin issue %s: %v", name, err)
		}
	}

	grantA, _ := svc.CreateProvisioningKey(ctx, "rack-a", 2)
	grantB, _ := svc.CreateProvisioningKey(ctx, "rack-b", 2)
	keyA, _ := st.GetProvisioningKey(ctx, grantA.Key.ID)
	keyB, _ := st.GetProvisioningKey(ctx, grantB.Key.ID)

	for i, name := range []string{"a-1", "a-2"} {
		if _, err := svc.IssueTokenWithKey(ctx, keyA, IssueRequest{AgentName: name, Role: types.RoleRunner}); err != nil {
			t.Fatalf("key a issue %d: %v", i, err)
		}
	}
	if _, err := svc.IssueTokenWithKey(ctx, keyA, IssueRequest{AgentName: "a-3", Role: types.RoleRunner}); !errors.Is(err, types.ErrRateLimited) {
		t.Errorf("exhausted key: got %v, want ErrRateLimited", err)
	}

	// A saturated neighbor leaves this key's quota untouched.
	if _, err := svc.IssueTokenWithKey(ctx, keyB, IssueRequest{AgentName: "b-1", Role: types.RoleRunner}); err != nil {
		t.Errorf("key b issue: %v", err)
	}
}

func TestConsumeRejectsTokenFromRevokedKey(t *testing.T) {
	st := newMockStore()
	svc := newTestService(st)
	ctx := context.Background()

	keyGrant, _ := svc.CreateProvisioningKey(ctx, "rack-provisioner", 10)
	key, _ := st.GetProvisioningKey(ctx, keyGrant.Key.ID)
	grant, err := svc.IssueTokenWithKey(ctx, key, IssueRequest{AgentName: "field-1", Role: types.RoleRunner})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	svc.SetProvisioningKeyEnabled(ctx, key.ID, false)

	_, err = svc.Consume(ctx, ConsumeRequest{Token: grant.Token, Fingerprint: "fp"})
	if !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
	if len(st.agents) != 0 {
		t.Error("revoked-issuer token must not register an agent")
	}
	if st.tokens[grant.TokenID].ConsumedAt != nil {
		t.Error("rejected token must stay unconsumed")
	}

	// Re-enabling the key makes the token redeemable again.
	svc.SetProvisioningKeyEnabled(ctx, key.ID, true)
	if _, err := svc.Consume(ctx, ConsumeRequest{Token: grant.Token, Fingerprint: "fp"}); err != nil {
		t.Errorf("consume after re-enable: %v", err)
	}
}

func TestDisabledProvisioningKey(t *testing.T) {
	st := newMockStore()
	svc := newTestService(st)
	ctx := context.Background()

	grant, _ := svc.CreateProvisioningKey(ctx, "rack-provisioner", 10)
	svc.SetProvisioningKeyEnabled(ctx, grant.Key.ID, false)
	key, _ := st.GetProvisioningKey(ctx, grant.Key.ID)

	_, err := svc.IssueTokenWithKey(ctx, key, IssueRequest{AgentName: "field-1", Role: types.RoleRunner})
	if !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}

func TestWrongProvisioningSecret(t *testing.T) {
	st := newMockStore()
	svc := newTestService(st)
	ctx := context.Background()

	grant, _ := svc.CreateProvisioningKey(ctx, "rack-provisioner", 10)
	_, err := svc.AuthenticateProvisioningKey(ctx, grant.Key.ID, "rfrange_wrong_secret")
	if !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}

func TestTokenHashRoundTrip(t *testing.T) {
	token, hash, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	if HashToken(token) != hash {
		t.Error("hash must be derived from the plaintext")
	}
	if HashToken("other") == hash {
		t.Error("distinct tokens must not collide")
	}
}
