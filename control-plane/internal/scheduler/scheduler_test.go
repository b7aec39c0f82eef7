package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fieldsignal/rf-range/control-plane/internal/events"
	"github.com/fieldsignal/rf-range/control-plane/internal/store"
	"github.com/fieldsignal/rf-range/pkg/types"
)

// mockStore reproduces the store's transactional semantics in memory: the
// mutex stands in for row locks, so a challenge can only ever be acquired
// by one caller.
type mockStore struct {
	mu         sync.Mutex
	challenges map[string]*types.Challenge
	ranges     map[string]types.FrequencyRange
	txs        map[string]*types.Transmission
	nextTxID   int
}

func newMockStore() *mockStore {
	return &mockStore{
		challenges: make(map[string]*types.Challenge),
		ranges:     make(map[string]types.FrequencyRange),
		txs:        make(map[string]*types.Transmission),
	}
}

func (m *mockStore) AcquireNextChallenge(_ context.Context, runnerID string, now time.Time, resolve store.ResolveFunc) (*types.Challenge, *types.Transmission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.challenges {
		if c.Status == types.ChallengeWaiting && c.NextEligibleAt != nil && !c.NextEligibleAt.After(now) {
			c.Status = types.ChallengeQueued
			c.NextEligibleAt = nil
		}
	}

	for _, c := range m.challenges {
		if c.Status != types.ChallengeQueued || !c.Enabled {
			continue
		}
		var rng *types.FrequencyRange
		if c.FrequencyRange != "" {
			if r, ok := m.ranges[c.FrequencyRange]; ok {
				rng = &r
			}
		}
		freqHz, deviceID, ok := resolve(c, rng)
		if !ok {
			continue
		}

		m.nextTxID++
		tm := &types.Transmission{
			ID:          fmt.Sprintf("tx-%d", m.nextTxID),
			ChallengeID: c.ID,
			RunnerID:    runnerID,
			FrequencyHz: freqHz,
			DeviceID:    deviceID,
			Outcome:     types.OutcomePending,
			CreatedAt:   now,
		}
		m.txs[tm.ID] = tm
		c.Status = types.ChallengeAssigned
		c.AssignedTo = &runnerID
		c.LastAttemptedAt = &now
		cp := *c
		return &cp, tm, nil
	}
	return nil, nil, nil
}

func (m *mockStore) CompleteTransmission(_ context.Context, transmissionID, runnerID string, success bool, errMsg string, drawDelay store.DelayFunc) (*types.Transmission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tm, ok := m.txs[transmissionID]
	if !ok {
		return nil, types.ErrNotFound
	}
	if tm.RunnerID != runnerID {
		return nil, types.ErrUnauthorized
	}
	if tm.Outcome != types.OutcomePending {
		return nil, types.ErrConflict
	}

	now := time.Now()
	tm.EndedAt = &now
	tm.Error = errMsg
	c := m.challenges[tm.ChallengeID]
	if success {
		tm.Outcome = types.OutcomeSuccess
		if c != nil {
			next := now.Add(drawDelay(c))
			c.Status = types.ChallengeWaiting
			c.NextEligibleAt = &next
			c.AssignedTo = nil
		}
	} else {
		tm.Outcome = types.OutcomeFailed
		if c != nil {
			c.Status = types.ChallengeQueued
			c.NextEligibleAt = nil
			c.AssignedTo = nil
		}
	}
	cp := *tm
	return &cp, nil
}

func (m *mockStore) MarkTransmissionStarted(_ context.Context, id, runnerID string, at time.Time) (*types.Transmission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm, ok := m.txs[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	if tm.RunnerID != runnerID {
		return nil, types.ErrUnauthorized
	}
	if tm.Outcome != types.OutcomePending || tm.StartedAt != nil {
		return nil, types.ErrConflict
	}
	tm.StartedAt = &at
	cp := *tm
	return &cp, nil
}

func (m *mockStore) ReviveWaitingChallenges(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.challenges {
		if c.Status == types.ChallengeWaiting && c.NextEligibleAt != nil && !c.NextEligibleAt.After(now) {
			c.Status = types.ChallengeQueued
			c.NextEligibleAt = nil
			n++
		}
	}
	return n, nil
}

func testService(st Store) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(st, events.NewBroadcaster(logger), logger)
}

func vhfRunner(id string) *types.Agent {
	return &types.Agent{
		ID:      id,
		Name:    "runner-" + id,
		Role:    types.RoleRunner,
		Status:  types.AgentOnline,
		Enabled: true,
		Devices: []types.Device{
			{ID: "hackrf0", Model: "HackRF One", MinHz: 1_000_000, MaxHz: 6_000_000_000},
		},
	}
}

func fixtureChallenge(id string, overrides ...func(*types.Challenge)) *types.Challenge {
	c := &types.Challenge{
		ID:              id,
		Name:            "challenge-" + id,
		Modulation:      types.ModulationMorse,
		FrequencyHz:     146_520_000,
		Enabled:         true,
		MinDelaySeconds: 30,
		MaxDelaySeconds: 90,
		Priority:        10,
		Status:          types.ChallengeQueued,
	}
	for _, fn := range overrides {
		fn(c)
	}
	return c
}

func TestRequestTaskAssignsChallenge(t *testing.T) {
	st := newMockStore()
	st.challenges["c1"] = fixtureChallenge("c1")
	svc := testService(st)

	challenge, tm, err := svc.RequestTask(context.Background(), vhfRunner("r1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if challenge == nil || tm == nil {
		t.Fatal("expected an assignment")
	}
	if challenge.Status != types.ChallengeAssigned {
		t.Errorf("status: got %s, want assigned", challenge.Status)
	}
	if tm.FrequencyHz != 146_520_000 {
		t.Errorf("frequency: got %d", tm.FrequencyHz)
	}
	if tm.DeviceID != "hackrf0" {
		t.Errorf("device: got %s", tm.DeviceID)
	}
}

// flakyStore fails the first N acquisitions before delegating, standing in
// for a lost serialization race.
type flakyStore struct {
	*mockStore
	failures int
	attempts int
}

func (f *flakyStore) AcquireNextChallenge(ctx context.Context, runnerID string, now time.Time, resolve store.ResolveFunc) (*types.Challenge, *types.Transmission, error) {
	f.attempts++
	if f.attempts <= f.failures {
		return nil, nil, errors.New("could not serialize access due to concurrent update")
	}
	return f.mockStore.AcquireNextChallenge(ctx, runnerID, now, resolve)
}

func TestRequestTaskRetriesAcquisitionOnce(t *testing.T) {
	st := newMockStore()
	st.challenges["c1"] = fixtureChallenge("c1")
	flaky := &flakyStore{mockStore: st, failures: 1}
	svc := testService(flaky)

	challenge, tm, err := svc.RequestTask(context.Background(), vhfRunner("r1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if challenge == nil || tm == nil {
		t.Fatal("expected an assignment after the retry")
	}
	if flaky.attempts != 2 {
		t.Errorf("attempts: got %d, want 2", flaky.attempts)
	}
}

func TestRequestTaskGivesUpAfterSecondFailure(t *testing.T) {
	st := newMockStore()
	st.challenges["c1"] = fixtureChallenge("c1")
	flaky := &flakyStore{mockStore: st, failures: 2}
	svc := testService(flaky)

	_, _, err := svc.RequestTask(context.Background(), vhfRunner("r1"))
	if err == nil {
		t.Fatal("expected an error after two failed acquisitions")
	}
	if flaky.attempts != 2 {
		t.Errorf("attempts: got %d, want 2", flaky.attempts)
	}
}

func TestRequestTaskEmptyQueue(t *testing.T) {
	svc := testService(newMockStore())
	challenge, tm, err := svc.RequestTask(context.Background(), vhfRunner("r1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if challenge != nil || tm != nil {
		t.Error("expected no assignment from an empty queue")
	}
}

func TestRequestTaskRejectsNonRunner(t *testing.T) {
	svc := testService(newMockStore())
	listener := vhfRunner("l1")
	listener.Role = types.RoleListener
	_, _, err := svc.RequestTask(context.Background(), listener)
	if !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}

func TestRequestTaskRejectsDisabledRunner(t *testing.T) {
	svc := testService(newMockStore())
	runner := vhfRunner("r1")
	runner.Enabled = false
	_, _, err := svc.RequestTask(context.Background(), runner)
	if !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}

func TestRequestTaskSkipsUncoverableFrequency(t *testing.T) {
	st := newMockStore()
	st.challenges["c1"] = fixtureChallenge("c1", func(c *types.Challenge) {
		c.FrequencyHz = 10_000_000_000 // above the runner's coverage
	})
	svc := testService(st)

	challenge, _, err := svc.RequestTask(context.Background(), vhfRunner("r1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if challenge != nil {
		t.Error("challenge outside device coverage should be skipped")
	}
}

func TestRequestTaskResolvesRangedFrequency(t *testing.T) {
	st := newMockStore()
	st.ranges["2m"] = types.FrequencyRange{Name: "2m", LowHz: 144_000_000, HighHz: 148_000_000}
	st.challenges["c1"] = fixtureChallenge("c1", func(c *types.Challenge) {
		c.FrequencyHz = 0
		c.FrequencyRange = "2m"
	})
	svc := testService(st)

	_, tm, err := svc.RequestTask(context.Background(), vhfRunner("r1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tm == nil {
		t.Fatal("expected an assignment")
	}
	if tm.FrequencyHz < 144_000_000 || tm.FrequencyHz > 148_000_000 {
		t.Errorf("frequency %d outside range", tm.FrequencyHz)
	}
}

func TestAtMostOneRunnerHoldsAChallenge(t *testing.T) {
	st := newMockStore()
	for _, id := range []string{"c1", "c2", "c3"} {
		st.challenges[id] = fixtureChallenge(id)
	}
	svc := testService(st)

	const runners = 32
	var wg sync.WaitGroup
	assigned := make(chan string, runners)
	for i := 0; i < runners; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			runner := vhfRunner("r" + string(rune('a'+n%26)) + string(rune('a'+n/26)))
			challenge, _, err := svc.RequestTask(context.Background(), runner)
			if err != nil {
				t.Errorf("request failed: %v", err)
				return
			}
			if challenge != nil {
				assigned <- challenge.ID
			}
		}(i)
	}
	wg.Wait()
	close(assigned)

	seen := make(map[string]int)
	for id := range assigned {
		seen[id]++
	}
	if len(seen) != 3 {
		t.Errorf("expected 3 assignments, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("challenge %s assigned %d times", id, n)
		}
	}
}

func TestReportCompleteSuccessDrawsDelay(t *testing.T) {
	st := newMockStore()
	st.challenges["c1"] = fixtureChallenge("c1")
	svc := testService(st)

	_, tm, err := svc.RequestTask(context.Background(), vhfRunner("r1"))
	if err != nil || tm == nil {
		t.Fatalf("setup failed: %v", err)
	}

	before := time.Now()
	done, err := svc.ReportComplete(context.Background(), "r1", types.CompletionReport{
		TransmissionID: tm.ID, Success: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done.Outcome != types.OutcomeSuccess {
		t.Errorf("outcome: got %s", done.Outcome)
	}

	c := st.challenges["c1"]
	if c.Status != types.ChallengeWaiting {
		t.Errorf("challenge status: got %s, want waiting", c.Status)
	}
	if c.NextEligibleAt == nil {
		t.Fatal("next_eligible_at not set")
	}
	delay := c.NextEligibleAt.Sub(before)
	if delay < 30*time.Second || delay > 90*time.Second+time.Second {
		t.Errorf("drawn delay %v outside [30s, 90s]", delay)
	}
}

func TestReportCompleteFailureRequeuesImmediately(t *testing.T) {
	st := newMockStore()
	st.challenges["c1"] = fixtureChallenge("c1")
	svc := testService(st)

	_, tm, _ := svc.RequestTask(context.Background(), vhfRunner("r1"))
	if _, err := svc.ReportComplete(context.Background(), "r1", types.CompletionReport{
		TransmissionID: tm.ID, Success: false, Error: "PA overtemp",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c := st.challenges["c1"]
	if c.Status != types.ChallengeQueued {
		t.Errorf("challenge status: got %s, want queued", c.Status)
	}
	if c.NextEligibleAt != nil {
		t.Error("failed challenge should have no delay window")
	}
}

func TestDuplicateCompletionReport(t *testing.T) {
	st := newMockStore()
	st.challenges["c1"] = fixtureChallenge("c1")
	svc := testService(st)

	_, tm, _ := svc.RequestTask(context.Background(), vhfRunner("r1"))
	report := types.CompletionReport{TransmissionID: tm.ID, Success: true}
	if _, err := svc.ReportComplete(context.Background(), "r1", report); err != nil {
		t.Fatalf("first report failed: %v", err)
	}
	if _, err := svc.ReportComplete(context.Background(), "r1", report); !errors.Is(err, types.ErrConflict) {
		t.Errorf("second report: got %v, want ErrConflict", err)
	}
}

func TestReportStartedOnce(t *testing.T) {
	st := newMockStore()
	st.challenges["c1"] = fixtureChallenge("c1")
	svc := testService(st)

	_, tm, _ := svc.RequestTask(context.Background(), vhfRunner("r1"))
	started, err := svc.ReportStarted(context.Background(), "r1", tm.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if started.StartedAt == nil {
		t.Fatal("started_at not stamped")
	}
	if _, err := svc.ReportStarted(context.Background(), "r1", tm.ID); !errors.Is(err, types.ErrConflict) {
		t.Errorf("second start: got %v, want ErrConflict", err)
	}
}

func TestWaitingChallengeRevivesAfterDelay(t *testing.T) {
	st := newMockStore()
	past := time.Now().Add(-time.Minute)
	st.challenges["c1"] = fixtureChallenge("c1", func(c *types.Challenge) {
		c.Status = types.ChallengeWaiting
		c.NextEligibleAt = &past
	})
	svc := testService(st)

	challenge, _, err := svc.RequestTask(context.Background(), vhfRunner("r1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if challenge == nil {
		t.Fatal("expired delay window should make the challenge assignable")
	}
}

func TestWaitingChallengeNotAssignableEarly(t *testing.T) {
	st := newMockStore()
	future := time.Now().Add(time.Hour)
	st.challenges["c1"] = fixtureChallenge("c1", func(c *types.Challenge) {
		c.Status = types.ChallengeWaiting
		c.NextEligibleAt = &future
	})
	svc := testService(st)

	challenge, _, err := svc.RequestTask(context.Background(), vhfRunner("r1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if challenge != nil {
		t.Error("challenge inside its delay window must not be assigned")
	}
}

func TestDrawDelayBounds(t *testing.T) {
	c := fixtureChallenge("c1")
	for i := 0; i < 1000; i++ {
		d := drawDelay(c)
		if d < 30*time.Second || d > 90*time.Second {
			t.Fatalf("delay %v outside [30s, 90s]", d)
		}
	}

	// Degenerate bounds collapse to a fixed delay.
	c.MinDelaySeconds = 60
	c.MaxDelaySeconds = 60
	if d := drawDelay(c); d != 60*time.Second {
		t.Errorf("fixed delay: got %v", d)
	}
}
