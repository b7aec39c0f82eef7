// Package scheduler selects the next challenge for a polling runner and
// owns the challenge scheduling state machine.
//
// Assignment is atomic: the store runs the candidate scan and the
// transmission insert in one transaction with row locks, so concurrent
// polls from many runners never assign the same challenge twice. Frequency
// resolution happens inside that transaction via a callback: a candidate
// the runner's devices cannot tune is skipped, not failed.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/fieldsignal/rf-range/control-plane/internal/events"
	"github.com/fieldsignal/rf-range/control-plane/internal/store"
	"github.com/fieldsignal/rf-range/pkg/types"
)

// Store is the persistence surface the scheduler needs.
type Store interface {
	AcquireNextChallenge(ctx context.Context, runnerID string, now time.Time, resolve store.ResolveFunc) (*types.Challenge, *types.Transmission, error)
	CompleteTransmission(ctx context.Context, transmissionID, runnerID string, success bool, errMsg string, drawDelay store.DelayFunc) (*types.Transmission, error)
	MarkTransmissionStarted(ctx context.Context, id, runnerID string, at time.Time) (*types.Transmission, error)
	ReviveWaitingChallenges(ctx context.Context, now time.Time) (int, error)
}

// Service implements challenge scheduling.
type Service struct {
	store  Store
	events *events.Broadcaster
	logger *slog.Logger

	now func() time.Time
}

// NewService creates a scheduler service.
func NewService(st Store, broadcaster *events.Broadcaster, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		events: broadcaster,
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
	}
}

// RequestTask assigns the best eligible challenge to a polling runner.
// Returns (nil, nil, nil) when no eligible challenge exists; the runner
// polls again after its configured interval.
func (s *Service) RequestTask(ctx context.Context, runner *types.Agent) (*types.Challenge, *types.Transmission, error) {
	if runner.Role != types.RoleRunner {
		return nil, nil, fmt.Errorf("agent %s is not a runner: %w", runner.ID, types.ErrUnauthorized)
	}
	if !runner.Enabled {
		return nil, nil, fmt.Errorf("agent %s is disabled: %w", runner.ID, types.ErrUnauthorized)
	}

	now := s.now()
	resolve := func(c *types.Challenge, rng *types.FrequencyRange) (int64, string, bool) {
		return resolveFrequency(runner, c, rng)
	}
	challenge, tm, err := s.store.AcquireNextChallenge(ctx, runner.ID, now, resolve)
	if err != nil {
		// One retry: the acquisition transaction can lose a serialization
		// race against a concurrent poll and succeed cleanly on a rerun.
		s.logger.Warn("challenge acquisition failed, retrying",
			"runner_id", runner.ID, "error", err)
		challenge, tm, err = s.store.AcquireNextChallenge(ctx, runner.ID, now, resolve)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("acquiring challenge: %w", err)
	}
	if challenge == nil {
		return nil, nil, nil
	}

	s.logger.Info("challenge assigned",
		"challenge_id", challenge.ID, "challenge", challenge.Name,
		"runner_id", runner.ID, "frequency_hz", tm.FrequencyHz, "device", tm.DeviceID)
	s.events.Publish(types.FleetEvent{
		Type:     types.EventChallengeAssigned,
		AgentID:  runner.ID,
		EntityID: challenge.ID,
		Message:  challenge.Name,
	})
	return challenge, tm, nil
}

// ReportStarted stamps the on-air instant of a transmission.
func (s *Service) ReportStarted(ctx context.Context, runnerID, transmissionID string) (*types.Transmission, error) {
	tm, err := s.store.MarkTransmissionStarted(ctx, transmissionID, runnerID, s.now())
	if err != nil {
		return nil, err
	}
	s.events.Publish(types.FleetEvent{
		Type:     types.EventTransmissionStarted,
		AgentID:  runnerID,
		EntityID: tm.ID,
	})
	return tm, nil
}

// ReportComplete finalizes a transmission. Success moves the challenge to
// waiting with a freshly drawn delay; failure requeues it immediately so
// transient faults retry promptly.
func (s *Service) ReportComplete(ctx context.Context, runnerID string, report types.CompletionReport) (*types.Transmission, error) {
	tm, err := s.store.CompleteTransmission(ctx, report.TransmissionID, runnerID, report.Success, report.Error, drawDelay)
	if err != nil {
		return nil, err
	}

	s.logger.Info("transmission complete",
		"transmission_id", tm.ID, "runner_id", runnerID,
		"outcome", tm.Outcome, "error", tm.Error)
	s.events.Publish(types.FleetEvent{
		Type:     types.EventTransmissionComplete,
		AgentID:  runnerID,
		EntityID: tm.ID,
		Message:  string(tm.Outcome),
	})
	return tm, nil
}

// ReviveWaiting returns waiting challenges with elapsed delay windows to
// the queue. Also runs inside every assignment transaction; this entry
// point keeps the queue fresh between polls.
func (s *Service) ReviveWaiting(ctx context.Context) (int, error) {
	return s.store.ReviveWaitingChallenges(ctx, s.now())
}

// drawDelay picks a uniform random delay in [min, max].
func drawDelay(c *types.Challenge) time.Duration {
	min := time.Duration(c.MinDelaySeconds) * time.Second
	max := time.Duration(c.MaxDelaySeconds) * time.Second
	if max <= min {
		return min
	}
	return min + rand.N(max-min+time.Nanosecond)
}

// resolveFrequency picks the concrete frequency and transmit device for a
// candidate challenge against the runner's declared device coverage.
func resolveFrequency(runner *types.Agent, c *types.Challenge, rng *types.FrequencyRange) (int64, string, bool) {
	if c.FrequencyHz > 0 {
		dev := runner.DeviceFor(c.FrequencyHz)
		if dev == nil {
			return 0, "", false
		}
		return c.FrequencyHz, dev.ID, true
	}
	if rng == nil {
		return 0, "", false
	}

	// Draw uniformly from the intersection of the challenge range and the
	// first device that overlaps it.
	for i := range runner.Devices {
		d := &runner.Devices[i]
		low := maxInt64(rng.LowHz, d.MinHz)
		high := minInt64(rng.HighHz, d.MaxHz)
		if low > high {
			continue
		}
		return low + rand.Int64N(high-low+1), d.ID, true
	}
	return 0, "", false
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
