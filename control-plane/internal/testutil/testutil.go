// Package testutil provides testing utilities and fixtures for the control plane.
//
// Fixtures use functional options for customization:
//
//	agent := testutil.FixtureRunner()
//	agent := testutil.FixtureRunner(func(a *types.Agent) {
//		a.Name = "custom-runner"
//		a.Enabled = false
//	})
package testutil

import (
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fieldsignal/rf-range/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
// Use for tests where logging output is not needed.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// AGENT FIXTURES
// =============================================================================

// FixtureRunner creates an online runner with a wideband transmit device.
func FixtureRunner(overrides ...func(*types.Agent)) *types.Agent {
	agent := &types.Agent{
		ID:          uuid.New().String(),
		Name:        "test-runner-" + uuid.New().String()[:8],
		Role:        types.RoleRunner,
		Hostname:    "runner.test.local",
		Fingerprint: "fp-" + uuid.New().String()[:8],
		Devices: []types.Device{
			{ID: "hackrf-0", Model: "HackRF One", MinHz: 1_000_000, MaxHz: 6_000_000_000},
		},
		Status:        types.AgentOnline,
		Enabled:       true,
		LastHeartbeat: time.Now(),
		CreatedAt:     time.Now(),
	}

	for _, override := range overrides {
		override(agent)
	}

	return agent
}

// FixtureListener creates an online listener with an RTL-SDR receive device.
func FixtureListener(overrides ...func(*types.Agent)) *types.Agent {
	return FixtureRunner(append([]func(*types.Agent){
		func(a *types.Agent) {
			a.Name = "test-listener-" + uuid.New().String()[:8]
			a.Role = types.RoleListener
			a.Hostname = "listener.test.local"
			a.Devices = []types.Device{
				{ID: "rtlsdr-0", Model: "RTL-SDR v3", MinHz: 24_000_000, MaxHz: 1_766_000_000},
			}
		},
	}, overrides...)...)
}

// FixtureAgentOffline creates an agent with a stale heartbeat.
func FixtureAgentOffline(overrides ...func(*types.Agent)) *types.Agent {
	return FixtureRunner(append([]func(*types.Agent){
		func(a *types.Agent) {
			a.Status = types.AgentOffline
			a.LastHeartbeat = time.Now().Add(-5 * time.Minute)
		},
	}, overrides...)...)
}

// =============================================================================
// CHALLENGE FIXTURES
// =============================================================================

// FixtureChallenge creates a queued morse challenge on 2m calling frequency.
func FixtureChallenge(overrides ...func(*types.Challenge)) *types.Challenge {
	challenge := &types.Challenge{
		ID:              uuid.New().String(),
		Name:            "test-challenge-" + uuid.New().String()[:8],
		Modulation:      types.ModulationMorse,
		Payload:         json.RawMessage(`{"message": "cq de w1aw", "wpm": 20}`),
		FrequencyHz:     146_520_000,
		Enabled:         true,
		MinDelaySeconds: 60,
		MaxDelaySeconds: 90,
		Priority:        50,
		Status:          types.ChallengeQueued,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}

	for _, override := range overrides {
		override(challenge)
	}

	return challenge
}

// FixtureRange creates the 70cm band as a named frequency range.
func FixtureRange(overrides ...func(*types.FrequencyRange)) *types.FrequencyRange {
	fr := &types.FrequencyRange{
		Name:   "70cm",
		LowHz:  430_000_000,
		HighHz: 440_000_000,
	}

	for _, override := range overrides {
		override(fr)
	}

	return fr
}

// =============================================================================
// TRANSMISSION AND ASSIGNMENT FIXTURES
// =============================================================================

// FixtureTransmission creates a pending transmission for a challenge.
func FixtureTransmission(challengeID, runnerID string, overrides ...func(*types.Transmission)) *types.Transmission {
	tm := &types.Transmission{
		ID:          uuid.New().String(),
		ChallengeID: challengeID,
		RunnerID:    runnerID,
		FrequencyHz: 146_520_000,
		DeviceID:    "hackrf-0",
		Outcome:     types.OutcomePending,
		CreatedAt:   time.Now(),
	}

	for _, override := range overrides {
		override(tm)
	}

	return tm
}

// FixtureAssignment creates a listener assignment bound to a transmission.
func FixtureAssignment(transmissionID, challengeID, listenerID string, overrides ...func(*types.ListenerAssignment)) *types.ListenerAssignment {
	a := &types.ListenerAssignment{
		ID:             uuid.New().String(),
		TransmissionID: transmissionID,
		ChallengeID:    challengeID,
		ListenerID:     listenerID,
		FrequencyHz:    146_520_000,
		ExpectedStart:  time.Now().Add(10 * time.Second),
		Status:         types.AssignmentAssigned,
		CreatedAt:      time.Now(),
	}

	for _, override := range overrides {
		override(a)
	}

	return a
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Ptr returns a pointer to the given value.
// Useful for setting optional fields in fixtures.
func Ptr[T any](v T) *T {
	return &v
}

// TimeAgo returns a time in the past by the given duration.
func TimeAgo(d time.Duration) time.Time {
	return time.Now().Add(-d)
}

// TimeAgoPtr returns a pointer to a time in the past.
func TimeAgoPtr(d time.Duration) *time.Time {
	t := time.Now().Add(-d)
	return &t
}
