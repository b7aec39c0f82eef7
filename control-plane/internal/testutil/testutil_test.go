package testutil

import (
	"testing"
	"time"

	"github.com/fieldsignal/rf-range/pkg/types"
)

func TestFixtureAgents(t *testing.T) {
	t.Run("runner default", func(t *testing.T) {
		agent := FixtureRunner()
		if agent.ID == "" {
			t.Error("expected agent to have ID")
		}
		if agent.Role != types.RoleRunner {
			t.Errorf("expected role %s, got %s", types.RoleRunner, agent.Role)
		}
		if err := agent.Validate(); err != nil {
			t.Errorf("expected valid agent, got error: %v", err)
		}
		if !agent.Covers(146_520_000) {
			t.Error("expected runner device to cover 2m band")
		}
	})

	t.Run("with overrides", func(t *testing.T) {
		agent := FixtureRunner(func(a *types.Agent) {
			a.Name = "custom-runner"
			a.Enabled = false
		})
		if agent.Name != "custom-runner" {
			t.Errorf("expected name 'custom-runner', got %s", agent.Name)
		}
		if agent.Enabled {
			t.Error("expected disabled agent")
		}
	})

	t.Run("listener variant", func(t *testing.T) {
		agent := FixtureListener()
		if agent.Role != types.RoleListener {
			t.Errorf("expected role %s, got %s", types.RoleListener, agent.Role)
		}
		if agent.Covers(2_400_000_000) {
			t.Error("expected RTL-SDR device to top out below 2.4 GHz")
		}
	})

	t.Run("offline variant", func(t *testing.T) {
		agent := FixtureAgentOffline()
		if agent.Status != types.AgentOffline {
			t.Errorf("expected status %s, got %s", types.AgentOffline, agent.Status)
		}
		if time.Since(agent.LastHeartbeat) < 4*time.Minute {
			t.Error("expected old heartbeat for offline agent")
		}
	})
}

func TestFixtureChallenge(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		challenge := FixtureChallenge()
		if challenge.ID == "" {
			t.Error("expected challenge to have ID")
		}
		if err := challenge.Validate(); err != nil {
			t.Errorf("expected valid challenge, got error: %v", err)
		}
		if challenge.Status != types.ChallengeQueued {
			t.Errorf("expected status %s, got %s", types.ChallengeQueued, challenge.Status)
		}
	})

	t.Run("ranged frequency", func(t *testing.T) {
		challenge := FixtureChallenge(func(c *types.Challenge) {
			c.FrequencyHz = 0
			c.FrequencyRange = "70cm"
		})
		if err := challenge.Validate(); err != nil {
			t.Errorf("expected valid ranged challenge, got error: %v", err)
		}
	})
}

func TestFixtureRange(t *testing.T) {
	fr := FixtureRange()
	if err := fr.Validate(); err != nil {
		t.Errorf("expected valid range, got error: %v", err)
	}
	if fr.LowHz >= fr.HighHz {
		t.Errorf("expected low < high, got [%d, %d]", fr.LowHz, fr.HighHz)
	}
}

func TestFixtureTransmissionAndAssignment(t *testing.T) {
	tm := FixtureTransmission("chal-1", "runner-1")
	if tm.Outcome != types.OutcomePending {
		t.Errorf("expected outcome %s, got %s", types.OutcomePending, tm.Outcome)
	}
	if tm.ChallengeID != "chal-1" || tm.RunnerID != "runner-1" {
		t.Error("expected IDs to carry through")
	}

	a := FixtureAssignment(tm.ID, tm.ChallengeID, "listener-1")
	if a.Status != types.AssignmentAssigned {
		t.Errorf("expected status %s, got %s", types.AssignmentAssigned, a.Status)
	}
	if a.Status.Terminal() {
		t.Error("expected non-terminal initial status")
	}
	if !a.ExpectedStart.After(time.Now()) {
		t.Error("expected start in the future")
	}
}

func TestHelperFunctions(t *testing.T) {
	t.Run("Ptr", func(t *testing.T) {
		intPtr := Ptr(42)
		if *intPtr != 42 {
			t.Errorf("expected 42, got %d", *intPtr)
		}

		strPtr := Ptr("hello")
		if *strPtr != "hello" {
			t.Errorf("expected 'hello', got %s", *strPtr)
		}
	})

	t.Run("TimeAgo", func(t *testing.T) {
		past := TimeAgo(5 * time.Minute)
		expected := 5 * time.Minute
		actual := time.Since(past)
		if actual < expected-time.Second || actual > expected+time.Second {
			t.Errorf("expected ~%v ago, got %v ago", expected, actual)
		}
	})

	t.Run("TimeAgoPtr", func(t *testing.T) {
		past := TimeAgoPtr(10 * time.Minute)
		if past == nil {
			t.Error("expected non-nil pointer")
		}
		expected := 10 * time.Minute
		actual := time.Since(*past)
		if actual < expected-time.Second || actual > expected+time.Second {
			t.Errorf("expected ~%v ago, got %v ago", expected, actual)
		}
	})
}
