// Package types defines the core domain types shared between agents and
// the control plane.
//
// # Design Principles
//
// 1. Simplicity: Types represent the domain model directly, no ORM abstractions
// 2. Serialization: All types are JSON-serializable for API transport
// 3. Immutability: Prefer value types; mutations create new instances
// 4. Validation: Types include Validate() methods for business rule enforcement
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// AGENT
// =============================================================================

// AgentRole distinguishes transmitting agents from recording agents.
type AgentRole string

const (
	// RoleRunner - transmits challenge signals on SDR hardware.
	RoleRunner AgentRole = "runner"
	// RoleListener - passively records transmissions as spectrogram images.
	RoleListener AgentRole = "listener"
)

// AgentStatus is the liveness state derived from heartbeat age.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
)

// Device describes one SDR device attached to an agent and the frequency
// span it can tune.
type Device struct {
	ID    string `json:"id"`
	Model string `json:"model"`
	MinHz int64  `json:"min_hz"`
	MaxHz int64  `json:"max_hz"`
}

// Covers reports whether the device can tune the given frequency.
func (d Device) Covers(hz int64) bool {
	return hz >= d.MinHz && hz <= d.MaxHz
}

// Agent represents one physical SDR-equipped host.
//
// The fingerprint binds the agent's API key to a specific machine: it is
// recorded at enrollment and every authenticated request must present the
// same value.
type Agent struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Role        AgentRole   `json:"role"`
	Hostname    string      `json:"hostname,omitempty"`
	Fingerprint string      `json:"-"`
	Devices     []Device    `json:"devices,omitempty"`
	Status      AgentStatus `json:"status"`
	Enabled     bool        `json:"enabled"`

	LastHeartbeat time.Time `json:"last_heartbeat"`
	CreatedAt     time.Time `json:"created_at"`
}

// DeviceFor returns the first device that covers the given frequency,
// or nil if the agent has no coverage.
func (a *Agent) DeviceFor(hz int64) *Device {
	for i := range a.Devices {
		if a.Devices[i].Covers(hz) {
			return &a.Devices[i]
		}
	}
	return nil
}

// Covers reports whether any of the agent's devices can tune the frequency.
func (a *Agent) Covers(hz int64) bool {
	return a.DeviceFor(hz) != nil
}

// Validate checks that the agent has required fields and valid values.
func (a *Agent) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if a.Role != RoleRunner && a.Role != RoleListener {
		return fmt.Errorf("invalid agent role: %s", a.Role)
	}
	for _, d := range a.Devices {
		if d.MinHz > d.MaxHz {
			return fmt.Errorf("device %s: min_hz %d exceeds max_hz %d", d.ID, d.MinHz, d.MaxHz)
		}
	}
	return nil
}

// =============================================================================
// CHALLENGE
// =============================================================================

// ChallengeStatus is the scheduling state of a challenge.
type ChallengeStatus string

const (
	// ChallengeQueued - eligible for assignment to a polling runner.
	ChallengeQueued ChallengeStatus = "queued"
	// ChallengeWaiting - sitting out its randomly drawn inter-transmission delay.
	ChallengeWaiting ChallengeStatus = "waiting"
	// ChallengeAssigned - held by exactly one runner.
	ChallengeAssigned ChallengeStatus = "assigned"
)

// Modulation tags the closed set of challenge payload shapes.
type Modulation string

const (
	// ModulationMorse - keyed CW with a message and words-per-minute rate.
	ModulationMorse Modulation = "morse"
	// ModulationFile - playback of a pre-rendered IQ or audio file.
	ModulationFile Modulation = "file"
	// ModulationHopping - frequency-hopping burst sequence.
	ModulationHopping Modulation = "hopping"
)

// KnownModulation reports whether m is one of the supported variants.
func KnownModulation(m Modulation) bool {
	switch m {
	case ModulationMorse, ModulationFile, ModulationHopping:
		return true
	}
	return false
}

// Challenge defines a transmittable signal.
//
// Frequency is either fixed (FrequencyHz > 0) or drawn from a named range
// (FrequencyRange != ""); exactly one of the two must be set. Payload is a
// modulation-specific variant decoded by the modulation package.
type Challenge struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Modulation Modulation      `json:"modulation"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	FrequencyHz    int64  `json:"frequency_hz,omitempty"`
	FrequencyRange string `json:"frequency_range,omitempty"`

	Enabled         bool `json:"enabled"`
	MinDelaySeconds int  `json:"min_delay_seconds"`
	MaxDelaySeconds int  `json:"max_delay_seconds"`
	Priority        int  `json:"priority"`

	Status          ChallengeStatus `json:"status"`
	AssignedTo      *string         `json:"assigned_to,omitempty"`
	LastAttemptedAt *time.Time      `json:"last_attempted_at,omitempty"`
	NextEligibleAt  *time.Time      `json:"next_eligible_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the challenge's business rules.
func (c *Challenge) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("challenge name is required")
	}
	if !KnownModulation(c.Modulation) {
		return fmt.Errorf("unknown modulation: %s", c.Modulation)
	}
	if c.MinDelaySeconds < 0 || c.MaxDelaySeconds < 0 {
		return fmt.Errorf("delay bounds must be non-negative")
	}
	if c.MinDelaySeconds > c.MaxDelaySeconds {
		return fmt.Errorf("min_delay %d exceeds max_delay %d", c.MinDelaySeconds, c.MaxDelaySeconds)
	}
	if c.Priority < 0 || c.Priority > 100 {
		return fmt.Errorf("priority %d out of range [0, 100]", c.Priority)
	}
	fixed := c.FrequencyHz > 0
	ranged := c.FrequencyRange != ""
	if fixed == ranged {
		return fmt.Errorf("exactly one of frequency_hz or frequency_range must be set")
	}
	return nil
}

// FrequencyRange is a named span of spectrum challenges may draw from.
type FrequencyRange struct {
	Name   string `json:"name"`
	LowHz  int64  `json:"low_hz"`
	HighHz int64  `json:"high_hz"`
}

// Validate checks the range bounds.
func (r *FrequencyRange) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("range name is required")
	}
	if r.LowHz <= 0 || r.LowHz > r.HighHz {
		return fmt.Errorf("invalid range bounds [%d, %d]", r.LowHz, r.HighHz)
	}
	return nil
}

// =============================================================================
// TRANSMISSION
// =============================================================================

// TransmissionOutcome records how a transmission ended.
type TransmissionOutcome string

const (
	// OutcomePending - assigned but not yet reported complete.
	OutcomePending TransmissionOutcome = "pending"
	OutcomeSuccess TransmissionOutcome = "success"
	OutcomeFailed  TransmissionOutcome = "failed"
)

// Transmission is one concrete execution of a challenge by a runner.
// Created the instant the challenge is assigned; after the completion
// report only the outcome and timestamps change.
type Transmission struct {
	ID          string `json:"id"`
	ChallengeID string `json:"challenge_id"`
	RunnerID    string `json:"runner_id"`

	FrequencyHz int64  `json:"frequency_hz"`
	DeviceID    string `json:"device_id,omitempty"`

	StartedAt *time.Time          `json:"started_at,omitempty"`
	EndedAt   *time.Time          `json:"ended_at,omitempty"`
	Outcome   TransmissionOutcome `json:"outcome"`
	Error     string              `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// LISTENER ASSIGNMENT
// =============================================================================

// AssignmentStatus is the state of a recording task.
type AssignmentStatus string

const (
	AssignmentAssigned  AssignmentStatus = "assigned"
	AssignmentRecording AssignmentStatus = "recording"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentCancelled AssignmentStatus = "cancelled"
	AssignmentFailed    AssignmentStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s AssignmentStatus) Terminal() bool {
	switch s {
	case AssignmentCompleted, AssignmentCancelled, AssignmentFailed:
		return true
	}
	return false
}

// ListenerAssignment is a time-boxed recording task bound to exactly one
// transmission.
type ListenerAssignment struct {
	ID             string `json:"id"`
	TransmissionID string `json:"transmission_id"`
	ChallengeID    string `json:"challenge_id"`
	ListenerID     string `json:"listener_id"`

	FrequencyHz             int64     `json:"frequency_hz"`
	ExpectedStart           time.Time `json:"expected_start"`
	ExpectedDurationSeconds float64   `json:"expected_duration_seconds"`

	Status    AssignmentStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// =============================================================================
// RECORDING
// =============================================================================

// Recording is the artifact of a completed listener assignment: a waterfall
// image plus capture metadata. Immutable once created.
type Recording struct {
	ID             string `json:"id"`
	AssignmentID   string `json:"assignment_id"`
	TransmissionID string `json:"transmission_id"`
	ChallengeID    string `json:"challenge_id"`
	ListenerID     string `json:"listener_id"`

	ImagePath       string  `json:"image_path,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	SampleRate      int     `json:"sample_rate,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Error           string  `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// ENROLLMENT
// =============================================================================

// EnrollmentToken is a single-use, time-limited credential that bootstraps
// one agent's registration. Only hashes are persisted; the plaintext token
// and API key are returned once at issuance.
type EnrollmentToken struct {
	ID        string    `json:"id"`
	AgentName string    `json:"agent_name"`
	Role      AgentRole `json:"role"`

	// AgentID is set for re-enrollment tokens: consumption rebinds the
	// existing agent instead of creating a new one.
	AgentID *string `json:"agent_id,omitempty"`

	// ProvisioningKeyID records which provisioning key issued the token,
	// when one did. Quota accounting and revocation checks hang off it.
	ProvisioningKeyID *string `json:"provisioning_key_id,omitempty"`

	TokenHash  string `json:"-"`
	APIKeyHash string `json:"-"`

	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Expired reports whether the token is past its TTL at the given instant.
func (t *EnrollmentToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// ProvisioningKey is a long-lived credential scoped to enrollment-token
// issuance only. Hashed at rest, independently enable/disable-able, and
// rate-limited per key.
type ProvisioningKey struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	KeyHash string `json:"-"`
	Enabled bool   `json:"enabled"`

	// HourlyQuota caps token issuance per rolling hour. Zero means the
	// server default applies.
	HourlyQuota int `json:"hourly_quota"`

	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// Heartbeat is the periodic health report agents send.
type Heartbeat struct {
	Fingerprint string `json:"fingerprint"`

	CPUPercent     float64 `json:"cpu_percent,omitempty"`
	MemoryMB       float64 `json:"memory_mb,omitempty"`
	GoroutineCount int     `json:"goroutine_count,omitempty"`
	Version        string  `json:"version,omitempty"`
}

// HeartbeatResponse acknowledges a heartbeat and carries the intervals the
// agent should observe.
type HeartbeatResponse struct {
	Acknowledged             bool `json:"acknowledged"`
	HeartbeatIntervalSeconds int  `json:"heartbeat_interval_seconds"`
	PollIntervalSeconds      int  `json:"poll_interval_seconds"`
}

// TaskAssignment is the challenge definition handed to a polling runner,
// with the frequency and device already resolved.
type TaskAssignment struct {
	TransmissionID string          `json:"transmission_id"`
	ChallengeID    string          `json:"challenge_id"`
	Name           string          `json:"name"`
	Modulation     Modulation      `json:"modulation"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	FrequencyHz    int64           `json:"frequency_hz"`
	DeviceID       string          `json:"device_id"`
	AssignedAt     time.Time       `json:"assigned_at"`
}

// CompletionReport is a runner's report that a transmission finished.
type CompletionReport struct {
	TransmissionID string `json:"transmission_id"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
}
