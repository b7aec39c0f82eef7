// Package config provides configuration constants for the control plane.
//
// This package centralizes hardcoded values so they are easy to find,
// modify, and test.
package config

import "time"

// Agent liveness thresholds derived from heartbeat age.
const (
	// AgentHeartbeatInterval is how often agents send heartbeats.
	AgentHeartbeatInterval = 30 * time.Second

	// AgentOfflineMultiplier - an agent is offline once its last heartbeat
	// is older than this many heartbeat intervals.
	AgentOfflineMultiplier = 3

	// AgentOfflineThreshold is the absolute offline cutoff.
	AgentOfflineThreshold = AgentOfflineMultiplier * AgentHeartbeatInterval

	// TaskPollInterval is how often runners poll for work.
	TaskPollInterval = 5 * time.Second
)

// Scheduling and coordination.
const (
	// RunnerPrepDelay is the lead time a runner gets between receiving a
	// task and keying up, so listeners can retune first.
	RunnerPrepDelay = 10 * time.Second

	// RecordingThresholdDefault is the minimum priority score at which a
	// transmission gets a listener assignment.
	RecordingThresholdDefault = 10

	// MaxPriorityScore caps the raw recording priority score before the
	// challenge priority weighting is applied.
	MaxPriorityScore = 1000

	// OfflineSweepInterval is how often the offline sweep worker runs.
	OfflineSweepInterval = 15 * time.Second

	// DelayReviveInterval is how often waiting challenges are checked for
	// expired delay windows outside the assignment path.
	DelayReviveInterval = 10 * time.Second

	// DefaultMinDelaySeconds is the inter-transmission delay floor applied
	// to challenges created without one.
	DefaultMinDelaySeconds = 60

	// DefaultMaxDelaySeconds is the matching delay ceiling.
	DefaultMaxDelaySeconds = 90

	// DefaultChallengePriority is the neutral point of the 0-100 priority
	// scale: a weight of 10 leaves the recording score unscaled.
	DefaultChallengePriority = 10
)

// Enrollment credential lifetimes and quotas.
const (
	// EnrollmentTokenTTL is how long an issued enrollment token stays valid.
	EnrollmentTokenTTL = 15 * time.Minute

	// EnrollmentTokenMaxTTL caps caller-requested token lifetimes.
	EnrollmentTokenMaxTTL = 24 * time.Hour

	// ProvisioningHourlyQuotaDefault is the per-key token issuance cap
	// when the key has no explicit quota.
	ProvisioningHourlyQuotaDefault = 30

	// AdminSessionTTL is the lifetime of an admin login session.
	AdminSessionTTL = 12 * time.Hour
)

// Pagination defaults for API list endpoints.
const (
	// DefaultPaginationLimit is the default number of items returned
	// when no limit is specified.
	DefaultPaginationLimit = 50

	// MaxPaginationLimit is the maximum number of items that can be
	// requested in a single API call.
	MaxPaginationLimit = 500
)

// Cache TTLs for API response caching.
const (
	// CacheTTLFleetOverview is the TTL for fleet overview data.
	CacheTTLFleetOverview = 15 * time.Second

	// CacheTTLRecordingList is the TTL for recording list data.
	CacheTTLRecordingList = 30 * time.Second

	// CacheTTLChallengeList is the TTL for challenge list data.
	CacheTTLChallengeList = 30 * time.Second
)

// Connection timeouts.
const (
	// DatabasePingTimeout is the timeout for database connectivity checks.
	DatabasePingTimeout = 5 * time.Second

	// RedisConnectionTimeout is the timeout for Redis connectivity checks.
	RedisConnectionTimeout = 5 * time.Second

	// DefaultHTTPTimeout is the default timeout for HTTP client requests.
	DefaultHTTPTimeout = 30 * time.Second

	// PushWriteTimeout bounds each websocket write to an agent.
	PushWriteTimeout = 10 * time.Second
)

// Upload limits.
const (
	// MaxRecordingUploadBytes caps spectrogram image uploads.
	MaxRecordingUploadBytes = 32 << 20
)
