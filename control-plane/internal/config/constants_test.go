package config

import (
	"testing"
	"time"
)

func TestLivenessThresholds(t *testing.T) {
	if AgentOfflineThreshold != AgentOfflineMultiplier*AgentHeartbeatInterval {
		t.Errorf("AgentOfflineThreshold (%v) should be %d heartbeat intervals",
			AgentOfflineThreshold, AgentOfflineMultiplier)
	}

	// A single missed heartbeat must not mark an agent offline.
	if AgentOfflineThreshold <= 2*AgentHeartbeatInterval {
		t.Errorf("AgentOfflineThreshold (%v) too aggressive for heartbeat interval %v",
			AgentOfflineThreshold, AgentHeartbeatInterval)
	}

	// Sweep must run often enough to catch the threshold promptly.
	if OfflineSweepInterval > AgentHeartbeatInterval {
		t.Errorf("OfflineSweepInterval (%v) should not exceed heartbeat interval (%v)",
			OfflineSweepInterval, AgentHeartbeatInterval)
	}
}

func TestEnrollmentLifetimes(t *testing.T) {
	if EnrollmentTokenTTL > EnrollmentTokenMaxTTL {
		t.Errorf("EnrollmentTokenTTL (%v) exceeds EnrollmentTokenMaxTTL (%v)",
			EnrollmentTokenTTL, EnrollmentTokenMaxTTL)
	}
	if ProvisioningHourlyQuotaDefault <= 0 {
		t.Error("ProvisioningHourlyQuotaDefault should be positive")
	}
}

func TestPaginationLimits(t *testing.T) {
	if DefaultPaginationLimit > MaxPaginationLimit {
		t.Errorf("DefaultPaginationLimit (%d) should not exceed MaxPaginationLimit (%d)",
			DefaultPaginationLimit, MaxPaginationLimit)
	}

	if DefaultPaginationLimit <= 0 {
		t.Error("DefaultPaginationLimit should be positive")
	}

	if MaxPaginationLimit <= 0 {
		t.Error("MaxPaginationLimit should be positive")
	}
}

func TestCacheTTLs(t *testing.T) {
	ttls := []struct {
		name string
		ttl  time.Duration
	}{
		{"FleetOverview", CacheTTLFleetOverview},
		{"RecordingList", CacheTTLRecordingList},
		{"ChallengeList", CacheTTLChallengeList},
	}

	for _, tt := range ttls {
		t.Run(tt.name, func(t *testing.T) {
			if tt.ttl <= 0 {
				t.Errorf("Cache TTL for %s should be positive, got %v", tt.name, tt.ttl)
			}
			// Cache TTLs should generally be under 5 minutes to ensure freshness
			if tt.ttl > 5*time.Minute {
				t.Errorf("Cache TTL for %s (%v) seems too long", tt.name, tt.ttl)
			}
		})
	}
}
