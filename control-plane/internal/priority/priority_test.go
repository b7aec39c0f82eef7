package priority

import (
	"testing"
	"time"
)

func recordedAgo(now time.Time, ago time.Duration) *time.Time {
	t := now.Add(-ago)
	return &t
}

func TestNeverRecordedScoresMax(t *testing.T) {
	now := time.Now()
	for _, count := range []int{0, 1, 50, 100000} {
		score := Score(History{TransmissionsSinceRecording: count}, 1, now)
		if score != MaxScore {
			t.Errorf("never-recorded with %d transmissions: got %v, want %v", count, score, MaxScore)
		}
	}
}

func TestScoreFormula(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		count  int
		ago    time.Duration
		weight int
		want   float64
	}{
		// 2 transmissions, 10 minutes ago: 2 * (10/60) * (50/10) = 1.66...
		{"low_traffic_recent", 2, 10 * time.Minute, 50, 2 * (10.0 / 60) * 5},
		// 100 transmissions, 1 hour ago, neutral weight: 100 * 1 * 1
		{"hour_old_neutral", 100, time.Hour, 10, 100},
		// Time multiplier caps at 10 even after days.
		{"time_capped", 5, 72 * time.Hour, 10, 50},
		// Raw score caps at 1000 before weighting.
		{"raw_capped", 5000, time.Hour, 10, 1000},
		// Weight can push a capped raw score no further than 1000.
		{"weight_capped", 5000, time.Hour, 100, 1000},
		// Zero weight silences the challenge entirely.
		{"zero_weight", 500, time.Hour, 0, 0},
		// Just recorded: multiplier is ~0.
		{"just_recorded", 10, 0, 10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := History{
				TransmissionsSinceRecording: tt.count,
				LastRecordedAt:              recordedAgo(now, tt.ago),
			}
			got := Score(h, tt.weight, now)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreMonotonicInTransmissionCount(t *testing.T) {
	now := time.Now()
	last := recordedAgo(now, 2*time.Hour)

	prev := -1.0
	for count := 0; count <= 2000; count += 7 {
		h := History{TransmissionsSinceRecording: count, LastRecordedAt: last}
		score := Score(h, 30, now)
		if score < prev {
			t.Fatalf("score decreased at count=%d: %v < %v", count, score, prev)
		}
		if score < 0 || score > MaxScore {
			t.Fatalf("score out of range at count=%d: %v", count, score)
		}
		prev = score
	}
}

func TestBelowThresholdScenario(t *testing.T) {
	// Recorded 10 minutes ago with 2 transmissions since: the score stays
	// under the default recording threshold of 10, so no listener
	// assignment should be created.
	now := time.Now()
	h := History{TransmissionsSinceRecording: 2, LastRecordedAt: recordedAgo(now, 10*time.Minute)}
	if score := Score(h, 50, now); score >= 10 {
		t.Errorf("expected score below threshold, got %v", score)
	}
}

func TestFutureRecordingClampsToZeroElapsed(t *testing.T) {
	// Clock skew can make the last recording appear to be in the future.
	now := time.Now()
	future := now.Add(time.Hour)
	h := History{TransmissionsSinceRecording: 100, LastRecordedAt: &future}
	if score := Score(h, 10, now); score != 0 {
		t.Errorf("got %v, want 0", score)
	}
}
