// Package priority scores how urgently a challenge needs a fresh recording.
//
// The score is a pure function of transmission and recording history, so the
// coordinator can evaluate it inline on every assignment without touching
// shared state. Transmission count since the last recording is the primary
// driver; elapsed time is a secondary pressure so stale recordings refresh
// even for low-traffic challenges.
package priority

import "time"

// MaxScore is the ceiling of the priority scale. A never-recorded challenge
// always scores MaxScore regardless of other inputs.
const MaxScore = 1000

// timeMultiplierCap bounds how much elapsed time can amplify the
// transmission count.
const timeMultiplierCap = 10

// History summarizes the recording history of one challenge.
type History struct {
	// TransmissionsSinceRecording counts successful transmissions since the
	// last good recording.
	TransmissionsSinceRecording int
	// LastRecordedAt is nil when the challenge has never been recorded.
	LastRecordedAt *time.Time
}

// Score computes the recording priority for a challenge at the given
// instant. weight is the challenge's configured priority (0 to 100); a
// weight of 10 is neutral.
//
// Returns a value in [0, MaxScore]. Monotonically non-decreasing in the
// transmission count when the other inputs are held fixed.
func Score(h History, weight int, now time.Time) float64 {
	if h.LastRecordedAt == nil {
		return MaxScore
	}

	minutes := now.Sub(*h.LastRecordedAt).Minutes()
	if minutes < 0 {
		minutes = 0
	}

	multiplier := minutes / 60
	if multiplier > timeMultiplierCap {
		multiplier = timeMultiplierCap
	}

	raw := float64(h.TransmissionsSinceRecording) * multiplier
	if raw > MaxScore {
		raw = MaxScore
	}

	score := raw * float64(weight) / 10
	if score > MaxScore {
		score = MaxScore
	}
	if score < 0 {
		score = 0
	}
	return score
}
