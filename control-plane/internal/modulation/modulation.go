// Package modulation defines the payload shapes for each challenge
// modulation and estimates how long a transmission will stay on air.
//
// Each modulation tag selects one payload variant with its own duration
// estimator, dispatched via a lookup table. The coordinator uses the
// estimate to size listener recording windows; it does not need to be
// exact because listeners tighten their window from the start/complete
// relay events.
package modulation

import (
	"encoding/json"
	"fmt"

	"github.com/fieldsignal/rf-range/pkg/types"
)

// MorsePayload configures a keyed CW transmission.
type MorsePayload struct {
	Message string `json:"message"`
	// WPM is the keying speed in words per minute (PARIS convention).
	WPM int `json:"wpm"`
	// ToneHz is the audio tone offset from the carrier.
	ToneHz int `json:"tone_hz,omitempty"`
}

// Validate checks the payload fields.
func (p *MorsePayload) Validate() error {
	if p.Message == "" {
		return fmt.Errorf("morse message is required")
	}
	if p.WPM <= 0 || p.WPM > 60 {
		return fmt.Errorf("morse wpm %d out of range (1, 60]", p.WPM)
	}
	return nil
}

// FilePayload configures playback of a pre-rendered IQ or audio file
// stored on the runner.
type FilePayload struct {
	Path string `json:"path"`
	// DurationSeconds is declared by the operator who rendered the file.
	DurationSeconds float64 `json:"duration_seconds"`
	SampleRate      int     `json:"sample_rate,omitempty"`
}

// Validate checks the payload fields.
func (p *FilePayload) Validate() error {
	if p.Path == "" {
		return fmt.Errorf("file path is required")
	}
	if p.DurationSeconds <= 0 {
		return fmt.Errorf("file duration must be positive")
	}
	return nil
}

// HoppingPayload configures a frequency-hopping burst sequence. Hop
// offsets are relative to the challenge's resolved center frequency.
type HoppingPayload struct {
	Hops         int     `json:"hops"`
	DwellSeconds float64 `json:"dwell_seconds"`
	// SettleMs is the retune settling time between hops.
	SettleMs    int     `json:"settle_ms,omitempty"`
	SpreadHz    int64   `json:"spread_hz,omitempty"`
	OffsetsHz   []int64 `json:"offsets_hz,omitempty"`
}

// Validate checks the payload fields.
func (p *HoppingPayload) Validate() error {
	if p.Hops <= 0 {
		return fmt.Errorf("hop count must be positive")
	}
	if p.DwellSeconds <= 0 {
		return fmt.Errorf("dwell time must be positive")
	}
	if p.SettleMs < 0 {
		return fmt.Errorf("settle time must be non-negative")
	}
	return nil
}

// estimator computes the expected on-air duration in seconds for one
// decoded payload.
type estimator func(payload json.RawMessage) (float64, error)

// estimators dispatches duration estimation by modulation tag.
var estimators = map[types.Modulation]estimator{
	types.ModulationMorse:   estimateMorse,
	types.ModulationFile:    estimateFile,
	types.ModulationHopping: estimateHopping,
}

// EstimateDuration returns the expected on-air duration in seconds for a
// challenge payload.
func EstimateDuration(m types.Modulation, payload json.RawMessage) (float64, error) {
	est, ok := estimators[m]
	if !ok {
		return 0, fmt.Errorf("unknown modulation: %s", m)
	}
	return est(payload)
}

// ValidatePayload decodes and validates a payload against its modulation
// tag. Used by the admin API before a challenge is persisted.
func ValidatePayload(m types.Modulation, payload json.RawMessage) error {
	switch m {
	case types.ModulationMorse:
		var p MorsePayload
		if err := decodeStrict(payload, &p); err != nil {
			return err
		}
		return p.Validate()
	case types.ModulationFile:
		var p FilePayload
		if err := decodeStrict(payload, &p); err != nil {
			return err
		}
		return p.Validate()
	case types.ModulationHopping:
		var p HoppingPayload
		if err := decodeStrict(payload, &p); err != nil {
			return err
		}
		return p.Validate()
	default:
		return fmt.Errorf("unknown modulation: %s", m)
	}
}

func decodeStrict(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}

func estimateFile(payload json.RawMessage) (float64, error) {
	var p FilePayload
	if err := decodeStrict(payload, &p); err != nil {
		return 0, err
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return p.DurationSeconds, nil
}

func estimateHopping(payload json.RawMessage) (float64, error) {
	var p HoppingPayload
	if err := decodeStrict(payload, &p); err != nil {
		return 0, err
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return float64(p.Hops)*p.DwellSeconds + float64(p.Hops-1)*float64(p.SettleMs)/1000, nil
}
