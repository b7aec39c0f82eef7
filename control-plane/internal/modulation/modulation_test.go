package modulation

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/fieldsignal/rf-range/pkg/types"
)

func TestMorseUnits(t *testing.T) {
	tests := []struct {
		message string
		want    int
	}{
		// e = 1 dot
		{"e", 1},
		// t = 1 dash
		{"t", 3},
		// a = dot gap dash = 1 + 1 + 3
		{"a", 5},
		// et = e, char gap, t = 1 + 3 + 3
		{"et", 7},
		// "e e" = dot, word gap, dot
		{"e e", 9},
		// PARIS = 50 units, the calibration word for WPM timing.
		{"paris", 50 - wordGapUnits},
		{"PARIS", 50 - wordGapUnits},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			if got := morseUnits(tt.message); got != tt.want {
				t.Errorf("morseUnits(%q) = %d, want %d", tt.message, got, tt.want)
			}
		})
	}
}

func TestMorseParisCalibration(t *testing.T) {
	// At 20 WPM, "PARIS " including its trailing word gap keys in exactly
	// 3 seconds. Without the trailing gap: 43 units * (1.2/20).
	payload, _ := json.Marshal(MorsePayload{Message: "paris", WPM: 20})
	got, err := EstimateDuration(types.ModulationMorse, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := 43 * (1.2 / 20.0)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMorseUnknownCharactersSkipped(t *testing.T) {
	a := morseUnits("sos")
	b := morseUnits("s#o$s")
	if a != b {
		t.Errorf("unknown characters should not add units: %d != %d", a, b)
	}
}

func TestEstimateFile(t *testing.T) {
	payload, _ := json.Marshal(FilePayload{Path: "/var/lib/signals/beacon.iq", DurationSeconds: 12.5})
	got, err := EstimateDuration(types.ModulationFile, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 12.5 {
		t.Errorf("got %v, want 12.5", got)
	}
}

func TestEstimateHopping(t *testing.T) {
	payload, _ := json.Marshal(HoppingPayload{Hops: 10, DwellSeconds: 0.5, SettleMs: 20})
	got, err := EstimateDuration(types.ModulationHopping, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 10 dwells plus 9 settles.
	want := 10*0.5 + 9*0.02
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEstimateUnknownModulation(t *testing.T) {
	if _, err := EstimateDuration("psk31", []byte(`{}`)); err == nil {
		t.Error("expected error for unknown modulation")
	}
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		mod     types.Modulation
		payload string
		wantErr bool
	}{
		{"valid_morse", types.ModulationMorse, `{"message":"cq cq","wpm":15}`, false},
		{"morse_no_message", types.ModulationMorse, `{"wpm":15}`, true},
		{"morse_zero_wpm", types.ModulationMorse, `{"message":"cq"}`, true},
		{"morse_excessive_wpm", types.ModulationMorse, `{"message":"cq","wpm":90}`, true},
		{"valid_file", types.ModulationFile, `{"path":"/s/a.iq","duration_seconds":3}`, false},
		{"file_no_duration", types.ModulationFile, `{"path":"/s/a.iq"}`, true},
		{"valid_hopping", types.ModulationHopping, `{"hops":8,"dwell_seconds":0.25}`, false},
		{"hopping_no_hops", types.ModulationHopping, `{"dwell_seconds":0.25}`, true},
		{"empty_payload", types.ModulationMorse, ``, true},
		{"malformed", types.ModulationMorse, `{`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.mod, []byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePayload() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
