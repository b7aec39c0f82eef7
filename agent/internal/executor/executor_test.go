package executor

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExpand(t *testing.T) {
	params := Params{
		FrequencyHz:     146520000,
		DeviceID:        "hackrf-0",
		DurationSeconds: 12.5,
		Payload:         `{"message": "cq de w1aw"}`,
		Output:          "/tmp/rec.png",
	}

	args, err := Expand("tx --freq {frequency_hz} --device {device_id} --data {payload}", params)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	want := []string{"tx", "--freq", "146520000", "--device", "hackrf-0", "--data", `{"message": "cq de w1aw"}`}
	if len(args) != len(want) {
		t.Fatalf("got %d args, want %d: %v", len(args), len(want), args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("arg %d: got %q, want %q", i, args[i], want[i])
		}
	}
}

func TestExpandPayloadStaysOneArgument(t *testing.T) {
	args, err := Expand("tx {payload}", Params{Payload: "a b c"})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(args) != 2 {
		t.Fatalf("payload with spaces split into %d args: %v", len(args), args)
	}
	if args[1] != "a b c" {
		t.Errorf("payload arg: got %q", args[1])
	}
}

func TestExpandRecordPlaceholders(t *testing.T) {
	args, err := Expand("rf-capture --freq {frequency_hz} --seconds {duration_seconds} --out {output}", Params{
		FrequencyHz:     433920000,
		DurationSeconds: 30,
		Output:          "/data/rec-1.png",
	})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if args[2] != "433920000" || args[4] != "30" || args[6] != "/data/rec-1.png" {
		t.Errorf("unexpected expansion: %v", args)
	}
}

func TestExpandEmptyTemplate(t *testing.T) {
	if _, err := Expand("  ", Params{}); err == nil {
		t.Error("expected error for empty template")
	}
}

func TestTransmitNotConfigured(t *testing.T) {
	e := New("", "rf-capture {output}", testLogger())
	if err := e.Transmit(context.Background(), Params{}); err == nil {
		t.Error("expected error when no transmit command configured")
	}
}

func TestRunSuccess(t *testing.T) {
	e := New("true", "", testLogger())
	if err := e.Transmit(context.Background(), Params{}); err != nil {
		t.Errorf("Transmit: %v", err)
	}
}

func TestRunFailure(t *testing.T) {
	e := New("false", "", testLogger())
	if err := e.Transmit(context.Background(), Params{}); err == nil {
		t.Error("expected error from failing command")
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New("sleep 60", "", testLogger())
	if err := e.Transmit(ctx, Params{}); err == nil {
		t.Error("expected error from cancelled context")
	}
}

func TestCheckDependencies(t *testing.T) {
	e := New("true", "false", testLogger())
	if err := e.CheckDependencies(); err != nil {
		t.Errorf("CheckDependencies: %v", err)
	}

	e = New("definitely-not-a-real-binary-xyz", "", testLogger())
	if err := e.CheckDependencies(); err == nil {
		t.Error("expected error for missing binary")
	}
}
