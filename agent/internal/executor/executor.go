// Package executor runs the operator-configured SDR commands.
//
// # Command Templates
//
// The agent never talks to SDR hardware directly. Operators configure
// shell command templates for transmitting and recording, and the
// executor expands placeholders and runs them:
//
//	{frequency_hz}      center frequency in Hz
//	{device_id}         the device selected for the task
//	{duration_seconds}  capture or transmit duration
//	{modulation}        modulation scheme (transmit only)
//	{payload}           challenge payload JSON (transmit only)
//	{output}            output file path (record only)
//
// Placeholders are substituted per argument after the template is split,
// so a payload containing spaces stays a single argument.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Params holds the values substituted into a command template.
type Params struct {
	FrequencyHz     int64
	DeviceID        string
	DurationSeconds float64
	Modulation      string
	Payload         string
	Output          string
}

// Executor expands and runs command templates.
type Executor struct {
	transmitTemplate string
	recordTemplate   string
	logger           *slog.Logger
}

// New creates an executor. Either template may be empty when the agent's
// role does not use it.
func New(transmitTemplate, recordTemplate string, logger *slog.Logger) *Executor {
	return &Executor{
		transmitTemplate: transmitTemplate,
		recordTemplate:   recordTemplate,
		logger:           logger.With("component", "executor"),
	}
}

// CheckDependencies verifies the template binaries exist on PATH.
func (e *Executor) CheckDependencies() error {
	for _, tmpl := range []string{e.transmitTemplate, e.recordTemplate} {
		if tmpl == "" {
			continue
		}
		args := strings.Fields(tmpl)
		if _, err := exec.LookPath(args[0]); err != nil {
			return fmt.Errorf("missing command: %s", args[0])
		}
	}
	return nil
}

// Transmit runs the transmit command for a challenge payload.
func (e *Executor) Transmit(ctx context.Context, params Params) error {
	return e.run(ctx, "transmit", e.transmitTemplate, params)
}

// Record runs the record command, capturing to params.Output.
func (e *Executor) Record(ctx context.Context, params Params) error {
	return e.run(ctx, "record", e.recordTemplate, params)
}

func (e *Executor) run(ctx context.Context, kind, template string, params Params) error {
	if template == "" {
		return fmt.Errorf("no %s command configured", kind)
	}

	args, err := Expand(template, params)
	if err != nil {
		return fmt.Errorf("expanding %s command: %w", kind, err)
	}

	start := time.Now()
	e.logger.Debug("running command", "kind", kind, "command", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s command cancelled: %w", kind, ctx.Err())
		}
		return fmt.Errorf("%s command failed: %w: %s", kind, err, truncate(string(output), 512))
	}

	e.logger.Debug("command finished", "kind", kind, "duration", time.Since(start))
	return nil
}

// Expand splits a template into arguments and substitutes placeholders.
func Expand(template string, params Params) ([]string, error) {
	fields := strings.Fields(template)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty command template")
	}

	replacer := strings.NewReplacer(
		"{frequency_hz}", strconv.FormatInt(params.FrequencyHz, 10),
		"{device_id}", params.DeviceID,
		"{duration_seconds}", strconv.FormatFloat(params.DurationSeconds, 'f', -1, 64),
		"{modulation}", params.Modulation,
		"{payload}", params.Payload,
		"{output}", params.Output,
	)

	args := make([]string, len(fields))
	for i, f := range fields {
		args[i] = replacer.Replace(f)
	}
	return args, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
