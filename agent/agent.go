// Package agent provides the main agent implementation.
//
// # Agent Lifecycle
//
//  1. Load configuration and compute the machine fingerprint
//  2. Load persisted identity, or redeem the enrollment token
//  3. Start the heartbeat loop
//  4. Runners: poll for transmission tasks and execute them
//  5. Listeners: hold the push channel open and capture on assignment
//  6. Run until shutdown signal
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/fieldsignal/rf-range/agent/internal/channel"
	"github.com/fieldsignal/rf-range/agent/internal/client"
	"github.com/fieldsignal/rf-range/agent/internal/config"
	"github.com/fieldsignal/rf-range/agent/internal/executor"
	"github.com/fieldsignal/rf-range/agent/internal/fingerprint"
	"github.com/fieldsignal/rf-range/pkg/types"
)

// Version is set at build time.
var Version = "dev"

const (
	// transmitLead is how long after task assignment the runner keys up.
	// It matches the lead the control plane bakes into listener
	// assignments, so captures are already rolling when the carrier
	// appears.
	transmitLead = 10 * time.Second

	// captureLead starts the recording slightly before the expected
	// carrier, and captureTail keeps it rolling slightly past the
	// expected end.
	captureLead = 2 * time.Second
	captureTail = 3 * time.Second
)

// Agent is the main range agent. Depending on its role it either
// transmits challenges (runner) or records them (listener).
type Agent struct {
	cfg    *config.Config
	client *client.Client
	exec   *executor.Executor
	logger *slog.Logger

	devices  []types.Device
	hostname string

	// Intervals start from config and follow heartbeat responses.
	mu                sync.Mutex
	heartbeatInterval time.Duration
	pollInterval      time.Duration

	// Active listener captures, keyed by assignment ID.
	capturesMu sync.Mutex
	captures   map[string]context.CancelFunc
}

// New creates a new agent with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	fp, err := fingerprint.Compute()
	if err != nil {
		return nil, fmt.Errorf("computing fingerprint: %w", err)
	}

	hostname, _ := os.Hostname()

	devices := make([]types.Device, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		devices = append(devices, types.Device{
			ID:    d.ID,
			Model: d.Model,
			MinHz: d.MinHz,
			MaxHz: d.MaxHz,
		})
	}

	exec := executor.New(cfg.Commands.Transmit, cfg.Commands.Record, logger)
	if err := exec.CheckDependencies(); err != nil {
		return nil, fmt.Errorf("checking commands: %w", err)
	}

	cpClient := client.NewClient(client.Config{
		BaseURL:            cfg.ControlPlane.URL,
		Fingerprint:        fp,
		InsecureSkipVerify: cfg.ControlPlane.InsecureSkipVerify,
		RequestTimeout:     cfg.ControlPlane.RequestTimeout,
	})

	return &Agent{
		cfg:               cfg,
		client:            cpClient,
		exec:              exec,
		logger:            logger,
		devices:           devices,
		hostname:          hostname,
		heartbeatInterval: cfg.Health.HeartbeatInterval,
		pollInterval:      cfg.Health.PollInterval,
		captures:          make(map[string]context.CancelFunc),
	}, nil
}

// Run starts the agent and blocks until context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting agent",
		"role", a.cfg.Agent.Role,
		"version", Version,
		"devices", len(a.devices))

	if err := a.ensureIdentity(ctx); err != nil {
		return fmt.Errorf("establishing identity: %w", err)
	}

	errCh := make(chan error, 2)

	go func() {
		errCh <- a.runHeartbeat(ctx)
	}()

	switch a.cfg.Agent.Role {
	case string(types.RoleRunner):
		go func() {
			errCh <- a.runTaskLoop(ctx)
		}()
	case string(types.RoleListener):
		go func() {
			a.runChannel(ctx)
			errCh <- ctx.Err()
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// IDENTITY
// =============================================================================

// state is the identity persisted across restarts.
type state struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// ensureIdentity loads the persisted identity or enrolls with the
// one-time token.
func (a *Agent) ensureIdentity(ctx context.Context) error {
	if st, err := a.loadState(); err == nil {
		a.client.SetIdentity(st.AgentID, st.APIKey)
		a.logger.Info("loaded identity", "agent_id", st.AgentID)
		return nil
	}

	token := a.cfg.ControlPlane.EnrollmentToken
	apiKey := a.cfg.ControlPlane.APIKey
	if token == "" || apiKey == "" {
		return fmt.Errorf("no saved identity and no enrollment token configured")
	}

	resp, err := a.client.Enroll(ctx, client.EnrollRequest{
		Token:    token,
		Hostname: a.hostname,
		Devices:  a.devices,
	})
	if err != nil {
		return fmt.Errorf("enrollment failed: %w", err)
	}

	a.client.SetIdentity(resp.AgentID, apiKey)
	a.setIntervals(resp.HeartbeatIntervalSeconds, resp.PollIntervalSeconds)

	if err := a.saveState(state{AgentID: resp.AgentID, APIKey: apiKey}); err != nil {
		return fmt.Errorf("saving identity: %w", err)
	}

	a.logger.Info("enrolled with control plane",
		"agent_id", resp.AgentID,
		"name", resp.Name,
		"role", resp.Role)
	return nil
}

func (a *Agent) loadState() (state, error) {
	var st state
	data, err := os.ReadFile(a.cfg.Agent.StateFile)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, err
	}
	if st.AgentID == "" || st.APIKey == "" {
		return st, fmt.Errorf("incomplete state file")
	}
	return st, nil
}

func (a *Agent) saveState(st state) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(a.cfg.Agent.StateFile); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return os.WriteFile(a.cfg.Agent.StateFile, data, 0o600)
}

// =============================================================================
// HEARTBEAT
// =============================================================================

// runHeartbeat sends periodic health reports to the control plane.
func (a *Agent) runHeartbeat(ctx context.Context) error {
	if err := a.sendHeartbeat(ctx); err != nil {
		a.logger.Warn("heartbeat failed", "error", err)
	}

	ticker := time.NewTicker(a.interval(&a.heartbeatInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.sendHeartbeat(ctx); err != nil {
				a.logger.Warn("heartbeat failed", "error", err)
			}
			ticker.Reset(a.interval(&a.heartbeatInterval))
		}
	}
}

// sendHeartbeat sends a single health report.
func (a *Agent) sendHeartbeat(ctx context.Context) error {
	hb := types.Heartbeat{
		Version:        Version,
		GoroutineCount: runtime.NumGoroutine(),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			hb.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			hb.MemoryMB = float64(mem.RSS) / 1024 / 1024
		}
	}

	resp, err := a.client.Heartbeat(ctx, client.HeartbeatRequest{
		Heartbeat: hb,
		Hostname:  a.hostname,
		Devices:   a.devices,
	})
	if err != nil {
		return err
	}

	a.setIntervals(resp.HeartbeatIntervalSeconds, resp.PollIntervalSeconds)
	return nil
}

func (a *Agent) setIntervals(heartbeatSeconds, pollSeconds int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if heartbeatSeconds > 0 {
		a.heartbeatInterval = time.Duration(heartbeatSeconds) * time.Second
	}
	if pollSeconds > 0 {
		a.pollInterval = time.Duration(pollSeconds) * time.Second
	}
}

func (a *Agent) interval(d *time.Duration) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *d
}

// =============================================================================
// RUNNER
// =============================================================================

// runTaskLoop polls for transmission tasks and executes them one at a
// time. The server owns pacing: a 204 means nothing is due yet.
func (a *Agent) runTaskLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.interval(&a.pollInterval)):
		}

		task, err := a.client.RequestTask(ctx)
		if err != nil {
			a.logger.Warn("task poll failed", "error", err)
			continue
		}
		if task == nil {
			continue
		}

		a.executeTask(ctx, task)
	}
}

// executeTask transmits one challenge and reports the outcome.
func (a *Agent) executeTask(ctx context.Context, task *types.TaskAssignment) {
	a.logger.Info("task assigned",
		"transmission_id", task.TransmissionID,
		"challenge", task.Name,
		"frequency_hz", task.FrequencyHz,
		"modulation", task.Modulation)

	// Listeners were told to expect the carrier transmitLead after
	// assignment; hold until then so their captures are rolling.
	keyUp := task.AssignedAt.Add(transmitLead)
	if wait := time.Until(keyUp); wait > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	if err := a.client.ReportTransmitting(ctx, task.TransmissionID); err != nil {
		a.logger.Warn("transmitting report failed", "error", err)
	}

	err := a.exec.Transmit(ctx, executor.Params{
		FrequencyHz: task.FrequencyHz,
		DeviceID:    task.DeviceID,
		Modulation:  string(task.Modulation),
		Payload:     string(task.Payload),
	})

	report := types.CompletionReport{
		TransmissionID: task.TransmissionID,
		Success:        err == nil,
	}
	if err != nil {
		report.Error = err.Error()
		a.logger.Error("transmission failed", "transmission_id", task.TransmissionID, "error", err)
	} else {
		a.logger.Info("transmission complete", "transmission_id", task.TransmissionID)
	}

	if err := a.client.ReportComplete(ctx, report); err != nil {
		a.logger.Error("completion report failed",
			"transmission_id", task.TransmissionID, "error", err)
	}
}

// =============================================================================
// LISTENER
// =============================================================================

// runChannel holds the push channel open and dispatches its events.
func (a *Agent) runChannel(ctx context.Context) {
	ch := channel.New(channel.Config{
		BaseURL:            a.cfg.ControlPlane.URL,
		AgentID:            a.client.AgentID(),
		APIKey:             a.client.APIKey(),
		Fingerprint:        a.client.Fingerprint(),
		InsecureSkipVerify: a.cfg.ControlPlane.InsecureSkipVerify,
	}, func(event types.PushEvent) {
		a.handlePushEvent(ctx, event)
	}, a.resyncAssignments, a.logger)

	ch.Run(ctx)
}

// handlePushEvent dispatches one channel message.
func (a *Agent) handlePushEvent(ctx context.Context, event types.PushEvent) {
	switch event.Type {
	case types.PushRecordingAssignment:
		var assignment types.ListenerAssignment
		if err := json.Unmarshal(event.Payload, &assignment); err != nil {
			a.logger.Error("malformed assignment payload", "error", err)
			return
		}
		a.scheduleCapture(ctx, assignment)

	case types.PushAssignmentCancelled:
		var assignment types.ListenerAssignment
		if err := json.Unmarshal(event.Payload, &assignment); err != nil {
			a.logger.Error("malformed cancellation payload", "error", err)
			return
		}
		a.cancelCapture(assignment.ID)

	case types.PushTransmissionStarted, types.PushTransmissionComplete:
		// Informational; the capture window was fixed at assignment.

	default:
		a.logger.Debug("unhandled push event", "type", event.Type)
	}
}

// resyncAssignments recovers assignments pushed while the channel was
// down. Runs after every successful channel connect.
func (a *Agent) resyncAssignments(ctx context.Context) {
	assignments, err := a.client.ActiveAssignments(ctx)
	if err != nil {
		a.logger.Warn("assignment resync failed", "error", err)
		return
	}
	for _, assignment := range assignments {
		a.scheduleCapture(ctx, assignment)
	}
}

// scheduleCapture starts a goroutine that waits for the capture window
// and records. Duplicate assignments are ignored.
func (a *Agent) scheduleCapture(ctx context.Context, assignment types.ListenerAssignment) {
	a.capturesMu.Lock()
	if _, exists := a.captures[assignment.ID]; exists {
		a.capturesMu.Unlock()
		return
	}
	captureCtx, cancel := context.WithCancel(ctx)
	a.captures[assignment.ID] = cancel
	a.capturesMu.Unlock()

	a.logger.Info("recording assigned",
		"assignment_id", assignment.ID,
		"frequency_hz", assignment.FrequencyHz,
		"expected_start", assignment.ExpectedStart)

	go func() {
		defer a.cancelCapture(assignment.ID)
		a.runCapture(captureCtx, assignment)
	}()
}

// cancelCapture stops an in-flight capture, if any.
func (a *Agent) cancelCapture(assignmentID string) {
	a.capturesMu.Lock()
	cancel, ok := a.captures[assignmentID]
	delete(a.captures, assignmentID)
	a.capturesMu.Unlock()
	if ok {
		cancel()
	}
}

// runCapture records one assignment and uploads the spectrogram.
func (a *Agent) runCapture(ctx context.Context, assignment types.ListenerAssignment) {
	// Open the capture window just before the expected carrier and keep
	// it rolling slightly past the expected end.
	start := assignment.ExpectedStart.Add(-captureLead)
	if wait := time.Until(start); wait > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	if err := a.client.ReportRecordingStarted(ctx, assignment.ID); err != nil {
		a.logger.Warn("recording start report failed",
			"assignment_id", assignment.ID, "error", err)
	}

	duration := assignment.ExpectedDurationSeconds + (captureLead + captureTail).Seconds()
	output := filepath.Join(a.cfg.Agent.DataDir, assignment.ID+".png")
	if err := os.MkdirAll(a.cfg.Agent.DataDir, 0o755); err != nil {
		a.reportCaptureFailure(ctx, assignment.ID, fmt.Errorf("creating data dir: %w", err))
		return
	}

	err := a.exec.Record(ctx, executor.Params{
		FrequencyHz:     assignment.FrequencyHz,
		DeviceID:        a.deviceFor(assignment.FrequencyHz),
		DurationSeconds: duration,
		Output:          output,
	})
	if err != nil {
		if ctx.Err() != nil {
			a.logger.Info("capture cancelled", "assignment_id", assignment.ID)
			return
		}
		a.reportCaptureFailure(ctx, assignment.ID, err)
		return
	}

	report := client.RecordingReport{DurationSeconds: duration}
	if w, h, err := pngDimensions(output); err == nil {
		report.Width = w
		report.Height = h
	}

	recordingID, err := a.client.ReportRecordingComplete(ctx, assignment.ID, report)
	if err != nil {
		a.logger.Error("recording completion report failed",
			"assignment_id", assignment.ID, "error", err)
		return
	}

	if err := a.client.UploadRecordingImage(ctx, recordingID, output); err != nil {
		a.logger.Error("spectrogram upload failed",
			"recording_id", recordingID, "error", err)
		return
	}

	a.logger.Info("recording uploaded",
		"assignment_id", assignment.ID,
		"recording_id", recordingID)
}

// reportCaptureFailure tells the server a capture did not produce an
// image, so the challenge's recording history stays honest.
func (a *Agent) reportCaptureFailure(ctx context.Context, assignmentID string, captureErr error) {
	a.logger.Error("capture failed", "assignment_id", assignmentID, "error", captureErr)
	if _, err := a.client.ReportRecordingComplete(ctx, assignmentID, client.RecordingReport{
		Error: captureErr.Error(),
	}); err != nil {
		a.logger.Error("failure report failed", "assignment_id", assignmentID, "error", err)
	}
}

// deviceFor picks a configured device that can tune the frequency,
// falling back to the first device.
func (a *Agent) deviceFor(hz int64) string {
	for _, d := range a.devices {
		if d.Covers(hz) {
			return d.ID
		}
	}
	if len(a.devices) > 0 {
		return a.devices[0].ID
	}
	return ""
}

// pngDimensions reads image dimensions without decoding pixel data.
func pngDimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	cfg, err := png.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
