// Package coordinator reacts to challenge assignments by arranging a
// listener recording: it gates on the recording priority score, selects a
// connected listener whose devices cover the resolved frequency, and pushes
// a time-boxed recording assignment over the listener's channel.
//
// It also relays transmission start/complete signals to the bound listener
// so recording windows track actual rather than expected timing, and owns
// the listener side of the assignment state machine.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fieldsignal/rf-range/control-plane/internal/config"
	"github.com/fieldsignal/rf-range/control-plane/internal/events"
	"github.com/fieldsignal/rf-range/control-plane/internal/modulation"
	"github.com/fieldsignal/rf-range/control-plane/internal/priority"
	"github.com/fieldsignal/rf-range/control-plane/internal/scheduler"
	"github.com/fieldsignal/rf-range/control-plane/internal/store"
	"github.com/fieldsignal/rf-range/pkg/types"
)

// Store is the persistence surface the coordinator needs.
type Store interface {
	GetRecordingStats(ctx context.Context, challengeID string) (*store.RecordingStats, error)
	ListOnlineListeners(ctx context.Context) ([]types.Agent, error)
	CreateAssignment(ctx context.Context, a *types.ListenerAssignment) error
	GetAssignmentByTransmission(ctx context.Context, transmissionID string) (*types.ListenerAssignment, error)
	ListActiveAssignments(ctx context.Context, listenerID string) ([]types.ListenerAssignment, error)
	TransitionAssignment(ctx context.Context, id, listenerID string, from, to types.AssignmentStatus) (*types.ListenerAssignment, error)
	CancelAssignmentForTransmission(ctx context.Context, transmissionID string) (*types.ListenerAssignment, error)
	CreateRecording(ctx context.Context, r *types.Recording) error
}

// ChannelHub is the push surface for listener notification.
type ChannelHub interface {
	IsConnected(agentID string) bool
	Send(ctx context.Context, agentID string, eventType types.PushEventType, payload any) error
}

// Config tunes coordinator behavior.
type Config struct {
	// RecordingThreshold is the minimum priority score at which a
	// transmission gets recorded.
	RecordingThreshold float64
	// RunnerPrepDelay is the lead time between assignment and expected
	// key-up.
	RunnerPrepDelay time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RecordingThreshold: config.RecordingThresholdDefault,
		RunnerPrepDelay:    config.RunnerPrepDelay,
	}
}

// Coordinator composes the scheduler with listener recording coordination.
type Coordinator struct {
	store     Store
	scheduler *scheduler.Service
	hub       ChannelHub
	events    *events.Broadcaster
	cfg       Config
	logger    *slog.Logger

	now func() time.Time
}

// New creates a coordinator.
func New(st Store, sched *scheduler.Service, hub ChannelHub, broadcaster *events.Broadcaster, cfg Config, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:     st,
		scheduler: sched,
		hub:       hub,
		events:    broadcaster,
		cfg:       cfg,
		logger:    logger.With("component", "coordinator"),
		now:       time.Now,
	}
}

// RequestTask hands a runner its next challenge and, in the same breath,
// arranges a listener recording when the priority score clears the
// threshold. Returns nil when no eligible challenge exists.
func (c *Coordinator) RequestTask(ctx context.Context, runner *types.Agent) (*types.TaskAssignment, error) {
	challenge, tm, err := c.scheduler.RequestTask(ctx, runner)
	if err != nil {
		return nil, err
	}
	if challenge == nil {
		return nil, nil
	}

	c.arrangeRecording(ctx, challenge, tm)

	return &types.TaskAssignment{
		TransmissionID: tm.ID,
		ChallengeID:    challenge.ID,
		Name:           challenge.Name,
		Modulation:     challenge.Modulation,
		Payload:        challenge.Payload,
		FrequencyHz:    tm.FrequencyHz,
		DeviceID:       tm.DeviceID,
		AssignedAt:     c.now(),
	}, nil
}

// arrangeRecording gates on priority, selects a listener, and pushes the
// assignment. Failure to record is never an error for the runner path:
// recording is best-effort and simply skipped for this transmission.
func (c *Coordinator) arrangeRecording(ctx context.Context, challenge *types.Challenge, tm *types.Transmission) {
	stats, err := c.store.GetRecordingStats(ctx, challenge.ID)
	if err != nil {
		c.logger.Error("loading recording stats", "challenge_id", challenge.ID, "error", err)
		return
	}

	score := priority.Score(priority.History{
		TransmissionsSinceRecording: stats.TransmissionsSinceRecording,
		LastRecordedAt:              stats.LastRecordedAt,
	}, challenge.Priority, c.now())
	if score < c.cfg.RecordingThreshold {
		return
	}

	listener := c.selectListener(ctx, tm.FrequencyHz)
	if listener == nil {
		c.logger.Debug("no eligible listener", "challenge_id", challenge.ID, "frequency_hz", tm.FrequencyHz)
		return
	}

	duration, err := modulation.EstimateDuration(challenge.Modulation, challenge.Payload)
	if err != nil {
		c.logger.Error("estimating duration", "challenge_id", challenge.ID, "error", err)
		return
	}

	now := c.now()
	assignment := &types.ListenerAssignment{
		ID:                      uuid.New().String(),
		TransmissionID:          tm.ID,
		ChallengeID:             challenge.ID,
		ListenerID:              listener.ID,
		FrequencyHz:             tm.FrequencyHz,
		ExpectedStart:           now.Add(c.cfg.RunnerPrepDelay),
		ExpectedDurationSeconds: duration,
		Status:                  types.AssignmentAssigned,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := c.store.CreateAssignment(ctx, assignment); err != nil {
		c.logger.Error("creating assignment", "transmission_id", tm.ID, "error", err)
		return
	}

	// Fire-and-forget: the listener independently re-derives timing from
	// the wall-clock expected start, so a dropped push only costs one
	// recording.
	if err := c.hub.Send(ctx, listener.ID, types.PushRecordingAssignment, assignment); err != nil {
		c.logger.Warn("pushing assignment", "listener_id", listener.ID, "error", err)
	}

	c.logger.Info("recording assigned",
		"assignment_id", assignment.ID, "listener_id", listener.ID,
		"challenge_id", challenge.ID, "score", score,
		"expected_start", assignment.ExpectedStart, "duration_s", duration)
	c.events.Publish(types.FleetEvent{
		Type:     types.EventRecordingAssigned,
		AgentID:  listener.ID,
		EntityID: assignment.ID,
		Message:  challenge.Name,
	})
}

// selectListener picks the least recently assigned online, enabled,
// channel-connected listener whose devices cover the frequency.
func (c *Coordinator) selectListener(ctx context.Context, freqHz int64) *types.Agent {
	listeners, err := c.store.ListOnlineListeners(ctx)
	if err != nil {
		c.logger.Error("listing listeners", "error", err)
		return nil
	}
	for i := range listeners {
		l := &listeners[i]
		if !c.hub.IsConnected(l.ID) {
			continue
		}
		if !l.Covers(freqHz) {
			continue
		}
		return l
	}
	return nil
}

// ReportStarted records a runner's on-air signal and relays it to the
// bound listener so it can tighten its pre-roll window.
func (c *Coordinator) ReportStarted(ctx context.Context, runnerID, transmissionID string) error {
	tm, err := c.scheduler.ReportStarted(ctx, runnerID, transmissionID)
	if err != nil {
		return err
	}
	c.relay(ctx, tm.ID, types.PushTransmissionStarted)
	return nil
}

// ReportComplete finalizes a runner's transmission. A failure reported
// before the transmission went on air cancels the listener assignment; a
// completed transmission is relayed so the listener wraps up its capture.
func (c *Coordinator) ReportComplete(ctx context.Context, runnerID string, report types.CompletionReport) error {
	tm, err := c.scheduler.ReportComplete(ctx, runnerID, report)
	if err != nil {
		return err
	}

	if !report.Success && tm.StartedAt == nil {
		c.CancelForTransmission(ctx, tm.ID, "runner failed before transmitting")
		return nil
	}
	c.relay(ctx, tm.ID, types.PushTransmissionComplete)
	return nil
}

// relay pushes a secondary timing event to the listener holding a live
// assignment for the transmission, if any.
func (c *Coordinator) relay(ctx context.Context, transmissionID string, eventType types.PushEventType) {
	assignment, err := c.store.GetAssignmentByTransmission(ctx, transmissionID)
	if err != nil {
		c.logger.Error("loading assignment for relay", "transmission_id", transmissionID, "error", err)
		return
	}
	if assignment == nil || assignment.Status.Terminal() {
		return
	}
	if err := c.hub.Send(ctx, assignment.ListenerID, eventType, assignment); err != nil {
		c.logger.Debug("relay push failed", "listener_id", assignment.ListenerID, "error", err)
	}
}

// CancelForTransmission cancels the live assignment bound to a
// transmission and notifies its listener. Safe to call when no assignment
// exists. Implements the registry's TransmissionCanceller.
func (c *Coordinator) CancelForTransmission(ctx context.Context, transmissionID, reason string) {
	assignment, err := c.store.CancelAssignmentForTransmission(ctx, transmissionID)
	if err != nil {
		c.logger.Error("cancelling assignment", "transmission_id", transmissionID, "error", err)
		return
	}
	if assignment == nil {
		return
	}

	if err := c.hub.Send(ctx, assignment.ListenerID, types.PushAssignmentCancelled, assignment); err != nil {
		c.logger.Debug("cancellation push failed", "listener_id", assignment.ListenerID, "error", err)
	}
	c.logger.Info("assignment cancelled",
		"assignment_id", assignment.ID, "listener_id", assignment.ListenerID, "reason", reason)
	c.events.Publish(types.FleetEvent{
		Type:     types.EventAssignmentCancelled,
		AgentID:  assignment.ListenerID,
		EntityID: assignment.ID,
		Message:  reason,
	})
}

// ActiveAssignments returns a listener's live assignments for resync after
// a channel reconnect.
func (c *Coordinator) ActiveAssignments(ctx context.Context, listenerID string) ([]types.ListenerAssignment, error) {
	return c.store.ListActiveAssignments(ctx, listenerID)
}

// RecordingStarted transitions an assignment to recording. Ownership is
// enforced inside the transition so a listener can never move another
// listener's assignment.
func (c *Coordinator) RecordingStarted(ctx context.Context, listenerID, assignmentID string) (*types.ListenerAssignment, error) {
	assignment, err := c.store.TransitionAssignment(ctx, assignmentID, listenerID, types.AssignmentAssigned, types.AssignmentRecording)
	if err != nil {
		return nil, err
	}
	c.events.Publish(types.FleetEvent{
		Type:     types.EventRecordingStarted,
		AgentID:  listenerID,
		EntityID: assignment.ID,
	})
	return assignment, nil
}

// RecordingResult carries a listener's completion report.
type RecordingResult struct {
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	SampleRate      int     `json:"sample_rate,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// RecordingComplete finalizes a recording: the assignment moves to its
// terminal state and the immutable recording row is created. The recording
// ID is returned so the listener can upload the spectrogram image.
func (c *Coordinator) RecordingComplete(ctx context.Context, listenerID, assignmentID string, result RecordingResult) (*types.Recording, error) {
	target := types.AssignmentCompleted
	from := types.AssignmentRecording
	if result.Error != "" {
		target = types.AssignmentFailed
	}

	assignment, err := c.store.TransitionAssignment(ctx, assignmentID, listenerID, from, target)
	if err != nil {
		return nil, err
	}

	recording := &types.Recording{
		ID:              uuid.New().String(),
		AssignmentID:    assignment.ID,
		TransmissionID:  assignment.TransmissionID,
		ChallengeID:     assignment.ChallengeID,
		ListenerID:      listenerID,
		Width:           result.Width,
		Height:          result.Height,
		SampleRate:      result.SampleRate,
		DurationSeconds: result.DurationSeconds,
		Error:           result.Error,
		CreatedAt:       c.now(),
	}
	if err := c.store.CreateRecording(ctx, recording); err != nil {
		return nil, fmt.Errorf("creating recording: %w", err)
	}

	eventType := types.EventRecordingComplete
	if result.Error != "" {
		eventType = types.EventRecordingFailed
	}
	c.logger.Info("recording finished",
		"recording_id", recording.ID, "assignment_id", assignment.ID,
		"listener_id", listenerID, "error", result.Error)
	c.events.Publish(types.FleetEvent{
		Type:     eventType,
		AgentID:  listenerID,
		EntityID: recording.ID,
	})
	return recording, nil
}
