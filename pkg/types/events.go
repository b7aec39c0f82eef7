package types

import (
	"encoding/json"
	"time"
)

// PushEventType enumerates the messages the control plane pushes to agents
// over the persistent channel.
type PushEventType string

const (
	// PushRecordingAssignment - a listener must begin a recording task.
	PushRecordingAssignment PushEventType = "recording_assignment"
	// PushTransmissionStarted - the transmission for an assignment is on air.
	PushTransmissionStarted PushEventType = "transmission_started"
	// PushTransmissionComplete - the transmission ended; wrap up the capture.
	PushTransmissionComplete PushEventType = "transmission_complete"
	// PushAssignmentCancelled - the assignment was abandoned server-side.
	PushAssignmentCancelled PushEventType = "assignment_cancelled"
)

// PushEvent is the envelope for agent channel messages. Payload shape
// depends on Type; assignment events carry a ListenerAssignment.
type PushEvent struct {
	Type    PushEventType   `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

// FleetEventType enumerates the operational events broadcast to admin
// event-stream subscribers.
type FleetEventType string

const (
	EventAgentEnrolled        FleetEventType = "agent_enrolled"
	EventAgentOnline          FleetEventType = "agent_online"
	EventAgentOffline         FleetEventType = "agent_offline"
	EventChallengeAssigned    FleetEventType = "challenge_assigned"
	EventTransmissionStarted  FleetEventType = "transmission_started"
	EventTransmissionComplete FleetEventType = "transmission_complete"
	EventRecordingAssigned    FleetEventType = "recording_assigned"
	EventRecordingStarted     FleetEventType = "recording_started"
	EventRecordingComplete    FleetEventType = "recording_complete"
	EventRecordingFailed      FleetEventType = "recording_failed"
	EventAssignmentCancelled  FleetEventType = "assignment_cancelled"
)

// FleetEvent is one entry on the admin event stream.
type FleetEvent struct {
	Type      FleetEventType `json:"type"`
	AgentID   string         `json:"agent_id,omitempty"`
	EntityID  string         `json:"entity_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
