// Package registry owns agent identity, liveness, and administrative state.
//
// It is the single source of truth the scheduler and coordinator query for
// agent eligibility. Every liveness or enablement transition is published to
// the fleet event stream; the registry never depends on who is listening.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldsignal/rf-range/control-plane/internal/config"
	"github.com/fieldsignal/rf-range/control-plane/internal/events"
	"github.com/fieldsignal/rf-range/pkg/types"
)

// Store is the persistence surface the registry needs.
type Store interface {
	GetAgent(ctx context.Context, id string) (*types.Agent, error)
	ListAgents(ctx context.Context, role types.AgentRole) ([]types.Agent, error)
	UpdateAgentHeartbeat(ctx context.Context, id, hostname string, devices []types.Device) error
	SetAgentEnabled(ctx context.Context, id string, enabled bool) error
	DeleteAgent(ctx context.Context, id string) error
	MarkStaleAgentsOffline(ctx context.Context, cutoff time.Time) ([]string, error)
	ReleaseChallengesForRunner(ctx context.Context, runnerID, reason string) ([]string, error)
	CancelAssignmentsForListener(ctx context.Context, listenerID string) ([]types.ListenerAssignment, error)
}

// ChannelHub is the push surface used to notify and evict listeners.
type ChannelHub interface {
	Send(ctx context.Context, agentID string, eventType types.PushEventType, payload any) error
	Kick(agentID, reason string)
}

// TransmissionCanceller cancels the listener side of an abandoned
// transmission. Implemented by the coordinator; installed during startup
// wiring to avoid a package cycle.
type TransmissionCanceller interface {
	CancelForTransmission(ctx context.Context, transmissionID, reason string)
}

type nopCanceller struct{}

func (nopCanceller) CancelForTransmission(context.Context, string, string) {}

// Service implements agent registry operations.
type Service struct {
	store     Store
	hub       ChannelHub
	events    *events.Broadcaster
	canceller TransmissionCanceller
	logger    *slog.Logger
}

// NewService creates a registry service.
func NewService(store Store, hub ChannelHub, broadcaster *events.Broadcaster, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		hub:       hub,
		events:    broadcaster,
		canceller: nopCanceller{},
		logger:    logger.With("component", "registry"),
	}
}

// SetTransmissionCanceller installs the coordinator hook used when a
// runner's work is abandoned.
func (s *Service) SetTransmissionCanceller(c TransmissionCanceller) {
	s.canceller = c
}

// GetAgent returns one agent.
func (s *Service) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	agent, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %s: %w", id, types.ErrNotFound)
	}
	return agent, nil
}

// ListAgents returns all agents, optionally filtered by role.
func (s *Service) ListAgents(ctx context.Context, role types.AgentRole) ([]types.Agent, error) {
	return s.store.ListAgents(ctx, role)
}

// ProcessHeartbeat records an agent heartbeat and emits an online event if
// the agent was offline.
func (s *Service) ProcessHeartbeat(ctx context.Context, agentID string, hb types.Heartbeat, hostname string, devices []types.Device) (*types.HeartbeatResponse, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, types.ErrNotFound)
	}

	if err := s.store.UpdateAgentHeartbeat(ctx, agentID, hostname, devices); err != nil {
		return nil, fmt.Errorf("updating heartbeat: %w", err)
	}

	if agent.Status == types.AgentOffline {
		s.logger.Info("agent back online", "agent_id", agentID, "name", agent.Name)
		s.events.Publish(types.FleetEvent{
			Type:    types.EventAgentOnline,
			AgentID: agentID,
			Message: agent.Name,
		})
	}

	return &types.HeartbeatResponse{
		Acknowledged:             true,
		HeartbeatIntervalSeconds: int(config.AgentHeartbeatInterval.Seconds()),
		PollIntervalSeconds:      int(config.TaskPollInterval.Seconds()),
	}, nil
}

// SetEnabled flips an agent's administrative enable flag. Disabling an
// agent abandons its in-flight work the same way going offline does.
func (s *Service) SetEnabled(ctx context.Context, agentID string, enabled bool) error {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent == nil {
		return fmt.Errorf("agent %s: %w", agentID, types.ErrNotFound)
	}

	if err := s.store.SetAgentEnabled(ctx, agentID, enabled); err != nil {
		return err
	}

	if !enabled {
		s.abandonWork(ctx, agent, "agent disabled")
	}

	s.logger.Info("agent enablement changed", "agent_id", agentID, "enabled", enabled)
	return nil
}

// Remove kicks an agent: in-flight work is abandoned, the push channel is
// closed, and the agent row is hard-removed. The agent must re-enroll to
// come back.
func (s *Service) Remove(ctx context.Context, agentID string) error {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent == nil {
		return fmt.Errorf("agent %s: %w", agentID, types.ErrNotFound)
	}

	s.abandonWork(ctx, agent, "agent removed")
	s.hub.Kick(agentID, "removed by operator")

	if err := s.store.DeleteAgent(ctx, agentID); err != nil {
		return err
	}

	s.logger.Info("agent removed", "agent_id", agentID, "name", agent.Name)
	return nil
}

// SweepOffline flips agents whose last heartbeat is older than the offline
// threshold and abandons their in-flight work. Idempotent: the underlying
// update only matches agents still marked online, so repeated sweeps report
// each agent exactly once.
func (s *Service) SweepOffline(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-config.AgentOfflineThreshold)
	ids, err := s.store.MarkStaleAgentsOffline(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("marking stale agents: %w", err)
	}

	for _, id := range ids {
		agent, err := s.store.GetAgent(ctx, id)
		if err != nil || agent == nil {
			s.logger.Warn("swept agent vanished", "agent_id", id, "error", err)
			continue
		}
		s.logger.Info("agent offline", "agent_id", id, "name", agent.Name,
			"last_heartbeat", agent.LastHeartbeat)
		s.events.Publish(types.FleetEvent{
			Type:    types.EventAgentOffline,
			AgentID: id,
			Message: agent.Name,
		})
		s.abandonWork(ctx, agent, "agent offline")
	}
	return len(ids), nil
}

// abandonWork releases whatever the agent was holding: a runner's assigned
// challenges return to queued and their pending transmissions fail; a
// listener's active assignments are cancelled and the bound listeners
// notified.
func (s *Service) abandonWork(ctx context.Context, agent *types.Agent, reason string) {
	switch agent.Role {
	case types.RoleRunner:
		txIDs, err := s.store.ReleaseChallengesForRunner(ctx, agent.ID, reason)
		if err != nil {
			s.logger.Error("releasing runner challenges", "agent_id", agent.ID, "error", err)
			return
		}
		for _, txID := range txIDs {
			s.canceller.CancelForTransmission(ctx, txID, "runner abandoned transmission")
		}
	case types.RoleListener:
		cancelled, err := s.store.CancelAssignmentsForListener(ctx, agent.ID)
		if err != nil {
			s.logger.Error("cancelling listener assignments", "agent_id", agent.ID, "error", err)
			return
		}
		for _, a := range cancelled {
			s.events.Publish(types.FleetEvent{
				Type:     types.EventAssignmentCancelled,
				AgentID:  agent.ID,
				EntityID: a.ID,
				Message:  reason,
			})
		}
	}
}
