// Package push manages the persistent websocket channels to listener
// agents and delivers recording assignment events over them.
//
// Delivery is fire-and-forget: the protocol requires no acknowledgment
// because listeners re-derive timing from the wall-clock expected start and
// resync missed assignments over HTTP after a reconnect.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/fieldsignal/rf-range/control-plane/internal/config"
	"github.com/fieldsignal/rf-range/pkg/types"
)

// ErrNotConnected indicates the agent has no live push channel.
var ErrNotConnected = errors.New("agent not connected")

// Connection wraps one agent's websocket. Writes are serialized so
// concurrent pushes never interleave frames.
type Connection struct {
	AgentID string

	ws      *websocket.Conn
	writeMu sync.Mutex
}

// NewConnection wraps an accepted websocket for an agent.
func NewConnection(agentID string, ws *websocket.Conn) *Connection {
	return &Connection{AgentID: agentID, ws: ws}
}

func (c *Connection) send(ctx context.Context, event types.PushEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, config.PushWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.ws, event)
}

// Close tears down the websocket with a status code.
func (c *Connection) Close(code websocket.StatusCode, reason string) {
	c.ws.Close(code, reason)
}

// Hub tracks live push connections keyed by agent ID.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]*Connection),
		logger: logger.With("component", "push"),
	}
}

// Register adds an agent connection. A previous connection for the same
// agent is closed and replaced: the newest channel wins, which is what a
// reconnecting agent expects.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	old := h.conns[conn.AgentID]
	h.conns[conn.AgentID] = conn
	total := len(h.conns)
	h.mu.Unlock()

	if old != nil {
		old.Close(websocket.StatusPolicyViolation, "superseded by new connection")
	}
	h.logger.Info("agent channel connected", "agent_id", conn.AgentID, "total", total)
}

// Unregister removes an agent connection if it is still the current one.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	current, ok := h.conns[conn.AgentID]
	if ok && current == conn {
		delete(h.conns, conn.AgentID)
	}
	total := len(h.conns)
	h.mu.Unlock()

	if ok && current == conn {
		h.logger.Info("agent channel disconnected", "agent_id", conn.AgentID, "total", total)
	}
}

// IsConnected reports whether the agent has a live push channel.
func (h *Hub) IsConnected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[agentID]
	return ok
}

// ConnectedIDs returns the IDs of all agents with a live channel.
func (h *Hub) ConnectedIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

// Kick closes an agent's channel, if any.
func (h *Hub) Kick(agentID, reason string) {
	h.mu.Lock()
	conn, ok := h.conns[agentID]
	if ok {
		delete(h.conns, agentID)
	}
	h.mu.Unlock()

	if ok {
		conn.Close(websocket.StatusNormalClosure, reason)
		h.logger.Info("agent channel kicked", "agent_id", agentID, "reason", reason)
	}
}

// Send pushes an event to one agent. Returns ErrNotConnected when the
// agent has no live channel.
func (h *Hub) Send(ctx context.Context, agentID string, eventType types.PushEventType, payload any) error {
	h.mu.RLock()
	conn, ok := h.conns[agentID]
	h.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = data
	}

	event := types.PushEvent{Type: eventType, Payload: raw, SentAt: time.Now()}
	if err := conn.send(ctx, event); err != nil {
		h.logger.Warn("push failed", "agent_id", agentID, "type", eventType, "error", err)
		return err
	}
	return nil
}
