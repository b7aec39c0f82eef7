package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fieldsignal/rf-range/control-plane/internal/auth"
	"github.com/fieldsignal/rf-range/control-plane/internal/cache"
	"github.com/fieldsignal/rf-range/control-plane/internal/config"
	"github.com/fieldsignal/rf-range/control-plane/internal/enrollment"
	"github.com/fieldsignal/rf-range/control-plane/internal/modulation"
	"github.com/fieldsignal/rf-range/pkg/types"
)

// =============================================================================
// SESSIONS
// =============================================================================

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Credential string `json:"credential"`
	}
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, expiresAt, err := s.sessions.Login(req.Credential)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid credential")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	s.writeJSON(w, http.StatusOK, map[string]any{
		"expires_at": expiresAt,
	})
}

func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.SessionCookie); err == nil {
		s.sessions.Logout(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// CHALLENGES
// =============================================================================

func (s *Server) handleListChallenges(w http.ResponseWriter, r *http.Request) {
	cacheKey := cache.KeyChallenges + ":all"
	if s.cache != nil {
		var cached []types.Challenge
		if hit, err := s.cache.GetJSON(r.Context(), cacheKey, &cached); err == nil && hit {
			s.writeJSON(w, http.StatusOK, map[string]any{"challenges": cached})
			return
		}
	}

	challenges, err := s.store.ListChallenges(r.Context())
	if err != nil {
		s.logger.Error("listing challenges", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list challenges")
		return
	}

	if s.cache != nil {
		s.cache.SetJSON(r.Context(), cacheKey, challenges, config.CacheTTLChallengeList)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"challenges": challenges})
}

func (s *Server) handleCreateChallenge(w http.ResponseWriter, r *http.Request) {
	var challenge types.Challenge
	if err := s.readJSON(r, &challenge); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	challenge.ID = uuid.New().String()
	challenge.Status = types.ChallengeQueued
	challenge.CreatedAt = time.Now()
	challenge.UpdatedAt = challenge.CreatedAt
	applyChallengeDefaults(&challenge)
	if err := s.validateChallenge(&challenge); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.CreateChallenge(r.Context(), &challenge); err != nil {
		s.writeServiceError(w, err, "failed to create challenge")
		return
	}

	if s.cache != nil {
		s.cache.InvalidateChallenges(r.Context())
	}
	s.logger.Info("challenge created", "challenge_id", challenge.ID, "name", challenge.Name)
	s.writeJSON(w, http.StatusCreated, challenge)
}

func (s *Server) handleGetChallenge(w http.ResponseWriter, r *http.Request) {
	challenge, err := s.store.GetChallenge(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("loading challenge", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if challenge == nil {
		s.writeError(w, http.StatusNotFound, "challenge not found")
		return
	}
	s.writeJSON(w, http.StatusOK, challenge)
}

func (s *Server) handleUpdateChallenge(w http.ResponseWriter, r *http.Request) {
	var challenge types.Challenge
	if err := s.readJSON(r, &challenge); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	challenge.ID = r.PathValue("id")
	applyChallengeDefaults(&challenge)
	if err := s.validateChallenge(&challenge); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.UpdateChallenge(r.Context(), &challenge); err != nil {
		s.writeServiceError(w, err, "failed to update challenge")
		return
	}

	if s.cache != nil {
		s.cache.InvalidateChallenges(r.Context())
	}
	s.writeJSON(w, http.StatusOK, challenge)
}

func (s *Server) handleDeleteChallenge(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteChallenge(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, err, "failed to delete challenge")
		return
	}

	if s.cache != nil {
		s.cache.InvalidateChallenges(r.Context())
	}
	w.WriteHeader(http.StatusNoContent)
}

// validateChallenge checks both the structural fields and that the payload
// parses for the declared modulation.
func (s *Server) validateChallenge(c *types.Challenge) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := modulation.ValidatePayload(c.Modulation, c.Payload); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	return nil
}

func applyChallengeDefaults(c *types.Challenge) {
	if c.MinDelaySeconds == 0 {
		c.MinDelaySeconds = config.DefaultMinDelaySeconds
	}
	if c.MaxDelaySeconds == 0 {
		c.MaxDelaySeconds = config.DefaultMaxDelaySeconds
	}
	if c.Priority == 0 {
		c.Priority = config.DefaultChallengePriority
	}
}

// =============================================================================
// FREQUENCY RANGES
// =============================================================================

func (s *Server) handleListRanges(w http.ResponseWriter, r *http.Request) {
	ranges, err := s.store.ListFrequencyRanges(r.Context())
	if err != nil {
		s.logger.Error("listing frequency ranges", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list ranges")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ranges": ranges})
}

func (s *Server) handleCreateRange(w http.ResponseWriter, r *http.Request) {
	var fr types.FrequencyRange
	if err := s.readJSON(r, &fr); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := fr.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.CreateFrequencyRange(r.Context(), &fr); err != nil {
		s.writeServiceError(w, err, "failed to create range")
		return
	}
	s.writeJSON(w, http.StatusCreated, fr)
}

func (s *Server) handleDeleteRange(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteFrequencyRange(r.Context(), r.PathValue("name")); err != nil {
		s.writeServiceError(w, err, "failed to delete range")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// FLEET
// =============================================================================

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	role := types.AgentRole(r.URL.Query().Get("role"))

	agents, err := s.registry.ListAgents(r.Context(), role)
	if err != nil {
		s.logger.Error("listing agents", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}

	connected := make(map[string]bool)
	for _, id := range s.hub.ConnectedIDs() {
		connected[id] = true
	}

	type agentView struct {
		types.Agent
		ChannelConnected bool `json:"channel_connected"`
	}
	views := make([]agentView, len(agents))
	for i, a := range agents {
		views[i] = agentView{Agent: a, ChannelConnected: connected[a.ID]}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"agents": views})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.registry.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err, "failed to load agent")
		return
	}
	s.writeJSON(w, http.StatusOK, agent)
}

// handleKickAgent hard-removes an agent. Transmission and recording history
// survives; only the agent row and its credentials go away.
func (s *Server) handleKickAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Remove(r.Context(), id); err != nil {
		s.writeServiceError(w, err, "failed to remove agent")
		return
	}

	if s.cache != nil {
		s.cache.InvalidateFleet(r.Context())
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableAgent(w http.ResponseWriter, r *http.Request) {
	s.setAgentEnabled(w, r, true)
}

func (s *Server) handleDisableAgent(w http.ResponseWriter, r *http.Request) {
	s.setAgentEnabled(w, r, false)
}

func (s *Server) setAgentEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := r.PathValue("id")
	if err := s.registry.SetEnabled(r.Context(), id, enabled); err != nil {
		s.writeServiceError(w, err, "failed to update agent")
		return
	}

	if s.cache != nil {
		s.cache.InvalidateFleet(r.Context())
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": id,
		"enabled":  enabled,
	})
}

// handleReEnrollAgent issues a key-rotation token for an existing agent.
// The old key keeps working until the new one is first used.
func (s *Server) handleReEnrollAgent(w http.ResponseWriter, r *http.Request) {
	grant, err := s.enrollment.ReEnrollToken(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err, "failed to issue re-enrollment token")
		return
	}
	s.writeJSON(w, http.StatusCreated, grant)
}

// =============================================================================
// ENROLLMENT TOKENS AND PROVISIONING KEYS
// =============================================================================

func (s *Server) handleListEnrollmentTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.enrollment.OpenTokens(r.Context())
	if err != nil {
		s.logger.Error("listing enrollment tokens", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tokens")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (s *Server) handleIssueEnrollmentToken(w http.ResponseWriter, r *http.Request) {
	var req enrollment.IssueRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	grant, err := s.enrollment.IssueToken(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err, "failed to issue token")
		return
	}
	s.writeJSON(w, http.StatusCreated, grant)
}

func (s *Server) handleListProvisioningKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.enrollment.ListProvisioningKeys(r.Context())
	if err != nil {
		s.logger.Error("listing provisioning keys", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleCreateProvisioningKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		HourlyQuota int    `json:"hourly_quota"`
	}
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	grant, err := s.enrollment.CreateProvisioningKey(r.Context(), req.Name, req.HourlyQuota)
	if err != nil {
		s.writeServiceError(w, err, "failed to create provisioning key")
		return
	}
	s.writeJSON(w, http.StatusCreated, grant)
}

func (s *Server) handleEnableProvisioningKey(w http.ResponseWriter, r *http.Request) {
	s.setProvisioningKeyEnabled(w, r, true)
}

func (s *Server) handleDisableProvisioningKey(w http.ResponseWriter, r *http.Request) {
	s.setProvisioningKeyEnabled(w, r, false)
}

func (s *Server) setProvisioningKeyEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := r.PathValue("id")
	if err := s.enrollment.SetProvisioningKeyEnabled(r.Context(), id, enabled); err != nil {
		s.writeServiceError(w, err, "failed to update provisioning key")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"key_id":  id,
		"enabled": enabled,
	})
}

// =============================================================================
// RECORDINGS AND TRANSMISSIONS
// =============================================================================

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	challengeID := r.URL.Query().Get("challenge_id")

	// Only the unfiltered listing is cached; filtered views are rare.
	cacheKey := ""
	if challengeID == "" && s.cache != nil {
		cacheKey = cache.PageKey(cache.KeyRecordings, limit, offset)
		var cached []types.Recording
		if hit, err := s.cache.GetJSON(r.Context(), cacheKey, &cached); err == nil && hit {
			s.writeJSON(w, http.StatusOK, map[string]any{"recordings": cached})
			return
		}
	}

	recordings, err := s.store.ListRecordings(r.Context(), challengeID, limit, offset)
	if err != nil {
		s.logger.Error("listing recordings", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list recordings")
		return
	}

	if cacheKey != "" {
		s.cache.SetJSON(r.Context(), cacheKey, recordings, config.CacheTTLRecordingList)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"recordings": recordings})
}

func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	recording, err := s.store.GetRecording(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("loading recording", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if recording == nil {
		s.writeError(w, http.StatusNotFound, "recording not found")
		return
	}
	s.writeJSON(w, http.StatusOK, recording)
}

func (s *Server) handleRecordingImage(w http.ResponseWriter, r *http.Request) {
	recording, err := s.store.GetRecording(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("loading recording", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if recording == nil || recording.ImagePath == "" {
		s.writeError(w, http.StatusNotFound, "recording image not found")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, recording.ImagePath)
}

func (s *Server) handleListTransmissions(w http.ResponseWriter, r *http.Request) {
	limit, _ := pagination(r)
	challengeID := r.URL.Query().Get("challenge_id")

	transmissions, err := s.store.ListTransmissions(r.Context(), challengeID, limit)
	if err != nil {
		s.logger.Error("listing transmissions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list transmissions")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"transmissions": transmissions})
}

// =============================================================================
// OBSERVABILITY
// =============================================================================

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	if s.cache != nil {
		var cached map[string]any
		if hit, err := s.cache.GetJSON(r.Context(), cache.KeyFleetOverview, &cached); err == nil && hit {
			s.writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	overview, err := s.store.GetFleetOverview(r.Context())
	if err != nil {
		s.logger.Error("loading fleet overview", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load overview")
		return
	}

	resp := map[string]any{
		"overview":          overview,
		"channels_online":   len(s.hub.ConnectedIDs()),
		"event_subscribers": s.events.SubscriberCount(),
	}
	if s.cache != nil {
		s.cache.SetJSON(r.Context(), cache.KeyFleetOverview, resp, config.CacheTTLFleetOverview)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleEventStream pipes fleet events to the admin UI as SSE. The stream
// runs until the client disconnects.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	events, subID := s.events.Subscribe(r.Context())
	defer s.events.Unsubscribe(subID)

	fmt.Fprintf(w, "event: connected\ndata: {\"time\": %q}\n\n", time.Now().UTC().Format(time.RFC3339))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
