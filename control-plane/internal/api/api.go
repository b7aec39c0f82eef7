// Package api provides HTTP handlers for the control plane.
//
// # Endpoints
//
// Agent API (API key auth except enroll):
//   - POST /api/v1/enroll - Redeem an enrollment token
//   - POST /api/v1/agents/{id}/heartbeat - Agent heartbeat
//   - POST /api/v1/agents/{id}/task - Runner polls for a challenge
//   - GET  /api/v1/agents/{id}/assignments - Listener resyncs active assignments
//   - GET  /api/v1/agents/{id}/channel - Listener push channel (websocket)
//   - POST /api/v1/transmissions/{id}/transmitting - Runner went on air
//   - POST /api/v1/transmissions/{id}/complete - Runner finished
//   - POST /api/v1/assignments/{id}/recording_started - Listener started capturing
//   - POST /api/v1/assignments/{id}/recording_complete - Listener finished capturing
//   - POST /api/v1/recordings/{id}/image - Listener uploads the spectrogram
//
// Provisioning API (provisioning key auth):
//   - POST /api/v1/provision/tokens - Issue an enrollment token
//
// Admin API (session auth except login):
//   - POST /api/v1/admin/login - Create admin session
//   - POST /api/v1/admin/logout - Revoke session
//   - GET/POST /api/v1/admin/challenges - List / create challenges
//   - GET/PUT/DELETE /api/v1/admin/challenges/{id} - Challenge detail
//   - GET/POST /api/v1/admin/ranges - Frequency ranges
//   - DELETE /api/v1/admin/ranges/{name}
//   - GET /api/v1/admin/agents - Fleet listing
//   - GET/DELETE /api/v1/admin/agents/{id} - Agent detail / kick
//   - POST /api/v1/admin/agents/{id}/enable|disable|reenroll
//   - GET/POST /api/v1/admin/enrollment_tokens - Open tokens / issue
//   - GET/POST /api/v1/admin/provisioning_keys
//   - POST /api/v1/admin/provisioning_keys/{id}/enable|disable
//   - GET /api/v1/admin/recordings - Recording list
//   - GET /api/v1/admin/recordings/{id} and /{id}/image
//   - GET /api/v1/admin/overview - Fleet overview
//   - GET /api/v1/admin/health - Server health
//   - GET /api/v1/admin/events - Fleet event stream (SSE)
//
// Health:
//   - GET /api/v1/health - Liveness check
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fieldsignal/rf-range/control-plane/internal/auth"
	"github.com/fieldsignal/rf-range/control-plane/internal/cache"
	"github.com/fieldsignal/rf-range/control-plane/internal/config"
	"github.com/fieldsignal/rf-range/control-plane/internal/coordinator"
	"github.com/fieldsignal/rf-range/control-plane/internal/enrollment"
	"github.com/fieldsignal/rf-range/control-plane/internal/events"
	"github.com/fieldsignal/rf-range/control-plane/internal/metrics"
	"github.com/fieldsignal/rf-range/control-plane/internal/push"
	"github.com/fieldsignal/rf-range/control-plane/internal/registry"
	"github.com/fieldsignal/rf-range/control-plane/internal/store"
	"github.com/fieldsignal/rf-range/pkg/types"
)

// Server is the HTTP API server.
type Server struct {
	registry    *registry.Service
	coordinator *coordinator.Coordinator
	enrollment  *enrollment.Service
	sessions    *auth.Sessions
	store       *store.Store
	hub         *push.Hub
	events      *events.Broadcaster
	cache       *cache.Cache       // may be nil when Redis is not configured
	collector   *metrics.Collector // may be nil
	dataDir     string
	logger      *slog.Logger
	mux         *http.ServeMux
}

// Deps bundles the services the server fronts.
type Deps struct {
	Registry    *registry.Service
	Coordinator *coordinator.Coordinator
	Enrollment  *enrollment.Service
	Sessions    *auth.Sessions
	Store       *store.Store
	Hub         *push.Hub
	Events      *events.Broadcaster
	Cache       *cache.Cache
	Collector   *metrics.Collector
	DataDir     string
}

// NewServer creates a new API server.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		registry:    deps.Registry,
		coordinator: deps.Coordinator,
		enrollment:  deps.Enrollment,
		sessions:    deps.Sessions,
		store:       deps.Store,
		hub:         deps.Hub,
		events:      deps.Events,
		cache:       deps.Cache,
		collector:   deps.Collector,
		dataDir:     deps.DataDir,
		logger:      logger.With("component", "api"),
		mux:         http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Agent-ID, X-Agent-Fingerprint, X-Provisioning-Key-ID")

	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	agentAuth := s.agentAuthMiddleware()
	adminAuth := s.adminAuthMiddleware()

	// Health
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	// Enrollment (open - agents have no key yet)
	s.mux.HandleFunc("POST /api/v1/enroll", s.handleEnroll)

	// Agent lifecycle
	s.mux.HandleFunc("POST /api/v1/agents/{id}/heartbeat", wrapHandler(s.handleHeartbeat, agentAuth))
	s.mux.HandleFunc("POST /api/v1/agents/{id}/task", wrapHandler(s.handleRequestTask, agentAuth))
	s.mux.HandleFunc("GET /api/v1/agents/{id}/assignments", wrapHandler(s.handleActiveAssignments, agentAuth))
	s.mux.HandleFunc("GET /api/v1/agents/{id}/channel", wrapHandler(s.handleChannel, agentAuth))

	// Runner reporting
	s.mux.HandleFunc("POST /api/v1/transmissions/{id}/transmitting", wrapHandler(s.handleTransmitting, agentAuth))
	s.mux.HandleFunc("POST /api/v1/transmissions/{id}/complete", wrapHandler(s.handleTransmissionComplete, agentAuth))

	// Listener reporting
	s.mux.HandleFunc("POST /api/v1/assignments/{id}/recording_started", wrapHandler(s.handleRecordingStarted, agentAuth))
	s.mux.HandleFunc("POST /api/v1/assignments/{id}/recording_complete", wrapHandler(s.handleRecordingComplete, agentAuth))
	s.mux.HandleFunc("POST /api/v1/recordings/{id}/image", wrapHandler(s.handleRecordingImageUpload, agentAuth))

	// Provisioning
	s.mux.HandleFunc("POST /api/v1/provision/tokens", s.handleProvisionToken)

	// Admin session
	s.mux.HandleFunc("POST /api/v1/admin/login", s.handleAdminLogin)
	s.mux.HandleFunc("POST /api/v1/admin/logout", s.handleAdminLogout)

	// Admin: challenges and ranges
	s.mux.HandleFunc("GET /api/v1/admin/challenges", wrapHandler(s.handleListChallenges, adminAuth))
	s.mux.HandleFunc("POST /api/v1/admin/challenges", wrapHandler(s.handleCreateChallenge, adminAuth))
	s.mux.HandleFunc("GET /api/v1/admin/challenges/{id}", wrapHandler(s.handleGetChallenge, adminAuth))
	s.mux.HandleFunc("PUT /api/v1/admin/challenges/{id}", wrapHandler(s.handleUpdateChallenge, adminAuth))
	s.mux.HandleFunc("DELETE /api/v1/admin/challenges/{id}", wrapHandler(s.handleDeleteChallenge, adminAuth))
	s.mux.HandleFunc("GET /api/v1/admin/ranges", wrapHandler(s.handleListRanges, adminAuth))
	s.mux.HandleFunc("POST /api/v1/admin/ranges", wrapHandler(s.handleCreateRange, adminAuth))
	s.mux.HandleFunc("DELETE /api/v1/admin/ranges/{name}", wrapHandler(s.handleDeleteRange, adminAuth))

	// Admin: fleet
	s.mux.HandleFunc("GET /api/v1/admin/agents", wrapHandler(s.handleListAgents, adminAuth))
	s.mux.HandleFunc("GET /api/v1/admin/agents/{id}", wrapHandler(s.handleGetAgent, adminAuth))
	s.mux.HandleFunc("DELETE /api/v1/admin/agents/{id}", wrapHandler(s.handleKickAgent, adminAuth))
	s.mux.HandleFunc("POST /api/v1/admin/agents/{id}/enable", wrapHandler(s.handleEnableAgent, adminAuth))
	s.mux.HandleFunc("POST /api/v1/admin/agents/{id}/disable", wrapHandler(s.handleDisableAgent, adminAuth))
	s.mux.HandleFunc("POST /api/v1/admin/agents/{id}/reenroll", wrapHandler(s.handleReEnrollAgent, adminAuth))

	// Admin: enrollment and provisioning
	s.mux.HandleFunc("GET /api/v1/admin/enrollment_tokens", wrapHandler(s.handleListEnrollmentTokens, adminAuth))
	s.mux.HandleFunc("POST /api/v1/admin/enrollment_tokens", wrapHandler(s.handleIssueEnrollmentToken, adminAuth))
	s.mux.HandleFunc("GET /api/v1/admin/provisioning_keys", wrapHandler(s.handleListProvisioningKeys, adminAuth))
	s.mux.HandleFunc("POST /api/v1/admin/provisioning_keys", wrapHandler(s.handleCreateProvisioningKey, adminAuth))
	s.mux.HandleFunc("POST /api/v1/admin/provisioning_keys/{id}/enable", wrapHandler(s.handleEnableProvisioningKey, adminAuth))
	s.mux.HandleFunc("POST /api/v1/admin/provisioning_keys/{id}/disable", wrapHandler(s.handleDisableProvisioningKey, adminAuth))

	// Admin: recordings and observability
	s.mux.HandleFunc("GET /api/v1/admin/recordings", wrapHandler(s.handleListRecordings, adminAuth))
	s.mux.HandleFunc("GET /api/v1/admin/recordings/{id}", wrapHandler(s.handleGetRecording, adminAuth))
	s.mux.HandleFunc("GET /api/v1/admin/recordings/{id}/image", wrapHandler(s.handleRecordingImage, adminAuth))
	s.mux.HandleFunc("GET /api/v1/admin/transmissions", wrapHandler(s.handleListTransmissions, adminAuth))
	s.mux.HandleFunc("GET /api/v1/admin/overview", wrapHandler(s.handleOverview, adminAuth))
	s.mux.HandleFunc("GET /api/v1/admin/health", wrapHandler(s.handleServerHealth, adminAuth))
	s.mux.HandleFunc("GET /api/v1/admin/events", wrapHandler(s.handleEventStream, adminAuth))
}

// =============================================================================
// HEALTH
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleServerHealth(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		s.writeError(w, http.StatusServiceUnavailable, "metrics collector not initialized")
		return
	}

	health, err := s.collector.GetServerHealth(r.Context())
	if err != nil {
		s.logger.Error("server health collection failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to collect server health")
		return
	}

	s.writeJSON(w, http.StatusOK, health)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeServiceError maps the service error taxonomy onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, types.ErrUnauthorized):
		s.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, types.ErrExpired):
		s.writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, types.ErrRateLimited):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, types.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, fallback)
	}
}

// pagination reads limit/offset query params with server-side clamping.
func pagination(r *http.Request) (limit, offset int) {
	limit = config.DefaultPaginationLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > config.MaxPaginationLimit {
		limit = config.MaxPaginationLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// wrapHandler converts an http.HandlerFunc to use middleware.
func wrapHandler(h http.HandlerFunc, middleware func(http.Handler) http.Handler) http.HandlerFunc {
	return middleware(h).ServeHTTP
}
