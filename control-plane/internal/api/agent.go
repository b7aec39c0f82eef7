package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/coder/websocket"

	"github.com/fieldsignal/rf-range/control-plane/internal/config"
	"github.com/fieldsignal/rf-range/control-plane/internal/coordinator"
	"github.com/fieldsignal/rf-range/control-plane/internal/enrollment"
	"github.com/fieldsignal/rf-range/control-plane/internal/push"
	"github.com/fieldsignal/rf-range/pkg/types"
)

// authedAgentID returns the agent identity established by the auth
// middleware.
func authedAgentID(r *http.Request) string {
	return r.Header.Get("X-Agent-ID")
}

// =============================================================================
// ENROLLMENT
// =============================================================================

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollment.ConsumeRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" || req.Fingerprint == "" {
		s.writeError(w, http.StatusBadRequest, "token and fingerprint are required")
		return
	}

	result, err := s.enrollment.Consume(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err, "enrollment failed")
		return
	}

	s.writeJSON(w, http.StatusCreated, result)
}

// =============================================================================
// AGENT LIFECYCLE
// =============================================================================

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	var req struct {
		types.Heartbeat
		Hostname string         `json:"hostname,omitempty"`
		Devices  []types.Device `json:"devices,omitempty"`
	}
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.registry.ProcessHeartbeat(r.Context(), agentID, req.Heartbeat, req.Hostname, req.Devices)
	if err != nil {
		s.writeServiceError(w, err, "failed to process heartbeat")
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleRequestTask is the runner poll endpoint. A 204 means nothing to do:
// the runner sleeps one poll interval and asks again.
func (s *Server) handleRequestTask(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	agent, err := s.registry.GetAgent(r.Context(), agentID)
	if err != nil {
		s.writeServiceError(w, err, "failed to load agent")
		return
	}
	if agent.Role != types.RoleRunner {
		s.writeError(w, http.StatusForbidden, "only runners poll for tasks")
		return
	}
	if !agent.Enabled {
		s.writeError(w, http.StatusForbidden, "agent is disabled")
		return
	}

	task, err := s.coordinator.RequestTask(r.Context(), agent)
	if err != nil {
		s.writeServiceError(w, err, "failed to assign task")
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.writeJSON(w, http.StatusOK, task)
}

// handleActiveAssignments lets a listener resync after a channel gap. Push
// events lost during a disconnect are recovered here.
func (s *Server) handleActiveAssignments(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	assignments, err := s.coordinator.ActiveAssignments(r.Context(), agentID)
	if err != nil {
		s.writeServiceError(w, err, "failed to list assignments")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"assignments": assignments,
	})
}

// handleChannel upgrades to the listener push websocket. The server only
// writes on this channel; reads run until the peer closes so the hub can
// drop the registration.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin is enforced by API key auth, not browser policy
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "agent_id", agentID, "error", err)
		return
	}

	conn := push.NewConnection(agentID, ws)
	s.hub.Register(conn)
	defer s.hub.Unregister(conn)

	ctx := r.Context()
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			break
		}
	}
	ws.Close(websocket.StatusNormalClosure, "")
}

// =============================================================================
// RUNNER REPORTING
// =============================================================================

func (s *Server) handleTransmitting(w http.ResponseWriter, r *http.Request) {
	transmissionID := r.PathValue("id")

	if err := s.coordinator.ReportStarted(r.Context(), authedAgentID(r), transmissionID); err != nil {
		s.writeServiceError(w, err, "failed to record transmission start")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "transmitting"})
}

func (s *Server) handleTransmissionComplete(w http.ResponseWriter, r *http.Request) {
	transmissionID := r.PathValue("id")

	var report types.CompletionReport
	if err := s.readJSON(r, &report); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	report.TransmissionID = transmissionID

	if err := s.coordinator.ReportComplete(r.Context(), authedAgentID(r), report); err != nil {
		s.writeServiceError(w, err, "failed to record transmission completion")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// =============================================================================
// LISTENER REPORTING
// =============================================================================

func (s *Server) handleRecordingStarted(w http.ResponseWriter, r *http.Request) {
	assignmentID := r.PathValue("id")

	assignment, err := s.coordinator.RecordingStarted(r.Context(), authedAgentID(r), assignmentID)
	if err != nil {
		s.writeServiceError(w, err, "failed to mark recording started")
		return
	}

	s.writeJSON(w, http.StatusOK, assignment)
}

func (s *Server) handleRecordingComplete(w http.ResponseWriter, r *http.Request) {
	assignmentID := r.PathValue("id")

	var result coordinator.RecordingResult
	if err := s.readJSON(r, &result); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	recording, err := s.coordinator.RecordingComplete(r.Context(), authedAgentID(r), assignmentID, result)
	if err != nil {
		s.writeServiceError(w, err, "failed to complete recording")
		return
	}
	s.writeJSON(w, http.StatusCreated, recording)
}

// handleRecordingImageUpload stores a listener's spectrogram PNG on disk
// and links it to the recording row. Only the listener that produced the
// recording may upload.
func (s *Server) handleRecordingImageUpload(w http.ResponseWriter, r *http.Request) {
	recordingID := r.PathValue("id")

	recording, err := s.store.GetRecording(r.Context(), recordingID)
	if err != nil {
		s.logger.Error("loading recording for upload", "recording_id", recordingID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if recording == nil {
		s.writeError(w, http.StatusNotFound, "recording not found")
		return
	}
	if recording.ListenerID != authedAgentID(r) {
		s.writeError(w, http.StatusForbidden, "recording belongs to another listener")
		return
	}

	dir := filepath.Join(s.dataDir, "recordings")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Error("creating recordings directory", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	path := filepath.Join(dir, recordingID+".png")
	f, err := os.Create(path)
	if err != nil {
		s.logger.Error("creating recording file", "path", path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	defer f.Close()

	body := http.MaxBytesReader(w, r.Body, config.MaxRecordingUploadBytes)
	written, err := io.Copy(f, body)
	if err != nil {
		os.Remove(path)
		s.writeError(w, http.StatusRequestEntityTooLarge, "upload failed or exceeds size limit")
		return
	}

	if err := s.store.SetRecordingImagePath(r.Context(), recordingID, path); err != nil {
		os.Remove(path)
		s.writeServiceError(w, err, "failed to link recording image")
		return
	}

	if s.cache != nil {
		s.cache.InvalidateRecordings(r.Context())
	}

	s.logger.Info("spectrogram uploaded",
		"recording_id", recordingID,
		"listener_id", recording.ListenerID,
		"bytes", written)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"recording_id": recordingID,
		"bytes":        written,
	})
}

// =============================================================================
// PROVISIONING
// =============================================================================

// handleProvisionToken issues enrollment tokens to automation holding a
// provisioning key. The key ID travels in a header, the secret as a Bearer
// token.
func (s *Server) handleProvisionToken(w http.ResponseWriter, r *http.Request) {
	keyID := r.Header.Get("X-Provisioning-Key-ID")
	authHeader := r.Header.Get("Authorization")
	if keyID == "" || !strings.HasPrefix(authHeader, "Bearer ") {
		s.writeError(w, http.StatusUnauthorized, "unauthorized: provisioning key required")
		return
	}
	secret := strings.TrimPrefix(authHeader, "Bearer ")

	key, err := s.enrollment.AuthenticateProvisioningKey(r.Context(), keyID, secret)
	if err != nil {
		s.writeServiceError(w, err, "provisioning authentication failed")
		return
	}

	var req enrollment.IssueRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	grant, err := s.enrollment.IssueTokenWithKey(r.Context(), key, req)
	if err != nil {
		s.writeServiceError(w, err, "failed to issue token")
		return
	}

	s.writeJSON(w, http.StatusCreated, grant)
}
