package api

import (
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/fieldsignal/rf-range/control-plane/internal/auth"
	"github.com/fieldsignal/rf-range/pkg/types"
)

// agentAuthMiddleware validates agent API keys.
//
// Agents present their ID in X-Agent-ID, the API key as a Bearer token, and
// their machine fingerprint in X-Agent-Fingerprint. The fingerprint must
// match the one bound at enrollment.
//
// A key staged by re-enrollment is promoted the first time it validates:
// the pending hash becomes current and the fingerprint rebinds to the one
// presented, all in one statement. Until that moment the old key keeps
// working.
func (s *Server) agentAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agentID := r.Header.Get("X-Agent-ID")
			fingerprint := r.Header.Get("X-Agent-Fingerprint")
			authHeader := r.Header.Get("Authorization")

			if agentID == "" || fingerprint == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				s.logger.Warn("agent auth failed: missing credentials",
					"path", r.URL.Path,
					"agent_id", agentID,
					"has_auth_header", authHeader != "")
				s.writeError(w, http.StatusUnauthorized, "unauthorized: missing credentials")
				return
			}
			apiKey := strings.TrimPrefix(authHeader, "Bearer ")

			// Path-scoped agent routes must match the authenticated agent.
			if pathID := r.PathValue("id"); strings.Contains(r.URL.Path, "/agents/") && pathID != "" && pathID != agentID {
				s.writeError(w, http.StatusForbidden, "forbidden: path does not match authenticated agent")
				return
			}

			creds, err := s.store.GetAgentCredentials(r.Context(), agentID)
			if err != nil {
				s.logger.Error("agent auth failed: database error", "agent_id", agentID, "error", err)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
				return
			}
			if creds == nil {
				s.logger.Warn("agent auth failed: unknown agent", "agent_id", agentID, "path", r.URL.Path)
				s.writeError(w, http.StatusUnauthorized, "unauthorized: unknown agent")
				return
			}
			if !creds.Enabled {
				s.writeError(w, http.StatusForbidden, "forbidden: agent disabled")
				return
			}

			switch {
			case bcrypt.CompareHashAndPassword([]byte(creds.APIKeyHash), []byte(apiKey)) == nil:
				if creds.Fingerprint != fingerprint {
					s.logger.Warn("agent auth failed: fingerprint mismatch",
						"agent_id", agentID, "path", r.URL.Path)
					s.writeError(w, http.StatusUnauthorized, "unauthorized: fingerprint mismatch")
					return
				}

			case creds.PendingAPIKeyHash != nil &&
				bcrypt.CompareHashAndPassword([]byte(*creds.PendingAPIKeyHash), []byte(apiKey)) == nil:
				// ErrConflict means a concurrent request promoted it first.
				if err := s.store.PromotePendingAPIKey(r.Context(), agentID, fingerprint); err != nil && !errors.Is(err, types.ErrConflict) {
					s.logger.Error("promoting pending API key", "agent_id", agentID, "error", err)
					s.writeError(w, http.StatusInternalServerError, "internal server error")
					return
				}
				s.logger.Info("pending API key promoted", "agent_id", agentID)

			default:
				s.logger.Warn("agent auth failed: invalid API key", "agent_id", agentID, "path", r.URL.Path)
				s.writeError(w, http.StatusUnauthorized, "unauthorized: invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// adminAuthMiddleware validates the admin session cookie.
func (s *Server) adminAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(auth.SessionCookie)
			if err != nil || !s.sessions.Validate(cookie.Value) {
				s.writeError(w, http.StatusUnauthorized, "unauthorized: admin session required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
