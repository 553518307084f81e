// Package api exposes the tool facade and operational endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigil/backend/internal/core"
	"github.com/vigil/backend/internal/tools"
)

// maxBodyBytes caps tool request bodies.
const maxBodyBytes = 1 << 20

// Pinger answers a trivial liveness probe against a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Users bootstraps identities on first sight.
type Users interface {
	GetOrCreateUser(ctx context.Context, email string) (*core.User, error)
}

// StatusInfo is the non-sensitive configuration snapshot served at /status.
type StatusInfo struct {
	SampleBackend      string `json:"sample_backend"`
	EmailConfigured    bool   `json:"email_configured"`
	SlackConfigured    bool   `json:"slack_configured"`
	DiscordConfigured  bool   `json:"discord_configured"`
	TeamsConfigured    bool   `json:"teams_configured"`
	ClusterConfigured  bool   `json:"cluster_configured"`
	EvaluationInterval string `json:"evaluation_interval"`
}

// Server is the HTTP front of the control plane.
type Server struct {
	facade   *tools.Facade
	users    Users
	store    Pinger
	cooldown Pinger
	status   StatusInfo

	http *http.Server
}

// NewServer wires the router and the http.Server with its timeouts.
func NewServer(addr string, facade *tools.Facade, users Users, store, cooldown Pinger, status StatusInfo) *Server {
	s := &Server{
		facade:   facade,
		users:    users,
		store:    store,
		cooldown: cooldown,
		status:   status,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/ready", s.handleReady).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.identityMiddleware)
	api.HandleFunc("/tools/{op}", s.handleTool).Methods("POST")

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

type contextKey string

const userIDKey contextKey = "user_id"

// identityMiddleware resolves the caller from X-User-ID, or bootstraps a
// user from X-User-Email on first sight. The headers are the seam where the
// session layer plugs in; a request carrying neither is rejected before any
// handler runs.
func (s *Server) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			if email := r.Header.Get("X-User-Email"); email != "" && s.users != nil {
				user, err := s.users.GetOrCreateUser(r.Context(), email)
				if err != nil {
					writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
						"success": false,
						"message": "failed to resolve user",
					})
					return
				}
				userID = user.ID
			}
		}
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
				"success": false,
				"message": "authentication required",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	op := mux.Vars(r)["op"]
	userID, _ := r.Context().Value(userIDKey).(string)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": "failed to read request body",
		})
		return
	}

	resp := s.facade.Handle(r.Context(), userID, op, body)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports 200 only when the relational and cooldown stores both
// answer a probe.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "cooldown": "ok"}
	healthy := true
	if err := s.store.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}
	if err := s.cooldown.Ping(ctx); err != nil {
		checks["cooldown"] = err.Error()
		healthy = false
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{"ready": healthy, "checks": checks})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
