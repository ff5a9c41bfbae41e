package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"switchboard/internal/config"
	appLog "switchboard/internal/log"
	"switchboard/internal/model"
	"switchboard/internal/session"
	"switchboard/internal/wire"
)

// Engine is the part of wire.Engine the API drives.
type Engine interface {
	Connect(ctx context.Context, occ model.Occurrence) error
	Hold(occ model.Occurrence, minutes int) time.Time
	Decline(occ model.Occurrence)
	CallWaiting(ctx context.Context, occ model.Occurrence) error
	Reschedule(occ model.Occurrence, minutes int) (time.Time, error)
	Scheduled() []wire.ScheduledCall
	Snoozed() []wire.SnoozedCall
	Refresh(ctx context.Context)
}

// Sessions is the part of session.Manager the API reads.
type Sessions interface {
	Lines() []model.Line
	Status() (session.Status, bool)
	Disconnect(ctx context.Context) error
	MissedCalls(ctx context.Context) ([]model.MissedCall, error)
}

// Syncer refreshes the external task feed. Optional.
type Syncer interface {
	Sync(ctx context.Context) (int, error)
}

type Deps struct {
	Engine    Engine
	Board     *Board
	Sessions  Sessions
	Feed      Syncer
	BasicAuth *config.BasicAuthConfig
}

// Server provides the HTTP call API.
type Server struct {
	engine   Engine
	board    *Board
	sessions Sessions
	feed     Syncer
	auth     *config.BasicAuthConfig
	mux      *http.ServeMux
}

func NewServer(d Deps) *Server {
	s := &Server{
		engine:   d.Engine,
		board:    d.Board,
		sessions: d.Sessions,
		feed:     d.Feed,
		auth:     d.BasicAuth,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled")
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured. An empty
// username or password disables it.
func (s *Server) basicAuthEnabled() bool {
	return s.auth != nil && s.auth.Username != "" && s.auth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.auth.Username
	password := s.auth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Switchboard", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/calls", s.handleCalls)
	s.mux.HandleFunc("POST /api/calls/{id}/{action}", s.handleAction)

	s.mux.HandleFunc("GET /api/scheduled", s.handleScheduled)
	s.mux.HandleFunc("GET /api/missed", s.handleMissed)
	s.mux.HandleFunc("GET /api/lines", s.handleLines)
	s.mux.HandleFunc("GET /api/active", s.handleActive)
	s.mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleCalls(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"calls": s.board.Pending()})
}

// actionRequest is the optional JSON body for hold and reschedule.
type actionRequest struct {
	Minutes int `json:"minutes"`
}

type actionResponse struct {
	ID     string     `json:"id"`
	Action string     `json:"action"`
	Until  *time.Time `json:"until,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// handleAction applies the user's answer to a ringing call.
//
// POST /api/calls/{id}/{connect|hold|decline|waiting|reschedule}
//   - body {"minutes": n} for hold (0 = default) and reschedule (required)
//   - 404 for an unknown action, 409 once the call was already answered
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	action := r.PathValue("action")

	switch action {
	case "connect", "hold", "decline", "waiting", "reschedule":
	default:
		writeError(w, http.StatusNotFound, "unknown action "+strconv.Quote(action))
		return
	}

	var req actionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if action == "reschedule" && req.Minutes <= 0 {
		writeError(w, http.StatusBadRequest, wire.ErrInvalidMinutes.Error())
		return
	}

	call, ok := s.board.Take(id)
	if !ok {
		writeError(w, http.StatusConflict, "call is not ringing or was already answered")
		return
	}
	occ := call.Occurrence
	resp := actionResponse{ID: id, Action: action}

	switch action {
	case "connect":
		if err := s.engine.Connect(r.Context(), occ); err != nil {
			appLog.Error("api: connect failed", err, "id", id)
			resp.Error = err.Error()
			writeJSON(w, statusFor(err), resp)
			return
		}
	case "hold":
		until := s.engine.Hold(occ, req.Minutes)
		resp.Until = &until
	case "decline":
		s.engine.Decline(occ)
	case "waiting":
		if err := s.engine.CallWaiting(r.Context(), occ); err != nil {
			// The decline stands; only the note failed.
			appLog.Error("api: call waiting save failed", err, "id", id)
			resp.Error = err.Error()
			writeJSON(w, http.StatusInternalServerError, resp)
			return
		}
	case "reschedule":
		until, err := s.engine.Reschedule(occ, req.Minutes)
		if err != nil {
			resp.Error = err.Error()
			writeJSON(w, statusFor(err), resp)
			return
		}
		resp.Until = &until
	}

	appLog.Info("api: call answered", "id", id, "action", action)
	writeJSON(w, http.StatusOK, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, wire.ErrLineNotFound):
		return http.StatusNotFound
	case errors.Is(err, wire.ErrInvalidMinutes):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleScheduled(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"scheduled": s.engine.Scheduled(),
		"snoozed":   s.engine.Snoozed(),
	})
}

func (s *Server) handleMissed(w http.ResponseWriter, r *http.Request) {
	calls, err := s.sessions.MissedCalls(r.Context())
	if err != nil {
		appLog.Error("api: missed calls failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load missed calls")
		return
	}
	if limit := parseIntDefault(r.URL.Query().Get("limit"), 0); limit > 0 && limit < len(calls) {
		calls = calls[len(calls)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"missed": calls})
}

func (s *Server) handleLines(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"lines": s.sessions.Lines()})
}

func (s *Server) handleActive(w http.ResponseWriter, _ *http.Request) {
	st, ok := s.sessions.Status()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"active": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": st})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Disconnect(r.Context()); err != nil {
		if errors.Is(err, session.ErrNotConnected) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"disconnected": true})
}

// handleRefresh syncs the task feed (which re-runs the schedule through the
// SyncCompleted notification) or, without a feed, refreshes directly.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		s.engine.Refresh(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"tasks": 0})
		return
	}
	n, err := s.feed.Sync(r.Context())
	resp := map[string]any{"tasks": n}
	if err != nil {
		appLog.Error("api: refresh had errors", err)
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
