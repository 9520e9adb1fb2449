// Package api exposes the engine over a local HTTP API for UI clients.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"calsync/internal/connector"
	"calsync/internal/engine"
	"calsync/internal/models"
	"calsync/internal/store"
	"calsync/internal/syncer"
	"calsync/internal/tz"
)

// Server routes HTTP requests to an Engine.
type Server struct {
	engine *engine.Engine
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer constructs a Server.
func NewServer(eng *engine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: eng, logger: logger, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/stream", s.handleStream)
	s.mux.HandleFunc("POST /api/connectivity", s.handleConnectivity)
	s.mux.HandleFunc("POST /api/sync", s.handleSyncAll)

	s.mux.HandleFunc("GET /api/accounts", s.handleAccounts)
	s.mux.HandleFunc("DELETE /api/accounts/{id}", s.handleUnlink)
	s.mux.HandleFunc("PUT /api/accounts/{id}/sync-enabled", s.handleSyncEnabled)
	s.mux.HandleFunc("GET /api/accounts/{id}/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/accounts/{id}/sync", s.handleSyncAccount)
	s.mux.HandleFunc("GET /api/accounts/{id}/conflicts", s.handleConflicts)
	s.mux.HandleFunc("GET /api/accounts/{id}/attention", s.handleAttention)

	s.mux.HandleFunc("GET /api/accounts/{id}/events", s.handleEvents)
	s.mux.HandleFunc("POST /api/accounts/{id}/events", s.handleCreateEvent)
	s.mux.HandleFunc("PUT /api/accounts/{id}/events/{event}", s.handleUpdateEvent)
	s.mux.HandleFunc("DELETE /api/accounts/{id}/events/{event}", s.handleDeleteEvent)

	s.mux.HandleFunc("POST /api/conflicts/{id}/resolve", s.handleResolve)
	s.mux.HandleFunc("POST /api/operations/{id}/retry", s.handleRetry)
	s.mux.HandleFunc("POST /api/operations/{id}/dismiss", s.handleDismiss)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "online": s.engine.Online()})
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online *bool `json:"online"`
	}
	if err := decode(w, r, &body); err != nil || body.Online == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"online\": bool}")
		return
	}
	s.engine.ReportConnectivity(*body.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.engine.Online()})
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	n := s.engine.ForceSyncAll(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": n})
}

func (s *Server) handleAccounts(w http.ResponseWriter, _ *http.Request) {
	accounts := s.engine.Accounts()
	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, viewAccount(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.UnlinkAccount(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decode(w, r, &body); err != nil || body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"enabled\": bool}")
		return
	}
	if err := s.engine.SetSyncEnabled(r.Context(), r.PathValue("id"), *body.Enabled); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.SyncStatus(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusView{SyncStatus: st, NextSyncInSeconds: int64(st.NextSyncIn / time.Second)})
}

// handleSyncAccount queues a pass, or runs it inline with ?wait=true.
func (s *Server) handleSyncAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if r.URL.Query().Get("wait") != "true" {
		if err := s.engine.RequestSync(id); err != nil {
			s.fail(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	res, err := s.engine.SyncAccount(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewResult(res))
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.engine.ListConflicts(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (s *Server) handleAttention(w http.ResponseWriter, r *http.Request) {
	ops, err := s.engine.NeedsAttention(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.Events(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var fields models.EventFields
	if err := decode(w, r, &fields); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, outcome, err := s.engine.CreateEvent(r.Context(), r.PathValue("id"), fields)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, editView{Event: &rec, Outcome: outcome.String()})
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	var fields models.EventFields
	if err := decode(w, r, &fields); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, outcome, err := s.engine.UpdateEvent(r.Context(), r.PathValue("id"), r.PathValue("event"), fields)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, editView{Event: &rec, Outcome: outcome.String()})
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.engine.DeleteEvent(r.Context(), r.PathValue("id"), r.PathValue("event"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, editView{Outcome: outcome.String()})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Resolution string `json:"resolution"`
	}
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := models.ParseResolution(body.Resolution)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := s.engine.ResolveConflict(r.Context(), r.PathValue("id"), res)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RetryOperation(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DismissOperation(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps an engine error onto a status code.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, engine.ErrConflictNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrConflictPending), errors.Is(err, syncer.ErrAlreadyRunning), errors.Is(err, store.ErrDeleted):
		status = http.StatusConflict
	case errors.Is(err, models.ErrInvalidEvent), errors.Is(err, tz.ErrInvalidZone):
		status = http.StatusBadRequest
	default:
		var cerr *connector.Error
		if errors.As(err, &cerr) {
			status = http.StatusBadGateway
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "status", status, "error", err)
	} else {
		s.logger.Debug("Request rejected", "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}

// accountView hides credentials.
type accountView struct {
	ID                  string          `json:"id"`
	Provider            models.Provider `json:"provider"`
	Name                string          `json:"name"`
	CalendarID          string          `json:"calendarId"`
	TimeZone            string          `json:"timeZone,omitempty"`
	SyncEnabled         bool            `json:"syncEnabled"`
	LastSyncAt          time.Time       `json:"lastSyncAt,omitempty"`
	LastError           string          `json:"lastError,omitempty"`
	NextRetryAt         time.Time       `json:"nextRetryAt,omitempty"`
	ConsecutiveFailures int             `json:"consecutiveFailures"`
}

func viewAccount(a models.CalendarAccount) accountView {
	return accountView{
		ID:                  a.ID,
		Provider:            a.Provider,
		Name:                a.Name,
		CalendarID:          a.CalendarID,
		TimeZone:            a.TimeZone,
		SyncEnabled:         a.SyncEnabled,
		LastSyncAt:          a.LastSyncAt,
		LastError:           a.LastError,
		NextRetryAt:         a.NextRetryAt,
		ConsecutiveFailures: a.ConsecutiveFailures,
	}
}

type statusView struct {
	models.SyncStatus
	NextSyncInSeconds int64 `json:"nextSyncInSeconds"`
}

type editView struct {
	Event   *models.EventRecord `json:"event,omitempty"`
	Outcome string              `json:"outcome"`
}

type resultView struct {
	AccountID string `json:"accountId"`
	State     string `json:"state"`
	Full      bool   `json:"full"`
	Error     string `json:"error,omitempty"`
}

func viewResult(res *syncer.Result) resultView {
	v := resultView{AccountID: res.AccountID, State: string(res.State), Full: res.Full}
	if res.Err != nil {
		v.Error = res.Err.Error()
	}
	return v
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
