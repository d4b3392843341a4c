// File: internal/server/handlers.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/page-agent/internal/interrupt"
	"github.com/xkilldash9x/page-agent/internal/observability"
	"github.com/xkilldash9x/page-agent/internal/pageagent"
	"github.com/xkilldash9x/page-agent/internal/session"
)

const maxBodyBytes = 1 << 20

// Handlers serves the session and tool call API.
type Handlers struct {
	log      *zap.Logger
	sessions *session.Manager
	// history is nil when no database is configured.
	history HistoryStore
}

func NewHandlers(logger *zap.Logger, sessions *session.Manager, history HistoryStore) *Handlers {
	return &Handlers{
		log:      logger.Named("handlers"),
		sessions: sessions,
		history:  history,
	}
}

// RegisterRoutes mounts /healthz, /metrics and the /api/v1 routes on r.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.HandleHealthCheck)
	r.Method(http.MethodGet, "/metrics", observability.MetricsHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.HandleCreateSession)
			r.Get("/", h.HandleListSessions)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.HandleGetSession)
				r.Delete("/", h.HandleDeleteSession)
				r.Get("/tools", h.HandleListTools)
				r.Get("/calls", h.HandleListCalls)
				r.Post("/calls", h.HandleInvoke)
				r.Get("/calls/{callID}", h.HandleGetCall)
				r.Post("/calls/{callID}/decision", h.HandleDecision)
				r.Post("/calls/{callID}/run", h.HandleRun)
			})
		})
		r.Get("/calls/{callID}/events", h.HandleCallEvents)
	})
}

func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		h.respondWithError(w, http.StatusUnprocessableEntity, "url is required")
		return
	}

	s, err := h.sessions.Create(r.Context(), req.URL)
	if err != nil {
		h.respondWithErr(w, err)
		return
	}
	h.respondWithSuccess(w, http.StatusCreated, s.Info())
}

func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	h.respondWithSuccess(w, http.StatusOK, h.sessions.List())
}

func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.respondWithSuccess(w, http.StatusOK, s.Info())
}

func (h *Handlers) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(chi.URLParam(r, "sessionID")); err != nil {
		h.respondWithErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleListTools(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	tools, shortcuts := s.Tools()
	h.respondWithSuccess(w, http.StatusOK, map[string]interface{}{
		"tools":     tools,
		"shortcuts": shortcuts,
	})
}

func (h *Handlers) HandleListCalls(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.respondWithSuccess(w, http.StatusOK, s.Coordinator().Calls())
}

// HandleInvoke issues a call and blocks until it is resolved. When the
// request ends first the call stays outstanding and is returned as accepted.
func (h *Handlers) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req InvokeRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	h.log.Info("Received tool call", zap.String("session_id", s.ID), zap.String("tool", req.Name))
	call, d, err := s.Invoke(r.Context(), req.Name, req.Inputs)
	switch {
	case err == nil:
		h.respondWithSuccess(w, http.StatusOK, InvokeResult{Call: call, Decision: d})
	case call.ID != "" && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
		if latest, found := s.Coordinator().Get(call.ID); found {
			call = latest
		}
		h.respondWithStatus(w, http.StatusAccepted, "accepted", call)
	default:
		h.respondWithErr(w, err)
	}
}

func (h *Handlers) HandleGetCall(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "callID")
	call, found := s.Coordinator().Get(id)
	if !found {
		h.respondWithErr(w, fmt.Errorf("%w: %s", interrupt.ErrUnknownCall, id))
		return
	}
	h.respondWithSuccess(w, http.StatusOK, call)
}

func (h *Handlers) HandleDecision(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req DecisionRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	call, err := s.Override(chi.URLParam(r, "callID"), interrupt.Decision{Kind: req.Type, Payload: req.Message})
	if err != nil {
		h.respondWithErr(w, err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, call)
}

func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "callID")
	if err := s.Run(id); err != nil {
		h.respondWithErr(w, err)
		return
	}
	call, _ := s.Coordinator().Get(id)
	h.respondWithStatus(w, http.StatusAccepted, "accepted", call)
}

func (h *Handlers) HandleCallEvents(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, "Call history is unavailable (database not configured).")
		return
	}
	entries, err := h.history.History(r.Context(), chi.URLParam(r, "callID"))
	if err != nil {
		h.log.Error("Failed to read call history", zap.Error(err))
		h.respondWithError(w, http.StatusInternalServerError, "Failed to read call history.")
		return
	}
	h.respondWithSuccess(w, http.StatusOK, entries)
}

// session resolves the sessionID URL parameter, writing a 404 when unknown.
func (h *Handlers) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondWithErr(w, err)
		return nil, false
	}
	return s, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// statusFor maps package sentinel errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, interrupt.ErrUnknownCall):
		return http.StatusNotFound
	case errors.Is(err, interrupt.ErrCallOutstanding),
		errors.Is(err, interrupt.ErrAlreadyResolved),
		errors.Is(err, session.ErrAlreadyRunning),
		errors.Is(err, session.ErrTooManySessions),
		errors.Is(err, interrupt.ErrClosed):
		return http.StatusConflict
	case errors.Is(err, interrupt.ErrDecisionNotAllowed),
		errors.Is(err, interrupt.ErrNotInterruptible),
		errors.Is(err, pageagent.ErrInvalidInput),
		errors.Is(err, session.ErrInvalidTargetURL):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrManagerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handlers) respondWithErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.log.Error("Request failed", zap.Error(err))
	}
	h.respondWithError(w, code, err.Error())
}

func (h *Handlers) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	h.write(w, statusCode, Response{Status: "error", Error: message})
}

func (h *Handlers) respondWithSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	h.respondWithStatus(w, statusCode, "success", data)
}

func (h *Handlers) respondWithStatus(w http.ResponseWriter, statusCode int, status string, data interface{}) {
	h.write(w, statusCode, Response{Status: status, Data: data})
}

func (h *Handlers) write(w http.ResponseWriter, statusCode int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
