package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gameocoder/attendance/internal/aggregator"
	"github.com/gameocoder/attendance/internal/attendance"
	"github.com/gameocoder/attendance/internal/ledger"
)

// SessionsHandler manages session windows on the central side. Opening
// and closing touch both the ledger (so sync deliveries validate) and
// the aggregator (so online ingest validates).
type SessionsHandler struct {
	ledger ledger.Ledger
	agg    *aggregator.Aggregator
}

// NewSessionsHandler creates a sessions handler.
func NewSessionsHandler(l ledger.Ledger, agg *aggregator.Aggregator) *SessionsHandler {
	return &SessionsHandler{ledger: l, agg: agg}
}

type openSessionRequest struct {
	SessionID  string     `json:"session_id"`
	ScheduleID string     `json:"schedule_id"`
	OpenedAt   *time.Time `json:"opened_at,omitempty"`
}

// Open registers a new session window.
func (h *SessionsHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if req.SessionID == "" || req.ScheduleID == "" {
		respondError(w, http.StatusBadRequest, "session_id and schedule_id are required")
		return
	}

	openedAt := time.Now().UTC()
	if req.OpenedAt != nil {
		openedAt = req.OpenedAt.UTC()
	}
	window := attendance.SessionWindow{
		SessionID:  req.SessionID,
		ScheduleID: req.ScheduleID,
		OpenedAt:   openedAt,
	}

	if err := h.ledger.OpenSession(r.Context(), window); err != nil {
		log.Printf("sessions: open %s: %v", sanitizeForLog(req.SessionID), err)
		respondError(w, http.StatusInternalServerError, "failed to open session")
		return
	}
	if err := h.agg.OpenSession(window); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, window)
}

type closeSessionRequest struct {
	ClosedAt *time.Time `json:"closed_at,omitempty"`
}

// Close closes a session window. The aggregator runs its closed-world
// sweep first, while the ledger window is still open for the sweep's
// decisions, and the closing timestamp is stamped afterwards.
func (h *SessionsHandler) Close(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req closeSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	closedAt := time.Now().UTC()
	if req.ClosedAt != nil {
		closedAt = req.ClosedAt.UTC()
	}

	if err := h.agg.CloseSession(r.Context(), sessionID, closedAt); err != nil {
		if errors.Is(err, attendance.ErrUnknownSession) {
			respondError(w, http.StatusNotFound, "unknown session")
			return
		}
		log.Printf("sessions: close %s sweep: %v", sanitizeForLog(sessionID), err)
		respondError(w, http.StatusInternalServerError, "failed to close session")
		return
	}
	if err := h.ledger.CloseSession(r.Context(), sessionID, closedAt); err != nil {
		log.Printf("sessions: close %s: %v", sanitizeForLog(sessionID), err)
		respondError(w, http.StatusInternalServerError, "failed to close session")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"closed_at":  closedAt,
	})
}

// Get returns one session window.
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	window, err := h.ledger.Session(r.Context(), sessionID)
	if err != nil {
		log.Printf("sessions: get %s: %v", sanitizeForLog(sessionID), err)
		respondError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if window == nil {
		respondError(w, http.StatusNotFound, "unknown session")
		return
	}
	respondJSON(w, http.StatusOK, window)
}

// Active lists open session windows for edge device discovery.
func (h *SessionsHandler) Active(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.ledger.ActiveSessions(r.Context())
	if err != nil {
		log.Printf("sessions: list active: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []attendance.SessionWindow{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// ReopenActive re-registers every window the ledger still has open
// with the aggregator. Called on server boot so in-memory session
// state survives restarts.
func ReopenActive(ctx context.Context, l ledger.Ledger, agg *aggregator.Aggregator) error {
	sessions, err := l.ActiveSessions(ctx)
	if err != nil {
		return err
	}
	for _, window := range sessions {
		if err := agg.OpenSession(window); err != nil {
			return err
		}
	}
	return nil
}
