package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gameocoder/attendance/internal/attendance"
	"github.com/gameocoder/attendance/internal/ledger"
)

// AttendanceHandler exposes the ledger: single apply for the online
// path, bulk sync for edge drain cycles, and a read-only session feed.
type AttendanceHandler struct {
	ledger ledger.Ledger
}

// NewAttendanceHandler creates an attendance handler.
func NewAttendanceHandler(l ledger.Ledger) *AttendanceHandler {
	return &AttendanceHandler{ledger: l}
}

// Apply upserts a single decision.
func (h *AttendanceHandler) Apply(w http.ResponseWriter, r *http.Request) {
	var d attendance.AttendanceDecision
	if err := decodeJSON(r, &d); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if d.StudentID == "" || d.SessionID == "" {
		respondError(w, http.StatusBadRequest, "student_id and session_id are required")
		return
	}

	res, err := h.ledger.Apply(r.Context(), &d)
	if err != nil {
		log.Printf("attendance: apply %s/%s: %v", sanitizeForLog(d.StudentID), sanitizeForLog(d.SessionID), err)
		respondError(w, http.StatusInternalServerError, "failed to apply decision")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type syncRequest struct {
	Deliveries []ledger.Delivery `json:"deliveries"`
}

type syncResponse struct {
	Results []ledger.Result `json:"results"`
}

// Sync processes an ordered batch of deliveries from an edge device's
// drain cycle, answering each one individually.
func (h *AttendanceHandler) Sync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if len(req.Deliveries) == 0 {
		respondJSON(w, http.StatusOK, syncResponse{Results: []ledger.Result{}})
		return
	}

	results, err := h.ledger.ApplyBatch(r.Context(), req.Deliveries)
	if err != nil {
		log.Printf("attendance: sync batch of %d: %v", len(req.Deliveries), err)
		respondError(w, http.StatusInternalServerError, "failed to process sync batch")
		return
	}
	respondJSON(w, http.StatusOK, syncResponse{Results: results})
}

// Rows lists the authoritative rows for one session.
func (h *AttendanceHandler) Rows(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	rows, err := h.ledger.Rows(r.Context(), sessionID)
	if err != nil {
		log.Printf("attendance: rows %s: %v", sanitizeForLog(sessionID), err)
		respondError(w, http.StatusInternalServerError, "failed to list attendance")
		return
	}
	if rows == nil {
		rows = []ledger.Row{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

type overrideRequest struct {
	StudentID string            `json:"student_id"`
	SessionID string            `json:"session_id"`
	Method    attendance.Method `json:"method"`
	Status    attendance.Status `json:"status"`
}

// Override records an admin decision, e.g. marking a student present
// whose Zoom connection dropped before the closing roll-call. It goes
// through the same Apply entry point as everything else.
func (h *AttendanceHandler) Override(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if req.StudentID == "" || req.SessionID == "" {
		respondError(w, http.StatusBadRequest, "student_id and session_id are required")
		return
	}
	if req.Method == "" {
		req.Method = attendance.MethodZoom
	}
	if req.Status == "" {
		req.Status = attendance.StatusPresent
	}

	d := &attendance.AttendanceDecision{
		StudentID:  req.StudentID,
		SessionID:  req.SessionID,
		Method:     req.Method,
		Status:     req.Status,
		Confidence: 1.0,
		DecidedAt:  time.Now().UTC(),
		Override:   true,
	}
	res, err := h.ledger.Apply(r.Context(), d)
	if err != nil {
		log.Printf("attendance: override %s/%s: %v", sanitizeForLog(req.StudentID), sanitizeForLog(req.SessionID), err)
		respondError(w, http.StatusInternalServerError, "failed to apply override")
		return
	}
	respondJSON(w, http.StatusOK, res)
}
