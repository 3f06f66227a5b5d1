package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gameocoder/attendance/internal/adapter"
	"github.com/gameocoder/attendance/internal/aggregator"
	"github.com/gameocoder/attendance/internal/attendance"
)

// IngestHandler receives raw source payloads, pushes them through the
// matching adapter and feeds the aggregator. Bulk endpoints answer
// per item so a scanner operator sees exactly which cards failed.
type IngestHandler struct {
	rfid *adapter.RFID
	face *adapter.Face
	zoom *adapter.Zoom
	agg  *aggregator.Aggregator
}

// NewIngestHandler creates an ingest handler.
func NewIngestHandler(rfid *adapter.RFID, face *adapter.Face, zoom *adapter.Zoom, agg *aggregator.Aggregator) *IngestHandler {
	return &IngestHandler{rfid: rfid, face: face, zoom: zoom, agg: agg}
}

// ingestResult is the per-item acknowledgment of a bulk ingest.
type ingestResult struct {
	StudentID string `json:"student_id,omitempty"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

const (
	ingestMarked    = "marked"
	ingestDuplicate = "duplicate"
	ingestRejected  = "rejected"
	ingestError     = "error"
)

// classify maps an ingest error to its per-item acknowledgment.
func classify(ev *attendance.DetectionEvent, err error) ingestResult {
	res := ingestResult{}
	if ev != nil {
		res.StudentID = ev.StudentID
	}
	var rejected *attendance.RejectedInput
	switch {
	case err == nil:
		res.Status = ingestMarked
	case errors.Is(err, attendance.ErrDuplicate):
		res.Status = ingestDuplicate
	case errors.As(err, &rejected):
		res.Status = ingestRejected
		res.Reason = rejected.Reason
	case errors.Is(err, attendance.ErrUnknownSession):
		res.Status = ingestRejected
		res.Reason = "unknown session"
	case errors.Is(err, attendance.ErrStaleEvent):
		res.Status = ingestRejected
		res.Reason = "outside session window"
	default:
		res.Status = ingestError
		res.Reason = "internal error"
	}
	return res
}

type bulkRFIDRequest struct {
	Scans []adapter.RFIDScan `json:"scans"`
}

// RFID handles a batch of card scans, typically flushed by a scanner
// after a round of the room.
func (h *IngestHandler) RFID(w http.ResponseWriter, r *http.Request) {
	var req bulkRFIDRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if len(req.Scans) == 0 {
		respondError(w, http.StatusBadRequest, "no scans in request")
		return
	}

	results := make([]ingestResult, 0, len(req.Scans))
	for _, scan := range req.Scans {
		ev, err := h.rfid.Normalize(r.Context(), scan)
		if err == nil {
			err = h.agg.Ingest(r.Context(), ev)
		}
		if err != nil {
			log.Printf("ingest: rfid tag %s: %v", sanitizeForLog(scan.Tag), err)
		}
		results = append(results, classify(ev, err))
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

type faceRequest struct {
	Detections []adapter.FaceDetection `json:"detections"`
}

// Face handles a batch of camera identity matches.
func (h *IngestHandler) Face(w http.ResponseWriter, r *http.Request) {
	var req faceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if len(req.Detections) == 0 {
		respondError(w, http.StatusBadRequest, "no detections in request")
		return
	}

	results := make([]ingestResult, 0, len(req.Detections))
	for _, det := range req.Detections {
		ev, err := h.face.Normalize(r.Context(), det)
		if err == nil {
			err = h.agg.Ingest(r.Context(), ev)
		}
		if err != nil {
			log.Printf("ingest: face camera %s: %v", sanitizeForLog(det.CameraID), err)
		}
		results = append(results, classify(ev, err))
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

type zoomRequest struct {
	Participants []adapter.ZoomParticipant `json:"participants"`
}

// Zoom handles a participant list snapshot from the meeting poller.
func (h *IngestHandler) Zoom(w http.ResponseWriter, r *http.Request) {
	var req zoomRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if len(req.Participants) == 0 {
		respondError(w, http.StatusBadRequest, "no participants in request")
		return
	}

	results := make([]ingestResult, 0, len(req.Participants))
	for _, p := range req.Participants {
		ev, err := h.zoom.Normalize(r.Context(), p)
		if err == nil {
			err = h.agg.Ingest(r.Context(), ev)
		}
		if err != nil {
			log.Printf("ingest: zoom participant %s: %v", sanitizeForLog(p.DisplayName), err)
		}
		results = append(results, classify(ev, err))
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

// Stats serves the aggregator's live counters for one session.
func (h *IngestHandler) Stats(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	stats := h.agg.Snapshot(sessionID)
	if stats == nil {
		respondError(w, http.StatusNotFound, "session not tracked")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
