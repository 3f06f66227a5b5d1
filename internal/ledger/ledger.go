// Package ledger is the central authoritative attendance store. One
// row per (student, session), upserted by method priority and decision
// time; the same Apply entry point serves the online path and the sync
// engine so delivery route never changes semantics.
package ledger

import (
	"context"
	"time"

	"github.com/gameocoder/attendance/internal/attendance"
)

// Outcome classifies the result of applying a decision.
type Outcome string

const (
	// OutcomeApplied means the decision is now the authoritative row.
	OutcomeApplied Outcome = "applied"
	// OutcomeSuperseded means an existing higher-priority row was kept.
	OutcomeSuperseded Outcome = "superseded"
	// OutcomeRejected means the decision cannot be recorded at all
	// (unknown session, timestamp outside the window).
	OutcomeRejected Outcome = "rejected"
)

// Result is the per-decision acknowledgment.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// Delivery is one item of a sync drain cycle. Key carries the
// device/sequence identity for exactly-once accounting; it is nil on
// the online path. Exactly one of Decision and Event is set.
type Delivery struct {
	Key      *attendance.IdempotencyKey     `json:"key,omitempty"`
	Decision *attendance.AttendanceDecision `json:"decision,omitempty"`
	Event    *attendance.DetectionEvent     `json:"event,omitempty"`
}

// Row is one authoritative ledger row.
type Row struct {
	StudentID      string            `json:"student_id"`
	SessionID      string            `json:"session_id"`
	Method         attendance.Method `json:"method"`
	Status         attendance.Status `json:"status"`
	Confidence     float64           `json:"confidence"`
	DecidedAt      time.Time         `json:"decided_at"`
	DetectionCount int               `json:"detection_count"`
	Override       bool              `json:"override"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Ledger is the full central store surface.
type Ledger interface {
	// Apply upserts one decision. Applying the same decision twice
	// yields the same final row as applying it once.
	Apply(ctx context.Context, d *attendance.AttendanceDecision) (Result, error)

	// ApplyBatch processes an ordered drain cycle with per-item
	// acknowledgment. Items with a Key are deduplicated on
	// (device, seq): redelivery returns the recorded outcome without
	// touching the row again.
	ApplyBatch(ctx context.Context, batch []Delivery) ([]Result, error)

	// Rows lists the authoritative rows for one session.
	Rows(ctx context.Context, sessionID string) ([]Row, error)

	// OpenSession registers a session window.
	OpenSession(ctx context.Context, w attendance.SessionWindow) error

	// CloseSession stamps the window's closing time.
	CloseSession(ctx context.Context, sessionID string, closedAt time.Time) error

	// Session fetches a window, nil if unknown.
	Session(ctx context.Context, sessionID string) (*attendance.SessionWindow, error)

	// ActiveSessions lists open windows for edge device discovery.
	ActiveSessions(ctx context.Context) ([]attendance.SessionWindow, error)
}

// decisionRow converts a decision into its row form.
func decisionRow(d *attendance.AttendanceDecision, now time.Time) Row {
	return Row{
		StudentID:      d.StudentID,
		SessionID:      d.SessionID,
		Method:         d.Method,
		Status:         d.Status,
		Confidence:     d.Confidence,
		DecidedAt:      d.DecidedAt,
		DetectionCount: d.DetectionCount,
		Override:       d.Override,
		UpdatedAt:      now,
	}
}

// rowDecision converts a row back to decision form for tie-breaking.
func rowDecision(r *Row) *attendance.AttendanceDecision {
	return &attendance.AttendanceDecision{
		StudentID:      r.StudentID,
		SessionID:      r.SessionID,
		Method:         r.Method,
		Status:         r.Status,
		Confidence:     r.Confidence,
		DecidedAt:      r.DecidedAt,
		DetectionCount: r.DetectionCount,
		Override:       r.Override,
	}
}

// admissible checks a decision against the session window. A decision
// for an unknown session, or decided outside the window bounds, is
// rejected; late *delivery* of a decision made inside the window is
// fine, that is the whole point of the sync engine.
func admissible(w *attendance.SessionWindow, d *attendance.AttendanceDecision) *Result {
	if w == nil {
		return &Result{Outcome: OutcomeRejected, Reason: "unknown session"}
	}
	if !d.Override {
		if d.DecidedAt.Before(w.OpenedAt) {
			return &Result{Outcome: OutcomeRejected, Reason: "decided before window opened"}
		}
		if w.ClosedAt != nil && d.DecidedAt.After(*w.ClosedAt) {
			return &Result{Outcome: OutcomeRejected, Reason: "decided after window closed"}
		}
	}
	if !d.Method.Valid() {
		return &Result{Outcome: OutcomeRejected, Reason: "unknown method"}
	}
	return nil
}
