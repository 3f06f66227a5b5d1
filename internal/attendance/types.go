package attendance

import (
	"time"
)

// Method identifies the evidence source that produced a detection.
type Method string

const (
	MethodRFID Method = "rfid"
	MethodFace Method = "face"
	MethodZoom Method = "zoom"
)

// Valid reports whether m is one of the known detection methods.
func (m Method) Valid() bool {
	switch m {
	case MethodRFID, MethodFace, MethodZoom:
		return true
	}
	return false
}

// Status is the derived attendance state for a student in a session.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusPending Status = "pending"
)

// DetectionEvent is a single normalized observation of a student.
// Events are immutable once created; adapters produce them and only
// the aggregator consumes them.
type DetectionEvent struct {
	ID          string    `json:"id"`
	StudentID   string    `json:"student_id"`
	SessionID   string    `json:"session_id"`
	Method      Method    `json:"method"`
	Timestamp   time.Time `json:"timestamp"`
	Confidence  float64   `json:"confidence"` // [0,1]
	RawSourceID string    `json:"raw_source_id"`
}

// AttendanceDecision is the outcome of the confirmation policy for one
// (student, session, method). Immutable after creation; a decision is
// only ever replaced in the ledger by a higher-priority method.
type AttendanceDecision struct {
	StudentID      string    `json:"student_id"`
	SessionID      string    `json:"session_id"`
	Method         Method    `json:"method"`
	Status         Status    `json:"status"`
	Confidence     float64   `json:"confidence"`
	DecidedAt      time.Time `json:"decided_at"`
	DetectionCount int       `json:"detection_count"`
	Override       bool      `json:"override,omitempty"`
}

// SessionWindow bounds one scheduled class meeting. Events outside
// [OpenedAt, ClosedAt] are stale and must be rejected.
type SessionWindow struct {
	SessionID  string     `json:"session_id"`
	ScheduleID string     `json:"schedule_id"`
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

// Open reports whether the window still accepts events.
func (w *SessionWindow) Open() bool {
	return w.ClosedAt == nil
}

// Contains reports whether ts falls inside the window bounds.
func (w *SessionWindow) Contains(ts time.Time) bool {
	if ts.Before(w.OpenedAt) {
		return false
	}
	if w.ClosedAt != nil && ts.After(*w.ClosedAt) {
		return false
	}
	return true
}

// SyncState tracks an envelope through the local queue.
type SyncState string

const (
	SyncPending      SyncState = "pending"
	SyncInFlight     SyncState = "in_flight"
	SyncAcknowledged SyncState = "acknowledged"
	SyncFailed       SyncState = "failed"
)

// SyncEnvelope wraps a decision (or a raw event, for the edge audit
// trail) for durable delivery to the central ledger. Seq is the
// per-device monotonic sequence number and doubles as the idempotency
// key together with (student, session, method).
type SyncEnvelope struct {
	Seq       int64               `json:"seq"`
	DeviceID  string              `json:"device_id"`
	Decision  *AttendanceDecision `json:"decision,omitempty"`
	Event     *DetectionEvent     `json:"event,omitempty"`
	State     SyncState           `json:"state"`
	Attempts  int                 `json:"attempts"`
	LastError string              `json:"last_error,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// IdempotencyKey identifies an envelope delivery such that redelivery
// is a no-op on the receiving side.
type IdempotencyKey struct {
	StudentID string `json:"student_id"`
	SessionID string `json:"session_id"`
	Method    Method `json:"method"`
	Seq       int64  `json:"seq"`
	DeviceID  string `json:"device_id"`
}

// Key builds the idempotency key for the envelope's decision.
// Returns the zero key for event-only envelopes, which are audit
// records and carry no ledger mutation.
func (e *SyncEnvelope) Key() IdempotencyKey {
	if e.Decision == nil {
		return IdempotencyKey{}
	}
	return IdempotencyKey{
		StudentID: e.Decision.StudentID,
		SessionID: e.Decision.SessionID,
		Method:    e.Decision.Method,
		Seq:       e.Seq,
		DeviceID:  e.DeviceID,
	}
}
