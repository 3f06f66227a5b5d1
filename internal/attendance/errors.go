package attendance

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the non-fatal, per-event failure modes. Callers
// match with errors.Is; none of these abort processing of other
// students or sessions.
var (
	// ErrStaleEvent marks an event timestamped outside its session window.
	ErrStaleEvent = errors.New("event outside session window")

	// ErrUnknownSession marks an event or decision for a session the
	// receiver has never seen.
	ErrUnknownSession = errors.New("unknown session")

	// ErrDuplicate marks an event discarded by deduplication (repeat
	// RFID scan, extra face hit within one sampling tick).
	ErrDuplicate = errors.New("duplicate detection")
)

// RejectedInput is returned by adapters for malformed or unmatched raw
// input. It carries enough context for manual reconciliation and is
// surfaced to the caller, never silently dropped.
type RejectedInput struct {
	Method      Method
	RawSourceID string
	Reason      string
	Timestamp   time.Time
}

func (e *RejectedInput) Error() string {
	return fmt.Sprintf("rejected %s input %q: %s", e.Method, e.RawSourceID, e.Reason)
}

// IntegrityViolation reports two decisions claiming authoritative
// present status inconsistently. It indicates a bug in the priority
// tie-break, not a recoverable runtime condition.
type IntegrityViolation struct {
	StudentID string
	SessionID string
	Detail    string
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("window integrity violation for student %s session %s: %s",
		e.StudentID, e.SessionID, e.Detail)
}
