// Package aggregator turns streams of DetectionEvents into
// AttendanceDecisions according to the per-method confirmation policy.
//
// All state is keyed by session and owned here: events for one session
// are serialized under the session lock, so ConfirmationCounter updates
// are race-free, while different sessions process fully in parallel.
package aggregator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gameocoder/attendance/internal/attendance"
	"github.com/gameocoder/attendance/internal/config"
	"github.com/gameocoder/attendance/internal/roster"
)

// Sink receives finished decisions. The online path hands them to the
// ledger; the edge path hands them to the durable queue.
type Sink interface {
	Emit(ctx context.Context, decision *attendance.AttendanceDecision) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, decision *attendance.AttendanceDecision) error

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, decision *attendance.AttendanceDecision) error {
	return f(ctx, decision)
}

// Aggregator applies confirmation policy per (student, session, method).
type Aggregator struct {
	policy   config.Policy
	priority *attendance.Priority
	roster   roster.Provider
	sink     Sink
	audit    func(ctx context.Context, ev *attendance.DetectionEvent)

	mu       sync.RWMutex
	sessions map[string]*sessionState
}

// sessionState holds everything the aggregator knows about one window.
// Guarded by its own mutex; the aggregator map lock is only held for
// lookup so sessions never serialize against each other.
type sessionState struct {
	mu       sync.Mutex
	window   attendance.SessionWindow
	students map[string]*studentState
}

// studentState is the per-(student, session) ConfirmationCounter set.
type studentState struct {
	rfidScanned bool

	// one qualifying confidence per sampling tick
	faceTicks map[int64]float64

	zoomSightings int
	zoomFirstSeen time.Time
	zoomLastSeen  time.Time

	// methods that already produced a present decision
	confirmed map[attendance.Method]bool
}

// New creates an Aggregator. Decisions go to sink; the roster provider
// supplies the enrolled list for the closed-world sweep at window close.
func New(policy config.Policy, r roster.Provider, sink Sink) *Aggregator {
	return &Aggregator{
		policy:   policy,
		priority: attendance.NewPriority(policy.Priority),
		roster:   r,
		sink:     sink,
		sessions: make(map[string]*sessionState),
	}
}

// SetAudit registers a hook that receives every event admitted past the
// window checks, duplicates included. The edge device uses it to
// journal raw detections into the durable queue.
func (a *Aggregator) SetAudit(fn func(ctx context.Context, ev *attendance.DetectionEvent)) {
	a.audit = fn
}

// OpenSession registers a session window. Opening an already-open
// session is a no-op; reopening a closed one is an error.
func (a *Aggregator) OpenSession(window attendance.SessionWindow) error {
	if window.SessionID == "" {
		return fmt.Errorf("open session: empty session id")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.sessions[window.SessionID]; ok {
		existing.mu.Lock()
		open := existing.window.Open()
		existing.mu.Unlock()
		if open {
			return nil
		}
		return fmt.Errorf("open session %s: window already closed", window.SessionID)
	}

	a.sessions[window.SessionID] = &sessionState{
		window:   window,
		students: make(map[string]*studentState),
	}
	log.Printf("aggregator: opened session %s (schedule %s)", window.SessionID, window.ScheduleID)
	return nil
}

// ActiveSessions lists currently open windows, for edge devices
// discovering where to attach.
func (a *Aggregator) ActiveSessions() []attendance.SessionWindow {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var open []attendance.SessionWindow
	for _, s := range a.sessions {
		s.mu.Lock()
		if s.window.Open() {
			open = append(open, s.window)
		}
		s.mu.Unlock()
	}
	return open
}

// Ingest applies one event to the session's counters and emits a
// decision when a confirmation policy is satisfied.
//
// Returns attendance.ErrUnknownSession, attendance.ErrStaleEvent or
// attendance.ErrDuplicate for the non-fatal per-event outcomes; the
// caller logs them and carries on with other events.
func (a *Aggregator) Ingest(ctx context.Context, ev *attendance.DetectionEvent) error {
	a.mu.RLock()
	sess := a.sessions[ev.SessionID]
	a.mu.RUnlock()
	if sess == nil {
		return fmt.Errorf("session %s: %w", ev.SessionID, attendance.ErrUnknownSession)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	// A closed window rejects everything immediately, even events that
	// were produced before the close. There is no grace period.
	if !sess.window.Open() || !sess.window.Contains(ev.Timestamp) {
		return fmt.Errorf("session %s event at %s: %w",
			ev.SessionID, ev.Timestamp.Format(time.RFC3339), attendance.ErrStaleEvent)
	}

	if a.audit != nil {
		a.audit(ctx, ev)
	}

	st := sess.students[ev.StudentID]
	if st == nil {
		st = &studentState{
			faceTicks: make(map[int64]float64),
			confirmed: make(map[attendance.Method]bool),
		}
		sess.students[ev.StudentID] = st
	}

	switch ev.Method {
	case attendance.MethodRFID:
		return a.ingestRFID(ctx, sess, st, ev)
	case attendance.MethodFace:
		return a.ingestFace(ctx, sess, st, ev)
	case attendance.MethodZoom:
		return a.ingestZoom(st, ev)
	default:
		return fmt.Errorf("event %s: unknown method %q", ev.ID, ev.Method)
	}
}

// ingestRFID confirms on the first valid scan; repeats are duplicates.
func (a *Aggregator) ingestRFID(ctx context.Context, sess *sessionState, st *studentState, ev *attendance.DetectionEvent) error {
	if st.rfidScanned {
		return fmt.Errorf("student %s session %s rfid: %w", ev.StudentID, ev.SessionID, attendance.ErrDuplicate)
	}
	st.rfidScanned = true

	return a.confirm(ctx, st, &attendance.AttendanceDecision{
		StudentID:      ev.StudentID,
		SessionID:      ev.SessionID,
		Method:         attendance.MethodRFID,
		Status:         attendance.StatusPresent,
		Confidence:     1.0,
		DecidedAt:      ev.Timestamp,
		DetectionCount: 1,
	})
}

// ingestFace counts at most one qualifying detection per sampling tick
// so a student sitting in front of the camera all lesson does not
// inflate the count. Confirms at the policy threshold with the mean
// confidence of the counted detections.
func (a *Aggregator) ingestFace(ctx context.Context, sess *sessionState, st *studentState, ev *attendance.DetectionEvent) error {
	if st.confirmed[attendance.MethodFace] {
		return fmt.Errorf("student %s session %s face: %w", ev.StudentID, ev.SessionID, attendance.ErrDuplicate)
	}

	tick := int64(ev.Timestamp.Sub(sess.window.OpenedAt) / a.policy.Face.SampleInterval.Std())
	if _, seen := st.faceTicks[tick]; seen {
		return fmt.Errorf("student %s session %s face tick %d: %w", ev.StudentID, ev.SessionID, tick, attendance.ErrDuplicate)
	}
	st.faceTicks[tick] = ev.Confidence

	if len(st.faceTicks) < a.policy.Face.MinDetections {
		return nil
	}

	var sum float64
	for _, c := range st.faceTicks {
		sum += c
	}
	mean := sum / float64(len(st.faceTicks))

	return a.confirm(ctx, st, &attendance.AttendanceDecision{
		StudentID:      ev.StudentID,
		SessionID:      ev.SessionID,
		Method:         attendance.MethodFace,
		Status:         attendance.StatusPresent,
		Confidence:     mean,
		DecidedAt:      ev.Timestamp,
		DetectionCount: len(st.faceTicks),
	})
}

// ingestZoom only records the sighting. Zoom confirmation needs
// presence at both window bounds, which is only knowable at close.
func (a *Aggregator) ingestZoom(st *studentState, ev *attendance.DetectionEvent) error {
	st.zoomSightings++
	if st.zoomFirstSeen.IsZero() || ev.Timestamp.Before(st.zoomFirstSeen) {
		st.zoomFirstSeen = ev.Timestamp
	}
	if ev.Timestamp.After(st.zoomLastSeen) {
		st.zoomLastSeen = ev.Timestamp
	}
	return nil
}

// confirm sends a present decision to the sink. The confirmed flag is
// only set on success so a failed emit (full disk, dead queue) can be
// retried by the next triggering event.
func (a *Aggregator) confirm(ctx context.Context, st *studentState, d *attendance.AttendanceDecision) error {
	if err := a.sink.Emit(ctx, d); err != nil {
		return fmt.Errorf("emit %s decision for student %s: %w", d.Method, d.StudentID, err)
	}
	st.confirmed[d.Method] = true
	log.Printf("aggregator: confirmed %s present in %s via %s (confidence %.3f, %d detections)",
		d.StudentID, d.SessionID, d.Method, d.Confidence, d.DetectionCount)
	return nil
}

// CloseSession closes the window at closedAt, resolves pending Zoom
// confirmations, and assigns absent to every enrolled student without
// a present decision.
//
// The absent default is a deliberate closed-world assumption: the
// roster is treated as complete and authoritative, so no evidence
// means not there. Closing takes effect atomically under the session
// lock; events arriving after it are rejected as stale with no grace
// period. Per-student sink failures are logged and skipped so one bad
// emit cannot strand the rest of the roster.
func (a *Aggregator) CloseSession(ctx context.Context, sessionID string, closedAt time.Time) error {
	a.mu.RLock()
	sess := a.sessions[sessionID]
	a.mu.RUnlock()
	if sess == nil {
		return fmt.Errorf("close session %s: %w", sessionID, attendance.ErrUnknownSession)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if !sess.window.Open() {
		return nil
	}
	sess.window.ClosedAt = &closedAt

	var firstErr error

	// Zoom confirmations first: a student present at both bounds gets
	// a present decision before the absent sweep looks at them.
	for studentID, st := range sess.students {
		if st.zoomSightings == 0 || st.confirmed[attendance.MethodZoom] {
			continue
		}
		if !a.zoomSatisfied(&sess.window, st) {
			continue
		}
		err := a.confirm(ctx, st, &attendance.AttendanceDecision{
			StudentID:      studentID,
			SessionID:      sessionID,
			Method:         attendance.MethodZoom,
			Status:         attendance.StatusPresent,
			Confidence:     1.0,
			DecidedAt:      closedAt,
			DetectionCount: st.zoomSightings,
		})
		if err != nil {
			log.Printf("aggregator: close %s: %v", sessionID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	enrolled, err := a.roster.Enrolled(ctx, sess.window.ScheduleID)
	if err != nil {
		return fmt.Errorf("close session %s: load roster: %w", sessionID, err)
	}

	weakest := a.weakestMethod()
	for _, student := range enrolled {
		st := sess.students[student.ID]
		if st != nil && len(st.confirmed) > 0 {
			continue
		}
		absent := &attendance.AttendanceDecision{
			StudentID:  student.ID,
			SessionID:  sessionID,
			Method:     weakest,
			Status:     attendance.StatusAbsent,
			Confidence: 1.0,
			DecidedAt:  closedAt,
		}
		if err := a.sink.Emit(ctx, absent); err != nil {
			log.Printf("aggregator: close %s: emit absent for %s: %v", sessionID, student.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	// Counters reset with the window; the decisions are out the door.
	sess.students = make(map[string]*studentState)

	log.Printf("aggregator: closed session %s (%d enrolled)", sessionID, len(enrolled))
	return firstErr
}

// zoomSatisfied checks the both-bounds rule: the student must have
// been sighted in the opening half and in the closing half of the
// window. With require_both_bounds off, any sighting suffices.
func (a *Aggregator) zoomSatisfied(w *attendance.SessionWindow, st *studentState) bool {
	if !a.policy.Zoom.RequireBothBounds {
		return true
	}
	mid := w.OpenedAt.Add(w.ClosedAt.Sub(w.OpenedAt) / 2)
	return st.zoomFirstSeen.Before(mid) && !st.zoomLastSeen.Before(mid)
}

// weakestMethod returns the lowest-priority configured method; absent
// sweep rows carry it so any later evidence-backed decision outranks
// them on method priority as well as on status.
func (a *Aggregator) weakestMethod() attendance.Method {
	order := a.policy.Priority
	if len(order) == 0 {
		order = attendance.DefaultPriority
	}
	return order[len(order)-1]
}
