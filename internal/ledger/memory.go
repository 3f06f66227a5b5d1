package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gameocoder/attendance/internal/attendance"
)

// Memory is an in-memory Ledger with the same upsert semantics as the
// Postgres implementation. Tests use it directly; the edge daemon uses
// it as a local mirror when asked to run without a central database.
type Memory struct {
	priority *attendance.Priority

	mu         sync.Mutex
	sessions   map[string]attendance.SessionWindow
	rows       map[string]map[string]Row // session id -> student id -> row
	deliveries map[string]Result         // "device/seq" -> recorded outcome
	events     map[string]attendance.DetectionEvent
}

// NewMemory creates an empty in-memory ledger.
func NewMemory(priority *attendance.Priority) *Memory {
	if priority == nil {
		priority = attendance.NewPriority(nil)
	}
	return &Memory{
		priority:   priority,
		sessions:   make(map[string]attendance.SessionWindow),
		rows:       make(map[string]map[string]Row),
		deliveries: make(map[string]Result),
		events:     make(map[string]attendance.DetectionEvent),
	}
}

// Apply upserts one decision.
func (m *Memory) Apply(ctx context.Context, d *attendance.AttendanceDecision) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(d)
}

func (m *Memory) applyLocked(d *attendance.AttendanceDecision) (Result, error) {
	var w *attendance.SessionWindow
	if sess, ok := m.sessions[d.SessionID]; ok {
		w = &sess
	}
	if res := admissible(w, d); res != nil {
		return *res, nil
	}

	byStudent := m.rows[d.SessionID]
	if byStudent == nil {
		byStudent = make(map[string]Row)
		m.rows[d.SessionID] = byStudent
	}

	existing, ok := byStudent[d.StudentID]
	if ok {
		prev := rowDecision(&existing)
		if !m.priority.Outranks(d, prev) {
			return Result{Outcome: OutcomeSuperseded}, nil
		}
		if err := checkIntegrity(d, prev); err != nil {
			return Result{}, err
		}
	}
	byStudent[d.StudentID] = decisionRow(d, time.Now().UTC())
	return Result{Outcome: OutcomeApplied}, nil
}

// ApplyBatch processes a drain cycle with per-item acknowledgment and
// (device, seq) redelivery dedup.
func (m *Memory) ApplyBatch(ctx context.Context, batch []Delivery) ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]Result, len(batch))
	for i, item := range batch {
		var deliveryKey string
		if item.Key != nil {
			deliveryKey = fmt.Sprintf("%s/%d", item.Key.DeviceID, item.Key.Seq)
			if prev, seen := m.deliveries[deliveryKey]; seen {
				results[i] = prev
				continue
			}
		}

		var res Result
		switch {
		case item.Decision != nil:
			var err error
			res, err = m.applyLocked(item.Decision)
			if err != nil {
				return nil, err
			}
		case item.Event != nil:
			res = m.recordEventLocked(item.Event)
		default:
			res = Result{Outcome: OutcomeRejected, Reason: "empty delivery"}
		}

		if deliveryKey != "" {
			m.deliveries[deliveryKey] = res
		}
		results[i] = res
	}
	return results, nil
}

// recordEventLocked stores an audit event; duplicates by event id are
// acknowledged without effect.
func (m *Memory) recordEventLocked(ev *attendance.DetectionEvent) Result {
	if _, ok := m.sessions[ev.SessionID]; !ok {
		return Result{Outcome: OutcomeRejected, Reason: "unknown session"}
	}
	m.events[ev.ID] = *ev
	return Result{Outcome: OutcomeApplied}
}

// Rows lists rows for one session ordered by student id.
func (m *Memory) Rows(ctx context.Context, sessionID string) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byStudent := m.rows[sessionID]
	rows := make([]Row, 0, len(byStudent))
	for _, r := range byStudent {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].StudentID < rows[j].StudentID })
	return rows, nil
}

// OpenSession registers a window.
func (m *Memory) OpenSession(ctx context.Context, w attendance.SessionWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[w.SessionID]; ok {
		return nil
	}
	m.sessions[w.SessionID] = w
	return nil
}

// CloseSession stamps the closing time.
func (m *Memory) CloseSession(ctx context.Context, sessionID string, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("close session %s: %w", sessionID, attendance.ErrUnknownSession)
	}
	if w.ClosedAt == nil {
		w.ClosedAt = &closedAt
		m.sessions[sessionID] = w
	}
	return nil
}

// Session fetches a window, nil if unknown.
func (m *Memory) Session(ctx context.Context, sessionID string) (*attendance.SessionWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

// ActiveSessions lists open windows.
func (m *Memory) ActiveSessions(ctx context.Context) ([]attendance.SessionWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var open []attendance.SessionWindow
	for _, w := range m.sessions {
		if w.Open() {
			open = append(open, w)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].SessionID < open[j].SessionID })
	return open, nil
}

// checkIntegrity guards the must-never-happen case of two decisions
// both claiming authoritative present status with identical rank and
// time but different content. Hitting it means the tie-break is wrong.
func checkIntegrity(incoming, existing *attendance.AttendanceDecision) error {
	if incoming.Status == attendance.StatusPresent &&
		existing.Status == attendance.StatusPresent &&
		incoming.Method == existing.Method &&
		incoming.DecidedAt.Equal(existing.DecidedAt) &&
		incoming.Confidence != existing.Confidence {
		return &attendance.IntegrityViolation{
			StudentID: incoming.StudentID,
			SessionID: incoming.SessionID,
			Detail: fmt.Sprintf("conflicting %s present decisions at %s (confidence %.3f vs %.3f)",
				incoming.Method, incoming.DecidedAt.Format(time.RFC3339), incoming.Confidence, existing.Confidence),
		}
	}
	return nil
}
