package aggregator

import (
	"github.com/gameocoder/attendance/internal/attendance"
)

// SessionStats is a point-in-time view of one session's counters,
// used by the edge status command and periodic logging.
type SessionStats struct {
	SessionID       string   `json:"session_id"`
	Open            bool     `json:"open"`
	UniqueStudents  int      `json:"unique_students"`
	TotalDetections int      `json:"total_detections"`
	Confirmed       int      `json:"confirmed"`
	PendingStudents []string `json:"pending_students,omitempty"`
}

// Snapshot returns stats for a session, or nil if the session is
// unknown.
func (a *Aggregator) Snapshot(sessionID string) *SessionStats {
	a.mu.RLock()
	sess := a.sessions[sessionID]
	a.mu.RUnlock()
	if sess == nil {
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	stats := &SessionStats{
		SessionID: sessionID,
		Open:      sess.window.Open(),
	}
	for studentID, st := range sess.students {
		stats.UniqueStudents++
		detections := len(st.faceTicks) + st.zoomSightings
		if st.rfidScanned {
			detections++
		}
		stats.TotalDetections += detections
		if len(st.confirmed) > 0 {
			stats.Confirmed++
		} else {
			stats.PendingStudents = append(stats.PendingStudents, studentID)
		}
	}
	return stats
}

// Window returns a copy of the session window, or nil if unknown.
func (a *Aggregator) Window(sessionID string) *attendance.SessionWindow {
	a.mu.RLock()
	sess := a.sessions[sessionID]
	a.mu.RUnlock()
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	w := sess.window
	return &w
}
