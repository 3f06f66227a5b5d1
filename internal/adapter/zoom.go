package adapter

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gameocoder/attendance/internal/attendance"
	"github.com/gameocoder/attendance/internal/roster"
)

// ZoomParticipant is one row of a meeting participant list as fetched
// by the Zoom poller at a roll-call.
type ZoomParticipant struct {
	DisplayName string    `json:"display_name"`
	MeetingID   string    `json:"meeting_id"`
	SessionID   string    `json:"session_id"`
	SeenAt      time.Time `json:"seen_at"`
}

// Zoom matches meeting display names against the roster. Participants
// whose names match no enrolled student are rejected for manual
// reconciliation; students routinely join under nicknames.
type Zoom struct {
	roster roster.Provider
}

// NewZoom creates a Zoom adapter backed by the given roster.
func NewZoom(r roster.Provider) *Zoom {
	return &Zoom{roster: r}
}

// Normalize resolves a participant to a student via normalized name
// matching and maps the sighting to a DetectionEvent with confidence
// 1.0 (the meeting account was present, whoever sat behind it).
func (a *Zoom) Normalize(ctx context.Context, p ZoomParticipant) (*attendance.DetectionEvent, error) {
	if p.DisplayName == "" {
		return nil, reject(attendance.MethodZoom, p.MeetingID, "participant without display name", p.SeenAt)
	}
	if p.SessionID == "" {
		return nil, reject(attendance.MethodZoom, p.DisplayName, "missing session id", p.SeenAt)
	}

	student, err := a.roster.ByName(ctx, p.DisplayName)
	if err != nil {
		return nil, err
	}
	if student == nil {
		return nil, reject(attendance.MethodZoom, p.DisplayName, "no roster match for display name", p.SeenAt)
	}

	ts := p.SeenAt
	if ts.IsZero() {
		ts = time.Now()
	}

	return &attendance.DetectionEvent{
		ID:          uuid.NewString(),
		StudentID:   student.ID,
		SessionID:   p.SessionID,
		Method:      attendance.MethodZoom,
		Timestamp:   ts,
		Confidence:  1.0,
		RawSourceID: p.MeetingID,
	}, nil
}
