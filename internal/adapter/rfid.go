package adapter

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gameocoder/attendance/internal/attendance"
	"github.com/gameocoder/attendance/internal/roster"
)

// RFIDScan is a raw card read from an NFC scanner.
type RFIDScan struct {
	Tag       string    `json:"rfid_tag"`
	SessionID string    `json:"session_id"`
	ReaderID  string    `json:"reader_id"`
	ScannedAt time.Time `json:"scanned_at"`
}

// RFID maps card tags to students. A scan of an unmapped card is
// rejected, not dropped; the scanner operator needs to know the card
// is orphaned.
type RFID struct {
	roster roster.Provider
}

// NewRFID creates an RFID adapter backed by the given roster.
func NewRFID(r roster.Provider) *RFID {
	return &RFID{roster: r}
}

// Normalize validates a scan and maps it to a DetectionEvent with
// confidence 1.0. A physical card read is the strongest evidence the
// system accepts.
func (a *RFID) Normalize(ctx context.Context, scan RFIDScan) (*attendance.DetectionEvent, error) {
	if scan.Tag == "" {
		return nil, reject(attendance.MethodRFID, scan.ReaderID, "empty rfid tag", scan.ScannedAt)
	}
	if scan.SessionID == "" {
		return nil, reject(attendance.MethodRFID, scan.Tag, "missing session id", scan.ScannedAt)
	}

	student, err := a.roster.ByRFIDTag(ctx, scan.Tag)
	if err != nil {
		return nil, err
	}
	if student == nil {
		return nil, reject(attendance.MethodRFID, scan.Tag, "no student mapped to card", scan.ScannedAt)
	}

	ts := scan.ScannedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	return &attendance.DetectionEvent{
		ID:          uuid.NewString(),
		StudentID:   student.ID,
		SessionID:   scan.SessionID,
		Method:      attendance.MethodRFID,
		Timestamp:   ts,
		Confidence:  1.0,
		RawSourceID: scan.Tag,
	}, nil
}
