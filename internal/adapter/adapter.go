// Package adapter normalizes heterogeneous raw inputs (RFID scans,
// face detections, Zoom participants) into attendance.DetectionEvent.
// Adapters are stateless; validation failures come back as
// *attendance.RejectedInput so callers can surface them for manual
// reconciliation instead of dropping them.
package adapter

import (
	"time"

	"github.com/gameocoder/attendance/internal/attendance"
)

func reject(method attendance.Method, sourceID, reason string, ts time.Time) error {
	return &attendance.RejectedInput{
		Method:      method,
		RawSourceID: sourceID,
		Reason:      reason,
		Timestamp:   ts,
	}
}
