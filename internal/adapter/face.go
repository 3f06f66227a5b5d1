package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gameocoder/attendance/internal/attendance"
	"github.com/gameocoder/attendance/internal/config"
)

// FaceDetection is one identity match reported by the camera daemon.
// The recognizer itself is a black box; by the time a detection gets
// here it already names a student and carries a match confidence.
type FaceDetection struct {
	StudentID  string    `json:"student_id"`
	SessionID  string    `json:"session_id"`
	CameraID   string    `json:"camera_id"`
	Confidence float64   `json:"confidence"`
	ObservedAt time.Time `json:"observed_at"`
}

// Face filters camera detections through the confidence floor before
// they reach the aggregator.
type Face struct {
	policy config.FacePolicy
}

// NewFace creates a face adapter with the given confirmation policy.
func NewFace(policy config.FacePolicy) *Face {
	return &Face{policy: policy}
}

// Normalize validates a detection and maps it to a DetectionEvent.
// Detections below the configured confidence floor are rejected here
// so a marginal camera match never even increments a counter.
func (a *Face) Normalize(ctx context.Context, det FaceDetection) (*attendance.DetectionEvent, error) {
	if det.StudentID == "" {
		return nil, reject(attendance.MethodFace, det.CameraID, "detection without student identity", det.ObservedAt)
	}
	if det.SessionID == "" {
		return nil, reject(attendance.MethodFace, det.CameraID, "missing session id", det.ObservedAt)
	}
	if det.Confidence < 0 || det.Confidence > 1 {
		return nil, reject(attendance.MethodFace, det.CameraID,
			fmt.Sprintf("confidence %.3f outside [0,1]", det.Confidence), det.ObservedAt)
	}
	if det.Confidence < a.policy.ConfidenceFloor {
		return nil, reject(attendance.MethodFace, det.CameraID,
			fmt.Sprintf("confidence %.3f below floor %.3f", det.Confidence, a.policy.ConfidenceFloor), det.ObservedAt)
	}

	ts := det.ObservedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	return &attendance.DetectionEvent{
		ID:          uuid.NewString(),
		StudentID:   det.StudentID,
		SessionID:   det.SessionID,
		Method:      attendance.MethodFace,
		Timestamp:   ts,
		Confidence:  det.Confidence,
		RawSourceID: det.CameraID,
	}, nil
}
