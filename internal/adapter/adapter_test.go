package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gameocoder/attendance/internal/attendance"
	"github.com/gameocoder/attendance/internal/config"
	"github.com/gameocoder/attendance/internal/roster"
)

func testRoster() *roster.Memory {
	m := roster.NewMemory()
	m.Add(roster.Student{ID: "s-1", Name: "Jiří Novák", RFIDTag: "CARD-1", Section: "3A"}, "sched-1")
	return m
}

func asRejected(t *testing.T, err error) *attendance.RejectedInput {
	t.Helper()
	var rejected *attendance.RejectedInput
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedInput, got %v", err)
	}
	return rejected
}

func TestRFIDNormalize(t *testing.T) {
	a := NewRFID(testRoster())
	at := time.Date(2026, 3, 2, 10, 5, 0, 0, time.UTC)

	ev, err := a.Normalize(context.Background(), RFIDScan{
		Tag: "CARD-1", SessionID: "sess-1", ReaderID: "reader-1", ScannedAt: at,
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.StudentID != "s-1" {
		t.Errorf("StudentID = %q, want s-1", ev.StudentID)
	}
	if ev.Method != attendance.MethodRFID || ev.Confidence != 1.0 {
		t.Errorf("got method %s confidence %f, want rfid 1.0", ev.Method, ev.Confidence)
	}
	if ev.ID == "" {
		t.Error("event should get a generated id")
	}
	if !ev.Timestamp.Equal(at) {
		t.Errorf("Timestamp = %s, want %s", ev.Timestamp, at)
	}
}

func TestRFIDNormalize_Rejections(t *testing.T) {
	a := NewRFID(testRoster())
	ctx := context.Background()

	tests := []struct {
		name string
		scan RFIDScan
	}{
		{"empty tag", RFIDScan{SessionID: "sess-1"}},
		{"missing session", RFIDScan{Tag: "CARD-1"}},
		{"unmapped card", RFIDScan{Tag: "CARD-ORPHAN", SessionID: "sess-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := a.Normalize(ctx, tt.scan)
			if ev != nil {
				t.Errorf("expected no event, got %+v", ev)
			}
			asRejected(t, err)
		})
	}
}

func TestFaceNormalize_ConfidenceFloor(t *testing.T) {
	a := NewFace(config.FacePolicy{MinDetections: 3, ConfidenceFloor: 0.6})
	ctx := context.Background()

	ev, err := a.Normalize(ctx, FaceDetection{
		StudentID: "s-1", SessionID: "sess-1", CameraID: "cam-1", Confidence: 0.75,
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.Confidence != 0.75 {
		t.Errorf("Confidence = %f, want 0.75", ev.Confidence)
	}

	_, err = a.Normalize(ctx, FaceDetection{
		StudentID: "s-1", SessionID: "sess-1", CameraID: "cam-1", Confidence: 0.59,
	})
	rejected := asRejected(t, err)
	if rejected.Method != attendance.MethodFace {
		t.Errorf("rejection method = %s, want face", rejected.Method)
	}

	// Exactly at the floor passes.
	if _, err := a.Normalize(ctx, FaceDetection{
		StudentID: "s-1", SessionID: "sess-1", CameraID: "cam-1", Confidence: 0.6,
	}); err != nil {
		t.Errorf("confidence at the floor should pass, got %v", err)
	}

	_, err = a.Normalize(ctx, FaceDetection{
		StudentID: "s-1", SessionID: "sess-1", CameraID: "cam-1", Confidence: 1.2,
	})
	asRejected(t, err)
}

func TestZoomNormalize(t *testing.T) {
	a := NewZoom(testRoster())
	ctx := context.Background()

	// Display name matches after normalization.
	ev, err := a.Normalize(ctx, ZoomParticipant{
		DisplayName: "jiri novak", MeetingID: "mtg-1", SessionID: "sess-1",
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.StudentID != "s-1" || ev.Method != attendance.MethodZoom {
		t.Errorf("got %s/%s, want s-1/zoom", ev.StudentID, ev.Method)
	}

	_, err = a.Normalize(ctx, ZoomParticipant{
		DisplayName: "Totally Unknown", MeetingID: "mtg-1", SessionID: "sess-1",
	})
	asRejected(t, err)
}
