package aggregator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gameocoder/attendance/internal/attendance"
	"github.com/gameocoder/attendance/internal/config"
	"github.com/gameocoder/attendance/internal/roster"
)

var opened = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func testPolicy() config.Policy {
	return config.Policy{
		Face: config.FacePolicy{
			MinDetections:   3,
			SampleInterval:  config.Duration(10 * time.Minute),
			ConfidenceFloor: 0.6,
		},
		Zoom:     config.ZoomPolicy{RequireBothBounds: true},
		Priority: attendance.DefaultPriority,
	}
}

// captureSink collects emitted decisions.
type captureSink struct {
	mu        sync.Mutex
	decisions []attendance.AttendanceDecision
	fail      bool
}

func (s *captureSink) Emit(ctx context.Context, d *attendance.AttendanceDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink unavailable")
	}
	s.decisions = append(s.decisions, *d)
	return nil
}

func (s *captureSink) byStudent(id string) []attendance.AttendanceDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []attendance.AttendanceDecision
	for _, d := range s.decisions {
		if d.StudentID == id {
			out = append(out, d)
		}
	}
	return out
}

func newTestAggregator(t *testing.T, r roster.Provider) (*Aggregator, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	agg := New(testPolicy(), r, sink)
	if err := agg.OpenSession(attendance.SessionWindow{
		SessionID: "sess-1", ScheduleID: "sched-1", OpenedAt: opened,
	}); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	return agg, sink
}

func rfidEvent(studentID string, at time.Time) *attendance.DetectionEvent {
	return &attendance.DetectionEvent{
		ID: "ev-" + studentID + at.String(), StudentID: studentID, SessionID: "sess-1",
		Method: attendance.MethodRFID, Timestamp: at, Confidence: 1.0,
	}
}

func faceEvent(studentID string, at time.Time, confidence float64) *attendance.DetectionEvent {
	return &attendance.DetectionEvent{
		ID: "ev-" + studentID + at.String(), StudentID: studentID, SessionID: "sess-1",
		Method: attendance.MethodFace, Timestamp: at, Confidence: confidence,
	}
}

func zoomEvent(studentID string, at time.Time) *attendance.DetectionEvent {
	return &attendance.DetectionEvent{
		ID: "ev-" + studentID + at.String(), StudentID: studentID, SessionID: "sess-1",
		Method: attendance.MethodZoom, Timestamp: at, Confidence: 1.0,
	}
}

func TestIngest_RFIDDeduplicates(t *testing.T) {
	agg, sink := newTestAggregator(t, roster.NewMemory())
	ctx := context.Background()

	if err := agg.Ingest(ctx, rfidEvent("s-1", opened.Add(time.Minute))); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	// Four repeat scans of the same card collapse into nothing.
	for i := range 4 {
		err := agg.Ingest(ctx, rfidEvent("s-1", opened.Add(time.Duration(i+2)*time.Minute)))
		if !errors.Is(err, attendance.ErrDuplicate) {
			t.Errorf("repeat scan %d: got %v, want ErrDuplicate", i, err)
		}
	}

	got := sink.byStudent("s-1")
	if len(got) != 1 {
		t.Fatalf("emitted %d decisions, want exactly 1", len(got))
	}
	d := got[0]
	if d.Method != attendance.MethodRFID || d.Status != attendance.StatusPresent || d.Confidence != 1.0 {
		t.Errorf("unexpected decision %+v", d)
	}
	if d.DetectionCount != 1 {
		t.Errorf("DetectionCount = %d, want 1", d.DetectionCount)
	}
}

func TestIngest_FaceConfirmsAtThresholdWithMeanConfidence(t *testing.T) {
	agg, sink := newTestAggregator(t, roster.NewMemory())
	ctx := context.Background()

	// Three detections in three distinct sampling intervals.
	confidences := []float64{0.7, 0.8, 0.65}
	for i, c := range confidences {
		at := opened.Add(time.Duration(i)*10*time.Minute + time.Minute)
		if err := agg.Ingest(ctx, faceEvent("s-1", at, c)); err != nil {
			t.Fatalf("detection %d: %v", i, err)
		}
	}

	got := sink.byStudent("s-1")
	if len(got) != 1 {
		t.Fatalf("emitted %d decisions, want 1", len(got))
	}
	d := got[0]
	if d.Method != attendance.MethodFace || d.Status != attendance.StatusPresent {
		t.Errorf("unexpected decision %+v", d)
	}
	want := (0.7 + 0.8 + 0.65) / 3
	if diff := d.Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Confidence = %f, want %f", d.Confidence, want)
	}
	if d.DetectionCount != 3 {
		t.Errorf("DetectionCount = %d, want 3", d.DetectionCount)
	}
}

func TestIngest_FaceSameTickDoesNotCount(t *testing.T) {
	agg, sink := newTestAggregator(t, roster.NewMemory())
	ctx := context.Background()

	// Five detections inside one sampling interval count once.
	for i := range 5 {
		err := agg.Ingest(ctx, faceEvent("s-1", opened.Add(time.Duration(i)*time.Minute), 0.9))
		if i == 0 && err != nil {
			t.Fatalf("first detection: %v", err)
		}
		if i > 0 && !errors.Is(err, attendance.ErrDuplicate) {
			t.Errorf("same-tick detection %d: got %v, want ErrDuplicate", i, err)
		}
	}
	if got := sink.byStudent("s-1"); len(got) != 0 {
		t.Errorf("emitted %d decisions, want none below threshold", len(got))
	}
}

func TestCloseSession_FaceBelowThresholdGoesAbsent(t *testing.T) {
	r := roster.NewMemory()
	r.Add(roster.Student{ID: "s-1", Name: "Jiří Novák"}, "sched-1")
	agg, sink := newTestAggregator(t, r)
	ctx := context.Background()

	// Only two qualifying intervals out of the required three.
	if err := agg.Ingest(ctx, faceEvent("s-1", opened.Add(time.Minute), 0.8)); err != nil {
		t.Fatalf("detection: %v", err)
	}
	if err := agg.Ingest(ctx, faceEvent("s-1", opened.Add(11*time.Minute), 0.8)); err != nil {
		t.Fatalf("detection: %v", err)
	}

	if err := agg.CloseSession(ctx, "sess-1", opened.Add(45*time.Minute)); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	got := sink.byStudent("s-1")
	if len(got) != 1 {
		t.Fatalf("emitted %d decisions, want 1 absent", len(got))
	}
	d := got[0]
	if d.Status != attendance.StatusAbsent {
		t.Errorf("Status = %s, want absent", d.Status)
	}
	// Absent rows carry the weakest method so real evidence outranks them.
	if d.Method != attendance.MethodFace {
		t.Errorf("Method = %s, want face", d.Method)
	}
}

func TestIngest_StaleAndUnknownSession(t *testing.T) {
	agg, _ := newTestAggregator(t, roster.NewMemory())
	ctx := context.Background()

	err := agg.Ingest(ctx, rfidEvent("s-1", opened.Add(-time.Minute)))
	if !errors.Is(err, attendance.ErrStaleEvent) {
		t.Errorf("pre-open event: got %v, want ErrStaleEvent", err)
	}

	ev := rfidEvent("s-1", opened.Add(time.Minute))
	ev.SessionID = "sess-never-opened"
	if err := agg.Ingest(ctx, ev); !errors.Is(err, attendance.ErrUnknownSession) {
		t.Errorf("unknown session: got %v, want ErrUnknownSession", err)
	}

	if err := agg.CloseSession(ctx, "sess-1", opened.Add(45*time.Minute)); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	// Zero grace: even an in-window timestamp is rejected after close.
	err = agg.Ingest(ctx, rfidEvent("s-1", opened.Add(10*time.Minute)))
	if !errors.Is(err, attendance.ErrStaleEvent) {
		t.Errorf("post-close event: got %v, want ErrStaleEvent", err)
	}
}

func TestCloseSession_ZoomBothBounds(t *testing.T) {
	r := roster.NewMemory()
	r.Add(roster.Student{ID: "s-early", Name: "Early Leaver"}, "sched-1")
	r.Add(roster.Student{ID: "s-full", Name: "Full Stayer"}, "sched-1")
	agg, sink := newTestAggregator(t, r)
	ctx := context.Background()

	closedAt := opened.Add(40 * time.Minute)

	// s-early only appears in the first half of the window.
	if err := agg.Ingest(ctx, zoomEvent("s-early", opened.Add(2*time.Minute))); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	// s-full appears in both halves.
	if err := agg.Ingest(ctx, zoomEvent("s-full", opened.Add(2*time.Minute))); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := agg.Ingest(ctx, zoomEvent("s-full", opened.Add(35*time.Minute))); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if err := agg.CloseSession(ctx, "sess-1", closedAt); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	full := sink.byStudent("s-full")
	if len(full) != 1 || full[0].Status != attendance.StatusPresent || full[0].Method != attendance.MethodZoom {
		t.Errorf("s-full decisions = %+v, want one zoom present", full)
	}
	if full[0].DetectionCount != 2 {
		t.Errorf("s-full DetectionCount = %d, want 2", full[0].DetectionCount)
	}

	early := sink.byStudent("s-early")
	if len(early) != 1 || early[0].Status != attendance.StatusAbsent {
		t.Errorf("s-early decisions = %+v, want one absent", early)
	}
}

func TestCloseSession_AbsentSweepSkipsConfirmed(t *testing.T) {
	r := roster.NewMemory()
	r.Add(roster.Student{ID: "s-1", Name: "One"}, "sched-1")
	r.Add(roster.Student{ID: "s-2", Name: "Two"}, "sched-1")
	r.Add(roster.Student{ID: "s-3", Name: "Three"}, "sched-1")
	agg, sink := newTestAggregator(t, r)
	ctx := context.Background()

	if err := agg.Ingest(ctx, rfidEvent("s-1", opened.Add(time.Minute))); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := agg.CloseSession(ctx, "sess-1", opened.Add(45*time.Minute)); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	if got := sink.byStudent("s-1"); len(got) != 1 || got[0].Status != attendance.StatusPresent {
		t.Errorf("s-1 = %+v, want single present", got)
	}
	for _, id := range []string{"s-2", "s-3"} {
		got := sink.byStudent(id)
		if len(got) != 1 || got[0].Status != attendance.StatusAbsent {
			t.Errorf("%s = %+v, want single absent", id, got)
		}
		if !got[0].DecidedAt.Equal(opened.Add(45 * time.Minute)) {
			t.Errorf("%s DecidedAt = %s, want close time", id, got[0].DecidedAt)
		}
	}

	// Close is idempotent and emits nothing the second time.
	before := len(sink.decisions)
	if err := agg.CloseSession(ctx, "sess-1", opened.Add(50*time.Minute)); err != nil {
		t.Fatalf("second CloseSession: %v", err)
	}
	if len(sink.decisions) != before {
		t.Errorf("second close emitted %d extra decisions", len(sink.decisions)-before)
	}
}

func TestConfirm_RetriesAfterSinkFailure(t *testing.T) {
	agg, sink := newTestAggregator(t, roster.NewMemory())
	ctx := context.Background()

	sink.fail = true
	if err := agg.Ingest(ctx, faceEvent("s-1", opened.Add(time.Minute), 0.7)); err != nil {
		t.Fatalf("detection: %v", err)
	}
	if err := agg.Ingest(ctx, faceEvent("s-1", opened.Add(11*time.Minute), 0.7)); err != nil {
		t.Fatalf("detection: %v", err)
	}
	if err := agg.Ingest(ctx, faceEvent("s-1", opened.Add(21*time.Minute), 0.7)); err == nil {
		t.Fatal("expected emit failure at threshold")
	}

	// The next qualifying tick triggers the confirmation again.
	sink.fail = false
	if err := agg.Ingest(ctx, faceEvent("s-1", opened.Add(31*time.Minute), 0.7)); err != nil {
		t.Fatalf("retry detection: %v", err)
	}
	got := sink.byStudent("s-1")
	if len(got) != 1 {
		t.Fatalf("emitted %d decisions, want 1 after retry", len(got))
	}
	if got[0].DetectionCount != 4 {
		t.Errorf("DetectionCount = %d, want 4", got[0].DetectionCount)
	}
}

func TestOpenSession_Reopen(t *testing.T) {
	agg, _ := newTestAggregator(t, roster.NewMemory())

	// Re-opening an open session is a no-op.
	if err := agg.OpenSession(attendance.SessionWindow{
		SessionID: "sess-1", ScheduleID: "sched-1", OpenedAt: opened,
	}); err != nil {
		t.Errorf("reopen open session: %v", err)
	}

	if err := agg.CloseSession(context.Background(), "sess-1", opened.Add(time.Hour)); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if err := agg.OpenSession(attendance.SessionWindow{
		SessionID: "sess-1", ScheduleID: "sched-1", OpenedAt: opened,
	}); err == nil {
		t.Error("reopening a closed session should fail")
	}
}

func TestAudit_ReceivesAdmittedEvents(t *testing.T) {
	agg, _ := newTestAggregator(t, roster.NewMemory())
	ctx := context.Background()

	var audited []string
	agg.SetAudit(func(ctx context.Context, ev *attendance.DetectionEvent) {
		audited = append(audited, ev.StudentID)
	})

	if err := agg.Ingest(ctx, rfidEvent("s-1", opened.Add(time.Minute))); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	// Duplicates are still journaled; stale events are not.
	_ = agg.Ingest(ctx, rfidEvent("s-1", opened.Add(2*time.Minute)))
	_ = agg.Ingest(ctx, rfidEvent("s-2", opened.Add(-time.Minute)))

	if len(audited) != 2 {
		t.Errorf("audited %d events, want 2", len(audited))
	}
}
