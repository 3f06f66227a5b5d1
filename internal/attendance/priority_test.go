package attendance

import (
	"testing"
	"time"
)

func decision(method Method, status Status, decidedAt time.Time) *AttendanceDecision {
	return &AttendanceDecision{
		StudentID: "s-1",
		SessionID: "sess-1",
		Method:    method,
		Status:    status,
		DecidedAt: decidedAt,
	}
}

func TestOutranks_MethodOrder(t *testing.T) {
	p := NewPriority(DefaultPriority)
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		incoming Method
		existing Method
		want     bool
	}{
		{"rfid beats face", MethodRFID, MethodFace, true},
		{"rfid beats zoom", MethodRFID, MethodZoom, true},
		{"zoom beats face", MethodZoom, MethodFace, true},
		{"face loses to rfid", MethodFace, MethodRFID, false},
		{"face loses to zoom", MethodFace, MethodZoom, false},
		{"zoom loses to rfid", MethodZoom, MethodRFID, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := decision(tt.incoming, StatusPresent, at)
			ex := decision(tt.existing, StatusPresent, at)
			if got := p.Outranks(in, ex); got != tt.want {
				t.Errorf("Outranks(%s over %s) = %v, want %v", tt.incoming, tt.existing, got, tt.want)
			}
		})
	}
}

func TestOutranks_ArrivalOrderIrrelevant(t *testing.T) {
	p := NewPriority(DefaultPriority)
	early := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	late := early.Add(30 * time.Minute)

	// An RFID decision made late still beats a face decision made early,
	// and a face decision made late never displaces an earlier RFID one.
	if !p.Outranks(decision(MethodRFID, StatusPresent, late), decision(MethodFace, StatusPresent, early)) {
		t.Error("late rfid should outrank early face")
	}
	if p.Outranks(decision(MethodFace, StatusPresent, late), decision(MethodRFID, StatusPresent, early)) {
		t.Error("late face should not outrank early rfid")
	}
}

func TestOutranks_PresentBeatsAbsent(t *testing.T) {
	p := NewPriority(DefaultPriority)
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	// A device syncing after the close sweep carries real evidence; the
	// default absent row must yield even though its method ranks higher.
	in := decision(MethodFace, StatusPresent, at)
	ex := decision(MethodRFID, StatusAbsent, at.Add(time.Hour))
	if !p.Outranks(in, ex) {
		t.Error("present face should outrank absent rfid")
	}
	if p.Outranks(ex, in) {
		t.Error("absent rfid should not outrank present face")
	}
}

func TestOutranks_SameMethodLastWriterWins(t *testing.T) {
	p := NewPriority(DefaultPriority)
	early := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	late := early.Add(5 * time.Minute)

	if !p.Outranks(decision(MethodFace, StatusPresent, late), decision(MethodFace, StatusPresent, early)) {
		t.Error("newer same-method decision should win")
	}
	if p.Outranks(decision(MethodFace, StatusPresent, early), decision(MethodFace, StatusPresent, late)) {
		t.Error("older same-method decision should not win")
	}
	// Exact redelivery of the same decision replaces the row with
	// identical content, keeping Apply idempotent.
	if !p.Outranks(decision(MethodFace, StatusPresent, early), decision(MethodFace, StatusPresent, early)) {
		t.Error("equal-timestamp same-method decision should win")
	}
}

func TestOutranks_Override(t *testing.T) {
	p := NewPriority(DefaultPriority)
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	override := decision(MethodZoom, StatusPresent, at)
	override.Override = true
	evidence := decision(MethodRFID, StatusPresent, at.Add(time.Hour))

	if !p.Outranks(override, evidence) {
		t.Error("override should outrank any evidence decision")
	}
	if p.Outranks(evidence, override) {
		t.Error("evidence should not displace an override")
	}

	newer := decision(MethodZoom, StatusAbsent, at.Add(2*time.Hour))
	newer.Override = true
	if !p.Outranks(newer, override) {
		t.Error("newer override should replace older override")
	}
}

func TestNewPriority_CustomOrder(t *testing.T) {
	p := NewPriority([]Method{MethodFace, MethodRFID, MethodZoom})
	at := time.Now()

	if !p.Outranks(decision(MethodFace, StatusPresent, at), decision(MethodRFID, StatusPresent, at)) {
		t.Error("custom order should make face outrank rfid")
	}
}

func TestNewPriority_EmptyFallsBackToDefault(t *testing.T) {
	p := NewPriority(nil)
	if p.Rank(MethodRFID) <= p.Rank(MethodZoom) {
		t.Error("default order should rank rfid above zoom")
	}
	if p.Rank(MethodZoom) <= p.Rank(MethodFace) {
		t.Error("default order should rank zoom above face")
	}
}

func TestSessionWindow_Contains(t *testing.T) {
	opened := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	closed := opened.Add(45 * time.Minute)

	w := SessionWindow{SessionID: "sess-1", OpenedAt: opened}
	if !w.Open() {
		t.Error("window without ClosedAt should be open")
	}
	if w.Contains(opened.Add(-time.Second)) {
		t.Error("timestamp before open should be outside")
	}
	if !w.Contains(opened) {
		t.Error("open boundary should be inside")
	}

	w.ClosedAt = &closed
	if w.Open() {
		t.Error("window with ClosedAt should be closed")
	}
	if !w.Contains(closed) {
		t.Error("close boundary should be inside")
	}
	if w.Contains(closed.Add(time.Second)) {
		t.Error("timestamp after close should be outside")
	}
}

func TestSyncEnvelopeKey(t *testing.T) {
	env := SyncEnvelope{
		Seq:      42,
		DeviceID: "edge-lab1",
		Decision: &AttendanceDecision{
			StudentID: "s-7",
			SessionID: "sess-9",
			Method:    MethodRFID,
		},
	}
	key := env.Key()
	if key.Seq != 42 || key.DeviceID != "edge-lab1" || key.StudentID != "s-7" || key.Method != MethodRFID {
		t.Errorf("unexpected key %+v", key)
	}

	env.Decision = nil
	if env.Key() != (IdempotencyKey{}) {
		t.Error("event-only envelope should produce the zero key")
	}
}
