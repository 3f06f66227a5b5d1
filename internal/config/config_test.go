package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gameocoder/attendance/internal/attendance"
)

func TestLoad_EmbeddedPolicyDefaults(t *testing.T) {
	t.Setenv("POLICY_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p := cfg.Policy
	if p.Face.MinDetections != 3 {
		t.Errorf("MinDetections = %d, want 3", p.Face.MinDetections)
	}
	if p.Face.SampleInterval.Std() != 10*time.Minute {
		t.Errorf("SampleInterval = %s, want 10m", p.Face.SampleInterval)
	}
	if p.Face.ConfidenceFloor != 0.6 {
		t.Errorf("ConfidenceFloor = %f, want 0.6", p.Face.ConfidenceFloor)
	}
	if !p.Zoom.RequireBothBounds {
		t.Error("RequireBothBounds should default to true")
	}
	want := []attendance.Method{attendance.MethodRFID, attendance.MethodZoom, attendance.MethodFace}
	if len(p.Priority) != len(want) {
		t.Fatalf("Priority = %v, want %v", p.Priority, want)
	}
	for i, m := range want {
		if p.Priority[i] != m {
			t.Errorf("Priority[%d] = %s, want %s", i, p.Priority[i], m)
		}
	}
	if p.Backoff.Base.Std() != time.Second || p.Backoff.Factor != 2 || p.Backoff.Cap.Std() != 5*time.Minute {
		t.Errorf("Backoff = %+v, want 1s x2 capped 5m", p.Backoff)
	}
}

func TestLoad_PolicyFileOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `face:
  min_detections: 5
  sample_interval: 2m
  confidence_floor: 0.8
zoom:
  require_both_bounds: false
priority: [face, rfid, zoom]
backoff:
  base: 500ms
  factor: 3
  cap: 1m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	t.Setenv("POLICY_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := cfg.Policy
	if p.Face.MinDetections != 5 || p.Face.SampleInterval.Std() != 2*time.Minute || p.Face.ConfidenceFloor != 0.8 {
		t.Errorf("face policy = %+v", p.Face)
	}
	if p.Zoom.RequireBothBounds {
		t.Error("RequireBothBounds should be overridden to false")
	}
	if p.Priority[0] != attendance.MethodFace {
		t.Errorf("Priority[0] = %s, want face", p.Priority[0])
	}
	if p.Backoff.Base.Std() != 500*time.Millisecond {
		t.Errorf("Backoff.Base = %s, want 500ms", p.Backoff.Base)
	}
}

func TestLoad_InvalidPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `face:
  min_detections: 0
  sample_interval: 10m
  confidence_floor: 0.6
backoff:
  base: 1s
  factor: 2
  cap: 5m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	t.Setenv("POLICY_FILE", path)

	if _, err := Load(); err == nil {
		t.Error("min_detections 0 should fail validation")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("POLICY_FILE", "")
	t.Setenv("DEVICE_ID", "edge-room-42")
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("DATABASE_MAX_OPEN_CONNS", "not-a-number")
	t.Setenv("LEDGER_TIMEOUT", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Device.ID != "edge-room-42" {
		t.Errorf("Device.ID = %q", cfg.Device.ID)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	// Invalid values fall back to defaults.
	if cfg.Ledger.MaxOpenConns != 25 {
		t.Errorf("MaxOpenConns = %d, want default 25", cfg.Ledger.MaxOpenConns)
	}
	if cfg.Ledger.Timeout != 3*time.Second {
		t.Errorf("Timeout = %s, want 3s", cfg.Ledger.Timeout)
	}
}

func TestDurationYAML(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"10m", 10 * time.Minute},
		{"1h30m", 90 * time.Minute},
		{"500ms", 500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var p struct {
				D Duration `yaml:"d"`
			}
			if err := yaml.Unmarshal([]byte("d: "+tt.input), &p); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if p.D.Std() != tt.want {
				t.Errorf("got %s, want %s", p.D, tt.want)
			}
		})
	}
}
