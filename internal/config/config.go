package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gameocoder/attendance/internal/attendance"
)

//go:embed policies.yaml
var policiesYAML []byte

type Config struct {
	Device DeviceConfig
	Ledger LedgerConfig
	Roster RosterConfig
	Queue  QueueConfig
	Server ServerConfig
	Policy Policy
}

type DeviceConfig struct {
	ID string // unique edge device identifier, stamped on every envelope
}

type LedgerConfig struct {
	DatabaseURL  string // PostgreSQL connection URL (central ledger)
	APIURL       string // central API base URL used by edge devices
	MaxOpenConns int    // maximum open connections (default 25)
	MaxIdleConns int    // maximum idle connections (default 5)
	Timeout      time.Duration
}

type RosterConfig struct {
	DatabaseDSN string // MariaDB DSN of the school information system (e.g., sis:sis@tcp(sis-db:3306)/sis)
}

type QueueConfig struct {
	Path string // SQLite file for the local durable queue
}

type ServerConfig struct {
	Host string
	Port int
}

// BackoffConfig controls sync retry timing.
type BackoffConfig struct {
	Base   Duration `yaml:"base"`
	Factor float64  `yaml:"factor"`
	Cap    Duration `yaml:"cap"`
}

// FacePolicy is the confirmation policy for camera detections.
type FacePolicy struct {
	MinDetections   int      `yaml:"min_detections"`
	SampleInterval  Duration `yaml:"sample_interval"`
	ConfidenceFloor float64  `yaml:"confidence_floor"`
}

// ZoomPolicy is the confirmation policy for meeting roll-calls.
type ZoomPolicy struct {
	RequireBothBounds bool `yaml:"require_both_bounds"`
}

// Policy holds the per-method confirmation thresholds. Values are
// policy, not structure: defaults live in the embedded policies.yaml
// and can be replaced wholesale with POLICY_FILE.
type Policy struct {
	Face FacePolicy `yaml:"face"`
	Zoom ZoomPolicy `yaml:"zoom"`
	// Priority lists methods strongest first.
	Priority []attendance.Method `yaml:"priority"`
	Backoff  BackoffConfig       `yaml:"backoff"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envDuration reads an environment variable and parses it as a duration.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

// envStr reads an environment variable with a fallback.
func envStr(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func Load() (*Config, error) {
	policy, err := loadPolicy()
	if err != nil {
		return nil, err
	}

	return &Config{
		Device: DeviceConfig{
			ID: envStr("DEVICE_ID", hostnameDeviceID()),
		},
		Ledger: LedgerConfig{
			DatabaseURL:  os.Getenv("DATABASE_URL"),
			APIURL:       os.Getenv("LEDGER_API_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
			Timeout:      envDuration("LEDGER_TIMEOUT", 10*time.Second),
		},
		Roster: RosterConfig{
			DatabaseDSN: os.Getenv("ROSTER_DATABASE_DSN"),
		},
		Queue: QueueConfig{
			Path: envStr("QUEUE_PATH", "attendance-queue.db"),
		},
		Server: ServerConfig{
			Host: envStr("SERVER_HOST", "0.0.0.0"),
			Port: envInt("SERVER_PORT", 8080),
		},
		Policy: policy,
	}, nil
}

// loadPolicy parses the embedded defaults and, if POLICY_FILE is set,
// replaces them with the external file.
func loadPolicy() (Policy, error) {
	data := policiesYAML
	if path := os.Getenv("POLICY_FILE"); path != "" {
		external, err := os.ReadFile(path)
		if err != nil {
			return Policy{}, fmt.Errorf("read policy file %s: %w", path, err)
		}
		data = external
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks that policy values are usable.
func (p *Policy) Validate() error {
	if p.Face.MinDetections < 1 {
		return fmt.Errorf("policy: face.min_detections must be >= 1, got %d", p.Face.MinDetections)
	}
	if p.Face.SampleInterval.Std() <= 0 {
		return fmt.Errorf("policy: face.sample_interval must be positive, got %s", p.Face.SampleInterval)
	}
	if p.Face.ConfidenceFloor < 0 || p.Face.ConfidenceFloor > 1 {
		return fmt.Errorf("policy: face.confidence_floor must be in [0,1], got %f", p.Face.ConfidenceFloor)
	}
	for _, m := range p.Priority {
		if !m.Valid() {
			return fmt.Errorf("policy: unknown method %q in priority order", m)
		}
	}
	if p.Backoff.Base.Std() <= 0 || p.Backoff.Factor < 1 || p.Backoff.Cap.Std() < p.Backoff.Base.Std() {
		return fmt.Errorf("policy: invalid backoff (base=%s factor=%g cap=%s)",
			p.Backoff.Base, p.Backoff.Factor, p.Backoff.Cap)
	}
	return nil
}

func hostnameDeviceID() string {
	host, err := os.Hostname()
	if err != nil {
		return "edge-unknown"
	}
	return "edge-" + host
}
