package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/gameocoder/attendance/internal/attendance"
	"github.com/gameocoder/attendance/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres is the central Ledger backed by PostgreSQL.
type Postgres struct {
	db       *sql.DB
	priority *attendance.Priority
}

// NewPostgres opens a connection pool against the central database and
// applies pending migrations.
func NewPostgres(cfg *config.LedgerConfig, priority *attendance.Priority) (*Postgres, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("ledger database URL is required")
	}
	if priority == nil {
		priority = attendance.NewPriority(nil)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping ledger database: %w", err)
	}

	p := &Postgres{db: db, priority: priority}
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			return fmt.Errorf("closing ledger database: %w", err)
		}
	}
	return nil
}

// migrate applies all pending migrations automatically on startup.
func (p *Postgres) migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := p.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("query applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate applied migrations: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") && !applied[e.Name()] {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := migrationsFS.ReadFile("migrations/" + file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := p.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		if _, err := p.db.ExecContext(ctx,
			"INSERT INTO schema_migrations (version) VALUES ($1)", file); err != nil {
			return fmt.Errorf("record migration %s: %w", file, err)
		}
	}
	return nil
}

// Apply upserts one decision inside a transaction. The existing row is
// locked FOR UPDATE so concurrent deliveries for the same student
// serialize and the priority tie-break sees consistent state.
func (p *Postgres) Apply(ctx context.Context, d *attendance.AttendanceDecision) (Result, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("apply: begin tx: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	res, err := p.applyTx(ctx, tx, d)
	if err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("apply: commit: %w", err)
	}
	return res, nil
}

func (p *Postgres) applyTx(ctx context.Context, tx *sql.Tx, d *attendance.AttendanceDecision) (Result, error) {
	w, err := sessionTx(ctx, tx, d.SessionID)
	if err != nil {
		return Result{}, err
	}
	if res := admissible(w, d); res != nil {
		return *res, nil
	}

	var existing Row
	var methodStr, statusStr string
	err = tx.QueryRowContext(ctx, `
		SELECT student_id, session_id, method, status, confidence, decided_at, detection_count, override
		FROM attendance
		WHERE student_id = $1 AND session_id = $2
		FOR UPDATE
	`, d.StudentID, d.SessionID).Scan(
		&existing.StudentID, &existing.SessionID, &methodStr, &statusStr,
		&existing.Confidence, &existing.DecidedAt, &existing.DetectionCount, &existing.Override,
	)
	switch {
	case err == sql.ErrNoRows:
		// first decision for this (student, session)
	case err != nil:
		return Result{}, fmt.Errorf("apply: load existing row: %w", err)
	default:
		existing.Method = attendance.Method(methodStr)
		existing.Status = attendance.Status(statusStr)
		prev := rowDecision(&existing)
		if !p.priority.Outranks(d, prev) {
			return Result{Outcome: OutcomeSuperseded}, nil
		}
		if err := checkIntegrity(d, prev); err != nil {
			return Result{}, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attendance
			(student_id, session_id, method, status, confidence, decided_at, detection_count, override, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (student_id, session_id) DO UPDATE SET
			method = EXCLUDED.method,
			status = EXCLUDED.status,
			confidence = EXCLUDED.confidence,
			decided_at = EXCLUDED.decided_at,
			detection_count = EXCLUDED.detection_count,
			override = EXCLUDED.override,
			updated_at = NOW()
	`, d.StudentID, d.SessionID, string(d.Method), string(d.Status),
		d.Confidence, d.DecidedAt, d.DetectionCount, d.Override)
	if err != nil {
		return Result{}, fmt.Errorf("apply: upsert row: %w", err)
	}
	return Result{Outcome: OutcomeApplied}, nil
}

// ApplyBatch processes a drain cycle with per-item acknowledgment.
// Keyed items are settled through sync_deliveries first so a
// redelivered envelope gets its recorded outcome back and never
// touches the attendance table twice.
func (p *Postgres) ApplyBatch(ctx context.Context, batch []Delivery) ([]Result, error) {
	results := make([]Result, len(batch))
	for i, item := range batch {
		res, err := p.applyDelivery(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("apply batch item %d: %w", i, err)
		}
		results[i] = res
	}
	return results, nil
}

func (p *Postgres) applyDelivery(ctx context.Context, item Delivery) (Result, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if item.Key != nil {
		var outcome, reason string
		err := tx.QueryRowContext(ctx, `
			SELECT outcome, reason FROM sync_deliveries
			WHERE device_id = $1 AND seq = $2
		`, item.Key.DeviceID, item.Key.Seq).Scan(&outcome, &reason)
		if err == nil {
			return Result{Outcome: Outcome(outcome), Reason: reason}, nil
		}
		if err != sql.ErrNoRows {
			return Result{}, fmt.Errorf("check delivery: %w", err)
		}
	}

	var res Result
	switch {
	case item.Decision != nil:
		res, err = p.applyTx(ctx, tx, item.Decision)
		if err != nil {
			return Result{}, err
		}
	case item.Event != nil:
		res, err = p.recordEventTx(ctx, tx, item)
		if err != nil {
			return Result{}, err
		}
	default:
		res = Result{Outcome: OutcomeRejected, Reason: "empty delivery"}
	}

	if item.Key != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_deliveries (device_id, seq, outcome, reason)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (device_id, seq) DO NOTHING
		`, item.Key.DeviceID, item.Key.Seq, string(res.Outcome), res.Reason)
		if err != nil {
			return Result{}, fmt.Errorf("record delivery: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// recordEventTx stores a raw detection for the audit trail. Duplicate
// event ids are acknowledged without effect.
func (p *Postgres) recordEventTx(ctx context.Context, tx *sql.Tx, item Delivery) (Result, error) {
	ev := item.Event
	w, err := sessionTx(ctx, tx, ev.SessionID)
	if err != nil {
		return Result{}, err
	}
	if w == nil {
		return Result{Outcome: OutcomeRejected, Reason: "unknown session"}, nil
	}

	deviceID := ""
	if item.Key != nil {
		deviceID = item.Key.DeviceID
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO detections
			(event_id, device_id, student_id, session_id, method, confidence, observed_at, raw_source_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING
	`, ev.ID, deviceID, ev.StudentID, ev.SessionID, string(ev.Method),
		ev.Confidence, ev.Timestamp, ev.RawSourceID)
	if err != nil {
		return Result{}, fmt.Errorf("record detection: %w", err)
	}
	return Result{Outcome: OutcomeApplied}, nil
}

// Rows lists the authoritative rows for one session.
func (p *Postgres) Rows(ctx context.Context, sessionID string) ([]Row, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT student_id, session_id, method, status, confidence, decided_at, detection_count, override, updated_at
		FROM attendance
		WHERE session_id = $1
		ORDER BY student_id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var methodStr, statusStr string
		if err := rows.Scan(&r.StudentID, &r.SessionID, &methodStr, &statusStr,
			&r.Confidence, &r.DecidedAt, &r.DetectionCount, &r.Override, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.Method = attendance.Method(methodStr)
		r.Status = attendance.Status(statusStr)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// OpenSession registers a session window; reopening is a no-op.
func (p *Postgres) OpenSession(ctx context.Context, w attendance.SessionWindow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, schedule_id, opened_at, closed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO NOTHING
	`, w.SessionID, w.ScheduleID, w.OpenedAt, w.ClosedAt)
	if err != nil {
		return fmt.Errorf("open session %s: %w", w.SessionID, err)
	}
	return nil
}

// CloseSession stamps the closing time once; a second close keeps the
// first timestamp.
func (p *Postgres) CloseSession(ctx context.Context, sessionID string, closedAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET closed_at = $2
		WHERE session_id = $1 AND closed_at IS NULL
	`, sessionID, closedAt)
	if err != nil {
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close session %s: rows affected: %w", sessionID, err)
	}
	if n == 0 {
		w, err := p.Session(ctx, sessionID)
		if err != nil {
			return err
		}
		if w == nil {
			return fmt.Errorf("close session %s: %w", sessionID, attendance.ErrUnknownSession)
		}
	}
	return nil
}

// Session fetches a window, nil if unknown.
func (p *Postgres) Session(ctx context.Context, sessionID string) (*attendance.SessionWindow, error) {
	var w attendance.SessionWindow
	var closedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT session_id, schedule_id, opened_at, closed_at
		FROM sessions WHERE session_id = $1
	`, sessionID).Scan(&w.SessionID, &w.ScheduleID, &w.OpenedAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if closedAt.Valid {
		w.ClosedAt = &closedAt.Time
	}
	return &w, nil
}

// ActiveSessions lists open windows.
func (p *Postgres) ActiveSessions(ctx context.Context) ([]attendance.SessionWindow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT session_id, schedule_id, opened_at
		FROM sessions WHERE closed_at IS NULL
		ORDER BY opened_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var open []attendance.SessionWindow
	for rows.Next() {
		var w attendance.SessionWindow
		if err := rows.Scan(&w.SessionID, &w.ScheduleID, &w.OpenedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		open = append(open, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return open, nil
}

// sessionTx loads a window inside a transaction, nil if unknown.
func sessionTx(ctx context.Context, tx *sql.Tx, sessionID string) (*attendance.SessionWindow, error) {
	var w attendance.SessionWindow
	var closedAt sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT session_id, schedule_id, opened_at, closed_at
		FROM sessions WHERE session_id = $1
	`, sessionID).Scan(&w.SessionID, &w.ScheduleID, &w.OpenedAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if closedAt.Valid {
		w.ClosedAt = &closedAt.Time
	}
	return &w, nil
}
