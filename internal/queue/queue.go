// Package queue is the edge device's durable envelope log. Envelopes
// survive process restarts and are delivered to the central ledger in
// sequence order by the sync engine; nothing is deleted before it is
// acknowledged.
package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gameocoder/attendance/internal/attendance"
)

//go:embed schema.sql
var schemaSQL string

// Queue is a SQLite-backed durable queue of SyncEnvelopes.
type Queue struct {
	db       *sql.DB
	deviceID string

	// notify wakes the sync engine on enqueue without blocking the
	// producer; capacity 1 is enough since the drain loop always
	// re-checks for pending rows.
	notify chan struct{}
}

// Open creates or opens the queue database at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// Safe to call repeatedly; the schema is applied idempotently.
func Open(path, deviceID string) (*Queue, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to queue database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY between the aggregator and the sync engine.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply queue schema: %w", err)
	}

	return &Queue{
		db:       db,
		deviceID: deviceID,
		notify:   make(chan struct{}, 1),
	}, nil
}

// Close closes the queue database.
func (q *Queue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Notify returns the channel the sync engine selects on to learn about
// new envelopes.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// EnqueueDecision appends a decision envelope and returns its sequence
// number. This is the only mutation available to producers.
func (q *Queue) EnqueueDecision(ctx context.Context, d *attendance.AttendanceDecision) (int64, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return 0, fmt.Errorf("enqueue decision: marshal: %w", err)
	}
	return q.enqueue(ctx, "decision", payload)
}

// EnqueueEvent appends a raw detection event for the device audit
// trail. Event envelopes are synced but never mutate the ledger.
func (q *Queue) EnqueueEvent(ctx context.Context, ev *attendance.DetectionEvent) (int64, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("enqueue event: marshal: %w", err)
	}
	return q.enqueue(ctx, "event", payload)
}

func (q *Queue) enqueue(ctx context.Context, kind string, payload []byte) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO envelopes (device_id, kind, payload, state, created_at)
		VALUES (?, ?, ?, 'pending', ?)
	`, q.deviceID, kind, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: last insert id: %w", kind, err)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return seq, nil
}

// Pending returns up to limit envelopes in sequence order that are
// waiting for delivery. In-flight envelopes of a previous crashed run
// are included: an ambiguous outcome is retried and the ledger's
// idempotency key makes the redelivery harmless.
func (q *Queue) Pending(ctx context.Context, limit int) ([]attendance.SyncEnvelope, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT seq, device_id, kind, payload, state, attempts, last_error, created_at
		FROM envelopes
		WHERE state IN ('pending', 'in_flight')
		ORDER BY seq
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending envelopes: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// Failed returns envelopes rejected by the ledger, for operator review.
func (q *Queue) Failed(ctx context.Context) ([]attendance.SyncEnvelope, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT seq, device_id, kind, payload, state, attempts, last_error, created_at
		FROM envelopes
		WHERE state = 'failed'
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("list failed envelopes: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// MarkInFlight transitions an envelope to in_flight before transmission
// and bumps its attempt counter.
func (q *Queue) MarkInFlight(ctx context.Context, seq int64) error {
	return q.setState(ctx, seq, `
		UPDATE envelopes SET state = 'in_flight', attempts = attempts + 1
		WHERE seq = ? AND state IN ('pending', 'in_flight')
	`)
}

// Ack transitions an envelope to acknowledged after the ledger
// confirmed it. Acknowledged envelopes are eligible for compaction.
func (q *Queue) Ack(ctx context.Context, seq int64) error {
	return q.setState(ctx, seq, `
		UPDATE envelopes SET state = 'acknowledged', last_error = ''
		WHERE seq = ? AND state = 'in_flight'
	`)
}

// Requeue returns a transiently failed envelope to pending so the next
// drain cycle retries it.
func (q *Queue) Requeue(ctx context.Context, seq int64, cause string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE envelopes SET state = 'pending', last_error = ?
		WHERE seq = ? AND state = 'in_flight'
	`, cause, seq)
	if err != nil {
		return fmt.Errorf("requeue envelope %d: %w", seq, err)
	}
	return nil
}

// Fail marks an envelope terminally rejected. It stays in the log,
// excluded from retry, until an operator inspects it.
func (q *Queue) Fail(ctx context.Context, seq int64, cause string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE envelopes SET state = 'failed', last_error = ?
		WHERE seq = ? AND state IN ('pending', 'in_flight')
	`, cause, seq)
	if err != nil {
		return fmt.Errorf("fail envelope %d: %w", seq, err)
	}
	return nil
}

// Compact deletes acknowledged envelopes and returns how many rows
// went away. Failed envelopes are never compacted.
func (q *Queue) Compact(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM envelopes WHERE state = 'acknowledged'`)
	if err != nil {
		return 0, fmt.Errorf("compact queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("compact queue: rows affected: %w", err)
	}
	return n, nil
}

// Stats counts envelopes by state.
func (q *Queue) Stats(ctx context.Context) (map[attendance.SyncState]int, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM envelopes GROUP BY state
	`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[attendance.SyncState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("queue stats: scan: %w", err)
		}
		stats[attendance.SyncState(state)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue stats: iterate: %w", err)
	}
	return stats, nil
}

func (q *Queue) setState(ctx context.Context, seq int64, query string) error {
	res, err := q.db.ExecContext(ctx, query, seq)
	if err != nil {
		return fmt.Errorf("update envelope %d: %w", seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update envelope %d: rows affected: %w", seq, err)
	}
	if n == 0 {
		return fmt.Errorf("update envelope %d: no envelope in expected state", seq)
	}
	return nil
}

func scanEnvelopes(rows *sql.Rows) ([]attendance.SyncEnvelope, error) {
	var envelopes []attendance.SyncEnvelope
	for rows.Next() {
		var (
			e         attendance.SyncEnvelope
			kind      string
			payload   string
			state     string
			createdAt string
		)
		if err := rows.Scan(&e.Seq, &e.DeviceID, &kind, &payload, &state, &e.Attempts, &e.LastError, &createdAt); err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		e.State = attendance.SyncState(state)
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = ts
		}
		switch kind {
		case "decision":
			var d attendance.AttendanceDecision
			if err := json.Unmarshal([]byte(payload), &d); err != nil {
				return nil, fmt.Errorf("unmarshal decision envelope %d: %w", e.Seq, err)
			}
			e.Decision = &d
		case "event":
			var ev attendance.DetectionEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				return nil, fmt.Errorf("unmarshal event envelope %d: %w", e.Seq, err)
			}
			e.Event = &ev
		default:
			return nil, fmt.Errorf("envelope %d: unknown kind %q", e.Seq, kind)
		}
		envelopes = append(envelopes, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate envelopes: %w", err)
	}
	return envelopes, nil
}
