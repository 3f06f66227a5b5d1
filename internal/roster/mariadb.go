package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Pool reads roster data straight from the school information system's
// MariaDB. Read-only: this service never writes to the SIS.
type Pool struct {
	db *sql.DB
}

// NewPool creates a roster connection pool against the SIS database.
func NewPool(dsn string) (*Pool, error) {
	if dsn == "" {
		return nil, errors.New("roster DSN is required")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open roster database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping roster database: %w", err)
	}

	return &Pool{db: db}, nil
}

// Close closes the connection pool.
func (p *Pool) Close() error {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			return fmt.Errorf("closing roster database: %w", err)
		}
	}
	return nil
}

// ByRFIDTag resolves a card tag to a student.
func (p *Pool) ByRFIDTag(ctx context.Context, tag string) (*Student, error) {
	var s Student
	err := p.db.QueryRowContext(ctx, `
		SELECT id_number, name, rfid_tag, section
		FROM persons
		WHERE rfid_tag = ? AND role = 'student'
	`, tag).Scan(&s.ID, &s.Name, &s.RFIDTag, &s.Section)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup rfid tag: %w", err)
	}
	return &s, nil
}

// ByName resolves a display name to a student. The SIS stores raw
// names, so the comparison runs on normalized forms on both sides.
// Scanning every student keeps this index-free; sections are small.
func (p *Pool) ByName(ctx context.Context, name string) (*Student, error) {
	want := NormalizeName(name)
	if want == "" {
		return nil, nil
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id_number, name, rfid_tag, section
		FROM persons
		WHERE role = 'student'
	`)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.ID, &s.Name, &s.RFIDTag, &s.Section); err != nil {
			return nil, fmt.Errorf("scan student: %w", err)
		}
		if NormalizeName(s.Name) == want {
			return &s, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate students: %w", err)
	}
	return nil, nil
}

// Enrolled lists every student in the section taught by a schedule.
func (p *Pool) Enrolled(ctx context.Context, scheduleID string) ([]Student, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT p.id_number, p.name, p.rfid_tag, p.section
		FROM persons p
		JOIN schedules sc ON sc.section = p.section
		WHERE sc.schedule_id = ? AND p.role = 'student'
	`, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("list enrolled students: %w", err)
	}
	defer rows.Close()

	var students []Student
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.ID, &s.Name, &s.RFIDTag, &s.Section); err != nil {
			return nil, fmt.Errorf("scan enrolled student: %w", err)
		}
		students = append(students, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enrolled students: %w", err)
	}
	return students, nil
}
