// Package roster resolves raw source identities (RFID card tags, Zoom
// display names) to students enrolled in a session. The authoritative
// data lives in the school information system; edge devices use a
// memory snapshot of it.
package roster

import (
	"context"
)

// Student is one enrolled person as known to the school information
// system.
type Student struct {
	ID      string
	Name    string
	RFIDTag string
	Section string
}

// Provider answers identity questions for the adapters and the
// aggregator's closed-world sweep.
type Provider interface {
	// ByRFIDTag resolves a card tag to a student, nil if unmapped.
	ByRFIDTag(ctx context.Context, tag string) (*Student, error)
	// ByName resolves a display name to a student, nil if unmatched.
	// Implementations compare normalized names (lowercase, diacritics
	// stripped) so "Jiří Novák" matches "jiri novak".
	ByName(ctx context.Context, name string) (*Student, error)
	// Enrolled lists every student expected in a session's section.
	Enrolled(ctx context.Context, scheduleID string) ([]Student, error)
}
