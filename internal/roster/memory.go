package roster

import (
	"context"
	"sync"
)

// Memory is an in-memory Provider. Edge devices load a snapshot of the
// SIS roster into it at session start so card and name lookups keep
// working while offline; tests use it directly.
type Memory struct {
	mu       sync.RWMutex
	byID     map[string]Student
	byTag    map[string]string   // rfid tag -> student id
	byName   map[string]string   // normalized name -> student id
	sections map[string][]string // schedule id -> student ids
}

// NewMemory creates an empty in-memory roster.
func NewMemory() *Memory {
	return &Memory{
		byID:     make(map[string]Student),
		byTag:    make(map[string]string),
		byName:   make(map[string]string),
		sections: make(map[string][]string),
	}
}

// Add registers a student and enrolls them in the given schedules.
func (m *Memory) Add(s Student, scheduleIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[s.ID] = s
	if s.RFIDTag != "" {
		m.byTag[s.RFIDTag] = s.ID
	}
	if n := NormalizeName(s.Name); n != "" {
		m.byName[n] = s.ID
	}
	for _, sched := range scheduleIDs {
		m.sections[sched] = append(m.sections[sched], s.ID)
	}
}

// ByRFIDTag resolves a card tag to a student, nil if unmapped.
func (m *Memory) ByRFIDTag(ctx context.Context, tag string) (*Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byTag[tag]
	if !ok {
		return nil, nil
	}
	s := m.byID[id]
	return &s, nil
}

// ByName resolves a normalized display name to a student, nil if unmatched.
func (m *Memory) ByName(ctx context.Context, name string) (*Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[NormalizeName(name)]
	if !ok {
		return nil, nil
	}
	s := m.byID[id]
	return &s, nil
}

// Enrolled lists every student enrolled under a schedule.
func (m *Memory) Enrolled(ctx context.Context, scheduleID string) ([]Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.sections[scheduleID]
	students := make([]Student, 0, len(ids))
	for _, id := range ids {
		students = append(students, m.byID[id])
	}
	return students, nil
}
