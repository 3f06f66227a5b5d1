package attendance

// DefaultPriority is the evidence strength order used when no custom
// order is configured. Card-in-hand beats a meeting roster beats a
// camera match.
var DefaultPriority = []Method{MethodRFID, MethodZoom, MethodFace}

// Priority resolves cross-method ties for the same (student, session).
type Priority struct {
	rank map[Method]int
}

// NewPriority builds a Priority from strongest to weakest method.
// Unknown methods rank below every listed one.
func NewPriority(order []Method) *Priority {
	if len(order) == 0 {
		order = DefaultPriority
	}
	rank := make(map[Method]int, len(order))
	for i, m := range order {
		rank[m] = len(order) - i
	}
	return &Priority{rank: rank}
}

// Rank returns the numeric strength of a method; higher is stronger.
func (p *Priority) Rank(m Method) int {
	return p.rank[m]
}

// Outranks reports whether the incoming decision should replace the
// existing ledger row.
//
// A manual override replaces anything except a newer override. Below
// that, a present decision always replaces an absent one: absent is the
// closed-world default, and a device syncing late with real evidence
// must win over it. Between decisions of equal status a higher-priority
// method wins regardless of arrival or decision order. Within the same
// method the later DecidedAt wins (last writer).
func (p *Priority) Outranks(incoming, existing *AttendanceDecision) bool {
	if incoming.Override != existing.Override {
		return incoming.Override
	}
	if incoming.Override && existing.Override {
		return !incoming.DecidedAt.Before(existing.DecidedAt)
	}
	if incoming.Status != existing.Status {
		return incoming.Status == StatusPresent
	}
	ri, re := p.Rank(incoming.Method), p.Rank(existing.Method)
	if ri != re {
		return ri > re
	}
	return !incoming.DecidedAt.Before(existing.DecidedAt)
}
