package types

import "time"

// Session is a logical grouping of memories sharing a session_id. It is
// "active" while memories keep arriving within a timeout; on
// consolidation, a CONTEXT-type summary memory links the members via
// PART_OF (spec §4.14). Session itself is not persisted as its own
// record — it is a view computed by grouping memories — but the type
// gives the session engine and its tests a stable shape to pass around.
type Session struct {
	ID              string    `json:"id"`
	MemberIDs       []string  `json:"member_ids"`
	FirstMemoryAt   time.Time `json:"first_memory_at"`
	LastMemoryAt    time.Time `json:"last_memory_at"`
	SummaryMemoryID string    `json:"summary_memory_id,omitempty"`
}

// IsActive reports whether the session is still accepting new memories
// given the inactivity timeout (spec's session_consolidation_delay_hours
// governs consolidation, not activity, but the two share this check).
func (s Session) IsActive(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastMemoryAt) < timeout
}

// Consolidated reports whether this session has already been rolled up
// into a summary memory.
func (s Session) Consolidated() bool {
	return s.SummaryMemoryID != ""
}
