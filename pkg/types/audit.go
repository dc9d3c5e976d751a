package types

import "time"

// AuditEntry is one immutable record in the append-only audit trail
// (spec §4.12). Stored in its own collection, never mutated after
// write; old_values/new_values carry only the fields that changed.
type AuditEntry struct {
	MemoryID  string                 `json:"memory_id"`
	Action    AuditAction            `json:"action"`
	Actor     string                 `json:"actor"`
	Timestamp time.Time              `json:"timestamp"`
	OldValues map[string]interface{} `json:"old_values,omitempty"`
	NewValues map[string]interface{} `json:"new_values,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}
