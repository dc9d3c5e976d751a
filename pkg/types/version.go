package types

import "time"

// VersionSnapshot captures the subset of a memory that can be rolled
// back: content and the fields §4.12's restore path needs to rewrite.
// Snapshots are immutable once appended to Memory.VersionHistory.
type VersionSnapshot struct {
	Version    int        `json:"version"`
	ChangeType ChangeType `json:"change_type"`
	At         time.Time  `json:"at"`

	Content    string   `json:"content"`
	Importance float64  `json:"importance"`
	Tags       []string `json:"tags"`

	// Type-specific fields, mirrored from Memory at snapshot time.
	ErrorMessage string `json:"error_message,omitempty"`
	Solution     string `json:"solution,omitempty"`
	Decision     string `json:"decision,omitempty"`
	Rationale    string `json:"rationale,omitempty"`
}
