package types

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrContentTooShort is returned by Validate when content fails the
	// length/word-count floor.
	ErrContentTooShort = errors.New("content too short")
	// ErrPlaceholderContent is returned when content is a known placeholder literal.
	ErrPlaceholderContent = errors.New("content is a placeholder")
	// ErrNotEnoughTags is returned when fewer than two non-generic tags are set.
	ErrNotEnoughTags = errors.New("at least two non-generic tags are required")
	// ErrMissingErrorResolution is returned for an ERROR memory with
	// neither solution nor prevention set.
	ErrMissingErrorResolution = errors.New("error memory requires solution or prevention")
	// ErrMissingRationale is returned for a DECISION memory with no rationale.
	ErrMissingRationale = errors.New("decision memory requires rationale")
)

var placeholderContents = map[string]bool{
	"todo":        true,
	"tbd":         true,
	"n/a":         true,
	"none":        true,
	"placeholder": true,
	"test":        true,
	"...":         true,
}

var genericTags = map[string]bool{
	"misc":          true,
	"other":         true,
	"general":       true,
	"uncategorized": true,
	"tag":           true,
	"note":          true,
}

const (
	minContentLength = 30
	minContentWords  = 5
	minTagCount      = 2
)

// Memory is a single unit of stored knowledge. Dense/sparse embeddings
// are not part of this struct — they live inside the vector store
// adapter's own upsert call (spec §3) — but the write pipeline carries
// them as transient fields below while building a new memory.
type Memory struct {
	// Identity
	ID string `json:"id"`

	// Semantic content
	Type    MemoryType `json:"type"`
	Content string     `json:"content"`
	Tags    []string   `json:"tags"`
	Project string     `json:"project,omitempty"`
	Source  string     `json:"source,omitempty"`
	Context string     `json:"context,omitempty"`

	// Type-specific fields: ERROR
	ErrorMessage string `json:"error_message,omitempty"`
	StackTrace   string `json:"stack_trace,omitempty"`
	Solution     string `json:"solution,omitempty"`
	Prevention   string `json:"prevention,omitempty"`
	Resolved     bool   `json:"resolved"`

	// Type-specific fields: DECISION
	Decision     string   `json:"decision,omitempty"`
	Rationale    string   `json:"rationale,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
	Reversible   bool     `json:"reversible,omitempty"`
	Impact       string   `json:"impact,omitempty"`

	// Time
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastAccessed  *time.Time `json:"last_accessed,omitempty"`
	EventTime     time.Time  `json:"event_time"`
	ValidityStart time.Time  `json:"validity_start"`
	ValidityEnd   *time.Time `json:"validity_end,omitempty"`

	// Lifecycle
	State          MemoryState       `json:"state"`
	StateChangedAt time.Time         `json:"state_changed_at"`
	StateHistory   []StateTransition `json:"state_history,omitempty"`
	MemoryTier     MemoryState       `json:"memory_tier"`
	Archived       bool              `json:"archived"`
	ArchivedAt     *time.Time        `json:"archived_at,omitempty"`

	// Scoring
	AccessCount      int              `json:"access_count"`
	ImportanceScore  float64          `json:"importance_score"`
	RecencyScore     float64          `json:"recency_score"`
	Pinned           bool             `json:"pinned"`
	MemoryStrength   float64          `json:"memory_strength"`
	DecayRate        float64          `json:"decay_rate"`
	LastDecayUpdate  time.Time        `json:"last_decay_update"`
	QualityScore     float64          `json:"quality_score"`
	QualityBreakdown QualityBreakdown `json:"quality_breakdown"`
	QualityHistory   []QualitySnapshot `json:"quality_history,omitempty"`
	UserRating       float64          `json:"user_rating,omitempty"`
	UserRatingCount  int              `json:"user_rating_count,omitempty"`
	UserFeedback     []string         `json:"user_feedback,omitempty"`

	// Relations (denormalised view; graph store holds the edges)
	Relations []EmbeddedRelation `json:"relations,omitempty"`

	// Versioning
	CurrentVersion int               `json:"current_version"`
	VersionHistory []VersionSnapshot `json:"version_history,omitempty"`

	// Session
	SessionID           string `json:"session_id,omitempty"`
	ConversationContext string `json:"conversation_context,omitempty"`
	SessionSequence     int    `json:"session_sequence,omitempty"`

	// Consolidation provenance
	ConsolidatedFrom     []string `json:"consolidated_from,omitempty"`
	ConsolidationSummary string   `json:"consolidation_summary,omitempty"`

	// Transient, write-pipeline-only fields — never part of the
	// persisted payload; the vector store adapter consumes these
	// directly during upsert and the payload codec must skip them.
	Embedding       []float32     `json:"-"`
	SparseEmbedding *SparseVector `json:"-"`
}

// SparseVector is a sparse term-weight vector, mirroring
// internal/llm.SparseVector so pkg/types does not import internal/llm.
type SparseVector struct {
	Indices []uint32
	Values  []float32
}

// IsValidAt reports whether the memory's bi-temporal validity window
// covers instant t: validity_start <= t AND (validity_end is nil OR t < validity_end).
func (m Memory) IsValidAt(t time.Time) bool {
	if t.Before(m.ValidityStart) {
		return false
	}
	if m.ValidityEnd != nil && !t.Before(*m.ValidityEnd) {
		return false
	}
	return true
}

// Validate checks the invariants that must hold before a memory becomes
// externally visible (spec §3 Invariants). It does not recompute
// quality_score — that is the payload-update wrapper's job.
func (m Memory) Validate() []error {
	var errs []error

	words := strings.Fields(m.Content)
	if len(m.Content) < minContentLength || len(words) < minContentWords {
		errs = append(errs, ErrContentTooShort)
	}
	if placeholderContents[strings.ToLower(strings.TrimSpace(m.Content))] {
		errs = append(errs, ErrPlaceholderContent)
	}

	nonGeneric := 0
	for _, tag := range m.Tags {
		if !genericTags[strings.ToLower(strings.TrimSpace(tag))] {
			nonGeneric++
		}
	}
	if nonGeneric < minTagCount {
		errs = append(errs, ErrNotEnoughTags)
	}

	switch m.Type {
	case MemoryTypeError:
		if m.Solution == "" && m.Prevention == "" {
			errs = append(errs, ErrMissingErrorResolution)
		}
	case MemoryTypeDecision:
		if m.Rationale == "" {
			errs = append(errs, ErrMissingRationale)
		}
	}

	if m.ValidityEnd != nil && m.ValidityEnd.Before(m.ValidityStart) {
		errs = append(errs, errors.New("validity_end before validity_start"))
	}

	return errs
}

// ResolvedConsistent reports whether the ERROR resolved<=>solution
// invariant holds (resolved iff solution is set).
func (m Memory) ResolvedConsistent() bool {
	if m.Type != MemoryTypeError {
		return true
	}
	return m.Resolved == (m.Solution != "")
}
