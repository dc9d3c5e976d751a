package storage

import (
	"errors"
	"time"

	"github.com/arkhive/meridian/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrGraphBoundsExceeded indicates that graph traversal exceeded bounds.
	ErrGraphBoundsExceeded = errors.New("graph bounds exceeded")
)

// PaginatedResult represents a paginated result set with type safety using generics.
type PaginatedResult[T any] struct {
	Items    []T
	Total    int
	Page     int
	PageSize int
	HasMore  bool
}

// Filter is the Qdrant-style predicate shared by scroll, search, and
// count (spec §4.1). A zero-value filter matches everything except
// archived memories — inclusion of archived is always opt-in.
type Filter struct {
	Type            types.MemoryType
	Project         string
	Tags            []string
	Resolved        *bool
	MemoryTier      types.MemoryState
	CreatedAfter    time.Time
	CreatedBefore   time.Time
	IncludeArchived bool
}

// Normalize applies the archived-exclusion default; callers that want
// archived memories must set IncludeArchived explicitly, so Normalize
// has nothing to flip — it exists for symmetry with ListOptions/
// GraphBounds and as the place future default-filling would go.
func (f *Filter) Normalize() {}

// Record is a stored point: its payload plus whichever vectors were requested.
type Record struct {
	ID      string
	Payload map[string]interface{}
	Dense   []float32
	Sparse  *types.SparseVector
}

// ScoredRecord is a Record returned from a similarity search, carrying
// the match score in whatever space the search was run in place of the
// raw vectors the bare Record does.
type ScoredRecord struct {
	ID      string
	Payload map[string]interface{}
	Score   float64
}

// FusionStrategy selects how SearchHybrid combines dense and sparse
// candidate lists (spec §4.4.3 / §4.5).
type FusionStrategy string

const (
	// FusionRRF combines by Reciprocal Rank Fusion (rank-based, k=60).
	FusionRRF FusionStrategy = "rrf"
	// FusionLearned combines by min-max normalised score blending, with
	// an even 0.5/0.5 dense/sparse weighting.
	FusionLearned FusionStrategy = "learned"
)

// GraphBounds prevents combinatorial explosion during graph traversal.
type GraphBounds struct {
	MaxHops  int
	MaxNodes int
	MaxEdges int
	Timeout  time.Duration

	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// Normalize applies defaults and caps to the GraphBounds.
func (g *GraphBounds) Normalize() {
	if g.MaxHops < 1 {
		g.MaxHops = 3
	}
	if g.MaxHops > 10 {
		g.MaxHops = 10
	}

	if g.MaxNodes < 1 {
		g.MaxNodes = 100
	}
	if g.MaxNodes > 1000 {
		g.MaxNodes = 1000
	}

	if g.MaxEdges < 1 {
		g.MaxEdges = 500
	}
	if g.MaxEdges > 5000 {
		g.MaxEdges = 5000
	}

	if g.Timeout == 0 {
		g.Timeout = 30 * time.Second
	}
	if g.Timeout > 5*time.Minute {
		g.Timeout = 5 * time.Minute
	}
}

// MatchesTemporalBounds reports whether createdAt falls within the
// window defined by CreatedAfter/CreatedBefore. A zero value for
// either bound means that bound is unconstrained.
func (g *GraphBounds) MatchesTemporalBounds(createdAt time.Time) bool {
	if !g.CreatedAfter.IsZero() && !createdAt.After(g.CreatedAfter) {
		return false
	}
	if !g.CreatedBefore.IsZero() && !createdAt.Before(g.CreatedBefore) {
		return false
	}
	return true
}

// GraphResult represents the result of a graph traversal operation.
type GraphResult struct {
	Nodes         []string
	Edges         []GraphEdge
	BoundsReached []string
}

// GraphEdge represents a directed edge in the memory graph.
type GraphEdge struct {
	From         string
	To           string
	RelationType types.RelationType
	Weight       float64
	ValidFrom    time.Time
	ValidTo      *time.Time
}
