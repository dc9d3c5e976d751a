// Package storage provides the composable storage interfaces this
// system is built on: a VectorStore for payload+embedding persistence
// and similarity search, and a GraphStore for typed, temporally-bounded
// relationship traversal. Each capability is its own small interface so
// the qdrant and neo4j adapters can be implemented (and tested)
// independently, following the teacher's Interface Segregation split
// of MemoryStore/SearchProvider/GraphProvider.
package storage

import (
	"context"

	"github.com/arkhive/meridian/pkg/types"
)

// VectorStore persists memories with named dense/sparse vectors and a
// typed payload, and provides filtered similarity retrieval (spec §4.1).
type VectorStore interface {
	// CreateCollection is idempotent. It creates payload indexes on
	// type, project, tags, resolved, created_at, memory_tier, archived.
	CreateCollection(ctx context.Context, dim int, withSparse bool) error

	// Upsert writes (or overwrites) a point's vectors and payload.
	Upsert(ctx context.Context, id string, dense []float32, sparse *types.SparseVector, payload map[string]interface{}) error

	// Get retrieves a point's payload and vectors.
	Get(ctx context.Context, id string) (*Record, error)

	// Scroll cursor-paginates over the full set under filter.
	Scroll(ctx context.Context, filter Filter, limit int, offset int, withVectors bool) ([]Record, int, error)

	// SearchDense runs a dense kNN search.
	SearchDense(ctx context.Context, vector []float32, filter Filter, limit int, minScore float64) ([]ScoredRecord, error)

	// SearchSparse runs a sparse kNN search.
	SearchSparse(ctx context.Context, sparse types.SparseVector, filter Filter, limit int, minScore float64) ([]ScoredRecord, error)

	// SearchHybrid prefetches from both spaces (each at 2*limit) and
	// fuses by the given strategy. When the collection predates sparse
	// vectors, implementations degrade to SearchDense.
	SearchHybrid(ctx context.Context, dense []float32, sparse *types.SparseVector, filter Filter, limit int, strategy FusionStrategy) ([]ScoredRecord, error)

	// SetPayload applies a partial payload mutation.
	SetPayload(ctx context.Context, id string, patch map[string]interface{}) error

	// Delete removes points by id.
	Delete(ctx context.Context, ids []string) error

	// Count returns the number of points matching filter.
	Count(ctx context.Context, filter Filter) (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// GraphStore persists memory nodes and typed, temporally-bounded
// relationship edges, and provides bounded traversal.
type GraphStore interface {
	// UpsertNode creates or updates a memory node: id, type, a content
	// preview (<=200 chars), project, tags, updated_at.
	UpsertNode(ctx context.Context, id string, memType types.MemoryType, contentPreview string, project string, tags []string) error

	// DeleteNode removes a node and its incident edges.
	DeleteNode(ctx context.Context, id string) error

	// CreateEdge creates a typed, optionally temporally-bounded edge.
	CreateEdge(ctx context.Context, rel types.Relation) error

	// Neighbors returns the immediate (1-hop) neighbours of id, each
	// with the edge that connects it.
	Neighbors(ctx context.Context, id string, bounds GraphBounds) ([]GraphEdge, error)

	// Traverse performs bounded BFS from startID.
	Traverse(ctx context.Context, startID string, bounds GraphBounds) (*GraphResult, error)

	// FindPath finds a bounded path between two nodes, if one exists.
	FindPath(ctx context.Context, startID, endID string, bounds GraphBounds) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}
