package engine

import (
	"context"

	"github.com/arkhive/meridian/internal/storage"
	"github.com/arkhive/meridian/pkg/types"
)

// fakeGraphStore is a minimal in-memory storage.GraphStore for
// exercising engine components that create/inspect edges without a
// live Neo4j instance.
type fakeGraphStore struct {
	nodes map[string]bool
	edges []storage.GraphEdge
}

func newFakeGraphStore() *fakeGraphStore {
	return &fakeGraphStore{nodes: make(map[string]bool)}
}

func (g *fakeGraphStore) UpsertNode(ctx context.Context, id string, memType types.MemoryType, contentPreview string, project string, tags []string) error {
	g.nodes[id] = true
	return nil
}

func (g *fakeGraphStore) DeleteNode(ctx context.Context, id string) error {
	delete(g.nodes, id)
	return nil
}

func (g *fakeGraphStore) CreateEdge(ctx context.Context, rel types.Relation) error {
	if !types.IsValidRelationType(rel.Type) {
		return storage.ErrInvalidInput
	}
	g.edges = append(g.edges, storage.GraphEdge{
		From: rel.SourceID, To: rel.TargetID, RelationType: rel.Type,
		Weight: types.EdgeWeight(rel.Type), ValidFrom: rel.ValidFrom, ValidTo: rel.ValidTo,
	})
	return nil
}

func (g *fakeGraphStore) Neighbors(ctx context.Context, id string, bounds storage.GraphBounds) ([]storage.GraphEdge, error) {
	var out []storage.GraphEdge
	for _, e := range g.edges {
		if e.From == id || e.To == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (g *fakeGraphStore) Traverse(ctx context.Context, startID string, bounds storage.GraphBounds) (*storage.GraphResult, error) {
	return &storage.GraphResult{Nodes: []string{startID}}, nil
}

func (g *fakeGraphStore) FindPath(ctx context.Context, startID, endID string, bounds storage.GraphBounds) ([]string, error) {
	return nil, nil
}

func (g *fakeGraphStore) Close() error { return nil }
