package engine

import (
	"context"
	"testing"
	"time"

	"github.com/arkhive/meridian/internal/storage"
	"github.com/arkhive/meridian/pkg/types"
)

type fakeEmbeddingGenerator struct{}

func (fakeEmbeddingGenerator) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (fakeEmbeddingGenerator) GetModel() string { return "fake" }

func TestCosineSimilarity_IdenticalVectorsAreOne(t *testing.T) {
	a := []float32{1, 2, 3}
	if got := cosineSimilarity(a, a); got < 0.999 {
		t.Errorf("expected ~1.0 for identical vectors, got %v", got)
	}
}

func TestCosineSimilarity_OrthogonalVectorsAreZero(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	if got := cosineSimilarity(a, b); got != 0 {
		t.Errorf("expected 0 for orthogonal vectors, got %v", got)
	}
}

func TestHierarchicalCluster_GroupsSimilarAndDropsUndersized(t *testing.T) {
	records := []storage.Record{
		{ID: "a", Dense: []float32{1, 0, 0}},
		{ID: "b", Dense: []float32{0.99, 0.01, 0}},
		{ID: "c", Dense: []float32{0.98, 0.02, 0}},
		{ID: "d", Dense: []float32{0, 1, 0}}, // singleton, should be dropped
	}

	groups := hierarchicalCluster(records, 0.85, 3)
	if len(groups) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(groups))
	}
	if len(groups[0]) != 3 {
		t.Errorf("expected cluster of 3, got %d", len(groups[0]))
	}
}

func TestArchiveOldMemories_KeepsUnresolvedErrorsAndHighAccess(t *testing.T) {
	store := newFakeVectorStore()
	ctx := context.Background()
	now := time.Now()
	old := now.Add(-30 * 24 * time.Hour)

	lowValue := types.Memory{ID: "low", Type: types.MemoryTypeContext, CreatedAt: old, AccessCount: 0, ImportanceScore: 0.2}
	highAccess := types.Memory{ID: "hot", Type: types.MemoryTypeContext, CreatedAt: old, AccessCount: 10, ImportanceScore: 0.2}
	errorWithSolution := types.Memory{ID: "err", Type: types.MemoryTypeError, CreatedAt: old, Solution: "fixed it", AccessCount: 0, ImportanceScore: 0.1}

	for _, mem := range []types.Memory{lowValue, highAccess, errorWithSolution} {
		payload, _ := memoryToPayload(mem)
		store.Upsert(ctx, mem.ID, nil, nil, payload)
	}

	engine := NewConsolidationEngine(store, fakeEmbeddingGenerator{}, nil)
	result, err := engine.ArchiveOldMemories(ctx, 7*24*time.Hour, false)
	if err != nil {
		t.Fatalf("ArchiveOldMemories: %v", err)
	}
	if result.Archived != 1 || result.Kept != 2 {
		t.Errorf("expected 1 archived, 2 kept; got archived=%d kept=%d", result.Archived, result.Kept)
	}

	rec, _ := store.Get(ctx, "low")
	if rec.Payload["archived"] != true {
		t.Error("expected low-value memory to be archived")
	}
	rec, _ = store.Get(ctx, "hot")
	if rec.Payload["archived"] == true {
		t.Error("expected frequently-accessed memory to be kept")
	}
}
