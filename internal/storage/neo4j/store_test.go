//go:build integration

package neo4j

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/arkhive/meridian/internal/storage"
	"github.com/arkhive/meridian/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("MERIDIAN_NEO4J_URI")
	if uri == "" {
		t.Skip("MERIDIAN_NEO4J_URI not set, skipping neo4j integration test")
	}
	store, err := New(context.Background(), Config{
		URI:      uri,
		Username: os.Getenv("MERIDIAN_NEO4J_USER"),
		Password: os.Getenv("MERIDIAN_NEO4J_PASSWORD"),
	})
	if err != nil {
		t.Fatalf("connect to neo4j: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertNodeAndCreateEdge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertNode(ctx, "mem-a", types.MemoryTypeError, "connection pool exhaustion", "meridian", []string{"db"}); err != nil {
		t.Fatalf("upsert mem-a: %v", err)
	}
	if err := store.UpsertNode(ctx, "mem-b", types.MemoryTypeLearning, "pgbouncer fixed it", "meridian", []string{"db"}); err != nil {
		t.Fatalf("upsert mem-b: %v", err)
	}
	defer store.DeleteNode(ctx, "mem-a")
	defer store.DeleteNode(ctx, "mem-b")

	rel := types.Relation{SourceID: "mem-a", TargetID: "mem-b", Type: types.RelationFixes, ValidFrom: time.Now()}
	if err := store.CreateEdge(ctx, rel); err != nil {
		t.Fatalf("create edge: %v", err)
	}

	bounds := storage.GraphBounds{}
	neighbors, err := store.Neighbors(ctx, "mem-a", bounds)
	if err != nil {
		t.Fatalf("neighbors: %v", err)
	}
	if len(neighbors) != 1 || neighbors[0].RelationType != types.RelationFixes {
		t.Errorf("expected one FIXES neighbor, got %v", neighbors)
	}
}

func TestCreateEdge_RejectsUnknownRelationType(t *testing.T) {
	store := newTestStore(t)
	err := store.CreateEdge(context.Background(), types.Relation{
		SourceID: "mem-a", TargetID: "mem-b", Type: "NOT_A_REAL_TYPE",
	})
	if err == nil {
		t.Fatal("expected an error for an unknown relation type")
	}
}
