package engine

import (
	"context"
	"testing"
	"time"

	"github.com/arkhive/meridian/internal/storage"
)

func TestCacheKey_IsDeterministicForIdenticalVectors(t *testing.T) {
	a := []float32{0.1, 0.2, 0.3}
	b := []float32{0.1, 0.2, 0.3}
	if cacheKey(a) != cacheKey(b) {
		t.Error("expected identical dense prefixes to produce the same cache key")
	}
}

func TestCacheKey_DiffersForDifferentVectors(t *testing.T) {
	a := []float32{0.1, 0.2, 0.3}
	b := []float32{0.9, 0.2, 0.3}
	if cacheKey(a) == cacheKey(b) {
		t.Error("expected different dense prefixes to produce different cache keys")
	}
}

func TestCacheKey_IgnoresComponentsBeyondTheDimsPrefix(t *testing.T) {
	base := make([]float32, queryCacheDims)
	for i := range base {
		base[i] = float32(i)
	}
	a := append(append([]float32{}, base...), 1.0)
	b := append(append([]float32{}, base...), 2.0)
	if cacheKey(a) != cacheKey(b) {
		t.Error("expected components past queryCacheDims to be ignored")
	}
}

func TestQueryCache_MissThenHit(t *testing.T) {
	store := newFakeVectorStore()
	cache := NewQueryCache(store)
	ctx := context.Background()
	dense := []float32{0.1, 0.2, 0.3}

	_, hit, err := cache.Get(ctx, dense)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if hit {
		t.Fatal("expected a miss on an empty cache")
	}

	results := []storage.ScoredRecord{{ID: "m1", Score: 0.9}}
	if err := cache.Store(ctx, dense, "database timeout", results); err != nil {
		t.Fatalf("Store: %v", err)
	}

	cached, hit, err := cache.Get(ctx, dense)
	if err != nil {
		t.Fatalf("Get after store: %v", err)
	}
	if !hit {
		t.Fatal("expected a hit after storing")
	}
	if cached.Query != "database timeout" {
		t.Errorf("expected query preserved, got %q", cached.Query)
	}
	if len(cached.Results) != 1 || cached.Results[0].ID != "m1" {
		t.Errorf("expected stored results round-tripped, got %+v", cached.Results)
	}

	stats := cache.Stats()
	if stats.Misses != 1 || stats.Hits != 1 || stats.Stores != 1 {
		t.Errorf("expected 1 miss, 1 hit, 1 store, got %+v", stats)
	}
}

func TestQueryCache_ExpiredEntryReportsAsMiss(t *testing.T) {
	store := newFakeVectorStore()
	cache := NewQueryCache(store).WithTTL(time.Millisecond)
	ctx := context.Background()
	dense := []float32{0.4, 0.5, 0.6}

	if err := cache.Store(ctx, dense, "q", []storage.ScoredRecord{{ID: "m1"}}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	_, hit, err := cache.Get(ctx, dense)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if hit {
		t.Error("expected an expired entry to report as a miss")
	}
}

func TestQueryCache_StoreTriggersEvictionPastMaxSize(t *testing.T) {
	store := newFakeVectorStore()
	cache := NewQueryCache(store).WithMaxSize(5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		dense := []float32{float32(i), 0, 0}
		if err := cache.Store(ctx, dense, "q", []storage.ScoredRecord{{ID: "m1"}}); err != nil {
			t.Fatalf("Store %d: %v", i, err)
		}
	}

	stats := cache.Stats()
	if stats.Evictions == 0 {
		t.Error("expected at least one eviction once the cache reached its max size")
	}
}

func TestQueryCache_ClearRemovesAllEntries(t *testing.T) {
	store := newFakeVectorStore()
	cache := NewQueryCache(store)
	ctx := context.Background()
	dense := []float32{0.1, 0.1, 0.1}

	if err := cache.Store(ctx, dense, "q", []storage.ScoredRecord{{ID: "m1"}}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := cache.Clear(ctx, 3); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	_, hit, err := cache.Get(ctx, dense)
	if err != nil {
		t.Fatalf("Get after clear: %v", err)
	}
	if hit {
		t.Error("expected no hit after Clear recreated the collection")
	}
}
