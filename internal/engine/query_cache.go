package engine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/arkhive/meridian/internal/storage"
)

// queryCacheCollection is the dedicated vector-store collection the
// cache lives in, kept separate from the memory collection so cache
// eviction and TTL sweeps never touch real memories.
const queryCacheCollection = "query_cache"

// queryCacheDims is how many leading dense-vector components feed the
// cache key. Using a prefix instead of the full vector means queries
// whose embeddings agree on their dominant components collide into the
// same cache entry, which is the point: near-duplicate queries should
// share a cache slot.
const queryCacheDims = 10

// defaultCacheTTL and defaultCacheMaxSize are the spec §4.4.6 defaults.
const (
	defaultCacheTTL     = 24 * time.Hour
	defaultCacheMaxSize = 10000
	cacheEvictFraction  = 0.10
)

// CacheStats tracks cumulative cache activity for observability.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Stores    int64
	Evictions int64
}

// CachedResult is what QueryCache.Get returns on a hit: the serialized
// search results plus when the entry was written.
type CachedResult struct {
	Query     string
	Results   []storage.ScoredRecord
	CreatedAt time.Time
}

// QueryCache stores recent search results keyed by a deterministic hash
// of the query's dense embedding, so repeated or near-duplicate queries
// skip retrieval and reranking entirely (spec §4.4.6). It is backed by
// its own VectorStore collection rather than an in-process map so the
// cache survives process restarts and is shared across instances,
// matching the teacher's preference for the vector store as the single
// source of durable state.
type QueryCache struct {
	store   storage.VectorStore
	ttl     time.Duration
	maxSize int

	mu    sync.Mutex
	stats CacheStats
}

// NewQueryCache constructs a QueryCache with the spec default TTL
// (24h) and max size (10000 points).
func NewQueryCache(store storage.VectorStore) *QueryCache {
	return &QueryCache{
		store:   store,
		ttl:     defaultCacheTTL,
		maxSize: defaultCacheMaxSize,
	}
}

// WithTTL overrides the default entry lifetime.
func (c *QueryCache) WithTTL(ttl time.Duration) *QueryCache {
	c.ttl = ttl
	return c
}

// WithMaxSize overrides the default eviction threshold.
func (c *QueryCache) WithMaxSize(maxSize int) *QueryCache {
	c.maxSize = maxSize
	return c
}

// CreateCollection ensures the cache's backing collection exists. It
// carries no sparse vector, only the dense prefix used for the cache key.
func (c *QueryCache) CreateCollection(ctx context.Context, dim int) error {
	if err := c.store.CreateCollection(ctx, dim, false); err != nil {
		return fmt.Errorf("query_cache: create collection: %w", err)
	}
	return nil
}

// cacheKey derives a deterministic point ID from the leading
// queryCacheDims components of dense. It is explicitly NOT Python's
// built-in hash() (randomized per-process, unusable as a durable key) —
// FNV-1a over the big-endian bit pattern of each float32 component.
func cacheKey(dense []float32) string {
	h := fnv.New64a()
	buf := make([]byte, 4)
	n := queryCacheDims
	if len(dense) < n {
		n = len(dense)
	}
	for i := 0; i < n; i++ {
		binary.BigEndian.PutUint32(buf, math.Float32bits(dense[i]))
		_, _ = h.Write(buf)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Get looks up a cached result for the query's dense embedding. A miss
// (not found, or found but expired) returns ok=false; an expired entry
// is left in place for the next eviction sweep rather than deleted
// inline, keeping Get a pure read.
func (c *QueryCache) Get(ctx context.Context, dense []float32) (*CachedResult, bool, error) {
	id := cacheKey(dense)
	record, err := c.store.Get(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			c.recordMiss()
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query_cache: get: %w", err)
	}

	cached, err := cachedResultFromPayload(record.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("query_cache: decode payload: %w", err)
	}

	if time.Since(cached.CreatedAt) > c.ttl {
		c.recordMiss()
		return nil, false, nil
	}

	c.recordHit()
	return cached, true, nil
}

// Store writes (or overwrites) the cache entry for dense, then runs a
// best-effort eviction sweep if the collection has grown past maxSize.
func (c *QueryCache) Store(ctx context.Context, dense []float32, query string, results []storage.ScoredRecord) error {
	id := cacheKey(dense)
	payload := cachedResultToPayload(query, results, time.Now())

	if err := c.store.Upsert(ctx, id, dense, nil, payload); err != nil {
		return fmt.Errorf("query_cache: store: %w", err)
	}

	c.mu.Lock()
	c.stats.Stores++
	c.mu.Unlock()

	count, err := c.store.Count(ctx, storage.Filter{IncludeArchived: true})
	if err != nil {
		return nil
	}
	if count >= c.maxSize {
		if err := c.evictOldest(ctx); err != nil {
			return fmt.Errorf("query_cache: evict: %w", err)
		}
	}
	return nil
}

// evictOldest removes the oldest cacheEvictFraction of entries, by
// created_at, to make room for new writes.
func (c *QueryCache) evictOldest(ctx context.Context) error {
	const pageSize = 500
	type entry struct {
		id        string
		createdAt time.Time
	}

	var all []entry
	offset := 0
	for {
		records, total, err := c.store.Scroll(ctx, storage.Filter{IncludeArchived: true}, pageSize, offset, false)
		if err != nil {
			return err
		}
		for _, r := range records {
			createdAt, _ := r.Payload["created_at"].(string)
			t, _ := time.Parse(time.RFC3339Nano, createdAt)
			all = append(all, entry{id: r.ID, createdAt: t})
		}
		offset += len(records)
		if len(records) == 0 || offset >= total {
			break
		}
	}

	if len(all) == 0 {
		return nil
	}

	sort.Slice(all, func(i, j int) bool { return all[i].createdAt.Before(all[j].createdAt) })

	evictCount := int(float64(len(all)) * cacheEvictFraction)
	if evictCount < 1 {
		evictCount = 1
	}
	if evictCount > len(all) {
		evictCount = len(all)
	}

	ids := make([]string, 0, evictCount)
	for _, e := range all[:evictCount] {
		ids = append(ids, e.id)
	}
	if err := c.store.Delete(ctx, ids); err != nil {
		return err
	}

	c.mu.Lock()
	c.stats.Evictions += int64(evictCount)
	c.mu.Unlock()
	return nil
}

// Clear drops every cached entry by recreating the collection.
func (c *QueryCache) Clear(ctx context.Context, dim int) error {
	if err := c.store.CreateCollection(ctx, dim, false); err != nil {
		return fmt.Errorf("query_cache: clear: %w", err)
	}
	return nil
}

// Stats returns a snapshot of cumulative cache activity.
func (c *QueryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *QueryCache) recordHit() {
	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
}

func (c *QueryCache) recordMiss() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
}

func cachedResultToPayload(query string, results []storage.ScoredRecord, createdAt time.Time) map[string]interface{} {
	encoded, _ := json.Marshal(results)
	return map[string]interface{}{
		"query":      query,
		"results":    string(encoded),
		"created_at": createdAt.Format(time.RFC3339Nano),
	}
}

func cachedResultFromPayload(payload map[string]interface{}) (*CachedResult, error) {
	query, _ := payload["query"].(string)
	encoded, _ := payload["results"].(string)
	createdAtStr, _ := payload["created_at"].(string)

	var results []storage.ScoredRecord
	if encoded != "" {
		if err := json.Unmarshal([]byte(encoded), &results); err != nil {
			return nil, err
		}
	}

	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &CachedResult{Query: query, Results: results, CreatedAt: createdAt}, nil
}
