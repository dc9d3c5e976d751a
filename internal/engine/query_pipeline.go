package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/arkhive/meridian/internal/llm"
	"github.com/arkhive/meridian/internal/storage"
	"github.com/arkhive/meridian/pkg/types"
)

const (
	// rerankOversampleLimit is how many candidates are pulled from
	// retrieval when a reranker is going to run over them, before being
	// cut back down to the caller's requested limit.
	rerankOversampleLimit = 50

	// rerankSkipConfidence is the top dense score at or above which
	// reranking is skipped outright: the top hit is already confident
	// enough that spending a cross-encoder call on it buys nothing.
	rerankSkipConfidence = 0.95

	// graphExpansionFactor scales down a neighbour's inherited score
	// relative to the seed memory that surfaced it.
	graphExpansionFactor = 0.6

	// graphDepthDecay is applied once per additional hop beyond the
	// first during graph expansion.
	graphDepthDecay = 0.8

	// graphExpansionMinScore drops expanded neighbours below this
	// inherited score rather than returning them as noise.
	graphExpansionMinScore = 0.1

	// graphExpansionMaxHops bounds how far query-time graph expansion
	// walks from each seed result.
	graphExpansionMaxHops = 3

	// topAccessBookkeepingCount is how many top results get their access
	// count bumped and strength reinforced after a search.
	topAccessBookkeepingCount = 5
)

// SearchResult is one ranked hit returned from the query pipeline: the
// memory plus the score it was ranked by (rerank score when reranking
// ran, retrieval score otherwise).
type SearchResult struct {
	Memory types.Memory
	Score  float64
}

// QueryPipelineConfig holds the runtime-tunable knobs of the query
// pipeline (spec §4.4, §6). Zero values are replaced by spec defaults
// in NewQueryPipeline.
type QueryPipelineConfig struct {
	RerankSkipThreshold float64
	UseLearnedFusion    bool
	UseQueryUnderstanding bool
	CacheThreshold      float64
}

func (c QueryPipelineConfig) normalized() QueryPipelineConfig {
	if c.RerankSkipThreshold == 0 {
		c.RerankSkipThreshold = rerankSkipConfidence
	}
	return c
}

// QueryPipeline orchestrates retrieval end to end: query intelligence,
// cache lookup, dense/sparse/hybrid search with oversampling, reranking,
// graph expansion, and the post-search bookkeeping (cache store, access
// counting, strength reinforcement). Grounded on the teacher's
// retrieval-pipeline shape (internal/engine/write_pipeline.go): a small
// orchestration struct composing already-built engines behind a single
// entry point, all dependencies passed in as possibly-nil pointers so
// unit tests can exercise a subset.
type QueryPipeline struct {
	store    storage.VectorStore
	graph    storage.GraphStore
	embedder llm.EmbeddingGenerator
	sparse   llm.SparseEmbeddingGenerator
	reranker llm.Reranker
	cache    *QueryCache
	decay    *DecayEngine
	quality  *QualityEngine
	cfg      QueryPipelineConfig
}

// NewQueryPipeline creates a QueryPipeline. sparse, reranker, cache,
// graph, decay, and quality may all be nil; the pipeline degrades
// gracefully (dense-only search, no rerank, no cache, no bookkeeping).
func NewQueryPipeline(
	store storage.VectorStore,
	graph storage.GraphStore,
	embedder llm.EmbeddingGenerator,
	sparse llm.SparseEmbeddingGenerator,
	reranker llm.Reranker,
	cache *QueryCache,
	decay *DecayEngine,
	quality *QualityEngine,
	cfg QueryPipelineConfig,
) *QueryPipeline {
	return &QueryPipeline{
		store:    store,
		graph:    graph,
		embedder: embedder,
		sparse:   sparse,
		reranker: reranker,
		cache:    cache,
		decay:    decay,
		quality:  quality,
		cfg:      cfg.normalized(),
	}
}

// Search runs the full retrieval pipeline for a raw user query and
// returns up to limit ranked results (spec §4.4).
func (q *QueryPipeline) Search(ctx context.Context, query string, filter storage.Filter, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}

	enhanced := EnhanceQuery(query)
	intent := ClassifyIntent(enhanced.Enhanced)
	plan := Route(enhanced.Enhanced, intent)
	if !plan.CreatedAfter.IsZero() {
		filter.CreatedAfter = plan.CreatedAfter
	}
	if !plan.CreatedBefore.IsZero() {
		filter.CreatedBefore = plan.CreatedBefore
	}

	dense, err := q.embedder.Embed(ctx, enhanced.Enhanced)
	if err != nil {
		return nil, fmt.Errorf("query_pipeline: embed query: %w", err)
	}

	cacheable := isCacheableFilter(filter)
	if cacheable && q.cache != nil {
		if cached, hit, err := q.cache.Get(ctx, dense); err == nil && hit {
			return q.toSearchResults(ctx, cached.Results, limit)
		}
	}

	candidates, err := q.retrieve(ctx, enhanced.Enhanced, dense, filter, plan, limit)
	if err != nil {
		return nil, err
	}

	ranked, err := q.rerank(ctx, enhanced.Original, candidates, plan)
	if err != nil {
		return nil, err
	}

	if plan.GraphExpansion && q.graph != nil {
		ranked = q.expandGraph(ctx, ranked, limit)
	}

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	if cacheable && q.cache != nil {
		_ = q.cache.Store(ctx, dense, query, ranked)
	}

	return q.finalize(ctx, ranked, limit)
}

// retrieve runs the retrieval-mode-appropriate search with oversampling
// when a rerank pass is coming.
func (q *QueryPipeline) retrieve(ctx context.Context, query string, dense []float32, filter storage.Filter, plan SearchPlan, limit int) ([]storage.ScoredRecord, error) {
	searchLimit := limit
	if plan.Rerank {
		searchLimit = rerankOversampleLimit
	}

	switch plan.Mode {
	case ModeKeyword:
		if q.sparse == nil {
			return q.store.SearchDense(ctx, dense, filter, searchLimit, 0)
		}
		sparseVec, err := q.sparse.EmbedSparse(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("query_pipeline: embed sparse query: %w", err)
		}
		return q.store.SearchSparse(ctx, llmSparseToStorage(sparseVec), filter, searchLimit, 0)
	case ModeHybrid:
		var sparsePtr *types.SparseVector
		if q.sparse != nil {
			sparseVec, err := q.sparse.EmbedSparse(ctx, query)
			if err == nil {
				converted := llmSparseToStorage(sparseVec)
				sparsePtr = &converted
			}
		}
		strategy := storage.FusionRRF
		if q.cfg.UseLearnedFusion {
			strategy = storage.FusionLearned
		}
		return q.store.SearchHybrid(ctx, dense, sparsePtr, filter, searchLimit, strategy)
	default:
		return q.store.SearchDense(ctx, dense, filter, searchLimit, 0)
	}
}

// rerank scores candidates with the cross-encoder unless the plan
// forbids it or the top dense score already clears the confidence
// shortcut.
func (q *QueryPipeline) rerank(ctx context.Context, query string, candidates []storage.ScoredRecord, plan SearchPlan) ([]storage.ScoredRecord, error) {
	if len(candidates) == 0 || !plan.Rerank || q.reranker == nil {
		return candidates, nil
	}
	if candidates[0].Score >= q.cfg.RerankSkipThreshold {
		return candidates, nil
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		content, _ := c.Payload["content"].(string)
		docs[i] = content
	}

	scores, err := q.reranker.ScorePairs(ctx, query, docs)
	if err != nil {
		return nil, fmt.Errorf("query_pipeline: rerank: %w", err)
	}

	reranked := make([]storage.ScoredRecord, len(candidates))
	for i, c := range candidates {
		c.Score = float64(scores[i])
		reranked[i] = c
	}
	sort.Slice(reranked, func(i, j int) bool { return reranked[i].Score > reranked[j].Score })
	return reranked, nil
}

// expandGraph walks up to graphExpansionMaxHops hops from each seed
// result, attaching same-depth-decayed neighbours that are not already
// present among the results (spec §4.4.5). Edge-type weights come from
// types.EdgeWeight; a neighbour's inherited score is
// seed.Score * graphExpansionFactor * edgeWeight * graphDepthDecay^(hop-1).
func (q *QueryPipeline) expandGraph(ctx context.Context, seeds []storage.ScoredRecord, limit int) []storage.ScoredRecord {
	seen := make(map[string]bool, len(seeds))
	for _, s := range seeds {
		seen[s.ID] = true
	}

	result := append([]storage.ScoredRecord{}, seeds...)
	frontier := seeds

	bounds := storage.GraphBounds{MaxHops: graphExpansionMaxHops}
	bounds.Normalize()

	for hop := 1; hop <= graphExpansionMaxHops && len(result) < limit*3; hop++ {
		var next []storage.ScoredRecord
		decay := math.Pow(graphDepthDecay, float64(hop-1))

		for _, seed := range frontier {
			edges, err := q.graph.Neighbors(ctx, seed.ID, bounds)
			if err != nil {
				continue
			}
			for _, edge := range edges {
				neighborID := edge.To
				if neighborID == seed.ID {
					neighborID = edge.From
				}
				if seen[neighborID] {
					continue
				}

				weight := types.EdgeWeight(edge.RelationType)
				inherited := seed.Score * graphExpansionFactor * weight * decay
				if inherited < graphExpansionMinScore {
					continue
				}

				record, err := q.store.Get(ctx, neighborID)
				if err != nil {
					continue
				}
				scored := storage.ScoredRecord{ID: neighborID, Payload: record.Payload, Score: inherited}
				seen[neighborID] = true
				result = append(result, scored)
				next = append(next, scored)
			}
		}
		frontier = next
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Score > result[j].Score })
	return result
}

// finalize decodes the ranked candidates into Memory results, then
// bumps access count and strength for the top results.
func (q *QueryPipeline) finalize(ctx context.Context, ranked []storage.ScoredRecord, limit int) ([]SearchResult, error) {
	results, err := q.toSearchResults(ctx, ranked, limit)
	if err != nil {
		return nil, err
	}

	bookkept := len(results)
	if bookkept > topAccessBookkeepingCount {
		bookkept = topAccessBookkeepingCount
	}
	for _, r := range results[:bookkept] {
		q.recordAccess(ctx, r.Memory)
	}

	return results, nil
}

// toSearchResults decodes up to limit ScoredRecords into SearchResults.
func (q *QueryPipeline) toSearchResults(ctx context.Context, ranked []storage.ScoredRecord, limit int) ([]SearchResult, error) {
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	results := make([]SearchResult, 0, len(ranked))
	for _, r := range ranked {
		mem, err := memoryFromPayload(r.Payload)
		if err != nil {
			continue
		}
		results = append(results, SearchResult{Memory: mem, Score: r.Score})
	}
	return results, nil
}

// recordAccess increments access count, stamps last_accessed, and
// reinforces memory strength for a memory surfaced in a top result; it
// does not recompute quality. Best-effort:
// failures are not propagated since they must never fail the search
// itself.
func (q *QueryPipeline) recordAccess(ctx context.Context, mem types.Memory) {
	now := time.Now()
	patch := map[string]interface{}{
		"access_count":  mem.AccessCount + 1,
		"last_accessed": now.Format(time.RFC3339Nano),
	}
	if q.decay != nil {
		patch["memory_strength"] = q.decay.Reinforce(mem)
	}
	_ = q.store.SetPayload(ctx, mem.ID, patch)
}

// isCacheableFilter reports whether the query cache may be used under
// filter (spec §4.4.2): it is false when a type/tag/project filter is
// set, since a cached result for the bare query embedding would no
// longer be semantically equivalent; a time range or archived toggle
// does not make it false.
func isCacheableFilter(filter storage.Filter) bool {
	return filter.Type == "" && filter.Project == "" && len(filter.Tags) == 0
}

func llmSparseToStorage(v llm.SparseVector) types.SparseVector {
	return types.SparseVector{Indices: v.Indices, Values: v.Values}
}

// SearchValidAt returns results from Search filtered to memories whose
// bi-temporal validity window covers at (spec §4.4.7).
func (q *QueryPipeline) SearchValidAt(ctx context.Context, query string, filter storage.Filter, limit int, at time.Time) ([]SearchResult, error) {
	results, err := q.Search(ctx, query, filter, limit*3)
	if err != nil {
		return nil, err
	}
	return filterSearchResults(results, limit, func(m types.Memory) bool { return m.IsValidAt(at) }), nil
}

// SearchObsolete returns results from Search filtered to memories whose
// validity window had already ended by at (spec §4.4.7).
func (q *QueryPipeline) SearchObsolete(ctx context.Context, query string, filter storage.Filter, limit int, at time.Time) ([]SearchResult, error) {
	results, err := q.Search(ctx, query, filter, limit*3)
	if err != nil {
		return nil, err
	}
	return filterSearchResults(results, limit, func(m types.Memory) bool {
		return m.ValidityEnd != nil && !m.ValidityEnd.After(at)
	}), nil
}

// SearchRelatedAt returns the memories related to seedID whose relation
// was in effect at time at (spec §4.4.7), scored by edge weight.
func (q *QueryPipeline) SearchRelatedAt(ctx context.Context, seedID string, at time.Time, limit int) ([]SearchResult, error) {
	if q.graph == nil {
		return nil, fmt.Errorf("query_pipeline: search related at: no graph store configured")
	}
	bounds := storage.GraphBounds{MaxHops: 1}
	bounds.Normalize()

	edges, err := q.graph.Neighbors(ctx, seedID, bounds)
	if err != nil {
		return nil, fmt.Errorf("query_pipeline: search related at: %w", err)
	}

	var results []SearchResult
	for _, edge := range edges {
		rel := types.Relation{SourceID: edge.From, TargetID: edge.To, Type: edge.RelationType, ValidFrom: edge.ValidFrom, ValidTo: edge.ValidTo}
		if !rel.MatchesAt(at) {
			continue
		}
		neighborID := edge.To
		if neighborID == seedID {
			neighborID = edge.From
		}
		record, err := q.store.Get(ctx, neighborID)
		if err != nil {
			continue
		}
		mem, err := memoryFromPayload(record.Payload)
		if err != nil {
			continue
		}
		results = append(results, SearchResult{Memory: mem, Score: types.EdgeWeight(edge.RelationType)})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func filterSearchResults(results []SearchResult, limit int, keep func(types.Memory) bool) []SearchResult {
	var out []SearchResult
	for _, r := range results {
		if keep(r.Memory) {
			out = append(out, r)
		}
		if len(out) >= limit {
			break
		}
	}
	return out
}
