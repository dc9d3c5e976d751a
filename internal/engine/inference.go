package engine

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/arkhive/meridian/internal/storage"
	"github.com/arkhive/meridian/pkg/types"
)

const (
	defaultOnWriteMaxRelationships = 5
	errorSolutionSimilarity        = 0.85
	relatedSimilarity              = 0.75
	relatedLookback                = 7 * 24 * time.Hour
	defaultFollowsMaxGap           = 30 * time.Minute
)

var causalPhrasePattern = regexp.MustCompile(`(?i)\b(caused by|due to|because of)\b`)

// InferenceEngine discovers and creates relationship edges between
// memories, both synchronously on write and as scheduled batch jobs.
// Grounded on the teacher's InferenceEngine for the overall shape — a
// small store-backed struct with an Options-style call, sentinel-
// wrapped errors, bounded result sets — generalized from the teacher's
// generic graph-pattern discovery to the spec's five concrete
// relationship rules (spec §4.10).
type InferenceEngine struct {
	store   storage.VectorStore
	graph   storage.GraphStore
	quality *QualityEngine
}

// NewInferenceEngine creates an InferenceEngine.
func NewInferenceEngine(store storage.VectorStore, graph storage.GraphStore, quality *QualityEngine) *InferenceEngine {
	return &InferenceEngine{store: store, graph: graph, quality: quality}
}

// OnWrite runs the synchronous on-write inference step for a freshly
// stored memory: up to maxRelationships dense-kNN neighbours within
// the same project, filtered by simple type heuristics (same type ->
// SIMILAR_TO/RELATED; an ERROR paired with a solution-shaped memory ->
// FIXES candidate). Every created edge is mirrored as an embedded
// relation on the source and triggers a quality recompute on both
// endpoints.
func (e *InferenceEngine) OnWrite(ctx context.Context, mem types.Memory, maxRelationships int) error {
	if maxRelationships <= 0 {
		maxRelationships = defaultOnWriteMaxRelationships
	}
	if len(mem.Embedding) == 0 {
		return nil
	}

	neighbors, err := e.store.SearchDense(ctx, mem.Embedding, storage.Filter{Project: mem.Project}, maxRelationships+1, 0)
	if err != nil {
		return fmt.Errorf("inference: on-write neighbour search for %s: %w", mem.ID, err)
	}

	created := 0
	for _, n := range neighbors {
		if created >= maxRelationships || n.ID == mem.ID {
			continue
		}
		neighbor, err := memoryFromPayload(n.Payload)
		if err != nil {
			continue
		}

		relType, ok := onWriteRelationType(mem, neighbor)
		if !ok {
			continue
		}

		if err := e.createEdgeAndRecompute(ctx, mem.ID, neighbor.ID, relType); err != nil {
			return err
		}
		created++
	}
	return nil
}

func onWriteRelationType(source, neighbor types.Memory) (types.RelationType, bool) {
	if source.Type == types.MemoryTypeError && isSolutionShaped(neighbor) {
		return types.RelationFixes, true
	}
	if source.Type == neighbor.Type {
		return types.RelationSimilarTo, true
	}
	return types.RelationRelated, true
}

func isSolutionShaped(mem types.Memory) bool {
	return mem.Type == types.MemoryTypeLearning || mem.Type == types.MemoryTypeDecision || mem.Type == types.MemoryTypeDocs
}

func (e *InferenceEngine) createEdgeAndRecompute(ctx context.Context, sourceID, targetID string, relType types.RelationType) error {
	rel := types.Relation{SourceID: sourceID, TargetID: targetID, Type: relType, ValidFrom: time.Now()}
	if err := e.graph.CreateEdge(ctx, rel); err != nil {
		return fmt.Errorf("inference: create %s edge %s->%s: %w", relType, sourceID, targetID, err)
	}

	_ = e.store.SetPayload(ctx, sourceID, map[string]interface{}{
		"relations": e.appendEmbeddedRelation(ctx, sourceID, targetID, relType),
	})

	if e.quality != nil {
		_, _ = e.quality.Recalculate(ctx, sourceID)
		_, _ = e.quality.Recalculate(ctx, targetID)
	}
	return nil
}

// appendEmbeddedRelation reads sourceID's current embedded-relation list
// and appends the new edge to it, so that repeated calls (e.g. multiple
// on-write relationships found for the same new memory) accumulate
// rather than clobber each other's writes.
func (e *InferenceEngine) appendEmbeddedRelation(ctx context.Context, sourceID, targetID string, relType types.RelationType) []types.EmbeddedRelation {
	existing := []types.EmbeddedRelation{}
	if rec, err := e.store.Get(ctx, sourceID); err == nil {
		if mem, err := memoryFromPayload(rec.Payload); err == nil {
			existing = mem.Relations
		}
	}
	return append(existing, types.EmbeddedRelation{TargetID: targetID, Type: relType, CreatedAt: time.Now()})
}

// InferErrorSolutions is the error->solution batch job: for each
// unresolved ERROR memory, search forward in time for similar
// LEARNING/DECISION/DOCS memories above errorSolutionSimilarity within
// lookback; on a match, edge solution FIXES error.
func (e *InferenceEngine) InferErrorSolutions(ctx context.Context, lookback time.Duration) (int, error) {
	errors, err := e.scrollByType(ctx, types.MemoryTypeError)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, mem := range errors {
		if mem.Resolved || len(mem.Embedding) == 0 {
			continue
		}

		candidates, err := e.store.SearchDense(ctx, mem.Embedding, storage.Filter{
			Project:      mem.Project,
			CreatedAfter: mem.CreatedAt,
		}, 5, errorSolutionSimilarity)
		if err != nil {
			continue
		}

		for _, c := range candidates {
			solution, err := memoryFromPayload(c.Payload)
			if err != nil || solution.ID == mem.ID || !isSolutionShaped(solution) {
				continue
			}
			if solution.CreatedAt.Sub(mem.CreatedAt) > lookback {
				continue
			}
			if err := e.createEdgeAndRecompute(ctx, solution.ID, mem.ID, types.RelationFixes); err != nil {
				return created, err
			}
			created++
			break
		}
	}
	return created, nil
}

// InferRelated is the related batch job: for memories created within
// the last 7 days, find the top 3 neighbours above relatedSimilarity
// and edge RELATED.
func (e *InferenceEngine) InferRelated(ctx context.Context, now time.Time) (int, error) {
	recent, err := e.scrollCreatedAfter(ctx, now.Add(-relatedLookback))
	if err != nil {
		return 0, err
	}

	created := 0
	for _, mem := range recent {
		if len(mem.Embedding) == 0 {
			continue
		}
		candidates, err := e.store.SearchDense(ctx, mem.Embedding, storage.Filter{Project: mem.Project}, 4, relatedSimilarity)
		if err != nil {
			continue
		}

		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
		added := 0
		for _, c := range candidates {
			if added >= 3 || c.ID == mem.ID {
				continue
			}
			if err := e.createEdgeAndRecompute(ctx, mem.ID, c.ID, types.RelationRelated); err != nil {
				return created, err
			}
			created++
			added++
		}
	}
	return created, nil
}

// InferTemporalFollows is the temporal batch job: within a project,
// consecutive memories within maxGap of each other get a FOLLOWS edge.
func (e *InferenceEngine) InferTemporalFollows(ctx context.Context, project string, maxGap time.Duration) (int, error) {
	if maxGap <= 0 {
		maxGap = defaultFollowsMaxGap
	}

	members, err := e.scrollByProject(ctx, project)
	if err != nil {
		return 0, err
	}
	sort.Slice(members, func(i, j int) bool { return members[i].CreatedAt.Before(members[j].CreatedAt) })

	created := 0
	for i := 0; i+1 < len(members); i++ {
		a, b := members[i], members[i+1]
		if b.CreatedAt.Sub(a.CreatedAt) > maxGap {
			continue
		}
		if err := e.createEdgeAndRecompute(ctx, a.ID, b.ID, types.RelationFollows); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// InferCausal is the causal batch job: a regex scan for "caused by" /
// "due to" / "because of" in a memory's content; when found, the best
// dense match for the memory's own vector (other than the memory
// itself) is linked as the cause of the current memory.
func (e *InferenceEngine) InferCausal(ctx context.Context) (int, error) {
	var all []storage.Record
	offset := 0
	for {
		records, total, err := e.store.Scroll(ctx, storage.Filter{}, 200, offset, true)
		if err != nil {
			return 0, fmt.Errorf("inference: scroll for causal scan: %w", err)
		}
		all = append(all, records...)
		offset += len(records)
		if len(records) == 0 || offset >= total {
			break
		}
	}

	created := 0
	for _, rec := range all {
		mem, err := memoryFromPayload(rec.Payload)
		if err != nil || !causalPhrasePattern.MatchString(mem.Content) {
			continue
		}
		if len(rec.Dense) == 0 {
			continue
		}

		candidates, err := e.store.SearchDense(ctx, rec.Dense, storage.Filter{Project: mem.Project}, 3, relatedSimilarity)
		if err != nil {
			continue
		}
		for _, c := range candidates {
			if c.ID == mem.ID {
				continue
			}
			if err := e.createEdgeAndRecompute(ctx, c.ID, mem.ID, types.RelationCauses); err != nil {
				return created, err
			}
			created++
			break
		}
	}
	return created, nil
}

func (e *InferenceEngine) scrollByType(ctx context.Context, memType types.MemoryType) ([]types.Memory, error) {
	var out []types.Memory
	offset := 0
	for {
		records, total, err := e.store.Scroll(ctx, storage.Filter{Type: memType}, 200, offset, true)
		if err != nil {
			return nil, fmt.Errorf("inference: scroll by type %s: %w", memType, err)
		}
		for _, rec := range records {
			if mem, err := memoryFromPayload(rec.Payload); err == nil {
				mem.Embedding = rec.Dense
				out = append(out, mem)
			}
		}
		offset += len(records)
		if len(records) == 0 || offset >= total {
			break
		}
	}
	return out, nil
}

func (e *InferenceEngine) scrollCreatedAfter(ctx context.Context, after time.Time) ([]types.Memory, error) {
	var out []types.Memory
	offset := 0
	for {
		records, total, err := e.store.Scroll(ctx, storage.Filter{CreatedAfter: after}, 200, offset, true)
		if err != nil {
			return nil, fmt.Errorf("inference: scroll created after %s: %w", after, err)
		}
		for _, rec := range records {
			if mem, err := memoryFromPayload(rec.Payload); err == nil {
				mem.Embedding = rec.Dense
				out = append(out, mem)
			}
		}
		offset += len(records)
		if len(records) == 0 || offset >= total {
			break
		}
	}
	return out, nil
}

func (e *InferenceEngine) scrollByProject(ctx context.Context, project string) ([]types.Memory, error) {
	var out []types.Memory
	offset := 0
	for {
		records, total, err := e.store.Scroll(ctx, storage.Filter{Project: project}, 200, offset, false)
		if err != nil {
			return nil, fmt.Errorf("inference: scroll by project %s: %w", project, err)
		}
		for _, rec := range records {
			if mem, err := memoryFromPayload(rec.Payload); err == nil {
				out = append(out, mem)
			}
		}
		offset += len(records)
		if len(records) == 0 || offset >= total {
			break
		}
	}
	return out, nil
}
