package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/arkhive/meridian/internal/llm"
	"github.com/arkhive/meridian/internal/storage"
	"github.com/arkhive/meridian/pkg/types"
)

// Clustering and archival tuning (spec §4.8), grounded verbatim on
// original_source/memory/src/consolidation.py's module-level constants.
const (
	similarityThreshold = 0.85
	dedupThreshold      = 0.92
	minClusterSize      = 3
	archiveAgeDays      = 7
	minAccessCount      = 2
)

// ConsolidationCluster is a group of similar memories a consolidation
// run has decided to merge.
type ConsolidationCluster struct {
	MemoryIDs     []string
	SuggestedType types.MemoryType
	SuggestedTags []string
}

// ArchiveResult summarises a consolidation/archival run, mirroring
// consolidation.py's ArchiveResult dataclass.
type ArchiveResult struct {
	Analyzed      int
	Consolidated  int
	Archived      int
	Kept          int
	DryRun        bool
	ClustersFound int
}

// ConsolidationEngine finds semantically similar old memories, merges
// them into a single SEMANTIC-tier memory, and archives the low-value
// remainder. Grounded on consolidation.py's find_consolidation_clusters
// / consolidate_cluster / archive_old_memories / run_consolidation.
type ConsolidationEngine struct {
	store    storage.VectorStore
	embedder llm.EmbeddingGenerator
	quality  *QualityEngine
}

// NewConsolidationEngine creates a ConsolidationEngine.
func NewConsolidationEngine(store storage.VectorStore, embedder llm.EmbeddingGenerator, quality *QualityEngine) *ConsolidationEngine {
	return &ConsolidationEngine{store: store, embedder: embedder, quality: quality}
}

// FindDuplicates searches for memories whose content is near-identical
// to content (spec's dedup-on-write check), scored against
// dedupThreshold rather than the looser clustering threshold.
func (c *ConsolidationEngine) FindDuplicates(ctx context.Context, content string) ([]storage.ScoredRecord, error) {
	vector, err := c.embedder.Embed(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("consolidation: embed content: %w", err)
	}
	matches, err := c.store.SearchDense(ctx, vector, storage.Filter{}, 5, dedupThreshold)
	if err != nil {
		return nil, fmt.Errorf("consolidation: search duplicates: %w", err)
	}
	return matches, nil
}

// FindClusters scans memories created before the cutoff and groups
// them by cosine similarity. Uses the store's dense vectors directly
// (withVectors=true) so clustering never needs a fresh embedding call.
func (c *ConsolidationEngine) FindClusters(ctx context.Context, olderThan time.Duration) ([]ConsolidationCluster, error) {
	cutoff := time.Now().Add(-olderThan)

	var candidates []storage.Record
	offset := 0
	for {
		records, total, err := c.store.Scroll(ctx, storage.Filter{CreatedBefore: cutoff}, 100, offset, true)
		if err != nil {
			return nil, fmt.Errorf("consolidation: scroll candidates: %w", err)
		}
		candidates = append(candidates, records...)
		offset += len(records)
		if len(records) == 0 || offset >= total {
			break
		}
	}

	if len(candidates) < minClusterSize {
		return nil, nil
	}

	groups := hierarchicalCluster(candidates, similarityThreshold, minClusterSize)

	clusters := make([]ConsolidationCluster, 0, len(groups))
	for _, group := range groups {
		typeCounts := make(map[types.MemoryType]int)
		tagSet := make(map[string]struct{})
		ids := make([]string, 0, len(group))
		for _, rec := range group {
			mem, err := memoryFromPayload(rec.Payload)
			if err != nil {
				continue
			}
			typeCounts[mem.Type]++
			for _, tag := range mem.Tags {
				tagSet[tag] = struct{}{}
			}
			ids = append(ids, rec.ID)
		}

		clusters = append(clusters, ConsolidationCluster{
			MemoryIDs:     ids,
			SuggestedType: mostCommonType(typeCounts),
			SuggestedTags: capTags(tagSet, 10),
		})
	}
	return clusters, nil
}

// hierarchicalCluster groups records by average-linkage agglomerative
// clustering over 1-cosine distance, merging the closest pair of
// clusters (by average inter-cluster distance) until none remain
// within 1-threshold of each other. This is the same algorithm
// consolidation.py reaches for (sklearn's AgglomerativeClustering with
// linkage='average'), implemented directly in Go; there is no separate
// greedy fallback path. Clusters smaller than minSize are dropped.
func hierarchicalCluster(records []storage.Record, threshold float64, minSize int) [][]storage.Record {
	n := len(records)
	if n == 0 {
		return nil
	}

	vectors := make([][]float32, n)
	for i, rec := range records {
		vectors[i] = rec.Dense
	}

	// clusters start as singletons; each holds member indices.
	clusters := make([][]int, n)
	for i := range clusters {
		clusters[i] = []int{i}
	}

	distance := 1 - threshold

	for {
		bestI, bestJ := -1, -1
		bestDist := math.Inf(1)
		for i := 0; i < len(clusters); i++ {
			for j := i + 1; j < len(clusters); j++ {
				d := averageLinkageDistance(clusters[i], clusters[j], vectors)
				if d < bestDist {
					bestDist = d
					bestI, bestJ = i, j
				}
			}
		}
		if bestI == -1 || bestDist > distance {
			break
		}
		merged := append(append([]int{}, clusters[bestI]...), clusters[bestJ]...)
		next := make([][]int, 0, len(clusters)-1)
		for k, cl := range clusters {
			if k != bestI && k != bestJ {
				next = append(next, cl)
			}
		}
		clusters = append(next, merged)
	}

	groups := make([][]storage.Record, 0, len(clusters))
	for _, cl := range clusters {
		if len(cl) < minSize {
			continue
		}
		group := make([]storage.Record, 0, len(cl))
		for _, idx := range cl {
			group = append(group, records[idx])
		}
		groups = append(groups, group)
	}
	return groups
}

func averageLinkageDistance(a, b []int, vectors [][]float32) float64 {
	sum := 0.0
	for _, i := range a {
		for _, j := range b {
			sum += 1 - cosineSimilarity(vectors[i], vectors[j])
		}
	}
	return sum / float64(len(a)*len(b))
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func mostCommonType(counts map[types.MemoryType]int) types.MemoryType {
	var best types.MemoryType
	bestCount := -1
	for t, n := range counts {
		if n > bestCount {
			best, bestCount = t, n
		}
	}
	return best
}

func capTags(tagSet map[string]struct{}, max int) []string {
	out := make([]string, 0, len(tagSet))
	for tag := range tagSet {
		if len(out) >= max {
			break
		}
		out = append(out, tag)
	}
	return out
}

// ConsolidateCluster merges a cluster into one new SEMANTIC-tier
// memory, archiving the originals, and returns the new memory's ID.
// Mirrors consolidate_cluster: pick the primary memory by
// importance*(access+1), union tags, re-embed, upsert, recalculate
// quality, then archive the sources.
func (c *ConsolidationEngine) ConsolidateCluster(ctx context.Context, cluster ConsolidationCluster) (string, error) {
	members := make([]types.Memory, 0, len(cluster.MemoryIDs))
	for _, id := range cluster.MemoryIDs {
		rec, err := c.store.Get(ctx, id)
		if err != nil {
			continue
		}
		mem, err := memoryFromPayload(rec.Payload)
		if err != nil {
			continue
		}
		members = append(members, mem)
	}
	if len(members) == 0 {
		return "", fmt.Errorf("consolidation: no retrievable members in cluster")
	}

	primary := members[0]
	primaryScore := clusterMemberScore(primary)
	totalAccess := 0
	tagSet := make(map[string]struct{})
	for _, tag := range cluster.SuggestedTags {
		tagSet[tag] = struct{}{}
	}
	for _, mem := range members {
		if s := clusterMemberScore(mem); s > primaryScore {
			primary, primaryScore = mem, s
		}
		for _, tag := range mem.Tags {
			tagSet[tag] = struct{}{}
		}
		totalAccess += mem.AccessCount
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	vector, err := c.embedder.Embed(ctx, primary.Content)
	if err != nil {
		return "", fmt.Errorf("consolidation: embed consolidated content: %w", err)
	}

	now := time.Now()
	consolidated := types.Memory{
		ID:               id.String(),
		Type:             cluster.SuggestedType,
		Content:          primary.Content,
		Tags:             capTags(tagSet, 15),
		MemoryTier:       types.StateSemantic,
		State:            types.StateSemantic,
		StateChangedAt:   now,
		AccessCount:      totalAccess,
		ImportanceScore:  0.8,
		CreatedAt:        now,
		UpdatedAt:        now,
		EventTime:        now,
		ValidityStart:    now,
		ConsolidatedFrom: cluster.MemoryIDs,
		CurrentVersion:   1,
	}

	payload, err := memoryToPayload(consolidated)
	if err != nil {
		return "", fmt.Errorf("consolidation: encode consolidated memory: %w", err)
	}

	if err := c.store.Upsert(ctx, consolidated.ID, vector, nil, payload); err != nil {
		return "", fmt.Errorf("consolidation: upsert consolidated memory: %w", err)
	}

	if c.quality != nil {
		_, _ = c.quality.Recalculate(ctx, consolidated.ID)
	}

	for _, memberID := range cluster.MemoryIDs {
		_ = c.store.SetPayload(ctx, memberID, map[string]interface{}{
			"archived":    true,
			"archived_at": now,
		})
	}

	return consolidated.ID, nil
}

func clusterMemberScore(mem types.Memory) float64 {
	importance := mem.ImportanceScore
	if importance == 0 {
		importance = 0.5
	}
	return importance * float64(mem.AccessCount+1)
}

// ArchiveOldMemories archives memories older than olderThan that are
// low-value by the same criteria as archive_old_memories: never
// archive an unresolved error/decision with a recorded solution, never
// archive a memory accessed more than minAccessCount times, never
// archive a memory with importance above 0.7.
func (c *ConsolidationEngine) ArchiveOldMemories(ctx context.Context, olderThan time.Duration, dryRun bool) (ArchiveResult, error) {
	cutoff := time.Now().Add(-olderThan)

	var candidates []storage.Record
	offset := 0
	for {
		records, total, err := c.store.Scroll(ctx, storage.Filter{CreatedBefore: cutoff}, 100, offset, false)
		if err != nil {
			return ArchiveResult{}, fmt.Errorf("consolidation: scroll archive candidates: %w", err)
		}
		candidates = append(candidates, records...)
		offset += len(records)
		if len(records) == 0 || offset >= total {
			break
		}
	}

	var toArchive, toKeep []storage.Record
	for _, rec := range candidates {
		mem, err := memoryFromPayload(rec.Payload)
		if err != nil {
			continue
		}

		if (mem.Type == types.MemoryTypeError || mem.Type == types.MemoryTypeDecision) && mem.Solution != "" {
			toKeep = append(toKeep, rec)
			continue
		}
		if mem.AccessCount > minAccessCount {
			toKeep = append(toKeep, rec)
			continue
		}
		if mem.ImportanceScore > 0.7 {
			toKeep = append(toKeep, rec)
			continue
		}
		toArchive = append(toArchive, rec)
	}

	if !dryRun {
		now := time.Now()
		for _, rec := range toArchive {
			_ = c.store.SetPayload(ctx, rec.ID, map[string]interface{}{
				"archived":    true,
				"archived_at": now,
			})
		}
	}

	return ArchiveResult{
		Analyzed: len(candidates),
		Archived: len(toArchive),
		Kept:     len(toKeep),
		DryRun:   dryRun,
	}, nil
}

// Run executes the full consolidation pipeline: find clusters,
// consolidate each (unless dryRun), then archive remaining low-value
// memories. Mirrors run_consolidation's three-step orchestration.
func (c *ConsolidationEngine) Run(ctx context.Context, olderThan time.Duration, dryRun bool) (ArchiveResult, error) {
	clusters, err := c.FindClusters(ctx, olderThan)
	if err != nil {
		return ArchiveResult{}, err
	}

	consolidatedClusters := 0
	consolidatedMembers := 0
	if !dryRun {
		for _, cluster := range clusters {
			if _, err := c.ConsolidateCluster(ctx, cluster); err == nil {
				consolidatedClusters++
				consolidatedMembers += len(cluster.MemoryIDs)
			}
		}
	}

	archiveResult, err := c.ArchiveOldMemories(ctx, olderThan, dryRun)
	if err != nil {
		return ArchiveResult{}, err
	}

	return ArchiveResult{
		Analyzed:      archiveResult.Analyzed + consolidatedMembers,
		Consolidated:  consolidatedClusters,
		Archived:      archiveResult.Archived,
		Kept:          archiveResult.Kept,
		DryRun:        dryRun,
		ClustersFound: len(clusters),
	}, nil
}
