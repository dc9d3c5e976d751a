package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/arkhive/meridian/internal/storage"
	"github.com/arkhive/meridian/pkg/types"
)

// qualityTierBonus rewards memories further along the consolidation
// pipeline, added on top of the six weighted components (spec §4.7).
var qualityTierBonus = map[types.MemoryState]float64{
	types.StateEpisodic:   0.0,
	types.StateStaging:    0.0,
	types.StateSemantic:   0.03,
	types.StateProcedural: 0.05,
	types.StateArchived:   0.0,
	types.StatePurged:     0.0,
}

// Weights for the six components (spec §4.7); TierBonus is additive on top.
const (
	weightContentRichness      = 0.30
	weightAccessFrequency      = 0.25
	weightMaturity             = 0.15
	weightStability            = 0.10
	weightRelationshipDensity  = 0.10
	weightUserRatingNormalized = 0.10
)

// QualityEngine computes the six-component-plus-tier-bonus weighted
// quality score. Grounded on the teacher's ConfidenceScorer: a small
// store-backed struct, a CalculateX method that fills a breakdown
// struct component by component then combines them with fixed weights,
// and Update/BatchUpdate methods that persist the recomputed value. The
// curves themselves are replaced end to end with the piecewise formulas
// translated from original_source/memory/src/quality_tracking.py's
// calculate_quality_score — this system scores a memory's own
// durability, not the reliability of an LLM extraction pipeline.
type QualityEngine struct {
	store storage.VectorStore
}

// NewQualityEngine creates a QualityEngine backed by store.
func NewQualityEngine(store storage.VectorStore) *QualityEngine {
	return &QualityEngine{store: store}
}

// Calculate computes the full quality breakdown and weighted score for mem.
func (q *QualityEngine) Calculate(mem types.Memory, now time.Time) types.QualityBreakdown {
	return types.QualityBreakdown{
		ContentRichness:      contentRichness(mem),
		AccessFrequency:      accessFrequency(mem.AccessCount),
		Maturity:             maturity(mem.CreatedAt, now),
		Stability:            stability(editCount(mem)),
		RelationshipDensity:  relationshipDensity(len(mem.Relations)),
		UserRatingNormalized: userRatingNormalized(mem.UserRating, mem.UserRatingCount),
		TierBonus:            qualityTierBonus[mem.MemoryTier],
	}
}

// Score combines a breakdown into the final [0,1] quality score.
func Score(b types.QualityBreakdown) float64 {
	score := b.ContentRichness*weightContentRichness +
		b.AccessFrequency*weightAccessFrequency +
		b.Maturity*weightMaturity +
		b.Stability*weightStability +
		b.RelationshipDensity*weightRelationshipDensity +
		b.UserRatingNormalized*weightUserRatingNormalized +
		b.TierBonus
	return clamp01(score)
}

// editCount approximates a memory's edit count as current_version - 1,
// floored at zero (version 1 is the initial CREATED snapshot, not an edit).
func editCount(mem types.Memory) int {
	edits := mem.CurrentVersion - 1
	if edits < 0 {
		return 0
	}
	return edits
}

// contentRichness = 0.25*tags + 0.35*length + 0.40*type_bonus.
func contentRichness(mem types.Memory) float64 {
	return 0.25*tagsComponent(len(mem.Tags)) +
		0.35*lengthComponent(len(mem.Content)) +
		0.40*typeBonus(mem)
}

// tagsComponent: 5+ tags -> 1.0; 2..4 -> 0.2+0.16*n; <2 -> 0.15*n.
func tagsComponent(n int) float64 {
	switch {
	case n >= 5:
		return 1.0
	case n >= 2:
		return 0.2 + 0.16*float64(n)
	default:
		return 0.15 * float64(n)
	}
}

// lengthComponent: 500+ chars -> 1.0; 200..499 -> 0.8; 100..199 -> 0.6;
// 50..99 -> 0.4; else chars/125, floored at 0.1.
func lengthComponent(chars int) float64 {
	switch {
	case chars >= 500:
		return 1.0
	case chars >= 200:
		return 0.8
	case chars >= 100:
		return 0.6
	case chars >= 50:
		return 0.4
	default:
		v := float64(chars) / 125.0
		if v < 0.1 {
			return 0.1
		}
		return v
	}
}

// typeBonus is the per-type presence-flag bonus, capped at 1.0.
func typeBonus(mem types.Memory) float64 {
	var bonus float64
	switch mem.Type {
	case types.MemoryTypeError:
		if mem.ErrorMessage != "" {
			bonus += 0.3
		}
		if mem.Solution != "" {
			bonus += 0.4
		}
		if mem.Prevention != "" {
			bonus += 0.2
		}
		if mem.Resolved {
			bonus += 0.1
		}
	case types.MemoryTypeDecision:
		bonus = 0.3
		if mem.Rationale != "" {
			bonus += 0.5
		}
	case types.MemoryTypePattern:
		bonus = 0.4
		if len(mem.Content) >= 100 {
			bonus += 0.2
		}
	case types.MemoryTypeLearning:
		bonus = 0.3
	case types.MemoryTypeDocs:
		bonus = 0.2
	}
	if bonus > 1.0 {
		bonus = 1.0
	}
	return bonus
}

// accessFrequency: 0 -> 0.1; 1..3 -> 0.3+0.067*n; 4..10 -> 0.5+(n-3)/28;
// 11..30 -> 0.75+(n-10)/133; 30+ -> min(1, 0.9+(n-30)/200).
func accessFrequency(n int) float64 {
	switch {
	case n <= 0:
		return 0.1
	case n <= 3:
		return 0.3 + 0.067*float64(n)
	case n <= 10:
		return 0.5 + float64(n-3)/28.0
	case n <= 30:
		return 0.75 + float64(n-10)/133.0
	default:
		v := 0.9 + float64(n-30)/200.0
		if v > 1.0 {
			return 1.0
		}
		return v
	}
}

// maturity: age<=1d -> 0.3; <=7d -> 0.3+age/14; <=30d -> 0.8+(age-7)/115;
// else 1.0.
func maturity(createdAt, now time.Time) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24.0
	if ageDays < 0 {
		ageDays = 0
	}
	switch {
	case ageDays <= 1:
		return 0.3
	case ageDays <= 7:
		return 0.3 + ageDays/14.0
	case ageDays <= 30:
		return 0.8 + (ageDays-7)/115.0
	default:
		return 1.0
	}
}

// stability: edits=0 -> 1.0; <=2 -> 0.85; <=5 -> 0.7; else max(0.4, 1-0.04*edits).
func stability(edits int) float64 {
	switch {
	case edits <= 0:
		return 1.0
	case edits <= 2:
		return 0.85
	case edits <= 5:
		return 0.7
	default:
		v := 1.0 - 0.04*float64(edits)
		if v < 0.4 {
			return 0.4
		}
		return v
	}
}

// relationshipDensity: 0 -> 0.3 (neutral, not a penalty); 1..3 -> 0.3+0.167*n;
// 4..10 -> 0.8+(n-3)/35; 11+ -> 1.0.
func relationshipDensity(n int) float64 {
	switch {
	case n <= 0:
		return 0.3
	case n <= 3:
		return 0.3 + 0.167*float64(n)
	case n <= 10:
		return 0.8 + float64(n-3)/35.0
	default:
		return 1.0
	}
}

// userRatingNormalized: (rating/5)*min(count/3,1); neutral 0.5 with no
// ratings yet, so unrated memories aren't penalised relative to disliked ones.
func userRatingNormalized(rating float64, count int) float64 {
	if count == 0 {
		return 0.5
	}
	factor := float64(count) / 3.0
	if factor > 1.0 {
		factor = 1.0
	}
	return clamp01((rating / 5.0) * factor)
}

// Trend classifies the quality trajectory across a memory's full
// quality_history: sign of (last - first) with an epsilon of +-0.05.
func Trend(history []types.QualitySnapshot) types.QualityTrend {
	if len(history) < 2 {
		return types.TrendFlat
	}
	first := history[0].Score
	last := history[len(history)-1].Score
	const epsilon = 0.05
	switch {
	case last-first > epsilon:
		return types.TrendRising
	case first-last > epsilon:
		return types.TrendFalling
	default:
		return types.TrendFlat
	}
}

// TrendConfidence is min(history_len/10, 1): how much history backs the
// Trend verdict.
func TrendConfidence(history []types.QualitySnapshot) float64 {
	c := float64(len(history)) / 10.0
	if c > 1.0 {
		return 1.0
	}
	return c
}

// Recalculate fetches mem, recomputes its quality breakdown/score, and
// persists the new values plus an appended snapshot. Mirrors the
// teacher's UpdateConfidence, but mutates typed payload fields instead
// of a metadata map.
func (q *QualityEngine) Recalculate(ctx context.Context, memoryID string) (types.QualityBreakdown, error) {
	record, err := q.store.Get(ctx, memoryID)
	if err != nil {
		return types.QualityBreakdown{}, fmt.Errorf("quality: get %s: %w", memoryID, err)
	}
	mem, err := memoryFromPayload(record.Payload)
	if err != nil {
		return types.QualityBreakdown{}, fmt.Errorf("quality: decode %s: %w", memoryID, err)
	}

	now := time.Now()
	breakdown := q.Calculate(mem, now)
	score := Score(breakdown)
	history := append(mem.QualityHistory, types.QualitySnapshot{Score: score, At: now})
	if len(history) > 20 {
		history = history[len(history)-20:]
	}

	patch := map[string]interface{}{
		"quality_score":     score,
		"quality_breakdown": breakdown,
		"quality_history":   history,
	}
	if err := q.store.SetPayload(ctx, memoryID, patch); err != nil {
		return types.QualityBreakdown{}, fmt.Errorf("quality: set payload %s: %w", memoryID, err)
	}
	return breakdown, nil
}

// BatchRecalculate recalculates quality for multiple memories, skipping
// (not aborting on) individual failures, and returns the count that
// succeeded.
func (q *QualityEngine) BatchRecalculate(ctx context.Context, memoryIDs []string) int {
	updated := 0
	for _, id := range memoryIDs {
		if _, err := q.Recalculate(ctx, id); err == nil {
			updated++
		}
	}
	return updated
}

// PromotionCandidate is one memory the promotion sweep decided is ready
// to advance, plus the tier it should move to.
type PromotionCandidate struct {
	MemoryID string
	From     types.MemoryState
	To       types.MemoryState
	Quality  float64
}

// PromotionCandidates walks the store and returns every memory eligible
// for promotion: EPISODIC->SEMANTIC at quality>=minQuality (spec default
// 0.75) and age>=7d; SEMANTIC->PROCEDURAL at quality>=0.9 and age>=30d.
func (q *QualityEngine) PromotionCandidates(ctx context.Context, now time.Time, minQuality float64) ([]PromotionCandidate, error) {
	var candidates []PromotionCandidate
	offset := 0
	for {
		records, total, err := q.store.Scroll(ctx, storage.Filter{}, 100, offset, false)
		if err != nil {
			return nil, fmt.Errorf("quality: scroll promotion candidates: %w", err)
		}
		for _, rec := range records {
			mem, err := memoryFromPayload(rec.Payload)
			if err != nil {
				continue
			}
			ageDays := now.Sub(mem.CreatedAt).Hours() / 24.0
			switch mem.MemoryTier {
			case types.StateEpisodic:
				if ageDays >= 7 && mem.QualityScore >= minQuality {
					candidates = append(candidates, PromotionCandidate{
						MemoryID: mem.ID, From: types.StateEpisodic, To: types.StateSemantic, Quality: mem.QualityScore,
					})
				}
			case types.StateSemantic:
				if ageDays >= 30 && mem.QualityScore >= 0.9 {
					candidates = append(candidates, PromotionCandidate{
						MemoryID: mem.ID, From: types.StateSemantic, To: types.StateProcedural, Quality: mem.QualityScore,
					})
				}
			}
		}
		offset += len(records)
		if len(records) == 0 || offset >= total {
			break
		}
	}
	return candidates, nil
}
