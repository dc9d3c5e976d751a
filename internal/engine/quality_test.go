package engine

import (
	"context"
	"testing"
	"time"

	"github.com/arkhive/meridian/pkg/types"
)

func TestScore_RichMatureMemoryScoresHigherThanThin(t *testing.T) {
	q := NewQualityEngine(nil)
	now := time.Now()

	rich := types.Memory{
		Content:         lorem(500),
		AccessCount:     60,
		CreatedAt:       now.Add(-120 * 24 * time.Hour),
		CurrentVersion:  1,
		Relations:       make([]types.EmbeddedRelation, 12),
		UserRating:      5,
		UserRatingCount: 10,
		MemoryTier:      types.StateProcedural,
	}
	thin := types.Memory{
		Content:    "short note",
		CreatedAt:  now,
		MemoryTier: types.StateEpisodic,
	}

	richScore := Score(q.Calculate(rich, now))
	thinScore := Score(q.Calculate(thin, now))

	if richScore <= thinScore {
		t.Errorf("expected rich memory to score higher: rich=%v thin=%v", richScore, thinScore)
	}
	if richScore > 1.0 {
		t.Errorf("expected score <= 1.0, got %v", richScore)
	}
}

func TestUserRatingNormalized_NoRatingsIsNeutral(t *testing.T) {
	if got := userRatingNormalized(0, 0); got != 0.5 {
		t.Errorf("expected neutral 0.5 for unrated memory, got %v", got)
	}
}

func TestTrend_DetectsRisingFallingFlat(t *testing.T) {
	rising := []types.QualitySnapshot{{Score: 0.3}, {Score: 0.5}}
	if Trend(rising) != types.TrendRising {
		t.Errorf("expected RISING, got %v", Trend(rising))
	}

	falling := []types.QualitySnapshot{{Score: 0.6}, {Score: 0.3}}
	if Trend(falling) != types.TrendFalling {
		t.Errorf("expected FALLING, got %v", Trend(falling))
	}

	flat := []types.QualitySnapshot{{Score: 0.5}, {Score: 0.505}}
	if Trend(flat) != types.TrendFlat {
		t.Errorf("expected FLAT, got %v", Trend(flat))
	}
}

func lorem(words int) string {
	out := ""
	for i := 0; i < words; i++ {
		out += "lorem "
	}
	return out
}

func TestContentRichness_RewardsTagsLengthAndTypeFields(t *testing.T) {
	bare := types.Memory{Type: types.MemoryTypeLearning, Content: "short"}
	tagged := types.Memory{Type: types.MemoryTypeLearning, Content: "short", Tags: []string{"a", "b", "c", "d", "e"}}
	if contentRichness(tagged) <= contentRichness(bare) {
		t.Errorf("expected tags to raise richness: bare=%v tagged=%v", contentRichness(bare), contentRichness(tagged))
	}

	errMem := types.Memory{
		Type:         types.MemoryTypeError,
		Content:      "x",
		ErrorMessage: "boom",
		Solution:     "patched it",
		Prevention:   "add a test",
		Resolved:     true,
	}
	if got := typeBonus(errMem); got < 1.0-1e-9 || got > 1.0+1e-9 {
		t.Errorf("expected fully-resolved ERROR memory to hit the type_bonus cap, got %v", typeBonus(errMem))
	}
}

func TestAccessFrequency_Breakpoints(t *testing.T) {
	cases := []struct {
		n    int
		want float64
	}{
		{0, 0.1},
		{3, 0.3 + 0.067*3},
		{10, 0.5 + 7.0/28.0},
		{30, 0.75 + 20.0/133.0},
		{230, 1.0},
	}
	for _, c := range cases {
		if got := accessFrequency(c.n); got < c.want-1e-9 || got > c.want+1e-9 {
			t.Errorf("accessFrequency(%d) = %v, want %v", c.n, got, c.want)
		}
	}
}

func TestMaturity_Breakpoints(t *testing.T) {
	now := time.Now()
	if got := maturity(now, now); got != 0.3 {
		t.Errorf("expected brand-new memory to score 0.3, got %v", got)
	}
	if got := maturity(now.Add(-40*24*time.Hour), now); got != 1.0 {
		t.Errorf("expected a 40-day-old memory to be fully mature, got %v", got)
	}
}

func TestStability_DecaysWithEdits(t *testing.T) {
	if got := stability(0); got != 1.0 {
		t.Errorf("expected no edits to score 1.0, got %v", got)
	}
	if got := stability(20); got != 0.4 {
		t.Errorf("expected heavily-edited memory to hit the 0.4 floor, got %v", got)
	}
}

func TestRelationshipDensity_NeutralWhenIsolated(t *testing.T) {
	if got := relationshipDensity(0); got != 0.3 {
		t.Errorf("expected isolated memory to score neutral 0.3, not a penalty, got %v", got)
	}
	if got := relationshipDensity(15); got != 1.0 {
		t.Errorf("expected a richly-connected memory to saturate at 1.0, got %v", got)
	}
}

func TestPromotionCandidates_FlagsEligibleEpisodicAndSemanticMemories(t *testing.T) {
	store := newFakeVectorStore()
	now := time.Now()

	ready := types.Memory{
		ID:           "ready",
		CreatedAt:    now.Add(-10 * 24 * time.Hour),
		MemoryTier:   types.StateEpisodic,
		QualityScore: 0.8,
	}
	tooYoung := types.Memory{
		ID:           "too-young",
		CreatedAt:    now.Add(-1 * 24 * time.Hour),
		MemoryTier:   types.StateEpisodic,
		QualityScore: 0.9,
	}
	semanticReady := types.Memory{
		ID:           "semantic-ready",
		CreatedAt:    now.Add(-45 * 24 * time.Hour),
		MemoryTier:   types.StateSemantic,
		QualityScore: 0.95,
	}

	for _, mem := range []types.Memory{ready, tooYoung, semanticReady} {
		payload, err := memoryToPayload(mem)
		if err != nil {
			t.Fatalf("memoryToPayload: %v", err)
		}
		if err := store.Upsert(context.Background(), mem.ID, nil, nil, payload); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	q := NewQualityEngine(store)
	candidates, err := q.PromotionCandidates(context.Background(), now, 0.75)
	if err != nil {
		t.Fatalf("PromotionCandidates: %v", err)
	}

	byID := map[string]PromotionCandidate{}
	for _, c := range candidates {
		byID[c.MemoryID] = c
	}
	if c, ok := byID["ready"]; !ok || c.To != types.StateSemantic {
		t.Errorf("expected ready to be promoted to SEMANTIC, got %+v ok=%v", c, ok)
	}
	if _, ok := byID["too-young"]; ok {
		t.Errorf("did not expect too-young to be a promotion candidate")
	}
	if c, ok := byID["semantic-ready"]; !ok || c.To != types.StateProcedural {
		t.Errorf("expected semantic-ready to be promoted to PROCEDURAL, got %+v ok=%v", c, ok)
	}
}
