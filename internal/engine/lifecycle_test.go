package engine

import (
	"context"
	"testing"
	"time"

	"github.com/arkhive/meridian/pkg/types"
)

func seedMemory(t *testing.T, store *fakeVectorStore, id string, state types.MemoryState) {
	t.Helper()
	mem := types.Memory{ID: id, Content: "x", State: state, MemoryTier: state}
	payload, err := memoryToPayload(mem)
	if err != nil {
		t.Fatalf("memoryToPayload: %v", err)
	}
	if err := store.Upsert(context.Background(), id, nil, nil, payload); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func TestLifecycleEngine_Transition_AppliesValidHop(t *testing.T) {
	store := newFakeVectorStore()
	seedMemory(t, store, "m1", types.StateEpisodic)
	audit := NewAuditLog(store)
	lc := NewLifecycleEngine(store, audit, nil)

	if err := lc.Transition(context.Background(), "m1", types.StateStaging, "scheduler", "promotion sweep"); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	rec, _ := store.Get(context.Background(), "m1")
	mem, err := memoryFromPayload(rec.Payload)
	if err != nil {
		t.Fatalf("memoryFromPayload: %v", err)
	}
	if mem.State != types.StateStaging {
		t.Errorf("expected state STAGING, got %v", mem.State)
	}
	if len(mem.StateHistory) != 1 {
		t.Errorf("expected 1 state history entry, got %d", len(mem.StateHistory))
	}
}

func TestLifecycleEngine_Transition_RejectsIllegalHop(t *testing.T) {
	store := newFakeVectorStore()
	seedMemory(t, store, "m1", types.StateEpisodic)
	lc := NewLifecycleEngine(store, nil, nil)

	err := lc.Transition(context.Background(), "m1", types.StateProcedural, "scheduler", "")
	if err == nil {
		t.Fatal("expected error for illegal transition EPISODIC -> PROCEDURAL")
	}
}

func TestLifecycleEngine_Archive_RecordsTierPromotionAudit(t *testing.T) {
	store := newFakeVectorStore()
	seedMemory(t, store, "m1", types.StateSemantic)
	audit := NewAuditLog(store)
	lc := NewLifecycleEngine(store, audit, nil)

	if err := lc.Archive(context.Background(), "m1", "scheduler", "low quality"); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	history, err := audit.History(context.Background(), "m1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Action != types.AuditTierPromotion {
		t.Errorf("expected a single TIER_PROMOTION audit entry, got %+v", history)
	}
}

func TestLifecycleEngine_Archive_SetsArchivedFlagAndLeavesTierAlone(t *testing.T) {
	store := newFakeVectorStore()
	seedMemory(t, store, "m1", types.StateSemantic)
	lc := NewLifecycleEngine(store, nil, nil)

	if err := lc.Archive(context.Background(), "m1", "scheduler", "low quality"); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	rec, _ := store.Get(context.Background(), "m1")
	mem, err := memoryFromPayload(rec.Payload)
	if err != nil {
		t.Fatalf("memoryFromPayload: %v", err)
	}
	if !mem.Archived {
		t.Error("expected archived=true after an ARCHIVED transition")
	}
	if mem.ArchivedAt == nil {
		t.Error("expected archived_at to be set after an ARCHIVED transition")
	}
	if mem.MemoryTier != types.StateSemantic {
		t.Errorf("expected memory_tier to stay at the last non-archived tier SEMANTIC, got %v", mem.MemoryTier)
	}
}

func TestLifecycleEngine_Restore_ClearsArchivedFlag(t *testing.T) {
	store := newFakeVectorStore()
	seedMemory(t, store, "m1", types.StateArchived)
	if err := store.SetPayload(context.Background(), "m1", map[string]interface{}{"archived": true}); err != nil {
		t.Fatalf("SetPayload: %v", err)
	}
	lc := NewLifecycleEngine(store, nil, nil)

	if err := lc.Restore(context.Background(), "m1", "scheduler", "rekindled"); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	rec, _ := store.Get(context.Background(), "m1")
	mem, err := memoryFromPayload(rec.Payload)
	if err != nil {
		t.Fatalf("memoryFromPayload: %v", err)
	}
	if mem.Archived {
		t.Error("expected archived=false after restoring out of ARCHIVED")
	}
}

func TestLifecycleEngine_Transition_RecomputesQualityWithTierBonus(t *testing.T) {
	store := newFakeVectorStore()
	mem := types.Memory{
		ID: "m1", Content: "a sufficiently long piece of content for quality scoring purposes",
		Tags: []string{"pattern", "resilience"}, State: types.StateEpisodic, MemoryTier: types.StateEpisodic,
		CreatedAt: time.Now().Add(-10 * 24 * time.Hour),
	}
	payload, err := memoryToPayload(mem)
	if err != nil {
		t.Fatalf("memoryToPayload: %v", err)
	}
	if err := store.Upsert(context.Background(), mem.ID, nil, nil, payload); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	quality := NewQualityEngine(store)
	before, err := quality.Recalculate(context.Background(), mem.ID)
	if err != nil {
		t.Fatalf("Recalculate: %v", err)
	}
	beforeScore := Score(before)

	lc := NewLifecycleEngine(store, nil, quality)
	if err := lc.Transition(context.Background(), mem.ID, types.StateSemantic, "scheduler", "matured"); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	rec, _ := store.Get(context.Background(), mem.ID)
	after, err := memoryFromPayload(rec.Payload)
	if err != nil {
		t.Fatalf("memoryFromPayload: %v", err)
	}
	if after.QualityScore <= beforeScore {
		t.Errorf("expected quality_score to rise after promotion to SEMANTIC (tier bonus), before=%v after=%v", beforeScore, after.QualityScore)
	}
}

func TestEvaluate_EpisodicPromotesToSemanticWhenMatureAndHighQuality(t *testing.T) {
	now := time.Now()
	mem := types.Memory{
		State:        types.StateEpisodic,
		CreatedAt:    now.Add(-10 * 24 * time.Hour),
		QualityScore: 0.8,
	}
	next, _, ok := Evaluate(mem, now, 0)
	if !ok || next != types.StateSemantic {
		t.Errorf("expected SEMANTIC, got %v ok=%v", next, ok)
	}
}

func TestEvaluate_EpisodicDropsToStagingWhenUntouched(t *testing.T) {
	now := time.Now()
	mem := types.Memory{
		State:       types.StateEpisodic,
		CreatedAt:   now.Add(-3 * 24 * time.Hour),
		AccessCount: 1,
	}
	next, _, ok := Evaluate(mem, now, 0)
	if !ok || next != types.StateStaging {
		t.Errorf("expected STAGING, got %v ok=%v", next, ok)
	}
}

func TestEvaluate_StagingRekindlesOnFreshAccess(t *testing.T) {
	now := time.Now()
	accessedAt := now.Add(-1 * time.Hour)
	mem := types.Memory{
		State:          types.StateStaging,
		StateChangedAt: now.Add(-2 * time.Hour),
		LastAccessed:   &accessedAt,
	}
	next, _, ok := Evaluate(mem, now, 0)
	if !ok || next != types.StateEpisodic {
		t.Errorf("expected EPISODIC (rekindled), got %v ok=%v", next, ok)
	}
}

func TestEvaluate_ArchivedPurgesAfterRetentionWindow(t *testing.T) {
	now := time.Now()
	mem := types.Memory{
		State:          types.StateArchived,
		StateChangedAt: now.Add(-100 * 24 * time.Hour),
	}
	next, _, ok := Evaluate(mem, now, 90)
	if !ok || next != types.StatePurged {
		t.Errorf("expected PURGED, got %v ok=%v", next, ok)
	}
}

func TestEvaluate_NoOpWhenNothingQualifies(t *testing.T) {
	now := time.Now()
	mem := types.Memory{State: types.StateEpisodic, CreatedAt: now}
	if _, _, ok := Evaluate(mem, now, 0); ok {
		t.Error("expected a brand-new memory to not qualify for any transition")
	}
}
