package engine

import (
	"testing"
	"time"

	"github.com/arkhive/meridian/pkg/types"
)

func TestDecayRate_ClampedToBounds(t *testing.T) {
	d := NewDecayEngine()

	lowImportance := types.Memory{ImportanceScore: 0, AccessCount: 0, MemoryTier: types.StateEpisodic}
	if rate := d.DecayRate(lowImportance); rate > maxDecayRate {
		t.Errorf("expected rate <= %v, got %v", maxDecayRate, rate)
	}

	highImportance := types.Memory{ImportanceScore: 1, AccessCount: 1000, MemoryTier: types.StateProcedural}
	if rate := d.DecayRate(highImportance); rate < minDecayRate {
		t.Errorf("expected rate >= %v, got %v", minDecayRate, rate)
	}
}

func TestDecayRate_ProceduralDecaysSlowerThanEpisodic(t *testing.T) {
	d := NewDecayEngine()
	base := types.Memory{ImportanceScore: 0.5, AccessCount: 5}

	episodic := base
	episodic.MemoryTier = types.StateEpisodic
	procedural := base
	procedural.MemoryTier = types.StateProcedural

	if d.DecayRate(procedural) >= d.DecayRate(episodic) {
		t.Errorf("expected procedural decay rate < episodic, got procedural=%v episodic=%v",
			d.DecayRate(procedural), d.DecayRate(episodic))
	}
}

func TestApplyDecay_StrengthDecreasesOverTime(t *testing.T) {
	d := NewDecayEngine()
	now := time.Now()
	mem := types.Memory{
		MemoryStrength:  1.0,
		ImportanceScore: 0.3,
		MemoryTier:      types.StateEpisodic,
		CreatedAt:       now.Add(-30 * 24 * time.Hour),
	}

	newStrength, shouldWrite := d.ApplyDecay(mem, now)
	if newStrength >= mem.MemoryStrength {
		t.Errorf("expected strength to decrease, got %v -> %v", mem.MemoryStrength, newStrength)
	}
	if !shouldWrite {
		t.Error("expected a 30-day-old decay to clear the write-back threshold")
	}
}

func TestApplyDecay_NoChangeWhenJustCreated(t *testing.T) {
	d := NewDecayEngine()
	now := time.Now()
	mem := types.Memory{MemoryStrength: 1.0, ImportanceScore: 0.5, CreatedAt: now}

	_, shouldWrite := d.ApplyDecay(mem, now)
	if shouldWrite {
		t.Error("expected no write-back for a memory with zero elapsed time")
	}
}

func TestReinforce_BoostsAndClamps(t *testing.T) {
	d := NewDecayEngine()
	if got := d.Reinforce(types.Memory{MemoryStrength: 0.5}); got != 0.7 {
		t.Errorf("expected 0.7, got %v", got)
	}
	if got := d.Reinforce(types.Memory{MemoryStrength: 0.95}); got != 1.0 {
		t.Errorf("expected clamp to 1.0, got %v", got)
	}
}

func TestReinforce_PinnedStaysAtMax(t *testing.T) {
	d := NewDecayEngine()
	if got := d.Reinforce(types.Memory{MemoryStrength: 0.4, Pinned: true}); got != 1.0 {
		t.Errorf("expected pinned memory to stay at 1.0, got %v", got)
	}
}

func TestApplyDecay_PinnedMemoryNeverDecays(t *testing.T) {
	d := NewDecayEngine()
	now := time.Now()
	mem := types.Memory{
		MemoryStrength:  1.0,
		ImportanceScore: 0.1,
		Pinned:          true,
		CreatedAt:       now.Add(-365 * 24 * time.Hour),
	}

	newStrength, shouldWrite := d.ApplyDecay(mem, now)
	if newStrength != 1.0 {
		t.Errorf("expected pinned memory to hold strength 1.0, got %v", newStrength)
	}
	if shouldWrite {
		t.Error("expected no write-back for an already-maximal pinned memory")
	}
}

func TestDecide_PurgeTakesPriorityOverArchive(t *testing.T) {
	if got := Decide(0.02, true, 0.05, 0.15); got != DecayDecisionPurge {
		t.Errorf("expected PURGE, got %v", got)
	}
	if got := Decide(0.02, false, 0.05, 0.15); got != DecayDecisionArchive {
		t.Errorf("expected ARCHIVE when purging disabled, got %v", got)
	}
	if got := Decide(0.5, true, 0.05, 0.15); got != DecayDecisionKeep {
		t.Errorf("expected KEEP for a healthy strength, got %v", got)
	}
}
