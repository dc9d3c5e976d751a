// Package engine implements the memory lifecycle: quality scoring,
// Ebbinghaus-style strength decay, state transitions, consolidation,
// and the background scheduler that runs them.
package engine

import (
	"math"
	"time"

	"github.com/arkhive/meridian/pkg/types"
)

const (
	// baseDecayRate is the decay constant before the importance/access/
	// tier multipliers are applied.
	baseDecayRate = 0.005

	// minDecayRate and maxDecayRate bound the final per-memory decay
	// rate so that neither a very important, frequently accessed
	// procedural memory nor an unimportant, never-touched episodic one
	// can fall outside a sane half-life.
	minDecayRate = 0.001
	maxDecayRate = 0.01

	// reinforcementBoost is added to MemoryStrength on access, before
	// clamping to 1.0.
	reinforcementBoost = 0.2
)

// tierFactor scales the decay rate by lifecycle state: memories further
// along the consolidation pipeline decay more slowly. STAGING is new
// enough to treat like EPISODIC; ARCHIVED/PURGED memories are already
// at rest so their factor is nominal rather than load-bearing.
var tierFactor = map[types.MemoryState]float64{
	types.StateEpisodic:   1.0,
	types.StateStaging:    1.0,
	types.StateSemantic:   0.6,
	types.StateProcedural: 0.3,
	types.StateArchived:   0.3,
	types.StatePurged:     0.0,
}

// DecayEngine computes and applies Ebbinghaus-style memory strength
// decay. Grounded on the teacher's DecayManager (half-life-derived
// lambda, a refTime that prefers LastAccessed over CreatedAt, and a
// write-back threshold to avoid churning storage for negligible score
// changes) but replaces the single-factor exponential with the spec's
// three-factor decay rate (importance x access x tier) and operates on
// MemoryStrength instead of a single DecayScore.
type DecayEngine struct {
	// writeBackThreshold is the minimum change in MemoryStrength
	// required before a recomputed value is considered worth persisting.
	writeBackThreshold float64
}

// NewDecayEngine returns a DecayEngine with the default write-back threshold.
func NewDecayEngine() *DecayEngine {
	return &DecayEngine{writeBackThreshold: 0.001}
}

// DecayRate computes the per-memory decay rate:
//
//	decay_rate = base x importance_factor x access_factor x tier_factor
//
// importance_factor is (1 - 0.7*importance_score): important memories
// decay up to 70% slower than unimportant ones. access_factor is
// (1 - 0.5*min(access_count/50, 1)): frequently accessed memories decay
// up to 50% slower, saturating at 50 accesses.
func (d *DecayEngine) DecayRate(mem types.Memory) float64 {
	importance := clamp01(mem.ImportanceScore)
	importanceFactor := 1.0 - 0.7*importance

	accessRatio := float64(mem.AccessCount) / 50.0
	if accessRatio > 1.0 {
		accessRatio = 1.0
	}
	accessFactor := 1.0 - 0.5*accessRatio

	tier, ok := tierFactor[mem.MemoryTier]
	if !ok {
		tier = 1.0
	}

	rate := baseDecayRate * importanceFactor * accessFactor * tier
	if rate < minDecayRate {
		rate = minDecayRate
	}
	if rate > maxDecayRate {
		rate = maxDecayRate
	}
	return rate
}

// refTime returns the instant decay is measured from: the last access
// if one is recorded, otherwise creation time.
func refTime(mem types.Memory) time.Time {
	if mem.LastAccessed != nil && !mem.LastAccessed.IsZero() {
		return *mem.LastAccessed
	}
	return mem.CreatedAt
}

// ApplyDecay computes the new MemoryStrength for mem at instant now and
// returns it along with whether the change is large enough to be worth
// a write-back. Pinned memories never decay: their strength is 1.0, and
// a write-back is requested only when the stored strength is not already
// 1.0. ApplyDecay does not mutate mem; persisting the result is left to
// the caller.
func (d *DecayEngine) ApplyDecay(mem types.Memory, now time.Time) (newStrength float64, shouldWrite bool) {
	if mem.Pinned {
		return 1.0, mem.MemoryStrength != 1.0
	}

	elapsedHours := now.Sub(refTime(mem)).Hours()
	if elapsedHours < 0 {
		elapsedHours = 0
	}

	rate := d.DecayRate(mem)
	strength := mem.MemoryStrength
	if strength <= 0 {
		strength = 1.0
	}

	decayed := strength * math.Exp(-rate*elapsedHours)
	decayed = clamp01(decayed)

	return decayed, math.Abs(decayed-mem.MemoryStrength) >= d.writeBackThreshold
}

// Reinforce returns the boosted MemoryStrength to apply when a memory
// is accessed: +reinforcementBoost, clamped to 1.0. Pinned memories are
// already at maximum strength, so reinforcement is a no-op for them.
func (d *DecayEngine) Reinforce(mem types.Memory) float64 {
	if mem.Pinned {
		return 1.0
	}
	return clamp01(mem.MemoryStrength + reinforcementBoost)
}

// DecayDecision is the outcome of evaluating a memory's strength
// against the forgetting thresholds.
type DecayDecision string

const (
	// DecayDecisionKeep means the memory's strength is still above both
	// thresholds and no lifecycle action is needed.
	DecayDecisionKeep DecayDecision = "keep"
	// DecayDecisionArchive means strength fell below the archive
	// threshold but not the purge threshold (or purging is disabled).
	DecayDecisionArchive DecayDecision = "archive"
	// DecayDecisionPurge means strength fell below the purge threshold
	// and purging is enabled: the memory should be hard-deleted.
	DecayDecisionPurge DecayDecision = "purge"
)

// Decide turns a post-decay strength into a forgetting decision.
// Purging always takes priority over archiving when both thresholds
// are crossed and purgeEnabled is true.
func Decide(strength float64, purgeEnabled bool, purgeThreshold, archiveThreshold float64) DecayDecision {
	if purgeEnabled && strength < purgeThreshold {
		return DecayDecisionPurge
	}
	if strength < archiveThreshold {
		return DecayDecisionArchive
	}
	return DecayDecisionKeep
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
