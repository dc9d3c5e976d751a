package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arkhive/meridian/internal/storage"
	"github.com/arkhive/meridian/pkg/types"
)

// ErrInvalidTransition is returned when a requested state transition is
// illegal per types.IsValidStateTransition.
var ErrInvalidTransition = errors.New("invalid state transition")

// LifecycleEngine drives a memory through EPISODIC -> STAGING ->
// SEMANTIC -> PROCEDURAL -> ARCHIVED -> PURGED, recording each hop in
// StateHistory and the audit trail. Grounded on
// pkg/types/state.go's IsValidStateTransition (the legality check
// itself, already generalized there) and on original_source's
// audit.py log_state_transition/log_tier_promotion helpers for what
// gets recorded on each transition.
type LifecycleEngine struct {
	store   storage.VectorStore
	audit   *AuditLog
	quality *QualityEngine
}

// NewLifecycleEngine creates a LifecycleEngine backed by store, logging
// transitions through audit and recomputing quality (quality may be nil
// in tests that don't care about the tier-bonus side effect).
func NewLifecycleEngine(store storage.VectorStore, audit *AuditLog, quality *QualityEngine) *LifecycleEngine {
	return &LifecycleEngine{store: store, audit: audit, quality: quality}
}

// Transition moves mem from its current state to next, validating the
// hop, appending to StateHistory, persisting, and writing an audit
// entry. actor identifies who/what triggered the transition (spec
// §4.12's CREATE/UPDATE/... actor attribution).
func (l *LifecycleEngine) Transition(ctx context.Context, memoryID string, next types.MemoryState, actor, reason string) error {
	record, err := l.store.Get(ctx, memoryID)
	if err != nil {
		return fmt.Errorf("lifecycle: get %s: %w", memoryID, err)
	}
	mem, err := memoryFromPayload(record.Payload)
	if err != nil {
		return fmt.Errorf("lifecycle: decode %s: %w", memoryID, err)
	}

	if !types.IsValidStateTransition(mem.State, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, mem.State, next)
	}

	now := time.Now()
	transition := types.StateTransition{From: mem.State, To: next, At: now, Reason: reason}

	patch := map[string]interface{}{
		"state":            next,
		"state_changed_at": now,
		"state_history":    append(mem.StateHistory, transition),
	}
	// Tier promotion tracks state independently from the transient
	// write-pipeline pipeline stage so a memory archived then restored
	// still remembers how far it had matured. memory_tier only ever
	// mirrors the three non-archived tiers (spec §3), so STAGING/
	// ARCHIVED/PURGED transitions leave it at whatever tier the memory
	// last matured to rather than advancing into it.
	if isTierAdvance(mem.State, next) && next != types.StateStaging && next != types.StateArchived && next != types.StatePurged {
		patch["memory_tier"] = next
	}
	// ARCHIVED also flips the archived flag and timestamp (spec §4.6),
	// which is what the default search filter actually excludes on.
	if next == types.StateArchived {
		patch["archived"] = true
		patch["archived_at"] = now
	} else if mem.State == types.StateArchived {
		// Leaving ARCHIVED (e.g. Restore to EPISODIC) clears the flag so
		// the memory is visible to default search again.
		patch["archived"] = false
	}

	if err := l.store.SetPayload(ctx, memoryID, patch); err != nil {
		return fmt.Errorf("lifecycle: set payload %s: %w", memoryID, err)
	}

	// "state" is a quality-affecting field (spec §3): every transition
	// recomputes quality immediately so a just-applied tier_bonus shows
	// up in quality_score without waiting for the next scheduled pass.
	if l.quality != nil {
		if _, err := l.quality.Recalculate(ctx, memoryID); err != nil {
			return fmt.Errorf("lifecycle: recalc quality after transition %s: %w", memoryID, err)
		}
	}

	if l.audit != nil {
		action := types.AuditStateTransition
		if isTierAdvance(mem.State, next) {
			action = types.AuditTierPromotion
		}
		l.audit.Log(ctx, AuditLogEntry{
			MemoryID:  memoryID,
			Action:    action,
			Actor:     actor,
			OldValues: map[string]interface{}{"state": mem.State},
			NewValues: map[string]interface{}{"state": next},
			Reason:    reason,
		})
	}

	return nil
}

// isTierAdvance reports whether a transition moves a memory forward
// through the consolidation pipeline (as opposed to a rollback like
// ARCHIVED -> EPISODIC or STAGING -> EPISODIC).
func isTierAdvance(from, to types.MemoryState) bool {
	order := map[types.MemoryState]int{
		types.StateEpisodic:   0,
		types.StateStaging:    1,
		types.StateSemantic:   2,
		types.StateProcedural: 3,
		types.StateArchived:   4,
		types.StatePurged:     5,
	}
	return order[to] > order[from]
}

// Archive is a convenience wrapper that transitions mem to ARCHIVED.
func (l *LifecycleEngine) Archive(ctx context.Context, memoryID, actor, reason string) error {
	return l.Transition(ctx, memoryID, types.StateArchived, actor, reason)
}

// Restore transitions an ARCHIVED memory back to EPISODIC, the only
// legal exit from ARCHIVED short of PURGED.
func (l *LifecycleEngine) Restore(ctx context.Context, memoryID, actor, reason string) error {
	return l.Transition(ctx, memoryID, types.StateEpisodic, actor, reason)
}

// Purge transitions an ARCHIVED memory to PURGED, the terminal state.
func (l *LifecycleEngine) Purge(ctx context.Context, memoryID, actor, reason string) error {
	return l.Transition(ctx, memoryID, types.StatePurged, actor, reason)
}

// purgeRetentionDays is how long a memory sits in ARCHIVED before the
// scheduled state-transition job advances it to PURGED, absent an
// override from internal/config.
const purgeRetentionDays = 90

// Evaluate applies the per-state age/quality/access rules (one state
// machine hop at a time, never skipping a tier) and reports the next
// state mem should move to, if any. now is the evaluation instant;
// purgeRetentionDaysOverride, when positive, lets the scheduler override
// the ARCHIVED->PURGED wait from config. ok is false when mem should stay where it is.
func Evaluate(mem types.Memory, now time.Time, purgeRetentionDaysOverride int) (next types.MemoryState, reason string, ok bool) {
	age := now.Sub(mem.CreatedAt)
	timeInState := now.Sub(mem.StateChangedAt)
	edits := editCount(mem)

	retention := purgeRetentionDays
	if purgeRetentionDaysOverride > 0 {
		retention = purgeRetentionDaysOverride
	}

	switch mem.State {
	case types.StateEpisodic:
		if age >= 7*24*time.Hour && mem.QualityScore >= 0.75 {
			return types.StateSemantic, "matured past 7 days with high quality", true
		}
		if age >= 30*24*time.Hour && mem.QualityScore < 0.2 {
			return types.StateArchived, "stale and low quality after 30 days", true
		}
		if age >= 48*time.Hour && mem.AccessCount < 3 {
			return types.StateStaging, "untouched for 48 hours", true
		}
		return "", "", false

	case types.StateStaging:
		if mem.LastAccessed != nil && mem.LastAccessed.After(mem.StateChangedAt) {
			return types.StateEpisodic, "rekindled by a fresh access", true
		}
		if timeInState >= 7*24*time.Hour && mem.QualityScore >= 0.5 {
			return types.StateSemantic, "stable in staging for 7 days with adequate quality", true
		}
		if timeInState >= 30*24*time.Hour && mem.QualityScore < 0.3 {
			return types.StateArchived, "stale and low quality after 30 days in staging", true
		}
		return "", "", false

	case types.StateSemantic:
		if timeInState >= 30*24*time.Hour && mem.QualityScore >= 0.9 && edits <= 2 {
			return types.StateProcedural, "high quality and stable after 30 days", true
		}
		if timeInState >= 60*24*time.Hour && mem.QualityScore < 0.2 {
			return types.StateArchived, "stale and low quality after 60 days", true
		}
		return "", "", false

	case types.StateProcedural:
		if timeInState >= 180*24*time.Hour && mem.QualityScore < 0.1 {
			return types.StateArchived, "quality collapsed after 180 days", true
		}
		return "", "", false

	case types.StateArchived:
		if timeInState >= time.Duration(retention)*24*time.Hour {
			return types.StatePurged, "exceeded archive retention window", true
		}
		return "", "", false

	default:
		return "", "", false
	}
}
