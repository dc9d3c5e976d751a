package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/arkhive/meridian/internal/storage"
	"github.com/arkhive/meridian/pkg/types"
)

// qualityAffectingFields is the frozen set of payload keys whose
// mutation must trigger a quality_score recomputation (spec §3
// invariants, enforced by the payload-update wrapper per spec §4.2).
var qualityAffectingFields = map[string]bool{
	"content":           true,
	"tags":              true,
	"importance_score":  true,
	"pinned":            true,
	"resolved":          true,
	"solution":          true,
	"prevention":        true,
	"rationale":         true,
	"alternatives":      true,
	"decision":          true,
	"error_message":     true,
	"context":           true,
	"state":             true,
	"relations":         true,
	"access_count":      true,
	"memory_strength":   true,
	"user_rating":       true,
	"user_rating_count": true,
	"user_feedback":     true,
	"archived":          true,
}

func patchAffectsQuality(patch map[string]interface{}) bool {
	for k := range patch {
		if qualityAffectingFields[k] {
			return true
		}
	}
	return false
}

// UpdateOptions controls the payload-update wrapper's two optional
// side effects (spec §4.2).
type UpdateOptions struct {
	// RecalcQuality recomputes and persists quality_score when patch
	// intersects the quality-affecting field set. Defaults to true;
	// high-frequency paths (access-count increment, strength decay)
	// should set it to false explicitly.
	RecalcQuality bool
	// RunEnrichment derives missing type-specific fields from content
	// before the quality recomputation step.
	RunEnrichment bool
}

// DefaultUpdateOptions is the spec's update(id, patch, recalc_quality=true,
// run_enrichment=false) default.
func DefaultUpdateOptions() UpdateOptions {
	return UpdateOptions{RecalcQuality: true, RunEnrichment: false}
}

// PayloadUpdater implements the generic update(id, patch, ...) operation
// (spec §4.2) a transport layer would expose for ad hoc user edits: apply
// a patch, optionally backfill derived fields, optionally recompute
// quality. The other engine components that mutate a memory's payload
// (lifecycle transitions, relationship inference, restore) do not route
// through it — each already knows exactly which fields it is changing and
// pairs the write with its own typed audit entry (TIER_PROMOTION, the
// inference edge write, RESTORE), so they call quality.Recalculate
// directly rather than through Apply's generic affects-quality check.
// Grounded on the teacher's pattern of a thin orchestration struct
// composing already-built engines (ConfidenceScorer, DecayManager)
// rather than duplicating their logic.
type PayloadUpdater struct {
	store   storage.VectorStore
	quality *QualityEngine
}

// NewPayloadUpdater creates a PayloadUpdater.
func NewPayloadUpdater(store storage.VectorStore, quality *QualityEngine) *PayloadUpdater {
	return &PayloadUpdater{store: store, quality: quality}
}

// Apply applies patch to the memory identified by id, following the
// three-step contract: apply the patch atomically, optionally run
// enrichment, then optionally recompute quality when the patch (plus
// any enrichment it triggered) touches a quality-affecting field.
func (u *PayloadUpdater) Apply(ctx context.Context, id string, patch map[string]interface{}, opts UpdateOptions) (types.Memory, error) {
	if err := u.store.SetPayload(ctx, id, patch); err != nil {
		return types.Memory{}, fmt.Errorf("payload update: apply patch to %s: %w", id, err)
	}

	affectsQuality := patchAffectsQuality(patch)

	if opts.RunEnrichment {
		record, err := u.store.Get(ctx, id)
		if err != nil {
			return types.Memory{}, fmt.Errorf("payload update: get %s for enrichment: %w", id, err)
		}
		mem, err := memoryFromPayload(record.Payload)
		if err != nil {
			return types.Memory{}, fmt.Errorf("payload update: decode %s for enrichment: %w", id, err)
		}

		enrichment := deriveEnrichment(mem)
		if len(enrichment) > 0 {
			if err := u.store.SetPayload(ctx, id, enrichment); err != nil {
				return types.Memory{}, fmt.Errorf("payload update: apply enrichment to %s: %w", id, err)
			}
			affectsQuality = true
		}
	}

	if opts.RecalcQuality && affectsQuality && u.quality != nil {
		if _, err := u.quality.Recalculate(ctx, id); err != nil {
			return types.Memory{}, fmt.Errorf("payload update: recalc quality for %s: %w", id, err)
		}
	}

	record, err := u.store.Get(ctx, id)
	if err != nil {
		return types.Memory{}, fmt.Errorf("payload update: re-fetch %s: %w", id, err)
	}
	return memoryFromPayload(record.Payload)
}

// deriveEnrichment fills missing type-specific fields from a memory's
// existing content, mirroring spec §4.2 step 2. It never overwrites a
// field that is already set.
func deriveEnrichment(mem types.Memory) map[string]interface{} {
	patch := map[string]interface{}{}

	if mem.Type == types.MemoryTypeError && mem.Prevention == "" && mem.Solution != "" {
		patch["prevention"] = derivePrevention(mem.Content, mem.Solution)
	}
	if mem.Type == types.MemoryTypeDecision {
		if mem.Rationale == "" {
			patch["rationale"] = deriveRationale(mem.Content)
		}
		if len(mem.Alternatives) == 0 {
			if alts := deriveAlternatives(mem.Content); len(alts) > 0 {
				patch["alternatives"] = alts
			}
		}
	}
	if mem.Context == "" {
		patch["context"] = deriveContext(mem.Content, mem.Project, mem.Type)
	}

	if len(patch) == 0 {
		return nil
	}
	patch["updated_at"] = time.Now()
	return patch
}

func derivePrevention(content, solution string) string {
	return fmt.Sprintf("Apply the same fix proactively: %s", strings.TrimSpace(solution))
}

func deriveRationale(content string) string {
	return firstSentence(content)
}

func deriveAlternatives(content string) []string {
	lower := strings.ToLower(content)
	idx := strings.Index(lower, "instead of")
	if idx == -1 {
		return nil
	}
	rest := content[idx+len("instead of"):]
	rest = strings.SplitN(rest, ".", 2)[0]
	alt := strings.TrimSpace(rest)
	if alt == "" {
		return nil
	}
	return []string{alt}
}

func deriveContext(content, project string, memType types.MemoryType) string {
	summary := firstSentence(content)
	if project == "" {
		return fmt.Sprintf("%s: %s", memType, summary)
	}
	return fmt.Sprintf("%s in %s: %s", memType, project, summary)
}

func firstSentence(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ""
	}
	for _, sep := range []string{". ", ".\n", "! ", "? "} {
		if idx := strings.Index(trimmed, sep); idx != -1 {
			return trimmed[:idx+1]
		}
	}
	if len(trimmed) > 200 {
		return trimmed[:200]
	}
	return trimmed
}
