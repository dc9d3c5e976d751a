package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arkhive/meridian/internal/attribution"
	"github.com/arkhive/meridian/internal/llm"
	"github.com/arkhive/meridian/internal/storage"
	"github.com/arkhive/meridian/pkg/types"
)

const (
	defaultDedupThreshold          = 0.92
	defaultAutoSupersedeThreshold  = 0.85
	defaultAutoSupersedeUpper      = 0.91
	autoCapturedTag                = "auto-captured"
	maxContentPreview               = 200
	maxInferredTags                 = 3
)

// WritePipelineConfig holds the runtime-tunable thresholds of the write
// pipeline (spec §4.3, §6). Zero values are replaced by spec defaults
// in NewWritePipeline.
type WritePipelineConfig struct {
	DedupThreshold          float64
	QualityEnforcement      string // "strict" | "warn" | "off"
	MinQualityScore         int    // 0..100
	OnWriteMaxRelationships int
	AutoSupersedeEnabled    bool
	AutoSupersedeThreshold  float64
	AutoSupersedeUpper      float64
}

func (c WritePipelineConfig) normalized() WritePipelineConfig {
	if c.DedupThreshold == 0 {
		c.DedupThreshold = defaultDedupThreshold
	}
	if c.AutoSupersedeThreshold == 0 {
		c.AutoSupersedeThreshold = defaultAutoSupersedeThreshold
	}
	if c.AutoSupersedeUpper == 0 {
		c.AutoSupersedeUpper = defaultAutoSupersedeUpper
	}
	if c.QualityEnforcement == "" {
		c.QualityEnforcement = "warn"
	}
	if c.MinQualityScore == 0 {
		c.MinQualityScore = 50
	}
	if c.OnWriteMaxRelationships == 0 {
		c.OnWriteMaxRelationships = defaultOnWriteMaxRelationships
	}
	return c
}

// WritePipeline runs a draft memory through cleaning, enrichment,
// deduplication, quality validation, persistence, relationship
// inference, and auto-supersedure (spec §4.3). Grounded on the
// teacher's request-handling pipelines: a small orchestration struct
// composing already-built engines (embedder, quality, inference,
// audit) behind a single entry point, the same shape as
// PayloadUpdater but for creation instead of mutation.
type WritePipeline struct {
	store          storage.VectorStore
	graph          storage.GraphStore
	embedder       llm.EmbeddingGenerator
	sparseEmbedder llm.SparseEmbeddingGenerator
	quality        *QualityEngine
	inference      *InferenceEngine
	audit          *AuditLog
	cfg            WritePipelineConfig
}

// NewWritePipeline creates a WritePipeline. sparseEmbedder may be nil
// (dense-only); graph, quality, inference, and audit may be nil for
// tests that only exercise a subset of the pipeline.
func NewWritePipeline(
	store storage.VectorStore,
	graph storage.GraphStore,
	embedder llm.EmbeddingGenerator,
	sparseEmbedder llm.SparseEmbeddingGenerator,
	quality *QualityEngine,
	inference *InferenceEngine,
	audit *AuditLog,
	cfg WritePipelineConfig,
) *WritePipeline {
	return &WritePipeline{
		store:          store,
		graph:          graph,
		embedder:       embedder,
		sparseEmbedder: sparseEmbedder,
		quality:        quality,
		inference:      inference,
		audit:          audit,
		cfg:            cfg.normalized(),
	}
}

// DraftMemory is the write pipeline's input: a caller-supplied memory
// before cleaning, enrichment, and identity assignment.
type DraftMemory struct {
	Type                types.MemoryType
	Content             string
	Tags                []string
	Project             string
	Source              string
	Context             string
	ErrorMessage        string
	StackTrace          string
	Solution            string
	Prevention          string
	Resolved            bool
	Decision            string
	Rationale           string
	Alternatives        []string
	Reversible          bool
	Impact              string
	SessionID           string
	ConversationContext string
	SessionSequence     int
	ImportanceScore     float64
	Pinned              bool
}

// RubricWarning is one failed quality-rubric rule, with a suggestion
// for how to fix it.
type RubricWarning struct {
	Field      string
	Message    string
	Suggestion string
}

// QualityRejectionError is returned when strict quality enforcement
// rejects a write. It carries enough to render a helpful response:
// the 0..100 score, every warning with a suggestion, a worked example
// of a good memory of the attempted type, and a hint if a near-miss
// duplicate was found along the way.
type QualityRejectionError struct {
	Score         int
	Warnings      []RubricWarning
	Example       string
	DuplicateHint string
}

func (e *QualityRejectionError) Error() string {
	return fmt.Sprintf("write rejected: quality score %d below threshold (%d warnings)", e.Score, len(e.Warnings))
}

// Write runs the full pipeline and returns the persisted (or merged)
// memory.
func (w *WritePipeline) Write(ctx context.Context, draft DraftMemory) (types.Memory, error) {
	mem := draftToMemory(draft)
	mem.Content = cleanContent(mem.Content)
	autoEnrichTypeFields(&mem)
	mem.Tags = normalizeAndEnrichTags(mem)

	embedText := buildEmbedText(mem)
	dense, err := w.embedder.Embed(ctx, embedText)
	if err != nil {
		return types.Memory{}, fmt.Errorf("write: embed: %w", err)
	}
	mem.Embedding = dense

	if existing, found, err := w.findDuplicate(ctx, mem); err != nil {
		return types.Memory{}, fmt.Errorf("write: duplicate check: %w", err)
	} else if found {
		return w.mergeDuplicate(ctx, existing, mem)
	}

	score, warnings := qualityRubric(mem)
	if w.cfg.QualityEnforcement == "strict" && score < w.cfg.MinQualityScore {
		return types.Memory{}, &QualityRejectionError{
			Score:         score,
			Warnings:      warnings,
			Example:       exampleMemory(mem.Type),
			DuplicateHint: w.nearMissHint(ctx, mem),
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	now := time.Now()
	mem.ID = id.String()
	mem.CreatedAt = now
	mem.UpdatedAt = now
	mem.ValidityStart = now
	mem.EventTime = now
	mem.State = types.StateEpisodic
	mem.StateChangedAt = now
	mem.MemoryTier = types.StateEpisodic
	mem.CurrentVersion = 1
	mem.VersionHistory = []types.VersionSnapshot{{
		Version:      1,
		ChangeType:   types.ChangeCreated,
		At:           now,
		Content:      mem.Content,
		Importance:   mem.ImportanceScore,
		Tags:         append([]string{}, mem.Tags...),
		ErrorMessage: mem.ErrorMessage,
		Solution:     mem.Solution,
		Decision:     mem.Decision,
		Rationale:    mem.Rationale,
	}}

	if w.sparseEmbedder != nil {
		sparse, err := w.sparseEmbedder.EmbedSparse(ctx, embedText)
		if err == nil {
			mem.SparseEmbedding = &types.SparseVector{Indices: sparse.Indices, Values: sparse.Values}
		}
	}

	payload, err := memoryToPayload(mem)
	if err != nil {
		return types.Memory{}, fmt.Errorf("write: encode payload: %w", err)
	}
	if err := w.store.Upsert(ctx, mem.ID, mem.Embedding, mem.SparseEmbedding, payload); err != nil {
		return types.Memory{}, fmt.Errorf("write: upsert %s: %w", mem.ID, err)
	}

	if w.quality != nil {
		_, _ = w.quality.Recalculate(ctx, mem.ID)
	}

	if w.graph != nil {
		_ = w.graph.UpsertNode(ctx, mem.ID, mem.Type, contentPreview(mem.Content), mem.Project, mem.Tags)
	}

	if w.inference != nil {
		_ = w.inference.OnWrite(ctx, mem, w.cfg.OnWriteMaxRelationships)
	}

	w.autoSupersede(ctx, mem)

	if w.audit != nil {
		w.audit.Log(ctx, AuditLogEntry{
			MemoryID:  mem.ID,
			Action:    types.AuditCreate,
			Actor:     attribution.DetectAgent(),
			NewValues: payload,
		})
	}

	record, err := w.store.Get(ctx, mem.ID)
	if err != nil {
		return types.Memory{}, fmt.Errorf("write: re-fetch %s: %w", mem.ID, err)
	}
	return memoryFromPayload(record.Payload)
}

func draftToMemory(d DraftMemory) types.Memory {
	return types.Memory{
		Type:                d.Type,
		Content:             d.Content,
		Tags:                d.Tags,
		Project:             d.Project,
		Source:              d.Source,
		Context:             d.Context,
		ErrorMessage:        d.ErrorMessage,
		StackTrace:          d.StackTrace,
		Solution:            d.Solution,
		Prevention:          d.Prevention,
		Resolved:            d.Resolved,
		Decision:            d.Decision,
		Rationale:           d.Rationale,
		Alternatives:        d.Alternatives,
		Reversible:          d.Reversible,
		Impact:              d.Impact,
		SessionID:           d.SessionID,
		ConversationContext: d.ConversationContext,
		SessionSequence:     d.SessionSequence,
		ImportanceScore:     d.ImportanceScore,
		Pinned:              d.Pinned,
	}
}

var controlCharPattern = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)
var redundantWhitespacePattern = regexp.MustCompile(`[ \t]{2,}`)
var blankLinesPattern = regexp.MustCompile(`\n{3,}`)

// cleanContent strips control characters and collapses redundant
// whitespace (spec §4.3 step 1).
func cleanContent(content string) string {
	cleaned := controlCharPattern.ReplaceAllString(content, "")
	cleaned = redundantWhitespacePattern.ReplaceAllString(cleaned, " ")
	cleaned = blankLinesPattern.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}

// autoEnrichTypeFields fills missing type-specific fields from content
// when they can be inferred, mirroring payload_update.go's
// deriveEnrichment for the write-time case (spec §4.3 step 2).
func autoEnrichTypeFields(mem *types.Memory) {
	if mem.Type == types.MemoryTypeError && mem.Prevention == "" && mem.Solution != "" {
		mem.Prevention = derivePrevention(mem.Content, mem.Solution)
	}
	if mem.Type == types.MemoryTypeDecision {
		if mem.Rationale == "" {
			mem.Rationale = deriveRationale(mem.Content)
		}
		if len(mem.Alternatives) == 0 {
			mem.Alternatives = deriveAlternatives(mem.Content)
		}
	}
	if mem.Context == "" {
		mem.Context = deriveContext(mem.Content, mem.Project, mem.Type)
	}
}

var keywordTagPattern = regexp.MustCompile(`[A-Za-z][A-Za-z0-9_-]{4,}`)

var tagStopwords = map[string]bool{
	"about": true, "after": true, "before": true, "their": true, "there": true,
	"these": true, "which": true, "while": true, "would": true, "should": true,
	"could": true, "because": true, "since": true, "still": true, "where": true,
}

// normalizeAndEnrichTags lowercases and deduplicates the draft's tags,
// then adds up to maxInferredTags keyword-derived tags from content
// when the memory has fewer than two tags (spec §4.3 step 3).
func normalizeAndEnrichTags(mem types.Memory) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tag := range mem.Tags {
		norm := strings.ToLower(strings.TrimSpace(tag))
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, norm)
	}

	if len(out) >= 2 {
		return out
	}

	base := len(out)
	for _, word := range keywordTagPattern.FindAllString(mem.Content, -1) {
		norm := strings.ToLower(word)
		if seen[norm] || tagStopwords[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, norm)
		if len(out) >= base+maxInferredTags {
			break
		}
	}
	return out
}

// buildEmbedText concatenates the fields the embedding covers (spec
// §4.3 step 7): content + context + error_message.
func buildEmbedText(mem types.Memory) string {
	return strings.TrimSpace(strings.Join([]string{mem.Content, mem.Context, mem.ErrorMessage}, " "))
}

// contentPreview truncates content to the graph node's preview limit
// (spec §4.3 step 10).
func contentPreview(content string) string {
	runes := []rune(content)
	if len(runes) <= maxContentPreview {
		return content
	}
	return string(runes[:maxContentPreview])
}

// findDuplicate runs the semantic duplicate check (spec §4.3 step 4):
// dense kNN restricted to the same type/project, non-archived, scored
// against DedupThreshold.
func (w *WritePipeline) findDuplicate(ctx context.Context, mem types.Memory) (types.Memory, bool, error) {
	candidates, err := w.store.SearchDense(ctx, mem.Embedding, storage.Filter{
		Type:    mem.Type,
		Project: mem.Project,
	}, 5, w.cfg.DedupThreshold)
	if err != nil {
		return types.Memory{}, false, err
	}
	for _, c := range candidates {
		existing, err := memoryFromPayload(c.Payload)
		if err != nil {
			continue
		}
		return existing, true, nil
	}
	return types.Memory{}, false, nil
}

// mergeDuplicate folds a newly-submitted near-duplicate into the
// existing memory: union tags, bump access_count and updated_at,
// recompute quality, and return the existing (not newly allocated) id.
func (w *WritePipeline) mergeDuplicate(ctx context.Context, existing, incoming types.Memory) (types.Memory, error) {
	seen := make(map[string]bool)
	var union []string
	for _, tag := range append(append([]string{}, existing.Tags...), incoming.Tags...) {
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		union = append(union, tag)
	}

	patch := map[string]interface{}{
		"tags":         union,
		"access_count": existing.AccessCount + 1,
		"updated_at":   time.Now(),
	}
	if err := w.store.SetPayload(ctx, existing.ID, patch); err != nil {
		return types.Memory{}, fmt.Errorf("write: merge duplicate %s: %w", existing.ID, err)
	}
	if w.quality != nil {
		if _, err := w.quality.Recalculate(ctx, existing.ID); err != nil {
			return types.Memory{}, fmt.Errorf("write: recalc after merge %s: %w", existing.ID, err)
		}
	}

	record, err := w.store.Get(ctx, existing.ID)
	if err != nil {
		return types.Memory{}, fmt.Errorf("write: re-fetch merged %s: %w", existing.ID, err)
	}
	return memoryFromPayload(record.Payload)
}

// qualityRubric scores a draft 0..100 against the accept/reject rules
// (spec §4.3 step 5), reusing types.Memory.Validate's invariant checks
// rather than re-deriving its private thresholds.
func qualityRubric(mem types.Memory) (score int, warnings []RubricWarning) {
	score = 100
	for _, err := range mem.Validate() {
		switch {
		case errors.Is(err, types.ErrContentTooShort):
			score -= 30
			warnings = append(warnings, RubricWarning{
				Field: "content", Message: err.Error(),
				Suggestion: "expand the content to at least 30 characters and 5 words of substantive detail",
			})
		case errors.Is(err, types.ErrPlaceholderContent):
			score -= 40
			warnings = append(warnings, RubricWarning{
				Field: "content", Message: err.Error(),
				Suggestion: "replace the placeholder text with the actual knowledge being recorded",
			})
		case errors.Is(err, types.ErrNotEnoughTags):
			score -= 15
			warnings = append(warnings, RubricWarning{
				Field: "tags", Message: err.Error(),
				Suggestion: "add at least two specific, non-generic tags (avoid misc/other/general)",
			})
		case errors.Is(err, types.ErrMissingErrorResolution):
			score -= 20
			warnings = append(warnings, RubricWarning{
				Field: "solution", Message: err.Error(),
				Suggestion: "record the solution or a prevention step before saving an ERROR memory",
			})
		case errors.Is(err, types.ErrMissingRationale):
			score -= 20
			warnings = append(warnings, RubricWarning{
				Field: "rationale", Message: err.Error(),
				Suggestion: "explain why this decision was made",
			})
		default:
			score -= 10
			warnings = append(warnings, RubricWarning{Field: "validity_window", Message: err.Error()})
		}
	}
	if score < 0 {
		score = 0
	}
	return score, warnings
}

// nearMissHint looks for the closest same-type/project memory below
// the dedup threshold, to include as a duplicate hint on rejection.
func (w *WritePipeline) nearMissHint(ctx context.Context, mem types.Memory) string {
	candidates, err := w.store.SearchDense(ctx, mem.Embedding, storage.Filter{
		Type: mem.Type, Project: mem.Project,
	}, 1, 0.75)
	if err != nil || len(candidates) == 0 {
		return ""
	}
	existing, err := memoryFromPayload(candidates[0].Payload)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("a similar memory already exists (id %s): %s", existing.ID, contentPreview(existing.Content))
}

// exampleMemory returns a worked example of a well-formed memory of
// the given type, shown alongside rejection warnings.
func exampleMemory(memType types.MemoryType) string {
	switch memType {
	case types.MemoryTypeError:
		return `{"type":"ERROR","content":"Connection pool exhausted under load because max_connections was left at the driver default of 10.","tags":["database","connection-pool"],"error_message":"pool exhausted: no connections available","solution":"raised max_connections to 100 and added pool metrics"}`
	case types.MemoryTypeDecision:
		return `{"type":"DECISION","content":"Chose Qdrant over pgvector for the vector store because we need native sparse+dense hybrid search.","tags":["architecture","vector-store"],"decision":"use Qdrant","rationale":"pgvector lacks built-in sparse vector support and RRF fusion"}`
	case types.MemoryTypePattern:
		return `{"type":"PATTERN","content":"Wrap every external HTTP call in a circuit breaker with a 5s timeout and 3-failure threshold before tripping open.","tags":["resilience","http"]}`
	default:
		return `{"type":"LEARNING","content":"Running migrations inside the same transaction as a long-lived lock holder causes deadlocks under concurrent deploys.","tags":["migrations","concurrency"]}`
	}
}

// autoSupersede finds older same-type/project memories whose
// similarity to mem falls in [AutoSupersedeThreshold, AutoSupersedeUpper)
// and marks the older one as superseded (spec §4.3's auto-supersede
// band). Best-effort: failures are swallowed since superseding is an
// enrichment step, not required for the write itself to succeed.
func (w *WritePipeline) autoSupersede(ctx context.Context, mem types.Memory) {
	if !w.cfg.AutoSupersedeEnabled || w.graph == nil {
		return
	}
	for _, tag := range mem.Tags {
		if tag == autoCapturedTag {
			return
		}
	}

	candidates, err := w.store.SearchDense(ctx, mem.Embedding, storage.Filter{
		Type: mem.Type, Project: mem.Project,
	}, 5, w.cfg.AutoSupersedeThreshold)
	if err != nil {
		return
	}

	for _, c := range candidates {
		if c.Score >= w.cfg.AutoSupersedeUpper {
			continue // above the band: step 4's dedup already handled it
		}
		old, err := memoryFromPayload(c.Payload)
		if err != nil || old.ID == mem.ID || old.Pinned {
			continue
		}

		rel := types.Relation{SourceID: mem.ID, TargetID: old.ID, Type: types.RelationSupersedes, ValidFrom: time.Now()}
		if err := w.graph.CreateEdge(ctx, rel); err != nil {
			continue
		}
		_ = w.store.SetPayload(ctx, mem.ID, map[string]interface{}{
			"relations": w.appendEmbeddedRelation(ctx, mem.ID, old.ID, types.RelationSupersedes),
		})
		_ = w.store.SetPayload(ctx, old.ID, map[string]interface{}{
			"archived":    true,
			"archived_at": time.Now(),
		})
		return
	}
}

// appendEmbeddedRelation reads sourceID's current embedded-relation list
// and appends the new edge to it, mirroring InferenceEngine's
// appendEmbeddedRelation: on-write inference may have already persisted
// SIMILAR_TO/RELATED/FIXES relations on this same memory, and a bare
// single-element SetPayload would clobber them.
func (w *WritePipeline) appendEmbeddedRelation(ctx context.Context, sourceID, targetID string, relType types.RelationType) []types.EmbeddedRelation {
	existing := []types.EmbeddedRelation{}
	if rec, err := w.store.Get(ctx, sourceID); err == nil {
		if mem, err := memoryFromPayload(rec.Payload); err == nil {
			existing = mem.Relations
		}
	}
	return append(existing, types.EmbeddedRelation{TargetID: targetID, Type: relType, CreatedAt: time.Now()})
}
