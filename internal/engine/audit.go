package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/arkhive/meridian/internal/storage"
	"github.com/arkhive/meridian/pkg/types"
)

// auditDummyVector is stored against every audit entry. The audit
// trail collection is never searched by similarity, only filtered and
// scrolled, so a fixed vector satisfies the store's schema without
// wasting an embedding call. Grounded on audit.py's AuditLogger, which
// upserts each entry with a constant placeholder vector into its own
// Qdrant collection for exactly this reason.
var auditDummyVector = []float32{1}

// AuditLogEntry is the input to AuditLog.Log; Timestamp and the record
// ID are filled in by the logger.
type AuditLogEntry struct {
	MemoryID  string
	Action    types.AuditAction
	Actor     string
	OldValues map[string]interface{}
	NewValues map[string]interface{}
	Reason    string
	Metadata  map[string]interface{}
}

// AuditLog is the append-only audit trail. Grounded on audit.py's
// AuditLogger: a dedicated collection, one immutable point per entry,
// filter-based queries for a memory's history, never an update or
// delete against an existing entry.
type AuditLog struct {
	store storage.VectorStore
}

// NewAuditLog creates an AuditLog backed by a store already pointed at
// the audit trail collection (kept physically separate from the
// memory collection, per spec §4.12).
func NewAuditLog(store storage.VectorStore) *AuditLog {
	return &AuditLog{store: store}
}

// Log appends an entry to the trail. Failures are logged, not
// returned: losing an audit record must never block the write that
// triggered it, mirroring audit.py's log_* helpers which swallow
// logging errors behind a try/except and a warning log.
func (a *AuditLog) Log(ctx context.Context, entry AuditLogEntry) {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	record := types.AuditEntry{
		MemoryID:  entry.MemoryID,
		Action:    entry.Action,
		Actor:     entry.Actor,
		Timestamp: time.Now(),
		OldValues: entry.OldValues,
		NewValues: entry.NewValues,
		Reason:    entry.Reason,
		Metadata:  entry.Metadata,
	}

	payload, err := auditEntryToPayload(record)
	if err != nil {
		log.Printf("audit: encode entry for %s: %v", entry.MemoryID, err)
		return
	}

	if err := a.store.Upsert(ctx, id.String(), auditDummyVector, nil, payload); err != nil {
		log.Printf("audit: write entry for %s: %v", entry.MemoryID, err)
	}
}

// auditScrollPageSize bounds a single Scroll call while History pages
// through the whole trail collection; the collection has no memory_id
// payload index of its own (the shared Filter is shaped for the memory
// collection's schema, not the audit trail's), so filtering by memory
// happens client-side across pages.
const auditScrollPageSize = 200

// History returns every audit entry for a memory, oldest first.
func (a *AuditLog) History(ctx context.Context, memoryID string) ([]types.AuditEntry, error) {
	var entries []types.AuditEntry
	offset := 0
	for {
		records, total, err := a.store.Scroll(ctx, storage.Filter{IncludeArchived: true}, auditScrollPageSize, offset, false)
		if err != nil {
			return nil, fmt.Errorf("audit: scroll history for %s: %w", memoryID, err)
		}
		for _, rec := range records {
			if rec.Payload["memory_id"] != memoryID {
				continue
			}
			entry, err := auditEntryFromPayload(rec.Payload)
			if err != nil {
				continue
			}
			entries = append(entries, entry)
		}
		offset += len(records)
		if len(records) == 0 || offset >= total {
			break
		}
	}
	sortAuditEntriesByTime(entries)
	return entries, nil
}

func sortAuditEntriesByTime(entries []types.AuditEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].Timestamp.After(entries[j].Timestamp); j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

func auditEntryToPayload(entry types.AuditEntry) (map[string]interface{}, error) {
	return structToPayload(entry)
}

func auditEntryFromPayload(payload map[string]interface{}) (types.AuditEntry, error) {
	var entry types.AuditEntry
	if err := payloadToStruct(payload, &entry); err != nil {
		return types.AuditEntry{}, err
	}
	return entry, nil
}

// RestoreManager reverts a memory to an earlier audited state.
// Grounded on audit.py's RestoreManager.restore_to_version/
// undo_last_change: find the target entry's NewValues (or the
// preceding entry's OldValues for an undo), reapply them via
// SetPayload, and log the restore itself as a new RESTORE entry so the
// trail stays append-only.
type RestoreManager struct {
	store   storage.VectorStore
	audit   *AuditLog
	quality *QualityEngine
}

// NewRestoreManager creates a RestoreManager. quality may be nil in
// tests that don't care about the post-restore recomputation.
func NewRestoreManager(store storage.VectorStore, audit *AuditLog, quality *QualityEngine) *RestoreManager {
	return &RestoreManager{store: store, audit: audit, quality: quality}
}

// recalcAfterRestore recomputes quality for memoryID once a restore has
// applied its patch, mirroring spec §4.12 step 3 ("running ... quality
// recomputation") for every restore path below. Best-effort: a failure
// here must not undo an otherwise-successful restore.
func (r *RestoreManager) recalcAfterRestore(ctx context.Context, memoryID string) {
	if r.quality == nil {
		return
	}
	if _, err := r.quality.Recalculate(ctx, memoryID); err != nil {
		log.Printf("restore: recalc quality after restore of %s: %v", memoryID, err)
	}
}

// UndoLastChange reverts memoryID to the values recorded immediately
// before its most recent audit entry.
func (r *RestoreManager) UndoLastChange(ctx context.Context, memoryID, actor string) error {
	history, err := r.audit.History(ctx, memoryID)
	if err != nil {
		return fmt.Errorf("restore: load history for %s: %w", memoryID, err)
	}
	if len(history) == 0 {
		return fmt.Errorf("restore: no audit history for %s", memoryID)
	}

	last := history[len(history)-1]
	if len(last.OldValues) == 0 {
		return fmt.Errorf("restore: last entry for %s has no prior values to restore", memoryID)
	}

	if err := r.store.SetPayload(ctx, memoryID, last.OldValues); err != nil {
		return fmt.Errorf("restore: apply undo for %s: %w", memoryID, err)
	}
	r.recalcAfterRestore(ctx, memoryID)

	r.audit.Log(ctx, AuditLogEntry{
		MemoryID:  memoryID,
		Action:    types.AuditRestore,
		Actor:     actor,
		OldValues: last.NewValues,
		NewValues: last.OldValues,
		Reason:    fmt.Sprintf("undo of %s at %s", last.Action, last.Timestamp.Format(time.RFC3339)),
	})
	return nil
}

// RestoreToTimestamp reverts memoryID to the state implied by the
// newest audit entry at or before at.
func (r *RestoreManager) RestoreToTimestamp(ctx context.Context, memoryID string, at time.Time, actor string) error {
	history, err := r.audit.History(ctx, memoryID)
	if err != nil {
		return fmt.Errorf("restore: load history for %s: %w", memoryID, err)
	}

	var target *types.AuditEntry
	for i := range history {
		if history[i].Timestamp.After(at) {
			break
		}
		target = &history[i]
	}
	if target == nil {
		return fmt.Errorf("restore: no audit entry for %s at or before %s", memoryID, at.Format(time.RFC3339))
	}
	if len(target.NewValues) == 0 {
		return fmt.Errorf("restore: target entry for %s has no values to restore", memoryID)
	}

	if err := r.store.SetPayload(ctx, memoryID, target.NewValues); err != nil {
		return fmt.Errorf("restore: apply restore for %s: %w", memoryID, err)
	}
	r.recalcAfterRestore(ctx, memoryID)

	r.audit.Log(ctx, AuditLogEntry{
		MemoryID:  memoryID,
		Action:    types.AuditRestore,
		Actor:     actor,
		NewValues: target.NewValues,
		Reason:    fmt.Sprintf("restored to state as of %s", target.Timestamp.Format(time.RFC3339)),
	})
	return nil
}

// RestoreToVersion reverts memoryID's content-bearing fields to a
// specific entry in its own Memory.VersionHistory, distinct from the
// audit-trail-based restores above: this path rolls back the content,
// importance, tags, and type-specific fields a memory accumulates
// across edits, independent of any audit entry ever having been
// written for them. Grounded on audit.py's restore_to_version, which
// operates against the memory's embedded version list rather than the
// separate audit collection for exactly this reason: the two histories
// can diverge (not every field edit writes an audit entry; PayloadUpdater,
// for one, writes none).
func (r *RestoreManager) RestoreToVersion(ctx context.Context, memoryID string, version int, actor string) error {
	record, err := r.store.Get(ctx, memoryID)
	if err != nil {
		return fmt.Errorf("restore: load memory %s: %w", memoryID, err)
	}
	mem, err := memoryFromPayload(record.Payload)
	if err != nil {
		return fmt.Errorf("restore: decode memory %s: %w", memoryID, err)
	}

	var snapshot *types.VersionSnapshot
	for i := range mem.VersionHistory {
		if mem.VersionHistory[i].Version == version {
			snapshot = &mem.VersionHistory[i]
			break
		}
	}
	if snapshot == nil {
		return fmt.Errorf("restore: memory %s has no version %d", memoryID, version)
	}

	now := time.Now()
	// Capture the pre-restore state as its own RESTORED snapshot before
	// overwriting, so version_history never loses a state a caller could
	// have been looking at (spec §4.12 step: "create a new version
	// snapshot capturing the current state as RESTORED").
	currentSnapshot := types.VersionSnapshot{
		Version:      mem.CurrentVersion + 1,
		ChangeType:   types.ChangeRestored,
		At:           now,
		Content:      mem.Content,
		Importance:   mem.ImportanceScore,
		Tags:         append([]string{}, mem.Tags...),
		ErrorMessage: mem.ErrorMessage,
		Solution:     mem.Solution,
		Decision:     mem.Decision,
		Rationale:    mem.Rationale,
	}

	restoredTags := normalizeAndEnrichTags(types.Memory{Tags: snapshot.Tags})

	patch := map[string]interface{}{
		"content":           cleanContent(snapshot.Content),
		"importance_score":  snapshot.Importance,
		"tags":              restoredTags,
		"error_message":     snapshot.ErrorMessage,
		"solution":          snapshot.Solution,
		"decision":          snapshot.Decision,
		"rationale":         snapshot.Rationale,
		"updated_at":        now,
		"current_version":   currentSnapshot.Version,
		"version_history":   append(mem.VersionHistory, currentSnapshot),
	}
	oldValues := map[string]interface{}{
		"content":          mem.Content,
		"importance_score": mem.ImportanceScore,
		"tags":             mem.Tags,
		"error_message":    mem.ErrorMessage,
		"solution":         mem.Solution,
		"decision":         mem.Decision,
		"rationale":        mem.Rationale,
		"current_version":  mem.CurrentVersion,
	}

	if err := r.store.SetPayload(ctx, memoryID, patch); err != nil {
		return fmt.Errorf("restore: apply version %d for %s: %w", version, memoryID, err)
	}
	r.recalcAfterRestore(ctx, memoryID)

	r.audit.Log(ctx, AuditLogEntry{
		MemoryID:  memoryID,
		Action:    types.AuditRestore,
		Actor:     actor,
		OldValues: oldValues,
		NewValues: patch,
		Reason:    fmt.Sprintf("restored to version %d (snapshotted %s)", version, snapshot.At.Format(time.RFC3339)),
	})
	return nil
}
