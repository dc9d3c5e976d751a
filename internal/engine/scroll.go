package engine

import (
	"context"
	"fmt"

	"github.com/arkhive/meridian/internal/storage"
	"github.com/arkhive/meridian/pkg/types"
)

// scrollPageSize is the page size used by AllMemories, matching the
// pagination convention already established in quality.go/consolidation.go.
const scrollPageSize = 100

// AllMemories pages through every record matching filter and decodes
// each into a Memory, skipping records that fail to decode. It exists
// for callers outside this package (the scheduler wiring in
// cmd/meridian) that need the same full-store sweep
// PromotionCandidates/ArchiveOldMemories already do internally, without
// duplicating the scroll loop at the call site.
func AllMemories(ctx context.Context, store storage.VectorStore, filter storage.Filter) ([]types.Memory, error) {
	var memories []types.Memory
	offset := 0
	for {
		records, total, err := store.Scroll(ctx, filter, scrollPageSize, offset, false)
		if err != nil {
			return nil, fmt.Errorf("engine: scroll memories: %w", err)
		}
		for _, rec := range records {
			mem, err := memoryFromPayload(rec.Payload)
			if err != nil {
				continue
			}
			memories = append(memories, mem)
		}
		offset += len(records)
		if len(records) == 0 || offset >= total {
			break
		}
	}
	return memories, nil
}

// AllSessions pages through every record carrying a non-empty
// session_id and groups them into types.Session summaries, for the
// session-consolidation scheduled job.
func AllSessions(ctx context.Context, store storage.VectorStore) ([]types.Session, error) {
	memories, err := AllMemories(ctx, store, storage.Filter{})
	if err != nil {
		return nil, err
	}

	bySession := make(map[string]*types.Session)
	var order []string
	for _, mem := range memories {
		if mem.SessionID == "" {
			continue
		}
		sess, ok := bySession[mem.SessionID]
		if !ok {
			sess = &types.Session{ID: mem.SessionID, FirstMemoryAt: mem.CreatedAt, LastMemoryAt: mem.CreatedAt}
			bySession[mem.SessionID] = sess
			order = append(order, mem.SessionID)
		}
		sess.MemberIDs = append(sess.MemberIDs, mem.ID)
		if mem.CreatedAt.Before(sess.FirstMemoryAt) {
			sess.FirstMemoryAt = mem.CreatedAt
		}
		if mem.CreatedAt.After(sess.LastMemoryAt) {
			sess.LastMemoryAt = mem.CreatedAt
		}
		if mem.Type == types.MemoryTypeContext {
			sess.SummaryMemoryID = mem.ID
		}
	}

	sessions := make([]types.Session, 0, len(order))
	for _, id := range order {
		sessions = append(sessions, *bySession[id])
	}
	return sessions, nil
}
