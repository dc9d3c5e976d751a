package engine

import (
	"context"
	"testing"
	"time"

	"github.com/arkhive/meridian/pkg/types"
)

func seedSessionMember(t *testing.T, store *fakeVectorStore, id, sessionID string, seq int, memType types.MemoryType, content string) {
	t.Helper()
	mem := types.Memory{ID: id, SessionID: sessionID, SessionSequence: seq, Type: memType, Content: content}
	payload, err := memoryToPayload(mem)
	if err != nil {
		t.Fatalf("memoryToPayload: %v", err)
	}
	if err := store.Upsert(context.Background(), id, nil, nil, payload); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func TestSessionEngine_BuildContext_OrdersBySequence(t *testing.T) {
	store := newFakeVectorStore()
	seedSessionMember(t, store, "m2", "s1", 2, types.MemoryTypeLearning, "second")
	seedSessionMember(t, store, "m1", "s1", 1, types.MemoryTypeError, "first")

	eng := NewSessionEngine(store, newFakeGraphStore(), fakeEmbeddingGenerator{})
	summary, err := eng.BuildContext(context.Background(), "s1")
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}

	firstIdx := indexOf(summary, "first")
	secondIdx := indexOf(summary, "second")
	if firstIdx == -1 || secondIdx == -1 || firstIdx > secondIdx {
		t.Errorf("expected 'first' before 'second' in summary, got %q", summary)
	}
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func TestSessionEngine_IsEligibleForConsolidation(t *testing.T) {
	eng := NewSessionEngine(nil, nil, nil)
	now := time.Now()

	fresh := types.Session{MemberIDs: []string{"a", "b"}, LastMemoryAt: now}
	if eng.IsEligibleForConsolidation(fresh, now, 24*time.Hour) {
		t.Error("expected fresh session to be ineligible")
	}

	stale := types.Session{MemberIDs: []string{"a", "b"}, LastMemoryAt: now.Add(-25 * time.Hour)}
	if !eng.IsEligibleForConsolidation(stale, now, 24*time.Hour) {
		t.Error("expected stale session with 2+ members to be eligible")
	}

	tooSmall := types.Session{MemberIDs: []string{"a"}, LastMemoryAt: now.Add(-25 * time.Hour)}
	if eng.IsEligibleForConsolidation(tooSmall, now, 24*time.Hour) {
		t.Error("expected single-member session to be ineligible")
	}

	alreadyDone := types.Session{MemberIDs: []string{"a", "b"}, LastMemoryAt: now.Add(-25 * time.Hour), SummaryMemoryID: "sum1"}
	if eng.IsEligibleForConsolidation(alreadyDone, now, 24*time.Hour) {
		t.Error("expected already-consolidated session to be ineligible")
	}
}

func TestSessionEngine_Consolidate_CreatesSummaryAndLinksMembers(t *testing.T) {
	store := newFakeVectorStore()
	graph := newFakeGraphStore()
	seedSessionMember(t, store, "e1", "s2", 1, types.MemoryTypeError, "hit a nil pointer")
	seedSessionMember(t, store, "l1", "s2", 2, types.MemoryTypeLearning, "always check for nil")

	eng := NewSessionEngine(store, graph, fakeEmbeddingGenerator{})
	summaryID, err := eng.Consolidate(context.Background(), "s2")
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if summaryID == "" {
		t.Fatal("expected a non-empty summary ID")
	}

	rec, err := store.Get(context.Background(), summaryID)
	if err != nil {
		t.Fatalf("Get summary: %v", err)
	}
	if rec.Payload["type"] != string(types.MemoryTypeContext) {
		t.Errorf("expected summary type CONTEXT, got %v", rec.Payload["type"])
	}

	partOfCount, followsCount, fixesCount := 0, 0, 0
	for _, e := range graph.edges {
		switch e.RelationType {
		case types.RelationPartOf:
			partOfCount++
		case types.RelationFollows:
			followsCount++
		case types.RelationFixes:
			fixesCount++
		}
	}
	if partOfCount != 2 {
		t.Errorf("expected 2 PART_OF edges, got %d", partOfCount)
	}
	if followsCount != 1 {
		t.Errorf("expected 1 FOLLOWS edge, got %d", followsCount)
	}
	if fixesCount != 1 {
		t.Errorf("expected 1 reverse FIXES edge for ERROR->LEARNING, got %d", fixesCount)
	}
}

func TestSessionEngine_Consolidate_RequiresAtLeastTwoMembers(t *testing.T) {
	store := newFakeVectorStore()
	seedSessionMember(t, store, "only", "s3", 1, types.MemoryTypeLearning, "solo")

	eng := NewSessionEngine(store, newFakeGraphStore(), fakeEmbeddingGenerator{})
	if _, err := eng.Consolidate(context.Background(), "s3"); err == nil {
		t.Error("expected error consolidating a session with fewer than 2 members")
	}
}
