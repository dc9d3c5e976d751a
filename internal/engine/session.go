package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arkhive/meridian/internal/llm"
	"github.com/arkhive/meridian/internal/storage"
	"github.com/arkhive/meridian/pkg/types"
)

// defaultSessionConsolidationDelay is the age a session must reach
// before it becomes eligible for automatic consolidation (spec §4.14).
const defaultSessionConsolidationDelay = 24 * time.Hour

const sessionSummaryPreviewChars = 500

// SessionEngine groups memories sharing a session_id, builds a running
// context summary for a new memory joining an existing session, and
// consolidates finished sessions into a single CONTEXT summary memory
// linked to every member. Has no teacher analogue — built in the
// teacher's idiom (store-backed engine struct, context.Context on
// every blocking call, sentinel-wrapped errors) since spec.md §4.14
// names a component the teacher never had.
type SessionEngine struct {
	store    storage.VectorStore
	graph    storage.GraphStore
	embedder llm.EmbeddingGenerator
}

// NewSessionEngine creates a SessionEngine.
func NewSessionEngine(store storage.VectorStore, graph storage.GraphStore, embedder llm.EmbeddingGenerator) *SessionEngine {
	return &SessionEngine{store: store, graph: graph, embedder: embedder}
}

// members fetches every memory in sessionID, sorted by SessionSequence.
func (s *SessionEngine) members(ctx context.Context, sessionID string) ([]types.Memory, error) {
	var all []storage.Record
	offset := 0
	for {
		records, total, err := s.store.Scroll(ctx, storage.Filter{IncludeArchived: true}, 200, offset, false)
		if err != nil {
			return nil, fmt.Errorf("session: scroll members of %s: %w", sessionID, err)
		}
		all = append(all, records...)
		offset += len(records)
		if len(records) == 0 || offset >= total {
			break
		}
	}

	members := make([]types.Memory, 0)
	for _, rec := range all {
		mem, err := memoryFromPayload(rec.Payload)
		if err != nil || mem.SessionID != sessionID {
			continue
		}
		members = append(members, mem)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].SessionSequence < members[j].SessionSequence })
	return members, nil
}

// BuildContext fetches a session's prior memories and returns a
// <=500-char summary a new memory joining the session can use as its
// conversation_context, when the caller didn't supply one directly.
func (s *SessionEngine) BuildContext(ctx context.Context, sessionID string) (string, error) {
	prior, err := s.members(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(prior) == 0 {
		return "", nil
	}

	var b strings.Builder
	for _, mem := range prior {
		line := fmt.Sprintf("[%s] %s\n", mem.Type, preview(mem.Content, 80))
		if b.Len()+len(line) > sessionSummaryPreviewChars {
			break
		}
		b.WriteString(line)
	}
	return strings.TrimSpace(b.String()), nil
}

func preview(content string, maxChars int) string {
	runes := []rune(content)
	if len(runes) <= maxChars {
		return content
	}
	return string(runes[:maxChars]) + "..."
}

// IsEligibleForConsolidation reports whether a session may be rolled
// up: at least two members, the youngest at least delay old, and no
// existing summary.
func (s *SessionEngine) IsEligibleForConsolidation(session types.Session, now time.Time, delay time.Duration) bool {
	if session.Consolidated() {
		return false
	}
	if len(session.MemberIDs) < 2 {
		return false
	}
	return now.Sub(session.LastMemoryAt) >= delay
}

// Consolidate rolls a session up into one CONTEXT-type summary memory:
// counts by type, an ordered list of preview lines, PART_OF edges from
// every member to the summary, and intra-session edge inference
// (consecutive FOLLOWS; ERROR -> LEARNING/DECISION reverse FIXES;
// PATTERN -> LEARNING/DECISION SUPPORTS).
func (s *SessionEngine) Consolidate(ctx context.Context, sessionID string) (string, error) {
	members, err := s.members(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(members) < 2 {
		return "", fmt.Errorf("session: %s has fewer than 2 members, nothing to consolidate", sessionID)
	}

	summaryContent := buildSessionSummary(sessionID, members)

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	vector, err := s.embedder.Embed(ctx, summaryContent)
	if err != nil {
		return "", fmt.Errorf("session: embed summary for %s: %w", sessionID, err)
	}

	now := time.Now()
	summary := types.Memory{
		ID:             id.String(),
		Type:           types.MemoryTypeContext,
		Content:        summaryContent,
		SessionID:      sessionID,
		State:          types.StateSemantic,
		MemoryTier:     types.StateSemantic,
		StateChangedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
		EventTime:      now,
		ValidityStart:  now,
		CurrentVersion: 1,
	}

	payload, err := memoryToPayload(summary)
	if err != nil {
		return "", fmt.Errorf("session: encode summary for %s: %w", sessionID, err)
	}
	if err := s.store.Upsert(ctx, summary.ID, vector, nil, payload); err != nil {
		return "", fmt.Errorf("session: upsert summary for %s: %w", sessionID, err)
	}

	for _, mem := range members {
		rel := types.Relation{SourceID: mem.ID, TargetID: summary.ID, Type: types.RelationPartOf, ValidFrom: now}
		if err := s.graph.CreateEdge(ctx, rel); err != nil {
			return "", fmt.Errorf("session: link %s to summary: %w", mem.ID, err)
		}
	}

	if err := s.inferIntraSessionEdges(ctx, members, now); err != nil {
		return "", fmt.Errorf("session: infer intra-session edges for %s: %w", sessionID, err)
	}

	return summary.ID, nil
}

func buildSessionSummary(sessionID string, members []types.Memory) string {
	counts := make(map[types.MemoryType]int)
	for _, mem := range members {
		counts[mem.Type]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session %s: %d memories (", sessionID, len(members))
	first := true
	for _, t := range types.ValidMemoryTypes {
		if n, ok := counts[t]; ok {
			if !first {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%d %s", n, t)
			first = false
		}
	}
	b.WriteString(")\n")

	for _, mem := range members {
		fmt.Fprintf(&b, "- [%s] %s\n", mem.Type, preview(mem.Content, 80))
	}
	return strings.TrimSpace(b.String())
}

// inferIntraSessionEdges applies the three intra-session rules from
// spec §4.14 over consecutive member pairs.
func (s *SessionEngine) inferIntraSessionEdges(ctx context.Context, members []types.Memory, now time.Time) error {
	for i := 0; i+1 < len(members); i++ {
		a, b := members[i], members[i+1]

		if err := s.graph.CreateEdge(ctx, types.Relation{SourceID: a.ID, TargetID: b.ID, Type: types.RelationFollows, ValidFrom: now}); err != nil {
			return err
		}

		if a.Type == types.MemoryTypeError && (b.Type == types.MemoryTypeLearning || b.Type == types.MemoryTypeDecision) {
			if err := s.graph.CreateEdge(ctx, types.Relation{SourceID: b.ID, TargetID: a.ID, Type: types.RelationFixes, ValidFrom: now}); err != nil {
				return err
			}
		}

		if a.Type == types.MemoryTypePattern && (b.Type == types.MemoryTypeLearning || b.Type == types.MemoryTypeDecision) {
			if err := s.graph.CreateEdge(ctx, types.Relation{SourceID: a.ID, TargetID: b.ID, Type: types.RelationSupports, ValidFrom: now}); err != nil {
				return err
			}
		}
	}
	return nil
}
