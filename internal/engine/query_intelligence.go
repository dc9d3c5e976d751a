package engine

import (
	"regexp"
	"strings"
	"time"
)

// synonymVocabulary is the domain synonym map used for both typo
// correction (its keys+values form the known-word vocabulary) and
// synonym expansion. Grounded on spec §4.4.1: a fixed domain map rather
// than a learned thesaurus, matching the teacher's own preference for
// small hardcoded lookup tables over an embedded NLP dependency.
var synonymVocabulary = map[string][]string{
	"error":    {"bug", "failure"},
	"bug":      {"error", "defect"},
	"failure":  {"error", "crash"},
	"crash":    {"failure", "panic"},
	"fix":      {"solve", "resolve"},
	"solve":    {"fix", "resolve"},
	"resolve":  {"fix", "solve"},
	"decision": {"choice", "selection"},
	"choice":   {"decision", "option"},
	"pattern":  {"approach", "strategy"},
	"strategy": {"pattern", "approach"},
	"learn":    {"learning", "lesson"},
	"lesson":   {"learning", "takeaway"},
	"doc":      {"docs", "documentation"},
	"docs":     {"documentation", "doc"},
	"slow":     {"latency", "performance"},
	"timeout":  {"slow", "hang"},
	"database": {"db", "storage"},
	"db":       {"database", "storage"},
	"config":   {"configuration", "settings"},
	"deploy":   {"deployment", "release"},
}

// typoRatioThreshold is the minimum string-similarity ratio (spec
// §4.4.1) a candidate vocabulary word must clear, for words longer
// than typoMinWordLength, to be accepted as a correction.
const (
	typoRatioThreshold = 0.6
	typoMinWordLength  = 3
)

// EnhancedQuery is the result of running a raw query through typo
// correction and synonym expansion. Original is preserved unmodified
// for audit purposes; Enhanced is what retrieval actually searches
// with.
type EnhancedQuery struct {
	Original   string
	Enhanced   string
	Corrected  map[string]string // misspelled word -> correction
	Synonyms   map[string][]string
}

// EnhanceQuery runs typo correction then synonym expansion over query,
// per spec §4.4.1.
func EnhanceQuery(query string) EnhancedQuery {
	words := strings.Fields(query)
	corrected := make(map[string]string)

	correctedWords := make([]string, len(words))
	for i, w := range words {
		fix := correctTypo(w)
		correctedWords[i] = fix
		if !strings.EqualFold(fix, w) {
			corrected[strings.ToLower(w)] = strings.ToLower(fix)
		}
	}

	synonyms := make(map[string][]string)
	var expanded []string
	expanded = append(expanded, correctedWords...)
	for _, w := range correctedWords {
		lower := strings.ToLower(strings.Trim(w, ".,!?\"'"))
		if syns, ok := synonymVocabulary[lower]; ok {
			limited := syns
			if len(limited) > 2 {
				limited = limited[:2]
			}
			synonyms[lower] = limited
			expanded = append(expanded, limited...)
		}
	}

	return EnhancedQuery{
		Original:  query,
		Enhanced:  strings.Join(expanded, " "),
		Corrected: corrected,
		Synonyms:  synonyms,
	}
}

// correctTypo replaces word with the closest vocabulary entry when the
// string-ratio similarity clears typoRatioThreshold, for words longer
// than typoMinWordLength. Shorter words are left untouched — the spec
// explicitly scopes typo correction to longer words to avoid false
// corrections on short, already-ambiguous tokens.
func correctTypo(word string) string {
	trimmed := strings.Trim(word, ".,!?\"'")
	if len(trimmed) <= typoMinWordLength {
		return word
	}
	lower := strings.ToLower(trimmed)

	bestRatio := 0.0
	best := ""
	for vocab := range synonymVocabulary {
		r := stringRatio(lower, vocab)
		if r > bestRatio {
			bestRatio = r
			best = vocab
		}
		for _, syn := range synonymVocabulary[vocab] {
			r := stringRatio(lower, syn)
			if r > bestRatio {
				bestRatio = r
				best = syn
			}
		}
	}

	if bestRatio >= typoRatioThreshold && bestRatio < 1.0 {
		return best
	}
	return word
}

// stringRatio is a SequenceMatcher-style similarity ratio:
// 1 - levenshtein(a,b)/max(len(a),len(b)).
func stringRatio(a, b string) float64 {
	if a == b {
		return 1.0
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1.0
	}
	dist := levenshtein(a, b)
	return 1.0 - float64(dist)/float64(maxLen)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			min := del
			if ins < min {
				min = ins
			}
			if sub < min {
				min = sub
			}
			curr[j] = min
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

// QueryIntent scores how strongly a query expresses each of the four
// recognized intents (spec §4.4.1).
type QueryIntent struct {
	Temporal     float64
	Relationship float64
	ExactMatch   float64
	Conceptual   float64
}

var (
	temporalPattern     = regexp.MustCompile(`(?i)\b(yesterday|today|last week|last month|recent(ly)?|since|before|after|ago|when did)\b`)
	relationshipPattern = regexp.MustCompile(`(?i)\b(related to|caused by|fixed by|because of|led to|connected to|similar to|depends on)\b`)
	exactMatchPattern   = regexp.MustCompile(`(?i)\b(exact|specific|literally)\b`)
)

// ClassifyIntent scores query against all four intents.
func ClassifyIntent(query string) QueryIntent {
	var intent QueryIntent
	lower := strings.ToLower(query)
	class := ClassifyQuery(query)

	if temporalPattern.MatchString(query) {
		intent.Temporal = 0.8
	}
	if relationshipPattern.MatchString(query) {
		intent.Relationship = 0.8
	}
	if exactMatchPattern.MatchString(query) || strings.Contains(query, `"`) {
		intent.ExactMatch = 0.8
	} else if class == QueryClassExactMatch {
		intent.ExactMatch = 0.72
	}
	if class == QueryClassConceptual {
		intent.Conceptual = 0.72
	}
	if containsAny(lower, questionWords) {
		intent.Conceptual += 0.1
		if intent.Conceptual > 1.0 {
			intent.Conceptual = 1.0
		}
	}
	return intent
}

// RetrievalMode selects which search space(s) the query pipeline uses.
type RetrievalMode string

const (
	ModeSemantic RetrievalMode = "semantic"
	ModeKeyword  RetrievalMode = "keyword"
	ModeHybrid   RetrievalMode = "hybrid"
)

// SearchPlan is the routing decision ClassifyIntent+Route produce: how
// to search, whether to rerank, whether to expand the graph, whether to
// boost recency, and an optional datetime window extracted from a
// temporal query.
type SearchPlan struct {
	Mode           RetrievalMode
	Rerank         bool
	GraphExpansion bool
	RecencyBoost   bool
	CreatedAfter   time.Time
	CreatedBefore  time.Time
}

// Route maps a QueryIntent to a SearchPlan per spec §4.4.1's routing
// table: exact-match>0.7 -> sparse-only no rerank; relationship>0.6 ->
// hybrid+graph expansion; temporal>0.6 -> hybrid+recency+datetime
// filter; >=2 intents>0.5 -> composite (hybrid, rerank, recency if
// temporal present); else semantic+rerank.
func Route(query string, intent QueryIntent) SearchPlan {
	if intent.ExactMatch > 0.7 {
		return SearchPlan{Mode: ModeKeyword, Rerank: false}
	}
	if intent.Relationship > 0.6 {
		return SearchPlan{Mode: ModeHybrid, Rerank: true, GraphExpansion: true}
	}
	if intent.Temporal > 0.6 {
		after, before := extractDateRange(query)
		return SearchPlan{Mode: ModeHybrid, Rerank: true, RecencyBoost: true, CreatedAfter: after, CreatedBefore: before}
	}

	above := 0
	for _, v := range []float64{intent.Temporal, intent.Relationship, intent.ExactMatch, intent.Conceptual} {
		if v > 0.5 {
			above++
		}
	}
	if above >= 2 {
		return SearchPlan{Mode: ModeHybrid, Rerank: true, RecencyBoost: intent.Temporal > 0.5}
	}

	return SearchPlan{Mode: ModeSemantic, Rerank: true}
}

// extractDateRange derives a coarse [after, before) window from common
// relative-time phrases in a temporal-intent query. Queries with no
// recognizable phrase get a zero-value (unconstrained) range.
func extractDateRange(query string) (after, before time.Time) {
	lower := strings.ToLower(query)
	now := time.Now()

	switch {
	case strings.Contains(lower, "today"):
		return now.Truncate(24 * time.Hour), time.Time{}
	case strings.Contains(lower, "yesterday"):
		start := now.Truncate(24 * time.Hour).Add(-24 * time.Hour)
		return start, start.Add(24 * time.Hour)
	case strings.Contains(lower, "last week"):
		return now.Add(-7 * 24 * time.Hour), time.Time{}
	case strings.Contains(lower, "last month"):
		return now.Add(-30 * 24 * time.Hour), time.Time{}
	default:
		return time.Time{}, time.Time{}
	}
}
