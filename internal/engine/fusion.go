package engine

import (
	"regexp"
	"strings"
)

// QueryClass is the result of classifying a search query for learned
// fusion weight selection (spec §4.4.3).
type QueryClass string

const (
	QueryClassConceptual QueryClass = "conceptual"
	QueryClassExactMatch QueryClass = "exact_match"
	QueryClassHybrid     QueryClass = "hybrid"
)

// denseWeights maps a query class to its dense-search weight; the
// sparse weight is always 1-denseWeight. Grounded verbatim on
// original_source/memory/src/fusion.py's QUERY_TYPES table.
var denseWeights = map[QueryClass]float64{
	QueryClassConceptual: 0.7,
	QueryClassExactMatch: 0.3,
	QueryClassHybrid:     0.5,
}

var (
	errorClassPattern = regexp.MustCompile(`^[A-Z][a-z]+Error`)
	errnoPattern      = regexp.MustCompile(`^E[A-Z]+`)
	httpCodePattern   = regexp.MustCompile(`\b\d{3,4}\b`)

	comparativePattern = regexp.MustCompile(`(?i)\b(optimize|improve|best|better|difference|compare)\b`)
	architecturePattern = regexp.MustCompile(`(?i)\b(pattern|approach|strategy|design|architecture)\b`)
)

var questionWords = []string{"how", "why", "what", "when", "where", "explain", "describe", "understand"}

// ClassifyQuery determines a query's type so the caller can select
// fusion weights. Translated line-for-line from fusion.py's
// classify_query, preserving its precedence order: quoted strings and
// ALL-CAPS tokens are exact-match regardless of length, then short
// queries without question words, then error-code patterns, then
// question words and long queries as conceptual, defaulting to hybrid.
func ClassifyQuery(query string) QueryClass {
	trimmed := strings.TrimSpace(query)
	lower := strings.ToLower(trimmed)

	if strings.Contains(query, `"`) {
		return QueryClassExactMatch
	}
	if len(trimmed) > 3 && trimmed == strings.ToUpper(trimmed) && strings.ToUpper(trimmed) != strings.ToLower(trimmed) {
		return QueryClassExactMatch
	}

	words := strings.Fields(trimmed)
	if len(words) <= 2 && !containsAny(lower, questionWords) {
		return QueryClassExactMatch
	}

	if errorClassPattern.MatchString(query) || errnoPattern.MatchString(query) || httpCodePattern.MatchString(query) {
		return QueryClassExactMatch
	}

	if containsAny(lower, questionWords) {
		return QueryClassConceptual
	}
	if len(words) >= 6 {
		return QueryClassConceptual
	}
	if comparativePattern.MatchString(lower) || architecturePattern.MatchString(lower) {
		return QueryClassConceptual
	}

	return QueryClassHybrid
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// FusionWeights returns the (dense, sparse) weight pair for a query.
func FusionWeights(query string) (dense, sparse float64) {
	class := ClassifyQuery(query)
	dense = denseWeights[class]
	return dense, 1.0 - dense
}
