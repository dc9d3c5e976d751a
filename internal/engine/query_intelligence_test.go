package engine

import (
	"testing"
	"time"
)

func TestCorrectTypo_FixesCloseMisspelling(t *testing.T) {
	got := correctTypo("databse")
	if got != "database" {
		t.Errorf("expected databse -> database, got %q", got)
	}
}

func TestCorrectTypo_LeavesShortWordsAlone(t *testing.T) {
	got := correctTypo("db")
	if got != "db" {
		t.Errorf("expected short word left untouched, got %q", got)
	}
}

func TestCorrectTypo_LeavesKnownWordsAlone(t *testing.T) {
	got := correctTypo("deploy")
	if got != "deploy" {
		t.Errorf("expected exact vocabulary match left untouched, got %q", got)
	}
}

func TestEnhanceQuery_ExpandsSynonymsAndCorrectsTypos(t *testing.T) {
	eq := EnhanceQuery("databse timeout fix")
	if eq.Corrected["databse"] != "database" {
		t.Errorf("expected databse corrected to database, got %v", eq.Corrected)
	}
	if len(eq.Synonyms["fix"]) == 0 {
		t.Errorf("expected synonyms for fix, got %v", eq.Synonyms)
	}
	if len(eq.Synonyms["fix"]) > 2 {
		t.Errorf("expected at most 2 synonyms, got %v", eq.Synonyms["fix"])
	}
	if eq.Original != "databse timeout fix" {
		t.Errorf("expected Original preserved verbatim, got %q", eq.Original)
	}
}

func TestClassifyIntent_DetectsTemporalPhrase(t *testing.T) {
	intent := ClassifyIntent("what did we decide yesterday")
	if intent.Temporal < 0.6 {
		t.Errorf("expected strong temporal intent, got %+v", intent)
	}
}

func TestClassifyIntent_DetectsRelationshipPhrase(t *testing.T) {
	intent := ClassifyIntent("what was caused by the deploy")
	if intent.Relationship < 0.6 {
		t.Errorf("expected strong relationship intent, got %+v", intent)
	}
}

func TestClassifyIntent_DetectsExactMatchQuotedQuery(t *testing.T) {
	intent := ClassifyIntent(`find the "connection refused" error`)
	if intent.ExactMatch < 0.6 {
		t.Errorf("expected strong exact-match intent for quoted text, got %+v", intent)
	}
}

func TestRoute_ExactMatchGoesToKeywordWithoutRerank(t *testing.T) {
	plan := Route(`"connection refused"`, QueryIntent{ExactMatch: 0.9})
	if plan.Mode != ModeKeyword || plan.Rerank {
		t.Errorf("expected keyword mode with no rerank, got %+v", plan)
	}
}

func TestRoute_RelationshipGoesToHybridWithGraphExpansion(t *testing.T) {
	plan := Route("what was caused by this", QueryIntent{Relationship: 0.8})
	if plan.Mode != ModeHybrid || !plan.GraphExpansion || !plan.Rerank {
		t.Errorf("expected hybrid mode with graph expansion, got %+v", plan)
	}
}

func TestRoute_TemporalGoesToHybridWithRecencyAndDateRange(t *testing.T) {
	plan := Route("what happened yesterday", QueryIntent{Temporal: 0.8})
	if plan.Mode != ModeHybrid || !plan.RecencyBoost {
		t.Errorf("expected hybrid mode with recency boost, got %+v", plan)
	}
	if plan.CreatedAfter.IsZero() || plan.CreatedBefore.IsZero() {
		t.Errorf("expected a bounded date range for 'yesterday', got %+v", plan)
	}
}

func TestRoute_CompositeIntentGoesToHybrid(t *testing.T) {
	plan := Route("query", QueryIntent{Temporal: 0.55, Conceptual: 0.6})
	if plan.Mode != ModeHybrid || !plan.Rerank {
		t.Errorf("expected composite hybrid routing, got %+v", plan)
	}
}

func TestRoute_DefaultsToSemanticWithRerank(t *testing.T) {
	plan := Route("how does the cache work", QueryIntent{Conceptual: 0.3})
	if plan.Mode != ModeSemantic || !plan.Rerank {
		t.Errorf("expected default semantic+rerank routing, got %+v", plan)
	}
}

func TestExtractDateRange_RecognizesYesterday(t *testing.T) {
	after, before := extractDateRange("what happened yesterday")
	if after.IsZero() || before.IsZero() {
		t.Fatalf("expected a bounded range, got after=%v before=%v", after, before)
	}
	if before.Sub(after) != 24*time.Hour {
		t.Errorf("expected a 24h window, got %v", before.Sub(after))
	}
}

func TestExtractDateRange_UnrecognizedPhraseIsUnbounded(t *testing.T) {
	after, before := extractDateRange("what is the deploy process")
	if !after.IsZero() || !before.IsZero() {
		t.Errorf("expected unbounded range for non-temporal query, got after=%v before=%v", after, before)
	}
}
