package qdrant

import (
	"testing"

	"github.com/arkhive/meridian/internal/storage"
)

func TestFuseRRF_CombinesAndRanksAcrossLists(t *testing.T) {
	dense := []storage.ScoredRecord{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	sparse := []storage.ScoredRecord{{ID: "b"}, {ID: "a"}}

	fused := fuseRRF(dense, sparse)
	if len(fused) != 3 {
		t.Fatalf("expected 3 fused results, got %d", len(fused))
	}

	// "a" is rank0 in dense and rank1 in sparse; "b" is rank1 in dense
	// and rank0 in sparse — symmetric, so they should tie for first,
	// ahead of "c" which only appears once.
	top := map[string]bool{fused[0].ID: true, fused[1].ID: true}
	if !top["a"] || !top["b"] {
		t.Errorf("expected a and b to rank above c, got order %v", fused)
	}
	if fused[2].ID != "c" {
		t.Errorf("expected c last, got %v", fused)
	}
}

func TestFuseRRF_SingleListPreservesOrder(t *testing.T) {
	dense := []storage.ScoredRecord{{ID: "x"}, {ID: "y"}, {ID: "z"}}
	fused := fuseRRF(dense)
	want := []string{"x", "y", "z"}
	for i, id := range want {
		if fused[i].ID != id {
			t.Errorf("position %d: got %s, want %s", i, fused[i].ID, id)
		}
	}
}

func TestFuseLearned_BlendsNormalizedScores(t *testing.T) {
	dense := []storage.ScoredRecord{{ID: "a", Score: 0.9}, {ID: "b", Score: 0.1}}
	sparse := []storage.ScoredRecord{{ID: "a", Score: 0.2}, {ID: "b", Score: 0.8}}

	fused := fuseLearned(dense, sparse)
	if len(fused) != 2 {
		t.Fatalf("expected 2 results, got %d", len(fused))
	}
	// Both normalise to {1.0, 0.0} in their own space then blend 0.5/0.5,
	// so a and b should tie.
	if fused[0].Score != fused[1].Score {
		t.Errorf("expected tied scores, got %v", fused)
	}
}

func TestNormalize_ConstantScoresYieldOne(t *testing.T) {
	hits := []storage.ScoredRecord{{ID: "a", Score: 0.5}, {ID: "b", Score: 0.5}}
	norm := normalize(hits)
	if norm["a"] != 1.0 || norm["b"] != 1.0 {
		t.Errorf("expected constant scores to normalize to 1.0, got %v", norm)
	}
}

func TestBuildFilter_ExcludesArchivedByDefault(t *testing.T) {
	f := buildFilter(storage.Filter{})
	if f == nil {
		t.Fatal("expected a non-nil filter excluding archived by default")
	}
	if len(f.MustNot) != 1 {
		t.Errorf("expected exactly one MustNot condition, got %d", len(f.MustNot))
	}
}

func TestBuildFilter_IncludeArchivedOmitsExclusion(t *testing.T) {
	f := buildFilter(storage.Filter{IncludeArchived: true})
	if f != nil {
		t.Errorf("expected nil filter when no predicates and archived included, got %v", f)
	}
}

func TestBuildFilter_CombinesPredicates(t *testing.T) {
	resolved := true
	f := buildFilter(storage.Filter{
		Project:  "meridian",
		Tags:     []string{"go", "qdrant"},
		Resolved: &resolved,
	})
	if f == nil {
		t.Fatal("expected a non-nil filter")
	}
	// project + 2 tags + resolved = 4 Must conditions, plus the
	// implicit archived exclusion in MustNot.
	if len(f.Must) != 4 {
		t.Errorf("expected 4 Must conditions, got %d", len(f.Must))
	}
	if len(f.MustNot) != 1 {
		t.Errorf("expected 1 MustNot condition, got %d", len(f.MustNot))
	}
}
