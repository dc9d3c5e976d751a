package engine

import (
	"context"
	"sort"
	"time"

	"github.com/arkhive/meridian/internal/storage"
	"github.com/arkhive/meridian/pkg/types"
)

// fakeVectorStore is a minimal in-memory storage.VectorStore for
// exercising engine components that only need Get/Upsert/SetPayload/
// Scroll, without standing up Qdrant.
type fakeVectorStore struct {
	records map[string]*storage.Record
	order   []string
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{records: make(map[string]*storage.Record)}
}

func (f *fakeVectorStore) CreateCollection(ctx context.Context, dim int, withSparse bool) error {
	f.records = make(map[string]*storage.Record)
	f.order = nil
	return nil
}

func (f *fakeVectorStore) Upsert(ctx context.Context, id string, dense []float32, sparse *types.SparseVector, payload map[string]interface{}) error {
	if _, exists := f.records[id]; !exists {
		f.order = append(f.order, id)
	}
	f.records[id] = &storage.Record{ID: id, Payload: payload, Dense: dense, Sparse: sparse}
	return nil
}

func (f *fakeVectorStore) Get(ctx context.Context, id string) (*storage.Record, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

func (f *fakeVectorStore) Scroll(ctx context.Context, filter storage.Filter, limit int, offset int, withVectors bool) ([]storage.Record, int, error) {
	var matching []storage.Record
	for _, id := range f.order {
		rec := *f.records[id]
		if fakeFilterMatches(filter, rec) {
			matching = append(matching, rec)
		}
	}

	total := len(matching)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matching[offset:end], total, nil
}

func fakeFilterMatches(filter storage.Filter, rec storage.Record) bool {
	if filter.Type != "" && rec.Payload["type"] != string(filter.Type) {
		return false
	}
	if filter.Project != "" && rec.Payload["project"] != filter.Project {
		return false
	}
	if !filter.CreatedAfter.IsZero() || !filter.CreatedBefore.IsZero() {
		createdRaw, _ := rec.Payload["created_at"].(string)
		created, err := time.Parse(time.RFC3339Nano, createdRaw)
		if err != nil {
			created, err = time.Parse(time.RFC3339, createdRaw)
		}
		if err == nil {
			if !filter.CreatedAfter.IsZero() && !created.After(filter.CreatedAfter) {
				return false
			}
			if !filter.CreatedBefore.IsZero() && !created.Before(filter.CreatedBefore) {
				return false
			}
		}
	}
	if !filter.IncludeArchived && rec.Payload["archived"] == true {
		return false
	}
	return true
}

func (f *fakeVectorStore) SearchDense(ctx context.Context, vector []float32, filter storage.Filter, limit int, minScore float64) ([]storage.ScoredRecord, error) {
	var scored []storage.ScoredRecord
	for _, id := range f.order {
		rec := *f.records[id]
		if !fakeFilterMatches(filter, rec) {
			continue
		}
		score := cosineSimilarity(vector, rec.Dense)
		if score < minScore {
			continue
		}
		scored = append(scored, storage.ScoredRecord{ID: rec.ID, Payload: rec.Payload, Score: score})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (f *fakeVectorStore) SearchSparse(ctx context.Context, sparse types.SparseVector, filter storage.Filter, limit int, minScore float64) ([]storage.ScoredRecord, error) {
	return nil, nil
}

func (f *fakeVectorStore) SearchHybrid(ctx context.Context, dense []float32, sparse *types.SparseVector, filter storage.Filter, limit int, strategy storage.FusionStrategy) ([]storage.ScoredRecord, error) {
	// The fake has no sparse index; degrade to dense search, as real
	// implementations do for collections without sparse vectors.
	return f.SearchDense(ctx, dense, filter, limit, 0)
}

func (f *fakeVectorStore) SetPayload(ctx context.Context, id string, patch map[string]interface{}) error {
	rec, ok := f.records[id]
	if !ok {
		return storage.ErrNotFound
	}
	for k, v := range patch {
		rec.Payload[k] = v
	}
	return nil
}

func (f *fakeVectorStore) Delete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		delete(f.records, id)
	}
	return nil
}

func (f *fakeVectorStore) Count(ctx context.Context, filter storage.Filter) (int, error) {
	return len(f.records), nil
}

func (f *fakeVectorStore) Close() error { return nil }
