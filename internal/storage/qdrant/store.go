// Package qdrant adapts the qdrant/go-client driver to the
// storage.VectorStore interface: named dense+sparse vectors, INT8
// scalar quantization, payload indexes, and RRF/learned hybrid fusion
// (spec §4.1). Grounded on
// intelligencedev-manifold/internal/persistence/databases/qdrant_vector.go
// for client setup/upsert/search shape, and on the teacher's
// internal/storage/postgres/search_provider.go for the RRF math itself.
package qdrant

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/arkhive/meridian/internal/storage"
	"github.com/arkhive/meridian/pkg/types"
)

const (
	denseVectorName  = "dense"
	sparseVectorName = "sparse"

	// payloadOriginalID mirrors manifold's PAYLOAD_ID_FIELD: Qdrant point
	// ids must be UUIDs or uints, so a caller-supplied non-UUID id is
	// mapped through a deterministic UUID and the original is kept here.
	payloadOriginalID = "_original_id"

	// rrfK is the Reciprocal Rank Fusion constant (spec §4.4.3), carried
	// over unchanged from the teacher's postgres HybridSearch.
	rrfK = 60.0
)

// Store implements storage.VectorStore against a Qdrant collection.
type Store struct {
	client     *qdrant.Client
	collection string
	dimension  int
	withSparse bool
}

// Config holds connection parameters for a Qdrant deployment.
type Config struct {
	DSN        string // e.g. "http://localhost:6334?api_key=..."
	Collection string
	Dimension  int
}

// New connects to Qdrant over gRPC and returns a Store. It does not
// create the collection — call CreateCollection for that.
func New(cfg Config) (*Store, error) {
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant: collection name is required")
	}
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("qdrant: parse dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	portStr := parsed.Port()
	if portStr == "" {
		portStr = "6334"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("qdrant: invalid port in dsn: %w", err)
	}

	clientCfg := &qdrant.Config{Host: host, Port: port}
	if parsed.Scheme == "https" {
		clientCfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		clientCfg.APIKey = apiKey
	}

	client, err := qdrant.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("qdrant: create client: %w", err)
	}

	return &Store{
		client:     client,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
	}, nil
}

// CreateCollection is idempotent: it creates the collection with named
// dense (and optionally sparse) vectors, INT8 scalar quantization at
// q=0.99, and payload indexes on the filterable fields.
func (s *Store) CreateCollection(ctx context.Context, dim int, withSparse bool) error {
	s.dimension = dim
	s.withSparse = withSparse

	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("qdrant: check collection exists: %w", err)
	}
	if !exists {
		vectorsConfig := qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			denseVectorName: {
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
				QuantizationConfig: qdrant.NewQuantizationScalar(&qdrant.ScalarQuantization{
					Type:      qdrant.QuantizationType_Int8,
					Quantile:  qdrant.PtrOf(float32(0.99)),
					AlwaysRam: qdrant.PtrOf(true),
				}),
			},
		})

		create := &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig:  vectorsConfig,
		}
		if withSparse {
			create.SparseVectorsConfig = qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
				sparseVectorName: {},
			})
		}

		if err := s.client.CreateCollection(ctx, create); err != nil {
			return fmt.Errorf("qdrant: create collection: %w", err)
		}
	}

	indexFields := map[string]qdrant.FieldType{
		"type":        qdrant.FieldType_FieldTypeKeyword,
		"project":     qdrant.FieldType_FieldTypeKeyword,
		"tags":        qdrant.FieldType_FieldTypeKeyword,
		"resolved":    qdrant.FieldType_FieldTypeBool,
		"created_at":  qdrant.FieldType_FieldTypeDatetime,
		"memory_tier": qdrant.FieldType_FieldTypeKeyword,
		"archived":    qdrant.FieldType_FieldTypeBool,
	}
	for field, fieldType := range indexFields {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      qdrant.PtrOf(fieldType),
		})
		if err != nil {
			return fmt.Errorf("qdrant: create field index %q: %w", field, err)
		}
	}

	return nil
}

// pointID resolves a caller id to a Qdrant-legal point id, mapping
// non-UUID ids through a deterministic UUIDv5 as manifold does.
func pointID(id string) (*qdrant.PointId, string) {
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewIDUUID(id), ""
	}
	mapped := uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
	return qdrant.NewIDUUID(mapped), id
}

// Upsert writes a point's dense (and optional sparse) vectors and payload.
func (s *Store) Upsert(ctx context.Context, id string, dense []float32, sparse *types.SparseVector, payload map[string]interface{}) error {
	pid, originalID := pointID(id)

	payloadCopy := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		payloadCopy[k] = v
	}
	if originalID != "" {
		payloadCopy[payloadOriginalID] = originalID
	}

	vectors := map[string]*qdrant.Vector{
		denseVectorName: qdrant.NewVector(dense...),
	}
	if sparse != nil && s.withSparse {
		vectors[sparseVectorName] = qdrant.NewVectorSparse(sparse.Indices, sparse.Values)
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points: []*qdrant.PointStruct{{
			Id:      pid,
			Vectors: qdrant.NewVectorsMap(vectors),
			Payload: qdrant.NewValueMap(payloadCopy),
		}},
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert %s: %w", id, err)
	}
	return nil
}

// Get retrieves a point's payload and vectors.
func (s *Store) Get(ctx context.Context, id string) (*storage.Record, error) {
	pid, _ := pointID(id)
	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            []*qdrant.PointId{pid},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: get %s: %w", id, err)
	}
	if len(points) == 0 {
		return nil, storage.ErrNotFound
	}
	return toRecord(id, points[0].Payload, points[0].Vectors), nil
}

// Scroll cursor-paginates the collection under filter.
func (s *Store) Scroll(ctx context.Context, filter storage.Filter, limit int, offset int, withVectors bool) ([]storage.Record, int, error) {
	// Qdrant's scroll cursor is a point id rather than an integer offset,
	// so the first offset points are fetched and skipped here.
	resp, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.collection,
		Filter:         buildFilter(filter),
		Limit:          qdrant.PtrOf(uint32(offset + limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(withVectors),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("qdrant: scroll: %w", err)
	}
	if offset >= len(resp) {
		resp = nil
	} else {
		resp = resp[offset:]
	}
	total, err := s.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	records := make([]storage.Record, 0, len(resp))
	for _, p := range resp {
		id := originalOrUUID(p.Id, p.Payload)
		records = append(records, *toRecord(id, p.Payload, p.Vectors))
	}
	return records, total, nil
}

// SearchDense runs a dense kNN search.
func (s *Store) SearchDense(ctx context.Context, vector []float32, filter storage.Filter, limit int, minScore float64) ([]storage.ScoredRecord, error) {
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQueryDense(vector),
		Using:          qdrant.PtrOf(denseVectorName),
		Filter:         buildFilter(filter),
		Limit:          qdrant.PtrOf(uint64(limit)),
		ScoreThreshold: qdrant.PtrOf(float32(minScore)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search dense: %w", err)
	}
	return toScoredRecords(results), nil
}

// SearchSparse runs a sparse kNN search.
func (s *Store) SearchSparse(ctx context.Context, sparse types.SparseVector, filter storage.Filter, limit int, minScore float64) ([]storage.ScoredRecord, error) {
	if !s.withSparse {
		return nil, nil
	}
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuerySparse(sparse.Indices, sparse.Values),
		Using:          qdrant.PtrOf(sparseVectorName),
		Filter:         buildFilter(filter),
		Limit:          qdrant.PtrOf(uint64(limit)),
		ScoreThreshold: qdrant.PtrOf(float32(minScore)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search sparse: %w", err)
	}
	return toScoredRecords(results), nil
}

// SearchHybrid prefetches dense and sparse candidates at 2*limit each
// and fuses them by the requested strategy. When the collection has no
// sparse vectors, it degrades to SearchDense (spec §4.1 contract).
func (s *Store) SearchHybrid(ctx context.Context, dense []float32, sparse *types.SparseVector, filter storage.Filter, limit int, strategy storage.FusionStrategy) ([]storage.ScoredRecord, error) {
	if !s.withSparse || sparse == nil {
		return s.SearchDense(ctx, dense, filter, limit, 0)
	}

	prefetch := limit * 2
	denseHits, err := s.SearchDense(ctx, dense, filter, prefetch, 0)
	if err != nil {
		return nil, err
	}
	sparseHits, err := s.SearchSparse(ctx, *sparse, filter, prefetch, 0)
	if err != nil {
		return nil, err
	}

	var fused []storage.ScoredRecord
	switch strategy {
	case storage.FusionLearned:
		fused = fuseLearned(denseHits, sparseHits)
	default:
		fused = fuseRRF(denseHits, sparseHits)
	}

	if len(fused) > limit {
		fused = fused[:limit]
	}
	return fused, nil
}

// fuseRRF implements Reciprocal Rank Fusion: score += 1/(k + rank + 1)
// for each list a candidate appears in, summed across lists, sorted
// descending. Grounded on the teacher's postgres HybridSearch.
func fuseRRF(lists ...[]storage.ScoredRecord) []storage.ScoredRecord {
	scores := make(map[string]float64)
	payloads := make(map[string]map[string]interface{})
	for _, list := range lists {
		for rank, hit := range list {
			scores[hit.ID] += 1.0 / (rrfK + float64(rank+1))
			payloads[hit.ID] = hit.Payload
		}
	}
	return sortedByScore(scores, payloads)
}

// fuseLearned min-max normalises each list's scores to [0,1] and
// combines dense/sparse with a fixed 0.5/0.5 blend. The query-class
// weights of internal/engine/fusion.go's FusionWeights are not applied.
func fuseLearned(dense, sparseList []storage.ScoredRecord) []storage.ScoredRecord {
	denseNorm := normalize(dense)
	sparseNorm := normalize(sparseList)

	scores := make(map[string]float64)
	payloads := make(map[string]map[string]interface{})
	for id, v := range denseNorm {
		scores[id] += 0.5 * v
	}
	for id, v := range sparseNorm {
		scores[id] += 0.5 * v
	}
	for _, hit := range dense {
		payloads[hit.ID] = hit.Payload
	}
	for _, hit := range sparseList {
		if _, ok := payloads[hit.ID]; !ok {
			payloads[hit.ID] = hit.Payload
		}
	}
	return sortedByScore(scores, payloads)
}

func normalize(hits []storage.ScoredRecord) map[string]float64 {
	out := make(map[string]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	min, max := hits[0].Score, hits[0].Score
	for _, h := range hits {
		if h.Score < min {
			min = h.Score
		}
		if h.Score > max {
			max = h.Score
		}
	}
	spread := max - min
	for _, h := range hits {
		if spread == 0 {
			out[h.ID] = 1.0
			continue
		}
		out[h.ID] = (h.Score - min) / spread
	}
	return out
}

func sortedByScore(scores map[string]float64, payloads map[string]map[string]interface{}) []storage.ScoredRecord {
	out := make([]storage.ScoredRecord, 0, len(scores))
	for id, score := range scores {
		out = append(out, storage.ScoredRecord{ID: id, Payload: payloads[id], Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// SetPayload applies a partial payload mutation.
func (s *Store) SetPayload(ctx context.Context, id string, patch map[string]interface{}) error {
	pid, _ := pointID(id)
	_, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: s.collection,
		Payload:        qdrant.NewValueMap(patch),
		PointsSelector: qdrant.NewPointsSelector(pid),
	})
	if err != nil {
		return fmt.Errorf("qdrant: set payload %s: %w", id, err)
	}
	return nil
}

// Delete removes points by id.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	pids := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pid, _ := pointID(id)
		pids = append(pids, pid)
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelectorIDs(pids),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete: %w", err)
	}
	return nil
}

// Count returns the number of points matching filter.
func (s *Store) Count(ctx context.Context, filter storage.Filter) (int, error) {
	resp, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Filter:         buildFilter(filter),
	})
	if err != nil {
		return 0, fmt.Errorf("qdrant: count: %w", err)
	}
	return int(resp), nil
}

// Close releases the underlying gRPC connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// buildFilter translates storage.Filter into a Qdrant filter. Archived
// memories are excluded unless IncludeArchived is set, matching the
// spec's "filter archived=true is opt-in" contract.
func buildFilter(f storage.Filter) *qdrant.Filter {
	var must []*qdrant.Condition
	var mustNot []*qdrant.Condition

	if f.Type != "" {
		must = append(must, qdrant.NewMatch("type", string(f.Type)))
	}
	if f.Project != "" {
		must = append(must, qdrant.NewMatch("project", f.Project))
	}
	for _, tag := range f.Tags {
		must = append(must, qdrant.NewMatch("tags", tag))
	}
	if f.Resolved != nil {
		must = append(must, qdrant.NewMatchBool("resolved", *f.Resolved))
	}
	if f.MemoryTier != "" {
		must = append(must, qdrant.NewMatch("memory_tier", string(f.MemoryTier)))
	}
	if !f.CreatedAfter.IsZero() || !f.CreatedBefore.IsZero() {
		dateRange := &qdrant.DatetimeRange{}
		if !f.CreatedAfter.IsZero() {
			dateRange.Gt = qdrant.PtrOf(qdrant.NewTimestamp(f.CreatedAfter))
		}
		if !f.CreatedBefore.IsZero() {
			dateRange.Lt = qdrant.PtrOf(qdrant.NewTimestamp(f.CreatedBefore))
		}
		must = append(must, qdrant.NewDatetimeRange("created_at", dateRange))
	}
	if !f.IncludeArchived {
		mustNot = append(mustNot, qdrant.NewMatchBool("archived", true))
	}

	if len(must) == 0 && len(mustNot) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must, MustNot: mustNot}
}

func toRecord(id string, payload map[string]*qdrant.Value, vectors *qdrant.VectorsOutput) *storage.Record {
	r := &storage.Record{ID: id, Payload: valueMapToAny(payload)}
	if vectors == nil {
		return r
	}
	if named := vectors.GetVectors(); named != nil {
		if dv, ok := named.Vectors[denseVectorName]; ok {
			r.Dense = dv.GetDense().GetData()
		}
		if sv, ok := named.Vectors[sparseVectorName]; ok {
			sparse := sv.GetSparse()
			r.Sparse = &types.SparseVector{Indices: sparse.GetIndices(), Values: sparse.GetValues()}
		}
	}
	return r
}

func toScoredRecords(results []*qdrant.ScoredPoint) []storage.ScoredRecord {
	out := make([]storage.ScoredRecord, 0, len(results))
	for _, hit := range results {
		id := originalOrUUID(hit.Id, hit.Payload)
		out = append(out, storage.ScoredRecord{
			ID:      id,
			Payload: valueMapToAny(hit.Payload),
			Score:   float64(hit.Score),
		})
	}
	return out
}

func originalOrUUID(id *qdrant.PointId, payload map[string]*qdrant.Value) string {
	if payload != nil {
		if v, ok := payload[payloadOriginalID]; ok {
			return v.GetStringValue()
		}
	}
	if id == nil {
		return ""
	}
	if uuidStr := id.GetUuid(); uuidStr != "" {
		return uuidStr
	}
	return id.String()
}

func valueMapToAny(payload map[string]*qdrant.Value) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if k == payloadOriginalID {
			continue
		}
		out[k] = qdrantValueToAny(v)
	}
	return out
}

func qdrantValueToAny(v *qdrant.Value) interface{} {
	switch kind := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := make([]interface{}, 0, len(kind.ListValue.Values))
		for _, item := range kind.ListValue.Values {
			items = append(items, qdrantValueToAny(item))
		}
		return items
	case *qdrant.Value_StructValue:
		return valueMapToAny(kind.StructValue.Fields)
	default:
		return nil
	}
}
