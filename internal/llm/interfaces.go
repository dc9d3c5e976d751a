package llm

import "context"

// SparseVector is a sparse term-weight vector (BM42/SPLADE-style):
// parallel index/value slices over a learned vocabulary, used as the
// sparse side of hybrid dense+sparse retrieval.
type SparseVector struct {
	Indices []uint32
	Values  []float32
}

// EmbeddingGenerator produces the dense embedding for a piece of text.
// Returns float32 slice; callers hand it straight to the vector store.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}

// SparseEmbeddingGenerator produces the sparse embedding for a piece of
// text. Implementations that cannot produce a sparse vector (e.g. a
// plain dense-only provider) are simply not wired as this interface;
// callers treat a nil SparseEmbeddingGenerator as "dense-only".
type SparseEmbeddingGenerator interface {
	EmbedSparse(ctx context.Context, text string) (SparseVector, error)
}

// Reranker scores a query against a batch of candidate documents with a
// cross-encoder style model and returns one relevance score per
// candidate, in the same order as the input.
type Reranker interface {
	ScorePairs(ctx context.Context, query string, documents []string) ([]float32, error)
	GetModel() string
}
