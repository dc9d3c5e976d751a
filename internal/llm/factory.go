package llm

import "fmt"

// EmbeddingConfig describes which embedding backend to construct and how
// to reach it. It replaces the teacher's DB-backed connections.LLMConfig:
// this spec's engine config supplies these values directly from
// internal/config, not from a stored connection row.
type EmbeddingConfig struct {
	Provider string // "ollama", "openai"
	BaseURL  string
	APIKey   string
	Model    string
}

// RerankConfig describes which reranker backend to construct.
type RerankConfig struct {
	Provider string // "cross-encoder" (the only reranker provider today)
	BaseURL  string
	Model    string
}

// NewEmbeddingGenerator creates the appropriate EmbeddingGenerator for
// the given provider.
func NewEmbeddingGenerator(cfg EmbeddingConfig) (EmbeddingGenerator, error) {
	switch cfg.Provider {
	case "openai":
		model := cfg.Model
		if model == "" {
			model = "text-embedding-3-small"
		}
		return NewOpenAIEmbeddingClient(OpenAIEmbeddingConfig{APIKey: cfg.APIKey, Model: model, BaseURL: cfg.BaseURL}), nil
	case "ollama", "":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		model := cfg.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		return NewOllamaClient(OllamaConfig{BaseURL: baseURL, Model: model}), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %q", cfg.Provider)
	}
}

// NewReranker creates the appropriate Reranker for the given provider.
func NewReranker(cfg RerankConfig) (Reranker, error) {
	switch cfg.Provider {
	case "cross-encoder", "":
		return NewCrossEncoderClient(CrossEncoderConfig{BaseURL: cfg.BaseURL, Model: cfg.Model}), nil
	default:
		return nil, fmt.Errorf("unsupported reranker provider: %q", cfg.Provider)
	}
}
