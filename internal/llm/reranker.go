package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CrossEncoderClient scores (query, document) pairs with a dedicated
// cross-encoder reranking model. Many self-hosted rerankers (bge-reranker,
// Ollama's rerank-capable models served behind a thin HTTP shim, TEI)
// expose the same query+documents -> scores shape, so one client covers
// them: only BaseURL and Model differ between deployments.
type CrossEncoderClient struct {
	baseURL        string
	client         *http.Client
	circuitBreaker *CircuitBreaker
	model          string
	timeout        time.Duration
}

// CrossEncoderConfig holds reranker client configuration.
type CrossEncoderConfig struct {
	// BaseURL is the base URL of the reranking service (default: http://localhost:8090)
	BaseURL string

	// Model is the reranker model name (default: bge-reranker-base)
	Model string

	// Timeout is the request timeout duration (default: 5s)
	Timeout time.Duration
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float32 `json:"score"`
	} `json:"results"`
}

// NewCrossEncoderClient creates a new reranker client with the given
// configuration. Defaults: BaseURL http://localhost:8090, Model
// bge-reranker-base, Timeout 5s.
func NewCrossEncoderClient(config CrossEncoderConfig) *CrossEncoderClient {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8090"
	}
	if config.Model == "" {
		config.Model = "bge-reranker-base"
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}

	return &CrossEncoderClient{
		baseURL: config.BaseURL,
		client: &http.Client{
			Timeout: config.Timeout,
		},
		circuitBreaker: NewCircuitBreaker(),
		model:          config.Model,
		timeout:        config.Timeout,
	}
}

// ScorePairs scores query against each document and returns one score
// per document, in the same order as the input. Callers needing a
// skip-rerank fast path (spec's rerankSkipThreshold) should check that
// before calling ScorePairs at all — this client always does the call.
func (c *CrossEncoderClient) ScorePairs(ctx context.Context, query string, documents []string) ([]float32, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.scorePairs(ctx, query, documents)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return nil, fmt.Errorf("reranker circuit breaker open: %w", err)
		}
		return nil, err
	}
	return result.([]float32), nil
}

func (c *CrossEncoderClient) scorePairs(ctx context.Context, query string, documents []string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqBody := rerankRequest{
		Model:     c.model,
		Query:     query,
		Documents: documents,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/rerank", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("reranker returned status %d: %s", resp.StatusCode, string(body))
	}

	var respData rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	scores := make([]float32, len(documents))
	for _, r := range respData.Results {
		if r.Index < 0 || r.Index >= len(scores) {
			continue
		}
		scores[r.Index] = r.Score
	}
	return scores, nil
}

// GetModel returns the configured reranker model name.
func (c *CrossEncoderClient) GetModel() string {
	return c.model
}

// Compile-time assertion that CrossEncoderClient satisfies Reranker.
var _ Reranker = (*CrossEncoderClient)(nil)
