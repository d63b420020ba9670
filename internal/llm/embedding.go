package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pgvector/pgvector-go"
)

// EmbeddingProvider generates embedding vectors for memory documents.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
	Dimensions() int
}

// OpenAIEmbedder calls the OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	httpClient *http.Client
}

// NewOpenAIEmbedder creates an embedder. Dimensions must match the model's
// native output size (1536 for text-embedding-3-small).
func NewOpenAIEmbedder(baseURL, apiKey, model string, dimensions int, hc *http.Client) *OpenAIEmbedder {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &OpenAIEmbedder{
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		dimensions: dimensions,
		httpClient: hc,
	}
}

// Dimensions returns the vector size this embedder produces.
func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed generates one embedding vector.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	raw, err := json.Marshal(embedRequest{Model: e.model, Input: text})
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embed: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(raw))
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embed: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return pgvector.Vector{}, classifyTransport(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return pgvector.Vector{}, classifyStatus(resp.StatusCode, string(body))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return pgvector.Vector{}, fmt.Errorf("%w: decode embedding: %v", ErrInvalidResponse, err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return pgvector.Vector{}, fmt.Errorf("%w: empty embedding", ErrInvalidResponse)
	}
	if got := len(parsed.Data[0].Embedding); got != e.dimensions {
		return pgvector.Vector{}, fmt.Errorf("%w: embedding has %d dimensions, want %d", ErrInvalidResponse, got, e.dimensions)
	}

	return pgvector.NewVector(parsed.Data[0].Embedding), nil
}
