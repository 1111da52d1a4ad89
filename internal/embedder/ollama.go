package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Ollama implements Embedder against a local Ollama server's /api/embed
// endpoint. It is safe for concurrent use.
type Ollama struct {
	// host is the Ollama base URL (e.g. "http://localhost:11434").
	host string
	// model is the embedding model name.
	model string
	// client is the shared HTTP client.
	client *http.Client
}

// OllamaConfig holds the settings for constructing an Ollama embedder.
type OllamaConfig struct {
	// Host is the Ollama base URL.
	Host string
	// Model is the embedding model name.
	Model string
}

// NewOllama constructs an Ollama embedder from the given config.
func NewOllama(cfg *OllamaConfig) *Ollama {
	return &Ollama{
		host:   cfg.Host,
		model:  cfg.Model,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

// ollamaRequest is the JSON body of an /api/embed call.
type ollamaRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// ollamaResponse is the subset of the response we consume.
type ollamaResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed converts a batch of texts into embeddings in a single API call.
func (e *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(ollamaRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedder: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedder: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedder: ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedder: ollama status %d: %s", resp.StatusCode, msg)
	}

	var parsed ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedder: decode response: %w", err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedder: expected %d embeddings, got %d", len(texts), len(parsed.Embeddings))
	}
	return parsed.Embeddings, nil
}
