// Package embedder converts text into dense vector embeddings for the
// vector-store stage. Each implementation talks to a different backend
// (OpenAI, Ollama) via plain HTTP — no SDK dependencies are required.
package embedder

import (
	"context"
	"fmt"

	"github.com/biomedgraph/biograph/internal/config"
)

// Embedder converts batches of text into embeddings. Implementations must
// be safe for concurrent use; the returned slice is parallel to the input.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Default embedding models and dimensions per backend.
const (
	defaultOpenAIModel = "text-embedding-3-small"
	defaultOllamaModel = "nomic-embed-text"

	// defaultOpenAIDimensions is the output size of text-embedding-3-small.
	defaultOpenAIDimensions = 1536
	// defaultOllamaDimensions is the output size of nomic-embed-text.
	// Other Ollama models may differ — override with EMBEDDING_DIMENSIONS.
	defaultOllamaDimensions = 768
)

// Dimensions returns the embedding vector size for the configured backend.
// Callers that pre-create a vector collection must use this rather than
// hardcoding a value; an explicit EMBEDDING_DIMENSIONS setting wins.
func Dimensions(s *config.Settings) int {
	if s.EmbeddingDimensions > 0 {
		return s.EmbeddingDimensions
	}
	switch s.EmbeddingProvider {
	case "ollama":
		return defaultOllamaDimensions
	default:
		return defaultOpenAIDimensions
	}
}

// New constructs the Embedder selected by Settings.EmbeddingProvider.
func New(s *config.Settings) (Embedder, error) {
	switch s.EmbeddingProvider {
	case "", "openai":
		model := s.EmbeddingModel
		if model == "" {
			model = defaultOpenAIModel
		}
		endpoint := s.EmbeddingEndpoint
		if endpoint == "" {
			endpoint = "https://api.openai.com/v1"
		}
		if s.EmbeddingAPIKey == "" {
			return nil, fmt.Errorf("embedder: EMBEDDING_API_KEY is required for the openai backend")
		}
		return NewOpenAI(&OpenAIConfig{
			BaseURL:    endpoint,
			APIKey:     s.EmbeddingAPIKey,
			Model:      model,
			Dimensions: s.EmbeddingDimensions,
		}), nil

	case "ollama":
		model := s.EmbeddingModel
		if model == "" {
			model = defaultOllamaModel
		}
		endpoint := s.EmbeddingEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:11434"
		}
		return NewOllama(&OllamaConfig{Host: endpoint, Model: model}), nil

	default:
		return nil, fmt.Errorf("embedder: unknown provider %q (want openai or ollama)", s.EmbeddingProvider)
	}
}
