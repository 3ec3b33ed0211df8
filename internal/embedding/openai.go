package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// OpenAITextEmbedder embeds text through an OpenAI-compatible embeddings API.
// Vectors are fitted to the configured dimension; failures fall back to
// FallbackTextEmbedding.
type OpenAITextEmbedder struct {
	embedder   embeddings.Embedder
	dimensions int
	cache      *Cache[[]float32]
	logger     *zap.Logger
}

// NewOpenAITextEmbedder creates an embedder against baseURL. An empty token
// is sent as "none" for local services that do not authenticate.
func NewOpenAITextEmbedder(baseURL, token, model string, dimensions, cacheSize int, logger *zap.Logger) (*OpenAITextEmbedder, error) {
	if model == "" {
		return nil, fmt.Errorf("openai: embedding model is required")
	}
	if token == "" {
		token = "none"
	}
	if dimensions <= 0 {
		dimensions = 384
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(strings.TrimRight(baseURL, "/")))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("openai client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("openai embedder: %w", err)
	}
	return &OpenAITextEmbedder{
		embedder:   embedder,
		dimensions: dimensions,
		cache:      NewCache[[]float32](cacheSize),
		logger:     logger,
	}, nil
}

// TextEmbedding returns the normalized embedding of text.
func (e *OpenAITextEmbedder) TextEmbedding(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := e.cache.Get(text); ok {
		return cached, nil
	}
	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err == nil {
		vec, err = normalizedOrError(fitDimensions(vec, e.dimensions))
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("text embedding failed, using fallback", zap.Error(err))
		return FallbackTextEmbedding(text, e.dimensions), nil
	}
	e.cache.Set(text, vec)
	return vec, nil
}

// TextDimensions returns the embedding dimension.
func (e *OpenAITextEmbedder) TextDimensions() int {
	return e.dimensions
}
