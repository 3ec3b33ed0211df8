package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/config"
	"github.com/hyperjump/miru/internal/embedding"
	"github.com/hyperjump/miru/internal/imagestore"
	"github.com/hyperjump/miru/internal/indexer"
	"github.com/hyperjump/miru/internal/profile"
	"github.com/hyperjump/miru/internal/ranking"
	"github.com/hyperjump/miru/internal/search"
	"github.com/hyperjump/miru/internal/storage"
)

// Components holds initialized services.
type Components struct {
	Storage  *storage.SQLiteStorage
	Images   imagestore.Store
	Provider embedding.Provider
	Engine   *search.Engine
	Indexer  *indexer.Indexer
}

func (c *Components) Close() {
	if c.Engine != nil {
		c.Engine.Close()
	}
	if c.Provider != nil {
		_ = c.Provider.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c := &Components{Storage: store}

	c.Images, err = newImageStore(ctx, &cfg.Storage)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize image store: %w", err)
	}

	c.Provider, err = newProvider(&cfg.Embedding, logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize embedding provider: %w", err)
	}
	logger.Info("embedding provider initialized",
		zap.String("provider", cfg.Embedding.Provider),
		zap.Int("image_dimensions", c.Provider.ImageDimensions()),
		zap.Int("text_dimensions", c.Provider.TextDimensions()))

	ranker, err := newRanker(&cfg.Search, c.Images, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Engine, err = search.NewEngine(c.Provider, c.Images,
		search.WithLogger(logger),
		search.WithLookup(store),
		search.WithRanker(ranker),
		search.WithConcurrency(cfg.Embedding.Concurrency),
	)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	c.Indexer = indexer.NewIndexer(store, c.Images, c.Engine,
		indexer.WithLogger(logger),
		indexer.WithExtensions(cfg.Watch.Extensions),
	)
	return c, nil
}

func newImageStore(ctx context.Context, cfg *config.StorageConfig) (imagestore.Store, error) {
	switch cfg.Backend {
	case config.BackendMinio:
		store, err := imagestore.NewMinioStore(ctx, imagestore.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			Bucket:    cfg.Minio.Bucket,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			UseSSL:    cfg.Minio.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := imagestore.NewDiskStore(cfg.ImagesDir)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func newProvider(cfg *config.EmbeddingConfig, logger *zap.Logger) (embedding.Provider, error) {
	switch cfg.Provider {
	case config.ProviderHuggingFace:
		policy := embedding.DefaultRetryPolicy()
		if cfg.MaxRetries > 0 {
			policy.MaxAttempts = cfg.MaxRetries
		}
		hf, err := embedding.NewHuggingFaceProvider(embedding.HuggingFaceConfig{
			BaseURL:          cfg.BaseURL,
			APIKey:           cfg.ResolvedAPIKey(),
			ImageModel:       cfg.ImageModel,
			TextModel:        cfg.TextModel,
			CaptionModel:     cfg.CaptionModel,
			TranslationModel: cfg.TranslationModel,
			ImageDimensions:  cfg.ImageDimensions,
			TextDimensions:   cfg.TextDimensions,
			Timeout:          cfg.Timeout,
			CacheSize:        cfg.CacheSize,
		}, embedding.WithLogger(logger), embedding.WithRetryPolicy(policy))
		if err != nil {
			return nil, err
		}
		return hf, nil
	case config.ProviderONNX:
		image, err := embedding.NewONNXImageEmbedder(cfg.ONNXModelPath, "", cfg.ImageDimensions, 0)
		if err != nil {
			return nil, err
		}
		text, err := newTextEmbedder(cfg, logger)
		if err != nil {
			_ = image.Close()
			return nil, err
		}
		return embedding.NewCompositeProvider(image, text, nil), nil
	default:
		return embedding.NewMockProvider(cfg.ImageDimensions, cfg.TextDimensions), nil
	}
}

// newTextEmbedder returns the text backend paired with a local image model.
func newTextEmbedder(cfg *config.EmbeddingConfig, logger *zap.Logger) (embedding.TextEmbedder, error) {
	if cfg.TextBackend != config.TextBackendOpenAI {
		return embedding.NewFallbackText(cfg.TextDimensions), nil
	}
	token := cfg.ResolvedAPIKey()
	if token == "" {
		token = os.Getenv("OPENAI_API_KEY")
	}
	return embedding.NewOpenAITextEmbedder(cfg.OpenAIBaseURL, token, cfg.OpenAIModel, cfg.TextDimensions, cfg.CacheSize, logger)
}

func newRanker(cfg *config.SearchConfig, images ranking.ImageLoader, logger *zap.Logger) (*ranking.Ranker, error) {
	policy, err := profile.ParsePolicy(cfg.AnchorPolicy)
	if err != nil {
		return nil, err
	}
	return ranking.NewRanker(&ranking.RankingConfig{
		CategoryWeight:  cfg.CategoryWeightOrDefault(),
		AnchorPolicy:    policy,
		MaxAlternatives: cfg.MaxAlternatives,
		Explain:         cfg.ExplainOrDefault(),
		Language:        cfg.ExplanationLanguage,
	}, ranking.WithLogger(logger), ranking.WithImageLoader(images)), nil
}

// watchTarget adapts the indexer to the watcher.
type watchTarget struct {
	idx *indexer.Indexer
}

func (t watchTarget) Accepts(path string) bool {
	return t.idx.Accepts(path)
}

func (t watchTarget) ImportFile(ctx context.Context, path string) error {
	_, err := t.idx.ImportFile(ctx, path)
	return err
}

func (t watchTarget) RemoveFile(ctx context.Context, path string) error {
	return t.idx.RemoveFile(ctx, path)
}
