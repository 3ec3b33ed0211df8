package config

import "time"

const (
	DefaultCategoryWeight = 0.3
	DefaultAPIKeyEnv      = "HF_API_TOKEN"
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MaxUploadMB == 0 {
		cfg.Server.MaxUploadMB = 10
	}
	if cfg.Server.Timeout == 0 {
		cfg.Server.Timeout = 2 * time.Minute
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/miru/data/db/miru.db"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendDisk
	}
	if cfg.Storage.ImagesDir == "" {
		cfg.Storage.ImagesDir = "/usr/local/var/miru/data/images"
	}
	if cfg.Storage.Minio.Bucket == "" {
		cfg.Storage.Minio.Bucket = "miru-images"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = ProviderMock
	}
	if cfg.Embedding.APIKeyEnv == "" {
		cfg.Embedding.APIKeyEnv = DefaultAPIKeyEnv
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = "https://api-inference.huggingface.co/models"
	}
	if cfg.Embedding.ImageModel == "" {
		cfg.Embedding.ImageModel = "google/vit-base-patch16-224"
	}
	if cfg.Embedding.TextModel == "" {
		cfg.Embedding.TextModel = "sentence-transformers/all-MiniLM-L6-v2"
	}
	if cfg.Embedding.CaptionModel == "" {
		cfg.Embedding.CaptionModel = "Salesforce/blip-image-captioning-base"
	}
	// TranslationModel stays empty: captions are English and translation is the identity.
	if cfg.Embedding.ImageDimensions == 0 {
		cfg.Embedding.ImageDimensions = 768
	}
	if cfg.Embedding.TextDimensions == 0 {
		cfg.Embedding.TextDimensions = 384
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 30 * time.Second
	}
	if cfg.Embedding.MaxRetries == 0 {
		cfg.Embedding.MaxRetries = 3
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Embedding.Concurrency == 0 {
		cfg.Embedding.Concurrency = 4
	}
	if cfg.Embedding.TextBackend == TextBackendOpenAI && cfg.Embedding.OpenAIModel == "" {
		cfg.Embedding.OpenAIModel = "text-embedding-3-small"
	}
	if cfg.Search.TopK == 0 {
		cfg.Search.TopK = 10
	}
	if cfg.Search.CategoryWeight == nil {
		w := DefaultCategoryWeight
		cfg.Search.CategoryWeight = &w
	}
	if cfg.Search.AnchorPolicy == "" {
		cfg.Search.AnchorPolicy = "prefer_text"
	}
	if cfg.Search.MaxAlternatives == 0 {
		cfg.Search.MaxAlternatives = 3
	}
	if cfg.Search.ExplanationLanguage == "" {
		cfg.Search.ExplanationLanguage = "en"
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".tiff"}
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
