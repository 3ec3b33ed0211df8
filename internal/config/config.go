// Package config provides configuration loading and structs for the miru server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Search    SearchConfig    `yaml:"search"`
	Watch     WatchConfig     `yaml:"watch"`
}

// WatchConfig holds inbox directory watch settings. Images dropped into
// <dir>/<category>/ are imported into that category.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	MaxUploadMB int           `yaml:"max_upload_mb"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Storage backends for image bytes.
const (
	BackendDisk  = "disk"
	BackendMinio = "minio"
)

// StorageConfig holds the database path and the image store settings.
type StorageConfig struct {
	DatabasePath string      `yaml:"database_path"`
	Backend      string      `yaml:"backend"`
	ImagesDir    string      `yaml:"images_dir"`
	Minio        MinioConfig `yaml:"minio"`
}

// MinioConfig holds object storage settings used when backend is minio.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Embedding providers.
const (
	ProviderMock        = "mock"
	ProviderHuggingFace = "huggingface"
	ProviderONNX        = "onnx"

	TextBackendOpenAI = "openai"
)

// EmbeddingConfig holds the embedding provider settings.
type EmbeddingConfig struct {
	Provider         string        `yaml:"provider"`
	APIKey           string        `yaml:"api_key"`
	APIKeyEnv        string        `yaml:"api_key_env"`
	BaseURL          string        `yaml:"base_url"`
	ImageModel       string        `yaml:"image_model"`
	TextModel        string        `yaml:"text_model"`
	CaptionModel     string        `yaml:"caption_model"`
	TranslationModel string        `yaml:"translation_model"`
	ImageDimensions  int           `yaml:"image_dimensions"`
	TextDimensions   int           `yaml:"text_dimensions"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	CacheSize        int           `yaml:"cache_size"`
	Concurrency      int           `yaml:"concurrency"`
	ONNXModelPath    string        `yaml:"onnx_model_path"`
	TextBackend      string        `yaml:"text_backend"`
	OpenAIBaseURL    string        `yaml:"openai_base_url"`
	OpenAIModel      string        `yaml:"openai_model"`
}

// ResolvedAPIKey returns api_key, or the value of the api_key_env variable when api_key is empty.
func (e *EmbeddingConfig) ResolvedAPIKey() string {
	if e.APIKey != "" {
		return e.APIKey
	}
	if e.APIKeyEnv != "" {
		return os.Getenv(e.APIKeyEnv)
	}
	return ""
}

// SearchConfig holds retrieval and ranking settings.
type SearchConfig struct {
	TopK                int      `yaml:"top_k"`
	CategoryWeight      *float64 `yaml:"category_weight"`
	AnchorPolicy        string   `yaml:"anchor_policy"`
	MaxAlternatives     int      `yaml:"max_alternatives"`
	Explain             *bool    `yaml:"explain"`
	ExplanationLanguage string   `yaml:"explanation_language"`
}

// CategoryWeightOrDefault returns the configured weight, or DefaultCategoryWeight when unset.
func (s *SearchConfig) CategoryWeightOrDefault() float64 {
	if s.CategoryWeight != nil {
		return *s.CategoryWeight
	}
	return DefaultCategoryWeight
}

// ExplainOrDefault returns whether explanations are generated; defaults to true when unset.
func (s *SearchConfig) ExplainOrDefault() bool {
	if s.Explain != nil {
		return *s.Explain
	}
	return true
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed, or if a value is out of range.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.ImagesDir = expandPath(cfg.Storage.ImagesDir, configDir)
	if cfg.Embedding.ONNXModelPath != "" {
		cfg.Embedding.ONNXModelPath = expandPath(cfg.Embedding.ONNXModelPath, configDir)
	}
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	return &cfg, nil
}

// Validate reports values that defaults cannot repair.
func (c *Config) Validate() error {
	if w := c.Search.CategoryWeight; w != nil && (*w < 0 || *w > 1) {
		return fmt.Errorf("search.category_weight %v outside [0,1]", *w)
	}
	switch c.Storage.Backend {
	case BackendDisk:
	case BackendMinio:
		if c.Storage.Minio.Endpoint == "" {
			return fmt.Errorf("storage.minio.endpoint is required for the minio backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.Embedding.Provider {
	case ProviderMock, ProviderHuggingFace:
	case ProviderONNX:
		if c.Embedding.ONNXModelPath == "" {
			return fmt.Errorf("embedding.onnx_model_path is required for the onnx provider")
		}
	default:
		return fmt.Errorf("unknown embedding.provider %q", c.Embedding.Provider)
	}
	if b := c.Embedding.TextBackend; b != "" && b != TextBackendOpenAI {
		return fmt.Errorf("unknown embedding.text_backend %q", b)
	}
	return nil
}

// Save writes the config to path. Used for persisting watch directory add/remove.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
