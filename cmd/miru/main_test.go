package main

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/config"
	"github.com/hyperjump/miru/internal/embedding"
	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/server"
	"github.com/hyperjump/miru/internal/storage"
)

func TestSearchArgsReorder(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected []string
	}{
		{
			name:     "flags after image are moved first",
			args:     []string{"photo.jpg", "-weight", "0.5"},
			expected: []string{"-weight", "0.5", "photo.jpg"},
		},
		{
			name:     "flags first returns unchanged",
			args:     []string{"-weight", "0.5", "photo.jpg"},
			expected: []string{"-weight", "0.5", "photo.jpg"},
		},
		{
			name:     "image only returns unchanged",
			args:     []string{"photo.jpg"},
			expected: []string{"photo.jpg"},
		},
		{
			name:     "empty args returns unchanged",
			args:     []string{},
			expected: []string{},
		},
		{
			name:     "multiple positionals then flags",
			args:     []string{"cats", "curious", "-server", ""},
			expected: []string{"-server", "", "cats", "curious"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := searchArgsReorder(tt.args)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("searchArgsReorder() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSearchConfigPathFromArgs(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		defaultPath string
		want        string
	}{
		{"no config flag", []string{"-top-k", "5", "photo.jpg"}, "/default.yaml", "/default.yaml"},
		{"-config present", []string{"-config", "/custom.yaml", "photo.jpg"}, "/default.yaml", "/custom.yaml"},
		{"--config present", []string{"--config", "/other.yaml"}, "/default.yaml", "/other.yaml"},
		{"config at end", []string{"photo.jpg", "-config", "/end.yaml"}, "/default.yaml", "/end.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := searchConfigPathFromArgs(tt.args, tt.defaultPath)
			if got != tt.want {
				t.Errorf("searchConfigPathFromArgs() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSearchTopKDefaultFromConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("search:\n  top_k: 25\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if got := searchTopKDefaultFromConfig(configPath); got != 25 {
		t.Errorf("searchTopKDefaultFromConfig() = %d, want 25", got)
	}
	if got := searchTopKDefaultFromConfig(filepath.Join(dir, "nonexistent.yaml")); got != models.DefaultTopK {
		t.Errorf("searchTopKDefaultFromConfig(nonexistent) = %d, want %d", got, models.DefaultTopK)
	}
}

func TestParseWeight(t *testing.T) {
	tests := []struct {
		in      string
		want    *float64
		wantErr bool
	}{
		{"", nil, false},
		{"0", floatPtr(0), false},
		{"0.45", floatPtr(0.45), false},
		{"1", floatPtr(1), false},
		{"1.2", nil, true},
		{"-0.1", nil, true},
		{"heavy", nil, true},
		{"NaN", nil, true},
		{"+Inf", nil, true},
	}
	for _, tt := range tests {
		got, err := parseWeight(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseWeight(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseWeight(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func floatPtr(f float64) *float64 { return &f }

func TestResolveCategory(t *testing.T) {
	cats := []*models.Category{
		{ID: 1, Name: "dogs"},
		{ID: 2, Name: "Cats"},
		{ID: 3, Name: "42"},
	}
	tests := []struct {
		ref    string
		wantID int64
	}{
		{"1", 1},
		{"cats", 2},
		{" Cats ", 2},
		{"42", 3},
	}
	for _, tt := range tests {
		got, err := resolveCategory(cats, tt.ref)
		if err != nil {
			t.Errorf("resolveCategory(%q): %v", tt.ref, err)
			continue
		}
		if got.ID != tt.wantID {
			t.Errorf("resolveCategory(%q) = %d, want %d", tt.ref, got.ID, tt.wantID)
		}
	}
	if _, err := resolveCategory(cats, "birds"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("resolveCategory(birds) error = %v, want ErrNotFound", err)
	}
}

func TestNewProvider(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	p, err := newProvider(&cfg.Embedding, zap.NewNop())
	if err != nil {
		t.Fatalf("mock provider: %v", err)
	}
	if _, ok := p.(*embedding.MockProvider); !ok {
		t.Errorf("default provider: got %T", p)
	}
	if p.ImageDimensions() != 768 || p.TextDimensions() != 384 {
		t.Errorf("dimensions: %d/%d", p.ImageDimensions(), p.TextDimensions())
	}

	cfg.Embedding.Provider = config.ProviderHuggingFace
	p, err = newProvider(&cfg.Embedding, zap.NewNop())
	if err != nil {
		t.Fatalf("huggingface provider: %v", err)
	}
	defer p.Close()
	if _, ok := p.(*embedding.HuggingFaceProvider); !ok {
		t.Errorf("huggingface provider: got %T", p)
	}

	cfg.Embedding.BaseURL = ""
	if _, err := newProvider(&cfg.Embedding, zap.NewNop()); err == nil {
		t.Error("expected an error without a base url")
	}
}

func TestNewTextEmbedder_Fallback(t *testing.T) {
	cfg := &config.EmbeddingConfig{TextDimensions: 32}
	text, err := newTextEmbedder(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := text.(*embedding.FallbackText); !ok {
		t.Errorf("got %T, want *embedding.FallbackText", text)
	}
	if text.TextDimensions() != 32 {
		t.Errorf("dimensions: got %d", text.TextDimensions())
	}
}

func TestNewRanker(t *testing.T) {
	weight := 0.6
	cfg := &config.SearchConfig{CategoryWeight: &weight, AnchorPolicy: "centroid", MaxAlternatives: 2}
	r, err := newRanker(cfg, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if r.Config().CategoryWeight != 0.6 || r.Config().AnchorPolicy != "centroid" || r.Config().MaxAlternatives != 2 {
		t.Errorf("unexpected ranker config %+v", r.Config())
	}

	cfg.AnchorPolicy = "nearest"
	if _, err := newRanker(cfg, nil, zap.NewNop()); err == nil {
		t.Error("expected an error for an unknown anchor policy")
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Storage.DatabasePath = storage.MemoryPath
	cfg.Storage.ImagesDir = filepath.Join(t.TempDir(), "images")
	cfg.Embedding.ImageDimensions = 16
	cfg.Embedding.TextDimensions = 8
	return cfg
}

func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: shade, G: shade / 3, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestAPIClient_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	components, err := initializeComponents(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer components.Close()
	if _, err := components.Indexer.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}

	srv := server.NewServer(components.Engine, components.Indexer, components.Storage,
		components.Images, cfg, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	var cat catalog = remoteCatalog{client: newAPIClient(ts.URL)}
	desc := "loyal animals"
	dogs, err := cat.Create(ctx, &models.CategoryInput{Name: "dogs", Description: &desc})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rex := pngBytes(t, 20)
	if _, err := components.Indexer.AddImage(ctx, dogs.ID, "rex.png", rex); err != nil {
		t.Fatalf("add image: %v", err)
	}

	cats, counts, err := cat.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cats) != 1 || counts[dogs.ID] != 1 {
		t.Errorf("list: %v %v", cats, counts)
	}

	client := newAPIClient(ts.URL)
	zero := 0.0
	result, err := client.Search("query.png", rex, searchOptions{TopK: 5, Weight: &zero})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result.BestMatch == nil || result.BestMatch.Image.OriginalFilename != "rex.png" {
		t.Errorf("best match: %+v", result.BestMatch)
	}

	stats, err := client.Reindex()
	if err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if stats.Indexed != 1 {
		t.Errorf("reindex indexed %d, want 1", stats.Indexed)
	}

	status, err := client.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Images != 1 || status.Engine.State != "ready" {
		t.Errorf("status: %+v", status)
	}

	updated, err := cat.Update(ctx, dogs.ID, &models.CategoryInput{Description: strPtr("faithful")})
	if err != nil || updated.Description != "faithful" {
		t.Errorf("update: %+v %v", updated, err)
	}
	if err := cat.Delete(ctx, dogs.ID); err != nil {
		t.Errorf("delete: %v", err)
	}
	if _, err := client.UpdateCategory(dogs.ID, &models.CategoryInput{Name: "x"}); err == nil {
		t.Error("expected an error updating a deleted category")
	}
	if _, err := client.WatchDirectories(); err == nil {
		t.Error("expected an error when watch is not enabled")
	}
}

func strPtr(s string) *string { return &s }

func TestLocalCatalog(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	components, err := initializeComponents(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer components.Close()

	var cat catalog = localCatalog{components: components}
	created, err := cat.Create(ctx, &models.CategoryInput{Name: "cats"})
	if err != nil {
		t.Fatal(err)
	}
	for i := uint8(0); i < 2; i++ {
		if _, err := components.Indexer.AddImage(ctx, created.ID, "tom.png", pngBytes(t, 100+i)); err != nil {
			t.Fatal(err)
		}
	}
	_, counts, err := cat.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[created.ID] != 2 {
		t.Errorf("count: got %d, want 2", counts[created.ID])
	}

	status, err := localStatus(ctx, cfg, components)
	if err != nil {
		t.Fatal(err)
	}
	if status.Categories != 1 || status.Images != 2 || status.Disk == nil || status.Disk.Files != 2 {
		t.Errorf("local status: %+v", status)
	}
}

func TestWatchTarget(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	components, err := initializeComponents(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer components.Close()

	dir := filepath.Join(t.TempDir(), "birds")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "robin.png")
	if err := os.WriteFile(path, pngBytes(t, 5), 0644); err != nil {
		t.Fatal(err)
	}

	target := watchTarget{idx: components.Indexer}
	if !target.Accepts(path) || target.Accepts(filepath.Join(dir, "notes.txt")) {
		t.Error("Accepts should match image extensions only")
	}
	if err := target.ImportFile(ctx, path); err != nil {
		t.Fatalf("ImportFile: %v", err)
	}
	if n, _ := components.Storage.CountImages(ctx); n != 1 {
		t.Errorf("images after import: %d", n)
	}
	if err := target.RemoveFile(ctx, path); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}
	if n, _ := components.Storage.CountImages(ctx); n != 0 {
		t.Errorf("images after remove: %d", n)
	}
}

func TestLoadConfig_prefersCwdConfigWhenDefaultPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
debug: true
server:
  host: "localhost"
  port: 8080
storage:
  database_path: "test.db"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chdir(origWd) }()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	// On macOS, cwd can be /private/var/... while configPath from t.TempDir() is /var/...; compare canonical paths.
	resolvedCanon, _ := filepath.EvalSymlinks(resolved)
	configPathCanon, _ := filepath.EvalSymlinks(configPath)
	if resolvedCanon != configPathCanon {
		t.Errorf("resolved path = %s (canon %s), want %s (canon %s)", resolved, resolvedCanon, configPath, configPathCanon)
	}
	if !cfg.Debug {
		t.Error("debug should be true from cwd config.yaml")
	}
}

func TestLoadConfig_usesExplicitPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  database_path: "test.db"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != configPath {
		t.Errorf("resolved path = %s, want %s", resolved, configPath)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
}
