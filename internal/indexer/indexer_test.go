package indexer

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperjump/miru/internal/embedding"
	"github.com/hyperjump/miru/internal/imagestore"
	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/search"
	"github.com/hyperjump/miru/internal/storage"
)

func TestExtensionAllowed(t *testing.T) {
	tests := []struct {
		ext     string
		allowed []string
		want    bool
	}{
		{".jpg", []string{".jpg", ".png"}, true},
		{".JPG", []string{".jpg"}, true},
		{".png", []string{"jpg", "png"}, true},
		{".gif", []string{".jpg"}, false},
		{"", []string{".jpg"}, false},
	}
	for _, tt := range tests {
		got := extensionAllowed(tt.ext, tt.allowed)
		if got != tt.want {
			t.Errorf("extensionAllowed(%q, %v) = %v, want %v", tt.ext, tt.allowed, got, tt.want)
		}
	}
}

// pngBytes returns a small solid-color PNG; distinct shades give distinct bytes.
func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: shade, G: 255 - shade, B: shade / 2, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type fixture struct {
	idx    *Indexer
	store  *storage.SQLiteStorage
	images *imagestore.DiskStore
	engine *search.Engine
}

func newFixture(t *testing.T, opts ...IndexerOption) *fixture {
	t.Helper()
	store, err := storage.NewSQLiteStorage(storage.MemoryPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	images, err := imagestore.NewDiskStore(filepath.Join(t.TempDir(), "images"))
	if err != nil {
		t.Fatal(err)
	}
	provider := embedding.NewMockProvider(16, 8)
	engine, err := search.NewEngine(provider, images, search.WithLookup(store))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(engine.Close)
	return &fixture{
		idx:    NewIndexer(store, images, engine, opts...),
		store:  store,
		images: images,
		engine: engine,
	}
}

func (f *fixture) category(t *testing.T, name, desc string) *models.Category {
	t.Helper()
	cat, err := f.idx.CreateCategory(context.Background(), &models.CategoryInput{Name: name, Description: &desc})
	if err != nil {
		t.Fatal(err)
	}
	return cat
}

func (f *fixture) rebuild(t *testing.T) *search.BuildStats {
	t.Helper()
	stats, err := f.idx.Rebuild(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return stats
}

func TestIndexer_AddImageBeforeRebuild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dogs := f.category(t, "dogs", "")

	res, err := f.idx.AddImage(ctx, dogs.ID, "rex.png", pngBytes(t, 10))
	if err != nil {
		t.Fatal(err)
	}
	if res.Duplicate || res.Image.ID == 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Image.OriginalFilename != "rex.png" || res.Image.ContentHash == "" {
		t.Errorf("unexpected record %+v", res.Image)
	}

	stats := f.rebuild(t)
	if stats.Indexed != 1 || stats.Skipped != 0 {
		t.Errorf("rebuild stats %+v", stats)
	}
}

func TestIndexer_AddImageLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dogs := f.category(t, "dogs", "loyal animals")
	f.rebuild(t)

	data := pngBytes(t, 20)
	res, err := f.idx.AddImage(ctx, dogs.ID, "rex.png", data)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.engine.Stats().Images; got != 1 {
		t.Errorf("engine images = %d, want 1", got)
	}

	result, err := f.engine.Search(ctx, &models.SearchQuery{Image: data})
	if err != nil {
		t.Fatal(err)
	}
	if result.BestMatch == nil || result.BestMatch.Image.ID != res.Image.ID {
		t.Fatalf("expected best match %d, got %+v", res.Image.ID, result.BestMatch)
	}
	if result.BestMatch.VisualSimilarity < 0.999 {
		t.Errorf("identical image should score ~1, got %v", result.BestMatch.VisualSimilarity)
	}
}

// listHookStorage runs afterList once the image listing has been read.
type listHookStorage struct {
	storage.Storage
	afterList func()
}

func (s *listHookStorage) ListImages(ctx context.Context, offset, limit int) ([]*models.Image, error) {
	images, err := s.Storage.ListImages(ctx, offset, limit)
	if err == nil && s.afterList != nil {
		s.afterList()
		s.afterList = nil
	}
	return images, err
}

func TestIndexer_AddAfterRebuildListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dogs := f.category(t, "dogs", "")
	for shade := uint8(1); shade <= 3; shade++ {
		if _, err := f.idx.AddImage(ctx, dogs.ID, "dog.png", pngBytes(t, shade*10)); err != nil {
			t.Fatal(err)
		}
	}
	f.rebuild(t)

	var addErr error
	hooked := &listHookStorage{Storage: f.store}
	hooked.afterList = func() {
		_, addErr = f.idx.AddImage(ctx, dogs.ID, "late.png", pngBytes(t, 90))
	}
	rebuilder := NewIndexer(hooked, f.images, f.engine)
	if _, err := rebuilder.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	if addErr != nil {
		t.Fatal(addErr)
	}
	if got := f.engine.Stats().Images; got != 4 {
		t.Errorf("engine images = %d, want 4", got)
	}
}

func TestIndexer_AddImageDuplicateContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dogs := f.category(t, "dogs", "")
	f.rebuild(t)

	data := pngBytes(t, 30)
	first, err := f.idx.AddImage(ctx, dogs.ID, "a.png", data)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.idx.AddImage(ctx, dogs.ID, "b.png", data)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate || second.Image.ID != first.Image.ID {
		t.Errorf("expected duplicate of %d, got %+v", first.Image.ID, second)
	}
	n, _ := f.store.CountImages(ctx)
	if n != 1 {
		t.Errorf("expected 1 stored image, got %d", n)
	}
	if got := f.engine.Stats().Images; got != 1 {
		t.Errorf("engine images = %d, want 1", got)
	}
}

func TestIndexer_AddImageInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dogs := f.category(t, "dogs", "")

	_, err := f.idx.AddImage(ctx, dogs.ID, "notes.png", []byte("not an image"))
	if !errors.Is(err, ErrInvalidImage) {
		t.Errorf("expected ErrInvalidImage, got %v", err)
	}
	_, err = f.idx.AddImage(ctx, 999, "rex.png", pngBytes(t, 40))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected storage.ErrNotFound for missing category, got %v", err)
	}
	n, _ := f.store.CountImages(ctx)
	if n != 0 {
		t.Errorf("expected no stored images, got %d", n)
	}
	entries, _ := os.ReadDir(f.images.Dir())
	if len(entries) != 0 {
		t.Errorf("expected no stored files, got %d", len(entries))
	}
}

func TestIndexer_DeleteImage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dogs := f.category(t, "dogs", "")
	f.rebuild(t)

	a, _ := f.idx.AddImage(ctx, dogs.ID, "a.png", pngBytes(t, 50))
	if _, err := f.idx.AddImage(ctx, dogs.ID, "b.png", pngBytes(t, 60)); err != nil {
		t.Fatal(err)
	}
	if err := f.idx.DeleteImage(ctx, a.Image.ID); err != nil {
		t.Fatal(err)
	}
	if got := f.engine.Stats().Images; got != 1 {
		t.Errorf("engine images after delete = %d, want 1", got)
	}
	if _, err := f.images.Load(ctx, a.Image.StorageLocator); !errors.Is(err, imagestore.ErrNotFound) {
		t.Errorf("stored file should be removed, got %v", err)
	}
	if err := f.idx.DeleteImage(ctx, a.Image.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second delete: expected storage.ErrNotFound, got %v", err)
	}
}

func TestIndexer_CategoryLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rebuild(t)

	if _, err := f.idx.CreateCategory(ctx, &models.CategoryInput{Name: "   "}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for blank name, got %v", err)
	}

	dogs := f.category(t, "  big   dogs ", "  loyal\nanimals ")
	if dogs.Name != "big dogs" || dogs.Description != "loyal animals" {
		t.Errorf("text should be normalized, got %q / %q", dogs.Name, dogs.Description)
	}
	if got := f.engine.Stats().Profiles; got != 1 {
		t.Errorf("profiles = %d, want 1", got)
	}

	empty := ""
	updated, err := f.idx.UpdateCategory(ctx, dogs.ID, &models.CategoryInput{Description: &empty})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Name != "big dogs" || updated.Description != "" {
		t.Errorf("unexpected update result %+v", updated)
	}
	if got := f.engine.Stats().Profiles; got != 0 {
		t.Errorf("clearing the description should drop the anchor, profiles = %d", got)
	}

	if _, err := f.idx.UpdateCategory(ctx, 999, &models.CategoryInput{Name: "x"}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected storage.ErrNotFound, got %v", err)
	}
}

func TestIndexer_DeleteCategory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dogs := f.category(t, "dogs", "")
	cats := f.category(t, "cats", "")
	f.rebuild(t)

	a, _ := f.idx.AddImage(ctx, dogs.ID, "a.png", pngBytes(t, 70))
	if _, err := f.idx.AddImage(ctx, cats.ID, "b.png", pngBytes(t, 80)); err != nil {
		t.Fatal(err)
	}
	if err := f.idx.DeleteCategory(ctx, dogs.ID); err != nil {
		t.Fatal(err)
	}
	st := f.engine.Stats()
	if st.Images != 1 || st.Categories != 1 {
		t.Errorf("after delete: %+v", st)
	}
	if _, err := f.images.Load(ctx, a.Image.StorageLocator); !errors.Is(err, imagestore.ErrNotFound) {
		t.Errorf("member file should be removed, got %v", err)
	}
}

func writeImage(t *testing.T, path string, shade uint8) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, pngBytes(t, shade), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestIndexer_ImportDirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "dogs", "rex.png"), 90)
	writeImage(t, filepath.Join(root, "dogs", "fido.png"), 100)
	writeImage(t, filepath.Join(root, "cats", "tom.png"), 110)
	if err := os.WriteFile(filepath.Join(root, "cats", "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "cats", "broken.png"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	stats, err := f.idx.ImportDirectory(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Imported != 3 || stats.Failed != 1 || stats.Skipped != 0 {
		t.Errorf("first import: %+v", stats)
	}
	cats, _ := f.store.ListCategories(ctx)
	if len(cats) != 2 || cats[0].Name != "cats" || cats[1].Name != "dogs" {
		t.Errorf("expected categories [cats dogs], got %d", len(cats))
	}

	stats, err = f.idx.ImportDirectory(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Imported != 0 || stats.Skipped != 3 {
		t.Errorf("second import should skip unchanged files: %+v", stats)
	}

	build := f.rebuild(t)
	if build.Indexed != 3 {
		t.Errorf("indexed = %d, want 3", build.Indexed)
	}

	if _, err := f.idx.ImportDirectory(ctx, filepath.Join(root, "missing")); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestIndexer_ImportFileChangedAndRemoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rebuild(t)
	path := filepath.Join(t.TempDir(), "dogs", "rex.png")
	writeImage(t, path, 120)

	first, err := f.idx.ImportFile(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	writeImage(t, path, 130)
	second, err := f.idx.ImportFile(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if second.Duplicate || second.Image.ID == first.Image.ID {
		t.Errorf("changed file should replace the record, got %+v", second)
	}
	n, _ := f.store.CountImages(ctx)
	if n != 1 {
		t.Errorf("expected 1 image after replace, got %d", n)
	}
	if got := f.engine.Stats().Images; got != 1 {
		t.Errorf("engine images = %d, want 1", got)
	}

	if err := f.idx.RemoveFile(ctx, path); err != nil {
		t.Fatal(err)
	}
	n, _ = f.store.CountImages(ctx)
	if n != 0 {
		t.Errorf("expected 0 images after remove, got %d", n)
	}
	if err := f.idx.RemoveFile(ctx, path); err != nil {
		t.Errorf("removing an unknown file should succeed, got %v", err)
	}
}

func TestIndexer_ImportFileFiltered(t *testing.T) {
	f := newFixture(t, WithExtensions([]string{".jpg"}))
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dogs", "rex.png")
	writeImage(t, path, 140)

	if _, err := f.idx.ImportFile(ctx, path); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for filtered extension, got %v", err)
	}
	if f.idx.Accepts("doc.txt") {
		t.Error("non-image files should never be accepted")
	}
	if _, err := f.idx.ImportFile(ctx, filepath.Join(filepath.Dir(path), "none.jpg")); err == nil {
		t.Error("expected error for missing file")
	}
}
