// Package indexer keeps the catalog, the image store and the retrieval engine in step.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/fileid"
	"github.com/hyperjump/miru/internal/imagestore"
	"github.com/hyperjump/miru/internal/imaging"
	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/search"
	"github.com/hyperjump/miru/internal/storage"
)

var (
	// ErrInvalidImage is returned when uploaded bytes are not a supported image.
	ErrInvalidImage = errors.New("invalid image")
	// ErrInvalidInput is returned for malformed category or image input.
	ErrInvalidInput = errors.New("invalid input")
)

// Engine is the part of the retrieval engine the indexer drives.
type Engine interface {
	RebuildFrom(ctx context.Context, load search.CorpusLoader) (*search.BuildStats, error)
	AddOne(ctx context.Context, img *models.Image) error
	UpdateCategory(ctx context.Context, cat *models.Category) error
}

// AddResult is the outcome of adding an image.
type AddResult struct {
	Image *models.Image `json:"image"`
	// Duplicate is set when identical bytes were already stored; Image is then the existing record.
	Duplicate bool `json:"duplicate"`
}

// ImportStats summarizes a directory import.
type ImportStats struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Indexer applies catalog changes to storage, the image store and the engine.
type Indexer struct {
	storage    storage.Storage
	images     imagestore.Store
	engine     Engine
	extensions []string
	logger     *zap.Logger
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for debug output (image added, file skipped, etc.).
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = l }
}

// WithExtensions restricts imports to the given extensions (case-insensitive).
// Extensions that are not supported image formats are ignored.
func WithExtensions(exts []string) IndexerOption {
	return func(idx *Indexer) { idx.extensions = exts }
}

// NewIndexer creates an indexer with the given dependencies.
func NewIndexer(store storage.Storage, images imagestore.Store, engine Engine, opts ...IndexerOption) *Indexer {
	idx := &Indexer{
		storage: store,
		images:  images,
		engine:  engine,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Rebuild loads the whole catalog and rebuilds the engine from it. The
// engine starts journaling before the catalog is listed.
func (idx *Indexer) Rebuild(ctx context.Context) (*search.BuildStats, error) {
	return idx.engine.RebuildFrom(ctx, idx.loadCorpus)
}

func (idx *Indexer) loadCorpus(ctx context.Context) ([]*models.Image, []*models.Category, error) {
	categories, err := idx.storage.ListCategories(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list categories: %w", err)
	}
	images, err := idx.storage.ListImages(ctx, 0, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list images: %w", err)
	}
	return images, categories, nil
}

// rebuildAfterChange rebuilds after a deletion. A superseded rebuild is not
// an error: the newer one already reads the current catalog.
func (idx *Indexer) rebuildAfterChange(ctx context.Context, reason string) error {
	if _, err := idx.Rebuild(ctx); err != nil {
		if errors.Is(err, search.ErrRebuildSuperseded) {
			idx.logger.Debug("rebuild superseded", zap.String("reason", reason))
			return nil
		}
		return fmt.Errorf("rebuild after %s: %w", reason, err)
	}
	return nil
}

// syncCategory pushes a category change into the engine. An engine that has
// not been built yet picks the change up on its first rebuild.
func (idx *Indexer) syncCategory(ctx context.Context, cat *models.Category) error {
	if err := idx.engine.UpdateCategory(ctx, cat); err != nil && !errors.Is(err, search.ErrNotInitialized) {
		return err
	}
	return nil
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// CreateCategory stores a new category and registers its description anchor.
func (idx *Indexer) CreateCategory(ctx context.Context, input *models.CategoryInput) (*models.Category, error) {
	name := normalizeText(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: category name cannot be empty", ErrInvalidInput)
	}
	cat := &models.Category{Name: name}
	if input.Description != nil {
		cat.Description = normalizeText(*input.Description)
	}
	if err := idx.storage.CreateCategory(ctx, cat); err != nil {
		return nil, err
	}
	if err := idx.syncCategory(ctx, cat); err != nil {
		idx.logger.Warn("category anchor not updated", zap.Int64("category_id", cat.ID), zap.Error(err))
	}
	idx.logger.Debug("category created", zap.Int64("category_id", cat.ID), zap.String("name", cat.Name))
	return cat, nil
}

// UpdateCategory renames a category and/or replaces its description. A nil
// description keeps the current one; the anchor is recomputed when it changes.
func (idx *Indexer) UpdateCategory(ctx context.Context, id int64, input *models.CategoryInput) (*models.Category, error) {
	cat, err := idx.storage.GetCategory(ctx, id)
	if err != nil {
		return nil, err
	}
	if name := normalizeText(input.Name); name != "" {
		cat.Name = name
	}
	if input.Description != nil {
		cat.Description = normalizeText(*input.Description)
	}
	if err := idx.storage.UpdateCategory(ctx, cat); err != nil {
		return nil, err
	}
	if err := idx.syncCategory(ctx, cat); err != nil {
		return nil, fmt.Errorf("update category anchor: %w", err)
	}
	return cat, nil
}

// DeleteCategory removes the category with its images and stored files, then rebuilds.
func (idx *Indexer) DeleteCategory(ctx context.Context, id int64) error {
	members, err := idx.storage.ListImagesByCategory(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to list category images: %w", err)
	}
	if err := idx.storage.DeleteCategory(ctx, id); err != nil {
		return err
	}
	for _, img := range members {
		idx.deleteFile(ctx, img)
	}
	idx.logger.Debug("category deleted", zap.Int64("category_id", id), zap.Int("images", len(members)))
	return idx.rebuildAfterChange(ctx, "category delete")
}

// AddImage validates and stores an image and appends it to the live index.
// Bytes identical to a stored image are not stored twice.
func (idx *Indexer) AddImage(ctx context.Context, categoryID int64, originalName string, data []byte) (*AddResult, error) {
	return idx.addImage(ctx, categoryID, originalName, "", data)
}

func (idx *Indexer) addImage(ctx context.Context, categoryID int64, originalName, sourcePath string, data []byte) (*AddResult, error) {
	if _, err := imaging.Validate(data); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidImage, originalName, err)
	}
	if _, err := idx.storage.GetCategory(ctx, categoryID); err != nil {
		return nil, err
	}
	hash := fileid.ContentHash(data)
	if existing, err := idx.storage.FindImageByHash(ctx, hash); err == nil {
		idx.logger.Debug("duplicate image content", zap.Int64("image_id", existing.ID), zap.String("name", originalName))
		return &AddResult{Image: existing, Duplicate: true}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	locator, err := idx.images.Save(ctx, originalName, data)
	if err != nil {
		return nil, fmt.Errorf("failed to store image: %w", err)
	}
	img := &models.Image{
		Filename:         path.Base(locator),
		OriginalFilename: filepath.Base(originalName),
		CategoryID:       categoryID,
		StorageLocator:   locator,
		ContentHash:      hash,
		SourcePath:       sourcePath,
	}
	if err := idx.storage.CreateImage(ctx, img); err != nil {
		_ = idx.images.Delete(ctx, locator)
		return nil, err
	}
	if err := idx.engine.AddOne(ctx, img); err != nil {
		if !errors.Is(err, search.ErrNotInitialized) {
			// keep catalog and index consistent
			_ = idx.storage.DeleteImage(ctx, img.ID)
			_ = idx.images.Delete(ctx, locator)
			return nil, fmt.Errorf("failed to index image: %w", err)
		}
		idx.logger.Debug("engine not initialized, image indexed on next rebuild", zap.Int64("image_id", img.ID))
	}
	idx.logger.Debug("image added", zap.Int64("image_id", img.ID), zap.Int64("category_id", categoryID))
	return &AddResult{Image: img}, nil
}

// DeleteImage removes the image record and its stored file, then rebuilds.
func (idx *Indexer) DeleteImage(ctx context.Context, id int64) error {
	img, err := idx.storage.GetImage(ctx, id)
	if err != nil {
		return err
	}
	if err := idx.storage.DeleteImage(ctx, id); err != nil {
		return err
	}
	idx.deleteFile(ctx, img)
	idx.logger.Debug("image deleted", zap.Int64("image_id", id))
	return idx.rebuildAfterChange(ctx, "image delete")
}

func (idx *Indexer) deleteFile(ctx context.Context, img *models.Image) {
	if err := idx.images.Delete(ctx, img.StorageLocator); err != nil {
		idx.logger.Warn("stored image not removed", zap.Int64("image_id", img.ID), zap.Error(err))
	}
}

// Accepts reports whether path has an extension the indexer imports.
func (idx *Indexer) Accepts(p string) bool {
	if !imaging.Supported(p) {
		return false
	}
	return len(idx.extensions) == 0 || extensionAllowed(filepath.Ext(p), idx.extensions)
}

func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}

// ImportFile imports an image file into the category named after its parent
// directory, creating the category when missing. A file already imported
// with the same content is skipped and its record returned. A changed file
// replaces its previous record.
func (idx *Indexer) ImportFile(ctx context.Context, p string) (*AddResult, error) {
	absPath, err := fileid.SourcePath(p)
	if err != nil {
		return nil, err
	}
	if !idx.Accepts(absPath) {
		return nil, fmt.Errorf("%w: extension %q not accepted", ErrInvalidInput, filepath.Ext(absPath))
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: not a regular file: %s", ErrInvalidInput, absPath)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	replaced := false
	previous, err := idx.storage.GetImageBySourcePath(ctx, absPath)
	switch {
	case err == nil && previous.ContentHash == fileid.ContentHash(data):
		idx.logger.Debug("indexer skipping unchanged file", zap.String("path", absPath))
		return &AddResult{Image: previous, Duplicate: true}, nil
	case err == nil:
		if err := idx.storage.DeleteImage(ctx, previous.ID); err != nil {
			return nil, err
		}
		idx.deleteFile(ctx, previous)
		replaced = true
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	cat, err := idx.categoryFor(ctx, fileid.CategoryName(absPath))
	if err != nil {
		return nil, err
	}
	result, err := idx.addImage(ctx, cat.ID, filepath.Base(absPath), absPath, data)
	if err != nil {
		return nil, err
	}
	if replaced {
		if err := idx.rebuildAfterChange(ctx, "file change"); err != nil {
			return nil, err
		}
	}
	idx.logger.Debug("indexer file imported", zap.String("path", absPath), zap.Int64("image_id", result.Image.ID))
	return result, nil
}

// categoryFor returns the named category, creating it with an empty description.
func (idx *Indexer) categoryFor(ctx context.Context, name string) (*models.Category, error) {
	name = normalizeText(name)
	cat, err := idx.storage.GetCategoryByName(ctx, name)
	if err == nil {
		return cat, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	cat, err = idx.CreateCategory(ctx, &models.CategoryInput{Name: name})
	if errors.Is(err, storage.ErrConflict) {
		// created concurrently
		return idx.storage.GetCategoryByName(ctx, name)
	}
	return cat, err
}

// ImportDirectory walks dir recursively and imports every accepted file.
// Files that fail are logged and counted; the walk continues.
func (idx *Indexer) ImportDirectory(ctx context.Context, dir string) (*ImportStats, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return nil, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: not a directory: %s", ErrInvalidInput, absDir)
	}
	stats := &ImportStats{}
	err = filepath.WalkDir(absDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !idx.Accepts(p) {
			return nil
		}
		result, importErr := idx.ImportFile(ctx, p)
		switch {
		case importErr != nil:
			idx.logger.Warn("import failed", zap.String("path", p), zap.Error(importErr))
			stats.Failed++
		case result.Duplicate:
			stats.Skipped++
		default:
			stats.Imported++
		}
		return nil
	})
	return stats, err
}

// RemoveFile deletes the image imported from path, if any.
func (idx *Indexer) RemoveFile(ctx context.Context, p string) error {
	absPath, err := fileid.SourcePath(p)
	if err != nil {
		return err
	}
	img, err := idx.storage.GetImageBySourcePath(ctx, absPath)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return idx.DeleteImage(ctx, img.ID)
}
