package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/hyperjump/miru/internal/models"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist. Foreign keys are enforced.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dbPath != MemoryPath {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == MemoryPath {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS categories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS images (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		filename TEXT NOT NULL UNIQUE,
		original_filename TEXT NOT NULL,
		category_id INTEGER NOT NULL,
		storage_path TEXT NOT NULL,
		content_hash TEXT NOT NULL DEFAULT '',
		source_path TEXT NOT NULL DEFAULT '',
		uploaded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (category_id) REFERENCES categories(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_images_category_id ON images(category_id);
	CREATE INDEX IF NOT EXISTS idx_images_content_hash ON images(content_hash);
	CREATE INDEX IF NOT EXISTS idx_images_source_path ON images(source_path);
	`
	_, err := db.Exec(schema)
	return err
}

// mapError converts driver errors into package errors.
func mapError(err error, what string) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %s", ErrConflict, what)
		case sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%w: %s references a missing record", ErrNotFound, what)
		}
	}
	return err
}

// CreateCategory inserts a category and sets its ID.
func (s *SQLiteStorage) CreateCategory(ctx context.Context, cat *models.Category) error {
	cat.Name = strings.TrimSpace(cat.Name)
	if cat.Name == "" {
		return fmt.Errorf("category name cannot be empty")
	}
	now := time.Now()
	cat.CreatedAt = now
	cat.UpdatedAt = now

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO categories (name, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?)`,
		cat.Name, cat.Description, cat.CreatedAt, cat.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "category "+cat.Name)
	}
	cat.ID, err = result.LastInsertId()
	return err
}

const categoryColumns = `id, name, description, created_at, updated_at`

func scanCategory(row interface{ Scan(...any) error }) (*models.Category, error) {
	var cat models.Category
	if err := row.Scan(&cat.ID, &cat.Name, &cat.Description, &cat.CreatedAt, &cat.UpdatedAt); err != nil {
		return nil, err
	}
	return &cat, nil
}

// GetCategory returns a category by ID.
func (s *SQLiteStorage) GetCategory(ctx context.Context, id int64) (*models.Category, error) {
	cat, err := scanCategory(s.db.QueryRowContext(ctx,
		`SELECT `+categoryColumns+` FROM categories WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: category %d", ErrNotFound, id)
	}
	return cat, err
}

// GetCategoryByName returns a category by its unique name.
func (s *SQLiteStorage) GetCategoryByName(ctx context.Context, name string) (*models.Category, error) {
	cat, err := scanCategory(s.db.QueryRowContext(ctx,
		`SELECT `+categoryColumns+` FROM categories WHERE name = ?`, strings.TrimSpace(name)))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: category %q", ErrNotFound, name)
	}
	return cat, err
}

// UpdateCategory updates name and description.
func (s *SQLiteStorage) UpdateCategory(ctx context.Context, cat *models.Category) error {
	cat.Name = strings.TrimSpace(cat.Name)
	if cat.Name == "" {
		return fmt.Errorf("category name cannot be empty")
	}
	cat.UpdatedAt = time.Now()

	result, err := s.db.ExecContext(ctx,
		`UPDATE categories SET name = ?, description = ?, updated_at = ? WHERE id = ?`,
		cat.Name, cat.Description, cat.UpdatedAt, cat.ID,
	)
	if err != nil {
		return mapError(err, "category "+cat.Name)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: category %d", ErrNotFound, cat.ID)
	}
	return nil
}

// DeleteCategory removes a category and its images.
func (s *SQLiteStorage) DeleteCategory(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM categories WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: category %d", ErrNotFound, id)
	}
	return nil
}

// ListCategories returns all categories ordered by name.
func (s *SQLiteStorage) ListCategories(ctx context.Context) ([]*models.Category, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+categoryColumns+` FROM categories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cats := make([]*models.Category, 0)
	for rows.Next() {
		cat, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		cats = append(cats, cat)
	}
	return cats, rows.Err()
}

// CreateImage inserts an image record and sets its ID.
func (s *SQLiteStorage) CreateImage(ctx context.Context, img *models.Image) error {
	now := time.Now()
	img.UploadedAt = now
	img.UpdatedAt = now

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO images (filename, original_filename, category_id, storage_path, content_hash, source_path, uploaded_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		img.Filename, img.OriginalFilename, img.CategoryID, img.StorageLocator,
		img.ContentHash, img.SourcePath, img.UploadedAt, img.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "image "+img.Filename)
	}
	img.ID, err = result.LastInsertId()
	return err
}

const imageColumns = `id, filename, original_filename, category_id, storage_path, content_hash, source_path, uploaded_at, updated_at`

func scanImage(row interface{ Scan(...any) error }) (*models.Image, error) {
	var img models.Image
	if err := row.Scan(&img.ID, &img.Filename, &img.OriginalFilename, &img.CategoryID,
		&img.StorageLocator, &img.ContentHash, &img.SourcePath, &img.UploadedAt, &img.UpdatedAt); err != nil {
		return nil, err
	}
	return &img, nil
}

func (s *SQLiteStorage) queryImage(ctx context.Context, what, where string, arg any) (*models.Image, error) {
	img, err := scanImage(s.db.QueryRowContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE `+where+` LIMIT 1`, arg))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: image %s", ErrNotFound, what)
	}
	return img, err
}

// GetImage returns an image by ID.
func (s *SQLiteStorage) GetImage(ctx context.Context, id int64) (*models.Image, error) {
	return s.queryImage(ctx, fmt.Sprint(id), "id = ?", id)
}

// GetImageBySourcePath returns the image imported from path.
func (s *SQLiteStorage) GetImageBySourcePath(ctx context.Context, path string) (*models.Image, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: image with empty source path", ErrNotFound)
	}
	return s.queryImage(ctx, path, "source_path = ?", path)
}

// FindImageByHash returns an image with the given content hash.
func (s *SQLiteStorage) FindImageByHash(ctx context.Context, hash string) (*models.Image, error) {
	if hash == "" {
		return nil, fmt.Errorf("%w: image with empty hash", ErrNotFound)
	}
	return s.queryImage(ctx, "hash "+hash, "content_hash = ?", hash)
}

// DeleteImage removes an image record.
func (s *SQLiteStorage) DeleteImage(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: image %d", ErrNotFound, id)
	}
	return nil
}

// ListImages returns images ordered by ID with offset and limit.
func (s *SQLiteStorage) ListImages(ctx context.Context, offset, limit int) ([]*models.Image, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.listImages(ctx,
		`SELECT `+imageColumns+` FROM images ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
}

// ListImagesByCategory returns the images of one category ordered by ID.
func (s *SQLiteStorage) ListImagesByCategory(ctx context.Context, categoryID int64) ([]*models.Image, error) {
	return s.listImages(ctx,
		`SELECT `+imageColumns+` FROM images WHERE category_id = ? ORDER BY id`, categoryID)
}

func (s *SQLiteStorage) listImages(ctx context.Context, query string, args ...any) ([]*models.Image, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	images := make([]*models.Image, 0)
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// CountCategories returns the number of categories.
func (s *SQLiteStorage) CountCategories(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM categories`).Scan(&n)
	return n, err
}

// CountImages returns the number of images.
func (s *SQLiteStorage) CountImages(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images`).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
