// Package storage defines the persistence interface for categories and images.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/miru/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint is violated.
	ErrConflict = errors.New("already exists")
)

// Storage defines category and image persistence operations.
type Storage interface {
	// Category operations
	CreateCategory(ctx context.Context, cat *models.Category) error
	GetCategory(ctx context.Context, id int64) (*models.Category, error)
	GetCategoryByName(ctx context.Context, name string) (*models.Category, error)
	UpdateCategory(ctx context.Context, cat *models.Category) error
	// DeleteCategory removes the category and, by cascade, its images.
	DeleteCategory(ctx context.Context, id int64) error
	ListCategories(ctx context.Context) ([]*models.Category, error)

	// Image operations
	CreateImage(ctx context.Context, img *models.Image) error
	GetImage(ctx context.Context, id int64) (*models.Image, error)
	GetImageBySourcePath(ctx context.Context, path string) (*models.Image, error)
	FindImageByHash(ctx context.Context, hash string) (*models.Image, error)
	DeleteImage(ctx context.Context, id int64) error
	// ListImages returns images in insertion order. A limit <= 0 returns all.
	ListImages(ctx context.Context, offset, limit int) ([]*models.Image, error)
	ListImagesByCategory(ctx context.Context, categoryID int64) ([]*models.Image, error)

	// Stats
	CountCategories(ctx context.Context) (int64, error)
	CountImages(ctx context.Context) (int64, error)

	Close() error
}
