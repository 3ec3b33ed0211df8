package main

import (
	"context"

	"github.com/hyperjump/miru/internal/models"
)

// catalog manages categories either through a running server or directly
// against local storage.
type catalog interface {
	List(ctx context.Context) ([]*models.Category, map[int64]int, error)
	Create(ctx context.Context, input *models.CategoryInput) (*models.Category, error)
	Update(ctx context.Context, id int64, input *models.CategoryInput) (*models.Category, error)
	Delete(ctx context.Context, id int64) error
}

type remoteCatalog struct {
	client *apiClient
}

func (r remoteCatalog) List(_ context.Context) ([]*models.Category, map[int64]int, error) {
	cats, err := r.client.ListCategories()
	if err != nil {
		return nil, nil, err
	}
	counts := make(map[int64]int, len(cats))
	for _, c := range cats {
		n, err := r.client.CategoryImageCount(c.ID)
		if err != nil {
			return nil, nil, err
		}
		counts[c.ID] = n
	}
	return cats, counts, nil
}

func (r remoteCatalog) Create(_ context.Context, input *models.CategoryInput) (*models.Category, error) {
	return r.client.CreateCategory(input)
}

func (r remoteCatalog) Update(_ context.Context, id int64, input *models.CategoryInput) (*models.Category, error) {
	return r.client.UpdateCategory(id, input)
}

func (r remoteCatalog) Delete(_ context.Context, id int64) error {
	return r.client.DeleteCategory(id)
}

type localCatalog struct {
	components *Components
}

func (l localCatalog) List(ctx context.Context) ([]*models.Category, map[int64]int, error) {
	cats, err := l.components.Storage.ListCategories(ctx)
	if err != nil {
		return nil, nil, err
	}
	images, err := l.components.Storage.ListImages(ctx, 0, 0)
	if err != nil {
		return nil, nil, err
	}
	counts := make(map[int64]int, len(cats))
	for _, img := range images {
		counts[img.CategoryID]++
	}
	return cats, counts, nil
}

func (l localCatalog) Create(ctx context.Context, input *models.CategoryInput) (*models.Category, error) {
	return l.components.Indexer.CreateCategory(ctx, input)
}

func (l localCatalog) Update(ctx context.Context, id int64, input *models.CategoryInput) (*models.Category, error) {
	return l.components.Indexer.UpdateCategory(ctx, id, input)
}

func (l localCatalog) Delete(ctx context.Context, id int64) error {
	return l.components.Indexer.DeleteCategory(ctx, id)
}
