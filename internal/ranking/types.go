// Package ranking blends visual and category similarity into a ranked, explained result.
package ranking

import (
	"context"

	"github.com/hyperjump/miru/internal/embedding"
	"github.com/hyperjump/miru/internal/models"
)

// Candidate is one resolved ANN hit under ranking.
type Candidate struct {
	Slot               int
	Image              *models.Image
	Category           *models.Category
	VisualSimilarity   float64
	CategorySimilarity float64
	CombinedScore      float64
}

// QueryProvider is what ranking needs from the embedding provider.
type QueryProvider interface {
	embedding.TextEmbedder
	embedding.Describer
}

// ImageLoader returns stored image bytes by storage locator.
type ImageLoader interface {
	Load(ctx context.Context, locator string) ([]byte, error)
}

// QueryContext caches per-search derived values: the query caption, its text
// embedding and the category similarity per category. It lives for one search.
type QueryContext struct {
	ctx         context.Context
	provider    QueryProvider
	image       []byte
	imageVector []float32

	captionDone bool
	caption     string
	captionErr  error

	textDone   bool
	textVector []float32

	categoryScores map[int64]float64
}

// NewQueryContext creates the context for a single search.
func NewQueryContext(ctx context.Context, provider QueryProvider, image []byte, imageVector []float32) *QueryContext {
	return &QueryContext{
		ctx:            ctx,
		provider:       provider,
		image:          image,
		imageVector:    imageVector,
		categoryScores: make(map[int64]float64),
	}
}

// Context returns the search's context.
func (q *QueryContext) Context() context.Context {
	return q.ctx
}

// ImageVector returns the normalized query image embedding.
func (q *QueryContext) ImageVector() []float32 {
	return q.imageVector
}

// Caption returns the query image caption, requested at most once.
func (q *QueryContext) Caption() (string, error) {
	if !q.captionDone {
		q.captionDone = true
		q.caption, q.captionErr = q.provider.Caption(q.ctx, q.image)
	}
	return q.caption, q.captionErr
}

// TextVector returns the text embedding of the translated query caption,
// computed at most once. ok is false when no caption is available.
func (q *QueryContext) TextVector() ([]float32, bool) {
	if !q.textDone {
		q.textDone = true
		caption, err := q.Caption()
		if err == nil && caption != "" {
			translated := q.provider.Translate(q.ctx, caption)
			if vec, err := q.provider.TextEmbedding(q.ctx, translated); err == nil {
				q.textVector = vec
			}
		}
	}
	return q.textVector, q.textVector != nil
}
