// Package embedding turns images and text into vectors, and images into captions.
package embedding

import (
	"context"
	"errors"
)

// ErrClosed is returned by providers after Close.
var ErrClosed = errors.New("embedding provider closed")

// ImageEmbedder produces image-space vectors.
type ImageEmbedder interface {
	ImageEmbedding(ctx context.Context, image []byte) ([]float32, error)
	ImageDimensions() int
}

// TextEmbedder produces text-space vectors.
type TextEmbedder interface {
	TextEmbedding(ctx context.Context, text string) ([]float32, error)
	TextDimensions() int
}

// Describer captions images and translates text. Both are best effort:
// Caption returns "" when no caption is available, Translate returns its
// input unchanged on failure.
type Describer interface {
	Caption(ctx context.Context, image []byte) (string, error)
	Translate(ctx context.Context, text string) string
}

// Provider is the full capability set consumed by the retrieval engine.
type Provider interface {
	ImageEmbedder
	TextEmbedder
	Describer
	Close() error
}
