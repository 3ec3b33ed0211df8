// Package vector provides an exact inner-product index over unit vectors.
package vector

import "errors"

var (
	// ErrDimensionMismatch is returned when a vector length differs from the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrEmptyIndex is returned by Search when the index holds no vectors.
	ErrEmptyIndex = errors.New("vector index is empty")
)

// Hit is a single search hit. Slot is the zero-based insertion position.
type Hit struct {
	Slot  int
	Score float64 // Inner product clamped to [0,1]
}
