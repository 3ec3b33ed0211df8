package models

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidQuery is returned by SearchQuery.Validate.
var ErrInvalidQuery = errors.New("invalid search query")

const (
	DefaultTopK = 10
	MaxTopK     = 100
)

// SearchQuery is an image similarity request. A nil Weight selects the configured default.
type SearchQuery struct {
	Image   []byte   `json:"-"`
	TopK    int      `json:"top_k,omitempty"`
	Weight  *float64 `json:"weight,omitempty"`
	Explain *bool    `json:"explain,omitempty"`
}

// Validate ensures the query has an image and a weight in [0,1], and normalizes TopK.
func (q *SearchQuery) Validate() error {
	if len(q.Image) == 0 {
		return fmt.Errorf("%w: image cannot be empty", ErrInvalidQuery)
	}
	if q.Weight != nil && (math.IsNaN(*q.Weight) || *q.Weight < 0 || *q.Weight > 1) {
		return fmt.Errorf("%w: weight %v outside [0,1]", ErrInvalidQuery, *q.Weight)
	}
	if q.TopK <= 0 {
		q.TopK = DefaultTopK
	}
	if q.TopK > MaxTopK {
		q.TopK = MaxTopK
	}
	return nil
}
