package vector

import (
	"fmt"
	"sort"
)

// FlatIndex is an append-only, brute-force inner product index. Vectors are
// L2-normalized on insert; slots are dense and never reused.
//
// A FlatIndex is not safe for concurrent mutation. Readers may share an index
// that is no longer appended to; use Clone to derive a writable sibling.
type FlatIndex struct {
	dimensions int
	vectors    [][]float32
}

// NewFlatIndex creates an empty index for vectors of the given dimension.
func NewFlatIndex(dimensions int) (*FlatIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &FlatIndex{
		dimensions: dimensions,
		vectors:    make([][]float32, 0),
	}, nil
}

// Dimensions returns the fixed vector dimension.
func (f *FlatIndex) Dimensions() int {
	return f.dimensions
}

// Size returns the number of vectors in the index.
func (f *FlatIndex) Size() int {
	return len(f.vectors)
}

// Append normalizes a copy of vec, stores it and returns its slot.
func (f *FlatIndex) Append(vec []float32) (int, error) {
	if len(vec) != f.dimensions {
		return 0, fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(vec), f.dimensions)
	}
	slot := len(f.vectors)
	f.vectors = append(f.vectors, Normalize(vec))
	return slot, nil
}

// Vector returns the stored (normalized) vector at slot, or nil when out of range.
// The returned slice must not be modified.
func (f *FlatIndex) Vector(slot int) []float32 {
	if slot < 0 || slot >= len(f.vectors) {
		return nil
	}
	return f.vectors[slot]
}

// Search returns at most k hits ordered by descending score, ties by ascending slot.
func (f *FlatIndex) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != f.dimensions {
		return nil, fmt.Errorf("%w: query has %d, expected %d", ErrDimensionMismatch, len(query), f.dimensions)
	}
	if len(f.vectors) == 0 {
		return nil, ErrEmptyIndex
	}
	if k <= 0 {
		return nil, nil
	}
	q := Normalize(query)
	hits := make([]Hit, len(f.vectors))
	for i, vec := range f.vectors {
		hits[i] = Hit{Slot: i, Score: Clamp01(InnerProduct(q, vec))}
	}
	// hits start in slot order, so a stable sort keeps lower slots first on ties
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k > len(hits) {
		k = len(hits)
	}
	return hits[:k:k], nil
}

// Clone returns an index sharing the stored vectors. Appending to the clone
// never affects the receiver.
func (f *FlatIndex) Clone() *FlatIndex {
	vectors := make([][]float32, len(f.vectors), len(f.vectors)+1)
	copy(vectors, f.vectors)
	return &FlatIndex{dimensions: f.dimensions, vectors: vectors}
}
