package embedding

import (
	"context"
	"hash/fnv"
	"math/rand"
	"strings"

	"github.com/hyperjump/miru/pkg/utils"
)

const (
	fallbackMaxWords     = 30
	fallbackBytesPerWord = 12
	fallbackNoise        = 0.01
)

// FallbackTextEmbedding derives a unit vector from the bytes of text. The same
// text always yields the same vector, in any process.
func FallbackTextEmbedding(text string, dimensions int) []float32 {
	if dimensions <= 0 {
		return nil
	}
	vec := make([]float32, dimensions)
	words := strings.Fields(strings.ToLower(text))
	if len(words) > fallbackMaxWords {
		words = words[:fallbackMaxWords]
	}
	for i, w := range words {
		b := []byte(w)
		if len(b) > fallbackBytesPerWord {
			b = b[:fallbackBytesPerWord]
		}
		for j, c := range b {
			vec[(i*fallbackBytesPerWord+j)%dimensions] += float32(c) / 255
		}
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	for i := range vec {
		vec[i] += float32(rng.NormFloat64() * fallbackNoise)
	}
	utils.NormalizeL2(vec)
	return vec
}

// FallbackText is a TextEmbedder backed only by FallbackTextEmbedding.
type FallbackText struct {
	dimensions int
}

// NewFallbackText returns a local text embedder of the given dimension.
func NewFallbackText(dimensions int) *FallbackText {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &FallbackText{dimensions: dimensions}
}

// TextEmbedding never fails.
func (f *FallbackText) TextEmbedding(_ context.Context, text string) ([]float32, error) {
	return FallbackTextEmbedding(text, f.dimensions), nil
}

// TextDimensions returns the embedding dimension.
func (f *FallbackText) TextDimensions() int {
	return f.dimensions
}

// fitDimensions pads with zeros or truncates vec to dimensions.
func fitDimensions(vec []float32, dimensions int) []float32 {
	if len(vec) == dimensions {
		return vec
	}
	out := make([]float32, dimensions)
	copy(out, vec)
	return out
}
