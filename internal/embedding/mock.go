package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/hyperjump/miru/pkg/utils"
)

// MockProvider is a deterministic provider for tests and offline use. Image
// vectors are derived from the SHA-256 of the image bytes, text vectors from
// FallbackTextEmbedding. It never captions.
type MockProvider struct {
	imageDimensions int
	textDimensions  int
	closed          atomic.Bool
}

// NewMockProvider returns a provider with the given dimensions (768 and 384 when <= 0).
func NewMockProvider(imageDimensions, textDimensions int) *MockProvider {
	if imageDimensions <= 0 {
		imageDimensions = 768
	}
	if textDimensions <= 0 {
		textDimensions = 384
	}
	return &MockProvider{imageDimensions: imageDimensions, textDimensions: textDimensions}
}

// ImageEmbedding returns a deterministic embedding based on the image hash.
func (m *MockProvider) ImageEmbedding(_ context.Context, image []byte) ([]float32, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	sum := sha256.Sum256(image)
	h := int(binary.BigEndian.Uint32(sum[:4]))
	emb := make([]float32, m.imageDimensions)
	for i := range emb {
		emb[i] = float32(math.Sin(float64(h*(i+1)))*0.1 + 0.01)
	}
	utils.NormalizeL2(emb)
	return emb, nil
}

// TextEmbedding returns FallbackTextEmbedding(text).
func (m *MockProvider) TextEmbedding(_ context.Context, text string) ([]float32, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	return FallbackTextEmbedding(text, m.textDimensions), nil
}

// Caption always reports no caption.
func (m *MockProvider) Caption(context.Context, []byte) (string, error) {
	return "", nil
}

// Translate returns text unchanged.
func (m *MockProvider) Translate(_ context.Context, text string) string {
	return text
}

// ImageDimensions returns the image embedding dimension.
func (m *MockProvider) ImageDimensions() int {
	return m.imageDimensions
}

// TextDimensions returns the text embedding dimension.
func (m *MockProvider) TextDimensions() int {
	return m.textDimensions
}

// Close marks the provider closed.
func (m *MockProvider) Close() error {
	m.closed.Store(true)
	return nil
}
