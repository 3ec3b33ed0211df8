package embedding

import (
	"context"
	"errors"
	"io"
)

// CompositeProvider assembles a Provider from separate backends, for example
// a local ONNX image model with a remote text model.
type CompositeProvider struct {
	image     ImageEmbedder
	text      TextEmbedder
	describer Describer
}

// NewCompositeProvider combines the given backends. describer may be nil, in
// which case no captions are produced and translation is the identity.
func NewCompositeProvider(image ImageEmbedder, text TextEmbedder, describer Describer) *CompositeProvider {
	return &CompositeProvider{image: image, text: text, describer: describer}
}

func (c *CompositeProvider) ImageEmbedding(ctx context.Context, image []byte) ([]float32, error) {
	return c.image.ImageEmbedding(ctx, image)
}

func (c *CompositeProvider) TextEmbedding(ctx context.Context, text string) ([]float32, error) {
	return c.text.TextEmbedding(ctx, text)
}

func (c *CompositeProvider) Caption(ctx context.Context, image []byte) (string, error) {
	if c.describer == nil {
		return "", nil
	}
	return c.describer.Caption(ctx, image)
}

func (c *CompositeProvider) Translate(ctx context.Context, text string) string {
	if c.describer == nil {
		return text
	}
	return c.describer.Translate(ctx, text)
}

func (c *CompositeProvider) ImageDimensions() int { return c.image.ImageDimensions() }

func (c *CompositeProvider) TextDimensions() int { return c.text.TextDimensions() }

// Close closes every backend that implements io.Closer, once each.
func (c *CompositeProvider) Close() error {
	seen := make(map[any]bool)
	var errs []error
	for _, b := range []any{c.image, c.text, c.describer} {
		closer, ok := b.(io.Closer)
		if !ok || seen[b] {
			continue
		}
		seen[b] = true
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
