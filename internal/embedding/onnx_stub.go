//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"errors"
)

// ONNXImageEmbedder stub type when built without CGO (see onnx.go for real implementation).
type ONNXImageEmbedder struct{}

var errONNXUnavailable = errors.New("ONNX embedder requires CGO; build with CGO_ENABLED=1 and onnxruntime")

// NewONNXImageEmbedder returns an error when built without CGO (ONNX not available).
func NewONNXImageEmbedder(_, _ string, _, _ int) (*ONNXImageEmbedder, error) {
	return nil, errONNXUnavailable
}

func (e *ONNXImageEmbedder) ImageEmbedding(context.Context, []byte) ([]float32, error) {
	return nil, errONNXUnavailable
}

func (e *ONNXImageEmbedder) ImageDimensions() int { return 0 }

func (e *ONNXImageEmbedder) Close() error { return nil }
