//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/miru/internal/imaging"
	"github.com/hyperjump/miru/pkg/utils"
)

// ONNXImageEmbedder runs a local vision model with ONNX Runtime. It requires
// CGO and the onnxruntime shared library.
type ONNXImageEmbedder struct {
	session      *ort.AdvancedSession
	dimensions   int
	size         int
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	mu           sync.Mutex
}

// NewONNXImageEmbedder loads the model at modelPath. The model takes
// pixel_values of shape [1,3,size,size] and produces [1,dimensions] on outputName.
func NewONNXImageEmbedder(modelPath, outputName string, dimensions, size int) (*ONNXImageEmbedder, error) {
	if size <= 0 {
		size = imaging.DefaultSize
	}
	if outputName == "" {
		outputName = "image_embeds"
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(size), int64(size)))
	if err != nil {
		return nil, fmt.Errorf("failed to create pixel_values tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(dimensions)))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"pixel_values"},
		[]string{outputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXImageEmbedder{
		session:      session,
		dimensions:   dimensions,
		size:         size,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// ImageEmbedding decodes image, runs the model and returns the normalized output.
func (e *ONNXImageEmbedder) ImageEmbedding(ctx context.Context, image []byte) ([]float32, error) {
	img, err := imaging.Decode(image)
	if err != nil {
		return nil, err
	}
	pixels := imaging.ToTensor(img, e.size)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, ErrClosed
	}
	copy(e.inputTensor.GetData(), pixels)
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	embedding := make([]float32, e.dimensions)
	copy(embedding, e.outputTensor.GetData())
	utils.NormalizeL2(embedding)
	return embedding, nil
}

// ImageDimensions returns the embedding dimension.
func (e *ONNXImageEmbedder) ImageDimensions() int {
	return e.dimensions
}

// Close destroys the session and tensors.
func (e *ONNXImageEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	if e.inputTensor != nil {
		_ = e.inputTensor.Destroy()
		e.inputTensor = nil
	}
	if e.outputTensor != nil {
		_ = e.outputTensor.Destroy()
		e.outputTensor = nil
	}
	return err
}
