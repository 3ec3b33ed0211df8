// Package imaging decodes, validates and resizes images before inference.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultSize is the square input size of the vision models.
const DefaultSize = 224

// JPEGQuality is used when re-encoding prepared images.
const JPEGQuality = 95

// ErrUnsupportedImage is returned when bytes do not decode as a supported format.
var ErrUnsupportedImage = errors.New("unsupported or invalid image")

// Extensions lists the accepted file extensions (lowercase, with dot).
var Extensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".tiff"}

// Supported reports whether path has an accepted image extension.
func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Validate reports the decoded format, or ErrUnsupportedImage.
func Validate(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrUnsupportedImage
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	return format, nil
}

// Decode decodes data into an image.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	return img, nil
}

// Resize flattens img onto a white background and scales it to size x size.
func Resize(img image.Image, size int) *image.RGBA {
	if size <= 0 {
		size = DefaultSize
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// Prepare decodes data, resizes it to size x size and re-encodes it as JPEG.
func Prepare(data []byte, size int) ([]byte, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Resize(img, size), &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

// ToTensor converts img to a CHW float32 tensor of shape [3, size, size]
// normalized with ImageNet mean and standard deviation.
func ToTensor(img image.Image, size int) []float32 {
	rgba := Resize(img, size)
	plane := size * size
	out := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := rgba.PixOffset(x, y)
			p := rgba.Pix[off : off+3 : off+3]
			i := y*size + x
			for c := 0; c < 3; c++ {
				out[c*plane+i] = (float32(p[c])/255 - imagenetMean[c]) / imagenetStd[c]
			}
		}
	}
	return out
}
