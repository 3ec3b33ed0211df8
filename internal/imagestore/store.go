// Package imagestore keeps the bytes of corpus images, addressed by an opaque locator.
package imagestore

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/hyperjump/miru/internal/imaging"
)

// ErrNotFound is returned when no bytes are stored under a locator.
var ErrNotFound = errors.New("stored image not found")

// Store saves, loads and deletes image bytes.
type Store interface {
	// Save stores data and returns its locator. name is only used for the extension.
	Save(ctx context.Context, name string, data []byte) (string, error)
	Load(ctx context.Context, locator string) ([]byte, error)
	// Delete removes the bytes. Deleting a missing locator is not an error.
	Delete(ctx context.Context, locator string) error
}

// newName returns a unique file name keeping name's extension when it is a
// supported image extension.
func newName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if !imaging.Supported(name) {
		ext = ".jpg"
	}
	return uuid.NewString() + ext
}
