// Package fileid derives stable identifiers for image files and their contents.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
)

const hashPrefix = "sha256:"

// ContentHash returns a stable identifier of data. Identical bytes always
// yield the same hash. Used to skip duplicate uploads and unchanged imports.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hashPrefix + hex.EncodeToString(sum[:])
}

// SourcePath returns the cleaned absolute form of path, used as the key of
// images imported from the filesystem.
func SourcePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	return filepath.Clean(abs), nil
}

// CategoryName returns the category an imported file belongs to: the name of
// its parent directory.
func CategoryName(path string) string {
	return filepath.Base(filepath.Dir(filepath.Clean(path)))
}
