package imagestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DiskStore keeps images as files in one directory. The locator is the file name.
type DiskStore struct {
	dir string
}

// NewDiskStore creates dir if needed and returns a store rooted there.
func NewDiskStore(dir string) (*DiskStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("images directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create images directory: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

// Dir returns the root directory.
func (d *DiskStore) Dir() string {
	return d.dir
}

func (d *DiskStore) path(locator string) (string, error) {
	if locator == "" || locator != filepath.Base(locator) || locator == "." || locator == ".." {
		return "", fmt.Errorf("invalid locator %q", locator)
	}
	return filepath.Join(d.dir, locator), nil
}

// Save writes data to a new uuid-named file.
func (d *DiskStore) Save(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	locator := newName(name)
	path, _ := d.path(locator)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write image: %w", err)
	}
	return locator, nil
}

// Load reads the file for locator.
func (d *DiskStore) Load(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := d.path(locator)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	return data, err
}

// Delete removes the file for locator.
func (d *DiskStore) Delete(ctx context.Context, locator string) error {
	path, err := d.path(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
