package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// DiskUsage reports the bytes held by a database file and an image directory.
type DiskUsage struct {
	Database int64 `json:"database_bytes"`
	Images   int64 `json:"images_bytes"`
	Files    int   `json:"image_files"`
}

// Total returns the combined size.
func (u DiskUsage) Total() int64 {
	return u.Database + u.Images
}

// MeasureDiskUsage sums the database file (with its WAL and shm sidecars)
// and every regular file below imageDir. Missing paths count as zero.
func MeasureDiskUsage(dbPath, imageDir string) (DiskUsage, error) {
	var usage DiskUsage
	if dbPath != "" && dbPath != MemoryPath {
		for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
			n, _, err := pathSize(p)
			if err != nil {
				return usage, err
			}
			usage.Database += n
		}
	}
	if imageDir != "" {
		n, files, err := pathSize(imageDir)
		if err != nil {
			return usage, err
		}
		usage.Images = n
		usage.Files = files
	}
	return usage, nil
}

// pathSize returns the size and regular file count of a file or directory tree.
func pathSize(p string) (int64, int, error) {
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	if !info.IsDir() {
		return info.Size(), 1, nil
	}
	var total int64
	var files int
	err = filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		files++
		return nil
	})
	return total, files, err
}
