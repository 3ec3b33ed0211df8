// Package models defines core data structures for categories, images, queries, and search results.
package models

import "time"

// Category groups images and carries a free-text description used as a semantic anchor.
type Category struct {
	ID          int64     `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Image is a stored corpus image. StorageLocator identifies the bytes in the image store.
type Image struct {
	ID               int64     `json:"id" db:"id"`
	Filename         string    `json:"filename" db:"filename"`
	OriginalFilename string    `json:"original_filename" db:"original_filename"`
	CategoryID       int64     `json:"category_id" db:"category_id"`
	StorageLocator   string    `json:"storage_locator" db:"storage_path"`
	ContentHash      string    `json:"content_hash,omitempty" db:"content_hash"`
	SourcePath       string    `json:"source_path,omitempty" db:"source_path"`
	UploadedAt       time.Time `json:"uploaded_at" db:"uploaded_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// CategoryInput is the input for creating or updating a category.
type CategoryInput struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}
