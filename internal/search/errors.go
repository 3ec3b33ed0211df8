package search

import "errors"

var (
	// ErrNotInitialized is returned when the engine has no installed index.
	ErrNotInitialized = errors.New("retrieval engine not initialized")
	// ErrEmbeddingProvider wraps a provider failure that prevents an operation.
	ErrEmbeddingProvider = errors.New("embedding provider failure")
	// ErrRebuildSuperseded is returned by a rebuild whose result was discarded
	// because a newer rebuild or a reset started after it.
	ErrRebuildSuperseded = errors.New("rebuild superseded")
	// ErrDuplicateImage is returned by AddOne for an image already indexed.
	ErrDuplicateImage = errors.New("image already indexed")
)
