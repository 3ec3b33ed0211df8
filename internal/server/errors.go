package server

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/imagestore"
	"github.com/hyperjump/miru/internal/indexer"
	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/search"
	"github.com/hyperjump/miru/internal/storage"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, search.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrInvalidQuery),
		errors.Is(err, indexer.ErrInvalidImage),
		errors.Is(err, indexer.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, imagestore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict), errors.Is(err, search.ErrRebuildSuperseded):
		return http.StatusConflict
	case errors.Is(err, search.ErrEmbeddingProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail logs server-side failures and writes err with its mapped status.
func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, zap.Error(err))
	} else {
		s.logger.Debug(msg, zap.Error(err))
	}
	s.respondError(w, status, err.Error())
}
