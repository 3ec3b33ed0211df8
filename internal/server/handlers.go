package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/config"
	"github.com/hyperjump/miru/internal/indexer"
	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/search"
	"github.com/hyperjump/miru/internal/storage"
)

const defaultListLimit = 100

// parseUpload parses a multipart body and returns the named file.
func (s *Server) parseUpload(r *http.Request, field string) ([]byte, string, error) {
	if err := r.ParseMultipartForm(s.maxUploadBytes()); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("%w: multipart form expected: %v", indexer.ErrInvalidInput, err)
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, "", fmt.Errorf("%w: file field %q is required", indexer.ErrInvalidInput, field)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", err
	}
	return data, header.Filename, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", indexer.ErrInvalidInput, chi.URLParam(r, "id"))
	}
	return id, nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	data, name, err := s.parseUpload(r, "image")
	if err != nil {
		s.fail(w, "search upload rejected", err)
		return
	}
	query := &models.SearchQuery{Image: data, TopK: s.config.Search.TopK}
	if v := r.FormValue("top_k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.fail(w, "search rejected", fmt.Errorf("%w: top_k %q", models.ErrInvalidQuery, v))
			return
		}
		query.TopK = n
	}
	if v := r.FormValue("weight"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.fail(w, "search rejected", fmt.Errorf("%w: weight %q", models.ErrInvalidQuery, v))
			return
		}
		query.Weight = &f
	}
	if v := r.FormValue("explain"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.fail(w, "search rejected", fmt.Errorf("%w: explain %q", models.ErrInvalidQuery, v))
			return
		}
		query.Explain = &b
	}
	s.logger.Debug("search request", zap.String("filename", name), zap.Int("bytes", len(data)), zap.Int("top_k", query.TopK))
	result, err := s.engine.Search(r.Context(), query)
	if err != nil {
		s.fail(w, "search failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.storage.ListCategories(r.Context())
	if err != nil {
		s.fail(w, "list categories failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"categories": cats})
}

func (s *Server) decodeCategory(r *http.Request) (*models.CategoryInput, error) {
	var input models.CategoryInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		return nil, fmt.Errorf("%w: invalid request body", indexer.ErrInvalidInput)
	}
	return &input, nil
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	input, err := s.decodeCategory(r)
	if err != nil {
		s.fail(w, "create category rejected", err)
		return
	}
	cat, err := s.indexer.CreateCategory(r.Context(), input)
	if err != nil {
		s.fail(w, "create category failed", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, cat)
}

func (s *Server) handleGetCategory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, "get category rejected", err)
		return
	}
	cat, err := s.storage.GetCategory(r.Context(), id)
	if err != nil {
		s.fail(w, "get category failed", err)
		return
	}
	images, err := s.storage.ListImagesByCategory(r.Context(), id)
	if err != nil {
		s.fail(w, "get category failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"category":    cat,
		"image_count": len(images),
	})
}

func (s *Server) handleUpdateCategory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, "update category rejected", err)
		return
	}
	input, err := s.decodeCategory(r)
	if err != nil {
		s.fail(w, "update category rejected", err)
		return
	}
	cat, err := s.indexer.UpdateCategory(r.Context(), id, input)
	if err != nil {
		s.fail(w, "update category failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, cat)
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, "delete category rejected", err)
		return
	}
	s.logger.Debug("delete category request", zap.Int64("id", id))
	if err := s.indexer.DeleteCategory(r.Context(), id); err != nil {
		s.fail(w, "delete category failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s %q", indexer.ErrInvalidInput, key, v)
	}
	return n, nil
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if v := r.URL.Query().Get("category_id"); v != "" {
		categoryID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.fail(w, "list images rejected", fmt.Errorf("%w: category_id %q", indexer.ErrInvalidInput, v))
			return
		}
		images, err := s.storage.ListImagesByCategory(ctx, categoryID)
		if err != nil {
			s.fail(w, "list images failed", err)
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{"images": images})
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.fail(w, "list images rejected", err)
		return
	}
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		s.fail(w, "list images rejected", err)
		return
	}
	images, err := s.storage.ListImages(ctx, offset, limit)
	if err != nil {
		s.fail(w, "list images failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"images": images,
		"offset": offset,
		"limit":  limit,
	})
}

func (s *Server) handleAddImage(w http.ResponseWriter, r *http.Request) {
	data, name, err := s.parseUpload(r, "image")
	if err != nil {
		s.fail(w, "image upload rejected", err)
		return
	}
	categoryID, err := strconv.ParseInt(r.FormValue("category_id"), 10, 64)
	if err != nil {
		s.fail(w, "image upload rejected", fmt.Errorf("%w: category_id is required", indexer.ErrInvalidInput))
		return
	}
	s.logger.Debug("add image request", zap.String("filename", name), zap.Int64("category_id", categoryID))
	result, err := s.indexer.AddImage(r.Context(), categoryID, name, data)
	if err != nil {
		s.fail(w, "add image failed", err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	s.respondJSON(w, status, result)
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, "get image rejected", err)
		return
	}
	img, err := s.storage.GetImage(r.Context(), id)
	if err != nil {
		s.fail(w, "get image failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, img)
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, "delete image rejected", err)
		return
	}
	s.logger.Debug("delete image request", zap.Int64("id", id))
	if err := s.indexer.DeleteImage(r.Context(), id); err != nil {
		s.fail(w, "delete image failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleImageFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, "image file rejected", err)
		return
	}
	img, err := s.storage.GetImage(r.Context(), id)
	if err != nil {
		s.fail(w, "image file failed", err)
		return
	}
	data, err := s.images.Load(r.Context(), img.StorageLocator)
	if err != nil {
		s.fail(w, "image file failed", err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("reindex request")
	stats, err := s.indexer.Rebuild(r.Context())
	if err != nil {
		s.fail(w, "reindex failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"engine": s.engine.State().String(),
	})
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Engine     search.Stats           `json:"engine"`
	Categories int64                  `json:"categories"`
	Images     int64                  `json:"images"`
	Disk       *storage.DiskUsage     `json:"disk,omitempty"`
	Config     map[string]interface{} `json:"config"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cats, err := s.storage.CountCategories(ctx)
	if err != nil {
		s.fail(w, "status: count categories failed", err)
		return
	}
	images, err := s.storage.CountImages(ctx)
	if err != nil {
		s.fail(w, "status: count images failed", err)
		return
	}
	resp := StatusResponse{
		Engine:     s.engine.Stats(),
		Categories: cats,
		Images:     images,
	}

	cfg := s.config
	resp.Config = map[string]interface{}{
		"provider":         cfg.Embedding.Provider,
		"image_model":      cfg.Embedding.ImageModel,
		"image_dimensions": cfg.Embedding.ImageDimensions,
		"text_dimensions":  cfg.Embedding.TextDimensions,
		"category_weight":  cfg.Search.CategoryWeightOrDefault(),
		"anchor_policy":    cfg.Search.AnchorPolicy,
		"storage_backend":  cfg.Storage.Backend,
		"database_path":    cfg.Storage.DatabasePath,
	}
	imagesDir := ""
	if cfg.Storage.Backend == config.BackendDisk {
		imagesDir = cfg.Storage.ImagesDir
		resp.Config["images_dir"] = imagesDir
	}
	if usage, err := storage.MeasureDiskUsage(cfg.Storage.DatabasePath, imagesDir); err == nil {
		resp.Disk = &usage
	} else {
		s.logger.Debug("status: disk usage unavailable", zap.Error(err))
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"directories": s.watch.Directories()})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	s.logger.Debug("watch add directory request", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.fail(w, "watch add directory failed", err)
		return
	}
	s.persistWatch()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	s.logger.Debug("watch remove directory request", zap.String("path", abs))
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.fail(w, "watch remove directory failed", err)
		return
	}
	s.persistWatch()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

// persistWatch writes the current watch roots to the config file, if one is set.
func (s *Server) persistWatch() {
	if s.configPath == "" {
		return
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.config.Watch.Directories = s.watch.Directories()
	if err := config.Save(s.configPath, s.config); err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
