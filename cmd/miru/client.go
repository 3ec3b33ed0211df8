package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/search"
	"github.com/hyperjump/miru/internal/server"
)

// apiClient talks to a running miru server.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{baseURL: baseURL, http: &http.Client{Timeout: 5 * time.Minute}}
}

// do sends req and decodes a JSON body into out when the status is one of want.
func (c *apiClient) do(req *http.Request, out interface{}, want ...int) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	ok := false
	for _, code := range want {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) newJSONRequest(method, path string, body interface{}) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// searchOptions are the optional search form fields.
type searchOptions struct {
	TopK    int
	Weight  *float64
	Explain *bool
}

func (c *apiClient) Search(name string, image []byte, opts searchOptions) (*models.SearchResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filepath.Base(name))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(image); err != nil {
		return nil, err
	}
	if opts.TopK > 0 {
		_ = mw.WriteField("top_k", strconv.Itoa(opts.TopK))
	}
	if opts.Weight != nil {
		_ = mw.WriteField("weight", strconv.FormatFloat(*opts.Weight, 'f', -1, 64))
	}
	if opts.Explain != nil {
		_ = mw.WriteField("explain", strconv.FormatBool(*opts.Explain))
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/v1/search", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var result models.SearchResult
	if err := c.do(req, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *apiClient) Reindex() (*search.BuildStats, error) {
	req, err := c.newJSONRequest(http.MethodPost, "/api/v1/reindex", nil)
	if err != nil {
		return nil, err
	}
	var stats search.BuildStats
	if err := c.do(req, &stats, http.StatusOK); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *apiClient) Status() (*server.StatusResponse, error) {
	req, err := c.newJSONRequest(http.MethodGet, "/api/v1/status", nil)
	if err != nil {
		return nil, err
	}
	var status server.StatusResponse
	if err := c.do(req, &status, http.StatusOK); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *apiClient) ListCategories() ([]*models.Category, error) {
	req, err := c.newJSONRequest(http.MethodGet, "/api/v1/categories", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Categories []*models.Category `json:"categories"`
	}
	if err := c.do(req, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Categories, nil
}

func (c *apiClient) CategoryImageCount(id int64) (int, error) {
	req, err := c.newJSONRequest(http.MethodGet, "/api/v1/categories/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		ImageCount int `json:"image_count"`
	}
	if err := c.do(req, &out, http.StatusOK); err != nil {
		return 0, err
	}
	return out.ImageCount, nil
}

func (c *apiClient) CreateCategory(input *models.CategoryInput) (*models.Category, error) {
	req, err := c.newJSONRequest(http.MethodPost, "/api/v1/categories", input)
	if err != nil {
		return nil, err
	}
	var cat models.Category
	if err := c.do(req, &cat, http.StatusCreated); err != nil {
		return nil, err
	}
	return &cat, nil
}

func (c *apiClient) UpdateCategory(id int64, input *models.CategoryInput) (*models.Category, error) {
	req, err := c.newJSONRequest(http.MethodPut, "/api/v1/categories/"+strconv.FormatInt(id, 10), input)
	if err != nil {
		return nil, err
	}
	var cat models.Category
	if err := c.do(req, &cat, http.StatusOK); err != nil {
		return nil, err
	}
	return &cat, nil
}

func (c *apiClient) DeleteCategory(id int64) error {
	req, err := c.newJSONRequest(http.MethodDelete, "/api/v1/categories/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil, http.StatusOK)
}

func (c *apiClient) WatchDirectories() ([]string, error) {
	req, err := c.newJSONRequest(http.MethodGet, "/api/v1/watch/directories", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Directories []string `json:"directories"`
	}
	if err := c.do(req, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Directories, nil
}

func (c *apiClient) AddWatchDirectory(path string) error {
	req, err := c.newJSONRequest(http.MethodPost, "/api/v1/watch/directories",
		map[string]interface{}{"path": path, "sync": true})
	if err != nil {
		return err
	}
	return c.do(req, nil, http.StatusCreated)
}

func (c *apiClient) RemoveWatchDirectory(path string) error {
	req, err := c.newJSONRequest(http.MethodDelete, "/api/v1/watch/directories?path="+url.QueryEscape(path), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil, http.StatusOK)
}
