package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/imaging"
	"github.com/hyperjump/miru/pkg/utils"
)

const (
	maxResponseBytes = 16 << 20
	labelTopN        = 10
	labelStride      = 75
)

// HuggingFaceConfig configures the hosted inference provider.
type HuggingFaceConfig struct {
	BaseURL          string
	APIKey           string
	ImageModel       string
	TextModel        string
	CaptionModel     string
	TranslationModel string
	ImageDimensions  int
	TextDimensions   int
	ImageSize        int
	Timeout          time.Duration
	CacheSize        int
}

// StatusError is a non-retryable HTTP failure from the inference API.
type StatusError struct {
	Model  string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inference %s: status %d: %s", e.Model, e.Status, e.Body)
}

// HuggingFaceProvider calls the hosted inference API for image features,
// text features, captions and translations.
type HuggingFaceProvider struct {
	cfg          HuggingFaceConfig
	client       *http.Client
	retry        RetryPolicy
	textCache    *Cache[[]float32]
	translations *Cache[string]
	logger       *zap.Logger
	closed       atomic.Bool
}

// HuggingFaceOption configures a HuggingFaceProvider.
type HuggingFaceOption func(*HuggingFaceProvider)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) HuggingFaceOption {
	return func(p *HuggingFaceProvider) {
		p.logger = logger
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) HuggingFaceOption {
	return func(p *HuggingFaceProvider) {
		p.client = client
	}
}

// WithRetryPolicy replaces the retry policy.
func WithRetryPolicy(policy RetryPolicy) HuggingFaceOption {
	return func(p *HuggingFaceProvider) {
		p.retry = policy
	}
}

// NewHuggingFaceProvider creates a provider. BaseURL and the image and text models are required.
func NewHuggingFaceProvider(cfg HuggingFaceConfig, opts ...HuggingFaceOption) (*HuggingFaceProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("huggingface: base url is required")
	}
	if cfg.ImageModel == "" || cfg.TextModel == "" {
		return nil, fmt.Errorf("huggingface: image and text models are required")
	}
	if cfg.ImageDimensions <= 0 {
		cfg.ImageDimensions = 768
	}
	if cfg.TextDimensions <= 0 {
		cfg.TextDimensions = 384
	}
	if cfg.ImageSize <= 0 {
		cfg.ImageSize = imaging.DefaultSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	p := &HuggingFaceProvider{
		cfg:          cfg,
		client:       &http.Client{Timeout: cfg.Timeout},
		retry:        DefaultRetryPolicy(),
		textCache:    NewCache[[]float32](cfg.CacheSize),
		translations: NewCache[string](cfg.CacheSize),
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.retry.MaxAttempts <= 0 {
		p.retry.MaxAttempts = 1
	}
	return p, nil
}

// ImageEmbedding resizes the image and requests its feature vector. Label
// list responses are folded into a vector.
func (p *HuggingFaceProvider) ImageEmbedding(ctx context.Context, image []byte) ([]float32, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	prepared, err := imaging.Prepare(image, p.cfg.ImageSize)
	if err != nil {
		return nil, err
	}
	body, err := p.post(ctx, p.cfg.ImageModel, "image/jpeg", prepared)
	if err != nil {
		return nil, err
	}
	return parseImageVector(body, p.cfg.ImageDimensions)
}

// TextEmbedding requests a sentence embedding. On any failure the
// deterministic fallback vector is returned instead.
func (p *HuggingFaceProvider) TextEmbedding(ctx context.Context, text string) ([]float32, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if cached, ok := p.textCache.Get(text); ok {
		return cached, nil
	}
	payload, _ := json.Marshal(map[string]any{
		"inputs":  text,
		"options": map[string]bool{"wait_for_model": true},
	})
	body, err := p.post(ctx, p.cfg.TextModel, "application/json", payload)
	var vec []float32
	if err == nil {
		vec, err = parseNumericVector(body, p.cfg.TextDimensions)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("text embedding failed, using fallback", zap.Error(err))
		return FallbackTextEmbedding(text, p.cfg.TextDimensions), nil
	}
	p.textCache.Set(text, vec)
	return vec, nil
}

// Caption returns the generated caption for image, or "" when no caption model is configured.
func (p *HuggingFaceProvider) Caption(ctx context.Context, image []byte) (string, error) {
	if p.closed.Load() {
		return "", ErrClosed
	}
	if p.cfg.CaptionModel == "" {
		return "", nil
	}
	prepared, err := imaging.Prepare(image, p.cfg.ImageSize)
	if err != nil {
		return "", err
	}
	body, err := p.post(ctx, p.cfg.CaptionModel, "image/jpeg", prepared)
	if err != nil {
		return "", err
	}
	var out []struct {
		GeneratedText string `json:"generated_text"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode caption: %w", err)
	}
	if len(out) == 0 {
		return "", nil
	}
	return strings.TrimSpace(out[0].GeneratedText), nil
}

// Translate returns the translation of text, or text itself on failure.
func (p *HuggingFaceProvider) Translate(ctx context.Context, text string) string {
	if text == "" || p.cfg.TranslationModel == "" || p.closed.Load() {
		return text
	}
	if cached, ok := p.translations.Get(text); ok {
		return cached
	}
	payload, _ := json.Marshal(map[string]string{"inputs": text})
	body, err := p.post(ctx, p.cfg.TranslationModel, "application/json", payload)
	if err != nil {
		p.logger.Debug("translation failed", zap.Error(err))
		return text
	}
	var out []struct {
		TranslationText string `json:"translation_text"`
	}
	if err := json.Unmarshal(body, &out); err != nil || len(out) == 0 || out[0].TranslationText == "" {
		return text
	}
	p.translations.Set(text, out[0].TranslationText)
	return out[0].TranslationText
}

// ImageDimensions returns the image embedding dimension.
func (p *HuggingFaceProvider) ImageDimensions() int {
	return p.cfg.ImageDimensions
}

// TextDimensions returns the text embedding dimension.
func (p *HuggingFaceProvider) TextDimensions() int {
	return p.cfg.TextDimensions
}

// Close releases idle connections. Subsequent calls return ErrClosed.
func (p *HuggingFaceProvider) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.client.CloseIdleConnections()
	return nil
}

// post sends body to the model endpoint, retrying on cold start, rate limits and transport errors.
func (p *HuggingFaceProvider) post(ctx context.Context, model, contentType string, body []byte) ([]byte, error) {
	url := p.cfg.BaseURL + "/" + model
	var lastErr error
	for attempt := 0; attempt < p.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			p.logger.Debug("retrying inference call",
				zap.String("model", model),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		if p.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if err := p.wait(ctx, attempt, p.retry.transportWait(attempt)); err != nil {
				return nil, err
			}
			continue
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			if err := p.wait(ctx, attempt, p.retry.transportWait(attempt)); err != nil {
				return nil, err
			}
			continue
		}

		switch resp.StatusCode {
		case http.StatusOK:
			return data, nil
		case http.StatusServiceUnavailable:
			var status struct {
				Error         string  `json:"error"`
				EstimatedTime float64 `json:"estimated_time"`
			}
			_ = json.Unmarshal(data, &status)
			lastErr = &StatusError{Model: model, Status: resp.StatusCode, Body: utils.Truncate(string(data), 200)}
			wait := p.retry.duration(p.retry.Unavailable)
			if strings.Contains(strings.ToLower(status.Error), "loading") {
				wait = p.retry.loadingWait(status.EstimatedTime)
			}
			if err := p.wait(ctx, attempt, wait); err != nil {
				return nil, err
			}
		case http.StatusTooManyRequests:
			lastErr = &StatusError{Model: model, Status: resp.StatusCode, Body: utils.Truncate(string(data), 200)}
			if err := p.wait(ctx, attempt, p.retry.duration(p.retry.RateLimited)); err != nil {
				return nil, err
			}
		default:
			return nil, &StatusError{Model: model, Status: resp.StatusCode, Body: utils.Truncate(string(data), 200)}
		}
	}
	return nil, fmt.Errorf("inference %s: giving up after %d attempts: %w", model, p.retry.MaxAttempts, lastErr)
}

// wait sleeps before the next attempt; it returns immediately after the last one.
func (p *HuggingFaceProvider) wait(ctx context.Context, attempt int, d time.Duration) error {
	if attempt+1 >= p.retry.MaxAttempts {
		return nil
	}
	return sleepContext(ctx, d)
}

var errEmptyVector = errors.New("inference returned an empty vector")

type scoredLabel struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// parseImageVector accepts either a classification label list or a numeric feature array.
func parseImageVector(body []byte, dimensions int) ([]float32, error) {
	var labels []scoredLabel
	if err := json.Unmarshal(body, &labels); err == nil && len(labels) > 0 && labels[0].Label != "" {
		return labelVector(labels, dimensions)
	}
	return parseNumericVector(body, dimensions)
}

// labelVector writes the top labels' bytes, scaled by score, at fixed strides.
func labelVector(labels []scoredLabel, dimensions int) ([]float32, error) {
	sorted := make([]scoredLabel, len(labels))
	copy(sorted, labels)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	if len(sorted) > labelTopN {
		sorted = sorted[:labelTopN]
	}
	vec := make([]float32, dimensions)
	for i, l := range sorted {
		b := []byte(l.Label)
		if len(b) > labelStride {
			b = b[:labelStride]
		}
		for j, c := range b {
			idx := i*labelStride + j
			if idx >= dimensions {
				break
			}
			vec[idx] = float32(float64(c) / 255 * l.Score)
		}
	}
	return normalizedOrError(vec)
}

// parseNumericVector flattens a numeric JSON array. A matrix whose rows all
// have the target width is mean pooled; otherwise the flattened values are
// padded or truncated.
func parseNumericVector(body []byte, dimensions int) ([]float32, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode vector: %w", err)
	}
	if rows, ok := matrixRows(raw, dimensions); ok {
		return normalizedOrError(meanRows(rows, dimensions))
	}
	var flat []float32
	flatten(raw, &flat)
	if len(flat) == 0 {
		return nil, errEmptyVector
	}
	return normalizedOrError(fitDimensions(flat, dimensions))
}

func matrixRows(raw any, dimensions int) ([][]any, bool) {
	outer, ok := raw.([]any)
	if !ok || len(outer) == 0 {
		return nil, false
	}
	// unwrap a batch of one
	if len(outer) == 1 {
		if inner, ok := outer[0].([]any); ok && len(inner) > 0 {
			if _, nested := inner[0].([]any); nested {
				outer = inner
			}
		}
	}
	rows := make([][]any, 0, len(outer))
	for _, r := range outer {
		row, ok := r.([]any)
		if !ok || len(row) != dimensions {
			return nil, false
		}
		rows = append(rows, row)
	}
	return rows, true
}

func meanRows(rows [][]any, dimensions int) []float32 {
	sum := make([]float64, dimensions)
	for _, row := range rows {
		for i, v := range row {
			if f, ok := v.(float64); ok {
				sum[i] += f
			}
		}
	}
	out := make([]float32, dimensions)
	for i, s := range sum {
		out[i] = float32(s / float64(len(rows)))
	}
	return out
}

func flatten(v any, out *[]float32) {
	switch t := v.(type) {
	case float64:
		*out = append(*out, float32(t))
	case []any:
		for _, e := range t {
			flatten(e, out)
		}
	}
}

func normalizedOrError(vec []float32) ([]float32, error) {
	utils.NormalizeL2(vec)
	for _, v := range vec {
		if v != 0 {
			return vec, nil
		}
	}
	return nil, errEmptyVector
}
