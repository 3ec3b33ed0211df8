package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func fastRetry(attempts int) RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = attempts
	p.Unit = time.Millisecond
	return p
}

func newTestProvider(t *testing.T, handler http.HandlerFunc, attempts int) *HuggingFaceProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := NewHuggingFaceProvider(HuggingFaceConfig{
		BaseURL:          srv.URL,
		APIKey:           "secret",
		ImageModel:       "vit",
		TextModel:        "minilm",
		CaptionModel:     "blip",
		TranslationModel: "opus",
		ImageDimensions:  8,
		TextDimensions:   4,
		ImageSize:        16,
		CacheSize:        10,
	}, WithRetryPolicy(fastRetry(attempts)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNewHuggingFaceProvider_Validation(t *testing.T) {
	if _, err := NewHuggingFaceProvider(HuggingFaceConfig{}); err == nil {
		t.Error("expected error for missing base url")
	}
	if _, err := NewHuggingFaceProvider(HuggingFaceConfig{BaseURL: "http://x"}); err == nil {
		t.Error("expected error for missing models")
	}
}

func TestHuggingFace_ImageEmbeddingNumeric(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/vit" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("auth=%q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "image/jpeg" {
			t.Errorf("content type=%q", r.Header.Get("Content-Type"))
		}
		_, _ = w.Write([]byte(`[[3, 4, 0]]`))
	}, 1)
	vec, err := p.ImageEmbedding(context.Background(), testPNG(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 8 {
		t.Fatalf("len=%d", len(vec))
	}
	if math.Abs(float64(vec[0])-0.6) > 1e-6 || math.Abs(float64(vec[1])-0.8) > 1e-6 {
		t.Errorf("vec=%v", vec)
	}
}

func TestHuggingFace_ImageEmbeddingLabels(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"label":"b","score":0.2},{"label":"a","score":0.9}]`))
	}, 1)
	p.cfg.ImageDimensions = 200
	vec, err := p.ImageEmbedding(context.Background(), testPNG(t))
	if err != nil {
		t.Fatal(err)
	}
	// highest scoring label goes first, second label starts at the next stride
	if vec[0] == 0 || vec[labelStride] == 0 {
		t.Errorf("expected label bytes at 0 and %d", labelStride)
	}
	ratio := float64(vec[0]) / float64(vec[labelStride])
	want := ('a' * 0.9) / ('b' * 0.2)
	if math.Abs(ratio-want) > 1e-3 {
		t.Errorf("ratio=%f, want %f", ratio, want)
	}
}

func TestHuggingFace_InvalidImage(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an undecodable image")
	}, 1)
	if _, err := p.ImageEmbedding(context.Background(), []byte("nope")); err == nil {
		t.Error("expected error")
	}
}

func TestHuggingFace_RetriesOnLoadingAndRateLimit(t *testing.T) {
	var calls atomic.Int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"Model is currently loading","estimated_time":2}`))
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = w.Write([]byte(`[1, 0, 0, 0, 0, 0, 0, 0]`))
		}
	}, 3)
	vec, err := p.ImageEmbedding(context.Background(), testPNG(t))
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls=%d", calls.Load())
	}
	if vec[0] != 1 {
		t.Errorf("vec=%v", vec)
	}
}

func TestHuggingFace_GivesUp(t *testing.T) {
	var calls atomic.Int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 2)
	_, err := p.ImageEmbedding(context.Background(), testPNG(t))
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusServiceUnavailable {
		t.Errorf("err=%v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls=%d", calls.Load())
	}
}

func TestHuggingFace_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}, 3)
	if _, err := p.ImageEmbedding(context.Background(), testPNG(t)); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls=%d", calls.Load())
	}
}

func TestHuggingFace_TextEmbeddingMeanPools(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Inputs string `json:"inputs"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Inputs != "hello" {
			t.Errorf("inputs=%q", body.Inputs)
		}
		_, _ = w.Write([]byte(`[[[1,0,0,0],[0,1,0,0]]]`))
	}, 1)
	vec, err := p.TextEmbedding(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	want := float32(1 / math.Sqrt2)
	if math.Abs(float64(vec[0]-want)) > 1e-6 || math.Abs(float64(vec[1]-want)) > 1e-6 {
		t.Errorf("vec=%v", vec)
	}
}

func TestHuggingFace_TextEmbeddingFallback(t *testing.T) {
	var calls atomic.Int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, 1)
	ctx := context.Background()
	a, err := p.TextEmbedding(ctx, "red car")
	if err != nil {
		t.Fatal(err)
	}
	want := FallbackTextEmbedding("red car", 4)
	for i := range want {
		if a[i] != want[i] {
			t.Fatalf("fallback mismatch at %d", i)
		}
	}
	// failures are not cached, so the remote is tried again
	_, _ = p.TextEmbedding(ctx, "red car")
	if calls.Load() != 2 {
		t.Errorf("calls=%d", calls.Load())
	}
}

func TestHuggingFace_CaptionAndTranslate(t *testing.T) {
	var translations atomic.Int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/blip"):
			if ct := r.Header.Get("Content-Type"); ct != "image/jpeg" {
				t.Errorf("caption content type=%q", ct)
			}
			body, _ := io.ReadAll(r.Body)
			cfg, err := jpeg.DecodeConfig(bytes.NewReader(body))
			if err != nil {
				t.Errorf("caption body is not jpeg: %v", err)
			} else if cfg.Width != 16 || cfg.Height != 16 {
				t.Errorf("caption image %dx%d, want 16x16", cfg.Width, cfg.Height)
			}
			_, _ = w.Write([]byte(`[{"generated_text":" a cat on a sofa "}]`))
		case strings.HasSuffix(r.URL.Path, "/opus"):
			translations.Add(1)
			_, _ = w.Write([]byte(`[{"translation_text":"um gato no sofá"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}, 1)
	ctx := context.Background()
	caption, err := p.Caption(ctx, testPNG(t))
	if err != nil {
		t.Fatal(err)
	}
	if caption != "a cat on a sofa" {
		t.Errorf("caption=%q", caption)
	}
	if got := p.Translate(ctx, caption); got != "um gato no sofá" {
		t.Errorf("translate=%q", got)
	}
	_ = p.Translate(ctx, caption)
	if translations.Load() != 1 {
		t.Errorf("translation should be cached, calls=%d", translations.Load())
	}
	if _, err := p.Caption(ctx, []byte("not an image")); err == nil {
		t.Error("expected error for undecodable caption input")
	}
}

func TestHuggingFace_TranslateFailureReturnsInput(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, 1)
	if got := p.Translate(context.Background(), "keep me"); got != "keep me" {
		t.Errorf("got %q", got)
	}
}

func TestHuggingFace_Closed(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {}, 1)
	_ = p.Close()
	if _, err := p.TextEmbedding(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("err=%v", err)
	}
}

func TestRetryPolicy_LoadingWait(t *testing.T) {
	p := DefaultRetryPolicy()
	if got := p.loadingWait(120); got != 60*time.Second {
		t.Errorf("capped wait=%v", got)
	}
	if got := p.loadingWait(0); got != 10*time.Second {
		t.Errorf("default wait=%v", got)
	}
	if got := p.loadingWait(3.5); got != 3500*time.Millisecond {
		t.Errorf("estimate wait=%v", got)
	}
	if got := p.transportWait(0); got < 5*time.Second || got > 7500*time.Millisecond {
		t.Errorf("transport wait=%v", got)
	}
}
