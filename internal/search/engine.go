// Package search provides the retrieval engine: exact visual search re-ranked by category affinity.
package search

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/embedding"
	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/ranking"
	"github.com/hyperjump/miru/internal/vector"
)

// State is the engine lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateRebuilding
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateRebuilding:
		return "rebuilding"
	default:
		return "unknown"
	}
}

// ImageLookup resolves an image id to its current record. A nil record or an
// error drops the candidate.
type ImageLookup interface {
	GetImage(ctx context.Context, id int64) (*models.Image, error)
}

// BuildStats summarizes a corpus build.
type BuildStats struct {
	Indexed    int           `json:"indexed"`
	Skipped    int           `json:"skipped"`
	Categories int           `json:"categories"`
	Duration   time.Duration `json:"duration"`
}

// Stats describes the installed snapshot.
type Stats struct {
	State      string `json:"state"`
	Images     int    `json:"images"`
	Categories int    `json:"categories"`
	Profiles   int    `json:"profiles"`
	Dimensions int    `json:"dimensions"`
}

// mutation replays an incremental change onto a snapshot built by a rebuild
// that started before the change was committed.
type mutation struct {
	seq   uint64
	apply func(*snapshot) (*snapshot, error)
}

// Engine is the retrieval engine. It is safe for concurrent use.
type Engine struct {
	provider embedding.Provider
	loader   ranking.ImageLoader
	lookup   ImageLookup
	ranker   *ranking.Ranker
	pool     *ants.Pool
	logger   *zap.Logger

	current    atomic.Pointer[snapshot]
	generation atomic.Uint64
	rebuilding atomic.Int32

	mu      sync.Mutex // serializes commits; guards seq and pending
	seq     uint64
	pending []mutation
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithLookup resolves candidates through lookup instead of the indexed records.
func WithLookup(lookup ImageLookup) EngineOption {
	return func(e *Engine) {
		e.lookup = lookup
	}
}

// WithRanker replaces the default ranker.
func WithRanker(r *ranking.Ranker) EngineOption {
	return func(e *Engine) {
		e.ranker = r
	}
}

// WithConcurrency bounds the number of images embedded in parallel during a rebuild.
func WithConcurrency(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.pool.Tune(n)
		}
	}
}

// NewEngine creates an uninitialized engine. loader fetches image bytes by
// storage locator for embedding.
func NewEngine(provider embedding.Provider, loader ranking.ImageLoader, opts ...EngineOption) (*Engine, error) {
	if provider == nil || loader == nil {
		return nil, fmt.Errorf("provider and loader are required")
	}
	size := runtime.NumCPU()
	if size > 4 {
		size = 4
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	e := &Engine{
		provider: provider,
		loader:   loader,
		pool:     pool,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.ranker == nil {
		e.ranker = ranking.NewRanker(nil, ranking.WithLogger(e.logger), ranking.WithImageLoader(loader))
	}
	return e, nil
}

// Close releases the worker pool. The engine must not be used afterwards.
func (e *Engine) Close() {
	e.pool.Release()
}

// State reports the lifecycle state.
func (e *Engine) State() State {
	if e.rebuilding.Load() > 0 {
		return StateRebuilding
	}
	if e.current.Load() == nil {
		return StateUninitialized
	}
	return StateReady
}

// Stats describes the installed snapshot.
func (e *Engine) Stats() Stats {
	st := Stats{State: e.State().String(), Dimensions: e.provider.ImageDimensions()}
	if snap := e.current.Load(); snap != nil {
		st.Images = snap.index.Size()
		st.Categories = len(snap.categories)
		st.Profiles = snap.profiles.Len()
	}
	return st
}

// Reset returns the engine to the uninitialized state. In-flight rebuilds are discarded.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generation.Add(1)
	e.current.Store(nil)
	e.pending = nil
}

// CorpusLoader returns the images and categories a rebuild indexes.
type CorpusLoader func(ctx context.Context) ([]*models.Image, []*models.Category, error)

// InitializeFromCorpus builds a fresh snapshot from the given corpus and
// installs it. Category anchors come from descriptions and member centroids.
// Images that fail to load or embed are skipped. If a newer rebuild or a
// Reset starts before this one finishes, its result is discarded and
// ErrRebuildSuperseded is returned.
func (e *Engine) InitializeFromCorpus(ctx context.Context, images []*models.Image, categories []*models.Category) (*BuildStats, error) {
	return e.RebuildFrom(ctx, func(context.Context) ([]*models.Image, []*models.Category, error) {
		return images, categories, nil
	})
}

// RebuildFrom is InitializeFromCorpus with the corpus read by load. Mutations
// committed from the moment load is called are replayed onto the result, so
// an add that load's listing misses still ends up in the index.
func (e *Engine) RebuildFrom(ctx context.Context, load CorpusLoader) (*BuildStats, error) {
	start := time.Now()
	gen := e.generation.Add(1)
	e.mu.Lock()
	startSeq := e.seq
	e.rebuilding.Add(1)
	e.mu.Unlock()
	defer e.finishRebuild()

	images, categories, err := load(ctx)
	if err != nil {
		return nil, err
	}

	snap, err := newSnapshot(e.provider.ImageDimensions())
	if err != nil {
		return nil, err
	}

	for _, cat := range categories {
		if cat == nil {
			continue
		}
		snap.categories[cat.ID] = cat
		if err := snap.profiles.SetFromDescription(ctx, e.provider, cat.ID, cat.Description); err != nil {
			e.logger.Warn("category description embedding failed",
				zap.Int64("category_id", cat.ID),
				zap.Error(err))
		}
	}

	vectors := e.embedAll(ctx, images)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &BuildStats{Categories: len(snap.categories)}
	members := make(map[int64][][]float32)
	for i, img := range images {
		if img == nil || vectors[i] == nil {
			stats.Skipped++
			continue
		}
		if _, dup := snap.images[img.ID]; dup {
			e.logger.Warn("duplicate image in corpus", zap.Int64("image_id", img.ID))
			stats.Skipped++
			continue
		}
		slot, err := snap.index.Append(vectors[i])
		if err != nil {
			e.logger.Warn("skipping image", zap.Int64("image_id", img.ID), zap.Error(err))
			stats.Skipped++
			continue
		}
		snap.slots = append(snap.slots, img.ID)
		snap.images[img.ID] = img
		members[img.CategoryID] = append(members[img.CategoryID], snap.index.Vector(slot))
		stats.Indexed++
	}
	for categoryID, vecs := range members {
		snap.profiles.SetCentroidFromMembers(categoryID, vecs)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation.Load() != gen {
		e.logger.Info("discarding superseded rebuild", zap.Int("indexed", stats.Indexed))
		return nil, ErrRebuildSuperseded
	}
	for _, m := range e.pending {
		if m.seq <= startSeq {
			continue
		}
		next, err := m.apply(snap)
		if err != nil {
			continue
		}
		snap = next
	}
	e.current.Store(snap)
	stats.Duration = time.Since(start)
	e.logger.Info("index rebuilt",
		zap.Int("indexed", stats.Indexed),
		zap.Int("skipped", stats.Skipped),
		zap.Int("categories", stats.Categories),
		zap.Duration("duration", stats.Duration))
	return stats, nil
}

func (e *Engine) finishRebuild() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rebuilding.Add(-1) == 0 {
		e.pending = nil
	}
}

// embedAll embeds images on the worker pool. Failed entries are nil.
func (e *Engine) embedAll(ctx context.Context, images []*models.Image) [][]float32 {
	vectors := make([][]float32, len(images))
	var wg sync.WaitGroup
	for i, img := range images {
		if img == nil {
			continue
		}
		wg.Add(1)
		err := e.pool.Submit(func() {
			defer wg.Done()
			vec, err := e.embedImage(ctx, img)
			if err != nil {
				e.logger.Warn("skipping image", zap.Int64("image_id", img.ID), zap.Error(err))
				return
			}
			vectors[i] = vec
		})
		if err != nil {
			wg.Done()
			e.logger.Warn("skipping image", zap.Int64("image_id", img.ID), zap.Error(err))
		}
	}
	wg.Wait()
	return vectors
}

func (e *Engine) embedImage(ctx context.Context, img *models.Image) ([]float32, error) {
	data, err := e.loader.Load(ctx, img.StorageLocator)
	if err != nil {
		return nil, fmt.Errorf("load image %d: %w", img.ID, err)
	}
	vec, err := e.provider.ImageEmbedding(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%w: image %d: %w", ErrEmbeddingProvider, img.ID, err)
	}
	return vec, nil
}

// commit applies m to the current snapshot and records it for replay onto
// any rebuild in flight.
func (e *Engine) commit(m func(*snapshot) (*snapshot, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.current.Load()
	if snap == nil {
		return ErrNotInitialized
	}
	next, err := m(snap)
	if err != nil {
		return err
	}
	e.current.Store(next)
	e.seq++
	if e.rebuilding.Load() > 0 {
		e.pending = append(e.pending, mutation{seq: e.seq, apply: m})
	}
	return nil
}

// AddOne embeds img and appends it to the live index without touching
// existing slots or centroids.
func (e *Engine) AddOne(ctx context.Context, img *models.Image) error {
	if img == nil {
		return fmt.Errorf("image record is required")
	}
	snap := e.current.Load()
	if snap == nil {
		return ErrNotInitialized
	}
	if _, ok := snap.images[img.ID]; ok {
		return ErrDuplicateImage
	}
	vec, err := e.embedImage(ctx, img)
	if err != nil {
		return err
	}
	if err := e.commit(func(s *snapshot) (*snapshot, error) {
		return s.withImage(img, vec)
	}); err != nil {
		return err
	}
	e.logger.Debug("image added", zap.Int64("image_id", img.ID), zap.Int64("category_id", img.CategoryID))
	return nil
}

// UpdateCategory replaces the category record and recomputes its text anchor.
func (e *Engine) UpdateCategory(ctx context.Context, cat *models.Category) error {
	if cat == nil {
		return fmt.Errorf("category record is required")
	}
	if e.current.Load() == nil {
		return ErrNotInitialized
	}
	var textVector []float32
	if strings.TrimSpace(cat.Description) != "" {
		vec, err := e.provider.TextEmbedding(ctx, cat.Description)
		if err != nil {
			return fmt.Errorf("%w: category %d: %w", ErrEmbeddingProvider, cat.ID, err)
		}
		textVector = vec
	}
	return e.commit(func(s *snapshot) (*snapshot, error) {
		return s.withCategory(cat, textVector), nil
	})
}

// Search embeds the query image, retrieves the top-k visually similar
// images and re-ranks them by category affinity.
func (e *Engine) Search(ctx context.Context, query *models.SearchQuery) (*models.SearchResult, error) {
	startTime := time.Now()
	if err := query.Validate(); err != nil {
		return nil, err
	}
	snap := e.current.Load()
	if snap == nil {
		return nil, ErrNotInitialized
	}
	weight := e.ranker.Config().CategoryWeight
	if query.Weight != nil {
		weight = *query.Weight
	}
	if snap.index.Size() == 0 {
		result := e.ranker.EmptyIndexResult(weight)
		result.QueryTime = time.Since(startTime).Milliseconds()
		return result, nil
	}

	queryVector, err := e.provider.ImageEmbedding(ctx, query.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: query image: %w", ErrEmbeddingProvider, err)
	}
	hits, err := snap.index.Search(queryVector, query.TopK)
	if err != nil {
		if errors.Is(err, vector.ErrEmptyIndex) {
			return e.ranker.EmptyIndexResult(weight), nil
		}
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	candidates := e.resolve(ctx, snap, hits)
	qc := ranking.NewQueryContext(ctx, e.provider, query.Image, vector.Normalize(queryVector))
	explain := e.ranker.Config().Explain
	if query.Explain != nil {
		explain = *query.Explain
	}
	result := e.ranker.Result(qc, snap.profiles, candidates, weight, explain)
	result.QueryTime = time.Since(startTime).Milliseconds()
	return result, nil
}

// resolve maps hits to records, dropping unknown slots, unresolvable
// records and repeated ids.
func (e *Engine) resolve(ctx context.Context, snap *snapshot, hits []vector.Hit) []*ranking.Candidate {
	candidates := make([]*ranking.Candidate, 0, len(hits))
	seen := make(map[int64]bool, len(hits))
	for _, hit := range hits {
		id, ok := snap.imageID(hit.Slot)
		if !ok || seen[id] {
			continue
		}
		record := snap.images[id]
		if e.lookup != nil {
			rec, err := e.lookup.GetImage(ctx, id)
			if err != nil || rec == nil {
				e.logger.Debug("dropping unresolved candidate", zap.Int64("image_id", id), zap.Error(err))
				continue
			}
			record = rec
		}
		if record == nil {
			continue
		}
		seen[id] = true
		candidates = append(candidates, &ranking.Candidate{
			Slot:             hit.Slot,
			Image:            record,
			Category:         snap.categories[record.CategoryID],
			VisualSimilarity: hit.Score,
		})
	}
	return candidates
}
