package ranking

import (
	"sort"

	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/profile"
	"github.com/hyperjump/miru/pkg/utils"
)

// Ranker scores candidates as (1-w)*visual + w*category and builds the result.
type Ranker struct {
	config    *RankingConfig
	explainer *Explainer
	logger    *zap.Logger
}

// RankerOption configures a Ranker.
type RankerOption func(*Ranker)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) RankerOption {
	return func(r *Ranker) {
		r.logger = logger
	}
}

// WithImageLoader lets the explainer caption matched images.
func WithImageLoader(loader ImageLoader) RankerOption {
	return func(r *Ranker) {
		r.explainer.loader = loader
	}
}

// NewRanker creates a new Ranker with the given configuration.
func NewRanker(config *RankingConfig, opts ...RankerOption) *Ranker {
	if config == nil {
		config = DefaultRankingConfig()
	}
	config.ApplyDefaults()

	r := &Ranker{
		config: config,
		logger: zap.NewNop(),
	}
	r.explainer = &Explainer{language: config.Language}
	for _, opt := range opts {
		opt(r)
	}
	r.explainer.logger = r.logger
	return r
}

// Config returns the ranker's configuration.
func (r *Ranker) Config() *RankingConfig {
	return r.config
}

// Combine returns the convex combination of visual and category similarity.
func Combine(visual, category, weight float64) float64 {
	return (1-weight)*visual + weight*category
}

// CategorySimilarity scores the category affinity of the query, using the
// raw image vector against centroids and the caption text vector against
// text anchors. With prefer_text and no query caption, the centroid is used.
func (r *Ranker) CategorySimilarity(qc *QueryContext, profiles *profile.Store, categoryID int64) float64 {
	if s, ok := qc.categoryScores[categoryID]; ok {
		return s
	}
	var score float64
	switch profiles.Anchor(r.config.AnchorPolicy, categoryID) {
	case profile.AnchorCentroid:
		score = profiles.Similarity(profile.PolicyCentroid, categoryID, qc.ImageVector())
	case profile.AnchorText:
		if tv, ok := qc.TextVector(); ok {
			score = profiles.Similarity(profile.PolicyText, categoryID, tv)
		} else if r.config.AnchorPolicy == profile.PolicyPreferText {
			score = profiles.Similarity(profile.PolicyCentroid, categoryID, qc.ImageVector())
		}
	}
	qc.categoryScores[categoryID] = score
	return score
}

// Rank fills in category and combined scores and sorts candidates by
// combined score descending. Ties keep the incoming (ANN) order.
func (r *Ranker) Rank(qc *QueryContext, profiles *profile.Store, candidates []*Candidate, weight float64) []*Candidate {
	for _, c := range candidates {
		if c.Image != nil {
			c.CategorySimilarity = r.CategorySimilarity(qc, profiles, c.Image.CategoryID)
		}
		c.CombinedScore = Combine(c.VisualSimilarity, c.CategorySimilarity, weight)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CombinedScore > candidates[j].CombinedScore
	})
	return candidates
}

// Result ranks candidates and assembles the best match, alternatives and explanation.
func (r *Ranker) Result(qc *QueryContext, profiles *profile.Store, candidates []*Candidate, weight float64, explain bool) *models.SearchResult {
	ranked := r.Rank(qc, profiles, candidates, weight)
	result := &models.SearchResult{
		Alternatives: make([]*models.Match, 0),
		Candidates:   len(ranked),
		Weight:       weight,
	}
	if len(ranked) == 0 {
		result.Explanation = r.explainer.NoMatch()
		return result
	}

	best := ranked[0]
	result.BestMatch = toMatch(best, 1)
	result.CombinedScore = best.CombinedScore
	result.Percentage = result.BestMatch.Percentage
	for i := 1; i < len(ranked) && i <= r.config.MaxAlternatives; i++ {
		result.Alternatives = append(result.Alternatives, toMatch(ranked[i], i+1))
	}
	if explain {
		result.Explanation = r.explainer.Explain(qc, best)
	} else {
		result.Explanation = r.explainer.Numeric(best)
	}
	return result
}

// EmptyIndexResult is returned when nothing has been indexed.
func (r *Ranker) EmptyIndexResult(weight float64) *models.SearchResult {
	return &models.SearchResult{
		Explanation:  r.explainer.EmptyIndex(),
		Alternatives: make([]*models.Match, 0),
		Weight:       weight,
	}
}

func toMatch(c *Candidate, rank int) *models.Match {
	return &models.Match{
		Image:              c.Image,
		Category:           c.Category,
		VisualSimilarity:   c.VisualSimilarity,
		CategorySimilarity: c.CategorySimilarity,
		CombinedScore:      c.CombinedScore,
		Percentage:         utils.Percent(c.CombinedScore),
		Rank:               rank,
	}
}
