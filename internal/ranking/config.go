package ranking

import "github.com/hyperjump/miru/internal/profile"

const (
	DefaultCategoryWeight  = 0.3
	DefaultMaxAlternatives = 3
)

// RankingConfig holds the hybrid ranking settings.
type RankingConfig struct {
	CategoryWeight  float64              // default: 0.3, caller weight overrides per search
	AnchorPolicy    profile.AnchorPolicy // default: prefer_text
	MaxAlternatives int                  // default: 3
	Explain         bool
	Language        string // "en" or "pt", default: en
}

// DefaultRankingConfig returns the default ranking configuration.
func DefaultRankingConfig() *RankingConfig {
	return &RankingConfig{
		CategoryWeight:  DefaultCategoryWeight,
		AnchorPolicy:    profile.PolicyPreferText,
		MaxAlternatives: DefaultMaxAlternatives,
		Explain:         true,
		Language:        LanguageEnglish,
	}
}

// ApplyDefaults replaces unset or out-of-range values with defaults.
func (c *RankingConfig) ApplyDefaults() {
	if c.CategoryWeight < 0 || c.CategoryWeight > 1 {
		c.CategoryWeight = DefaultCategoryWeight
	}
	if c.AnchorPolicy == "" {
		c.AnchorPolicy = profile.PolicyPreferText
	}
	if c.MaxAlternatives <= 0 {
		c.MaxAlternatives = DefaultMaxAlternatives
	}
	if _, ok := templates[c.Language]; !ok {
		c.Language = LanguageEnglish
	}
}
