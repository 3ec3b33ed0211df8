package models

// Match is one ranked candidate with its component scores.
type Match struct {
	Image              *Image    `json:"image"`
	Category           *Category `json:"category,omitempty"`
	VisualSimilarity   float64   `json:"visual_similarity"`
	CategorySimilarity float64   `json:"category_similarity"`
	CombinedScore      float64   `json:"combined_score"`
	Percentage         float64   `json:"percentage"`
	Rank               int       `json:"rank"`
}

// SearchResult is the response for a search request. BestMatch is nil when
// nothing is indexed or no candidate could be resolved; Explanation is always set.
type SearchResult struct {
	BestMatch     *Match   `json:"best_match"`
	CombinedScore float64  `json:"combined_score"`
	Percentage    float64  `json:"percentage"`
	Explanation   string   `json:"explanation"`
	Alternatives  []*Match `json:"alternatives"`
	// Candidates is the number of resolved ANN candidates that were ranked.
	Candidates int     `json:"candidates"`
	Weight     float64 `json:"weight"`
	QueryTime  int64   `json:"query_time_ms"`
}
