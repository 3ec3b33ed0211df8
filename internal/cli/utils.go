// Package cli provides CLI output helpers for miru.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/pkg/utils"
)

// SearchOutputFormat is the format for search result output.
type SearchOutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText SearchOutputFormat = "text"
	// OutputCompact prints one line per match.
	OutputCompact SearchOutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON SearchOutputFormat = "json"
)

// WriteSearchResults writes a search result to w in the given format.
// Unknown formats fall back to text.
func WriteSearchResults(w io.Writer, result *models.SearchResult, format SearchOutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, result)
	case OutputCompact:
		writeSearchResultsCompact(w, result)
		return nil
	default:
		writeSearchResultsText(w, result)
		return nil
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeSearchResultsText(w io.Writer, result *models.SearchResult) {
	fmt.Fprintf(w, "\nRanked %d candidates in %dms (category weight %.2f)\n\n",
		result.Candidates, result.QueryTime, result.Weight)
	if result.BestMatch == nil {
		fmt.Fprintln(w, "No match found.")
		if result.Explanation != "" {
			fmt.Fprintf(w, "\n%s\n", result.Explanation)
		}
		return
	}
	fmt.Fprintln(w, "--- Best match ---")
	writeOneMatch(w, result.BestMatch)
	if result.Explanation != "" {
		fmt.Fprintf(w, "%s\n\n", utils.Truncate(result.Explanation, 400))
	}
	if len(result.Alternatives) > 0 {
		fmt.Fprintln(w, "--- Alternatives ---")
		for _, m := range result.Alternatives {
			writeOneMatch(w, m)
		}
	}
}

func writeOneMatch(w io.Writer, m *models.Match) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Rank: %d | Score: %.4f (%.1f%%) (Visual: %.4f, Category: %.4f)\n",
		m.Rank, m.CombinedScore, m.Percentage, m.VisualSimilarity, m.CategorySimilarity)
	if m.Image != nil {
		fmt.Fprintf(w, "Image: %d %s\n", m.Image.ID, displayName(m.Image))
	}
	if m.Category != nil {
		fmt.Fprintf(w, "Category: %s\n", m.Category.Name)
	}
	fmt.Fprintln(w)
}

func writeSearchResultsCompact(w io.Writer, result *models.SearchResult) {
	if result.BestMatch == nil {
		fmt.Fprintln(w, "no match")
		return
	}
	matches := append([]*models.Match{result.BestMatch}, result.Alternatives...)
	for _, m := range matches {
		category := "-"
		if m.Category != nil {
			category = m.Category.Name
		}
		name := "-"
		if m.Image != nil {
			name = displayName(m.Image)
		}
		fmt.Fprintf(w, "%d\t%.1f%%\t%s\t%s\n", m.Rank, m.Percentage, category, name)
	}
}

func displayName(img *models.Image) string {
	if img.OriginalFilename != "" {
		return img.OriginalFilename
	}
	return img.Filename
}

// WriteCategories writes categories and their image counts. counts may be nil.
func WriteCategories(w io.Writer, cats []*models.Category, counts map[int64]int, format SearchOutputFormat) error {
	if format == OutputJSON {
		type row struct {
			*models.Category
			ImageCount int `json:"image_count"`
		}
		rows := make([]row, 0, len(cats))
		for _, c := range cats {
			rows = append(rows, row{Category: c, ImageCount: counts[c.ID]})
		}
		return writeJSON(w, rows)
	}
	if len(cats) == 0 {
		fmt.Fprintln(w, "No categories.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tIMAGES\tDESCRIPTION")
	for _, c := range cats {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", c.ID, c.Name, counts[c.ID], utils.Truncate(c.Description, 60))
	}
	return tw.Flush()
}

// PrintSearchResults prints a search result to stdout in text format.
func PrintSearchResults(result *models.SearchResult) {
	_ = WriteSearchResults(os.Stdout, result, OutputText)
}

// ParseFormat maps a flag value to an output format.
func ParseFormat(s string) (SearchOutputFormat, error) {
	switch f := SearchOutputFormat(s); f {
	case "", OutputText:
		return OutputText, nil
	case OutputCompact, OutputJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, compact or json)", s)
	}
}
