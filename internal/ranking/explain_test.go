package ranking

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hyperjump/miru/internal/models"
)

func TestExplainer_Tier(t *testing.T) {
	e := &Explainer{language: LanguageEnglish}
	tests := []struct {
		pct  float64
		want string
	}{
		{100, "high match"},
		{80, "high match"},
		{79.9, "moderate match"},
		{60, "moderate match"},
		{59.9, "some resemblance"},
		{0, "some resemblance"},
	}
	for _, tt := range tests {
		if got := e.Tier(tt.pct); got != tt.want {
			t.Errorf("Tier(%v)=%q, want %q", tt.pct, got, tt.want)
		}
	}
}

func bestCandidate(score float64) *Candidate {
	return &Candidate{
		Image:         &models.Image{ID: 1, CategoryID: 1, StorageLocator: "match.jpg"},
		Category:      &models.Category{ID: 1, Name: "Cats", Description: "Domestic cats"},
		CombinedScore: score,
	}
}

func TestExplainer_FullSentence(t *testing.T) {
	p := &fakeProvider{
		captions: map[string]string{"query": "a cat on a sofa", "match-bytes": "a sleeping cat"},
	}
	e := &Explainer{language: LanguageEnglish, loader: mapLoader{"match.jpg": []byte("match-bytes")}}
	qc := NewQueryContext(context.Background(), p, []byte("query"), nil)
	got := e.Explain(qc, bestCandidate(0.873))
	want := "A cat on a sofa and a sleeping cat are a high match (87.3%) in category 'Cats': Domestic cats."
	if got != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}
}

func TestExplainer_PlaceholdersWithoutCaptions(t *testing.T) {
	e := &Explainer{language: LanguageEnglish}
	qc := NewQueryContext(context.Background(), &fakeProvider{}, []byte("query"), nil)
	got := e.Explain(qc, bestCandidate(0.65))
	if !strings.HasPrefix(got, "The query image and the matched image are a moderate match (65.0%)") {
		t.Errorf("got %q", got)
	}
}

func TestExplainer_Portuguese(t *testing.T) {
	p := &fakeProvider{
		captions:     map[string]string{"query": "a dog"},
		translations: map[string]string{"a dog": "um cachorro"},
	}
	e := &Explainer{language: LanguagePortuguese}
	qc := NewQueryContext(context.Background(), p, []byte("query"), nil)
	got := e.Explain(qc, bestCandidate(0.42))
	if !strings.HasPrefix(got, "Um cachorro e a imagem correspondente têm alguma semelhança (42.0%)") {
		t.Errorf("got %q", got)
	}
}

func TestExplainer_FailuresFallBackToNumeric(t *testing.T) {
	want := "Image classified in category 'Cats' with 91.0% similarity."

	e := &Explainer{language: LanguageEnglish}
	qc := NewQueryContext(context.Background(), &fakeProvider{captionErr: errors.New("down")}, []byte("q"), nil)
	if got := e.Explain(qc, bestCandidate(0.91)); got != want {
		t.Errorf("caption error: got %q", got)
	}

	e = &Explainer{language: LanguageEnglish, loader: mapLoader{}}
	qc = NewQueryContext(context.Background(), &fakeProvider{}, []byte("q"), nil)
	if got := e.Explain(qc, bestCandidate(0.91)); got != want {
		t.Errorf("loader error: got %q", got)
	}
}

func TestExplainer_NoCategory(t *testing.T) {
	e := &Explainer{language: LanguageEnglish}
	got := e.Numeric(&Candidate{CombinedScore: 0.5})
	if got != "Image classified in category 'uncategorized' with 50.0% similarity." {
		t.Errorf("got %q", got)
	}
}
