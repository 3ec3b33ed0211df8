// Package profile keeps one similarity anchor per category.
package profile

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperjump/miru/internal/embedding"
	"github.com/hyperjump/miru/internal/vector"
)

// AnchorPolicy selects which anchor Similarity compares against.
type AnchorPolicy string

const (
	// PolicyText compares a text-space query against the description anchor only.
	PolicyText AnchorPolicy = "text"
	// PolicyCentroid compares an image-space query against the member centroid only.
	PolicyCentroid AnchorPolicy = "centroid"
	// PolicyPreferText uses the description anchor when present, otherwise the centroid.
	PolicyPreferText AnchorPolicy = "prefer_text"
)

// ParsePolicy parses a policy name. The empty string selects PolicyPreferText.
func ParsePolicy(s string) (AnchorPolicy, error) {
	switch p := AnchorPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyPreferText, nil
	case PolicyText, PolicyCentroid, PolicyPreferText:
		return p, nil
	default:
		return "", fmt.Errorf("unknown anchor policy %q", s)
	}
}

// AnchorKind identifies the anchor chosen for a category.
type AnchorKind int

const (
	AnchorNone AnchorKind = iota
	AnchorText
	AnchorCentroid
)

type categoryProfile struct {
	text     []float32
	centroid []float32
}

func (p *categoryProfile) empty() bool {
	return p.text == nil && p.centroid == nil
}

// Store maps category IDs to their anchors. A Store is not safe for
// concurrent mutation; the engine treats a published Store as read-only and
// mutates clones.
type Store struct {
	profiles map[int64]*categoryProfile
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{profiles: make(map[int64]*categoryProfile)}
}

// SetFromDescription stores the normalized text embedding of description as
// the category's text anchor. An empty description clears it.
func (s *Store) SetFromDescription(ctx context.Context, embedder embedding.TextEmbedder, categoryID int64, description string) error {
	description = strings.TrimSpace(description)
	if description == "" {
		s.setText(categoryID, nil)
		return nil
	}
	vec, err := embedder.TextEmbedding(ctx, description)
	if err != nil {
		return fmt.Errorf("embed description of category %d: %w", categoryID, err)
	}
	s.SetTextAnchor(categoryID, vec)
	return nil
}

// SetTextAnchor stores a normalized copy of vec as the text anchor. A nil or
// zero vector clears it.
func (s *Store) SetTextAnchor(categoryID int64, vec []float32) {
	if len(vec) == 0 || vector.IsZero(vec) {
		s.setText(categoryID, nil)
		return
	}
	s.setText(categoryID, vector.Normalize(vec))
}

func (s *Store) setText(categoryID int64, vec []float32) {
	p := s.profiles[categoryID]
	if p == nil {
		if vec == nil {
			return
		}
		p = &categoryProfile{}
		s.profiles[categoryID] = p
	}
	p.text = vec
	if p.empty() {
		delete(s.profiles, categoryID)
	}
}

// SetCentroidFromMembers stores the re-normalized mean of members as the
// centroid anchor. With no members, or members that cancel out, the centroid
// is cleared.
func (s *Store) SetCentroidFromMembers(categoryID int64, members [][]float32) {
	mean := vector.Mean(members)
	var centroid []float32
	if mean != nil && !vector.IsZero(mean) {
		centroid = vector.Normalize(mean)
	}
	p := s.profiles[categoryID]
	if p == nil {
		if centroid == nil {
			return
		}
		p = &categoryProfile{}
		s.profiles[categoryID] = p
	}
	p.centroid = centroid
	if p.empty() {
		delete(s.profiles, categoryID)
	}
}

// Remove drops every anchor for the category.
func (s *Store) Remove(categoryID int64) {
	delete(s.profiles, categoryID)
}

// Has reports whether the category has any anchor.
func (s *Store) Has(categoryID int64) bool {
	_, ok := s.profiles[categoryID]
	return ok
}

// Len returns the number of categories with an anchor.
func (s *Store) Len() int {
	return len(s.profiles)
}

// Anchor returns which anchor policy selects for the category.
func (s *Store) Anchor(policy AnchorPolicy, categoryID int64) AnchorKind {
	p := s.profiles[categoryID]
	if p == nil {
		return AnchorNone
	}
	switch policy {
	case PolicyText:
		if p.text != nil {
			return AnchorText
		}
	case PolicyCentroid:
		if p.centroid != nil {
			return AnchorCentroid
		}
	default:
		if p.text != nil {
			return AnchorText
		}
		if p.centroid != nil {
			return AnchorCentroid
		}
	}
	return AnchorNone
}

// Similarity returns the clamped inner product of query against the anchor
// policy selects. The query must live in the anchor's space: text space for
// AnchorText, image space for AnchorCentroid. A missing anchor, or a query of
// the wrong dimension, scores 0.
func (s *Store) Similarity(policy AnchorPolicy, categoryID int64, query []float32) float64 {
	var anchor []float32
	switch s.Anchor(policy, categoryID) {
	case AnchorText:
		anchor = s.profiles[categoryID].text
	case AnchorCentroid:
		anchor = s.profiles[categoryID].centroid
	default:
		return 0
	}
	if len(query) != len(anchor) {
		return 0
	}
	return vector.Clamp01(vector.InnerProduct(vector.Normalize(query), anchor))
}

// Clone returns a store that can be mutated without affecting s. Anchor
// vectors are immutable and shared.
func (s *Store) Clone() *Store {
	out := &Store{profiles: make(map[int64]*categoryProfile, len(s.profiles))}
	for id, p := range s.profiles {
		cp := *p
		out.profiles[id] = &cp
	}
	return out
}
