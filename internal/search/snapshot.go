package search

import (
	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/profile"
	"github.com/hyperjump/miru/internal/vector"
)

// snapshot is an immutable view of the index and its mappings. Searches read
// a snapshot without locking; writers derive a new one and swap it in.
type snapshot struct {
	index      *vector.FlatIndex
	profiles   *profile.Store
	slots      []int64                    // slot -> image id
	images     map[int64]*models.Image    // image id -> record
	categories map[int64]*models.Category // category id -> record
}

func newSnapshot(dimensions int) (*snapshot, error) {
	idx, err := vector.NewFlatIndex(dimensions)
	if err != nil {
		return nil, err
	}
	return &snapshot{
		index:      idx,
		profiles:   profile.NewStore(),
		slots:      make([]int64, 0),
		images:     make(map[int64]*models.Image),
		categories: make(map[int64]*models.Category),
	}, nil
}

// withImage returns a snapshot with img appended at the next slot. The
// receiver is not modified. Centroids are left unchanged.
func (s *snapshot) withImage(img *models.Image, vec []float32) (*snapshot, error) {
	if _, ok := s.images[img.ID]; ok {
		return nil, ErrDuplicateImage
	}
	idx := s.index.Clone()
	if _, err := idx.Append(vec); err != nil {
		return nil, err
	}
	slots := make([]int64, len(s.slots), len(s.slots)+1)
	copy(slots, s.slots)
	images := make(map[int64]*models.Image, len(s.images)+1)
	for id, rec := range s.images {
		images[id] = rec
	}
	images[img.ID] = img
	return &snapshot{
		index:      idx,
		profiles:   s.profiles,
		slots:      append(slots, img.ID),
		images:     images,
		categories: s.categories,
	}, nil
}

// withCategory returns a snapshot with the category record replaced and its
// text anchor set from textVector (nil clears it).
func (s *snapshot) withCategory(cat *models.Category, textVector []float32) *snapshot {
	profiles := s.profiles.Clone()
	profiles.SetTextAnchor(cat.ID, textVector)
	categories := make(map[int64]*models.Category, len(s.categories)+1)
	for id, rec := range s.categories {
		categories[id] = rec
	}
	categories[cat.ID] = cat
	return &snapshot{
		index:      s.index,
		profiles:   profiles,
		slots:      s.slots,
		images:     s.images,
		categories: categories,
	}
}

// imageID resolves a slot, or reports false for an unknown slot.
func (s *snapshot) imageID(slot int) (int64, bool) {
	if slot < 0 || slot >= len(s.slots) {
		return 0, false
	}
	return s.slots[slot], true
}
