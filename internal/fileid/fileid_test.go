package fileid

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestContentHash(t *testing.T) {
	h1 := ContentHash([]byte("image bytes"))
	h2 := ContentHash([]byte("image bytes"))
	if h1 != h2 {
		t.Errorf("same content should give same hash: %q vs %q", h1, h2)
	}
	if !strings.HasPrefix(h1, hashPrefix) {
		t.Errorf("hash should have prefix %q: got %q", hashPrefix, h1)
	}
	if len(h1) != len(hashPrefix)+64 {
		t.Errorf("unexpected hash length %d", len(h1))
	}
}

func TestContentHash_differentContent(t *testing.T) {
	if ContentHash([]byte("a")) == ContentHash([]byte("b")) {
		t.Error("different content should give different hashes")
	}
}

func TestSourcePath(t *testing.T) {
	got, err := SourcePath("/foo/./bar/../baz.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Clean("/foo/baz.jpg") {
		t.Errorf("SourcePath = %q", got)
	}

	rel, err := SourcePath("a/b.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(rel) {
		t.Errorf("relative path should become absolute: %q", rel)
	}
}

func TestCategoryName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/inbox/dogs/rex.jpg", "dogs"},
		{"/inbox/dogs/./rex.jpg", "dogs"},
		{"/inbox/birds/small/robin.png", "small"},
	}
	for _, tt := range tests {
		if got := CategoryName(tt.path); got != tt.want {
			t.Errorf("CategoryName(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
