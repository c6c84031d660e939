package plugin

import (
	"testing"
)

func manifestNamed(name string, deps ...string) *Manifest {
	return &Manifest{Name: name, Dependencies: deps}
}

func orderOf(manifests []*Manifest) map[string]int {
	pos := make(map[string]int, len(manifests))
	for i, m := range manifests {
		pos[m.Name] = i
	}
	return pos
}

func TestOrderDependenciesFirst(t *testing.T) {
	r := NewResolver(nil)
	out := r.Order([]*Manifest{
		manifestNamed("gallery", "media-core"),
		manifestNamed("media-core"),
		manifestNamed("seo"),
	})

	if len(out) != 3 {
		t.Fatalf("got %d manifests, want 3", len(out))
	}
	pos := orderOf(out)
	if pos["media-core"] > pos["gallery"] {
		t.Errorf("media-core at %d should precede gallery at %d", pos["media-core"], pos["gallery"])
	}
}

func TestOrderCycleTolerated(t *testing.T) {
	r := NewResolver(nil)
	out := r.Order([]*Manifest{
		manifestNamed("a", "b"),
		manifestNamed("b", "a"),
	})

	if len(out) != 2 {
		t.Fatalf("got %d manifests, want both emitted despite cycle", len(out))
	}
	seen := map[string]int{}
	for _, m := range out {
		seen[m.Name]++
	}
	for name, n := range seen {
		if n != 1 {
			t.Errorf("plugin %q emitted %d times, want exactly once", name, n)
		}
	}
}

func TestOrderMissingDependencyDoesNotBlock(t *testing.T) {
	r := NewResolver(nil)
	out := r.Order([]*Manifest{
		manifestNamed("gallery", "not-installed"),
	})

	if len(out) != 1 || out[0].Name != "gallery" {
		t.Fatalf("got %v, want gallery emitted despite missing dependency", out)
	}
}

func TestOrderPreservesInputOrderForUnrelated(t *testing.T) {
	r := NewResolver(nil)
	out := r.Order([]*Manifest{
		manifestNamed("one"),
		manifestNamed("two"),
		manifestNamed("three"),
	})

	want := []string{"one", "two", "three"}
	for i, m := range out {
		if m.Name != want[i] {
			t.Errorf("position %d = %q, want %q", i, m.Name, want[i])
		}
	}
}

func TestOrderDiamond(t *testing.T) {
	r := NewResolver(nil)
	out := r.Order([]*Manifest{
		manifestNamed("top", "left", "right"),
		manifestNamed("left", "base"),
		manifestNamed("right", "base"),
		manifestNamed("base"),
	})

	if len(out) != 4 {
		t.Fatalf("got %d manifests, want 4", len(out))
	}
	pos := orderOf(out)
	if pos["base"] != 0 {
		t.Errorf("base at %d, want first", pos["base"])
	}
	if pos["top"] != 3 {
		t.Errorf("top at %d, want last", pos["top"])
	}
}
