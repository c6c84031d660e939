package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func loaderManifest(t *testing.T, content string) *Manifest {
	t.Helper()
	root := t.TempDir()
	writePlugin(t, root, "alpha", "main.lua", content)

	store := NewStore(nil)
	manifests := store.Scan(root)
	if len(manifests) != 1 {
		t.Fatalf("got %d manifests, want 1", len(manifests))
	}
	return manifests[0]
}

const validEntry = `return { config = { name = "alpha", version = "1.0.0" } }`

func TestLoaderLoadSuccess(t *testing.T) {
	m := loaderManifest(t, validEntry)
	l := NewLoader(nil)

	outcome, err := l.Load(m, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if outcome.Skipped || outcome.CacheHit {
		t.Errorf("outcome = %+v, want a fresh load", outcome)
	}
	if outcome.Module == nil {
		t.Fatal("Module is nil")
	}
	defer outcome.Module.Close()

	if m.LoadAttempts != 0 {
		t.Errorf("LoadAttempts = %d, want 0 on success", m.LoadAttempts)
	}
	if got := l.Metrics(); got.Loads != 1 {
		t.Errorf("Loads = %d, want 1", got.Loads)
	}
}

func TestLoaderChecksumCacheHit(t *testing.T) {
	m := loaderManifest(t, validEntry)
	l := NewLoader(nil)

	first, err := l.Load(m, nil)
	if err != nil {
		t.Fatalf("first Load: %v", err)
	}
	defer first.Module.Close()

	second, err := l.Load(m, nil)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if !second.CacheHit {
		t.Error("second load of unchanged content should be a cache hit")
	}
	if second.Module != first.Module {
		t.Error("cache hit should return the same live instance")
	}

	metrics := l.Metrics()
	if metrics.Loads != 1 || metrics.CacheHits != 1 {
		t.Errorf("metrics = %+v, want exactly one load and one cache hit", metrics)
	}
}

func TestLoaderFailureIncrementsAttempts(t *testing.T) {
	m := loaderManifest(t, `error("broken plugin")`)
	l := NewLoader(nil)

	_, err := l.Load(m, nil)
	if err == nil {
		t.Fatal("expected load error")
	}
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("error = %T, want *LoadError", err)
	}
	if m.LoadAttempts != 1 {
		t.Errorf("LoadAttempts = %d, want 1", m.LoadAttempts)
	}
	if m.LastError == "" {
		t.Error("LastError should be recorded")
	}
}

func TestLoaderRetryCap(t *testing.T) {
	m := loaderManifest(t, `error("broken plugin")`)
	l := NewLoader(nil)

	for i := 0; i < MaxRetryAttempts; i++ {
		if _, err := l.Load(m, nil); err == nil {
			t.Fatalf("attempt %d: expected error", i+1)
		}
	}
	if m.LoadAttempts != MaxRetryAttempts {
		t.Fatalf("LoadAttempts = %d, want %d", m.LoadAttempts, MaxRetryAttempts)
	}

	outcome, err := l.Load(m, nil)
	if err != nil {
		t.Fatalf("exhausted load returned error %v, want skip", err)
	}
	if !outcome.Skipped {
		t.Error("load past the retry cap should be skipped")
	}
	if got := l.Metrics(); got.Skips != 1 {
		t.Errorf("Skips = %d, want 1", got.Skips)
	}
}

func TestLoaderMissingDependency(t *testing.T) {
	m := loaderManifest(t, validEntry)
	m.Dependencies = []string{"cache-layer"}
	l := NewLoader(nil)

	_, err := l.Load(m, func(name string) bool { return false })
	var depErr *DependencyError
	if !errors.As(err, &depErr) {
		t.Fatalf("error = %v, want *DependencyError", err)
	}
	if len(depErr.Missing) != 1 || depErr.Missing[0] != "cache-layer" {
		t.Errorf("Missing = %v, want [cache-layer]", depErr.Missing)
	}
	if m.LoadAttempts != 1 {
		t.Errorf("LoadAttempts = %d, want 1", m.LoadAttempts)
	}
}

func TestLoaderNilManifest(t *testing.T) {
	l := NewLoader(nil)
	if _, err := l.Load(nil, nil); !errors.Is(err, ErrNilManifest) {
		t.Errorf("error = %v, want ErrNilManifest", err)
	}
}

func TestLoaderRetryResetOnContentChange(t *testing.T) {
	root := t.TempDir()
	dir := writePlugin(t, root, "alpha", "main.lua", `error("broken")`)

	store := NewStore(nil)
	m := store.Scan(root)[0]

	l := NewLoader(nil)
	for i := 0; i < MaxRetryAttempts; i++ {
		l.Load(m, nil)
	}

	// Fixing the file yields a new checksum and a fresh retry budget.
	entry := filepath.Join(dir, "main.lua")
	if err := os.WriteFile(entry, []byte(validEntry), 0o644); err != nil {
		t.Fatal(err)
	}
	store.Invalidate("alpha")
	fixed := store.Scan(root)[0]

	if fixed.LoadAttempts != 0 {
		t.Fatalf("LoadAttempts = %d, want reset after content change", fixed.LoadAttempts)
	}
	outcome, err := l.Load(fixed, nil)
	if err != nil {
		t.Fatalf("Load after fix: %v", err)
	}
	defer outcome.Module.Close()
	if outcome.Skipped {
		t.Error("fixed plugin should load, not skip")
	}
}
