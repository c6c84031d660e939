package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// entryPointNames are the recognized entry files, in preference order.
// The first match wins.
var entryPointNames = []string{"main.lua", "plugin.lua", "init.lua"}

// metadataFileName is the optional per-plugin metadata file.
const metadataFileName = "plugin.json"

// Manifest describes a discovered plugin: metadata plus the change-detection
// state needed for cache hits and retry tracking. Identity key is Name.
type Manifest struct {
	Name             string
	Version          string
	Description      string
	Author           string
	Dependencies     []string
	PeerDependencies []string

	// EntryPoint is the absolute path to the entry file.
	EntryPoint string

	// Checksum is the SHA-256 hex digest of the entry file. mtime alone is
	// not trusted across checkouts; the checksum is the authoritative
	// equality check, mtime the cheap pre-check.
	Checksum     string
	LastModified time.Time

	// LoadAttempts counts failed loads since the content last changed.
	LoadAttempts int
	LastError    string
	LoadDuration time.Duration

	path string
}

// Path returns the plugin directory.
func (m *Manifest) Path() string {
	return m.path
}

// metadataFile is the optional plugin.json shape.
type metadataFile struct {
	Name             string   `json:"name"`
	Version          string   `json:"version"`
	Description      string   `json:"description"`
	Author           string   `json:"author"`
	Dependencies     []string `json:"dependencies"`
	PeerDependencies []string `json:"peerDependencies"`
}

// Store discovers plugin manifests from a plugins directory and caches them
// by content checksum and modification time.
type Store struct {
	mu    sync.RWMutex
	cache map[string]*Manifest
	log   hclog.Logger
}

// NewStore creates a manifest store.
func NewStore(log hclog.Logger) *Store {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Store{
		cache: make(map[string]*Manifest),
		log:   log.Named("manifests"),
	}
}

// Scan reads every subdirectory of dir and returns a manifest per plugin.
//
// Directories without a recognized entry file are skipped with a warning.
// A cached manifest whose LastModified is at least the entry file's current
// mtime is returned unchanged, avoiding a re-hash. Scan is best-effort: an
// unreadable directory logs and yields partial results, never an error.
func (s *Store) Scan(dir string) []*Manifest {
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.log.Error("cannot read plugins directory", "dir", dir, "error", err)
		return nil
	}

	manifests := make([]*Manifest, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pluginDir := filepath.Join(dir, entry.Name())
		m := s.inspect(entry.Name(), pluginDir)
		if m == nil {
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests
}

// inspect builds or refreshes the manifest for one plugin directory.
// Returns nil when the directory has no entry point.
func (s *Store) inspect(dirName, pluginDir string) *Manifest {
	entryPath, ok := findEntryPoint(pluginDir)
	if !ok {
		s.log.Warn("skipping directory without entry point", "dir", pluginDir)
		return nil
	}

	info, err := os.Stat(entryPath)
	if err != nil {
		s.log.Warn("cannot stat entry file", "path", entryPath, "error", err)
		return nil
	}
	mtime := info.ModTime()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Cheap pre-check: an up-to-date cached manifest skips re-hashing.
	if cached, exists := s.cache[dirName]; exists && !cached.LastModified.Before(mtime) {
		return cached
	}
	// The manifest name may differ from the directory name via plugin.json;
	// look up by directory-derived default first, then fall through to a
	// full rebuild.

	meta := readMetadata(pluginDir)
	name := meta.Name
	if name == "" {
		name = dirName
	}
	version := meta.Version
	if version == "" {
		version = "1.0.0"
	}

	if cached, exists := s.cache[name]; exists && !cached.LastModified.Before(mtime) {
		return cached
	}

	checksum, err := checksumFile(entryPath)
	if err != nil {
		s.log.Warn("cannot checksum entry file", "path", entryPath, "error", err)
		return nil
	}

	m := &Manifest{
		Name:             name,
		Version:          version,
		Description:      meta.Description,
		Author:           meta.Author,
		Dependencies:     meta.Dependencies,
		PeerDependencies: meta.PeerDependencies,
		EntryPoint:       entryPath,
		Checksum:         checksum,
		LastModified:     mtime,
		path:             pluginDir,
	}

	// Unchanged content keeps its retry count across reloads; changed
	// content starts fresh.
	if cached, exists := s.cache[name]; exists && cached.Checksum == checksum {
		m.LoadAttempts = cached.LoadAttempts
		m.LastError = cached.LastError
	}

	s.cache[name] = m
	return m
}

// Get returns the cached manifest for a plugin name.
func (s *Store) Get(name string) (*Manifest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.cache[name]
	return m, ok
}

// Invalidate drops one cached manifest. Returns true if it existed.
func (s *Store) Invalidate(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cache[name]
	delete(s.cache, name)
	return ok
}

// Clear drops the whole cache and returns how many entries were evicted.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.cache)
	s.cache = make(map[string]*Manifest)
	return n
}

// Count returns the number of cached manifests.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// findEntryPoint locates the entry file for a plugin directory, trying the
// recognized names in fixed preference order.
func findEntryPoint(pluginDir string) (string, bool) {
	for _, name := range entryPointNames {
		path := filepath.Join(pluginDir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// readMetadata reads the optional plugin.json. Absent or malformed metadata
// yields the zero value; defaults are applied by the caller.
func readMetadata(pluginDir string) metadataFile {
	var meta metadataFile
	data, err := os.ReadFile(filepath.Join(pluginDir, metadataFileName))
	if err != nil {
		return meta
	}
	_ = json.Unmarshal(data, &meta)
	return meta
}

// checksumFile computes the SHA-256 hex digest of a file.
func checksumFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
