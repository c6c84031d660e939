// Package watch hot-reloads plugins when their source files change on disk.
//
// Filesystem events are debounced per plugin, filtered by extension and
// directory, and rate limited so a runaway editor or sync tool cannot put
// the runtime into a reload loop.
package watch

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// Tuning defaults.
const (
	// DefaultDebounce is how long a plugin's changes must settle before a
	// reload fires.
	DefaultDebounce = 500 * time.Millisecond

	// DefaultRateLimit caps reloads per plugin inside DefaultRateWindow.
	DefaultRateLimit = 6

	// DefaultRateWindow is the sliding window for the rate limit.
	DefaultRateWindow = time.Minute
)

// watchedExtensions are the file extensions that trigger a reload.
var watchedExtensions = map[string]bool{
	".lua":  true,
	".json": true,
}

// ignoredDirs are directory names never descended into.
var ignoredDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"build":        true,
	"dist":         true,
}

// Reloader is the watcher's view of the plugin manager.
type Reloader interface {
	// Reload refreshes one plugin from disk.
	Reload(name string) error

	// PluginNames returns the names of all live plugins.
	PluginNames() []string
}

// Change is one observed file change attributed to a plugin.
type Change struct {
	Plugin string
	Path   string
	Op     string
	At     time.Time
}

// Status is a snapshot of the watcher's state.
type Status struct {
	Running      bool
	WatchedRoots []string
	Pending      map[string]int
	RateLimited  []string
	Reloads      int
	Suppressed   int
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides the settle time.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithRateLimit overrides the per-plugin reload cap and its window.
func WithRateLimit(max int, window time.Duration) Option {
	return func(w *Watcher) {
		w.rateLimit = max
		w.rateWindow = window
	}
}

// Watcher maps filesystem events under plugin roots onto debounced,
// rate-limited plugin reloads.
type Watcher struct {
	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	roots    map[string]string // plugin name -> directory
	pending  map[string][]Change
	timers   map[string]*time.Timer
	reloadAt map[string][]time.Time
	running  bool
	done     chan struct{}

	reloads    int
	suppressed int

	reloader   Reloader
	debounce   time.Duration
	rateLimit  int
	rateWindow time.Duration
	log        hclog.Logger
}

// New creates a watcher bound to a reloader.
func New(reloader Reloader, log hclog.Logger, opts ...Option) *Watcher {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	w := &Watcher{
		roots:      make(map[string]string),
		pending:    make(map[string][]Change),
		timers:     make(map[string]*time.Timer),
		reloadAt:   make(map[string][]time.Time),
		reloader:   reloader,
		debounce:   DefaultDebounce,
		rateLimit:  DefaultRateLimit,
		rateWindow: DefaultRateWindow,
		log:        log.Named("watcher"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. Add roots before or after; both work.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	w.done = make(chan struct{})
	w.running = true

	for name, dir := range w.roots {
		if err := w.watchTreeLocked(dir); err != nil {
			w.log.Warn("cannot watch plugin directory", "plugin", name, "dir", dir, "error", err)
		}
	}

	go w.loop(fsw, w.done)
	w.log.Info("hot reload watcher started", "plugins", len(w.roots))
	return nil
}

// Stop halts watching and drops pending changes.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.running = false
	close(w.done)
	w.fsw.Close()
	w.fsw = nil

	for name, t := range w.timers {
		t.Stop()
		delete(w.timers, name)
	}
	w.pending = make(map[string][]Change)
	w.log.Info("hot reload watcher stopped")
}

// Add registers a plugin directory for watching.
func (w *Watcher) Add(pluginName, dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.roots[pluginName] = dir
	if !w.running {
		return nil
	}
	return w.watchTreeLocked(dir)
}

// Remove stops watching a plugin's directory and drops its pending state.
func (w *Watcher) Remove(pluginName string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir, ok := w.roots[pluginName]
	if !ok {
		return
	}
	delete(w.roots, pluginName)
	delete(w.pending, pluginName)
	delete(w.reloadAt, pluginName)
	if t, ok := w.timers[pluginName]; ok {
		t.Stop()
		delete(w.timers, pluginName)
	}
	if w.running {
		// Best effort; subdirectories expire with the fsnotify watcher.
		_ = w.fsw.Remove(dir)
	}
}

// ForceReloadAll reloads every live plugin immediately, bypassing debounce
// and the rate limit. Returns the names that failed.
func (w *Watcher) ForceReloadAll() []string {
	var failed []string
	for _, name := range w.reloader.PluginNames() {
		if err := w.reloader.Reload(name); err != nil {
			w.log.Error("forced reload failed", "plugin", name, "error", err)
			failed = append(failed, name)
			continue
		}
		w.mu.Lock()
		w.reloads++
		w.mu.Unlock()
	}
	return failed
}

// Status returns a snapshot of the watcher's state.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := Status{
		Running:    w.running,
		Pending:    make(map[string]int, len(w.pending)),
		Reloads:    w.reloads,
		Suppressed: w.suppressed,
	}
	for _, dir := range w.roots {
		st.WatchedRoots = append(st.WatchedRoots, dir)
	}
	for name, changes := range w.pending {
		st.Pending[name] = len(changes)
	}
	now := time.Now()
	for name := range w.roots {
		if !w.allowedLocked(name, now, false) {
			st.RateLimited = append(st.RateLimited, name)
		}
	}
	return st
}

// loop drains fsnotify events until done closes.
func (w *Watcher) loop(fsw *fsnotify.Watcher, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("filesystem watch error", "error", err)
		}
	}
}

// handleEvent filters one raw event and schedules the owning plugin's
// debounced reload.
func (w *Watcher) handleEvent(ev fsnotify.Event) {
	// New subdirectories must be picked up for recursive coverage.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !ignoredDirs[filepath.Base(ev.Name)] {
				w.mu.Lock()
				if w.running {
					_ = w.fsw.Add(ev.Name)
				}
				w.mu.Unlock()
			}
			return
		}
	}

	if !significant(ev) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}

	name, ok := w.ownerLocked(ev.Name)
	if !ok {
		return
	}

	w.pending[name] = append(w.pending[name], Change{
		Plugin: name,
		Path:   ev.Name,
		Op:     ev.Op.String(),
		At:     time.Now(),
	})

	// Restart the settle timer; a burst of writes coalesces into one reload.
	if t, ok := w.timers[name]; ok {
		t.Stop()
	}
	w.timers[name] = time.AfterFunc(w.debounce, func() {
		w.fire(name)
	})
}

// fire performs the debounced reload for one plugin.
func (w *Watcher) fire(name string) {
	w.mu.Lock()
	changes := w.pending[name]
	delete(w.pending, name)
	delete(w.timers, name)
	if !w.running || len(changes) == 0 {
		w.mu.Unlock()
		return
	}
	if !w.allowedLocked(name, time.Now(), true) {
		w.suppressed++
		w.mu.Unlock()
		w.log.Warn("reload suppressed by rate limit",
			"plugin", name, "limit", w.rateLimit, "window", w.rateWindow)
		return
	}
	w.reloads++
	w.mu.Unlock()

	w.log.Info("file changes detected, reloading",
		"plugin", name, "changes", len(changes))
	if err := w.reloader.Reload(name); err != nil {
		w.log.Error("hot reload failed", "plugin", name, "error", err)
	}
}

// allowedLocked applies the sliding-window rate limit. When record is true
// the attempt is counted. Caller must hold w.mu.
func (w *Watcher) allowedLocked(name string, now time.Time, record bool) bool {
	cutoff := now.Add(-w.rateWindow)
	recent := w.reloadAt[name][:0]
	for _, t := range w.reloadAt[name] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	w.reloadAt[name] = recent

	if len(recent) >= w.rateLimit {
		return false
	}
	if record {
		w.reloadAt[name] = append(recent, now)
	}
	return true
}

// ownerLocked maps an event path to the plugin whose root contains it.
// Caller must hold w.mu.
func (w *Watcher) ownerLocked(path string) (string, bool) {
	for name, dir := range w.roots {
		rel, err := filepath.Rel(dir, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		for _, part := range strings.Split(filepath.Dir(rel), string(filepath.Separator)) {
			if ignoredDirs[part] {
				return "", false
			}
		}
		return name, true
	}
	return "", false
}

// watchTreeLocked registers a directory and its subdirectories with
// fsnotify, skipping ignored names. Caller must hold w.mu.
func (w *Watcher) watchTreeLocked(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if ignoredDirs[d.Name()] {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// significant reports whether an event should count toward a reload: a
// write, create, rename or removal of a watched-extension file.
func significant(ev fsnotify.Event) bool {
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) &&
		!ev.Op.Has(fsnotify.Rename) && !ev.Op.Has(fsnotify.Remove) {
		return false
	}
	return watchedExtensions[strings.ToLower(filepath.Ext(ev.Name))]
}
