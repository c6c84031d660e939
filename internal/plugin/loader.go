package plugin

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/quillpress/quillpress/internal/plugin/lua"
)

// MaxRetryAttempts caps failed loads per content version. Once a plugin's
// entry file has failed this many times without changing, further loads are
// skipped until the content changes.
const MaxRetryAttempts = 3

// LoaderMetrics counts loader activity since startup.
type LoaderMetrics struct {
	Loads     int
	CacheHits int
	Skips     int
	Failures  int
}

// LoadOutcome is the result of one Load call.
type LoadOutcome struct {
	Module     *lua.Module
	Skipped    bool
	SkipReason string
	CacheHit   bool
	Duration   time.Duration
}

// loadedModule is a cached live instance keyed by content checksum.
type loadedModule struct {
	checksum string
	module   *lua.Module
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLoaderMemoryLimit sets the per-state memory budget for loaded modules.
func WithLoaderMemoryLimit(limit int64) LoaderOption {
	return func(l *Loader) { l.memoryLimit = limit }
}

// WithLoaderExecutionTimeout sets the advisory execution timeout recorded on
// new states.
func WithLoaderExecutionTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) { l.executionTimeout = d }
}

// Loader runs plugin entry files in fresh sandboxed states and caches live
// instances by content checksum.
//
// Concurrent loads of the same plugin do not stack: while one load is in
// flight the others are reported as skipped rather than blocked.
type Loader struct {
	mu       sync.Mutex
	inFlight map[string]bool
	cache    map[string]*loadedModule
	metrics  LoaderMetrics

	memoryLimit      int64
	executionTimeout time.Duration
	log              hclog.Logger
}

// NewLoader creates a module loader.
func NewLoader(log hclog.Logger, opts ...LoaderOption) *Loader {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	l := &Loader{
		inFlight:         make(map[string]bool),
		cache:            make(map[string]*loadedModule),
		memoryLimit:      lua.DefaultMemoryLimit,
		executionTimeout: lua.DefaultExecutionTimeout,
		log:              log.Named("loader"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load executes the manifest's entry file and returns the resulting module.
//
// The call is skipped, not queued, when a load for the same plugin is already
// in flight or when the manifest has exhausted its retry budget. When the
// entry file's checksum matches a cached live instance that instance is
// returned without re-running the chunk. depLoaded reports whether a named
// dependency is already live; nil means dependencies are not checked.
func (l *Loader) Load(m *Manifest, depLoaded func(string) bool) (*LoadOutcome, error) {
	if m == nil {
		return nil, ErrNilManifest
	}

	l.mu.Lock()
	if l.inFlight[m.Name] {
		l.metrics.Skips++
		l.mu.Unlock()
		l.log.Debug("load already in flight", "plugin", m.Name)
		return &LoadOutcome{Skipped: true, SkipReason: "load in flight"}, nil
	}
	if m.LoadAttempts >= MaxRetryAttempts {
		l.metrics.Skips++
		l.mu.Unlock()
		l.log.Warn("retry budget exhausted", "plugin", m.Name, "attempts", m.LoadAttempts)
		return &LoadOutcome{
			Skipped:    true,
			SkipReason: fmt.Sprintf("exceeded %d load attempts", MaxRetryAttempts),
		}, nil
	}
	if cached, ok := l.cache[m.Name]; ok && cached.checksum == m.Checksum {
		l.metrics.CacheHits++
		l.mu.Unlock()
		l.log.Debug("checksum unchanged, returning live instance", "plugin", m.Name)
		return &LoadOutcome{Module: cached.module, CacheHit: true}, nil
	}
	l.inFlight[m.Name] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.inFlight, m.Name)
		l.mu.Unlock()
	}()

	if depLoaded != nil {
		var missing []string
		for _, dep := range m.Dependencies {
			if !depLoaded(dep) {
				missing = append(missing, dep)
			}
		}
		if len(missing) > 0 {
			l.recordFailure(m, &DependencyError{Plugin: m.Name, Missing: missing})
			return nil, &DependencyError{Plugin: m.Name, Missing: missing}
		}
	}

	start := time.Now()
	module, err := lua.LoadModule(m.EntryPoint,
		lua.WithMemoryLimit(l.memoryLimit),
		lua.WithExecutionTimeout(l.executionTimeout),
	)
	duration := time.Since(start)

	if err != nil {
		l.recordFailure(m, err)
		return nil, &LoadError{Plugin: m.Name, Err: err}
	}

	if declared := module.Config().Version; declared != "" && m.Version != "" && declared != m.Version {
		l.log.Warn("version mismatch between metadata and module config",
			"plugin", m.Name, "metadata", m.Version, "module", declared)
	}

	m.LoadDuration = duration
	m.LastError = ""

	l.mu.Lock()
	if prev, ok := l.cache[m.Name]; ok {
		// Replacing a live instance; the old state is closed so its
		// registrations cannot fire against a stale chunk.
		prev.module.Close()
	}
	l.cache[m.Name] = &loadedModule{checksum: m.Checksum, module: module}
	l.metrics.Loads++
	l.mu.Unlock()

	l.log.Info("plugin loaded", "plugin", m.Name, "duration", duration)
	return &LoadOutcome{Module: module, Duration: duration}, nil
}

// recordFailure bumps the manifest's retry count and the failure metric.
func (l *Loader) recordFailure(m *Manifest, err error) {
	m.LoadAttempts++
	m.LastError = err.Error()

	l.mu.Lock()
	l.metrics.Failures++
	l.mu.Unlock()

	l.log.Error("plugin load failed",
		"plugin", m.Name, "attempt", m.LoadAttempts, "error", err)
}

// Cached returns the live instance for a plugin, if any.
func (l *Loader) Cached(name string) (*lua.Module, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cached, ok := l.cache[name]
	if !ok {
		return nil, false
	}
	return cached.module, true
}

// Evict drops a plugin's cached instance without closing it; the caller owns
// the module's shutdown. Returns true if an instance was cached.
func (l *Loader) Evict(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.cache[name]
	delete(l.cache, name)
	return ok
}

// Metrics returns a snapshot of loader activity.
func (l *Loader) Metrics() LoaderMetrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.metrics
}
