// Package app wires the plugin runtime together: logging, persistence,
// the plugin manager, and the hot-reload watcher.
package app

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/quillpress/quillpress/internal/event"
	"github.com/quillpress/quillpress/internal/plugin"
	"github.com/quillpress/quillpress/internal/plugin/sandbox"
	"github.com/quillpress/quillpress/internal/plugin/store"
	"github.com/quillpress/quillpress/internal/plugin/watch"
)

// RuntimeConfig configures a Runtime.
type RuntimeConfig struct {
	// PluginsDir is the directory scanned for plugin subdirectories.
	PluginsDir string

	// StatePath is the SQLite database file for persisted plugin state.
	// Empty disables persistence.
	StatePath string

	// LogLevel is an hclog level name (trace, debug, info, warn, error).
	LogLevel string

	// HotReload enables the filesystem watcher.
	HotReload bool

	// Debounce overrides the watcher settle time. Zero keeps the default.
	Debounce time.Duration
}

// DefaultConfig returns a runtime config rooted at dir.
func DefaultConfig(dir string) RuntimeConfig {
	return RuntimeConfig{
		PluginsDir: filepath.Join(dir, "plugins"),
		StatePath:  filepath.Join(dir, "quillpress.db"),
		LogLevel:   "info",
		HotReload:  true,
	}
}

// Runtime is the assembled plugin runtime.
type Runtime struct {
	cfg     RuntimeConfig
	log     hclog.Logger
	manager *plugin.Manager
	watcher *watch.Watcher
	started bool
}

// NewRuntime builds a runtime from config. The state store is opened here;
// a missing plugins directory is created.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	log := hclog.New(&hclog.LoggerOptions{
		Name:  "quillpress",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	if err := os.MkdirAll(cfg.PluginsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create plugins directory: %w", err)
	}

	opts := []plugin.ManagerOption{}
	if cfg.StatePath != "" {
		st, err := store.Open(cfg.StatePath, log)
		if err != nil {
			return nil, err
		}
		opts = append(opts, plugin.WithStateStore(st))
	}

	manager := plugin.NewManager(log, opts...)

	rt := &Runtime{cfg: cfg, log: log, manager: manager}

	var watchOpts []watch.Option
	if cfg.Debounce > 0 {
		watchOpts = append(watchOpts, watch.WithDebounce(cfg.Debounce))
	}
	rt.watcher = watch.New(&reloadAdapter{manager}, log, watchOpts...)

	return rt, nil
}

// Start loads all plugins and, when enabled, starts the hot-reload watcher.
// The onServerStart hook fires after the load pass.
func (r *Runtime) Start() (*plugin.LoadReport, error) {
	report := r.manager.LoadAll(r.cfg.PluginsDir)

	if r.cfg.HotReload {
		for _, inst := range r.manager.List() {
			if err := r.watcher.Add(inst.Manifest.Name, inst.Manifest.Path()); err != nil {
				r.log.Warn("cannot watch plugin", "plugin", inst.Manifest.Name, "error", err)
			}
		}
		if err := r.watcher.Start(); err != nil {
			r.log.Error("hot reload watcher failed to start", "error", err)
		}
	}

	r.manager.ExecuteHook("onServerStart")
	r.started = true
	return report, nil
}

// Stop fires onServerStop, halts the watcher, and unloads every plugin.
func (r *Runtime) Stop() {
	if r.started {
		r.manager.ExecuteHook("onServerStop")
	}
	r.watcher.Stop()
	r.manager.Shutdown()
	r.started = false
}

// Manager exposes the plugin manager.
func (r *Runtime) Manager() *plugin.Manager { return r.manager }

// Watcher exposes the hot-reload watcher.
func (r *Runtime) Watcher() *watch.Watcher { return r.watcher }

// Events exposes the event bus.
func (r *Runtime) Events() *event.Bus { return r.manager.Events() }

// Sandbox exposes the sandbox executor.
func (r *Runtime) Sandbox() *sandbox.Executor { return r.manager.Sandbox() }

// Logger exposes the root logger.
func (r *Runtime) Logger() hclog.Logger { return r.log }

// Config returns the runtime's configuration.
func (r *Runtime) Config() RuntimeConfig { return r.cfg }

// reloadAdapter satisfies watch.Reloader on top of the manager.
type reloadAdapter struct {
	manager *plugin.Manager
}

func (a *reloadAdapter) Reload(name string) error {
	_, err := a.manager.Reload(name)
	return err
}

func (a *reloadAdapter) PluginNames() []string {
	instances := a.manager.List()
	names := make([]string, 0, len(instances))
	for _, inst := range instances {
		names = append(names, inst.Manifest.Name)
	}
	return names
}
