package plugin

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/quillpress/quillpress/internal/event"
	"github.com/quillpress/quillpress/internal/plugin/lua"
	"github.com/quillpress/quillpress/internal/plugin/sandbox"
)

// Runtime events emitted by the manager.
const (
	EventLoaded   = "plugin:loaded"
	EventEnabled  = "plugin:enabled"
	EventDisabled = "plugin:disabled"
	EventUnloaded = "plugin:unloaded"
	EventReloaded = "plugin:reloaded"
)

// Phase is the in-memory lifecycle phase of a plugin instance.
type Phase string

// Instance lifecycle phases, in progression order.
const (
	PhaseLoaded    Phase = "loaded"
	PhaseInstalled Phase = "installed"
	PhaseEnabled   Phase = "enabled"
	PhaseDisabled  Phase = "disabled"
)

// Instance is a live, loaded plugin.
type Instance struct {
	Manifest *Manifest
	Module   *lua.Module
	Phase    Phase
	LoadedAt time.Time
}

// Enabled reports whether the instance's hooks are active.
func (i *Instance) Enabled() bool {
	return i.Phase == PhaseEnabled
}

// LoadReport summarizes a LoadAll pass.
type LoadReport struct {
	Loaded  []string
	Failed  []string
	Skipped []string
}

// HookResult is one callback's outcome within a hook dispatch.
type HookResult struct {
	Plugin   string
	Value    any
	Err      error
	Duration time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStateStore sets the persistent state store. Without one, enablement
// does not survive restarts.
func WithStateStore(store StateStore) ManagerOption {
	return func(m *Manager) { m.store = store }
}

// WithErrorLog sets the in-memory error ring buffer.
func WithErrorLog(errlog *ErrorLog) ManagerOption {
	return func(m *Manager) { m.errlog = errlog }
}

// WithEventBus sets the event bus for runtime events.
func WithEventBus(bus *event.Bus) ManagerOption {
	return func(m *Manager) { m.bus = bus }
}

// WithLoader overrides the default module loader.
func WithLoader(loader *Loader) ManagerOption {
	return func(m *Manager) { m.loader = loader }
}

// Manager owns the full plugin lifecycle: discovery, loading, install,
// enable/disable, hook dispatch, reload and unload.
//
// The mutex guards the instance table only; lifecycle callbacks and hook
// dispatch run outside it so a slow plugin cannot stall the manager.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	loadOrder []string

	manifests *Store
	resolver  *Resolver
	loader    *Loader
	hooks     *HookRegistry
	executor  *sandbox.Executor
	store     StateStore
	errlog    *ErrorLog
	bus       *event.Bus
	log       hclog.Logger
}

// NewManager creates a plugin manager.
func NewManager(log hclog.Logger, opts ...ManagerOption) *Manager {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	m := &Manager{
		instances: make(map[string]*Instance),
		manifests: NewStore(log),
		resolver:  NewResolver(log),
		hooks:     NewHookRegistry(log),
		executor:  sandbox.NewExecutor(log),
		errlog:    NewErrorLog(DefaultErrorLogCap),
		bus:       event.NewBus(log),
		log:       log.Named("plugins"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.loader == nil {
		m.loader = NewLoader(log)
	}
	return m
}

// Manifests returns the manifest store.
func (m *Manager) Manifests() *Store { return m.manifests }

// Hooks returns the hook registry.
func (m *Manager) Hooks() *HookRegistry { return m.hooks }

// Sandbox returns the sandbox executor.
func (m *Manager) Sandbox() *sandbox.Executor { return m.executor }

// Events returns the event bus.
func (m *Manager) Events() *event.Bus { return m.bus }

// Errors returns the in-memory error log.
func (m *Manager) Errors() *ErrorLog { return m.errlog }

// Loader returns the module loader.
func (m *Manager) Loader() *Loader { return m.loader }

// LoadAll scans the plugins directory and loads every discovered plugin in
// dependency order. Individual failures never abort the batch.
func (m *Manager) LoadAll(dir string) *LoadReport {
	manifests := m.resolver.Order(m.manifests.Scan(dir))

	report := &LoadReport{}
	for _, manifest := range manifests {
		outcome, err := m.Load(manifest)
		switch {
		case err != nil:
			report.Failed = append(report.Failed, manifest.Name)
		case outcome != nil && outcome.Skipped:
			report.Skipped = append(report.Skipped, manifest.Name)
		default:
			report.Loaded = append(report.Loaded, manifest.Name)
		}
	}

	m.log.Info("plugin load pass complete",
		"loaded", len(report.Loaded), "failed", len(report.Failed), "skipped", len(report.Skipped))
	return report
}

// Load loads one plugin from its manifest, runs its one-time install if it
// has never installed, and enables it unless persisted state says otherwise.
//
// Loading a plugin that is already live is a warning no-op, not an error.
func (m *Manager) Load(manifest *Manifest) (*LoadOutcome, error) {
	if manifest == nil {
		return nil, ErrNilManifest
	}

	m.mu.RLock()
	_, exists := m.instances[manifest.Name]
	m.mu.RUnlock()
	if exists {
		m.log.Warn("plugin already loaded, ignoring", "plugin", manifest.Name)
		return &LoadOutcome{Skipped: true, SkipReason: "already loaded"}, nil
	}

	outcome, err := m.loader.Load(manifest, m.isLoaded)
	if err != nil {
		m.captureError(manifest.Name, err, "load")
		return nil, err
	}
	if outcome.Skipped {
		return outcome, nil
	}

	inst := &Instance{
		Manifest: manifest,
		Module:   outcome.Module,
		Phase:    PhaseLoaded,
		LoadedAt: time.Now(),
	}

	m.mu.Lock()
	m.instances[manifest.Name] = inst
	m.loadOrder = append(m.loadOrder, manifest.Name)
	m.mu.Unlock()

	rec, fresh, err := m.ensureRecord(manifest)
	if err != nil {
		m.log.Error("state store unavailable", "plugin", manifest.Name, "error", err)
	}

	if err := m.installOnce(inst, rec); err != nil {
		// The plugin stays loaded but is never enabled with a failed install.
		m.captureError(manifest.Name, err, "install")
		return outcome, err
	}

	m.bus.Emit(EventLoaded, map[string]any{"plugin": manifest.Name, "version": manifest.Version})

	// Fresh plugins are enabled by default; known plugins follow their
	// persisted status.
	wantEnabled := fresh || (rec != nil && rec.Status == StatusEnabled)
	if wantEnabled {
		if err := m.Enable(manifest.Name); err != nil {
			return outcome, err
		}
	} else {
		inst.Phase = PhaseDisabled
	}
	return outcome, nil
}

// ensureRecord fetches or creates the persisted record for a manifest.
// The second return is true when the record was just created.
func (m *Manager) ensureRecord(manifest *Manifest) (*Record, bool, error) {
	if m.store == nil {
		return nil, true, nil
	}

	rec, ok, err := m.store.Get(manifest.Name)
	if err != nil {
		return nil, false, err
	}
	if ok {
		if rec.LastVersion != "" && rec.LastVersion != manifest.Version {
			m.log.Info("plugin version changed",
				"plugin", manifest.Name, "from", rec.LastVersion, "to", manifest.Version)
		}
		return rec, false, nil
	}

	rec = &Record{
		PluginID:    manifest.Name,
		Name:        manifest.Name,
		Version:     manifest.Version,
		Description: manifest.Description,
		Author:      manifest.Author,
		Status:      StatusDisabled,
		LastVersion: manifest.Version,
		Settings:    "{}",
	}
	if err := m.store.Put(rec); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// installOnce runs the install lifecycle callback exactly once per plugin,
// under the extended install budget. A failed install marks the record
// StatusError.
func (m *Manager) installOnce(inst *Instance, rec *Record) error {
	name := inst.Manifest.Name
	if rec != nil && rec.Installed {
		inst.Phase = PhaseInstalled
		return nil
	}

	result := m.executor.Run(name, "install", func() (any, error) {
		return nil, inst.Module.CallLifecycle(lua.LifecycleInstall)
	}, sandbox.InstallLimits())

	if result.Err != nil {
		if m.store != nil {
			if err := m.store.SetStatus(name, StatusError, result.Err.Error()); err != nil {
				m.log.Error("cannot persist error status", "plugin", name, "error", err)
			}
		}
		return &LifecycleError{Plugin: name, Stage: lua.LifecycleInstall, Err: result.Err}
	}

	now := time.Now()
	if m.store != nil {
		if err := m.store.MarkInstalled(name, now); err != nil {
			m.log.Error("cannot persist install", "plugin", name, "error", err)
		}
	}
	if rec != nil {
		rec.Installed = true
		rec.InstalledAt = now
	}
	inst.Phase = PhaseInstalled
	m.log.Info("plugin installed", "plugin", name)
	return nil
}

// Enable activates a loaded plugin: runs its activate callback, registers
// its hooks, and persists StatusEnabled. Enabling an enabled plugin is a
// no-op.
func (m *Manager) Enable(name string) error {
	inst, err := m.instance(name)
	if err != nil {
		return err
	}
	if inst.Enabled() {
		return nil
	}

	result := m.executor.Run(name, "activate", func() (any, error) {
		return nil, inst.Module.CallLifecycle(lua.LifecycleActivate)
	}, sandbox.DefaultLimits())
	if result.Err != nil {
		lcErr := &LifecycleError{Plugin: name, Stage: lua.LifecycleActivate, Err: result.Err}
		m.captureError(name, lcErr, "activate")
		if m.store != nil {
			if err := m.store.SetStatus(name, StatusError, lcErr.Error()); err != nil {
				m.log.Error("cannot persist error status", "plugin", name, "error", err)
			}
		}
		return lcErr
	}

	for _, hookName := range inst.Module.HookNames() {
		hookName := hookName
		m.hooks.Register(hookName, name, DefaultHookPriority, func(args ...any) (any, error) {
			return inst.Module.CallHook(hookName, args...)
		})
	}

	m.mu.Lock()
	inst.Phase = PhaseEnabled
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SetStatus(name, StatusEnabled, ""); err != nil {
			m.log.Error("cannot persist status", "plugin", name, "error", err)
		}
	}

	m.bus.Emit(EventEnabled, map[string]any{"plugin": name})
	m.log.Info("plugin enabled", "plugin", name)
	return nil
}

// Disable deactivates an enabled plugin: runs its deactivate callback,
// unregisters every hook and event listener it owns, and persists
// StatusDisabled. A failed deactivate callback is logged but never blocks
// teardown; hooks and listeners are removed regardless.
func (m *Manager) Disable(name string) error {
	inst, err := m.instance(name)
	if err != nil {
		return err
	}
	if !inst.Enabled() {
		return nil
	}

	result := m.executor.Run(name, "deactivate", func() (any, error) {
		return nil, inst.Module.CallLifecycle(lua.LifecycleDeactivate)
	}, sandbox.DefaultLimits())
	if result.Err != nil {
		m.captureError(name, &LifecycleError{Plugin: name, Stage: lua.LifecycleDeactivate, Err: result.Err}, "deactivate")
	}

	removedHooks := m.hooks.UnregisterOwner(name)
	removedListeners := m.bus.RemovePluginListeners(name)

	m.mu.Lock()
	inst.Phase = PhaseDisabled
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SetStatus(name, StatusDisabled, ""); err != nil {
			m.log.Error("cannot persist status", "plugin", name, "error", err)
		}
	}

	m.bus.Emit(EventDisabled, map[string]any{"plugin": name})
	m.log.Info("plugin disabled",
		"plugin", name, "hooksRemoved", removedHooks, "listenersRemoved", removedListeners)
	return nil
}

// Unload disables a plugin if needed, runs its uninstall callback
// best-effort, and removes it from the runtime entirely: its Lua state is
// closed, its loader cache entry evicted, and its sandbox state forgotten.
// Persisted state is kept so the plugin can be re-enabled later.
func (m *Manager) Unload(name string) error {
	inst, err := m.instance(name)
	if err != nil {
		return err
	}

	if inst.Enabled() {
		if err := m.Disable(name); err != nil {
			return err
		}
	}

	if inst.Module.HasLifecycle(lua.LifecycleUninstall) {
		result := m.executor.Run(name, "uninstall", func() (any, error) {
			return nil, inst.Module.CallLifecycle(lua.LifecycleUninstall)
		}, sandbox.DefaultLimits())
		if result.Err != nil {
			m.captureError(name, &LifecycleError{Plugin: name, Stage: lua.LifecycleUninstall, Err: result.Err}, "uninstall")
		}
	}

	inst.Module.Close()
	m.loader.Evict(name)
	m.executor.Forget(name)

	m.mu.Lock()
	delete(m.instances, name)
	for i, n := range m.loadOrder {
		if n == name {
			m.loadOrder = append(m.loadOrder[:i], m.loadOrder[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.bus.Emit(EventUnloaded, map[string]any{"plugin": name})
	m.log.Info("plugin unloaded", "plugin", name)
	return nil
}

// Uninstall unloads a plugin (which runs its uninstall callback) and then
// deletes its persisted record and cached manifest.
func (m *Manager) Uninstall(name string) error {
	if err := m.Unload(name); err != nil {
		return err
	}

	if m.store != nil {
		if _, err := m.store.Delete(name); err != nil {
			m.log.Error("cannot delete plugin record", "plugin", name, "error", err)
		}
	}
	m.manifests.Invalidate(name)
	m.log.Info("plugin uninstalled", "plugin", name)
	return nil
}

// Reload refreshes a plugin from disk, preserving its enablement.
//
// When the entry file's content is unchanged and the instance is live the
// reload is a cache hit and the running instance is kept. Otherwise the
// plugin is unloaded and loaded fresh; a plugin that was enabled before is
// re-enabled after.
func (m *Manager) Reload(name string) (*LoadOutcome, error) {
	inst, err := m.instance(name)
	if err != nil {
		return nil, err
	}
	wasEnabled := inst.Enabled()
	pluginDir := inst.Manifest.Path()

	m.manifests.Invalidate(name)
	fresh := m.manifests.inspect(name, pluginDir)
	if fresh == nil {
		return nil, fmt.Errorf("plugin %q: %w", name, ErrNoEntryPoint)
	}

	if fresh.Checksum == inst.Manifest.Checksum {
		m.log.Debug("reload skipped, content unchanged", "plugin", name)
		return &LoadOutcome{Module: inst.Module, CacheHit: true}, nil
	}

	if err := m.Unload(name); err != nil {
		return nil, err
	}

	outcome, err := m.Load(fresh)
	if err != nil {
		return nil, err
	}
	if outcome.Skipped {
		return outcome, nil
	}

	if wasEnabled {
		if err := m.Enable(name); err != nil {
			return outcome, err
		}
	} else if err := m.Disable(name); err != nil {
		return outcome, err
	}

	m.bus.Emit(EventReloaded, map[string]any{"plugin": name, "version": fresh.Version})
	m.log.Info("plugin reloaded", "plugin", name, "version", fresh.Version)
	return outcome, nil
}

// ExecuteHook dispatches a hook to every registered callback in priority
// order. Callbacks owned by disabled plugins are skipped; a failing callback
// is captured in the error log and dispatch continues. Results are returned
// in execution order; callbacks that succeed without returning a value
// contribute nothing to the collection.
func (m *Manager) ExecuteHook(hook string, args ...any) []HookResult {
	regs := m.hooks.Registrations(hook)
	if len(regs) == 0 {
		return nil
	}

	results := make([]HookResult, 0, len(regs))
	for _, reg := range regs {
		if !m.IsEnabled(reg.Owner) {
			continue
		}

		start := time.Now()
		run := m.executor.Run(reg.Owner, "hook:"+hook, func() (any, error) {
			return reg.Callback(args...)
		}, sandbox.DefaultLimits())

		hr := HookResult{
			Plugin:   reg.Owner,
			Value:    run.Value,
			Duration: time.Since(start),
		}
		if run.Err != nil {
			hr.Err = &HookExecutionError{Plugin: reg.Owner, Hook: hook, Err: run.Err}
			m.captureError(reg.Owner, hr.Err, "hook:"+hook)
		}
		if hr.Err == nil && hr.Value == nil {
			continue
		}
		results = append(results, hr)
	}
	return results
}

// Get returns a live instance by name.
func (m *Manager) Get(name string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[name]
	return inst, ok
}

// List returns live instances in load order.
func (m *Manager) List() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Instance, 0, len(m.loadOrder))
	for _, name := range m.loadOrder {
		if inst, ok := m.instances[name]; ok {
			out = append(out, inst)
		}
	}
	return out
}

// IsEnabled reports whether a plugin is live and enabled.
func (m *Manager) IsEnabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[name]
	return ok && inst.Phase == PhaseEnabled
}

// Shutdown unloads every plugin in reverse load order and closes the state
// store if one is attached.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	names := make([]string, len(m.loadOrder))
	copy(names, m.loadOrder)
	m.mu.RUnlock()

	for i := len(names) - 1; i >= 0; i-- {
		if err := m.Unload(names[i]); err != nil {
			m.log.Error("unload during shutdown failed", "plugin", names[i], "error", err)
		}
	}

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			m.log.Error("state store close failed", "error", err)
		}
	}
}

// instance fetches a live instance or returns ErrNotLoaded.
func (m *Manager) instance(name string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[name]
	if !ok {
		return nil, fmt.Errorf("plugin %q: %w", name, ErrNotLoaded)
	}
	return inst, nil
}

// isLoaded is the dependency probe handed to the loader.
func (m *Manager) isLoaded(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.instances[name]
	return ok
}

// captureError records a failure in the ring buffer and, when a store is
// attached, persists it for diagnostics.
func (m *Manager) captureError(pluginID string, err error, context string) {
	rec := ErrorRecord{
		PluginID:  pluginID,
		Message:   err.Error(),
		Timestamp: time.Now(),
		Context:   context,
	}
	m.errlog.Append(rec)
	if m.store != nil {
		if serr := m.store.AppendError(rec); serr != nil {
			m.log.Error("cannot persist error record", "plugin", pluginID, "error", serr)
		}
	}
}
