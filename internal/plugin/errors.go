package plugin

import (
	"errors"
	"fmt"
	"strings"
)

// Plugin runtime errors.
var (
	// ErrPluginNotFound is returned when a plugin cannot be located.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrNoEntryPoint is returned when a plugin directory has no entry file.
	ErrNoEntryPoint = errors.New("plugin has no entry point (main.lua, plugin.lua or init.lua)")

	// ErrNilManifest is returned when a nil manifest is provided.
	ErrNilManifest = errors.New("manifest is nil")

	// ErrNotLoaded is returned when attempting to use an unloaded plugin.
	ErrNotLoaded = errors.New("plugin is not loaded")
)

// LoadError reports that importing or validating a plugin module failed.
type LoadError struct {
	Plugin string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("plugin %q: load failed: %v", e.Plugin, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// DependencyError reports missing or cyclic plugin dependencies.
type DependencyError struct {
	Plugin  string
	Missing []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("plugin %q: missing dependencies: %s", e.Plugin, strings.Join(e.Missing, ", "))
}

// LifecycleError reports a failed install/uninstall/activate/deactivate callback.
type LifecycleError struct {
	Plugin string
	Stage  string
	Err    error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("plugin %q: %s failed: %v", e.Plugin, e.Stage, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// HookExecutionError reports a registered hook that failed during dispatch.
// Dispatch continues past it; the error only surfaces in the error log.
type HookExecutionError struct {
	Plugin string
	Hook   string
	Err    error
}

func (e *HookExecutionError) Error() string {
	return fmt.Sprintf("plugin %q: hook %q failed: %v", e.Plugin, e.Hook, e.Err)
}

func (e *HookExecutionError) Unwrap() error { return e.Err }
