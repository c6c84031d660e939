package lua

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// Lifecycle callback names recognized by the plugin contract.
const (
	LifecycleInstall    = "install"
	LifecycleUninstall  = "uninstall"
	LifecycleActivate   = "activate"
	LifecycleDeactivate = "deactivate"
)

var lifecycleNames = []string{
	LifecycleInstall,
	LifecycleUninstall,
	LifecycleActivate,
	LifecycleDeactivate,
}

// Config is the plugin-declared metadata of a loaded module.
type Config struct {
	Name        string
	Version     string
	Description string
	Author      string
}

// Module is a validated, in-memory plugin: its config, hook callbacks and
// optional lifecycle callbacks, bound to the sandboxed state they run in.
//
// A Module owns its State; Close releases it. All calls into the module are
// serialized by the underlying State mutex.
type Module struct {
	state  *State
	bridge *Bridge

	config    Config
	hooks     map[string]*lua.LFunction
	lifecycle map[string]*lua.LFunction
}

// LoadModule runs the plugin entry file in a fresh sandboxed state and
// validates the returned table against the plugin contract:
//
//	{ config  = { name = string, version = string, ... },
//	  hooks   = { <hookName> = function|nil, ... },
//	  install | uninstall | activate | deactivate = function }
//
// Any contract violation returns a *ValidationError naming the first
// offending field. The state is closed on failure.
func LoadModule(entryPath string, opts ...StateOption) (*Module, error) {
	state, err := NewState(opts...)
	if err != nil {
		return nil, err
	}

	results, err := state.DoFile(entryPath)
	if err != nil {
		state.Close()
		return nil, err
	}

	mod, err := extractModule(state, results)
	if err != nil {
		state.Close()
		return nil, err
	}
	return mod, nil
}

// extractModule validates the chunk's return values against the contract.
func extractModule(state *State, results []lua.LValue) (*Module, error) {
	if len(results) == 0 {
		return nil, ErrNoModuleTable
	}

	root, ok := results[0].(*lua.LTable)
	if !ok {
		return nil, &ValidationError{Field: "module", Reason: "entry file must return a table"}
	}

	bridge := NewBridge(state.LuaState())

	configTbl, ok := bridge.GetTableTable(root, "config")
	if !ok {
		return nil, &ValidationError{Field: "config", Reason: "required table is missing"}
	}

	name, ok := bridge.GetTableString(configTbl, "name")
	if !ok || name == "" {
		return nil, &ValidationError{Field: "config.name", Reason: "required string is missing"}
	}

	config := Config{Name: name}
	config.Version, _ = bridge.GetTableString(configTbl, "version")
	config.Description, _ = bridge.GetTableString(configTbl, "description")
	config.Author, _ = bridge.GetTableString(configTbl, "author")

	hooks := make(map[string]*lua.LFunction)
	if hooksTbl, ok := bridge.GetTableTable(root, "hooks"); ok {
		var violation *ValidationError
		hooksTbl.ForEach(func(k, v lua.LValue) {
			if violation != nil {
				return
			}
			hookName := k.String()
			switch fn := v.(type) {
			case *lua.LFunction:
				hooks[hookName] = fn
			case *lua.LNilType:
				// nil entries are permitted and ignored
			default:
				violation = &ValidationError{
					Field:  "hooks." + hookName,
					Reason: fmt.Sprintf("must be a function or nil, got %s", v.Type()),
				}
			}
		})
		if violation != nil {
			return nil, violation
		}
	}

	lifecycle := make(map[string]*lua.LFunction)
	for _, lcName := range lifecycleNames {
		v := root.RawGetString(lcName)
		switch fn := v.(type) {
		case *lua.LFunction:
			lifecycle[lcName] = fn
		case *lua.LNilType:
			// optional
		default:
			return nil, &ValidationError{
				Field:  lcName,
				Reason: fmt.Sprintf("must be a function, got %s", v.Type()),
			}
		}
	}

	return &Module{
		state:     state,
		bridge:    bridge,
		config:    config,
		hooks:     hooks,
		lifecycle: lifecycle,
	}, nil
}

// Config returns the plugin-declared metadata.
func (m *Module) Config() Config {
	return m.config
}

// HookNames returns the names of all hooks the module declares.
func (m *Module) HookNames() []string {
	names := make([]string, 0, len(m.hooks))
	for name := range m.hooks {
		names = append(names, name)
	}
	return names
}

// HasHook returns true if the module declares the named hook.
func (m *Module) HasHook(name string) bool {
	_, ok := m.hooks[name]
	return ok
}

// HasLifecycle returns true if the module declares the named lifecycle callback.
func (m *Module) HasLifecycle(name string) bool {
	_, ok := m.lifecycle[name]
	return ok
}

// CallHook invokes a declared hook callback with the given Go arguments.
// The first return value of the Lua function is converted back to Go;
// no return values yield nil.
func (m *Module) CallHook(name string, args ...any) (any, error) {
	fn, ok := m.hooks[name]
	if !ok {
		return nil, fmt.Errorf("hook %q not declared by plugin %q", name, m.config.Name)
	}
	return m.call(fn, args...)
}

// CallLifecycle invokes a declared lifecycle callback, if present.
// A missing callback is a no-op.
func (m *Module) CallLifecycle(name string) error {
	fn, ok := m.lifecycle[name]
	if !ok {
		return nil
	}
	_, err := m.call(fn)
	return err
}

func (m *Module) call(fn *lua.LFunction, args ...any) (any, error) {
	luaArgs := make([]lua.LValue, len(args))
	for i, arg := range args {
		luaArgs[i] = m.bridge.ToLuaValue(arg)
	}

	results, err := m.state.CallFunction(fn, luaArgs...)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return m.bridge.ToGoValue(results[0]), nil
}

// State returns the module's sandboxed Lua state.
func (m *Module) State() *State {
	return m.state
}

// Close releases the module's Lua state.
func (m *Module) Close() {
	if m.state != nil {
		m.state.Close()
	}
}
