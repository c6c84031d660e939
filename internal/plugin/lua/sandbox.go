package lua

import (
	lua "github.com/yuin/gopher-lua"
)

// Sandbox restricts Lua execution to safe operations.
//
// Plugins must not be able to load arbitrary code from disk or reach the
// process environment; everything they need is handed to their hook and
// lifecycle callbacks by the host.
type Sandbox struct {
	L *lua.LState
}

// NewSandbox creates a new sandbox for the Lua state.
func NewSandbox(L *lua.LState) *Sandbox {
	return &Sandbox{L: L}
}

// Install sets up the sandbox restrictions.
func (s *Sandbox) Install() {
	// Remove functions that could be used to bypass the sandbox.
	dangerousFuncs := []string{
		"dofile",
		"loadfile",
		"load",
		"loadstring",
	}
	for _, name := range dangerousFuncs {
		s.L.SetGlobal(name, lua.LNil)
	}

	s.installSafeRequire()
}

// safeModules are the built-in modules plugins may require.
var safeModules = map[string]bool{
	"string": true,
	"table":  true,
	"math":   true,
}

// installSafeRequire replaces require with a whitelist-based version.
//
// package.path/cpath are cleared so nothing can be loaded from disk; only
// whitelisted built-in modules resolve.
func (s *Sandbox) installSafeRequire() {
	pkg := s.L.GetGlobal("package")
	if pkgTable, ok := pkg.(*lua.LTable); ok {
		s.L.SetField(pkgTable, "path", lua.LString(""))
		s.L.SetField(pkgTable, "cpath", lua.LString(""))
	}

	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)

		// The package loader is never opened, so whitelisted built-ins
		// resolve through their global tables instead.
		if safeModules[modName] {
			L.Push(L.GetGlobal(modName))
			return 1
		}

		// Note: L.RaiseError does a longjmp, code after it is unreachable.
		L.RaiseError("module %q is not available to plugins", modName)
		return 0
	}))
}
