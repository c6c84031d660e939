// Package lua provides the sandboxed Lua runtime that executes plugin code.
package lua

import (
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Default limits for a plugin Lua state.
const (
	DefaultMemoryLimit      = 10 * 1024 * 1024 // 10 MB (advisory, not enforced by gopher-lua)
	DefaultExecutionTimeout = 5 * time.Second
)

// State wraps gopher-lua with sandboxing for plugin execution.
//
// gopher-lua's LState is not goroutine-safe. The mutex serializes all access
// from Go code; Lua execution itself is single-threaded.
//
// The memory limit is advisory only - gopher-lua provides no mechanism to
// enforce a hard cap. Real accounting happens in the sandbox executor via
// heap-delta sampling.
type State struct {
	L *lua.LState

	mu sync.Mutex

	memoryLimit      int64
	executionTimeout time.Duration

	sandbox *Sandbox
	closed  bool
}

// StateOption configures a State.
type StateOption func(*State)

// WithMemoryLimit sets the advisory memory limit for the Lua state.
func WithMemoryLimit(bytes int64) StateOption {
	return func(s *State) {
		s.memoryLimit = bytes
	}
}

// WithExecutionTimeout sets the execution timeout for Lua calls.
func WithExecutionTimeout(d time.Duration) StateOption {
	return func(s *State) {
		s.executionTimeout = d
	}
}

// NewState creates a new sandboxed Lua state.
func NewState(opts ...StateOption) (*State, error) {
	state := &State{
		memoryLimit:      DefaultMemoryLimit,
		executionTimeout: DefaultExecutionTimeout,
	}

	for _, opt := range opts {
		opt(state)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // opened selectively below
	})
	state.L = L

	openSafeLibraries(L)

	state.sandbox = NewSandbox(L)
	state.sandbox.Install()

	return state, nil
}

// openSafeLibraries opens only safe Lua standard libraries.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Intentionally NOT opened:
	// - io (file system access)
	// - os (system calls, execute)
	// - debug (can bypass sandbox)
	// - package path loading (arbitrary modules)
}

// DoFile loads and runs a Lua file, returning the chunk's return values.
// Execution is synchronous and serialized with all other state access.
func (s *State) DoFile(path string) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}

	fn, err := s.L.LoadFile(path)
	if err != nil {
		return nil, err
	}

	stackTop := s.L.GetTop()
	s.L.Push(fn)

	if err := s.pcallWithRecovery(0); err != nil {
		return nil, err
	}

	return s.collectResults(stackTop), nil
}

// DoString executes a Lua string, returning the chunk's return values.
func (s *State) DoString(code string) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}

	fn, err := s.L.LoadString(code)
	if err != nil {
		return nil, err
	}

	stackTop := s.L.GetTop()
	s.L.Push(fn)

	if err := s.pcallWithRecovery(0); err != nil {
		return nil, err
	}

	return s.collectResults(stackTop), nil
}

// CallFunction calls a Lua function value with the given arguments.
// Returns an empty slice (not nil) if the function returns no values.
func (s *State) CallFunction(fn *lua.LFunction, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}
	if fn == nil {
		return nil, ErrNotAFunction
	}

	stackTop := s.L.GetTop()
	s.L.Push(fn)
	for _, arg := range args {
		s.L.Push(arg)
	}

	if err := s.pcallWithRecovery(len(args)); err != nil {
		return nil, err
	}

	return s.collectResults(stackTop), nil
}

// pcallWithRecovery runs PCall with panic recovery.
// The function and its arguments must already be on the stack.
func (s *State) pcallWithRecovery(nargs int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return s.L.PCall(nargs, lua.MultRet, nil)
}

// collectResults pops and returns every value pushed above stackTop.
func (s *State) collectResults(stackTop int) []lua.LValue {
	nRet := s.L.GetTop() - stackTop
	if nRet <= 0 {
		return []lua.LValue{}
	}
	results := make([]lua.LValue, nRet)
	for i := 0; i < nRet; i++ {
		results[i] = s.L.Get(stackTop + i + 1)
	}
	s.L.Pop(nRet)
	return results
}

// GetGlobal returns a global variable value.
func (s *State) GetGlobal(name string) lua.LValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return lua.LNil
	}
	return s.L.GetGlobal(name)
}

// SetGlobal sets a global variable.
func (s *State) SetGlobal(name string, value lua.LValue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.SetGlobal(name, value)
}

// ExecutionTimeout returns the configured per-call timeout.
func (s *State) ExecutionTimeout() time.Duration {
	return s.executionTimeout
}

// MemoryLimit returns the advisory memory limit in bytes.
func (s *State) MemoryLimit() int64 {
	return s.memoryLimit
}

// LuaState returns the underlying gopher-lua state.
//
// WARNING: direct access bypasses the mutex and sandbox. The caller is
// responsible for thread-safety.
func (s *State) LuaState() *lua.LState {
	return s.L
}

// IsClosed returns true if the state has been closed.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases all resources associated with the Lua state.
// After Close, all other methods return ErrStateClosed or no-op.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.L.Close()
	s.closed = true
	return nil
}
