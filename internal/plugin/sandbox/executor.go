// Package sandbox bounds plugin callback execution with timeout and memory
// budgets and tracks per-plugin error and quarantine state.
package sandbox

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Default execution budgets.
const (
	// DefaultMaxExecutionTime bounds hook and lifecycle callbacks.
	DefaultMaxExecutionTime = 5 * time.Second

	// InstallMaxExecutionTime is the extended budget for one-time installs.
	InstallMaxExecutionTime = 10 * time.Second

	// DefaultMaxMemoryMB is the heap-delta budget per execution.
	DefaultMaxMemoryMB = 50

	// QuarantineErrorThreshold is the cumulative error count that triggers
	// auto-quarantine.
	QuarantineErrorThreshold = 5
)

// ErrQuarantined is returned when running a quarantined plugin.
var ErrQuarantined = errors.New("plugin is quarantined")

// TimeoutError reports an execution that lost the race against its timer.
// The callback itself is not cancelled, only abandoned.
type TimeoutError struct {
	Unit  string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded execution budget of %s", e.Unit, e.Limit)
}

// ResourceLimitError reports an execution whose memory delta exceeded budget.
type ResourceLimitError struct {
	Unit       string
	MemoryUsed int64
	LimitMB    int
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("%s used %d bytes, over the %d MB budget", e.Unit, e.MemoryUsed, e.LimitMB)
}

// Limits configures one execution.
type Limits struct {
	MaxExecutionTime time.Duration
	MaxMemoryMB      int
}

// DefaultLimits returns the standard hook/lifecycle budget.
func DefaultLimits() Limits {
	return Limits{
		MaxExecutionTime: DefaultMaxExecutionTime,
		MaxMemoryMB:      DefaultMaxMemoryMB,
	}
}

// InstallLimits returns the extended budget for install callbacks.
func InstallLimits() Limits {
	return Limits{
		MaxExecutionTime: InstallMaxExecutionTime,
		MaxMemoryMB:      DefaultMaxMemoryMB,
	}
}

// State is the executor's view of one plugin.
type State struct {
	Active             bool
	ErrorCount         int
	Executions         int
	TotalExecutionTime time.Duration
	MemoryPeak         int64
	Quarantined        bool
	QuarantineReason   string
}

// Result is the outcome of one sandboxed execution.
type Result struct {
	Success       bool
	Value         any
	Err           error
	ExecutionTime time.Duration
	MemoryUsed    int64
}

// Executor runs plugin callbacks under resource budgets.
//
// The timeout is a race, not a cancellation: a callback that loses the race
// keeps running in the background and only its result is abandoned. The
// memory metric is a process-wide heap-delta sample, an approximation that
// is only meaningful because executions are not attributed across plugins.
type Executor struct {
	mu     sync.RWMutex
	states map[string]*State
	log    hclog.Logger
}

// NewExecutor creates a sandbox executor.
func NewExecutor(log hclog.Logger) *Executor {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Executor{
		states: make(map[string]*State),
		log:    log.Named("sandbox"),
	}
}

// Run executes fn for a plugin under the given limits.
//
// A quarantined plugin fails immediately without invoking fn. Success decays
// a non-zero error count by one; failure increments it. The plugin is
// auto-quarantined when the memory delta exceeds the budget or the error
// count reaches QuarantineErrorThreshold.
func (e *Executor) Run(pluginID, unit string, fn func() (any, error), limits Limits) Result {
	if e.IsQuarantined(pluginID) {
		return Result{Success: false, Err: fmt.Errorf("plugin %q: %w", pluginID, ErrQuarantined)}
	}

	if limits.MaxExecutionTime <= 0 {
		limits.MaxExecutionTime = DefaultMaxExecutionTime
	}
	if limits.MaxMemoryMB <= 0 {
		limits.MaxMemoryMB = DefaultMaxMemoryMB
	}

	heapBefore := heapInUse()
	start := time.Now()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("callback panic: %v", r)}
			}
		}()
		value, err := fn()
		done <- outcome{value: value, err: err}
	}()

	timer := time.NewTimer(limits.MaxExecutionTime)
	defer timer.Stop()

	var value any
	var runErr error
	select {
	case out := <-done:
		value, runErr = out.value, out.err
	case <-timer.C:
		// The callback is abandoned, not killed; it may still complete in
		// the background.
		runErr = &TimeoutError{Unit: unit, Limit: limits.MaxExecutionTime}
	}

	elapsed := time.Since(start)
	memoryUsed := heapInUse() - heapBefore
	if memoryUsed < 0 {
		memoryUsed = 0
	}

	result := Result{
		Success:       runErr == nil,
		Value:         value,
		Err:           runErr,
		ExecutionTime: elapsed,
		MemoryUsed:    memoryUsed,
	}

	memoryLimit := int64(limits.MaxMemoryMB) * 1024 * 1024
	if memoryUsed > memoryLimit {
		// A memory breach outranks whatever the callback itself returned.
		result.Success = false
		result.Err = &ResourceLimitError{Unit: unit, MemoryUsed: memoryUsed, LimitMB: limits.MaxMemoryMB}
		runErr = result.Err
	}

	e.record(pluginID, unit, result, runErr, memoryLimit)
	return result
}

// record updates the plugin's sandbox state after an execution.
func (e *Executor) record(pluginID, unit string, result Result, runErr error, memoryLimit int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateLocked(pluginID)
	st.Executions++
	st.TotalExecutionTime += result.ExecutionTime
	if result.MemoryUsed > st.MemoryPeak {
		st.MemoryPeak = result.MemoryUsed
	}

	if runErr == nil {
		// Soft self-healing: successful runs slowly pay down the count.
		if st.ErrorCount > 0 {
			st.ErrorCount--
		}
		return
	}

	st.ErrorCount++
	e.log.Warn("sandboxed execution failed",
		"plugin", pluginID, "unit", unit, "error", runErr, "errorCount", st.ErrorCount)

	var resErr *ResourceLimitError
	switch {
	case errors.As(runErr, &resErr):
		e.quarantineLocked(st, pluginID,
			fmt.Sprintf("memory delta %d bytes exceeded %d MB budget", result.MemoryUsed, memoryLimit/(1024*1024)))
	case st.ErrorCount >= QuarantineErrorThreshold:
		e.quarantineLocked(st, pluginID,
			fmt.Sprintf("error count reached %d", st.ErrorCount))
	}
}

// stateLocked returns (creating if needed) the state for a plugin.
// Caller must hold e.mu.
func (e *Executor) stateLocked(pluginID string) *State {
	st, ok := e.states[pluginID]
	if !ok {
		st = &State{Active: true}
		e.states[pluginID] = st
	}
	return st
}

// quarantineLocked applies quarantine. Caller must hold e.mu.
func (e *Executor) quarantineLocked(st *State, pluginID, reason string) {
	st.Quarantined = true
	st.QuarantineReason = reason
	st.Active = false
	e.log.Error("plugin quarantined", "plugin", pluginID, "reason", reason)
}

// Quarantine manually quarantines a plugin.
func (e *Executor) Quarantine(pluginID, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quarantineLocked(e.stateLocked(pluginID), pluginID, reason)
}

// Release lifts a quarantine and resets the error count.
// Returns false if the plugin was not quarantined.
func (e *Executor) Release(pluginID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[pluginID]
	if !ok || !st.Quarantined {
		return false
	}
	st.Quarantined = false
	st.QuarantineReason = ""
	st.Active = true
	st.ErrorCount = 0
	e.log.Info("plugin released from quarantine", "plugin", pluginID)
	return true
}

// IsQuarantined returns true if the plugin is quarantined.
func (e *Executor) IsQuarantined(pluginID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[pluginID]
	return ok && st.Quarantined
}

// PluginState returns a snapshot of one plugin's sandbox state.
func (e *Executor) PluginState(pluginID string) (State, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[pluginID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// States returns a snapshot of every plugin's sandbox state.
func (e *Executor) States() map[string]State {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]State, len(e.states))
	for id, st := range e.states {
		out[id] = *st
	}
	return out
}

// Forget drops a plugin's sandbox state entirely (used on unload).
func (e *Executor) Forget(pluginID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, pluginID)
}

// heapInUse samples the process heap. Process-wide, not per-plugin.
func heapInUse() int64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.HeapInuse)
}
