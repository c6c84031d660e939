package plugin

import (
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// DefaultHookPriority is used when a registration does not specify one.
// Lower values run first.
const DefaultHookPriority = 10

// KnownHooks is the fixed set of extension points the host dispatches.
var KnownHooks = []string{
	"onServerStart",
	"onServerStop",
	"onDatabaseConnect",
	"beforeQuery",
	"afterQuery",
	"beforePostCreate",
	"afterPostCreate",
	"beforePostUpdate",
	"afterPostUpdate",
	"beforePostDelete",
	"afterPostDelete",
	"beforeRequest",
	"afterRequest",
	"beforeLogin",
	"afterLogin",
	"beforeLogout",
	"afterLogout",
	"registerPostTypes",
	"registerMetaFields",
	"registerAdminPages",
	"registerShortcodes",
	"registerWidgets",
	"registerBlocks",
}

var knownHookSet = func() map[string]bool {
	set := make(map[string]bool, len(KnownHooks))
	for _, name := range KnownHooks {
		set[name] = true
	}
	return set
}()

// IsKnownHook returns true if name is a recognized hook.
func IsKnownHook(name string) bool {
	return knownHookSet[name]
}

// HookFunc is a registered hook callback.
type HookFunc func(args ...any) (any, error)

// HookRegistration is one callback registered under a hook name.
type HookRegistration struct {
	Callback HookFunc
	Priority int
	Owner    string

	// seq preserves registration order for equal priorities.
	seq uint64
}

// HookRegistry holds hook registrations in ascending-priority order, stable
// on ties. The sort is re-applied on every insertion.
type HookRegistry struct {
	mu    sync.RWMutex
	hooks map[string][]*HookRegistration
	seq   uint64
	log   hclog.Logger
}

// NewHookRegistry creates an empty hook registry.
func NewHookRegistry(log hclog.Logger) *HookRegistry {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &HookRegistry{
		hooks: make(map[string][]*HookRegistration),
		log:   log.Named("hooks"),
	}
}

// Register adds a callback under a hook name. Unknown hook names are
// accepted with a warning so plugins targeting newer hosts degrade softly.
func (r *HookRegistry) Register(hook, owner string, priority int, fn HookFunc) {
	if fn == nil {
		return
	}
	if !IsKnownHook(hook) {
		r.log.Warn("registering unrecognized hook", "hook", hook, "plugin", owner)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	regs := append(r.hooks[hook], &HookRegistration{
		Callback: fn,
		Priority: priority,
		Owner:    owner,
		seq:      r.seq,
	})

	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].Priority != regs[j].Priority {
			return regs[i].Priority < regs[j].Priority
		}
		return regs[i].seq < regs[j].seq
	})

	r.hooks[hook] = regs
}

// UnregisterOwner removes every registration owned by a plugin.
// Returns the number removed.
func (r *HookRegistry) UnregisterOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for hook, regs := range r.hooks {
		kept := regs[:0]
		for _, reg := range regs {
			if reg.Owner == owner {
				removed++
				continue
			}
			kept = append(kept, reg)
		}
		if len(kept) == 0 {
			delete(r.hooks, hook)
		} else {
			r.hooks[hook] = kept
		}
	}
	return removed
}

// Registrations returns a copy of the ordered registrations for a hook.
func (r *HookRegistry) Registrations(hook string) []*HookRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := r.hooks[hook]
	if len(regs) == 0 {
		return nil
	}
	out := make([]*HookRegistration, len(regs))
	copy(out, regs)
	return out
}

// Hooks returns all hook names with at least one registration.
func (r *HookRegistry) Hooks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.hooks))
	for name := range r.hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the total number of registrations.
func (r *HookRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, regs := range r.hooks {
		n += len(regs)
	}
	return n
}
