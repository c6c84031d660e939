// Package event provides the runtime's publish/subscribe bus. Plugins and
// host components communicate through named events with priority-ordered
// listeners.
package event

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// DefaultListenerPriority is used when options do not specify one.
// Lower values run first.
const DefaultListenerPriority = 10

// Payload is delivered to every listener of an emitted event.
type Payload struct {
	// EventID uniquely identifies this emission.
	EventID string

	// Name is the event name as emitted.
	Name string

	// Data is the emitter-supplied payload.
	Data any

	// Meta carries emitter-supplied context (request ids, user, origin).
	Meta map[string]any

	// Source identifies the emitting component or plugin.
	Source string

	// Timestamp is when the emission started.
	Timestamp time.Time
}

// ListenerFunc handles one event delivery.
type ListenerFunc func(Payload) error

// Options configures a listener registration.
type Options struct {
	// Priority orders delivery; lower runs first. Zero means
	// DefaultListenerPriority.
	Priority int

	// Once removes the listener after its first delivery.
	Once bool

	// PluginID attributes the listener to a plugin so it can be removed in
	// bulk when that plugin unloads.
	PluginID string

	// Condition, when set, must return true for the listener to fire.
	Condition func(Payload) bool
}

// ListenerError pairs a failed listener with its error. Listener failures
// are isolated; they never stop delivery to later listeners.
type ListenerError struct {
	ListenerID string
	PluginID   string
	Err        error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener %s: %v", e.ListenerID, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

// EmitResult summarizes one emission. ListenerCount counts only the
// listeners that were invoked successfully; failures appear in Errors.
type EmitResult struct {
	EventID       string
	ListenerCount int
	Errors        []*ListenerError
	Duration      time.Duration
}

// listener is one registration.
type listener struct {
	id        string
	fn        ListenerFunc
	priority  int
	once      bool
	pluginID  string
	condition func(Payload) bool
	seq       uint64
}

// Bus is a synchronous publish/subscribe event bus. Listeners run in
// ascending priority order, stable on ties, on the emitter's goroutine.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]*listener
	seq       uint64
	log       hclog.Logger
}

// NewBus creates an event bus.
func NewBus(log hclog.Logger) *Bus {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Bus{
		listeners: make(map[string][]*listener),
		log:       log.Named("events"),
	}
}

// On registers a listener for an event name and returns its listener ID.
func (b *Bus) On(name string, fn ListenerFunc, opts Options) string {
	if fn == nil {
		return ""
	}
	if opts.Priority == 0 {
		opts.Priority = DefaultListenerPriority
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	l := &listener{
		id:        uuid.NewString(),
		fn:        fn,
		priority:  opts.Priority,
		once:      opts.Once,
		pluginID:  opts.PluginID,
		condition: opts.Condition,
		seq:       b.seq,
	}

	regs := append(b.listeners[name], l)
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority < regs[j].priority
		}
		return regs[i].seq < regs[j].seq
	})
	b.listeners[name] = regs

	return l.id
}

// Off removes a listener by ID. Returns true if it existed.
func (b *Bus) Off(name, listenerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.listeners[name]
	for i, l := range regs {
		if l.id == listenerID {
			b.listeners[name] = append(regs[:i], regs[i+1:]...)
			if len(b.listeners[name]) == 0 {
				delete(b.listeners, name)
			}
			return true
		}
	}
	return false
}

// RemovePluginListeners removes every listener registered under a plugin ID,
// across all event names. Returns the number removed.
func (b *Bus) RemovePluginListeners(pluginID string) int {
	if pluginID == "" {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for name, regs := range b.listeners {
		kept := regs[:0]
		for _, l := range regs {
			if l.pluginID == pluginID {
				removed++
				continue
			}
			kept = append(kept, l)
		}
		if len(kept) == 0 {
			delete(b.listeners, name)
		} else {
			b.listeners[name] = kept
		}
	}
	return removed
}

// Emit delivers an event to every matching listener synchronously, in
// priority order. A listener error is captured and delivery continues; a
// listener panic is captured the same way. Once-listeners are removed after
// their first successful invocation.
func (b *Bus) Emit(name string, data any) EmitResult {
	return b.EmitWith(name, data, nil, "")
}

// EmitWith is Emit with emitter-supplied metadata and source attribution.
func (b *Bus) EmitWith(name string, data any, meta map[string]any, source string) EmitResult {
	payload := Payload{
		EventID:   uuid.NewString(),
		Name:      name,
		Data:      data,
		Meta:      meta,
		Source:    source,
		Timestamp: time.Now(),
	}
	start := time.Now()

	b.mu.RLock()
	regs := make([]*listener, len(b.listeners[name]))
	copy(regs, b.listeners[name])
	b.mu.RUnlock()

	result := EmitResult{EventID: payload.EventID}
	var spent []string

	for _, l := range regs {
		if l.condition != nil && !l.condition(payload) {
			continue
		}
		err := b.deliver(l, payload)
		if err == nil {
			result.ListenerCount++
		} else {
			result.Errors = append(result.Errors, &ListenerError{
				ListenerID: l.id,
				PluginID:   l.pluginID,
				Err:        err,
			})
			b.log.Warn("event listener failed",
				"event", name, "listener", l.id, "plugin", l.pluginID, "error", err)
		}

		// Failed once-listeners stay registered for the next emission.
		if l.once && err == nil {
			spent = append(spent, l.id)
		}
	}

	for _, id := range spent {
		b.Off(name, id)
	}

	result.Duration = time.Since(start)
	return result
}

// deliver invokes one listener, converting a panic into an error.
func (b *Bus) deliver(l *listener, payload Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l.fn(payload)
}

// WaitFor blocks until the named event fires (optionally matching cond) or
// the timeout elapses. Returns the payload and true on a match.
func (b *Bus) WaitFor(name string, timeout time.Duration, cond func(Payload) bool) (Payload, bool) {
	ch := make(chan Payload, 1)
	id := b.On(name, func(p Payload) error {
		select {
		case ch <- p:
		default:
		}
		return nil
	}, Options{Once: true, Condition: cond})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p := <-ch:
		return p, true
	case <-timer.C:
		b.Off(name, id)
		return Payload{}, false
	}
}

// ListenerCount returns the number of listeners for an event name.
func (b *Bus) ListenerCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[name])
}

// EventNames returns all names with at least one listener, sorted.
func (b *Bus) EventNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.listeners))
	for name := range b.listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
