package event

import (
	"fmt"
	"testing"
	"time"
)

func TestEmitPriorityOrder(t *testing.T) {
	b := NewBus(nil)
	var order []string

	b.On("post:created", func(Payload) error {
		order = append(order, "late")
		return nil
	}, Options{Priority: 30})
	b.On("post:created", func(Payload) error {
		order = append(order, "early")
		return nil
	}, Options{Priority: 1})
	b.On("post:created", func(Payload) error {
		order = append(order, "default")
		return nil
	}, Options{})

	res := b.Emit("post:created", nil)
	if res.ListenerCount != 3 {
		t.Fatalf("ListenerCount = %d, want 3", res.ListenerCount)
	}

	want := []string{"early", "default", "late"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestEmitStableTies(t *testing.T) {
	b := NewBus(nil)
	var order []int
	for i := 0; i < 4; i++ {
		i := i
		b.On("tick", func(Payload) error {
			order = append(order, i)
			return nil
		}, Options{Priority: 10})
	}

	b.Emit("tick", nil)
	for i, got := range order {
		if got != i {
			t.Errorf("tie position %d = %d, want registration order", i, got)
		}
	}
}

func TestEmitErrorIsolation(t *testing.T) {
	b := NewBus(nil)
	var reached bool

	b.On("save", func(Payload) error {
		return fmt.Errorf("listener failed")
	}, Options{Priority: 1})
	b.On("save", func(Payload) error {
		reached = true
		return nil
	}, Options{Priority: 2})

	res := b.Emit("save", nil)
	if !reached {
		t.Error("a failing listener must not block later listeners")
	}
	if len(res.Errors) != 1 {
		t.Fatalf("Errors = %d, want 1", len(res.Errors))
	}
	if res.Errors[0].Err == nil {
		t.Error("listener error should be captured")
	}
}

func TestListenerCountExcludesFailures(t *testing.T) {
	b := NewBus(nil)
	b.On("save", func(Payload) error { return nil }, Options{})
	b.On("save", func(Payload) error { return fmt.Errorf("listener failed") }, Options{})
	b.On("save", func(Payload) error { panic("listener panicked") }, Options{})

	res := b.Emit("save", nil)
	if res.ListenerCount != 1 {
		t.Errorf("ListenerCount = %d, want only the successful invocation counted", res.ListenerCount)
	}
	if len(res.Errors) != 2 {
		t.Errorf("Errors = %d, want 2", len(res.Errors))
	}
}

func TestEmitPanicIsolated(t *testing.T) {
	b := NewBus(nil)
	b.On("save", func(Payload) error { panic("listener panicked") }, Options{})

	res := b.Emit("save", nil)
	if len(res.Errors) != 1 {
		t.Fatalf("Errors = %d, want panic captured as error", len(res.Errors))
	}
}

func TestOnceListenerRemovedAfterDelivery(t *testing.T) {
	b := NewBus(nil)
	calls := 0
	b.On("boot", func(Payload) error {
		calls++
		return nil
	}, Options{Once: true})

	b.Emit("boot", nil)
	b.Emit("boot", nil)

	if calls != 1 {
		t.Errorf("calls = %d, want once-listener to fire a single time", calls)
	}
	if b.ListenerCount("boot") != 0 {
		t.Error("spent once-listener should be removed")
	}
}

func TestConditionGate(t *testing.T) {
	b := NewBus(nil)
	calls := 0
	b.On("post:saved", func(Payload) error {
		calls++
		return nil
	}, Options{
		Condition: func(p Payload) bool {
			data, _ := p.Data.(map[string]any)
			return data["status"] == "published"
		},
	})

	b.Emit("post:saved", map[string]any{"status": "draft"})
	b.Emit("post:saved", map[string]any{"status": "published"})

	if calls != 1 {
		t.Errorf("calls = %d, want condition to gate delivery", calls)
	}
}

func TestOff(t *testing.T) {
	b := NewBus(nil)
	id := b.On("x", func(Payload) error { return nil }, Options{})

	if !b.Off("x", id) {
		t.Error("Off should remove an existing listener")
	}
	if b.Off("x", id) {
		t.Error("second Off should report absence")
	}
}

func TestRemovePluginListeners(t *testing.T) {
	b := NewBus(nil)
	b.On("a", func(Payload) error { return nil }, Options{PluginID: "seo"})
	b.On("b", func(Payload) error { return nil }, Options{PluginID: "seo"})
	b.On("a", func(Payload) error { return nil }, Options{PluginID: "gallery"})

	if removed := b.RemovePluginListeners("seo"); removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if b.ListenerCount("a") != 1 {
		t.Errorf("remaining listeners on a = %d, want 1", b.ListenerCount("a"))
	}
	if b.ListenerCount("b") != 0 {
		t.Errorf("remaining listeners on b = %d, want 0", b.ListenerCount("b"))
	}
}

func TestOnceListenerRetriedAfterFailure(t *testing.T) {
	b := NewBus(nil)
	calls := 0
	b.On("boot", func(Payload) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("first delivery failed")
		}
		return nil
	}, Options{Once: true})

	b.Emit("boot", nil)
	b.Emit("boot", nil)
	b.Emit("boot", nil)

	if calls != 2 {
		t.Errorf("calls = %d, want failed once-listener to stay for one retry", calls)
	}
}

func TestEmitWithMetaAndSource(t *testing.T) {
	b := NewBus(nil)
	var got Payload
	b.On("post:published", func(p Payload) error {
		got = p
		return nil
	}, Options{})

	b.EmitWith("post:published", "post-1", map[string]any{"user": "admin"}, "editor")

	if got.Source != "editor" {
		t.Errorf("Source = %q, want editor", got.Source)
	}
	if got.Meta["user"] != "admin" {
		t.Errorf("Meta = %v, want user recorded", got.Meta)
	}
}

func TestEmitEventIDsUnique(t *testing.T) {
	b := NewBus(nil)
	first := b.Emit("x", nil)
	second := b.Emit("x", nil)
	if first.EventID == "" || first.EventID == second.EventID {
		t.Errorf("event ids %q, %q should be unique and non-empty", first.EventID, second.EventID)
	}
}

func TestWaitForReceivesEvent(t *testing.T) {
	b := NewBus(nil)
	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Emit("ready", "payload")
	}()

	p, ok := b.WaitFor("ready", time.Second, nil)
	if !ok {
		t.Fatal("WaitFor should observe the emission")
	}
	if p.Data != "payload" {
		t.Errorf("Data = %v, want payload", p.Data)
	}
}

func TestWaitForTimeout(t *testing.T) {
	b := NewBus(nil)
	start := time.Now()
	_, ok := b.WaitFor("never", 30*time.Millisecond, nil)
	if ok {
		t.Fatal("WaitFor should time out")
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("WaitFor returned before its timeout")
	}
	if b.ListenerCount("never") != 0 {
		t.Error("timed-out WaitFor should remove its listener")
	}
}
