package plugin

import (
	"testing"
)

func noopHook(args ...any) (any, error) { return nil, nil }

func TestHookRegistryPriorityOrder(t *testing.T) {
	r := NewHookRegistry(nil)
	r.Register("beforePostCreate", "late", 20, noopHook)
	r.Register("beforePostCreate", "early", 1, noopHook)
	r.Register("beforePostCreate", "mid", 10, noopHook)

	regs := r.Registrations("beforePostCreate")
	want := []string{"early", "mid", "late"}
	if len(regs) != len(want) {
		t.Fatalf("got %d registrations, want %d", len(regs), len(want))
	}
	for i, reg := range regs {
		if reg.Owner != want[i] {
			t.Errorf("position %d = %q, want %q", i, reg.Owner, want[i])
		}
	}
}

func TestHookRegistryStableTies(t *testing.T) {
	r := NewHookRegistry(nil)
	r.Register("afterLogin", "first", 10, noopHook)
	r.Register("afterLogin", "second", 10, noopHook)
	r.Register("afterLogin", "third", 10, noopHook)

	regs := r.Registrations("afterLogin")
	want := []string{"first", "second", "third"}
	for i, reg := range regs {
		if reg.Owner != want[i] {
			t.Errorf("tie position %d = %q, want registration order %q", i, reg.Owner, want[i])
		}
	}
}

func TestHookRegistryNilCallbackIgnored(t *testing.T) {
	r := NewHookRegistry(nil)
	r.Register("beforeQuery", "x", 10, nil)
	if n := r.Count(); n != 0 {
		t.Errorf("Count = %d, want 0 after nil callback", n)
	}
}

func TestHookRegistryUnknownHookAccepted(t *testing.T) {
	r := NewHookRegistry(nil)
	r.Register("onCustomThing", "x", 10, noopHook)
	if len(r.Registrations("onCustomThing")) != 1 {
		t.Error("unknown hook names should register with a warning, not be dropped")
	}
}

func TestUnregisterOwner(t *testing.T) {
	r := NewHookRegistry(nil)
	r.Register("beforeQuery", "keep", 10, noopHook)
	r.Register("beforeQuery", "drop", 10, noopHook)
	r.Register("afterQuery", "drop", 10, noopHook)

	if removed := r.UnregisterOwner("drop"); removed != 2 {
		t.Errorf("UnregisterOwner = %d, want 2", removed)
	}
	if n := r.Count(); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
	if len(r.Registrations("afterQuery")) != 0 {
		t.Error("afterQuery should have no registrations left")
	}
}

func TestIsKnownHook(t *testing.T) {
	if !IsKnownHook("registerBlocks") {
		t.Error("registerBlocks should be known")
	}
	if IsKnownHook("notAHook") {
		t.Error("notAHook should be unknown")
	}
}
