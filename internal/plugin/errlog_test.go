package plugin

import (
	"fmt"
	"testing"
)

func TestErrorLogEvictsOldest(t *testing.T) {
	l := NewErrorLog(3)
	for i := 0; i < 5; i++ {
		l.Append(ErrorRecord{PluginID: "p", Message: fmt.Sprintf("err-%d", i)})
	}

	records := l.All()
	if len(records) != 3 {
		t.Fatalf("len = %d, want cap 3", len(records))
	}
	if records[0].Message != "err-2" {
		t.Errorf("oldest = %q, want err-2 after eviction", records[0].Message)
	}
	if records[2].Message != "err-4" {
		t.Errorf("newest = %q, want err-4", records[2].Message)
	}
}

func TestErrorLogForPlugin(t *testing.T) {
	l := NewErrorLog(10)
	l.Append(ErrorRecord{PluginID: "a", Message: "one"})
	l.Append(ErrorRecord{PluginID: "b", Message: "two"})
	l.Append(ErrorRecord{PluginID: "a", Message: "three"})

	got := l.ForPlugin("a")
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Message != "one" || got[1].Message != "three" {
		t.Errorf("messages = %q, %q; want one, three", got[0].Message, got[1].Message)
	}
}

func TestErrorLogAutoTimestamp(t *testing.T) {
	l := NewErrorLog(10)
	l.Append(ErrorRecord{PluginID: "a", Message: "x"})
	if l.All()[0].Timestamp.IsZero() {
		t.Error("Append should stamp records missing a timestamp")
	}
}

func TestErrorLogClear(t *testing.T) {
	l := NewErrorLog(10)
	l.Append(ErrorRecord{PluginID: "a", Message: "x"})
	l.Clear()
	if l.Len() != 0 {
		t.Errorf("Len = %d, want 0 after Clear", l.Len())
	}
}
