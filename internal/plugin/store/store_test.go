package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/quillpress/quillpress/internal/plugin"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().Truncate(time.Second)
	rec := &plugin.Record{
		PluginID:    "seo-toolkit",
		Name:        "seo-toolkit",
		Version:     "2.1.0",
		Description: "SEO helpers",
		Author:      "dev",
		Status:      plugin.StatusEnabled,
		Installed:   true,
		InstalledAt: now,
		LastVersion: "2.0.0",
		Settings:    `{"sitemap":{"enabled":true}}`,
	}
	if err := s.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get("seo-toolkit")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Version != "2.1.0" || got.Status != plugin.StatusEnabled {
		t.Errorf("got %+v, want version and status preserved", got)
	}
	if !got.Installed || !got.InstalledAt.Equal(now) {
		t.Errorf("install state = %v at %v, want preserved", got.Installed, got.InstalledAt)
	}
	if got.Settings != rec.Settings {
		t.Errorf("Settings = %q, want %q", got.Settings, rec.Settings)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get("nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("missing plugin should report absent, not error")
	}
}

func TestPutUpsert(t *testing.T) {
	s := openTestStore(t)
	rec := &plugin.Record{PluginID: "a", Name: "a", Version: "1.0.0", Status: plugin.StatusDisabled}
	if err := s.Put(rec); err != nil {
		t.Fatal(err)
	}
	rec.Version = "1.1.0"
	if err := s.Put(rec); err != nil {
		t.Fatal(err)
	}

	got, _, _ := s.Get("a")
	if got.Version != "1.1.0" {
		t.Errorf("Version = %q, want upserted 1.1.0", got.Version)
	}

	records, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("List = %d rows, want 1 after upsert", len(records))
	}
}

func TestSetStatus(t *testing.T) {
	s := openTestStore(t)
	s.Put(&plugin.Record{PluginID: "a", Name: "a", Status: plugin.StatusDisabled})

	if err := s.SetStatus("a", plugin.StatusError, "activate failed"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, _, _ := s.Get("a")
	if got.Status != plugin.StatusError || got.LastError != "activate failed" {
		t.Errorf("got %+v, want ERROR with detail", got)
	}
	if got.ErrorAt.IsZero() {
		t.Error("ErrorAt should be stamped for StatusError")
	}

	if err := s.SetStatus("a", plugin.StatusEnabled, ""); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, _, _ = s.Get("a")
	if got.LastError != "" || !got.ErrorAt.IsZero() {
		t.Errorf("got %+v, want error detail cleared on recovery", got)
	}
}

func TestSetStatusValidation(t *testing.T) {
	s := openTestStore(t)
	s.Put(&plugin.Record{PluginID: "a", Name: "a", Status: plugin.StatusDisabled})

	if err := s.SetStatus("a", plugin.Status("BOGUS"), ""); err == nil {
		t.Error("invalid status value should be rejected")
	}
	if err := s.SetStatus("missing", plugin.StatusEnabled, ""); !errors.Is(err, plugin.ErrPluginNotFound) {
		t.Errorf("error = %v, want ErrPluginNotFound", err)
	}
}

func TestMarkInstalled(t *testing.T) {
	s := openTestStore(t)
	s.Put(&plugin.Record{PluginID: "a", Name: "a", Status: plugin.StatusDisabled})

	at := time.Now().Truncate(time.Second)
	if err := s.MarkInstalled("a", at); err != nil {
		t.Fatalf("MarkInstalled: %v", err)
	}
	got, _, _ := s.Get("a")
	if !got.Installed || !got.InstalledAt.Equal(at) {
		t.Errorf("got installed=%v at %v, want marked at %v", got.Installed, got.InstalledAt, at)
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	s.Put(&plugin.Record{PluginID: "a", Name: "a", Status: plugin.StatusDisabled})

	existed, err := s.Delete("a")
	if err != nil || !existed {
		t.Fatalf("Delete: existed=%v err=%v", existed, err)
	}
	existed, err = s.Delete("a")
	if err != nil || existed {
		t.Errorf("second Delete: existed=%v err=%v, want false", existed, err)
	}
}

func TestErrorHistory(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		err := s.AppendError(plugin.ErrorRecord{
			PluginID:  "a",
			Message:   "boom",
			Context:   "hook:beforeQuery",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendError: %v", err)
		}
	}

	records, err := s.ErrorHistory("a", 2)
	if err != nil {
		t.Fatalf("ErrorHistory: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want limit 2", len(records))
	}
	if records[0].Timestamp.Before(records[1].Timestamp) {
		t.Error("history should be newest first")
	}
}

func TestSettings(t *testing.T) {
	s := openTestStore(t)
	s.Put(&plugin.Record{PluginID: "a", Name: "a", Status: plugin.StatusDisabled, Settings: "{}"})

	if err := s.SetSetting("a", "sitemap.enabled", true); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := s.SetSetting("a", "sitemap.depth", 3); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}

	val, ok, err := s.GetSetting("a", "sitemap.enabled")
	if err != nil || !ok {
		t.Fatalf("GetSetting: ok=%v err=%v", ok, err)
	}
	if val != "true" {
		t.Errorf("value = %q, want true", val)
	}

	if _, ok, _ := s.GetSetting("a", "sitemap.missing"); ok {
		t.Error("absent path should report not found")
	}
	if err := s.SetSetting("missing", "x", 1); !errors.Is(err, plugin.ErrPluginNotFound) {
		t.Errorf("error = %v, want ErrPluginNotFound", err)
	}
}
