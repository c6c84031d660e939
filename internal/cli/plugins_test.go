package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCommand(t *testing.T, args ...string) string {
	t.Helper()
	root := NewRootCommand("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		t.Fatalf("command %v: %v", args, err)
	}
	return out.String()
}

func writePluginDir(t *testing.T, pluginsDir, name string) {
	t.Helper()
	dir := filepath.Join(pluginsDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	entry := `return { config = { name = "` + name + `" } }`
	if err := os.WriteFile(filepath.Join(dir, "main.lua"), []byte(entry), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPluginsReloadAcceptsDirectoryArgument(t *testing.T) {
	base := t.TempDir()
	extra := filepath.Join(base, "extra")
	writePluginDir(t, extra, "alpha")

	out := runCommand(t, "--dir", base, "plugins", "reload", extra)
	if !strings.Contains(out, `plugin "alpha" reloaded`) {
		t.Errorf("output = %q, want alpha reloaded from the given directory", out)
	}
}

func TestPluginsUpdatesAcceptsDirectoryArgument(t *testing.T) {
	base := t.TempDir()
	extra := filepath.Join(base, "extra")
	writePluginDir(t, extra, "alpha")

	out := runCommand(t, "--dir", base, "plugins", "updates", extra)
	if !strings.Contains(out, "up to date") {
		t.Errorf("output = %q, want up-to-date report", out)
	}
}

func TestPluginsListShowsLoadedPlugins(t *testing.T) {
	base := t.TempDir()
	writePluginDir(t, filepath.Join(base, "plugins"), "alpha")

	out := runCommand(t, "--dir", base, "plugins", "list")
	if !strings.Contains(out, "alpha") {
		t.Errorf("output = %q, want alpha listed", out)
	}
}
