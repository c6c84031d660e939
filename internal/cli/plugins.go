package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/quillpress/quillpress/internal/app"
)

// newPluginsCommand builds the `quillpress plugins` subtree.
func newPluginsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Manage installed plugins",
	}

	cmd.AddCommand(
		newPluginsListCommand(),
		newPluginsEnableCommand(),
		newPluginsDisableCommand(),
		newPluginsReloadCommand(),
		newPluginsHealthCommand(),
		newPluginsDiagnosticsCommand(),
		newPluginsUpdatesCommand(),
		newPluginsErrorsCommand(),
		newPluginsSandboxCommand(),
		newPluginsCacheCommand(),
		newPluginsHotReloadCommand(),
		newPluginsWatcherCommand(),
		newPluginsQuarantineCommand(),
	)
	return cmd
}

// withRuntime builds a runtime, loads all plugins, runs fn, and tears down.
func withRuntime(cmd *cobra.Command, fn func(*app.Runtime) error) error {
	return withRuntimeAt("", fn)
}

// withRuntimeAt is withRuntime with an optional plugins directory override.
func withRuntimeAt(pluginsDir string, fn func(*app.Runtime) error) error {
	rt, err := newRuntimeAt(pluginsDir)
	if err != nil {
		return err
	}
	defer rt.Stop()

	if _, err := rt.Start(); err != nil {
		return err
	}
	return fn(rt)
}

func newPluginsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *app.Runtime) error {
				instances := rt.Manager().List()
				if len(instances) == 0 {
					cmd.Println("no plugins loaded")
					return nil
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tVERSION\tPHASE\tHOOKS")
				for _, inst := range instances {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
						inst.Manifest.Name, inst.Manifest.Version,
						inst.Phase, len(inst.Module.HookNames()))
				}
				return w.Flush()
			})
		},
	}
}

func newPluginsEnableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <id>",
		Short: "Enable a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *app.Runtime) error {
				if err := rt.Manager().Enable(args[0]); err != nil {
					return err
				}
				cmd.Printf("plugin %q enabled\n", args[0])
				return nil
			})
		},
	}
}

func newPluginsDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <id>",
		Short: "Disable a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *app.Runtime) error {
				if err := rt.Manager().Disable(args[0]); err != nil {
					return err
				}
				cmd.Printf("plugin %q disabled\n", args[0])
				return nil
			})
		},
	}
}

func newPluginsReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload [dir]",
		Short: "Reload all plugins, optionally from a different directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return withRuntimeAt(dir, func(rt *app.Runtime) error {
				for _, inst := range rt.Manager().List() {
					name := inst.Manifest.Name
					if _, err := rt.Manager().Reload(name); err != nil {
						cmd.Printf("plugin %q reload failed: %v\n", name, err)
						continue
					}
					cmd.Printf("plugin %q reloaded\n", name)
				}
				return nil
			})
		},
	}
}

func newPluginsHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health [id]",
		Short: "Show plugin health",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *app.Runtime) error {
				report := rt.Sandbox().Health()
				for _, ph := range report.Plugins {
					if len(args) == 1 && ph.PluginID != args[0] {
						continue
					}
					status := "healthy"
					if ph.Quarantined {
						status = "quarantined: " + ph.QuarantineReason
					} else if !ph.Healthy {
						status = "degraded"
					}
					cmd.Printf("%s\t%s\terrors=%d runs=%d avg=%s\n",
						ph.PluginID, status, ph.ErrorCount, ph.Executions, ph.AverageExecution)
				}
				if len(report.Recommendations) > 0 {
					cmd.Println("\nrecommendations:")
					for _, rec := range report.Recommendations {
						cmd.Println("  - " + rec)
					}
				}
				return nil
			})
		},
	}
}

func newPluginsDiagnosticsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnostics",
		Short: "Show runtime diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *app.Runtime) error {
				m := rt.Manager()
				lm := m.Loader().Metrics()
				stats := rt.Sandbox().Stats()

				cmd.Printf("plugins loaded:      %d\n", len(m.List()))
				cmd.Printf("manifests cached:    %d\n", m.Manifests().Count())
				cmd.Printf("hooks registered:    %d\n", m.Hooks().Count())
				cmd.Printf("loads / cache hits:  %d / %d\n", lm.Loads, lm.CacheHits)
				cmd.Printf("skips / failures:    %d / %d\n", lm.Skips, lm.Failures)
				cmd.Printf("sandbox executions:  %d (avg %s, error rate %.2f)\n",
					stats.Executions, stats.AverageExecution, stats.ErrorRate)
				cmd.Printf("quarantined:         %d\n", stats.Quarantined)
				cmd.Printf("buffered errors:     %d\n", m.Errors().Len())
				return nil
			})
		},
	}
}

func newPluginsUpdatesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "updates [dir]",
		Short: "Show plugins whose files changed since load",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return withRuntimeAt(dir, func(rt *app.Runtime) error {
				changed := 0
				for _, inst := range rt.Manager().List() {
					name := inst.Manifest.Name
					rt.Manager().Manifests().Invalidate(name)
				}
				fresh := rt.Manager().Manifests().Scan(rt.Config().PluginsDir)
				byName := make(map[string]string, len(fresh))
				for _, m := range fresh {
					byName[m.Name] = m.Checksum
				}
				for _, inst := range rt.Manager().List() {
					name := inst.Manifest.Name
					if sum, ok := byName[name]; ok && sum != inst.Manifest.Checksum {
						cmd.Printf("%s has changed on disk\n", name)
						changed++
					}
				}
				if changed == 0 {
					cmd.Println("all plugins up to date")
				}
				return nil
			})
		},
	}
}

func newPluginsErrorsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "errors [id]",
		Short: "Show recent plugin errors",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *app.Runtime) error {
				records := rt.Manager().Errors().All()
				if len(args) == 1 {
					records = rt.Manager().Errors().ForPlugin(args[0])
				}
				if len(records) == 0 {
					cmd.Println("no recorded errors")
					return nil
				}
				for _, rec := range records {
					cmd.Printf("%s  %s  [%s]  %s\n",
						rec.Timestamp.Format("2006-01-02 15:04:05"),
						rec.PluginID, rec.Context, rec.Message)
				}
				return nil
			})
		},
	}
}

func newPluginsSandboxCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sandbox",
		Short: "Show per-plugin sandbox state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *app.Runtime) error {
				states := rt.Sandbox().States()
				if len(states) == 0 {
					cmd.Println("no sandbox activity")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PLUGIN\tRUNS\tERRORS\tPEAK MEM\tQUARANTINED")
				for id, st := range states {
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%v\n",
						id, st.Executions, st.ErrorCount, st.MemoryPeak, st.Quarantined)
				}
				return w.Flush()
			})
		},
	}
}

func newPluginsCacheCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cache [clear]",
		Short: "Show or clear the manifest cache",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *app.Runtime) error {
				store := rt.Manager().Manifests()
				if len(args) == 1 {
					if args[0] != "clear" {
						return fmt.Errorf("unknown cache action %q", args[0])
					}
					n := store.Clear()
					cmd.Printf("evicted %d cached manifest(s)\n", n)
					return nil
				}
				cmd.Printf("%d cached manifest(s)\n", store.Count())
				return nil
			})
		},
	}
}

func newPluginsHotReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hot-reload <id>",
		Short: "Reload a plugin immediately from disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *app.Runtime) error {
				outcome, err := rt.Manager().Reload(args[0])
				if err != nil {
					return err
				}
				if outcome.CacheHit {
					cmd.Printf("plugin %q unchanged on disk\n", args[0])
				} else {
					cmd.Printf("plugin %q hot-reloaded\n", args[0])
				}
				return nil
			})
		},
	}
}

func newPluginsWatcherCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "watcher {start|stop|status|reload-all}",
		Short:     "Control the hot-reload watcher",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"start", "stop", "status", "reload-all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *app.Runtime) error {
				w := rt.Watcher()
				switch args[0] {
				case "start":
					for _, inst := range rt.Manager().List() {
						if err := w.Add(inst.Manifest.Name, inst.Manifest.Path()); err != nil {
							return err
						}
					}
					if err := w.Start(); err != nil {
						return err
					}
					cmd.Println("watcher started")
				case "stop":
					w.Stop()
					cmd.Println("watcher stopped")
				case "status":
					st := w.Status()
					cmd.Printf("running:     %v\n", st.Running)
					cmd.Printf("watched:     %d directories\n", len(st.WatchedRoots))
					cmd.Printf("reloads:     %d (%d suppressed)\n", st.Reloads, st.Suppressed)
					if len(st.RateLimited) > 0 {
						cmd.Printf("rate-limited: %s\n", strings.Join(st.RateLimited, ", "))
					}
				case "reload-all":
					failed := w.ForceReloadAll()
					if len(failed) > 0 {
						return fmt.Errorf("reload failed for: %s", strings.Join(failed, ", "))
					}
					cmd.Println("all plugins reloaded")
				}
				return nil
			})
		},
	}
}

func newPluginsQuarantineCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Inspect and release quarantined plugins",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List quarantined plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *app.Runtime) error {
				found := false
				for id, st := range rt.Sandbox().States() {
					if st.Quarantined {
						cmd.Printf("%s\t%s\n", id, st.QuarantineReason)
						found = true
					}
				}
				if !found {
					cmd.Println("no plugins quarantined")
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "release <id>",
		Short: "Release a plugin from quarantine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *app.Runtime) error {
				if !rt.Sandbox().Release(args[0]) {
					return fmt.Errorf("plugin %q is not quarantined", args[0])
				}
				cmd.Printf("plugin %q released\n", args[0])
				return nil
			})
		},
	})

	return cmd
}
