// Package cli implements the quillpress command tree.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/quillpress/quillpress/internal/app"
)

var (
	flagDir      string
	flagLogLevel string
)

// NewRootCommand builds the quillpress root command.
func NewRootCommand(version string) *cobra.Command {
	root := &cobra.Command{
		Use:          "quillpress",
		Short:        "QuillPress content management runtime",
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagDir, "dir", ".", "runtime data directory")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "log level (trace, debug, info, warn, error)")

	root.AddCommand(newPluginsCommand())
	root.AddCommand(newServeCommand())
	return root
}

// newRuntimeAt assembles a runtime from the persistent flags. A non-empty
// pluginsDir overrides the plugins directory derived from --dir.
func newRuntimeAt(pluginsDir string) (*app.Runtime, error) {
	cfg := app.DefaultConfig(flagDir)
	cfg.LogLevel = flagLogLevel
	cfg.HotReload = false
	if pluginsDir != "" {
		cfg.PluginsDir = pluginsDir
	}
	return app.NewRuntime(cfg)
}

// newServeCommand runs the runtime in the foreground with hot reload on.
func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the plugin runtime in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.DefaultConfig(flagDir)
			cfg.LogLevel = flagLogLevel
			rt, err := app.NewRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.Stop()

			report, err := rt.Start()
			if err != nil {
				return err
			}
			cmd.Printf("loaded %d plugin(s), %d failed, %d skipped\n",
				len(report.Loaded), len(report.Failed), len(report.Skipped))
			cmd.Println("watching for plugin changes; press Ctrl+C to stop")

			<-cmd.Context().Done()
			return nil
		},
	}
}
