// Command testscope captures browser test telemetry: request logs, failure
// artifacts, code coverage and screencasts.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"testscope/internal/config"
	"testscope/internal/logging"
)

var (
	// Global flags
	configPath string
	outputDir  string
	verbose    bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "testscope",
	Short: "testscope - browser test telemetry",
	Long: `testscope drives a browser session and records what happened during it:
network requests, failure diagnostics, JS/CSS code coverage, console errors
and a screencast of failing runs.

Artifacts are written to the output directory and each run is archived so
it can be listed with "testscope history".`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if outputDir != "" {
			loaded.OutputDir = outputDir
		}
		if verbose {
			loaded.Logging.Level = "debug"
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		cfg = loaded

		if err := logging.Initialize(cfg.LoggingOptions()); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.BootDebug("config loaded from %s (output=%s)", configPath, cfg.OutputDir)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.Base().Sync()
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Config file")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output", "o", "", "Artifact directory (overrides output_dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
