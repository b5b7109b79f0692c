// Package commands provides the CLI commands for sessionhostctl, a
// demonstration driver of SessionHost that talks to it in-process — no
// REST/WS wire layer is part of this module's scope (spec.md §1).
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/sessionhost/internal/config"
	"github.com/opencode-ai/sessionhost/internal/host"
	"github.com/opencode-ai/sessionhost/internal/logging"
)

// Version information set at build time.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

var (
	printLogs bool
	logLevel  string
	dataDir   string

	sessionHost *host.Host
)

var rootCmd = &cobra.Command{
	Use:   "sessionhostctl",
	Short: "sessionhostctl - drive a SessionHost from the command line",
	Long: `sessionhostctl is a thin CLI demonstration of the session host: it
constructs one Host in-process and issues its operations directly, with
no network layer in between.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logCfg := logging.DefaultConfig()
		logCfg.Level = logging.ParseLevel(logLevel)
		logCfg.Pretty = printLogs
		if !printLogs {
			logCfg.Level = logging.FatalLevel
		}
		logging.Init(logCfg)

		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
		cfg, err := config.Load(cwd)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}

		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		sessionHost = newHost(cfg, dataDir)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if sessionHost != nil {
			sessionHost.Shutdown(cmd.Context())
		}
	},
}

func init() {
	defaultDataDir := config.GetPaths().Data
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir, "Root directory for session records, transcripts, and workspaces")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
