// Package cmd provides the CLI commands for kbsync.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/kbsync/internal/config"
	"github.com/kestrelworks/kbsync/internal/logging"
	"github.com/kestrelworks/kbsync/pkg/version"
)

var (
	configPath     string
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for the kbsync CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kbsync",
		Short: "Keep a vector-searchable knowledge base in sync with a content store",
		Long: `kbsync watches a content store, batches change events, and runs a
resumable indexing pipeline that chunks content, generates embeddings,
and stores them for similarity search.

Run 'kbsync run' for a one-shot full sync, or 'kbsync daemon' to watch
continuously.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("kbsync version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.PersistentPreRunE = setupLogging
	cmd.PersistentPostRun = func(_ *cobra.Command, _ []string) {
		if loggingCleanup != nil {
			loggingCleanup()
		}
	}

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newCancelCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// setupLogging installs the process-wide logger before any command runs.
func setupLogging(_ *cobra.Command, _ []string) error {
	cfg := logging.Config{Level: "info", WriteToStderr: true}
	if debugMode {
		cfg.Level = "debug"
	}

	logger, cleanup, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	return nil
}

// loadConfig loads the effective configuration for a command.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		return err
	}
	return nil
}
