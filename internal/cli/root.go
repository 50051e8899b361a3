// Package cli implements the qcsync command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rpattn/qcsync/internal/config"
	"github.com/rpattn/qcsync/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath  string
	Actor       string
	LogLevel    string
	LogFormat   string
	MetricsFile string

	cfg    config.Config
	logger *slog.Logger
}

// NewRootCommand creates the qcsync root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "qcsync",
		Short: "Differential QC uploads to REDCap",
		Long: `qcsync uploads quality-control results to a REDCap project. It only sends
records whose run marker changed, appends to the QC history field instead of
overwriting it, and snapshots the affected remote records before every write.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", ".", "config file or directory containing qcsync.yaml")
	cmd.PersistentFlags().StringVarP(&opts.Actor, "initials", "i", "", "initials recorded in the audit trail")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (text|json)")
	cmd.PersistentFlags().StringVar(&opts.MetricsFile, "metrics-file", "", "write Prometheus metrics to this textfile on exit")

	cmd.AddCommand(NewUploadCommand(opts))
	cmd.AddCommand(NewQueryResolutionCommand(opts))
	cmd.AddCommand(NewFetchCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewSnapshotCommand(opts))

	return cmd
}

// load reads configuration, applies flag overrides and installs the logger.
func (o *RootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}
	if o.MetricsFile != "" {
		cfg.MetricsFile = o.MetricsFile
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	o.cfg = cfg
	o.logger = logger
	return nil
}

// requireActor rejects mutating commands without initials.
func (o *RootOptions) requireActor() error {
	o.Actor = strings.TrimSpace(o.Actor)
	if o.Actor == "" {
		return errors.New("--initials is required")
	}
	return nil
}

// Execute runs the CLI and returns the process exit code. An interrupt
// cancels the running upload at its next step boundary.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
