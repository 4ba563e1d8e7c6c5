// Package cmd provides the CLI commands for qaserve.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/qaserve/internal/config"
	qaerrors "github.com/Aman-CERP/qaserve/internal/errors"
	"github.com/Aman-CERP/qaserve/internal/logging"
	"github.com/Aman-CERP/qaserve/internal/profiling"
	"github.com/Aman-CERP/qaserve/internal/provision"
	"github.com/Aman-CERP/qaserve/pkg/version"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	debug      bool
	profile    profiling.Options

	loggingCleanup func()
	profiler       *profiling.Session
}

// NewRootCmd creates the root command for the qaserve CLI.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "qaserve",
		Short: "Question-answering pipeline server",
		Long: `qaserve provisions a question-answering pipeline from configuration,
serves queries through a bounded admission gate and indexes uploaded files
into the shared document store.

Run 'qaserve check' to see which pipelines the current configuration yields.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("qaserve version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default: ./qaserve.yaml)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging to ~/.qaserve/logs/")

	cmd.PersistentFlags().StringVar(&opts.profile.CPUPath, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&opts.profile.HeapPath, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&opts.profile.TracePath, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return opts.startProfiling()
	}
	cmd.PersistentPostRunE = func(_ *cobra.Command, _ []string) error {
		err := opts.stopProfiling()
		opts.stopLogging()
		return err
	}

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newCheckCmd(opts))
	cmd.AddCommand(newQueryCmd(opts))
	cmd.AddCommand(newIndexCmd(opts))
	cmd.AddCommand(newWatchCmd(opts))
	cmd.AddCommand(newBuildIndexCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command and prints any error with its code and hint.
func Execute() error {
	cmd := NewRootCmd()
	err := cmd.Execute()
	if err != nil {
		_, _ = fmt.Fprint(cmd.ErrOrStderr(), qaerrors.FormatForCLI(err))
	}
	return err
}

// loadConfig reads configuration and installs the process logger at the
// configured level. --debug forces debug level mirrored to the log file.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Server.LogLevel
	if o.debug {
		logCfg = logging.DebugConfig()
	}
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	o.stopLogging()
	o.loggingCleanup = cleanup
	slog.SetDefault(logger)
	if o.debug {
		slog.Debug("debug_logging_enabled", slog.String("log_file", logCfg.FilePath))
	}
	return cfg, nil
}

func (o *rootOptions) startProfiling() error {
	if !o.profile.Enabled() {
		return nil
	}
	s, err := profiling.Start(o.profile)
	if err != nil {
		return err
	}
	o.profiler = s
	return nil
}

func (o *rootOptions) stopProfiling() error {
	if o.profiler == nil {
		return nil
	}
	err := o.profiler.Stop()
	o.profiler = nil
	if err != nil {
		return fmt.Errorf("failed to write profiles: %w", err)
	}
	return nil
}

func (o *rootOptions) stopLogging() {
	if o.loggingCleanup != nil {
		o.loggingCleanup()
		o.loggingCleanup = nil
	}
}

// provision loads configuration and builds the serving bundle. The caller
// owns the bundle and must close it.
func (o *rootOptions) provision(ctx context.Context) (*config.Config, *provision.Bundle, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	bundle, err := provision.Provision(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, bundle, nil
}
