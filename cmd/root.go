// Package cmd wires the CLI commands to the runner.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/archive-to-mailbox/config"
	"github.com/dhcgn/archive-to-mailbox/model"
	"github.com/dhcgn/archive-to-mailbox/progress"
	"github.com/dhcgn/archive-to-mailbox/runner"
)

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd, err := NewRootCommand()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		return 1
	}
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// NewRootCommand builds the command tree. The root command runs an import;
// opts are applied to every runner the commands create.
func NewRootCommand(opts ...runner.Option) (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:           "archive-to-mailbox",
		Short:         "Migrate an offline mail archive into a hosted mailbox",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runImport(cmd, opts)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		return nil, err
	}

	rootCmd.AddCommand(
		newListCommand(opts),
		newAnalyzeCommand(opts),
		newTargetFoldersCommand(opts),
		newArchiveStatsCommand(),
		newServeCommand(opts),
	)
	return rootCmd, nil
}

// app is the state shared by a single command invocation.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	runner *runner.Runner

	closeOnce sync.Once
	closeErr  error
	cleanup   func() error
}

func setup(cmd *cobra.Command, mode config.Mode, opts ...runner.Option) (*app, error) {
	cfg, err := config.LoadConfig(cmd, mode)
	if err != nil {
		return nil, err
	}

	logger, cleanup, err := setupLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	r, err := runner.New(cfg, logger, opts...)
	if err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("runner.New: %w", err)
	}
	return &app{cfg: cfg, logger: logger, runner: r, cleanup: cleanup}, nil
}

// close stops the runner and its subscribers, then closes the log file.
func (a *app) close() error {
	a.closeOnce.Do(func() {
		a.closeErr = errors.Join(a.runner.Close(), a.cleanup())
	})
	return a.closeErr
}

func runImport(cmd *cobra.Command, opts []runner.Option) error {
	a, err := setup(cmd, config.ModeImport, opts...)
	if err != nil {
		return err
	}
	defer a.close()

	cfg := a.cfg
	a.logger.Info("starting archive-to-mailbox",
		"archive", cfg.ArchiveFile,
		"source", cfg.SourceFolderID,
		"mailbox", cfg.Mailbox,
		"target", cfg.TargetFolderID,
		"backend", cfg.Backend,
		"dryRun", cfg.DryRun)

	bar := progress.New(cfg.LogLevel)
	a.runner.SubscribeStats("progress", bar.Run)

	start := time.Now()
	snapshot, importErr := a.runner.ImportSelection(cmd.Context(), model.ImportRequest{
		ArchiveFile:    cfg.ArchiveFile,
		Mailbox:        cfg.Mailbox,
		SourceFolderID: cfg.SourceFolderID,
		TargetFolderID: cfg.TargetFolderID,
	})
	closeErr := a.close()

	progress.PrintSummary(cmd.OutOrStdout(), snapshot, time.Since(start))
	return errors.Join(importErr, closeErr)
}
