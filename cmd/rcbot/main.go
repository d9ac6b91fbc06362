package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"rcbot/internal/app"
	"rcbot/pkg/logx"
)

const defaultConfig = "./config.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:   "rcbot",
		Short: "Announce MediaWiki recent changes to Telegram",
		Long: `rcbot polls MediaWiki recent changes, batches edits per page with a
growing hold-off, and posts one summary line per page to Telegram.

Examples:
  rcbot --config rcbot.yaml            # run the daemon
  rcbot once --config rcbot.yaml       # print one cycle to stdout`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfig, "path to config (.json, .yaml, .yml or .toml)")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the daemon until SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), cfgPath)
		},
	})
	root.AddCommand(newOnceCmd(&cfgPath))
	return root
}

func newOnceCmd(cfgPath *string) *cobra.Command {
	var (
		feed    string
		prime   bool
		level   string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run one cycle of a feed and print its lines",
		Long: `Fetch one feed once and print the lines that would be announced.
Nothing is sent to Telegram and no state is kept between runs.

Examples:
  rcbot once --config rcbot.yaml --feed wiki
  rcbot once --config rcbot.yaml --feed wiki --prime`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			log := logx.NewWriter(cmd.ErrOrStderr(), level)
			return app.RunOnce(ctx, *cfgPath, feed, prime, cmd.OutOrStdout(), log)
		},
	}
	cmd.Flags().StringVar(&feed, "feed", "", "feed name (optional with a single feed)")
	cmd.Flags().BoolVar(&prime, "prime", false, "run and discard a priming cycle first")
	cmd.Flags().StringVar(&level, "log-level", "warn", "log level for stderr")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline")
	return cmd
}

func runDaemon(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		return err
	}
	return stopErr
}
