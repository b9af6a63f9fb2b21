// Package cmd defines and implements the CLI commands for the crawlindex executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlindex/internal/app"
	"github.com/JakeFAU/crawlindex/internal/config"
	"github.com/JakeFAU/crawlindex/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newRootCmd creates the root command. Every subcommand except the policy
// tools gets a fully wired *app.App in its context.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "crawlindex",
		Short: "A polite, policy-driven web crawler and indexer.",
		Long: `crawlindex crawls the URLs it is given, follows links as its policy
rules allow, and keeps one indexed document per normalized URL in
Postgres, recrawling each page on a schedule that adapts to how often
it changes.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)

			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			a, ok := cmd.Context().Value(appKey).(*app.App)
			if !ok {
				return nil
			}
			err := a.Close(context.WithoutCancel(cmd.Context()))
			_ = a.Logger().Sync()
			return err
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); CRAWLINDEX_* env vars override it")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newQueueCmd())
	cmd.AddCommand(newRecrawlCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newPolicyCmd())

	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

// Execute runs the CLI until it finishes or SIGINT/SIGTERM arrives.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}
