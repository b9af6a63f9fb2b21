package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// newCrawlCmd creates the 'crawl' subcommand: the worker pool plus the
// HTTP API, running until the process is signalled.
func newCrawlCmd() *cobra.Command {
	var (
		noAPI       bool
		resetClaims bool
	)
	cmd := &cobra.Command{
		Use:   "crawl [seed-url...]",
		Short: "Runs the crawl workers and the HTTP API",
		Long: `Starts crawler.workers scheduler workers against the shared queue and
serves the HTTP API on server.port. Any URLs given as arguments are
queued as seeds before the workers start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, args, !noAPI, resetClaims)
		},
	}
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "run the workers without the HTTP API")
	cmd.Flags().BoolVar(&resetClaims, "reset-claims", true,
		"requeue documents left claimed by a previous run; disable when other crawl processes share the store")
	return cmd
}

func runCrawl(cmd *cobra.Command, seeds []string, serveAPI, resetClaims bool) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := a.Logger()
	cfg := a.Config()

	if resetClaims {
		n, err := a.Store().ResetClaims(cmd.Context())
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Warn("requeued documents claimed by a previous run", zap.Int64("documents", n))
		}
	}

	if len(seeds) > 0 {
		if err := queueURLs(cmd, a.Queue(), seeds); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		logger.Info("dispatcher started", zap.Int("workers", cfg.Workers()))
		return a.Dispatcher().Run(ctx)
	})

	if serveAPI {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           a.Server().Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.Server.ReadTimeout,
		}
		g.Go(func() error {
			logger.Info("http server started", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			logger.Info("shutdown initiated")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
