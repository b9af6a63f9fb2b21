// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlindex/internal/api"
	"github.com/JakeFAU/crawlindex/internal/clock/system"
	"github.com/JakeFAU/crawlindex/internal/config"
	"github.com/JakeFAU/crawlindex/internal/cookies"
	"github.com/JakeFAU/crawlindex/internal/crawler"
	"github.com/JakeFAU/crawlindex/internal/dispatcher"
	"github.com/JakeFAU/crawlindex/internal/domainstate"
	"github.com/JakeFAU/crawlindex/internal/fetcher"
	colly "github.com/JakeFAU/crawlindex/internal/fetcher/colly"
	"github.com/JakeFAU/crawlindex/internal/fetcher/headless"
	"github.com/JakeFAU/crawlindex/internal/hash/sha256"
	"github.com/JakeFAU/crawlindex/internal/id/uuid"
	"github.com/JakeFAU/crawlindex/internal/lang"
	"github.com/JakeFAU/crawlindex/internal/metrics"
	"github.com/JakeFAU/crawlindex/internal/policy"
	pspublisher "github.com/JakeFAU/crawlindex/internal/publisher/pubsub"
	"github.com/JakeFAU/crawlindex/internal/queue"
	"github.com/JakeFAU/crawlindex/internal/scheduler"
	"github.com/JakeFAU/crawlindex/internal/snapshot"
	"github.com/JakeFAU/crawlindex/internal/storage/gcs"
	"github.com/JakeFAU/crawlindex/internal/storage/local"
	"github.com/JakeFAU/crawlindex/internal/storage/memory"
	"github.com/JakeFAU/crawlindex/internal/storage/postgres"
	"github.com/JakeFAU/crawlindex/internal/telemetry"
)

// Version is stamped at build time.
var Version = "dev"

// Store is everything the crawl needs from persistence.
type Store interface {
	crawler.DocumentStore
	crawler.DomainStore
	crawler.CookieStore
	Ping(ctx context.Context) error
}

// App holds all the shared, long-lived services for the application.
// It is built once at startup by the root command and closed when the
// command finishes.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     Store
	policies  *policy.Resolver
	clock     crawler.Clock
	ids       crawler.IDGenerator
	hasher    crawler.Hasher
	lang      crawler.LangDetector
	jar       *cookies.Jar
	domains   *domainstate.Tracker
	hooks     []crawler.PostFetchHook
	publisher crawler.Publisher
	queue     *queue.Service

	closers []func(context.Context) error
}

// New wires every service named by cfg. It fails fast: anything already
// opened is closed again before the error is returned.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New("worker"),
		hasher: sha256.New(),
		lang:   lang.New(cfg.Crawler.LangMinChars),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	logger.Info("initializing application services")
	metrics.Init()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "crawlindex",
		Version:     Version,
		ProjectID:   cfg.Tracing.ProjectID,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, shutdownTracing)

	if a.policies, err = loadPolicies(cfg.Policies); err != nil {
		return nil, err
	}
	if !a.policies.HasCatchAll() {
		logger.Warn("policy rules have no catch-all; unmatched urls will be recorded as errored")
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openSnapshots(ctx); err != nil {
		return nil, err
	}
	if err := a.openPublisher(ctx); err != nil {
		return nil, err
	}

	a.jar = cookies.New(a.store, a.clock, logger)
	robots := colly.New(colly.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.Crawler.RequestTimeout,
		MaxRedirects: cfg.Crawler.MaxRedirects,
		MaxFileSize:  cfg.Crawler.MaxFileSize,
	}, nil, logger.Named("robots"))
	a.closers = append(a.closers, func(context.Context) error { return robots.Close() })
	a.domains = domainstate.New(a.store, robots, a.clock, domainstate.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Delay:        cfg.Crawler.Delay,
		IgnoreRobots: cfg.Crawler.IgnoreRobots,
	}, logger)
	a.queue = queue.New(a.store, a.policies, logger)

	logger.Info("application services initialized",
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.Int("policy_rules", len(a.policies.Rules())),
		zap.Bool("publishing", a.publisher != nil),
	)
	return a, nil
}

func loadPolicies(cfg config.PoliciesConfig) (*policy.Resolver, error) {
	if cfg.Inline != "" {
		rules, err := policy.Parse([]byte(cfg.Inline))
		if err != nil {
			return nil, fmt.Errorf("load inline policies: %w", err)
		}
		r, err := policy.NewResolver(rules)
		if err != nil {
			return nil, fmt.Errorf("load inline policies: %w", err)
		}
		return r, nil
	}
	r, err := policy.Load(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	return r, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.DB.Driver {
	case "memory":
		a.logger.Info("using in-memory store; state is lost on exit")
		a.store = memory.NewStore(a.clock)
	case "postgres":
		a.logger.Info("connecting to postgres")
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { pg.Close(); return nil })
		a.store = pg
		if a.cfg.DB.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			a.logger.Info("schema applied")
		}
	default:
		return fmt.Errorf("unknown db driver %q", a.cfg.DB.Driver)
	}
	return nil
}

func (a *App) openSnapshots(ctx context.Context) error {
	var blobs crawler.BlobStore
	switch a.cfg.Storage.Driver {
	case "", "none":
		return nil
	case "memory":
		blobs = memory.NewBlobStore()
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("open snapshot store: %w", err)
		}
		blobs = store
	case "gcs":
		store, err := gcs.Open(ctx, gcs.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return fmt.Errorf("open snapshot store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		blobs = store
	default:
		return fmt.Errorf("unknown storage driver %q", a.cfg.Storage.Driver)
	}
	hook, err := snapshot.New(blobs, a.hasher, a.cfg.Storage.Prefix, a.logger)
	if err != nil {
		return fmt.Errorf("snapshot hook: %w", err)
	}
	a.hooks = append(a.hooks, hook)
	return nil
}

func (a *App) openPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" {
		return nil
	}
	a.logger.Info("connecting to pub/sub", zap.String("topic", a.cfg.PubSub.Topic))
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("create pubsub client: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	pub, err := pspublisher.New(client)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
	a.publisher = pub
	return nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the document, domain and cookie store.
func (a *App) Store() Store { return a.store }

// Policies returns the loaded policy rules.
func (a *App) Policies() *policy.Resolver { return a.policies }

// Queue returns the seeding service.
func (a *App) Queue() *queue.Service { return a.queue }

// Migrate applies the schema when the store is backed by postgres.
func (a *App) Migrate(ctx context.Context) error {
	pg, ok := a.store.(*postgres.Store)
	if !ok {
		return fmt.Errorf("migrate: db driver %q has no schema", a.cfg.DB.Driver)
	}
	return pg.Migrate(ctx)
}

// Server builds the HTTP API.
func (a *App) Server() *api.Server {
	return api.NewServer(a.store, a.queue, api.Options{
		APIKey:         a.cfg.Auth.APIKey,
		RequestTimeout: a.cfg.Server.ReadTimeout * 4,
	}, a.logger)
}

// Dispatcher builds the worker pool.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return dispatcher.New(a.cfg.Workers(), a.ids, a.NewWorker, a.logger)
}

type worker struct {
	*scheduler.Scheduler
	fetches *fetcher.Dispatcher
}

func (w worker) Close() error { return w.fetches.Close() }

// NewWorker builds the scheduler for one worker ID. Each worker owns its
// fetchers; the headless browser is started on first use.
func (a *App) NewWorker(_ context.Context, id string) (dispatcher.Worker, error) {
	log := a.logger.With(zap.String("worker_id", id))
	session := fetcher.NewSession(fetcher.FactoryFunc(a.newFetcher), log)
	fetches := fetcher.NewDispatcher(session, a.domains, a.clock, fetcher.Config{
		CrashRetry:    a.cfg.Crawler.CrashRetry,
		CrashCooldown: a.cfg.Crawler.CrashCooldown,
		MaxFileSize:   a.cfg.Crawler.MaxFileSize,
	}, log)
	sched := scheduler.New(
		a.store,
		a.policies,
		a.domains,
		fetches,
		a.hasher,
		a.lang,
		a.publisher,
		a.hooks,
		a.clock,
		scheduler.Config{
			WorkerID:        id,
			IdlePoll:        a.cfg.Crawler.IdlePoll,
			SaveRetries:     a.cfg.Crawler.SaveRetries,
			MaxRedirectHops: a.cfg.Crawler.MaxRedirects,
			Topic:           a.cfg.PubSub.Topic,
		},
		a.logger,
	)
	return worker{Scheduler: sched, fetches: fetches}, nil
}

func (a *App) newFetcher(ctx context.Context, mode crawler.BrowseMode) (crawler.Fetcher, error) {
	switch mode {
	case crawler.BrowseRequests:
		return colly.New(colly.Config{
			UserAgent:    a.cfg.Crawler.UserAgent,
			Timeout:      a.cfg.Crawler.RequestTimeout,
			MaxRedirects: a.cfg.Crawler.MaxRedirects,
			MaxFileSize:  a.cfg.Crawler.MaxFileSize,
		}, a.jar, a.logger), nil
	case crawler.BrowseBrowser:
		if !a.cfg.Headless.Enabled {
			return nil, fmt.Errorf("browser fetcher requested but headless.enabled is false: %w", crawler.ErrFetcherUnavailable)
		}
		f, err := headless.New(ctx, headless.Config{
			UserAgent:         a.cfg.Crawler.UserAgent,
			ExecPath:          a.cfg.Headless.ExecPath,
			NavigationTimeout: a.cfg.Headless.NavTimeout,
			Settle:            a.cfg.Headless.Settle,
			MaxRedirects:      a.cfg.Crawler.MaxRedirects,
			MaxFileSize:       a.cfg.Crawler.MaxFileSize,
		}, a.jar, a.logger)
		if err != nil {
			return nil, fmt.Errorf("start headless fetcher: %w", err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("no fetcher for browse mode %q", mode)
	}
}

// Close releases every service in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
