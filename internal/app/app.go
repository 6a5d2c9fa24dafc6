// Package app initializes and holds long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/ZihanQ/intelligent-data-crawler/internal/api"
	archivegcs "github.com/ZihanQ/intelligent-data-crawler/internal/archive/gcs"
	archivelocal "github.com/ZihanQ/intelligent-data-crawler/internal/archive/local"
	archivemem "github.com/ZihanQ/intelligent-data-crawler/internal/archive/memory"
	"github.com/ZihanQ/intelligent-data-crawler/internal/clean"
	"github.com/ZihanQ/intelligent-data-crawler/internal/clock/system"
	"github.com/ZihanQ/intelligent-data-crawler/internal/config"
	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
	collyfetch "github.com/ZihanQ/intelligent-data-crawler/internal/fetch/colly"
	"github.com/ZihanQ/intelligent-data-crawler/internal/fetch/detector"
	"github.com/ZihanQ/intelligent-data-crawler/internal/fetch/headless"
	"github.com/ZihanQ/intelligent-data-crawler/internal/govern"
	"github.com/ZihanQ/intelligent-data-crawler/internal/hash/sha256"
	"github.com/ZihanQ/intelligent-data-crawler/internal/id/uuid"
	"github.com/ZihanQ/intelligent-data-crawler/internal/identity"
	"github.com/ZihanQ/intelligent-data-crawler/internal/logging"
	"github.com/ZihanQ/intelligent-data-crawler/internal/orchestrator"
	pubmem "github.com/ZihanQ/intelligent-data-crawler/internal/publisher/memory"
	pubgcp "github.com/ZihanQ/intelligent-data-crawler/internal/publisher/pubsub"
	queuemem "github.com/ZihanQ/intelligent-data-crawler/internal/queue/memory"
	queueredis "github.com/ZihanQ/intelligent-data-crawler/internal/queue/redis"
	"github.com/ZihanQ/intelligent-data-crawler/internal/retry"
	"github.com/ZihanQ/intelligent-data-crawler/internal/scheduler"
	"github.com/ZihanQ/intelligent-data-crawler/internal/source/eastmoney"
	"github.com/ZihanQ/intelligent-data-crawler/internal/source/nhc"
	storemem "github.com/ZihanQ/intelligent-data-crawler/internal/store/memory"
	storepg "github.com/ZihanQ/intelligent-data-crawler/internal/store/postgres"
)

// App holds all the shared, long-lived services for the application. It is
// initialized once at startup and handed to the commands that need it.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
	API          *api.Server

	closers []func()
}

// New builds the full service graph from configuration. It fails fast if
// any critical service cannot be initialized.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	a := &App{Config: cfg, Logger: logger}
	clock := system.New()

	store, err := a.buildStore(ctx, clock)
	if err != nil {
		a.Close()
		return nil, err
	}
	queue, err := a.buildQueue(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	archive, err := a.buildArchive(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	publisher, err := a.buildPublisher(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	adapters, cleaners, err := buildSources(cfg, clock, store)
	if err != nil {
		a.Close()
		return nil, err
	}

	identities := make([]crawl.Identity, 0, len(cfg.Identity.Identities))
	for _, entry := range cfg.Identity.Identities {
		identities = append(identities, crawl.Identity{
			UserAgent: entry.UserAgent,
			ProxyURL:  entry.ProxyURL,
		})
	}
	pool := identity.New(identities, identity.Config{
		RecencyWindow:   cfg.Identity.RecencyWindow,
		PenaltyCoolDown: time.Duration(cfg.Identity.PenaltyCoolDownSeconds) * time.Second,
	})

	overrides := make(map[crawl.SourceID]govern.Config, len(cfg.Overrides))
	for id, limits := range cfg.Overrides {
		overrides[crawl.SourceID(id)] = governorConfig(limits)
	}
	governor := govern.New(governorConfig(cfg.Governor.GovernorLimits), overrides)

	policy := retry.New(retry.Config{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		BaseDelay:       time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:        time.Duration(cfg.Retry.MaxDelaySeconds) * time.Second,
		BlockedCoolDown: time.Duration(cfg.Retry.BlockedCoolDownSeconds) * time.Second,
	})
	breaker := retry.NewBreaker(retry.BreakerConfig{
		Threshold: cfg.Breaker.Threshold,
		CoolDown:  time.Duration(cfg.Breaker.CoolDownSeconds) * time.Second,
	}, clock)

	fetcher := collyfetch.New(collyfetch.Config{Timeout: cfg.FetchTimeout()})

	var headlessFetcher crawl.Fetcher
	headlessSources := make(map[crawl.SourceID]bool, len(cfg.Headless.Sources))
	if cfg.Headless.Enabled {
		hf, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("initialize headless fetcher: %w", err)
		}
		a.closers = append(a.closers, hf.Close)
		headlessFetcher = hf
		for _, id := range cfg.Headless.Sources {
			headlessSources[crawl.SourceID(id)] = true
		}
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Adapters:   adapters,
		Cleaners:   cleaners,
		Fetcher:    fetcher,
		Headless:   headlessFetcher,
		Detector:   detector.NewHeuristic(cfg.Detector.Keywords, cfg.Detector.Selectors),
		Identities: pool,
		Governor:   governor,
		Policy:     policy,
		Breaker:    breaker,
		Store:      store,
		Queue:      queue,
		Archive:    archive,
		Hasher:     sha256.New(),
		Publisher:  publisher,
		Clock:      clock,
		IDs:        uuid.NewGenerator(),
	}, orchestrator.Config{
		Workers:         cfg.Crawler.Workers,
		GraceTimeout:    cfg.GraceTimeout(),
		RequeueDelay:    cfg.RequeueDelay(),
		ContentType:     cfg.Archive.ContentType,
		Topic:           cfg.Publisher.Topic,
		HeadlessSources: headlessSources,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}
	a.Orchestrator = orch

	sched, err := scheduler.New(orch, scheduler.Config{
		CronSpec:     cfg.Scheduler.Cron,
		Interval:     time.Duration(cfg.Scheduler.IntervalSeconds) * time.Second,
		HistoryLimit: cfg.Scheduler.HistoryLimit,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build scheduler: %w", err)
	}
	a.Scheduler = sched

	a.API = api.NewServer(sched, api.Config{
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: time.Duration(cfg.Server.TimeoutSeconds) * time.Second,
	}, logger)

	return a, nil
}

// Close releases all services in reverse initialization order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}

func (a *App) buildStore(ctx context.Context, clock crawl.Clock) (crawl.RecordStore, error) {
	switch a.Config.Store.Backend {
	case "memory":
		a.Logger.Info("using in-memory record store, data will not persist")
		return storemem.New(clock), nil
	case "postgres":
		a.Logger.Info("connecting to PostgreSQL record store")
		store, err := storepg.New(ctx, storepg.Config{
			DSN:      a.Config.Store.DSN,
			MaxConns: a.Config.Store.MaxConns,
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres store: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("migrate postgres store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", a.Config.Store.Backend)
	}
}

func (a *App) buildQueue(ctx context.Context) (crawl.TaskQueue, error) {
	switch a.Config.Queue.Backend {
	case "memory":
		q := queuemem.New(a.Config.Queue.Depth)
		a.closers = append(a.closers, q.Close)
		return q, nil
	case "redis":
		a.Logger.Info("connecting to Redis task queue",
			zap.String("addr", a.Config.Queue.Addr))
		q, err := queueredis.New(ctx, queueredis.Config{
			Addr:     a.Config.Queue.Addr,
			Password: a.Config.Queue.Password,
			DB:       a.Config.Queue.DB,
			Key:      a.Config.Queue.Key,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize redis queue: %w", err)
		}
		a.closers = append(a.closers, func() { _ = q.Close() })
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue backend: %s", a.Config.Queue.Backend)
	}
}

func (a *App) buildArchive(ctx context.Context) (crawl.BlobStore, error) {
	switch a.Config.Archive.Backend {
	case "memory":
		return archivemem.NewBlobStore(), nil
	case "local":
		return archivelocal.New(archivelocal.Config{BaseDir: a.Config.Archive.BaseDir})
	case "gcs":
		a.Logger.Info("using GCS raw archive",
			zap.String("bucket", a.Config.Archive.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("initialize gcs client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return archivegcs.New(client, archivegcs.Config{Bucket: a.Config.Archive.Bucket})
	default:
		return nil, fmt.Errorf("unknown archive backend: %s", a.Config.Archive.Backend)
	}
}

func (a *App) buildPublisher(ctx context.Context) (crawl.Publisher, error) {
	switch a.Config.Publisher.Backend {
	case "memory":
		return pubmem.New(), nil
	case "pubsub":
		a.Logger.Info("connecting to GCP Pub/Sub",
			zap.String("topic", a.Config.Publisher.Topic))
		p, err := pubgcp.New(ctx, a.Config.Publisher.ProjectID, a.Config.Publisher.Topic)
		if err != nil {
			return nil, fmt.Errorf("initialize pubsub publisher: %w", err)
		}
		a.closers = append(a.closers, func() { _ = p.Close() })
		return p, nil
	default:
		return nil, fmt.Errorf("unknown publisher backend: %s", a.Config.Publisher.Backend)
	}
}

func buildSources(cfg config.Config, clock crawl.Clock, store crawl.RecordStore) (map[crawl.SourceID]crawl.SourceAdapter, map[crawl.SourceID]*clean.Cleaner, error) {
	adapters := make(map[crawl.SourceID]crawl.SourceAdapter)
	cleaners := make(map[crawl.SourceID]*clean.Cleaner)

	if cfg.Sources.EastMoney.Enabled {
		adapter, err := eastmoney.New(eastmoney.Config{Codes: cfg.Sources.EastMoney.Codes}, clock)
		if err != nil {
			return nil, nil, fmt.Errorf("build eastmoney adapter: %w", err)
		}
		adapters[adapter.ID()] = adapter
		cleaners[adapter.ID()] = clean.New(eastmoney.CleanerConfig())

		if cfg.Sources.EastMoney.Discover {
			list := eastmoney.NewList(eastmoney.ListConfig{}, clock)
			adapters[list.ID()] = list
			cleaners[list.ID()] = clean.New(eastmoney.ListCleanerConfig())
		}
		if cfg.Sources.EastMoney.FundFlow {
			fflow, err := eastmoney.NewFundFlow(eastmoney.FundFlowConfig{Codes: cfg.Sources.EastMoney.Codes}, clock)
			if err != nil {
				return nil, nil, fmt.Errorf("build eastmoney fund flow adapter: %w", err)
			}
			adapters[fflow.ID()] = fflow
			cleaners[fflow.ID()] = clean.New(eastmoney.FundFlowCleanerConfig())
		}
	}

	if cfg.Sources.NHC.Enabled {
		categories := make([]nhc.Category, 0, len(cfg.Sources.NHC.Categories))
		for _, c := range cfg.Sources.NHC.Categories {
			categories = append(categories, nhc.Category{Name: c.Name, URL: c.URL})
		}
		var lister nhc.RecordLister
		if cfg.Sources.NHC.Details {
			records, ok := store.(nhc.RecordLister)
			if !ok {
				return nil, nil, fmt.Errorf("store backend %s cannot list records for nhc details", cfg.Store.Backend)
			}
			lister = records
		}
		adapter, err := nhc.New(nhc.Config{Categories: categories, Details: cfg.Sources.NHC.Details}, clock, lister)
		if err != nil {
			return nil, nil, fmt.Errorf("build nhc adapter: %w", err)
		}
		adapters[adapter.ID()] = adapter
		cleaners[adapter.ID()] = clean.New(nhc.CleanerConfig())
	}

	if len(adapters) == 0 {
		return nil, nil, fmt.Errorf("no sources enabled")
	}
	return adapters, cleaners, nil
}

func governorConfig(limits config.GovernorLimits) govern.Config {
	return govern.Config{
		MaxConcurrent: limits.MaxConcurrent,
		Interval:      time.Duration(limits.IntervalMs) * time.Millisecond,
		MaxWait:       time.Duration(limits.MaxWaitSeconds) * time.Second,
	}
}
