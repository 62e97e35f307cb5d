// Package app builds and holds the long-lived services of the review crawler,
// acting as the dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/review-crawler/internal/api"
	"github.com/JakeFAU/review-crawler/internal/archive"
	"github.com/JakeFAU/review-crawler/internal/browser"
	"github.com/JakeFAU/review-crawler/internal/browser/headless"
	"github.com/JakeFAU/review-crawler/internal/clock/system"
	"github.com/JakeFAU/review-crawler/internal/company"
	"github.com/JakeFAU/review-crawler/internal/config"
	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/credential"
	"github.com/JakeFAU/review-crawler/internal/dispatcher"
	"github.com/JakeFAU/review-crawler/internal/engine"
	collyfetcher "github.com/JakeFAU/review-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/review-crawler/internal/hash/sha256"
	"github.com/JakeFAU/review-crawler/internal/id/uuid"
	"github.com/JakeFAU/review-crawler/internal/lock"
	locallock "github.com/JakeFAU/review-crawler/internal/lock/local"
	pglock "github.com/JakeFAU/review-crawler/internal/lock/postgres"
	redislock "github.com/JakeFAU/review-crawler/internal/lock/redis"
	"github.com/JakeFAU/review-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/review-crawler/internal/policy/retry"
	"github.com/JakeFAU/review-crawler/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/review-crawler/internal/queue/memory"
	"github.com/JakeFAU/review-crawler/internal/scheduler"
	"github.com/JakeFAU/review-crawler/internal/source/twogis"
	"github.com/JakeFAU/review-crawler/internal/source/yandexmaps"
	"github.com/JakeFAU/review-crawler/internal/storage/gcs"
	"github.com/JakeFAU/review-crawler/internal/storage/local"
	"github.com/JakeFAU/review-crawler/internal/storage/memory"
	"github.com/JakeFAU/review-crawler/internal/storage/postgres"
	"github.com/JakeFAU/review-crawler/internal/storage/rediscache"
	"github.com/JakeFAU/review-crawler/internal/worker"
)

// reviewStore is what both review store backends offer.
type reviewStore interface {
	crawler.ReviewStore
	List(ctx context.Context, filter crawler.ReviewFilter) ([]crawler.Review, int, error)
}

// App holds every shared service. It is built once per command and closed by
// the root command's post-run hook.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock
	ids    crawler.IDGenerator
	hasher crawler.Hasher

	pool     *pgxpool.Pool
	redis    goredis.UniversalClient
	launcher browser.Launcher

	companies company.Store
	reviews   reviewStore
	engines   map[crawler.Source]*engine.Engine

	queue      *queueMemory.Queue
	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	company    *company.Service
	server     *api.Server

	closers []func()
}

// Option customises New; tests use it to swap infrastructure.
type Option func(*App)

// WithClock overrides the system clock.
func WithClock(c crawler.Clock) Option { return func(a *App) { a.clock = c } }

// WithLauncher replaces the headless Chrome launcher.
func WithLauncher(l browser.Launcher) Option {
	return func(a *App) { a.launcher = l }
}

// New wires the services described by cfg. It fails fast when a configured
// backend cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
		hasher: sha256.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	if err := a.initStores(ctx); err != nil {
		return err
	}
	publisher, err := a.initPublisher(ctx)
	if err != nil {
		return err
	}
	recorder, err := a.initArchive(ctx)
	if err != nil {
		return err
	}
	if err := a.initEngines(publisher, recorder); err != nil {
		return err
	}
	locker, err := a.initLocker()
	if err != nil {
		return err
	}

	workerRunners := make(map[crawler.Source]worker.Runner, len(a.engines))
	scheduledRunners := make(map[crawler.Source]scheduler.Runner, len(a.engines))
	for source, e := range a.engines {
		workerRunners[source] = e
		scheduledRunners[source] = e
	}

	a.queue = queueMemory.NewQueue(a.cfg.Dispatcher.QueueDepth)
	a.dispatcher = dispatcher.New(a.queue, workerRunners, a.ids, a.clock, dispatcher.Config{
		Workers:       a.cfg.Dispatcher.Workers,
		SubmitTimeout: a.cfg.Dispatcher.SubmitTimeout,
	}, a.logger)
	a.scheduler = scheduler.New(scheduledRunners, a.companies, locker, a.clock, scheduler.Config{
		Interval:    a.cfg.Scheduler.Interval,
		LockAtLeast: a.cfg.Scheduler.LockAtLeast,
		LockAtMost:  a.cfg.Scheduler.LockAtMost,
	}, a.logger)
	a.company = company.NewService(a.companies, a.dispatcher, a.logger)

	apiOpts := api.Options{
		RequestTimeout: a.cfg.Server.RequestTimeout,
		Checks:         a.checks(),
	}
	if a.cfg.Auth.Enabled {
		apiOpts.APIKey = a.cfg.Auth.APIKey
	}
	a.server = api.NewServer(a.company, a.reviews, a.dispatcher, apiOpts, a.logger)
	return nil
}

func (a *App) initStores(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("using in-memory stores")
		a.companies = memory.NewCompanyStore()
		a.reviews = memory.NewReviewStore()
	} else {
		pool, err := postgres.Connect(ctx, postgres.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("init postgres: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
		a.companies = postgres.NewCompanyStore(pool)
		a.reviews = postgres.NewReviewStore(pool)
	}

	if a.cfg.Redis.Enabled() {
		client := goredis.NewClient(&goredis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("close redis", zap.Error(err))
			}
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		a.redis = client
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		return nil, nil
	}
	client, err := gpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("init pubsub: %w", err)
	}
	p := pubsub.New(client)
	a.closers = append(a.closers, func() {
		p.Close()
		if err := client.Close(); err != nil {
			a.logger.Warn("close pubsub", zap.Error(err))
		}
	})
	a.logger.Info("publishing reviews", zap.String("topic", a.cfg.PubSub.TopicName))
	return p, nil
}

func (a *App) initArchive(ctx context.Context) (crawler.PayloadArchive, error) {
	var store crawler.BlobStore
	switch a.cfg.Archive.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		store = memory.NewBlobStore()
	case "local":
		s, err := local.New(local.Config{BaseDir: a.cfg.Archive.Dir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		store = s
	case "gcs":
		s, err := gcs.Open(ctx, gcs.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := s.Close(); err != nil {
				a.logger.Warn("close gcs", zap.Error(err))
			}
		})
		store = s
	default:
		return nil, fmt.Errorf("unknown archive backend %q", a.cfg.Archive.Backend)
	}
	a.logger.Info("archiving feed payloads", zap.String("backend", a.cfg.Archive.Backend))
	return archive.New(store, a.hasher, a.clock, a.cfg.Archive.Prefix), nil
}

func (a *App) initEngines(publisher crawler.Publisher, recorder crawler.PayloadArchive) error {
	launcher := a.launcher
	if launcher == nil && !a.cfg.Browser.Enabled {
		a.logger.Warn("headless browser disabled; crawls will fail to acquire sessions")
		launcher = headless.NewNoop()
	}
	if launcher == nil {
		l, err := headless.NewLauncher(headless.Config{
			ExecPath:          a.cfg.Browser.ExecPath,
			UserAgent:         a.cfg.Browser.UserAgent,
			WindowWidth:       a.cfg.Browser.WindowWidth,
			WindowHeight:      a.cfg.Browser.WindowHeight,
			MaxParallel:       a.cfg.Browser.MaxParallel,
			NavigationTimeout: a.cfg.Browser.NavigationTimeout,
			ActionTimeout:     a.cfg.Browser.ActionTimeout,
			BufferSize:        a.cfg.Browser.BufferSize,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("init browser: %w", err)
		}
		launcher = l
	}

	twoGIS, err := a.twoGISAdapter(launcher, recorder)
	if err != nil {
		return err
	}
	yandex, err := a.yandexAdapter(launcher, recorder)
	if err != nil {
		return err
	}

	var seen crawler.ReviewStore = a.reviews
	if a.redis != nil {
		seen = rediscache.New(a.reviews, a.redis, "", a.cfg.Redis.SeenTTL, a.logger)
	}
	engineCfg := engine.Config{Topic: a.cfg.PubSub.TopicName}
	a.engines = make(map[crawler.Source]*engine.Engine, 2)
	for _, adapter := range []crawler.Adapter{twoGIS, yandex} {
		a.engines[adapter.Source()] = engine.New(adapter, a.companies, seen, publisher, a.clock, engineCfg, a.logger)
	}
	return nil
}

func (a *App) twoGISAdapter(launcher browser.Launcher, recorder crawler.PayloadArchive) (*twogis.Adapter, error) {
	c := a.cfg.TwoGIS
	rule, err := browser.CompileRule(c.Credential)
	if err != nil {
		return nil, fmt.Errorf("twogis credential rule: %w", err)
	}
	harvester, err := credential.New(launcher, credential.Config{
		SeedURLTemplate: c.SeedURLTemplate,
		ReadySelector:   c.ReadySelector,
		Rule:            rule,
		MaxAttempts:     c.HarvestAttempts,
		PollInterval:    c.HarvestInterval,
		NavTimeout:      a.cfg.Browser.NavigationTimeout,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init credential harvester: %w", err)
	}
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: a.cfg.Browser.UserAgent,
		Timeout:   c.RequestTimeout,
	})
	pacer := ratelimit.New(ratelimit.Config{RequestsPerSecond: c.RequestsPerSecond, Burst: c.Burst})
	return twogis.New(harvester, fetcher, pacer, recorder, twogis.Config{
		APITemplate: c.APITemplate,
		PageSize:    c.PageSize,
		MaxPages:    c.MaxPages,
		Retry:       retry.New(retry.Config{MaxAttempts: c.RetryAttempts, BaseDelay: c.RetryBaseDelay}),
	}, a.logger), nil
}

func (a *App) yandexAdapter(launcher browser.Launcher, recorder crawler.PayloadArchive) (*yandexmaps.Adapter, error) {
	c := a.cfg.Yandex
	rule, err := browser.CompileRule(c.Response)
	if err != nil {
		return nil, fmt.Errorf("yandex response rule: %w", err)
	}
	yc := yandexmaps.DefaultConfig()
	yc.Rule = rule
	yc.ReviewURLTemplate = orDefault(c.ReviewURLTemplate, yc.ReviewURLTemplate)
	yc.ReadySelector = orDefault(c.ReadySelector, yc.ReadySelector)
	yc.SortToggleSelector = orDefault(c.SortToggleSelector, yc.SortToggleSelector)
	yc.SortPopupSelector = orDefault(c.SortPopupSelector, yc.SortPopupSelector)
	yc.SortNewestSelector = orDefault(c.SortNewestSelector, yc.SortNewestSelector)
	yc.ScrollSelector = orDefault(c.ScrollSelector, yc.ScrollSelector)
	if c.InitialWait > 0 {
		yc.InitialWait = c.InitialWait
	}
	if c.SortWait > 0 {
		yc.SortWait = c.SortWait
	}
	if c.IterationPause > 0 {
		yc.IterationPause = c.IterationPause
	}
	yc.MaxIdleIterations = c.MaxIdleIterations
	yc.MaxIterations = c.MaxIterations
	yc.RelaxFrontierWhenUnsorted = c.RelaxFrontierWhenUnsorted
	adapter, err := yandexmaps.New(launcher, a.hasher, recorder, yc, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init yandex adapter: %w", err)
	}
	return adapter, nil
}

func (a *App) initLocker() (lock.Locker, error) {
	switch a.cfg.Lock.Backend {
	case "", "none":
		return locallock.New(a.clock), nil
	case "redis":
		if a.redis == nil {
			return nil, errors.New("redis lock backend needs redis.addr")
		}
		return redislock.New(a.redis, a.ids, a.clock, ""), nil
	case "postgres":
		if a.pool == nil {
			return nil, errors.New("postgres lock backend needs db.dsn")
		}
		return pglock.New(a.pool, a.ids, a.clock), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", a.cfg.Lock.Backend)
	}
}

func (a *App) checks() map[string]api.Check {
	checks := map[string]api.Check{}
	if a.pool != nil {
		checks["postgres"] = func(ctx context.Context) error { return a.pool.Ping(ctx) }
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	return checks
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Crawl runs one synchronous crawl of companyIDs against source.
func (a *App) Crawl(ctx context.Context, source crawler.Source, companyIDs []int64) (crawler.RunReport, error) {
	e, ok := a.engines[source]
	if !ok {
		return crawler.RunReport{}, fmt.Errorf("no crawler for source %q", source)
	}
	return e.Crawl(ctx, companyIDs), nil
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Migrate applies the database schema. It is a no-op for the in-memory stores.
func (a *App) Migrate(ctx context.Context) error {
	if a.pool == nil {
		a.logger.Info("no database configured; nothing to migrate")
		return nil
	}
	if err := postgres.Migrate(ctx, a.pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.logger.Info("schema applied")
	return nil
}

// Serve runs the HTTP server, the dispatcher workers and, when enabled, the
// scheduler until ctx is canceled or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Dispatcher.Workers))
		a.dispatcher.Run(ctx)
		return nil
	})
	if a.cfg.Scheduler.Enabled {
		g.Go(func() error { return a.scheduler.Run(ctx) })
	}
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		a.queue.Close()
		return nil
	})

	err := g.Wait()
	a.logger.Info("shutdown complete")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close releases every connection opened by New, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	// Sync errors on stderr/stdout are expected on some platforms.
	_ = a.logger.Sync()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
