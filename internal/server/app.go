// Package server builds the collector's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/api"
	"github.com/JakeFAU/sourcemap-collector/internal/badge"
	"github.com/JakeFAU/sourcemap-collector/internal/clock/system"
	"github.com/JakeFAU/sourcemap-collector/internal/collector"
	"github.com/JakeFAU/sourcemap-collector/internal/config"
	"github.com/JakeFAU/sourcemap-collector/internal/detector"
	"github.com/JakeFAU/sourcemap-collector/internal/dispatcher"
	"github.com/JakeFAU/sourcemap-collector/internal/export"
	"github.com/JakeFAU/sourcemap-collector/internal/fetchcache"
	collyfetcher "github.com/JakeFAU/sourcemap-collector/internal/fetcher/colly"
	"github.com/JakeFAU/sourcemap-collector/internal/hash/sha256"
	"github.com/JakeFAU/sourcemap-collector/internal/id/uuid"
	"github.com/JakeFAU/sourcemap-collector/internal/ingest"
	"github.com/JakeFAU/sourcemap-collector/internal/lock"
	"github.com/JakeFAU/sourcemap-collector/internal/metrics"
	"github.com/JakeFAU/sourcemap-collector/internal/mirror"
	chromedpobserver "github.com/JakeFAU/sourcemap-collector/internal/observer/chromedp"
	"github.com/JakeFAU/sourcemap-collector/internal/policy/ratelimit"
	amqppublisher "github.com/JakeFAU/sourcemap-collector/internal/publisher/amqp"
	memorypublisher "github.com/JakeFAU/sourcemap-collector/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/sourcemap-collector/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/sourcemap-collector/internal/queue/memory"
	pubsubintake "github.com/JakeFAU/sourcemap-collector/internal/queue/pubsub"
	"github.com/JakeFAU/sourcemap-collector/internal/resolver"
	"github.com/JakeFAU/sourcemap-collector/internal/retention"
	gcsstorage "github.com/JakeFAU/sourcemap-collector/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sourcemap-collector/internal/storage/local"
	memorystorage "github.com/JakeFAU/sourcemap-collector/internal/storage/memory"
	pgstore "github.com/JakeFAU/sourcemap-collector/internal/storage/postgres"
	s3storage "github.com/JakeFAU/sourcemap-collector/internal/storage/s3"
	sqlitestore "github.com/JakeFAU/sourcemap-collector/internal/storage/sqlite"
	"github.com/JakeFAU/sourcemap-collector/internal/telemetry"
	"github.com/JakeFAU/sourcemap-collector/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	Store        collector.Store
	Orchestrator *ingest.Orchestrator
	Detector     *detector.Detector
	Cleaner      *retention.Cleaner
	Badge        *badge.Tracker
	Exporter     *export.Exporter

	cache           *fetchcache.Cache
	mirror          *mirror.Mirror
	queue           *queuememory.Queue
	dispatch        *dispatcher.Dispatcher
	subscriber      *pubsubintake.Subscriber
	apiServer       *api.Server
	gcs             *gcsstorage.BlobStore
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	amqp            *amqppublisher.Publisher
	tracerShutdown  telemetry.Shutdown

	closeOnce sync.Once
}

// Build creates the application's dependencies. The caller owns the returned
// App and must Close it.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("engine", cfg.Storage.Engine),
		zap.String("blob_backend", cfg.Storage.BlobBackend),
		zap.Bool("mirror", cfg.Mirror.Enabled),
	)

	var err error
	app.tracerShutdown, err = telemetry.Init(ctx, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		ServiceName:  cfg.Telemetry.ServiceName,
		ProjectID:    cfg.Telemetry.ProjectID,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.Store, err = openStore(ctx, cfg)
	if err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	if err = app.setupMirror(ctx); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}

	clock := system.New()
	hasher := sha256.New()
	ids := uuid.New()

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.DefaultRPS,
		DefaultBurst: cfg.RateLimit.DefaultBurst,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.HTTP.UserAgent,
		Timeout:     cfg.HTTPTimeout(),
		MaxBodySize: cfg.HTTP.MaxBodyBytes,
	},
		collyfetcher.WithLimiter(limiter),
		collyfetcher.WithLogger(logger.Named("fetcher")),
	)
	app.cache = fetchcache.New(fetcher, clock, fetchcache.Config{
		TTL:     time.Duration(cfg.FetchCache.TTLMillis) * time.Millisecond,
		SoftCap: cfg.FetchCache.SoftCap,
	}, logger.Named("fetch_cache"))

	app.Cleaner = retention.New(app.Store, clock, logger.Named("retention"))
	app.Badge = badge.New(app.badgePublisher(), logger.Named("badge"))

	deps := ingest.Deps{
		Store:    app.Store,
		Source:   app.cache,
		Locker:   lock.New(lock.WithTimeout(cfg.LockTimeout()), lock.WithLogger(logger.Named("lock"))),
		Resolver: resolver.New(app.Store, hasher, clock, ids, logger.Named("resolver")),
		Hasher:   hasher,
		Clock:    clock,
		IDs:      ids,
		Cleaner:  app.Cleaner,
		Badge:    app.Badge,
	}
	if app.mirror.Enabled() {
		deps.Mirror = app.mirror
	}
	app.Orchestrator = ingest.New(deps, ingest.WithLogger(logger.Named("ingest")))
	app.Detector = detector.New(app.cache, detector.Config{
		ExcludedOrigins: cfg.Detector.ExcludedOrigins,
		GuessMapURL:     cfg.Detector.GuessMapURL,
		ChromeVersion:   cfg.Detector.ChromeVersion,
	}, logger.Named("detector"))

	app.queue = queuememory.NewQueue(cfg.Intake.QueueDepth)
	workers := make([]*worker.Worker, 0, cfg.Intake.Workers)
	for i := 0; i < cfg.Intake.Workers; i++ {
		workers = append(workers, worker.New(
			app.queue,
			app.Detector,
			app.Orchestrator,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	app.dispatch = dispatcher.New(app.queue, workers)
	if err = app.setupSubscriber(ctx); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}

	app.apiServer = api.NewServer(api.Deps{
		Store:    app.Store,
		Ingester: app.Orchestrator,
		Cleaner:  app.Cleaner,
		Badge:    app.Badge,
		Intake:   app.dispatch,
	}, cfg, logger.Named("api"))
	app.Exporter = export.New(app.Store, clock, logger.Named("export"))
	return app, nil
}

func openStore(ctx context.Context, cfg config.Config) (collector.Store, error) {
	defaults := cfg.InitialSettings()
	switch cfg.Storage.Engine {
	case config.EngineSQLite:
		store, err := sqlitestore.Open(cfg.Storage.SQLitePath, defaults)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		return store, nil
	case config.EnginePostgres:
		store, err := pgstore.NewStore(ctx, pgstore.StoreConfig{
			DSN:      cfg.Storage.DSN,
			MaxConns: cfg.Storage.MaxConns,
		}, defaults)
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		return store, nil
	default:
		return memorystorage.NewStore(defaults), nil
	}
}

func (a *App) setupMirror(ctx context.Context) error {
	if !a.cfg.Mirror.Enabled {
		a.logger.Info("mirror disabled")
		return nil
	}
	blobs, err := a.setupBlobs(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	policy := mirror.NewExponentialRetryPolicy(
		a.cfg.Mirror.MaxAttempts,
		time.Duration(a.cfg.Mirror.BackoffBaseMs)*time.Millisecond,
		time.Duration(a.cfg.Mirror.BackoffMaxMs)*time.Millisecond,
	)
	a.mirror = mirror.New(blobs, publisher, mirror.Config{
		Prefix: a.cfg.Storage.Prefix,
		Topic:  a.cfg.Mirror.Topic,
	}, mirror.WithRetryPolicy(policy), mirror.WithLogger(a.logger.Named("mirror")))
	a.logger.Info("mirror enabled", zap.Bool("blobs", blobs != nil), zap.Bool("publisher", publisher != nil))
	return nil
}

// setupBlobs returns a nil interface, never a typed nil, when no backend is configured.
func (a *App) setupBlobs(ctx context.Context) (collector.BlobStore, error) {
	switch a.cfg.Storage.BlobBackend {
	case config.BlobGCS:
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{
			Bucket:       a.cfg.Storage.Bucket,
			VerifyBucket: a.cfg.Storage.GCSCheckExist,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcs = store
		a.logger.Debug("GCS blob backend", zap.String("bucket", a.cfg.Storage.Bucket))
		return store, nil
	case config.BlobS3:
		store, err := s3storage.New(ctx, s3storage.Config{
			Bucket:          a.cfg.Storage.Bucket,
			Region:          a.cfg.Storage.S3Region,
			Endpoint:        a.cfg.Storage.S3Endpoint,
			AccessKeyID:     a.cfg.Storage.S3AccessKey,
			SecretAccessKey: a.cfg.Storage.S3SecretKey,
			UsePathStyle:    a.cfg.Storage.S3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		a.logger.Debug("S3 blob backend", zap.String("bucket", a.cfg.Storage.Bucket))
		return store, nil
	case config.BlobLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalBaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Debug("local blob backend", zap.String("path", a.cfg.Storage.LocalBaseDir))
		return store, nil
	default:
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (collector.Publisher, error) {
	switch a.cfg.Mirror.Publisher {
	case config.PublisherPubSub:
		var err error
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubPublisher = a.pubsubClient.Publisher(a.cfg.PubSub.TopicName)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
		return gcppublisher.New(a.pubsubPublisher), nil
	case config.PublisherAMQP:
		publisher, err := amqppublisher.Dial(a.cfg.AMQP.URL, a.cfg.AMQP.Exchange, a.logger.Named("amqp"))
		if err != nil {
			return nil, fmt.Errorf("amqp publisher init failed: %w", err)
		}
		a.amqp = publisher
		a.logger.Info("AMQP publisher initialized", zap.String("exchange", a.cfg.AMQP.Exchange))
		return publisher, nil
	case config.PublisherMemory:
		return memorypublisher.New(), nil
	default:
		return nil, nil
	}
}

// setupSubscriber shares the mirror's Pub/Sub client when there is one.
func (a *App) setupSubscriber(ctx context.Context) error {
	if a.cfg.Intake.PubSubSubscription == "" {
		return nil
	}
	if a.pubsubClient == nil {
		var err error
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
	}
	var err error
	a.subscriber, err = pubsubintake.New(a.pubsubClient, a.cfg.Intake.PubSubSubscription, a.dispatch, a.logger.Named("pubsub_intake"))
	if err != nil {
		return fmt.Errorf("pubsub intake init failed: %w", err)
	}
	a.logger.Info("pubsub intake enabled", zap.String("subscription", a.cfg.Intake.PubSubSubscription))
	return nil
}

// badgePublisher forwards badge updates on the mirror's channel when one exists.
func (a *App) badgePublisher() collector.Publisher {
	switch {
	case a.pubsubPublisher != nil:
		return gcppublisher.New(a.pubsubPublisher)
	case a.amqp != nil:
		return a.amqp
	default:
		return nil
	}
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves the API and drains the intake queue until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Intake.Workers))
		a.dispatch.Run(ctx)
	}()

	if a.subscriber != nil {
		go func() {
			if err := a.subscriber.Run(ctx); err != nil {
				a.logger.Error("pubsub intake stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	<-done

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Observe visits pageURL in headless Chrome and pushes every finished
// script, stylesheet and document response through the worker pool. It
// returns once the queue has drained.
func (a *App) Observe(ctx context.Context, pageURL string) (int, error) {
	obs, err := chromedpobserver.New(chromedpobserver.Config{
		MaxParallel:       a.cfg.Observer.MaxParallel,
		UserAgent:         a.cfg.HTTP.UserAgent,
		NavigationTimeout: time.Duration(a.cfg.Observer.NavTimeoutSeconds) * time.Second,
		Settle:            time.Duration(a.cfg.Observer.SettleMillis) * time.Millisecond,
		ExecPath:          a.cfg.Observer.ExecPath,
	}, system.New(), a.logger.Named("observer"))
	if err != nil {
		return 0, fmt.Errorf("observer init failed: %w", err)
	}
	defer obs.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.dispatch.Run(ctx)
	}()

	count, observeErr := obs.Observe(ctx, pageURL, func(ctx context.Context, event collector.NetworkEvent) {
		if err := a.dispatch.Enqueue(ctx, event); err != nil {
			a.logger.Warn("drop observed event", zap.String("url", event.URL), zap.Error(err))
		}
	})
	a.queue.Close()
	<-done
	if observeErr != nil {
		return count, fmt.Errorf("observe %s: %w", pageURL, observeErr)
	}
	return count, nil
}

// Close waits for background work and releases every client. It is safe to
// call more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.queue != nil {
			a.queue.Close()
		}
		if a.Cleaner != nil {
			a.Cleaner.Wait()
		}
		a.mirror.Wait()
		if a.pubsubPublisher != nil {
			a.pubsubPublisher.Stop()
		}
		if a.pubsubClient != nil {
			if err := a.pubsubClient.Close(); err != nil {
				errs = append(errs, fmt.Errorf("pubsub client close: %w", err))
			}
		}
		if a.amqp != nil {
			if err := a.amqp.Close(); err != nil {
				errs = append(errs, fmt.Errorf("amqp close: %w", err))
			}
		}
		if a.gcs != nil {
			if err := a.gcs.Close(); err != nil {
				errs = append(errs, fmt.Errorf("gcs client close: %w", err))
			}
		}
		if a.Store != nil {
			if err := a.Store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("store close: %w", err))
			}
		}
		if a.tracerShutdown != nil {
			if err := a.tracerShutdown(ctx); err != nil {
				a.logger.Warn("tracer shutdown failed", zap.Error(err))
			}
		}
		if err := ctx.Err(); err != nil {
			a.logger.Warn("close finished after context end", zap.Error(err))
		}
		a.logger.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
