// Package server builds the relay's dependencies from configuration and runs
// the HTTP server until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/upload-relay/internal/api"
	"github.com/JakeFAU/upload-relay/internal/clock/system"
	"github.com/JakeFAU/upload-relay/internal/config"
	"github.com/JakeFAU/upload-relay/internal/dispatcher"
	"github.com/JakeFAU/upload-relay/internal/events"
	"github.com/JakeFAU/upload-relay/internal/events/sinks"
	"github.com/JakeFAU/upload-relay/internal/forwarder"
	"github.com/JakeFAU/upload-relay/internal/id/uuid"
	"github.com/JakeFAU/upload-relay/internal/logging"
	"github.com/JakeFAU/upload-relay/internal/middleware"
	"github.com/JakeFAU/upload-relay/internal/proxy"
	amqppublisher "github.com/JakeFAU/upload-relay/internal/publisher/amqp"
	gcppublisher "github.com/JakeFAU/upload-relay/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/upload-relay/internal/queue/memory"
	"github.com/JakeFAU/upload-relay/internal/relay"
	gcsstorage "github.com/JakeFAU/upload-relay/internal/storage/gcs"
	localstorage "github.com/JakeFAU/upload-relay/internal/storage/local"
	memoryStorage "github.com/JakeFAU/upload-relay/internal/storage/memory"
	pgstore "github.com/JakeFAU/upload-relay/internal/storage/postgres"
	redisstore "github.com/JakeFAU/upload-relay/internal/storage/redis"
	"github.com/JakeFAU/upload-relay/internal/store"
	"github.com/JakeFAU/upload-relay/internal/telemetry"
	"github.com/JakeFAU/upload-relay/internal/worker"
)

const defaultShutdownTimeout = 15 * time.Second

// service is the mode-specific HTTP surface.
type service interface {
	Handler() http.Handler
	SetReady(ready bool)
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	service  service
	broker   *relay.Broker
	dispatch *dispatcher.Dispatcher
	hub      *events.Hub
	jobRuns  store.JobRunRepository
	clock    relay.Clock

	pubsubClient   *pubsub.Client
	pubsubTopic    *gcppublisher.Publisher
	rabbit         *amqppublisher.Publisher
	storage        *storage.Client
	closeStore     func() error
	tracerProvider *sdktrace.TracerProvider
}

// Build creates the application's dependencies for the configured mode.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.String("mode", cfg.Mode),
		zap.String("addr", cfg.Server.Addr()),
	)

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     cfg.Telemetry.Version,
			ProjectID:   cfg.Telemetry.ProjectID,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerProvider = tp
		logger.Info("tracing enabled", zap.String("project", cfg.Telemetry.ProjectID))
	}

	var err error
	switch cfg.Mode {
	case config.ModeProxy:
		err = app.buildProxy()
	default:
		err = app.buildRelay(ctx)
	}
	if err != nil {
		app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) buildProxy() error {
	srv, err := proxy.New(proxy.Config{
		TargetBaseURL: a.cfg.Proxy.TargetBaseURL,
		TargetPath:    a.cfg.Proxy.TargetPath,
		Timeout:       a.cfg.Proxy.Timeout,
		CORS:          middleware.CORSFromConfig(a.cfg.CORS),
	}, nil, a.logger.Named("proxy"))
	if err != nil {
		return fmt.Errorf("proxy init failed: %w", err)
	}
	a.service = srv
	a.logger.Info("proxy mode",
		zap.String("target", a.cfg.Proxy.TargetBaseURL),
		zap.String("path", a.cfg.Proxy.TargetPath),
	)
	return nil
}

func (a *App) buildRelay(ctx context.Context) error {
	clock := system.New()
	a.clock = clock

	results, err := a.setupStores(ctx)
	if err != nil {
		return err
	}

	emitter, err := a.setupEvents(ctx)
	if err != nil {
		return err
	}

	archive, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}

	brokerCfg := relay.BrokerConfig{
		ResultTTL:     a.cfg.Relay.ResultTTL,
		SweepInterval: a.cfg.Relay.SweepInterval,
	}
	if a.cfg.Store.Backend != config.StoreMemory {
		brokerCfg.StorePollInterval = a.cfg.Relay.StorePollInterval
	}
	a.broker = relay.NewBroker(results, clock, emitter, brokerCfg, a.logger.Named("broker"))

	fwd, err := forwarder.New(&http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}, forwarder.Config{
		WebhookURL: a.cfg.Relay.WebhookURL,
		FileField:  a.cfg.Relay.FileField,
		JobIDField: a.cfg.Relay.JobIDField,
		Timeout:    a.cfg.Relay.ForwardTimeout,
	})
	if err != nil {
		return fmt.Errorf("forwarder init failed: %w", err)
	}

	queue := queueMemory.NewQueue(a.cfg.Relay.QueueDepth)
	workerCfg := worker.Config{ArchivePrefix: a.cfg.Archive.Prefix}
	workers := make([]*worker.Worker, 0, a.cfg.Relay.ForwardConcurrency)
	for i := range a.cfg.Relay.ForwardConcurrency {
		workers = append(workers, worker.New(
			queue,
			fwd,
			archive,
			a.broker,
			emitter,
			clock,
			workerCfg,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(queue, workers)
	a.logger.Info("forward pool configured",
		zap.Int("workers", len(workers)),
		zap.Int("queue_depth", a.cfg.Relay.QueueDepth),
		zap.Duration("forward_timeout", a.cfg.Relay.ForwardTimeout),
	)

	a.service = api.NewServer(
		a.broker,
		a.dispatch,
		uuid.New(),
		clock,
		emitter,
		a.cfg,
		a.logger.Named("api"),
		a.jobRuns,
	)
	return nil
}

// setupStores opens the result store. With lifecycle events on it also opens
// the job history store: Postgres when results live there, memory otherwise.
func (a *App) setupStores(ctx context.Context) (relay.ResultStore, error) {
	switch a.cfg.Store.Backend {
	case config.StorePostgres:
		return a.setupPostgres(ctx)
	case config.StoreRedis:
		results, err := redisstore.Dial(ctx, redisstore.ResultStoreConfig{
			URL:       a.cfg.Store.Redis.URL,
			KeyPrefix: a.cfg.Store.Redis.KeyPrefix,
			TTL:       a.cfg.Relay.ResultTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("redis result store init failed: %w", err)
		}
		a.closeStore = results.Close
		a.logger.Info("using redis result store", zap.String("key_prefix", a.cfg.Store.Redis.KeyPrefix))
		if a.cfg.Events.Enabled {
			a.jobRuns = memoryStorage.NewJobRunStore()
		}
		return results, nil
	default:
		a.logger.Info("using in-memory result store")
		if a.cfg.Events.Enabled {
			a.jobRuns = memoryStorage.NewJobRunStore()
		}
		return memoryStorage.NewResultStore(), nil
	}
}

func (a *App) setupPostgres(ctx context.Context) (relay.ResultStore, error) {
	pg := a.cfg.Store.Postgres
	pool, err := pgstore.Connect(ctx, pgstore.PoolConfig{
		DSN:             pg.DSN,
		MaxConns:        pg.MaxConns,
		MinConns:        pg.MinConns,
		MaxConnLifetime: pg.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres result store init failed: %w", err)
	}
	a.closeStore = func() error {
		pool.Close()
		return nil
	}

	results, err := pgstore.NewResultStore(pool, pg.Table)
	if err != nil {
		return nil, fmt.Errorf("postgres result store init failed: %w", err)
	}
	runs, err := pgstore.NewJobRunStore(pool, pg.JobTable)
	if err != nil {
		return nil, fmt.Errorf("postgres job store init failed: %w", err)
	}
	if pg.Migrate {
		if err := results.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("postgres result store migrate failed: %w", err)
		}
		if err := runs.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("postgres job store migrate failed: %w", err)
		}
	}
	if a.cfg.Events.Enabled {
		a.jobRuns = runs
	}
	a.logger.Info("using postgres result store",
		zap.String("table", pg.Table),
		zap.String("job_table", pg.JobTable),
	)
	return results, nil
}

func (a *App) setupEvents(ctx context.Context) (events.Emitter, error) {
	if !a.cfg.Events.Enabled {
		a.logger.Info("lifecycle events disabled")
		return events.Nop{}, nil
	}
	sinkList := []events.Sink{sinks.NewLogSink(a.logger.Named("events_log"))}
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer, a.cfg.Relay.ResultTTL)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if a.jobRuns != nil {
		sinkList = append(sinkList, sinks.NewStoreSink(a.jobRuns, a.logger.Named("events_store")))
	}

	if a.cfg.PubSub.Enabled() {
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubTopic = gcppublisher.New(a.pubsubClient.Topic(a.cfg.PubSub.TopicName))
		sink, err := sinks.NewPublisherSink(a.pubsubTopic, a.cfg.PubSub.TopicName, a.logger.Named("events_pubsub"))
		if err != nil {
			return nil, fmt.Errorf("pubsub sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
		a.logger.Info("Pub/Sub event sink initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}

	if a.cfg.RabbitMQ.Enabled() {
		a.rabbit, err = amqppublisher.New(amqppublisher.Config{
			URL:            a.cfg.RabbitMQ.URL,
			Exchange:       a.cfg.RabbitMQ.Exchange,
			PublishTimeout: a.cfg.RabbitMQ.PublishTimeout,
		}, a.logger.Named("rabbitmq"))
		if err != nil {
			return nil, fmt.Errorf("rabbitmq publisher init failed: %w", err)
		}
		sink, err := sinks.NewPublisherSink(a.rabbit, a.cfg.RabbitMQ.RoutingKey, a.logger.Named("events_rabbitmq"))
		if err != nil {
			return nil, fmt.Errorf("rabbitmq sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
		a.logger.Info("RabbitMQ event sink initialized",
			zap.String("exchange", a.cfg.RabbitMQ.Exchange),
			zap.String("routing_key", a.cfg.RabbitMQ.RoutingKey),
		)
	}

	hubCfg := events.Config{
		BufferSize:     a.cfg.Events.BufferSize,
		MaxBatchEvents: a.cfg.Events.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Events.MaxBatchWait,
		SinkTimeout:    a.cfg.Events.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("events_hub"),
	}
	a.hub = events.NewHub(hubCfg, sinkList...)
	a.logger.Info("event hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.hub, nil
}

func (a *App) setupArchive(ctx context.Context) (relay.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case config.ArchiveGCS:
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(a.storage, gcsstorage.Config{
			Bucket:    a.cfg.Archive.GCSBucket,
			Overwrite: a.cfg.Archive.Overwrite,
			Metadata:  map[string]string{"archived-by": a.cfg.Telemetry.ServiceName},
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving uploads to GCS", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return blobs, nil
	case config.ArchiveLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving uploads to local disk", zap.String("path", a.cfg.Archive.LocalDir))
		return blobs, nil
	case config.ArchiveMemory:
		a.logger.Info("archiving uploads in memory")
		return memoryStorage.NewBlobStore(), nil
	default:
		a.logger.Info("upload archiving disabled")
		return nil, nil
	}
}

// Handler exposes the mode's HTTP handler.
func (a *App) Handler() http.Handler {
	return a.service.Handler()
}

// Run listens on the configured address and serves until ctx is canceled or
// the process receives SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr(), err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs background work and the HTTP server on ln, then shuts
// everything down in order once ctx ends.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.dispatch != nil {
		// Workers outlive ctx so queued forwards can drain during shutdown.
		a.dispatch.Start(context.WithoutCancel(ctx))
		a.logger.Info("dispatcher started")
		go a.broker.RunSweeper(ctx)
		if a.jobRuns != nil {
			go a.runJobSweeper(ctx)
		}
	}

	handler := a.service.Handler()
	if a.tracerProvider != nil {
		handler = otelhttp.NewHandler(handler, "relay.http")
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
		// No WriteTimeout: result polls are held open for relay.poll_timeout.
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	a.service.SetReady(false)

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	if a.dispatch != nil {
		if abandoned, err := a.dispatch.Drain(shutdownCtx); err != nil {
			a.logger.Warn("forward queue not drained before shutdown deadline",
				zap.Int("abandoned", abandoned),
				zap.Error(err),
			)
		}
	}

	a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}

// runJobSweeper evicts job history on the same schedule as results.
func (a *App) runJobSweeper(ctx context.Context) {
	ttl, interval := a.cfg.Relay.ResultTTL, a.cfg.Relay.SweepInterval
	if ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.jobRuns.Sweep(ctx, a.clock.Now().Add(-ttl))
			if err != nil {
				a.logger.Warn("job history sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				a.logger.Info("expired job history evicted", zap.Int("count", n))
			}
		}
	}
}

// Close releases infrastructure clients and flushes observability pipelines.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
	}
	if a.rabbit != nil {
		if err := a.rabbit.Close(); err != nil {
			a.logger.Warn("rabbitmq publisher close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			a.logger.Warn("result store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on terminal-backed stderr; nothing useful can be done about it.
	_ = a.logger.Sync()
}
