package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/septivank/water-telemetry-worker/internal/aggregator"
	"github.com/septivank/water-telemetry-worker/internal/alarm"
	"github.com/septivank/water-telemetry-worker/internal/api"
	"github.com/septivank/water-telemetry-worker/internal/cache"
	"github.com/septivank/water-telemetry-worker/internal/config"
	"github.com/septivank/water-telemetry-worker/internal/db"
	"github.com/septivank/water-telemetry-worker/internal/decoder"
	"github.com/septivank/water-telemetry-worker/internal/jobs"
	"github.com/septivank/water-telemetry-worker/internal/metrics"
	"github.com/septivank/water-telemetry-worker/internal/mq"
	"github.com/septivank/water-telemetry-worker/internal/realtime"
	"github.com/septivank/water-telemetry-worker/internal/repository"
	"github.com/septivank/water-telemetry-worker/internal/resolver"
	"github.com/septivank/water-telemetry-worker/internal/service"
	"github.com/septivank/water-telemetry-worker/internal/validator"
)

func startWorker(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	policy jobs.RetryPolicy,
	publisher *mq.Publisher,
	logger *zap.Logger,
	processor *service.ProcessorService,
) (*mq.Consumer, error) {
	// Create context for consumer that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:  conn,
		Queue:       cfg.RabbitMQ.JobQueue,
		Concurrency: cfg.RabbitMQ.Concurrency,
		Policy:      policy,
		Router:      publisher,
		Handler:     processor.ProcessJob,
		Logger:      logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	// Register lifecycle hooks
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting worker consumer",
				zap.String("queue", cfg.RabbitMQ.JobQueue),
				zap.Int("concurrency", cfg.RabbitMQ.Concurrency))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("worker stopped gracefully")
			return nil
		},
	})

	return consumer, nil
}

// watchBroker shuts the application down with a failing exit code when the
// broker connection is lost, leaving the restart to the process supervisor
func watchBroker(lc fx.Lifecycle, conn *mq.Connection, shutdowner fx.Shutdowner, logger *zap.Logger) {
	stop := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				select {
				case <-conn.Lost():
					logger.Error("broker connection lost, shutting down for restart")
					if err := shutdowner.Shutdown(fx.ExitCode(1)); err != nil {
						logger.Error("failed to request shutdown", zap.Error(err))
					}
				case <-stop:
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			close(stop)
			return nil
		},
	})
}

// startAggregator runs the flush loop; stopping it flushes what is buffered
func startAggregator(lc fx.Lifecycle, agg *aggregator.Aggregator, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				agg.Run(ctx)
			}()
			logger.Info("reading aggregator started")
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				logger.Info("reading aggregator stopped")
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

// startRelay forwards realtime events to websocket rooms
func startRelay(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, relay *realtime.Relay, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			deliveries, err := conn.Subscribe(ctx, cfg.RabbitMQ.RealtimeExchange, mq.AllTenantsBindingKey)
			if err != nil {
				return err
			}
			go relay.Run(ctx, deliveries)
			logger.Info("realtime relay started")
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

// startCacheInvalidation evicts local cache entries announced by other processes
func startCacheInvalidation(lc fx.Lifecycle, redis *cache.Redis, caches *Caches, logger *zap.Logger) {
	if redis == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return cache.Listen(ctx, redis, logger, caches.Devices, caches.Decoders)
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

// Caches groups the two read-through caches
type Caches struct {
	Devices  *cache.Tiered
	Decoders *cache.Tiered
}

// ProvideRedis creates the shared cache client, or nil when REDIS_URL is unset
func ProvideRedis(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*cache.Redis, error) {
	if cfg.Redis.URL == "" {
		logger.Info("REDIS_URL not set, running without shared cache tier")
		return nil, nil
	}
	r, err := cache.NewRedis(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := r.Ping(ctx); err != nil {
				logger.Error("redis ping failed", zap.Error(err))
				return err
			}
			logger.Info("redis connection established successfully")
			return nil
		},
		OnStop: func(context.Context) error {
			return r.Close()
		},
	})
	return r, nil
}

// ProvideCaches creates the device and decoder caches
func ProvideCaches(cfg *config.Config, redis *cache.Redis, logger *zap.Logger) (*Caches, error) {
	build := func(name string, localTTL, sharedTTL time.Duration) (*cache.Tiered, error) {
		c := cache.Config{
			Name:      name,
			LocalSize: cfg.Cache.LocalSize,
			LocalTTL:  localTTL,
			SharedTTL: sharedTTL,
			Logger:    logger,
		}
		if redis != nil {
			c.Shared = redis
			c.Notifier = redis
		}
		return cache.NewTiered(c)
	}

	devices, err := build("devices", cfg.Cache.ResolverTTL, cfg.Cache.ResolverTTL)
	if err != nil {
		return nil, err
	}
	decoders, err := build("decoders", cfg.Cache.DecoderLocalTTL, cfg.Cache.DecoderSharedTTL)
	if err != nil {
		return nil, err
	}
	return &Caches{Devices: devices, Decoders: decoders}, nil
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideResolver creates the device resolver
func ProvideResolver(caches *Caches, repo *repository.Repository, logger *zap.Logger) *resolver.Resolver {
	return resolver.NewResolver(caches.Devices, repo, logger)
}

// ProvideDecoder creates the decoder engine
func ProvideDecoder(caches *Caches, repo *repository.Repository, cfg *config.Config, logger *zap.Logger) (*decoder.Engine, error) {
	return decoder.NewEngine(caches.Decoders, repo, decoder.Config{
		Timeout:          cfg.Decoder.Timeout,
		DefaultUnit:      cfg.Decoder.DefaultUnit,
		WarnThreshold:    cfg.Decoder.WarnThreshold,
		ProgramCacheSize: cfg.Decoder.ProgramCacheSize,
	}, logger)
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Validation.FutureTolerance)
}

// ProvideRetryPolicy creates the job retry policy
func ProvideRetryPolicy(cfg *config.Config) jobs.RetryPolicy {
	return jobs.RetryPolicy{MaxAttempts: cfg.Jobs.MaxAttempts, BaseDelay: cfg.Jobs.BackoffBase}
}

// ProvideTopology names the queues and exchanges
func ProvideTopology(cfg *config.Config) mq.Topology {
	return mq.Topology{
		JobExchange:      cfg.RabbitMQ.JobExchange,
		JobQueue:         cfg.RabbitMQ.JobQueue,
		JobRoutingKey:    cfg.RabbitMQ.JobRoutingKey,
		RetryQueuePrefix: cfg.RabbitMQ.RetryQueuePrefix,
		DeadQueue:        cfg.RabbitMQ.DeadQueue,
		RealtimeExchange: cfg.RabbitMQ.RealtimeExchange,
	}
}

// ProvidePublisher creates a new publisher instance
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, topology mq.Topology, policy jobs.RetryPolicy, logger *zap.Logger) (*mq.Publisher, error) {
	p, err := mq.NewPublisher(conn, topology, policy.RetryDelays(), logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return p.Close()
		},
	})
	return p, nil
}

// ProvideDispatcher creates the job dispatcher
func ProvideDispatcher(publisher *mq.Publisher) *jobs.Dispatcher {
	return jobs.NewDispatcher(publisher)
}

// ProvideIngestService creates the ingest service
func ProvideIngestService(
	v *validator.Validator,
	r *resolver.Resolver,
	d *jobs.Dispatcher,
	cfg *config.Config,
	logger *zap.Logger,
) *service.IngestService {
	return service.NewIngestService(v, r, d, cfg.Jobs.IngestChunk, logger)
}

// ProvideAlarmEvaluator creates the alarm evaluator
func ProvideAlarmEvaluator(repo *repository.Repository, cfg *config.Config, logger *zap.Logger) *alarm.Evaluator {
	return alarm.NewEvaluator(repo, alarm.Thresholds{
		BatteryWarning:  cfg.Alarm.BatteryWarning,
		BatteryCritical: cfg.Alarm.BatteryCritical,
		MinSignal:       cfg.Alarm.MinSignal,
	}, logger)
}

// ProvideRealtimePublisher creates the tenant event publisher
func ProvideRealtimePublisher(publisher *mq.Publisher, logger *zap.Logger) *realtime.Publisher {
	return realtime.NewPublisher(publisher, logger)
}

// ProvideAggregator creates the reading aggregator with its flush listeners
func ProvideAggregator(
	repo *repository.Repository,
	evaluator *alarm.Evaluator,
	events *realtime.Publisher,
	cfg *config.Config,
	logger *zap.Logger,
) *aggregator.Aggregator {
	return aggregator.New(repo, aggregator.Config{
		BatchSize:     cfg.Batch.Size,
		FlushInterval: cfg.Batch.FlushInterval,
	}, logger, evaluator, events)
}

// ProvideProcessorService creates a new processor service instance
func ProvideProcessorService(
	repo *repository.Repository,
	engine *decoder.Engine,
	agg *aggregator.Aggregator,
	logger *zap.Logger,
) *service.ProcessorService {
	return service.NewProcessorService(repo, engine, agg, logger)
}

// ProvideRelay creates the websocket relay
func ProvideRelay(logger *zap.Logger) *realtime.Relay {
	return realtime.NewRelay(logger)
}

// ProvideMetricsRegistry creates the registry served on /metrics
func ProvideMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(reg)
	return reg
}

// ProvideRouter builds the HTTP handler
func ProvideRouter(
	ingest *service.IngestService,
	r *resolver.Resolver,
	engine *decoder.Engine,
	relay *realtime.Relay,
	repo *repository.Repository,
	conn *mq.Connection,
	reg *prometheus.Registry,
	cfg *config.Config,
	logger *zap.Logger,
) http.Handler {
	h := api.NewHandlers(api.HandlersConfig{
		Ingest:   ingest,
		Devices:  r,
		Routines: engine,
		Rooms:    relay,
		Checks: map[string]api.HealthCheck{
			"database": repo.Ping,
			"rabbitmq": func(context.Context) error {
				if !conn.Healthy() {
					return errors.New("connection closed")
				}
				return nil
			},
		},
		ServiceName:  cfg.ServiceName,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		Logger:       logger,
	})
	limiter := rate.NewLimiter(rate.Limit(cfg.HTTP.RateLimit), cfg.HTTP.RateBurst)
	return api.NewRouter(h, limiter, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
}

// startHTTP serves the ingest API
func startHTTP(lc fx.Lifecycle, cfg *config.Config, handler http.Handler, logger *zap.Logger) *api.Server {
	return api.NewServer(lc, cfg.HTTP.Addr, handler, logger)
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, db.PoolConfig{
		URL:             cfg.Database.URL,
		MaxConns:        int32(cfg.Database.MaxConns),
		ApplicationName: cfg.ServiceName,
	})
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, mq.ConnectionConfig{
		URL:  cfg.RabbitMQ.URL,
		Name: cfg.ServiceName,
	})
}
