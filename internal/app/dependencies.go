package app

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/quote-composer/internal/cache"
	"github.com/noah-isme/quote-composer/internal/composer"
	"github.com/noah-isme/quote-composer/internal/config"
	"github.com/noah-isme/quote-composer/internal/lock"
	"github.com/noah-isme/quote-composer/internal/marginrule"
	"github.com/noah-isme/quote-composer/internal/migrations"
	"github.com/noah-isme/quote-composer/internal/obs"
	"github.com/noah-isme/quote-composer/internal/store"
	"github.com/noah-isme/quote-composer/internal/tasks"
)

// Dependencies holds the connections shared by the API and the worker.
type Dependencies struct {
	DB         *pgxpool.Pool
	Redis      *redis.Client
	RedisConn  asynq.RedisConnOpt
	TaskClient *asynq.Client
	logger     zerolog.Logger
}

// Connect opens Postgres, Redis and the task queue client and verifies both
// stores answer a ping.
func Connect(ctx context.Context, cfg *config.Config, appName string, logger zerolog.Logger) (*Dependencies, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = appName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if cfg.Obs.MetricsEnabled {
		if err := redisotel.InstrumentMetrics(rdb); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		pool.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	conn, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		_ = rdb.Close()
		pool.Close()
		return nil, fmt.Errorf("parse task queue redis url: %w", err)
	}

	return &Dependencies{
		DB:         pool,
		Redis:      rdb,
		RedisConn:  conn,
		TaskClient: asynq.NewClient(conn),
		logger:     logger,
	}, nil
}

// Close releases every connection.
func (d *Dependencies) Close() {
	if d == nil {
		return
	}
	if d.TaskClient != nil {
		if err := d.TaskClient.Close(); err != nil {
			d.logger.Error().Err(err).Msg("close task client")
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.logger.Error().Err(err).Msg("close redis")
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

// Services is the domain layer assembled on top of the shared connections.
type Services struct {
	Options  *store.Options
	Rules    *marginrule.Service
	Composer *composer.Service
	Enqueuer tasks.Enqueuer
}

// NewServices wires stores, the rule cache, the option lock and the recompute
// enqueuer according to cfg.
func NewServices(cfg *config.Config, db store.DB, rdb *redis.Client, taskClient tasks.Client, logger zerolog.Logger) *Services {
	enqueuer := tasks.Enqueuer{
		Client:   taskClient,
		Queue:    cfg.TaskQueue,
		MaxRetry: cfg.TaskMaxRetry,
		Unique:   cfg.TaskUniqueTTL,
	}
	options := store.NewOptions(db, obs.Component(logger, "store"))
	rules := &marginrule.Service{
		Store:    store.NewRules(db),
		Cache:    cache.NewJSON(rdb, cfg.RuleCacheTTL),
		Enqueuer: enqueuer,
		Fallback: cfg.DefaultPolicy(),
		Logger:   obs.Component(logger, "marginrule"),
	}
	svc := &composer.Service{
		Store:               options,
		Rules:               rules,
		DefaultPolicy:       cfg.DefaultPolicy(),
		LockTTL:             cfg.LockTTL,
		DivergenceTolerance: cfg.MarginDivergenceTolerance,
		Logger:              obs.Component(logger, "composer"),
	}
	if rdb != nil {
		svc.Locker = lock.Locker{R: rdb, RetryBackoff: cfg.LockRetryBackoff, MaxWait: cfg.LockMaxWait}
	}
	return &Services{Options: options, Rules: rules, Composer: svc, Enqueuer: enqueuer}
}

// Migrate applies pending schema migrations when enabled.
func Migrate(cfg *config.Config, logger zerolog.Logger) error {
	if !cfg.MigrateOnStart {
		return nil
	}
	if err := migrations.Up(cfg.DatabaseURL); err != nil {
		return err
	}
	logger.Info().Msg("database migrations applied")
	return nil
}

// InitObservability registers domain metrics and starts tracing. The returned
// function flushes pending spans.
func InitObservability(ctx context.Context, cfg *config.Config, serviceName string, reg prometheus.Registerer, logger zerolog.Logger) func(context.Context) error {
	obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, reg)
	shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
		Enabled:       cfg.Obs.TracingEnabled,
		ServiceName:   serviceName,
		Endpoint:      cfg.Obs.OTLPEndpoint,
		Exporter:      cfg.Obs.TracingExporter,
		SamplingRatio: cfg.Obs.SamplingRatio,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		return func(context.Context) error { return nil }
	}
	return shutdown
}
