package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/quote-composer/internal/app"
	"github.com/noah-isme/quote-composer/internal/config"
	"github.com/noah-isme/quote-composer/internal/obs"
	"github.com/noah-isme/quote-composer/internal/tasks"
)

const serviceName = "quote-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.Component(obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel), "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := app.InitObservability(ctx, cfg, serviceName, prometheus.DefaultRegisterer, logger)
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error().Err(err).Msg("shutdown tracer")
		}
	}()

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	deps, err := app.Connect(connectCtx, cfg, serviceName, logger)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("connect dependencies")
	}
	defer deps.Close()

	services := app.NewServices(cfg, deps.DB, deps.Redis, deps.TaskClient, logger)
	handlers := &tasks.Handlers{
		Options:  services.Composer,
		Lister:   services.Options,
		Enqueuer: services.Enqueuer,
		Logger:   logger,
	}
	mux := asynq.NewServeMux()
	handlers.Register(mux)

	srv := asynq.NewServer(deps.RedisConn, asynq.Config{
		Concurrency: cfg.TaskConcurrency,
		Queues:      map[string]int{cfg.TaskQueue: 1},
		Logger:      tasks.Logger{L: logger},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error().Err(err).Str("task", task.Type()).Bytes("payload", task.Payload()).Msg("task failed")
		}),
		ShutdownTimeout: 10 * time.Second,
	})

	var metricsSrv *http.Server
	if cfg.Obs.MetricsEnabled && cfg.WorkerMetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	logger.Info().Str("queue", cfg.TaskQueue).Int("concurrency", cfg.TaskConcurrency).Msg("worker starting")
	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start task server")
	}

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")
	srv.Shutdown()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	logger.Info().Msg("worker shutdown complete")
}
