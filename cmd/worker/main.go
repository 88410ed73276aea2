package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/wholesale/internal/app"
	jobmetrics "github.com/odyssey-erp/wholesale/internal/jobs"
	"github.com/odyssey-erp/wholesale/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg).With(slog.String("component", "worker"))

	if cfg.StoreBackend == app.StoreMemory {
		logger.Error("worker requires STORE_BACKEND=postgres; the memory store lives inside the server process")
		os.Exit(1)
	}

	services, err := app.NewServices(ctx, cfg, logger)
	if err != nil {
		logger.Error("init services", slog.Any("error", err))
		os.Exit(1)
	}
	defer services.Close()

	publisher, err := app.NewPublisher(cfg, logger)
	if err != nil {
		logger.Error("init publisher", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("publisher close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(services.Metrics.Registerer())
	reconcileJob := jobs.NewReconcileJob(services.Ledger, cfg.ReconcileConcurrency, metrics, logger)
	relay := services.NewOutboxRelay(cfg, publisher, logger)

	reconcileTask, err := jobs.NewLedgerReconcileTask(jobs.ReconcilePayload{})
	if err != nil {
		logger.Error("build reconcile task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: cfg.AsynqRedisOpt(),
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLedgerReconcile, Handler: reconcileJob.Handle},
			{Type: jobs.TaskOutboxRelay, Handler: relay.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReconcileSpec, Task: reconcileTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.OutboxRelaySpec, Task: jobs.NewOutboxRelayTask(), Options: []asynq.Option{asynq.MaxRetry(0)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
