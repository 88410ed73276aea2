package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/wholesale/internal/app"
	"github.com/odyssey-erp/wholesale/internal/credit"
	"github.com/odyssey-erp/wholesale/internal/orders"
	"github.com/odyssey-erp/wholesale/internal/rbac"
	"github.com/odyssey-erp/wholesale/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	services, err := app.NewServices(ctx, cfg, logger)
	if err != nil {
		logger.Error("init services", slog.Any("error", err))
		os.Exit(1)
	}
	defer services.Close()

	rbacMiddleware := rbac.Middleware{Logger: logger}
	creditHandler := credit.NewHandler(logger, services.Ledger, services.Idempotency, rbacMiddleware)
	ordersHandler := orders.NewHandler(logger, services.Orders, rbacMiddleware)

	var jobHandler *jobs.Handler
	if services.Redis != nil {
		inspector := asynq.NewInspector(cfg.AsynqRedisOpt())
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, logger)
	} else {
		jobHandler = jobs.NewHandler(nil, logger)
	}

	// Without Postgres there is no worker process to drain the outbox, so relay in-process.
	if cfg.StoreBackend == app.StoreMemory {
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
		go services.NewOutboxRelay(cfg, publisher, logger).Start(ctx)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		RBACMiddleware: rbacMiddleware,
		CreditHandler:  creditHandler,
		OrdersHandler:  ordersHandler,
		JobHandler:     jobHandler,
		Metrics:        services.Metrics,
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("store", cfg.StoreBackend),
			slog.String("lock", cfg.LedgerLockBackend))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
