package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/wholesale/internal/credit"
	creditmem "github.com/odyssey-erp/wholesale/internal/credit/memstore"
	"github.com/odyssey-erp/wholesale/internal/observability"
	"github.com/odyssey-erp/wholesale/internal/orders"
	ordersmem "github.com/odyssey-erp/wholesale/internal/orders/memstore"
	"github.com/odyssey-erp/wholesale/internal/platform/cache"
	"github.com/odyssey-erp/wholesale/internal/platform/db"
	"github.com/odyssey-erp/wholesale/internal/platform/mq"
	"github.com/odyssey-erp/wholesale/internal/settlement"
	"github.com/odyssey-erp/wholesale/internal/shared"
	"github.com/odyssey-erp/wholesale/jobs"
)

// Services is the wired domain layer shared by the server, the worker and the CLI.
type Services struct {
	Ledger      *credit.Service
	Orders      *orders.Service
	Outbox      shared.OutboxRepository
	Idempotency credit.IdempotencyStore
	Settings    *settlement.FileProvider
	Metrics     *observability.Metrics
	Ledgers     *observability.LedgerMetrics

	// Pool and Redis are nil when the backend does not need them.
	Pool  *pgxpool.Pool
	Redis *redis.Client

	closers []func()
}

// Close releases connections in reverse order of opening.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// NewServices connects the configured backends and builds the ledger and order services.
func NewServices(ctx context.Context, cfg *Config, logger *slog.Logger) (*Services, error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Services{Metrics: observability.NewMetrics()}
	ledgerMetrics, err := observability.NewLedgerMetrics(s.Metrics.Registerer())
	if err != nil {
		return nil, fmt.Errorf("app: ledger metrics: %w", err)
	}
	s.Ledgers = ledgerMetrics

	settings, err := settlement.LoadFile(cfg.SettlementConfig)
	if err != nil {
		return nil, err
	}
	s.Settings = settings

	if cfg.StoreBackend == StorePostgres || cfg.LedgerLockBackend == LockRedis {
		client, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		switch {
		case err == nil:
			s.Redis = client
			s.closers = append(s.closers, func() {
				if err := client.Close(); err != nil {
					logger.Warn("redis close", slog.Any("error", err))
				}
			})
		case cfg.LedgerLockBackend == LockRedis:
			return nil, err
		default:
			logger.Warn("redis unavailable, job queue disabled", slog.Any("error", err))
		}
	}

	var locker credit.Locker = credit.NewLocalLocker(cfg.LedgerLockWait)
	if cfg.LedgerLockBackend == LockRedis {
		locker = credit.NewRedisLocker(s.Redis, cfg.LedgerLockTTL, cfg.LedgerLockWait)
	}
	opts := credit.Options{
		AllowOverpayment: cfg.LedgerAllowOverpayment,
		Retry: credit.RetryPolicy{
			Attempts:  cfg.LedgerLockAttempts,
			BaseDelay: cfg.LedgerLockBaseDelay,
			MaxDelay:  cfg.LedgerLockMaxDelay,
		},
	}

	var (
		creditRepo credit.RepositoryPort
		ordersRepo orders.RepositoryPort
		catalog    orders.CatalogPort
	)
	switch cfg.StoreBackend {
	case StoreMemory:
		static, err := orders.LoadStaticCatalog(cfg.CatalogFile)
		if err != nil {
			s.Close()
			return nil, err
		}
		ledgerStore := creditmem.New()
		creditRepo = ledgerStore
		ordersRepo = ordersmem.New(ledgerStore)
		catalog = static
		s.Outbox = ledgerStore
		s.Idempotency = shared.NewMemoryIdempotencyStore()
		logger.Warn("memory store in use, data is lost on restart")
	default:
		pool, err := db.New(ctx, db.PoolConfig{DSN: cfg.PGDSN, MaxConns: cfg.PGMaxConns})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Pool = pool
		s.closers = append(s.closers, pool.Close)
		creditRepo = credit.NewRepository(pool, cfg.LedgerRowLockTimeout)
		ordersRepo = orders.NewRepository(pool, cfg.LedgerRowLockTimeout)
		catalog = orders.NewPGCatalog(pool)
		s.Outbox = shared.NewPGOutbox(pool)
		s.Idempotency = shared.NewIdempotencyStore(pool)
	}

	s.Ledger = credit.NewService(creditRepo, locker, opts, ledgerMetrics, logger)
	s.Orders = orders.NewService(ordersRepo, s.Ledger, catalog, settings, ledgerMetrics, logger)
	return s, nil
}

// AsynqRedisOpt returns the job queue connection settings.
func (c *Config) AsynqRedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
}

// NewPublisher returns a Kafka publisher, or a logging publisher when no brokers are configured.
func NewPublisher(cfg *Config, logger *slog.Logger) (mq.Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.KafkaBrokers) == 0 {
		logger.Warn("KAFKA_BROKERS not set, outbox events are logged only")
		return mq.LogPublisher{Logger: logger}, nil
	}
	return mq.NewKafkaPublisher(mq.KafkaConfig{Brokers: cfg.KafkaBrokers, ClientID: cfg.KafkaClientID})
}

// NewOutboxRelay wires the relay job from configuration.
func (s *Services) NewOutboxRelay(cfg *Config, publisher mq.Publisher, logger *slog.Logger) *jobs.OutboxRelay {
	return jobs.NewOutboxRelay(s.Outbox, publisher, jobs.RelayConfig{
		Topic:       cfg.KafkaTopic,
		BatchSize:   cfg.OutboxBatchSize,
		MaxAttempts: cfg.OutboxMaxAttempts,
		Interval:    cfg.OutboxRelayInterval,
	}, s.Ledgers, logger)
}
