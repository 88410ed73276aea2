package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/wholesale/internal/platform/mq"
	"github.com/odyssey-erp/wholesale/internal/shared"
)

// RelayMetrics receives relay outcomes. *observability.LedgerMetrics satisfies it.
type RelayMetrics interface {
	OutboxRelayed(result string, n int)
}

type nopRelayMetrics struct{}

func (nopRelayMetrics) OutboxRelayed(string, int) {}

// RelayConfig tunes the outbox relay.
type RelayConfig struct {
	Topic       string
	BatchSize   int
	MaxAttempts int
	Interval    time.Duration
}

// envelope is the broker message body. Type carries the domain topic (order.completed, ...).
type envelope struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// OutboxRelay moves pending outbox events to the broker. Delivery is at least once: an event is
// marked published only after the broker acknowledged it.
type OutboxRelay struct {
	repo      shared.OutboxRepository
	publisher mq.Publisher
	cfg       RelayConfig
	metrics   RelayMetrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewOutboxRelay builds the relay.
func NewOutboxRelay(repo shared.OutboxRepository, publisher mq.Publisher, cfg RelayConfig, metrics RelayMetrics, logger *slog.Logger) *OutboxRelay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Topic == "" {
		cfg.Topic = "wholesale.events"
	}
	if metrics == nil {
		metrics = nopRelayMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxRelay{repo: repo, publisher: publisher, cfg: cfg, metrics: metrics, logger: logger, now: time.Now}
}

// RunOnce relays one batch and reports how many events were published and how many failed.
func (r *OutboxRelay) RunOnce(ctx context.Context) (published, failed int, err error) {
	err = r.repo.WithOutboxTx(ctx, func(ctx context.Context, tx shared.OutboxTx) error {
		events, err := tx.FetchPending(ctx, r.cfg.BatchSize, r.cfg.MaxAttempts)
		if err != nil {
			return err
		}
		for _, ev := range events {
			body, err := json.Marshal(envelope{ID: ev.ID, Type: ev.Topic, Key: ev.Key, OccurredAt: ev.CreatedAt, Payload: ev.Payload})
			if err != nil {
				return err
			}
			if perr := r.publisher.Publish(ctx, r.cfg.Topic, ev.Key, body); perr != nil {
				failed++
				r.logger.Warn("outbox publish failed",
					slog.Int64("event_id", ev.ID),
					slog.String("type", ev.Topic),
					slog.Int("attempt", ev.Attempts+1),
					slog.Any("error", perr))
				if ev.Attempts+1 >= r.cfg.MaxAttempts {
					r.logger.Error("outbox event gave up", slog.Int64("event_id", ev.ID), slog.String("type", ev.Topic))
				}
				if err := tx.MarkFailed(ctx, ev.ID, perr); err != nil {
					return err
				}
				continue
			}
			if err := tx.MarkPublished(ctx, ev.ID, r.now().UTC()); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	r.metrics.OutboxRelayed("published", published)
	r.metrics.OutboxRelayed("failed", failed)
	return published, failed, err
}

// Handle processes TaskOutboxRelay tasks.
func (r *OutboxRelay) Handle(ctx context.Context, _ *asynq.Task) error {
	_, _, err := r.RunOnce(ctx)
	return err
}

// Start relays on a ticker until ctx is cancelled. Used when no worker process runs (memory store).
func (r *OutboxRelay) Start(ctx context.Context) {
	r.logger.Info("outbox relay started", slog.Duration("interval", r.cfg.Interval))
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			if _, _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("outbox relay batch", slog.Any("error", err))
			}
		}
	}
}
