package memstore

import (
	"context"
	"time"

	"github.com/odyssey-erp/wholesale/internal/shared"
)

var _ shared.OutboxRepository = (*Store)(nil)

// WithOutboxTx implements shared.OutboxRepository. Marks are applied immediately and are not
// rolled back when fn fails.
func (s *Store) WithOutboxTx(ctx context.Context, fn func(context.Context, shared.OutboxTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx, outboxTx{s: s})
}

type outboxTx struct {
	s *Store
}

func (o outboxTx) FetchPending(_ context.Context, limit, maxAttempts int) ([]shared.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []shared.OutboxEvent
	for _, ev := range o.s.outbox {
		if ev.Status == shared.OutboxPublished || ev.Attempts >= maxAttempts {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (o outboxTx) MarkPublished(_ context.Context, id int64, at time.Time) error {
	o.update(id, func(ev *shared.OutboxEvent) {
		ev.Status = shared.OutboxPublished
		ev.Attempts++
		ev.LastError = ""
		ev.PublishedAt = &at
	})
	return nil
}

func (o outboxTx) MarkFailed(_ context.Context, id int64, cause error) error {
	o.update(id, func(ev *shared.OutboxEvent) {
		ev.Status = shared.OutboxFailed
		ev.Attempts++
		if cause != nil {
			ev.LastError = cause.Error()
		}
	})
	return nil
}

func (o outboxTx) update(id int64, fn func(*shared.OutboxEvent)) {
	for i := range o.s.outbox {
		if o.s.outbox[i].ID == id {
			fn(&o.s.outbox[i])
			return
		}
	}
}
