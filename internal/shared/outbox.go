package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/wholesale/internal/platform/db"
)

// OutboxStatus enumerates relay states of an outbox row.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxPublished OutboxStatus = "published"
	OutboxFailed    OutboxStatus = "failed"
)

// OutboxEvent is a domain event written in the same transaction as the change it describes.
type OutboxEvent struct {
	ID          int64
	Topic       string
	Key         string
	Payload     []byte
	Status      OutboxStatus
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// NewOutboxEvent marshals payload into a pending event.
func NewOutboxEvent(topic, key string, payload any, at time.Time) (OutboxEvent, error) {
	if topic == "" {
		return OutboxEvent{}, errors.New("outbox event requires topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return OutboxEvent{}, err
	}
	return OutboxEvent{Topic: topic, Key: key, Payload: body, Status: OutboxPending, CreatedAt: at}, nil
}

// OutboxWriter inserts events using whatever executor it was built on (pool or transaction).
type OutboxWriter struct {
	db Execer
}

// NewOutboxWriter returns a writer bound to db.
func NewOutboxWriter(db Execer) *OutboxWriter {
	return &OutboxWriter{db: db}
}

// Append stores a pending event.
func (w *OutboxWriter) Append(ctx context.Context, ev OutboxEvent) error {
	if w == nil || w.db == nil {
		return errors.New("outbox writer not initialised")
	}
	_, err := w.db.Exec(ctx, `INSERT INTO outbox_events (topic, event_key, payload, status, created_at) VALUES ($1, $2, $3, 'pending', $4)`,
		ev.Topic, ev.Key, ev.Payload, ev.CreatedAt)
	return err
}

// OutboxStore reads and marks outbox rows for the relay job.
type OutboxStore struct {
	db Querier
}

// NewOutboxStore constructs the store.
func NewOutboxStore(db Querier) *OutboxStore {
	return &OutboxStore{db: db}
}

// FetchPending returns up to limit unpublished events, oldest first, skipping rows locked by another relay.
// Build the store on a transaction so the row locks last until the marks commit.
func (s *OutboxStore) FetchPending(ctx context.Context, limit, maxAttempts int) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `SELECT id, topic, event_key, payload, status, attempts, COALESCE(last_error, ''), created_at
FROM outbox_events
WHERE status <> 'published' AND attempts < $2
ORDER BY id
LIMIT $1
FOR UPDATE SKIP LOCKED`, limit, maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OutboxEvent
	for rows.Next() {
		var ev OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.Topic, &ev.Key, &ev.Payload, &ev.Status, &ev.Attempts, &ev.LastError, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkPublished flags an event as delivered.
func (s *OutboxStore) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE outbox_events SET status='published', published_at=$2, attempts=attempts+1, last_error=NULL WHERE id=$1`, id, at)
	return err
}

// MarkFailed records a failed delivery attempt.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.Exec(ctx, `UPDATE outbox_events SET status='failed', attempts=attempts+1, last_error=$2 WHERE id=$1`, id, msg)
	return err
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Execer
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// OutboxTx is the unit of work the relay runs in: fetched rows stay locked until it ends.
type OutboxTx interface {
	FetchPending(ctx context.Context, limit, maxAttempts int) ([]OutboxEvent, error)
	MarkPublished(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, cause error) error
}

// OutboxRepository opens relay units of work.
type OutboxRepository interface {
	WithOutboxTx(ctx context.Context, fn func(context.Context, OutboxTx) error) error
}

// PGOutbox implements OutboxRepository over PostgreSQL.
type PGOutbox struct {
	pool *pgxpool.Pool
}

// NewPGOutbox constructs PGOutbox.
func NewPGOutbox(pool *pgxpool.Pool) *PGOutbox {
	return &PGOutbox{pool: pool}
}

// WithOutboxTx implements OutboxRepository. It runs at read committed so concurrent relays skip
// each other's locked rows instead of failing on serialization.
func (p *PGOutbox) WithOutboxTx(ctx context.Context, fn func(context.Context, OutboxTx) error) error {
	if p == nil || p.pool == nil {
		return errors.New("outbox repository not initialised")
	}
	return db.WithTxOptions(ctx, p.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, NewOutboxStore(tx))
	})
}
