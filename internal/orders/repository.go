package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/wholesale/internal/credit"
	"github.com/odyssey-erp/wholesale/internal/platform/db"
)

// Repository persists orders in PostgreSQL and shares its transaction with the ledger.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	return &Repository{pool: pool, lockTimeout: lockTimeout}
}

// WithTx executes fn within a repeatable-read transaction covering both orders and the ledger.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("orders repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := credit.SetLockTimeout(ctx, tx, r.lockTimeout); err != nil {
			return err
		}
		return fn(ctx, &txRepository{TxRepository: credit.NewTxRepository(tx), tx: tx})
	})
}

const orderColumns = `id, customer_id, order_type, status, payment_method, check_number, payment_notes, breakdown,
total_cents, loyalty_points_redeemed, linked_transaction_id, reversal_transaction_id, created_by, completed_by,
completed_at, cancelled_at, cancellation_reason, created_at, updated_at`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetOrder implements RepositoryPort.
func (r *Repository) GetOrder(ctx context.Context, id int64) (Order, error) {
	return getOrder(ctx, r.pool, id, false)
}

// ListOrders implements RepositoryPort.
func (r *Repository) ListOrders(ctx context.Context, req ListRequest) ([]Order, int, error) {
	var (
		where []string
		args  []any
	)
	if req.CustomerID != 0 {
		args = append(args, req.CustomerID)
		where = append(where, fmt.Sprintf("customer_id=$%d", len(args)))
	}
	if req.Status != "" {
		args = append(args, string(req.Status))
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	filter := ""
	if len(where) > 0 {
		filter = " WHERE " + strings.Join(where, " AND ")
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders`+filter, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, req.Limit, req.Offset)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM orders%s ORDER BY id DESC LIMIT $%d OFFSET $%d`,
		orderColumns, filter, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for i := range out {
		if out[i].Items, err = loadItems(ctx, r.pool, out[i].ID); err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}

func getOrder(ctx context.Context, q querier, id int64, forUpdate bool) (Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE id=$1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
		}
		return Order{}, err
	}
	o.Items, err = loadItems(ctx, q, id)
	return o, err
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o                                  Order
		method, checkNumber, notes, reason *string
		breakdown                          []byte
		total                              int64
	)
	err := row.Scan(&o.ID, &o.CustomerID, &o.Type, &o.Status, &method, &checkNumber, &notes, &breakdown,
		&total, &o.LoyaltyPointsRedeemed, &o.LinkedTransactionID, &o.ReversalTransactionID, &o.CreatedBy, &o.CompletedBy,
		&o.CompletedAt, &o.CancelledAt, &reason, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	if err := json.Unmarshal(breakdown, &o.Breakdown); err != nil {
		return Order{}, fmt.Errorf("orders: decode breakdown of order %d: %w", o.ID, err)
	}
	if method != nil {
		o.PaymentMethod = PaymentMethod(*method)
	}
	if checkNumber != nil {
		o.Payment.CheckNumber = *checkNumber
	}
	if notes != nil {
		o.Payment.Notes = *notes
	}
	if reason != nil {
		o.CancellationReason = *reason
	}
	return o, nil
}

func loadItems(ctx context.Context, q querier, orderID int64) ([]Item, error) {
	rows, err := q.Query(ctx, `SELECT product_id, name, quantity, unit_price_cents, tax_classes, is_tobacco
FROM order_items WHERE order_id=$1 ORDER BY line_no`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ProductID, &it.Name, &it.Quantity, &it.UnitPrice, &it.TaxClasses, &it.Tobacco); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

type txRepository struct {
	credit.TxRepository
	tx pgx.Tx
}

func (r *txRepository) InsertOrder(ctx context.Context, o Order) (Order, error) {
	breakdown, err := json.Marshal(o.Breakdown)
	if err != nil {
		return Order{}, err
	}
	err = r.tx.QueryRow(ctx, `INSERT INTO orders (customer_id, order_type, status, breakdown, total_cents,
loyalty_points_redeemed, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		o.CustomerID, string(o.Type), string(o.Status), breakdown, o.Breakdown.Total,
		o.LoyaltyPointsRedeemed, o.CreatedBy, o.CreatedAt, o.UpdatedAt).Scan(&o.ID)
	if err != nil {
		return Order{}, err
	}
	if err := r.ReplaceItems(ctx, o.ID, o.Items); err != nil {
		return Order{}, err
	}
	return o, nil
}

func (r *txRepository) GetOrderForUpdate(ctx context.Context, id int64) (Order, error) {
	return getOrder(ctx, r.tx, id, true)
}

func (r *txRepository) UpdateOrder(ctx context.Context, o Order) error {
	breakdown, err := json.Marshal(o.Breakdown)
	if err != nil {
		return err
	}
	cmd, err := r.tx.Exec(ctx, `UPDATE orders SET status=$2, payment_method=NULLIF($3,''), check_number=NULLIF($4,''),
payment_notes=NULLIF($5,''), breakdown=$6, total_cents=$7, loyalty_points_redeemed=$8, linked_transaction_id=$9,
reversal_transaction_id=$10, completed_by=$11, completed_at=$12, cancelled_at=$13, cancellation_reason=NULLIF($14,''),
updated_at=$15 WHERE id=$1`,
		o.ID, string(o.Status), string(o.PaymentMethod), o.Payment.CheckNumber, o.Payment.Notes, breakdown,
		o.Breakdown.Total, o.LoyaltyPointsRedeemed, o.LinkedTransactionID, o.ReversalTransactionID, o.CompletedBy,
		o.CompletedAt, o.CancelledAt, o.CancellationReason, o.UpdatedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, o.ID)
	}
	return nil
}

func (r *txRepository) ReplaceItems(ctx context.Context, orderID int64, items []Item) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM order_items WHERE order_id=$1`, orderID); err != nil {
		return err
	}
	rows := make([][]any, 0, len(items))
	for i, it := range items {
		classes := it.TaxClasses
		if classes == nil {
			classes = []string{}
		}
		rows = append(rows, []any{orderID, int32(i + 1), it.ProductID, it.Name, it.Quantity, int64(it.UnitPrice), classes, it.Tobacco})
	}
	_, err := r.tx.CopyFrom(ctx, pgx.Identifier{"order_items"},
		[]string{"order_id", "line_no", "product_id", "name", "quantity", "unit_price_cents", "tax_classes", "is_tobacco"},
		pgx.CopyFromRows(rows))
	return err
}
