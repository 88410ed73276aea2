package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/wholesale/internal/money"
	"github.com/odyssey-erp/wholesale/internal/platform/db"
	"github.com/odyssey-erp/wholesale/internal/shared"
)

// ChargePerOrderConstraint is the unique index allowing at most one charge per order.
const ChargePerOrderConstraint = "credit_transactions_order_charge_key"

// Repository persists credit accounts and transactions in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository constructs Repository. lockTimeout bounds how long a row lock is awaited.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	return &Repository{pool: pool, lockTimeout: lockTimeout}
}

// WithTx executes fn within a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("credit repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := SetLockTimeout(ctx, tx, r.lockTimeout); err != nil {
			return err
		}
		return fn(ctx, NewTxRepository(tx))
	})
}

// SetLockTimeout applies SET LOCAL lock_timeout to the transaction.
func SetLockTimeout(ctx context.Context, tx pgx.Tx, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	_, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds()))
	return err
}

const transactionColumns = `id, customer_id, kind, amount_cents, order_id, payment_method, payment_reference, payment_notes, description, processed_by, created_at`

// ListTransactions returns up to limit transactions newest first, strictly after the cursor.
func (r *Repository) ListTransactions(ctx context.Context, customerID int64, after *Cursor, limit int) ([]Transaction, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if after == nil {
		rows, err = r.pool.Query(ctx, `SELECT `+transactionColumns+`
FROM credit_transactions
WHERE customer_id=$1
ORDER BY created_at DESC, id DESC
LIMIT $2`, customerID, limit)
	} else {
		rows, err = r.pool.Query(ctx, `SELECT `+transactionColumns+`
FROM credit_transactions
WHERE customer_id=$1 AND (created_at, id) < ($2, $3)
ORDER BY created_at DESC, id DESC
LIMIT $4`, customerID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// ListAccountIDs returns every account id in ascending order.
func (r *Repository) ListAccountIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM customers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type txRepository struct {
	tx     pgx.Tx
	audit  *shared.AuditLogger
	outbox *shared.OutboxWriter
}

// NewTxRepository wraps an open transaction. Other packages use it to join credit writes to
// their own unit of work.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx, audit: shared.NewAuditLogger(tx), outbox: shared.NewOutboxWriter(tx)}
}

const accountColumns = `id, name, credit_limit_cents, balance_cents, loyalty_points, frozen_at, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Name, &a.CreditLimit, &a.CurrentBalance, &a.LoyaltyPoints, &a.FrozenAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrCustomerNotFound
		}
		return Account{}, err
	}
	return a, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		txn                       Transaction
		method, reference, notes *string
	)
	if err := row.Scan(&txn.ID, &txn.CustomerID, &txn.Kind, &txn.Amount, &txn.OrderID, &method, &reference, &notes, &txn.Description, &txn.ProcessedBy, &txn.CreatedAt); err != nil {
		return Transaction{}, err
	}
	if method != nil {
		txn.Payment = &PaymentDetails{Method: PaymentMethod(*method)}
		if reference != nil {
			txn.Payment.Reference = *reference
		}
		if notes != nil {
			txn.Payment.Notes = *notes
		}
	}
	return txn, nil
}

func (r *txRepository) CreateAccount(ctx context.Context, in OpenAccountInput, at time.Time) (Account, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO customers (name, credit_limit_cents, balance_cents, loyalty_points, created_at, updated_at)
VALUES ($1, $2, 0, 0, $3, $3) RETURNING `+accountColumns, in.Name, in.CreditLimit, at)
	return scanAccount(row)
}

func (r *txRepository) GetAccount(ctx context.Context, customerID int64) (Account, error) {
	return scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM customers WHERE id=$1`, customerID))
}

func (r *txRepository) GetAccountForUpdate(ctx context.Context, customerID int64) (Account, error) {
	return scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM customers WHERE id=$1 FOR UPDATE`, customerID))
}

func (r *txRepository) FindOrderCharge(ctx context.Context, orderID int64) (Transaction, bool, error) {
	txn, err := scanTransaction(r.tx.QueryRow(ctx, `SELECT `+transactionColumns+`
FROM credit_transactions WHERE order_id=$1 AND kind='charge'`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, false, nil
		}
		return Transaction{}, false, err
	}
	return txn, true, nil
}

func (r *txRepository) InsertTransaction(ctx context.Context, txn Transaction) (Transaction, error) {
	var method, reference, notes *string
	if txn.Payment != nil {
		m := string(txn.Payment.Method)
		method = &m
		if txn.Payment.Reference != "" {
			reference = &txn.Payment.Reference
		}
		if txn.Payment.Notes != "" {
			notes = &txn.Payment.Notes
		}
	}
	err := r.tx.QueryRow(ctx, `INSERT INTO credit_transactions (customer_id, kind, amount_cents, order_id, payment_method, payment_reference, payment_notes, description, processed_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		txn.CustomerID, txn.Kind, txn.Amount, txn.OrderID, method, reference, notes, txn.Description, txn.ProcessedBy, txn.CreatedAt).Scan(&txn.ID)
	if err != nil {
		if db.IsUniqueViolation(err, ChargePerOrderConstraint) {
			return Transaction{}, fmt.Errorf("%w: order %d", ErrAlreadySettled, derefOrder(txn.OrderID))
		}
		if db.IsCheckViolation(err, "") {
			return Transaction{}, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
		}
		return Transaction{}, err
	}
	return txn, nil
}

func derefOrder(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

func (r *txRepository) UpdateBalance(ctx context.Context, customerID int64, balance money.Money, at time.Time) error {
	return r.execOne(ctx, `UPDATE customers SET balance_cents=$2, updated_at=$3 WHERE id=$1`, customerID, balance, at)
}

func (r *txRepository) UpdateCreditLimit(ctx context.Context, customerID int64, limit money.Money, at time.Time) error {
	return r.execOne(ctx, `UPDATE customers SET credit_limit_cents=$2, updated_at=$3 WHERE id=$1`, customerID, limit, at)
}

func (r *txRepository) AddLoyaltyPoints(ctx context.Context, customerID int64, delta int64, at time.Time) (int64, error) {
	var points int64
	err := r.tx.QueryRow(ctx, `UPDATE customers SET loyalty_points = loyalty_points + $2, updated_at=$3
WHERE id=$1 AND loyalty_points + $2 >= 0 RETURNING loyalty_points`, customerID, delta, at).Scan(&points)
	if err == nil {
		return points, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	acct, err := r.GetAccount(ctx, customerID)
	if err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%w: have %d, need %d", ErrInsufficientPoints, acct.LoyaltyPoints, -delta)
}

func (r *txRepository) SetFrozen(ctx context.Context, customerID int64, frozenAt *time.Time) error {
	return r.execOne(ctx, `UPDATE customers SET frozen_at=$2 WHERE id=$1`, customerID, frozenAt)
}

func (r *txRepository) ReplayBalance(ctx context.Context, customerID int64) (money.Money, int64, error) {
	var (
		sum   money.Money
		count int64
	)
	if _, err := r.GetAccount(ctx, customerID); err != nil {
		return money.Zero, 0, err
	}
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount_cents), 0)::bigint, COUNT(*) FROM credit_transactions WHERE customer_id=$1`, customerID).Scan(&sum, &count)
	return sum, count, err
}

func (r *txRepository) AppendOutbox(ctx context.Context, ev shared.OutboxEvent) error {
	return r.outbox.Append(ctx, ev)
}

func (r *txRepository) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return r.audit.Record(ctx, log)
}

func (r *txRepository) execOne(ctx context.Context, sql string, args ...any) error {
	cmd, err := r.tx.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrCustomerNotFound
	}
	return nil
}
