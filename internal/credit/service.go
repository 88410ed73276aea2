package credit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/wholesale/internal/money"
	"github.com/odyssey-erp/wholesale/internal/observability"
	"github.com/odyssey-erp/wholesale/internal/platform/db"
	"github.com/odyssey-erp/wholesale/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListTransactions(ctx context.Context, customerID int64, after *Cursor, limit int) ([]Transaction, error)
	ListAccountIDs(ctx context.Context) ([]int64, error)
}

// TxRepository exposes the operations available inside one unit of work.
type TxRepository interface {
	CreateAccount(ctx context.Context, in OpenAccountInput, at time.Time) (Account, error)
	GetAccount(ctx context.Context, customerID int64) (Account, error)
	GetAccountForUpdate(ctx context.Context, customerID int64) (Account, error)
	FindOrderCharge(ctx context.Context, orderID int64) (Transaction, bool, error)
	InsertTransaction(ctx context.Context, txn Transaction) (Transaction, error)
	UpdateBalance(ctx context.Context, customerID int64, balance money.Money, at time.Time) error
	UpdateCreditLimit(ctx context.Context, customerID int64, limit money.Money, at time.Time) error
	AddLoyaltyPoints(ctx context.Context, customerID int64, delta int64, at time.Time) (int64, error)
	SetFrozen(ctx context.Context, customerID int64, frozenAt *time.Time) error
	ReplayBalance(ctx context.Context, customerID int64) (money.Money, int64, error)
	AppendOutbox(ctx context.Context, ev shared.OutboxEvent) error
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

// Options tune ledger business rules.
type Options struct {
	// AllowOverpayment lets payments exceed the owed amount; the surplus becomes prepaid credit.
	AllowOverpayment bool
	Retry            RetryPolicy
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{AllowOverpayment: true, Retry: DefaultRetryPolicy}
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Service owns every balance mutation. Writes for one customer are serialised by the locker
// and by a row lock inside the transaction.
type Service struct {
	repo     RepositoryPort
	locker   Locker
	opts     Options
	metrics  *observability.LedgerMetrics
	logger   *slog.Logger
	now      func() time.Time
	incident func() string
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, locker Locker, opts Options, metrics *observability.LedgerMetrics, logger *slog.Logger) *Service {
	if locker == nil {
		locker = NewLocalLocker(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		locker:   locker,
		opts:     opts,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		incident: uuid.NewString,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Now returns the service clock.
func (s *Service) Now() time.Time {
	return s.now().UTC()
}

// IsRetryable reports whether err is lock or database contention.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockNotAcquired) || db.IsRetryable(err)
}

// Serialize runs fn while holding the customer's lock, retrying the whole unit on contention.
func (s *Service) Serialize(ctx context.Context, customerID int64, scope string, fn func(context.Context) error) error {
	onRetry := func(attempt int, err error) {
		s.metrics.LockRetry(scope)
		s.logger.Warn("ledger contention, retrying",
			slog.String("scope", scope),
			slog.Int64("customer_id", customerID),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
	}
	return s.opts.Retry.Do(ctx, IsRetryable, onRetry, func(ctx context.Context) error {
		release, err := s.locker.Acquire(ctx, customerID)
		if err != nil {
			return err
		}
		defer release()
		return fn(ctx)
	})
}

// OpenAccount creates an account with a zero balance.
func (s *Service) OpenAccount(ctx context.Context, in OpenAccountInput) (Account, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return Account{}, fmt.Errorf("%w: name required", ErrInvalidTransaction)
	}
	if in.CreditLimit.IsNegative() {
		return Account{}, fmt.Errorf("%w: credit limit must not be negative", ErrInvalidAmount)
	}
	var acct Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		created, err := tx.CreateAccount(ctx, in, s.Now())
		if err != nil {
			return err
		}
		acct = created
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  in.ProcessedBy,
			Action:   "credit.account.open",
			Entity:   "customer",
			EntityID: strconv.FormatInt(created.ID, 10),
			Meta:     map[string]any{"name": created.Name, "credit_limit": created.CreditLimit.FormatMajor()},
			At:       s.Now(),
		})
	})
	if err != nil {
		return Account{}, err
	}
	return acct, nil
}

// ApplyCharge debits the account. Admin callers may set Override to bypass the limit.
func (s *Service) ApplyCharge(ctx context.Context, in ChargeInput) (Transaction, error) {
	var txn Transaction
	err := s.Serialize(ctx, in.CustomerID, "charge", func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			txn, err = s.ChargeInTx(ctx, tx, in)
			if err != nil {
				return err
			}
			return tx.RecordAudit(ctx, shared.AuditLog{
				ActorID:  in.ProcessedBy,
				Action:   "credit.charge.manual",
				Entity:   "customer",
				EntityID: strconv.FormatInt(in.CustomerID, 10),
				Meta: map[string]any{
					"transaction_id": txn.ID,
					"amount":         in.Amount.FormatMajor(),
					"override":       in.Override,
					"description":    in.Description,
				},
				At: s.Now(),
			})
		})
	})
	if err != nil {
		return Transaction{}, err
	}
	s.Committed(txn)
	return txn, nil
}

// OrderCharge builds the charge for an order total. Order charges never override the limit.
func OrderCharge(customerID, orderID int64, total money.Money, actor int64) ChargeInput {
	return ChargeInput{
		CustomerID:  customerID,
		Amount:      total,
		OrderID:     &orderID,
		Description: fmt.Sprintf("Order #%d", orderID),
		ProcessedBy: actor,
	}
}

// ChargeInTx performs the charge inside an existing unit of work. The caller must hold the
// customer's lock (see Serialize) and must call Committed after the transaction commits.
func (s *Service) ChargeInTx(ctx context.Context, tx TxRepository, in ChargeInput) (Transaction, error) {
	if !in.Amount.IsPositive() {
		return Transaction{}, fmt.Errorf("%w: charge amount must be positive", ErrInvalidAmount)
	}
	acct, err := s.lockAccount(ctx, tx, in.CustomerID)
	if err != nil {
		return Transaction{}, err
	}
	if in.OrderID != nil {
		if _, found, err := tx.FindOrderCharge(ctx, *in.OrderID); err != nil {
			return Transaction{}, err
		} else if found {
			return Transaction{}, fmt.Errorf("%w: order %d", ErrAlreadySettled, *in.OrderID)
		}
	}
	if !in.Override && !ChargeAllowed(acct.CreditLimit, acct.CurrentBalance, in.Amount) {
		s.metrics.InsufficientCredit()
		return Transaction{}, &InsufficientCreditError{
			CustomerID: acct.ID,
			Available:  Spendable(acct.CreditLimit, acct.CurrentBalance),
			Required:   in.Amount,
		}
	}
	desc := in.Description
	if desc == "" {
		desc = "Charge"
	}
	return s.appendInTx(ctx, tx, acct, Transaction{
		CustomerID:  acct.ID,
		Kind:        KindCharge,
		Amount:      in.Amount.Neg(),
		OrderID:     in.OrderID,
		Description: desc,
		ProcessedBy: in.ProcessedBy,
	})
}

// ApplyPayment credits the account.
func (s *Service) ApplyPayment(ctx context.Context, in PaymentInput) (Transaction, error) {
	if !in.Amount.IsPositive() {
		return Transaction{}, fmt.Errorf("%w: payment amount must be positive", ErrInvalidAmount)
	}
	if !in.Method.Valid() {
		return Transaction{}, fmt.Errorf("%w: unknown payment method %q", ErrInvalidTransaction, in.Method)
	}
	if in.Method == MethodCheck && strings.TrimSpace(in.Reference) == "" {
		return Transaction{}, fmt.Errorf("%w: check number required", ErrInvalidAmount)
	}
	var txn Transaction
	err := s.Serialize(ctx, in.CustomerID, "payment", func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			acct, err := s.lockAccount(ctx, tx, in.CustomerID)
			if err != nil {
				return err
			}
			if !s.opts.AllowOverpayment && in.Amount.GreaterThan(acct.Owed()) {
				return fmt.Errorf("%w: owed %s, payment %s", ErrOverpayment, acct.Owed(), in.Amount)
			}
			txn, err = s.appendInTx(ctx, tx, acct, Transaction{
				CustomerID:  acct.ID,
				Kind:        KindPayment,
				Amount:      in.Amount,
				Payment:     &PaymentDetails{Method: in.Method, Reference: strings.TrimSpace(in.Reference), Notes: in.Notes},
				Description: paymentDescription(in),
				ProcessedBy: in.ProcessedBy,
			})
			return err
		})
	})
	if err != nil {
		return Transaction{}, err
	}
	s.Committed(txn)
	return txn, nil
}

func paymentDescription(in PaymentInput) string {
	switch in.Method {
	case MethodCheck:
		return "Check payment #" + strings.TrimSpace(in.Reference)
	case MethodElectronic:
		return "Electronic payment"
	default:
		return "Cash payment"
	}
}

// ApplyAdjustment appends a signed manual correction. It is always allowed on unfrozen accounts.
func (s *Service) ApplyAdjustment(ctx context.Context, in AdjustmentInput) (Transaction, error) {
	var txn Transaction
	err := s.Serialize(ctx, in.CustomerID, "adjustment", func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			txn, err = s.AdjustInTx(ctx, tx, in)
			return err
		})
	})
	if err != nil {
		return Transaction{}, err
	}
	s.Committed(txn)
	return txn, nil
}

// AdjustInTx appends an adjustment inside an existing unit of work and audits it.
// The same locking and Committed rules as ChargeInTx apply.
func (s *Service) AdjustInTx(ctx context.Context, tx TxRepository, in AdjustmentInput) (Transaction, error) {
	if in.Amount.IsZero() {
		return Transaction{}, fmt.Errorf("%w: adjustment must be non-zero", ErrInvalidAmount)
	}
	if strings.TrimSpace(in.Description) == "" {
		return Transaction{}, fmt.Errorf("%w: adjustment description required", ErrInvalidTransaction)
	}
	acct, err := s.lockAccount(ctx, tx, in.CustomerID)
	if err != nil {
		return Transaction{}, err
	}
	txn, err := s.appendInTx(ctx, tx, acct, Transaction{
		CustomerID:  acct.ID,
		Kind:        KindAdjustment,
		Amount:      in.Amount,
		OrderID:     in.OrderID,
		Description: strings.TrimSpace(in.Description),
		ProcessedBy: in.ProcessedBy,
	})
	if err != nil {
		return Transaction{}, err
	}
	err = tx.RecordAudit(ctx, shared.AuditLog{
		ActorID:  in.ProcessedBy,
		Action:   "credit.adjustment",
		Entity:   "customer",
		EntityID: strconv.FormatInt(acct.ID, 10),
		Meta: map[string]any{
			"transaction_id": txn.ID,
			"amount":         in.Amount.FormatMajor(),
			"description":    txn.Description,
		},
		At: s.Now(),
	})
	return txn, err
}

// SetCreditLimit replaces the customer's credit limit.
func (s *Service) SetCreditLimit(ctx context.Context, customerID int64, limit money.Money, actor int64) (Account, error) {
	if limit.IsNegative() {
		return Account{}, fmt.Errorf("%w: credit limit must not be negative", ErrInvalidAmount)
	}
	var acct Account
	err := s.Serialize(ctx, customerID, "credit_limit", func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			current, err := tx.GetAccountForUpdate(ctx, customerID)
			if err != nil {
				return err
			}
			now := s.Now()
			if err := tx.UpdateCreditLimit(ctx, customerID, limit, now); err != nil {
				return err
			}
			acct = current
			acct.CreditLimit = limit
			acct.UpdatedAt = now
			return tx.RecordAudit(ctx, shared.AuditLog{
				ActorID:  actor,
				Action:   "credit.limit.update",
				Entity:   "customer",
				EntityID: strconv.FormatInt(customerID, 10),
				Meta:     map[string]any{"from": current.CreditLimit.FormatMajor(), "to": limit.FormatMajor()},
				At:       now,
			})
		})
	})
	if err != nil {
		return Account{}, err
	}
	return acct, nil
}

// GetAccount returns the last committed account state.
func (s *Service) GetAccount(ctx context.Context, customerID int64) (Account, error) {
	var acct Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		acct, err = tx.GetAccount(ctx, customerID)
		return err
	})
	return acct, err
}

// GetBalance returns the cached balance after checking it against the replayed log.
// A mismatch freezes the account and yields a *CorruptionError.
func (s *Service) GetBalance(ctx context.Context, customerID int64) (money.Money, error) {
	rec, err := s.Verify(ctx, customerID)
	if err != nil {
		return money.Zero, err
	}
	return rec.CachedBalance, nil
}

// Verify compares the cached balance with the replayed log from one consistent snapshot.
func (s *Service) Verify(ctx context.Context, customerID int64) (Reconciliation, error) {
	rec, err := s.snapshot(ctx, customerID)
	if err != nil {
		return Reconciliation{}, err
	}
	if !rec.Consistent() {
		return rec, s.corruption(ctx, rec)
	}
	return rec, nil
}

// AccountIDs lists every account id.
func (s *Service) AccountIDs(ctx context.Context) ([]int64, error) {
	return s.repo.ListAccountIDs(ctx)
}

// Reconcile rebuilds the cached balance from the log and lifts a freeze. Operator action.
func (s *Service) Reconcile(ctx context.Context, customerID int64, actor int64) (Reconciliation, error) {
	var rec Reconciliation
	err := s.Serialize(ctx, customerID, "reconcile", func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			acct, err := tx.GetAccountForUpdate(ctx, customerID)
			if err != nil {
				return err
			}
			replayed, count, err := tx.ReplayBalance(ctx, customerID)
			if err != nil {
				return err
			}
			rec = Reconciliation{
				CustomerID:       customerID,
				CachedBalance:    acct.CurrentBalance,
				ReplayedBalance:  replayed,
				TransactionCount: count,
				Frozen:           acct.Frozen(),
			}
			now := s.Now()
			if err := tx.UpdateBalance(ctx, customerID, replayed, now); err != nil {
				return err
			}
			if err := tx.SetFrozen(ctx, customerID, nil); err != nil {
				return err
			}
			return tx.RecordAudit(ctx, shared.AuditLog{
				ActorID:  actor,
				Action:   "credit.reconcile",
				Entity:   "customer",
				EntityID: strconv.FormatInt(customerID, 10),
				Meta: map[string]any{
					"cached":   acct.CurrentBalance.FormatMajor(),
					"replayed": replayed.FormatMajor(),
					"frozen":   acct.Frozen(),
				},
				At: now,
			})
		})
	})
	if err != nil {
		return Reconciliation{}, err
	}
	s.logger.Info("ledger reconciled",
		slog.Int64("customer_id", customerID),
		slog.String("cached", rec.CachedBalance.FormatMajor()),
		slog.String("replayed", rec.ReplayedBalance.FormatMajor()))
	return rec, nil
}

// AddLoyaltyPointsInTx changes the customer's loyalty points balance. Points never go negative.
func (s *Service) AddLoyaltyPointsInTx(ctx context.Context, tx TxRepository, customerID, delta int64) (int64, error) {
	if delta == 0 {
		acct, err := tx.GetAccount(ctx, customerID)
		return acct.LoyaltyPoints, err
	}
	return tx.AddLoyaltyPoints(ctx, customerID, delta, s.Now())
}

// HistoryPage returns one newest-first page of transactions.
func (s *Service) HistoryPage(ctx context.Context, customerID int64, req PageRequest) (HistoryPage, error) {
	size := req.Size
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	cursor, err := DecodePageToken(req.Token)
	if err != nil {
		return HistoryPage{}, err
	}
	if cursor == nil {
		if _, err := s.GetAccount(ctx, customerID); err != nil {
			return HistoryPage{}, err
		}
	}
	rows, err := s.repo.ListTransactions(ctx, customerID, cursor, size+1)
	if err != nil {
		return HistoryPage{}, err
	}
	page := HistoryPage{Transactions: rows}
	if len(rows) > size {
		page.Transactions = rows[:size]
		last := page.Transactions[size-1]
		page.NextToken = EncodePageToken(Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

// History lazily walks the whole log newest first, fetching pageSize rows at a time.
func (s *Service) History(ctx context.Context, customerID int64, pageSize int) iter.Seq2[Transaction, error] {
	return func(yield func(Transaction, error) bool) {
		token := ""
		for {
			page, err := s.HistoryPage(ctx, customerID, PageRequest{Token: token, Size: pageSize})
			if err != nil {
				yield(Transaction{}, err)
				return
			}
			for _, txn := range page.Transactions {
				if !yield(txn, nil) {
					return
				}
			}
			if page.NextToken == "" {
				return
			}
			token = page.NextToken
		}
	}
}

// Committed records metrics for transactions whose unit of work has committed.
func (s *Service) Committed(txns ...Transaction) {
	for _, txn := range txns {
		if txn.ID == 0 {
			continue
		}
		s.metrics.TransactionRecorded(string(txn.Kind))
		s.logger.Info("ledger transaction recorded",
			slog.Int64("customer_id", txn.CustomerID),
			slog.Int64("transaction_id", txn.ID),
			slog.String("kind", string(txn.Kind)),
			slog.String("amount", txn.Amount.FormatMajor()))
	}
}

func (s *Service) lockAccount(ctx context.Context, tx TxRepository, customerID int64) (Account, error) {
	acct, err := tx.GetAccountForUpdate(ctx, customerID)
	if err != nil {
		return Account{}, err
	}
	if acct.Frozen() {
		return Account{}, fmt.Errorf("%w: account %d frozen since %s pending reconciliation",
			ErrLedgerCorruption, customerID, acct.FrozenAt.UTC().Format(time.RFC3339))
	}
	return acct, nil
}

type transactionEvent struct {
	TransactionID int64       `json:"transaction_id"`
	CustomerID    int64       `json:"customer_id"`
	Kind          Kind        `json:"kind"`
	Amount        money.Money `json:"amount"`
	Balance       money.Money `json:"balance"`
	OrderID       *int64      `json:"order_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

func (s *Service) appendInTx(ctx context.Context, tx TxRepository, acct Account, txn Transaction) (Transaction, error) {
	txn.CreatedAt = s.Now()
	if err := txn.Validate(); err != nil {
		return Transaction{}, err
	}
	balance, err := acct.CurrentBalance.CheckedAdd(txn.Amount)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	inserted, err := tx.InsertTransaction(ctx, txn)
	if err != nil {
		return Transaction{}, err
	}
	if err := tx.UpdateBalance(ctx, acct.ID, balance, inserted.CreatedAt); err != nil {
		return Transaction{}, err
	}
	ev, err := shared.NewOutboxEvent(TopicTransactionRecorded, strconv.FormatInt(acct.ID, 10), transactionEvent{
		TransactionID: inserted.ID,
		CustomerID:    acct.ID,
		Kind:          inserted.Kind,
		Amount:        inserted.Amount,
		Balance:       balance,
		OrderID:       inserted.OrderID,
		CreatedAt:     inserted.CreatedAt,
	}, inserted.CreatedAt)
	if err != nil {
		return Transaction{}, err
	}
	if err := tx.AppendOutbox(ctx, ev); err != nil {
		return Transaction{}, err
	}
	return inserted, nil
}

func (s *Service) snapshot(ctx context.Context, customerID int64) (Reconciliation, error) {
	var rec Reconciliation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		acct, err := tx.GetAccount(ctx, customerID)
		if err != nil {
			return err
		}
		replayed, count, err := tx.ReplayBalance(ctx, customerID)
		if err != nil {
			return err
		}
		rec = Reconciliation{
			CustomerID:       customerID,
			CachedBalance:    acct.CurrentBalance,
			ReplayedBalance:  replayed,
			TransactionCount: count,
			Frozen:           acct.Frozen(),
		}
		return nil
	})
	return rec, err
}

// corruption freezes the account and returns the error surfaced to callers.
func (s *Service) corruption(ctx context.Context, rec Reconciliation) error {
	cerr := &CorruptionError{
		CustomerID: rec.CustomerID,
		Cached:     rec.CachedBalance,
		Replayed:   rec.ReplayedBalance,
		Incident:   s.incident(),
	}
	s.metrics.CorruptionDetected()
	s.logger.Error("ledger corruption detected",
		slog.String("incident", cerr.Incident),
		slog.Int64("customer_id", rec.CustomerID),
		slog.String("cached", rec.CachedBalance.FormatMajor()),
		slog.String("replayed", rec.ReplayedBalance.FormatMajor()),
		slog.Int64("transactions", rec.TransactionCount))
	if rec.Frozen {
		return cerr
	}
	err := s.Serialize(ctx, rec.CustomerID, "freeze", func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			acct, err := tx.GetAccountForUpdate(ctx, rec.CustomerID)
			if err != nil {
				return err
			}
			if acct.Frozen() {
				return nil
			}
			replayed, _, err := tx.ReplayBalance(ctx, rec.CustomerID)
			if err != nil {
				return err
			}
			if replayed == acct.CurrentBalance {
				return nil
			}
			now := s.Now()
			if err := tx.SetFrozen(ctx, rec.CustomerID, &now); err != nil {
				return err
			}
			ev, err := shared.NewOutboxEvent(TopicAccountFrozen, strconv.FormatInt(rec.CustomerID, 10), map[string]any{
				"customer_id": rec.CustomerID,
				"incident":    cerr.Incident,
				"frozen_at":   now,
			}, now)
			if err != nil {
				return err
			}
			if err := tx.AppendOutbox(ctx, ev); err != nil {
				return err
			}
			return tx.RecordAudit(ctx, shared.AuditLog{
				Action:   "credit.account.freeze",
				Entity:   "customer",
				EntityID: strconv.FormatInt(rec.CustomerID, 10),
				Meta: map[string]any{
					"incident": cerr.Incident,
					"cached":   acct.CurrentBalance.FormatMajor(),
					"replayed": replayed.FormatMajor(),
				},
				At: now,
			})
		})
	})
	if err != nil {
		s.logger.Error("ledger freeze failed",
			slog.String("incident", cerr.Incident),
			slog.Int64("customer_id", rec.CustomerID),
			slog.Any("error", err))
	}
	return cerr
}
