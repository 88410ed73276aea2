// Package credit owns customer credit accounts and their append-only transaction log.
package credit

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/odyssey-erp/wholesale/internal/money"
)

// Kind enumerates the closed set of ledger transaction variants.
type Kind string

const (
	KindCharge     Kind = "charge"
	KindPayment    Kind = "payment"
	KindAdjustment Kind = "adjustment"
)

// Kinds lists every transaction variant.
var Kinds = []Kind{KindCharge, KindPayment, KindAdjustment}

// Valid reports whether k is a known variant.
func (k Kind) Valid() bool { return slices.Contains(Kinds, k) }

// PaymentMethod enumerates how a payment was tendered.
type PaymentMethod string

const (
	MethodCash       PaymentMethod = "cash"
	MethodCheck      PaymentMethod = "check"
	MethodElectronic PaymentMethod = "electronic"
)

// PaymentMethods lists every accepted tender.
var PaymentMethods = []PaymentMethod{MethodCash, MethodCheck, MethodElectronic}

// Valid reports whether m is a known method.
func (m PaymentMethod) Valid() bool { return slices.Contains(PaymentMethods, m) }

// Account is a customer's credit account. CurrentBalance is positive for prepaid
// credit and negative when the customer owes money.
type Account struct {
	ID             int64
	Name           string
	CreditLimit    money.Money
	CurrentBalance money.Money
	LoyaltyPoints  int64
	FrozenAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Owed returns the amount the customer owes.
func (a Account) Owed() money.Money { return Owed(a.CurrentBalance) }

// Available returns the remaining credit limit.
func (a Account) Available() money.Money { return Available(a.CreditLimit, a.CurrentBalance) }

// Frozen reports whether writes are refused pending reconciliation.
func (a Account) Frozen() bool { return a.FrozenAt != nil }

// PaymentDetails carries the payment-only fields of a transaction.
type PaymentDetails struct {
	Method    PaymentMethod
	Reference string
	Notes     string
}

// Transaction is an immutable ledger entry. Amount is the signed delta applied to the balance.
type Transaction struct {
	ID          int64
	CustomerID  int64
	Kind        Kind
	Amount      money.Money
	OrderID     *int64
	Payment     *PaymentDetails
	Description string
	ProcessedBy int64
	CreatedAt   time.Time
}

// Validate enforces the per-variant shape of the transaction.
func (t Transaction) Validate() error {
	if t.CustomerID <= 0 {
		return fmt.Errorf("%w: customer id required", ErrInvalidTransaction)
	}
	switch t.Kind {
	case KindCharge:
		if !t.Amount.IsNegative() {
			return fmt.Errorf("%w: charge must be negative", ErrInvalidAmount)
		}
		if t.Payment != nil {
			return fmt.Errorf("%w: charge cannot carry payment details", ErrInvalidTransaction)
		}
	case KindPayment:
		if !t.Amount.IsPositive() {
			return fmt.Errorf("%w: payment must be positive", ErrInvalidAmount)
		}
		if t.Payment == nil || !t.Payment.Method.Valid() {
			return fmt.Errorf("%w: payment method required", ErrInvalidTransaction)
		}
		if t.Payment.Method == MethodCheck && strings.TrimSpace(t.Payment.Reference) == "" {
			return fmt.Errorf("%w: check number required", ErrInvalidAmount)
		}
		if t.OrderID != nil {
			return fmt.Errorf("%w: payment cannot reference an order", ErrInvalidTransaction)
		}
	case KindAdjustment:
		if t.Amount.IsZero() {
			return fmt.Errorf("%w: adjustment must be non-zero", ErrInvalidAmount)
		}
		if strings.TrimSpace(t.Description) == "" {
			return fmt.Errorf("%w: adjustment description required", ErrInvalidTransaction)
		}
		if t.Payment != nil {
			return fmt.Errorf("%w: adjustment cannot carry payment details", ErrInvalidTransaction)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTransaction, t.Kind)
	}
	return nil
}

// OpenAccountInput creates a new credit account.
type OpenAccountInput struct {
	Name        string
	CreditLimit money.Money
	ProcessedBy int64
}

// ChargeInput debits an account.
type ChargeInput struct {
	CustomerID  int64
	Amount      money.Money
	OrderID     *int64
	Description string
	ProcessedBy int64
	// Override skips the credit limit check. Only manual admin charges may set it.
	Override bool
}

// PaymentInput credits an account.
type PaymentInput struct {
	CustomerID  int64
	Amount      money.Money
	Method      PaymentMethod
	Reference   string
	Notes       string
	ProcessedBy int64
}

// AdjustmentInput applies a signed manual correction.
type AdjustmentInput struct {
	CustomerID  int64
	Amount      money.Money
	Description string
	OrderID     *int64
	ProcessedBy int64
}

// Reconciliation compares the cached balance with the replayed log.
type Reconciliation struct {
	CustomerID       int64
	CachedBalance    money.Money
	ReplayedBalance  money.Money
	TransactionCount int64
	Frozen           bool
}

// Consistent reports whether the cache matches the log.
func (r Reconciliation) Consistent() bool {
	return r.CachedBalance == r.ReplayedBalance
}

// PageRequest selects a page of history.
type PageRequest struct {
	Token string
	Size  int
}

// HistoryPage is one newest-first page of transactions.
type HistoryPage struct {
	Transactions []Transaction
	NextToken    string
}

// Cursor is the keyset position after which the next page starts.
type Cursor struct {
	CreatedAt time.Time
	ID        int64
}

// Event topics written to the outbox by the ledger.
const (
	TopicTransactionRecorded = "credit.transaction.recorded"
	TopicAccountFrozen       = "credit.account.frozen"
)
