package credit

import (
	"errors"
	"fmt"

	"github.com/odyssey-erp/wholesale/internal/money"
)

var (
	// ErrCustomerNotFound indicates the account does not exist.
	ErrCustomerNotFound = errors.New("credit: customer not found")
	// ErrInvalidAmount indicates a non-positive or otherwise unacceptable amount.
	ErrInvalidAmount = errors.New("credit: invalid amount")
	// ErrOverpayment indicates a payment larger than the amount owed while overpayment is disabled.
	ErrOverpayment = fmt.Errorf("%w: payment exceeds amount owed", ErrInvalidAmount)
	// ErrInvalidTransaction indicates a transaction missing a field its kind requires.
	ErrInvalidTransaction = errors.New("credit: invalid transaction")
	// ErrInsufficientCredit indicates the charge would push owed past the limit.
	ErrInsufficientCredit = errors.New("credit: insufficient available credit")
	// ErrAlreadySettled indicates the order has already been charged.
	ErrAlreadySettled = errors.New("credit: order already settled")
	// ErrConcurrentModification indicates the write lost a contention race and retries were exhausted.
	ErrConcurrentModification = errors.New("credit: concurrent modification, retry")
	// ErrLedgerCorruption indicates the cached balance disagrees with the log.
	ErrLedgerCorruption = errors.New("credit: ledger corruption")
	// ErrInvalidPageToken indicates a malformed history page token.
	ErrInvalidPageToken = errors.New("credit: invalid page token")
	// ErrInsufficientPoints indicates a loyalty redemption larger than the points balance.
	ErrInsufficientPoints = errors.New("credit: insufficient loyalty points")
	// ErrLockNotAcquired indicates the per-customer lock could not be taken in time.
	ErrLockNotAcquired = errors.New("credit: customer lock not acquired")
)

// InsufficientCreditError reports how much credit was available for a rejected charge.
type InsufficientCreditError struct {
	CustomerID int64
	Available  money.Money
	Required   money.Money
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient available credit: available %s, order total %s", e.Available, e.Required)
}

// Is matches ErrInsufficientCredit.
func (e *InsufficientCreditError) Is(target error) bool {
	return target == ErrInsufficientCredit
}

// CorruptionError describes a detected cache/log mismatch. Incident is safe to show to users;
// the balances are for operators.
type CorruptionError struct {
	CustomerID int64
	Cached     money.Money
	Replayed   money.Money
	Incident   string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("credit: ledger corruption on customer %d (incident %s)", e.CustomerID, e.Incident)
}

// Is matches ErrLedgerCorruption.
func (e *CorruptionError) Is(target error) bool {
	return target == ErrLedgerCorruption
}
