package credit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/wholesale/internal/credit"
	"github.com/odyssey-erp/wholesale/internal/credit/memstore"
	"github.com/odyssey-erp/wholesale/internal/money"
)

const adminID = int64(1)

func newLedger(t *testing.T, opts credit.Options) (*credit.Service, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	svc := credit.NewService(store, credit.NewLocalLocker(2*time.Second), opts, nil, nil)
	return svc, store
}

func openAccount(t *testing.T, svc *credit.Service, limit string) credit.Account {
	t.Helper()
	acct, err := svc.OpenAccount(context.Background(), credit.OpenAccountInput{
		Name:        "Corner Market",
		CreditLimit: money.MustParse(limit),
		ProcessedBy: adminID,
	})
	require.NoError(t, err)
	return acct
}

func orderID(id int64) *int64 { return &id }

func TestLedgerReplayMatchesCachedBalance(t *testing.T) {
	ctx := context.Background()
	svc, _ := newLedger(t, credit.DefaultOptions())
	acct := openAccount(t, svc, "1000.00")

	_, err := svc.ApplyCharge(ctx, credit.ChargeInput{CustomerID: acct.ID, Amount: money.MustParse("250.00"), OrderID: orderID(10), ProcessedBy: adminID})
	require.NoError(t, err)
	_, err = svc.ApplyPayment(ctx, credit.PaymentInput{CustomerID: acct.ID, Amount: money.MustParse("100.00"), Method: credit.MethodCheck, Reference: "1042", ProcessedBy: adminID})
	require.NoError(t, err)
	_, err = svc.ApplyAdjustment(ctx, credit.AdjustmentInput{CustomerID: acct.ID, Amount: money.MustParse("-12.34"), Description: "late fee", ProcessedBy: adminID})
	require.NoError(t, err)
	_, err = svc.ApplyPayment(ctx, credit.PaymentInput{CustomerID: acct.ID, Amount: money.MustParse("300.00"), Method: credit.MethodCash, ProcessedBy: adminID})
	require.NoError(t, err)

	balance, err := svc.GetBalance(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, money.MustParse("137.66"), balance)

	var sum money.Money
	for txn, err := range svc.History(ctx, acct.ID, 2) {
		require.NoError(t, err)
		require.NoError(t, txn.Validate())
		sum = sum.Add(txn.Amount)
	}
	require.Equal(t, balance, sum)

	rec, err := svc.Verify(ctx, acct.ID)
	require.NoError(t, err)
	require.True(t, rec.Consistent())
	require.Equal(t, int64(4), rec.TransactionCount)
}

func TestLedgerWritesConserveBalance(t *testing.T) {
	ctx := context.Background()
	svc, _ := newLedger(t, credit.DefaultOptions())
	acct := openAccount(t, svc, "500.00")

	before, err := svc.GetBalance(ctx, acct.ID)
	require.NoError(t, err)
	txn, err := svc.ApplyCharge(ctx, credit.ChargeInput{CustomerID: acct.ID, Amount: money.MustParse("42.10"), ProcessedBy: adminID})
	require.NoError(t, err)
	require.Equal(t, credit.KindCharge, txn.Kind)
	require.Equal(t, money.MustParse("-42.10"), txn.Amount)

	after, err := svc.GetBalance(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, before.Add(txn.Amount), after)
}

func TestChargeRejectedOverLimit(t *testing.T) {
	ctx := context.Background()
	svc, store := newLedger(t, credit.DefaultOptions())
	acct := openAccount(t, svc, "500.00")

	_, err := svc.ApplyCharge(ctx, credit.ChargeInput{CustomerID: acct.ID, Amount: money.MustParse("480.00"), ProcessedBy: adminID})
	require.NoError(t, err)

	_, err = svc.ApplyCharge(ctx, credit.ChargeInput{CustomerID: acct.ID, Amount: money.MustParse("30.00"), OrderID: orderID(7), ProcessedBy: adminID})
	require.ErrorIs(t, err, credit.ErrInsufficientCredit)
	var insufficient *credit.InsufficientCreditError
	require.True(t, errors.As(err, &insufficient))
	require.Equal(t, money.MustParse("20.00"), insufficient.Available)
	require.Equal(t, money.MustParse("30.00"), insufficient.Required)
	require.Equal(t, "insufficient available credit: available $20.00, order total $30.00", insufficient.Error())

	balance, err := svc.GetBalance(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, money.MustParse("-480.00"), balance)
	require.Len(t, store.Outbox(), 1)
}

func TestAdminOverrideChargesPastLimit(t *testing.T) {
	ctx := context.Background()
	svc, store := newLedger(t, credit.DefaultOptions())
	acct := openAccount(t, svc, "50.00")

	_, err := svc.ApplyCharge(ctx, credit.ChargeInput{CustomerID: acct.ID, Amount: money.MustParse("80.00"), Description: "pallet deposit", ProcessedBy: adminID, Override: true})
	require.NoError(t, err)

	got, err := svc.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	require.True(t, credit.IsOverLimit(got.CreditLimit, got.CurrentBalance))

	audits := store.Audits()
	require.Equal(t, "credit.charge.manual", audits[len(audits)-1].Action)
	require.Equal(t, true, audits[len(audits)-1].Meta["override"])
}

func TestOrderChargeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newLedger(t, credit.DefaultOptions())
	acct := openAccount(t, svc, "500.00")

	in := credit.OrderCharge(acct.ID, 99, money.MustParse("104.00"), adminID)
	_, err := svc.ApplyCharge(ctx, in)
	require.NoError(t, err)

	_, err = svc.ApplyCharge(ctx, in)
	require.ErrorIs(t, err, credit.ErrAlreadySettled)

	balance, err := svc.GetBalance(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, money.MustParse("-104.00"), balance)
}

func TestPaymentValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newLedger(t, credit.DefaultOptions())
	acct := openAccount(t, svc, "500.00")

	_, err := svc.ApplyPayment(ctx, credit.PaymentInput{CustomerID: acct.ID, Amount: money.Zero, Method: credit.MethodCash})
	require.ErrorIs(t, err, credit.ErrInvalidAmount)

	_, err = svc.ApplyPayment(ctx, credit.PaymentInput{CustomerID: acct.ID, Amount: money.MustParse("10.00"), Method: credit.MethodCheck})
	require.ErrorIs(t, err, credit.ErrInvalidAmount)

	_, err = svc.ApplyPayment(ctx, credit.PaymentInput{CustomerID: acct.ID, Amount: money.MustParse("10.00"), Method: "barter"})
	require.ErrorIs(t, err, credit.ErrInvalidTransaction)

	_, err = svc.ApplyPayment(ctx, credit.PaymentInput{CustomerID: 404, Amount: money.MustParse("10.00"), Method: credit.MethodCash})
	require.ErrorIs(t, err, credit.ErrCustomerNotFound)

	// Overpayment turns into prepaid credit by default.
	txn, err := svc.ApplyPayment(ctx, credit.PaymentInput{CustomerID: acct.ID, Amount: money.MustParse("25.00"), Method: credit.MethodElectronic, Notes: "ACH"})
	require.NoError(t, err)
	require.Equal(t, credit.MethodElectronic, txn.Payment.Method)
	balance, err := svc.GetBalance(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, money.MustParse("25.00"), balance)
}

func TestOverpaymentRejectedWhenDisabled(t *testing.T) {
	ctx := context.Background()
	opts := credit.DefaultOptions()
	opts.AllowOverpayment = false
	svc, _ := newLedger(t, opts)
	acct := openAccount(t, svc, "500.00")

	_, err := svc.ApplyCharge(ctx, credit.ChargeInput{CustomerID: acct.ID, Amount: money.MustParse("40.00"), ProcessedBy: adminID})
	require.NoError(t, err)

	_, err = svc.ApplyPayment(ctx, credit.PaymentInput{CustomerID: acct.ID, Amount: money.MustParse("40.01"), Method: credit.MethodCash})
	require.ErrorIs(t, err, credit.ErrOverpayment)
	require.ErrorIs(t, err, credit.ErrInvalidAmount)

	_, err = svc.ApplyPayment(ctx, credit.PaymentInput{CustomerID: acct.ID, Amount: money.MustParse("40.00"), Method: credit.MethodCash})
	require.NoError(t, err)
}

func TestBalanceOutOfRangeRejectedWithoutWriting(t *testing.T) {
	ctx := context.Background()
	svc, _ := newLedger(t, credit.DefaultOptions())
	acct := openAccount(t, svc, "0.00")

	_, err := svc.ApplyPayment(ctx, credit.PaymentInput{CustomerID: acct.ID, Amount: money.MaxAmount, Method: credit.MethodElectronic, ProcessedBy: adminID})
	require.NoError(t, err)
	_, err = svc.ApplyPayment(ctx, credit.PaymentInput{CustomerID: acct.ID, Amount: money.Cents(1), Method: credit.MethodCash, ProcessedBy: adminID})
	require.ErrorIs(t, err, credit.ErrInvalidAmount)
	require.ErrorIs(t, err, money.ErrOverflow)

	rec, err := svc.Verify(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, money.MaxAmount, rec.CachedBalance)
	require.Equal(t, int64(1), rec.TransactionCount)

	other := openAccount(t, svc, "0.00")
	_, err = svc.ApplyCharge(ctx, credit.ChargeInput{CustomerID: other.ID, Amount: money.MaxAmount, Override: true, ProcessedBy: adminID})
	require.NoError(t, err)
	_, err = svc.ApplyCharge(ctx, credit.ChargeInput{CustomerID: other.ID, Amount: money.Cents(1), Override: true, ProcessedBy: adminID})
	require.ErrorIs(t, err, credit.ErrInvalidAmount)
	balance, err := svc.GetBalance(ctx, other.ID)
	require.NoError(t, err)
	require.Equal(t, money.MaxAmount.Neg(), balance)
}

func TestAdjustmentRequiresDescription(t *testing.T) {
	ctx := context.Background()
	svc, store := newLedger(t, credit.DefaultOptions())
	acct := openAccount(t, svc, "0")

	_, err := svc.ApplyAdjustment(ctx, credit.AdjustmentInput{CustomerID: acct.ID, Amount: money.MustParse("5.00")})
	require.ErrorIs(t, err, credit.ErrInvalidTransaction)
	_, err = svc.ApplyAdjustment(ctx, credit.AdjustmentInput{CustomerID: acct.ID, Description: "noop"})
	require.ErrorIs(t, err, credit.ErrInvalidAmount)

	_, err = svc.ApplyAdjustment(ctx, credit.AdjustmentInput{CustomerID: acct.ID, Amount: money.MustParse("-7.50"), Description: "damaged goods rebill", ProcessedBy: adminID})
	require.NoError(t, err)
	audits := store.Audits()
	require.Equal(t, "credit.adjustment", audits[len(audits)-1].Action)
}

func TestConcurrentChargesNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	svc, _ := newLedger(t, credit.DefaultOptions())
	acct := openAccount(t, svc, "100.00")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.ApplyCharge(ctx, credit.OrderCharge(acct.ID, int64(1000+i), money.MustParse("10.00"), adminID))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, credit.ErrInsufficientCredit):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 10, accepted)
	require.Equal(t, 10, rejected)
	balance, err := svc.GetBalance(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, money.MustParse("-100.00"), balance)
}

func TestCorruptionFreezesAccountUntilReconciled(t *testing.T) {
	ctx := context.Background()
	svc, store := newLedger(t, credit.DefaultOptions())
	acct := openAccount(t, svc, "500.00")
	_, err := svc.ApplyCharge(ctx, credit.ChargeInput{CustomerID: acct.ID, Amount: money.MustParse("60.00"), ProcessedBy: adminID})
	require.NoError(t, err)

	store.Tamper(acct.ID, money.MustParse("5.00"))

	_, err = svc.GetBalance(ctx, acct.ID)
	require.ErrorIs(t, err, credit.ErrLedgerCorruption)
	var corruption *credit.CorruptionError
	require.True(t, errors.As(err, &corruption))
	require.NotEmpty(t, corruption.Incident)
	require.Equal(t, money.MustParse("-55.00"), corruption.Cached)
	require.Equal(t, money.MustParse("-60.00"), corruption.Replayed)

	got, err := svc.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	require.True(t, got.Frozen())

	_, err = svc.ApplyPayment(ctx, credit.PaymentInput{CustomerID: acct.ID, Amount: money.MustParse("10.00"), Method: credit.MethodCash})
	require.ErrorIs(t, err, credit.ErrLedgerCorruption)

	rec, err := svc.Reconcile(ctx, acct.ID, adminID)
	require.NoError(t, err)
	require.True(t, rec.Frozen)
	require.Equal(t, money.MustParse("-60.00"), rec.ReplayedBalance)

	balance, err := svc.GetBalance(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, money.MustParse("-60.00"), balance)
	_, err = svc.ApplyPayment(ctx, credit.PaymentInput{CustomerID: acct.ID, Amount: money.MustParse("10.00"), Method: credit.MethodCash})
	require.NoError(t, err)

	var topics []string
	for _, ev := range store.Outbox() {
		topics = append(topics, ev.Topic)
	}
	require.Contains(t, topics, credit.TopicAccountFrozen)
}

func TestHistoryPagesNewestFirstAndRestart(t *testing.T) {
	ctx := context.Background()
	svc, _ := newLedger(t, credit.DefaultOptions())
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.WithNow(func() time.Time { return fixed })
	acct := openAccount(t, svc, "0")

	for i := 0; i < 7; i++ {
		_, err := svc.ApplyPayment(ctx, credit.PaymentInput{CustomerID: acct.ID, Amount: money.Dollars(int64(i + 1)), Method: credit.MethodCash})
		require.NoError(t, err)
	}

	first, err := svc.HistoryPage(ctx, acct.ID, credit.PageRequest{Size: 3})
	require.NoError(t, err)
	require.Len(t, first.Transactions, 3)
	require.Equal(t, money.Dollars(7), first.Transactions[0].Amount)
	require.NotEmpty(t, first.NextToken)

	second, err := svc.HistoryPage(ctx, acct.ID, credit.PageRequest{Token: first.NextToken, Size: 3})
	require.NoError(t, err)
	require.Equal(t, money.Dollars(4), second.Transactions[0].Amount)

	// A token can be replayed from a fresh service with the same result.
	again, err := svc.HistoryPage(ctx, acct.ID, credit.PageRequest{Token: first.NextToken, Size: 3})
	require.NoError(t, err)
	require.Equal(t, second, again)

	third, err := svc.HistoryPage(ctx, acct.ID, credit.PageRequest{Token: second.NextToken, Size: 3})
	require.NoError(t, err)
	require.Len(t, third.Transactions, 1)
	require.Empty(t, third.NextToken)

	_, err = svc.HistoryPage(ctx, acct.ID, credit.PageRequest{Token: "%%%"})
	require.ErrorIs(t, err, credit.ErrInvalidPageToken)
	_, err = svc.HistoryPage(ctx, 404, credit.PageRequest{})
	require.ErrorIs(t, err, credit.ErrCustomerNotFound)
}

func TestSetCreditLimit(t *testing.T) {
	ctx := context.Background()
	svc, _ := newLedger(t, credit.DefaultOptions())
	acct := openAccount(t, svc, "100.00")

	_, err := svc.SetCreditLimit(ctx, acct.ID, money.MustParse("-1.00"), adminID)
	require.ErrorIs(t, err, credit.ErrInvalidAmount)

	updated, err := svc.SetCreditLimit(ctx, acct.ID, money.MustParse("750.00"), adminID)
	require.NoError(t, err)
	require.Equal(t, money.MustParse("750.00"), updated.CreditLimit)
	require.Equal(t, money.MustParse("750.00"), updated.Available())
}
