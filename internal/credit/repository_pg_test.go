package credit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"

	"github.com/odyssey-erp/wholesale/internal/credit"
	"github.com/odyssey-erp/wholesale/internal/money"
	"github.com/odyssey-erp/wholesale/internal/platform/db/dbtest"
	"github.com/odyssey-erp/wholesale/internal/shared"
)

// PostgresLedgerSuite runs the ledger against the real schema.
type PostgresLedgerSuite struct {
	suite.Suite
	ctx  context.Context
	pool *pgxpool.Pool
	repo *credit.Repository
	svc  *credit.Service
}

func TestPostgresLedgerSuite(t *testing.T) {
	suite.Run(t, &PostgresLedgerSuite{pool: dbtest.Open(t)})
}

func (s *PostgresLedgerSuite) SetupTest() {
	s.ctx = context.Background()
	s.repo = credit.NewRepository(s.pool, 2*time.Second)
	s.svc = credit.NewService(s.repo, credit.NewLocalLocker(5*time.Second), credit.DefaultOptions(), nil, nil)
}

func (s *PostgresLedgerSuite) open(limit string) credit.Account {
	acct, err := s.svc.OpenAccount(s.ctx, credit.OpenAccountInput{Name: "Harbor Deli", CreditLimit: money.MustParse(limit), ProcessedBy: adminID})
	s.Require().NoError(err)
	return acct
}

func (s *PostgresLedgerSuite) insert(txn credit.Transaction) error {
	return s.repo.WithTx(s.ctx, func(ctx context.Context, tx credit.TxRepository) error {
		_, err := tx.InsertTransaction(ctx, txn)
		return err
	})
}

func (s *PostgresLedgerSuite) TestPaymentMethodsPersist() {
	acct := s.open("500.00")
	_, err := s.svc.ApplyCharge(s.ctx, credit.ChargeInput{CustomerID: acct.ID, Amount: money.MustParse("120.00"), OrderID: orderID(7), ProcessedBy: adminID})
	s.Require().NoError(err)

	refs := map[credit.PaymentMethod]string{credit.MethodCash: "", credit.MethodCheck: "1042", credit.MethodElectronic: "ACH-881"}
	for _, method := range credit.PaymentMethods {
		_, err := s.svc.ApplyPayment(s.ctx, credit.PaymentInput{CustomerID: acct.ID, Amount: money.MustParse("10.00"), Method: method, Reference: refs[method], ProcessedBy: adminID})
		s.Require().NoError(err, method)
	}

	page, err := s.svc.HistoryPage(s.ctx, acct.ID, credit.PageRequest{Size: 10})
	s.Require().NoError(err)
	s.Require().Len(page.Transactions, 4)
	latest := page.Transactions[0]
	s.Require().Equal(credit.KindPayment, latest.Kind)
	s.Require().Equal(credit.MethodElectronic, latest.Payment.Method)
	s.Require().Equal("ACH-881", latest.Payment.Reference)

	balance, err := s.svc.GetBalance(s.ctx, acct.ID)
	s.Require().NoError(err)
	s.Require().Equal(money.MustParse("-90.00"), balance)
}

func (s *PostgresLedgerSuite) TestSchemaRejectsCheckWithoutReference() {
	acct := s.open("0.00")
	err := s.insert(credit.Transaction{
		CustomerID:  acct.ID,
		Kind:        credit.KindPayment,
		Amount:      money.MustParse("10.00"),
		Payment:     &credit.PaymentDetails{Method: credit.MethodCheck},
		ProcessedBy: adminID,
		CreatedAt:   time.Now(),
	})
	s.Require().ErrorIs(err, credit.ErrInvalidTransaction)
}

func (s *PostgresLedgerSuite) TestOrderChargedOnceByUniqueIndex() {
	acct := s.open("500.00")
	charge := credit.Transaction{CustomerID: acct.ID, Kind: credit.KindCharge, Amount: money.MustParse("-10.00"), OrderID: orderID(99), ProcessedBy: adminID, CreatedAt: time.Now()}
	s.Require().NoError(s.insert(charge))
	s.Require().ErrorIs(s.insert(charge), credit.ErrAlreadySettled)

	_, err := s.svc.ApplyCharge(s.ctx, credit.ChargeInput{CustomerID: acct.ID, Amount: money.MustParse("10.00"), OrderID: orderID(99), ProcessedBy: adminID})
	s.Require().ErrorIs(err, credit.ErrAlreadySettled)
}

func (s *PostgresLedgerSuite) TestTransactionsAreAppendOnly() {
	acct := s.open("100.00")
	_, err := s.svc.ApplyAdjustment(s.ctx, credit.AdjustmentInput{CustomerID: acct.ID, Amount: money.MustParse("5.00"), Description: "goodwill", ProcessedBy: adminID})
	s.Require().NoError(err)

	_, err = s.pool.Exec(s.ctx, `UPDATE credit_transactions SET amount_cents = 1 WHERE customer_id = $1`, acct.ID)
	s.Require().Error(err)
	_, err = s.pool.Exec(s.ctx, `DELETE FROM credit_transactions WHERE customer_id = $1`, acct.ID)
	s.Require().Error(err)
}

func (s *PostgresLedgerSuite) TestHistoryPagesAreRestartable() {
	acct := s.open("100.00")
	for i := 1; i <= 5; i++ {
		_, err := s.svc.ApplyAdjustment(s.ctx, credit.AdjustmentInput{CustomerID: acct.ID, Amount: money.Cents(int64(i)), Description: "rebate", ProcessedBy: adminID})
		s.Require().NoError(err)
	}

	var (
		ids   []int64
		token string
	)
	for {
		// A fresh service per page: the token alone carries the position.
		svc := credit.NewService(credit.NewRepository(s.pool, time.Second), nil, credit.DefaultOptions(), nil, nil)
		page, err := svc.HistoryPage(s.ctx, acct.ID, credit.PageRequest{Token: token, Size: 2})
		s.Require().NoError(err)
		for _, txn := range page.Transactions {
			ids = append(ids, txn.ID)
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}
	s.Require().Len(ids, 5)
	for i := 1; i < len(ids); i++ {
		s.Require().Greater(ids[i-1], ids[i])
	}
}

func (s *PostgresLedgerSuite) TestTamperedBalanceFreezesUntilReconciled() {
	acct := s.open("100.00")
	_, err := s.svc.ApplyCharge(s.ctx, credit.ChargeInput{CustomerID: acct.ID, Amount: money.MustParse("40.00"), ProcessedBy: adminID})
	s.Require().NoError(err)

	_, err = s.pool.Exec(s.ctx, `UPDATE customers SET balance_cents = balance_cents + 100 WHERE id = $1`, acct.ID)
	s.Require().NoError(err)

	_, err = s.svc.Verify(s.ctx, acct.ID)
	s.Require().ErrorIs(err, credit.ErrLedgerCorruption)
	frozen, err := s.svc.GetAccount(s.ctx, acct.ID)
	s.Require().NoError(err)
	s.Require().NotNil(frozen.FrozenAt)

	_, err = s.svc.ApplyPayment(s.ctx, credit.PaymentInput{CustomerID: acct.ID, Amount: money.MustParse("1.00"), Method: credit.MethodCash, ProcessedBy: adminID})
	s.Require().ErrorIs(err, credit.ErrLedgerCorruption)

	rec, err := s.svc.Reconcile(s.ctx, acct.ID, adminID)
	s.Require().NoError(err)
	s.Require().Equal(money.MustParse("-40.00"), rec.ReplayedBalance)
	balance, err := s.svc.GetBalance(s.ctx, acct.ID)
	s.Require().NoError(err)
	s.Require().Equal(money.MustParse("-40.00"), balance)
}

func (s *PostgresLedgerSuite) TestConcurrentChargesNeverOverdraw() {
	acct := s.open("100.00")
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.svc.ApplyCharge(s.ctx, credit.ChargeInput{CustomerID: acct.ID, Amount: money.MustParse("30.00"), ProcessedBy: adminID})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Require().Equal(3, accepted)
	balance, err := s.svc.GetBalance(s.ctx, acct.ID)
	s.Require().NoError(err)
	s.Require().Equal(money.MustParse("-90.00"), balance)
}

func (s *PostgresLedgerSuite) TestWritesEmitOutboxEvents() {
	acct := s.open("100.00")
	_, err := s.svc.ApplyPayment(s.ctx, credit.PaymentInput{CustomerID: acct.ID, Amount: money.MustParse("25.00"), Method: credit.MethodElectronic, ProcessedBy: adminID})
	s.Require().NoError(err)

	outbox := shared.NewPGOutbox(s.pool)
	var published int64
	err = outbox.WithOutboxTx(s.ctx, func(ctx context.Context, tx shared.OutboxTx) error {
		events, err := tx.FetchPending(ctx, 500, 10)
		if err != nil {
			return err
		}
		s.Require().NotEmpty(events)
		published = events[0].ID
		return tx.MarkPublished(ctx, published, time.Now())
	})
	s.Require().NoError(err)

	err = outbox.WithOutboxTx(s.ctx, func(ctx context.Context, tx shared.OutboxTx) error {
		events, err := tx.FetchPending(ctx, 500, 10)
		if err != nil {
			return err
		}
		for _, ev := range events {
			s.Require().NotEqual(published, ev.ID)
		}
		return nil
	})
	s.Require().NoError(err)
}
