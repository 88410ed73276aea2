// Package memstore is an in-memory credit repository. Each unit of work runs under one mutex
// and its changes are discarded if the callback fails.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/odyssey-erp/wholesale/internal/credit"
	"github.com/odyssey-erp/wholesale/internal/money"
	"github.com/odyssey-erp/wholesale/internal/shared"
)

// Store implements credit.RepositoryPort.
type Store struct {
	mu sync.Mutex

	nextAccount int64
	nextTxn     int64
	nextOutbox  int64
	accounts    map[int64]credit.Account
	txns        []credit.Transaction
	outbox      []shared.OutboxEvent
	audits      []shared.AuditLog
}

var _ credit.RepositoryPort = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{accounts: make(map[int64]credit.Account)}
}

type snapshot struct {
	nextAccount, nextTxn, nextOutbox int64
	accounts                         map[int64]credit.Account
	txns, outbox, audits             int
}

func (s *Store) snapshot() snapshot {
	accounts := make(map[int64]credit.Account, len(s.accounts))
	for id, a := range s.accounts {
		accounts[id] = a
	}
	return snapshot{
		nextAccount: s.nextAccount,
		nextTxn:     s.nextTxn,
		nextOutbox:  s.nextOutbox,
		accounts:    accounts,
		txns:        len(s.txns),
		outbox:      len(s.outbox),
		audits:      len(s.audits),
	}
}

func (s *Store) restore(snap snapshot) {
	s.nextAccount = snap.nextAccount
	s.nextTxn = snap.nextTxn
	s.nextOutbox = snap.nextOutbox
	s.accounts = snap.accounts
	s.txns = s.txns[:snap.txns]
	s.outbox = s.outbox[:snap.outbox]
	s.audits = s.audits[:snap.audits]
}

// Atomic runs fn as one unit of work. It is exported so other in-memory stores can join the
// same unit of work; see orders/memstore.
func (s *Store) Atomic(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	if err := fn(&Tx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// WithTx implements credit.RepositoryPort.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, credit.TxRepository) error) error {
	return s.Atomic(func(tx *Tx) error {
		return fn(ctx, tx)
	})
}

// ListTransactions returns up to limit transactions newest first, strictly after the cursor.
func (s *Store) ListTransactions(_ context.Context, customerID int64, after *credit.Cursor, limit int) ([]credit.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []credit.Transaction
	for _, txn := range s.txns {
		if txn.CustomerID != customerID {
			continue
		}
		if after != nil && !after.Before(txn) {
			continue
		}
		rows = append(rows, txn)
	}
	slices.SortFunc(rows, func(a, b credit.Transaction) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// ListAccountIDs returns every account id in ascending order.
func (s *Store) ListAccountIDs(context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// Tamper shifts the cached balance without writing a transaction. Test helper for corruption paths.
func (s *Store) Tamper(customerID int64, delta money.Money) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[customerID]
	a.CurrentBalance = a.CurrentBalance.Add(delta)
	s.accounts[customerID] = a
}

// Outbox returns a copy of the recorded outbox events.
func (s *Store) Outbox() []shared.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.outbox)
}

// Audits returns a copy of the recorded audit logs.
func (s *Store) Audits() []shared.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.audits)
}

// Tx is the unit-of-work view handed to callbacks. It is only valid inside Atomic.
type Tx struct {
	s *Store
}

var _ credit.TxRepository = (*Tx)(nil)

func (t *Tx) CreateAccount(_ context.Context, in credit.OpenAccountInput, at time.Time) (credit.Account, error) {
	t.s.nextAccount++
	a := credit.Account{
		ID:          t.s.nextAccount,
		Name:        in.Name,
		CreditLimit: in.CreditLimit,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	t.s.accounts[a.ID] = a
	return a, nil
}

func (t *Tx) GetAccount(_ context.Context, customerID int64) (credit.Account, error) {
	a, ok := t.s.accounts[customerID]
	if !ok {
		return credit.Account{}, credit.ErrCustomerNotFound
	}
	return a, nil
}

func (t *Tx) GetAccountForUpdate(ctx context.Context, customerID int64) (credit.Account, error) {
	return t.GetAccount(ctx, customerID)
}

func (t *Tx) FindOrderCharge(_ context.Context, orderID int64) (credit.Transaction, bool, error) {
	for _, txn := range t.s.txns {
		if txn.Kind == credit.KindCharge && txn.OrderID != nil && *txn.OrderID == orderID {
			return txn, true, nil
		}
	}
	return credit.Transaction{}, false, nil
}

func (t *Tx) InsertTransaction(ctx context.Context, txn credit.Transaction) (credit.Transaction, error) {
	if _, ok := t.s.accounts[txn.CustomerID]; !ok {
		return credit.Transaction{}, credit.ErrCustomerNotFound
	}
	if txn.Kind == credit.KindCharge && txn.OrderID != nil {
		if _, found, _ := t.FindOrderCharge(ctx, *txn.OrderID); found {
			return credit.Transaction{}, fmt.Errorf("%w: order %d", credit.ErrAlreadySettled, *txn.OrderID)
		}
	}
	t.s.nextTxn++
	txn.ID = t.s.nextTxn
	if txn.Payment != nil {
		p := *txn.Payment
		txn.Payment = &p
	}
	t.s.txns = append(t.s.txns, txn)
	return txn, nil
}

func (t *Tx) UpdateBalance(_ context.Context, customerID int64, balance money.Money, at time.Time) error {
	a, ok := t.s.accounts[customerID]
	if !ok {
		return credit.ErrCustomerNotFound
	}
	a.CurrentBalance = balance
	a.UpdatedAt = at
	t.s.accounts[customerID] = a
	return nil
}

func (t *Tx) UpdateCreditLimit(_ context.Context, customerID int64, limit money.Money, at time.Time) error {
	a, ok := t.s.accounts[customerID]
	if !ok {
		return credit.ErrCustomerNotFound
	}
	a.CreditLimit = limit
	a.UpdatedAt = at
	t.s.accounts[customerID] = a
	return nil
}

func (t *Tx) AddLoyaltyPoints(_ context.Context, customerID int64, delta int64, at time.Time) (int64, error) {
	a, ok := t.s.accounts[customerID]
	if !ok {
		return 0, credit.ErrCustomerNotFound
	}
	if a.LoyaltyPoints+delta < 0 {
		return 0, fmt.Errorf("%w: have %d, need %d", credit.ErrInsufficientPoints, a.LoyaltyPoints, -delta)
	}
	a.LoyaltyPoints += delta
	a.UpdatedAt = at
	t.s.accounts[customerID] = a
	return a.LoyaltyPoints, nil
}

func (t *Tx) SetFrozen(_ context.Context, customerID int64, frozenAt *time.Time) error {
	a, ok := t.s.accounts[customerID]
	if !ok {
		return credit.ErrCustomerNotFound
	}
	a.FrozenAt = frozenAt
	t.s.accounts[customerID] = a
	return nil
}

func (t *Tx) ReplayBalance(_ context.Context, customerID int64) (money.Money, int64, error) {
	if _, ok := t.s.accounts[customerID]; !ok {
		return money.Zero, 0, credit.ErrCustomerNotFound
	}
	var sum money.Money
	var n int64
	for _, txn := range t.s.txns {
		if txn.CustomerID == customerID {
			sum = sum.Add(txn.Amount)
			n++
		}
	}
	return sum, n, nil
}

func (t *Tx) AppendOutbox(_ context.Context, ev shared.OutboxEvent) error {
	t.s.nextOutbox++
	ev.ID = t.s.nextOutbox
	t.s.outbox = append(t.s.outbox, ev)
	return nil
}

func (t *Tx) RecordAudit(_ context.Context, log shared.AuditLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	t.s.audits = append(t.s.audits, log)
	return nil
}
