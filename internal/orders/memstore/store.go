// Package memstore keeps orders in memory and joins the in-memory ledger's unit of work, so
// order updates and ledger writes roll back together.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	creditmem "github.com/odyssey-erp/wholesale/internal/credit/memstore"
	"github.com/odyssey-erp/wholesale/internal/orders"
)

// Store implements orders.RepositoryPort.
type Store struct {
	ledger *creditmem.Store

	mu        sync.Mutex
	nextOrder int64
	orders    map[int64]orders.Order
}

var _ orders.RepositoryPort = (*Store)(nil)

// New returns an empty order store bound to ledger.
func New(ledger *creditmem.Store) *Store {
	return &Store{ledger: ledger, orders: make(map[int64]orders.Order)}
}

// WithTx implements orders.RepositoryPort. The ledger lock is always taken before the order lock.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, orders.TxRepository) error) error {
	return s.ledger.Atomic(func(ltx *creditmem.Tx) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		next, saved := s.nextOrder, maps.Clone(s.orders)
		if err := fn(ctx, &Tx{Tx: ltx, s: s}); err != nil {
			s.nextOrder, s.orders = next, saved
			return err
		}
		return nil
	})
}

// GetOrder implements orders.RepositoryPort.
func (s *Store) GetOrder(_ context.Context, id int64) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, fmt.Errorf("%w: %d", orders.ErrOrderNotFound, id)
	}
	return clone(o), nil
}

// ListOrders implements orders.RepositoryPort. Orders are returned newest first.
func (s *Store) ListOrders(_ context.Context, req orders.ListRequest) ([]orders.Order, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []orders.Order
	for _, o := range s.orders {
		if req.CustomerID != 0 && o.CustomerID != req.CustomerID {
			continue
		}
		if req.Status != "" && o.Status != req.Status {
			continue
		}
		rows = append(rows, clone(o))
	}
	slices.SortFunc(rows, func(a, b orders.Order) int { return cmp.Compare(b.ID, a.ID) })
	total := len(rows)
	start := min(req.Offset, total)
	end := total
	if req.Limit > 0 {
		end = min(start+req.Limit, total)
	}
	return rows[start:end], total, nil
}

// Tx extends the ledger unit of work with order writes.
type Tx struct {
	*creditmem.Tx
	s *Store
}

var _ orders.TxRepository = (*Tx)(nil)

func (t *Tx) InsertOrder(_ context.Context, o orders.Order) (orders.Order, error) {
	t.s.nextOrder++
	o.ID = t.s.nextOrder
	t.s.orders[o.ID] = clone(o)
	return o, nil
}

func (t *Tx) GetOrderForUpdate(_ context.Context, id int64) (orders.Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return orders.Order{}, fmt.Errorf("%w: %d", orders.ErrOrderNotFound, id)
	}
	return clone(o), nil
}

func (t *Tx) UpdateOrder(_ context.Context, o orders.Order) error {
	current, ok := t.s.orders[o.ID]
	if !ok {
		return fmt.Errorf("%w: %d", orders.ErrOrderNotFound, o.ID)
	}
	o.Items = current.Items
	t.s.orders[o.ID] = clone(o)
	return nil
}

func (t *Tx) ReplaceItems(_ context.Context, orderID int64, items []orders.Item) error {
	o, ok := t.s.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %d", orders.ErrOrderNotFound, orderID)
	}
	o.Items = slices.Clone(items)
	t.s.orders[orderID] = o
	return nil
}

func clone(o orders.Order) orders.Order {
	o.Items = slices.Clone(o.Items)
	o.Breakdown.FlatTaxLines = slices.Clone(o.Breakdown.FlatTaxLines)
	return o
}
