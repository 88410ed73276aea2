package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/wholesale/internal/credit"
	"github.com/odyssey-erp/wholesale/internal/observability"
	"github.com/odyssey-erp/wholesale/internal/settlement"
	"github.com/odyssey-erp/wholesale/internal/shared"
)

// RepositoryPort describes order persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id int64) (Order, error)
	ListOrders(ctx context.Context, req ListRequest) ([]Order, int, error)
}

// TxRepository is the unit of work shared by order updates and ledger writes, so an order
// charge and its status change commit together.
type TxRepository interface {
	credit.TxRepository
	InsertOrder(ctx context.Context, order Order) (Order, error)
	GetOrderForUpdate(ctx context.Context, id int64) (Order, error)
	UpdateOrder(ctx context.Context, order Order) error
	ReplaceItems(ctx context.Context, orderID int64, items []Item) error
}

// Service coordinates pricing, order persistence and settlement.
type Service struct {
	repo     RepositoryPort
	ledger   *credit.Service
	catalog  CatalogPort
	settings settlement.SettingsProvider
	metrics  *observability.LedgerMetrics
	logger   *slog.Logger
}

// NewService constructs the order coordinator.
func NewService(repo RepositoryPort, ledger *credit.Service, catalog CatalogPort, settings settlement.SettingsProvider, metrics *observability.LedgerMetrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, ledger: ledger, catalog: catalog, settings: settings, metrics: metrics, logger: logger}
}

// Quote prices an order without saving it. CustomerID is optional; when set the quote
// reports whether the total fits the customer's remaining credit.
func (s *Service) Quote(ctx context.Context, in QuoteInput) (Quote, error) {
	var acct *credit.Account
	if in.CustomerID != 0 {
		a, err := s.ledger.GetAccount(ctx, in.CustomerID)
		if err != nil {
			return Quote{}, err
		}
		acct = &a
	}
	return s.price(ctx, in, acct)
}

func (s *Service) price(ctx context.Context, in QuoteInput, acct *credit.Account) (Quote, error) {
	if in.RedeemPoints < 0 {
		return Quote{}, fmt.Errorf("%w: redeem points must not be negative", ErrInvalidOrder)
	}
	if acct != nil && in.RedeemPoints > acct.LoyaltyPoints {
		return Quote{}, fmt.Errorf("%w: requested %d, balance %d", credit.ErrInsufficientPoints, in.RedeemPoints, acct.LoyaltyPoints)
	}
	items, err := s.resolve(ctx, in.Lines)
	if err != nil {
		return Quote{}, err
	}
	cfg, err := s.settings.Settings(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("orders: load settings: %w", err)
	}
	calc := make([]settlement.Item, 0, len(items))
	for _, it := range items {
		calc = append(calc, it.settlementItem())
	}
	breakdown, err := settlement.Compute(cfg.Input(calc, in.Type, cfg.RedeemValue(in.RedeemPoints)))
	if err != nil {
		return Quote{}, err
	}
	// A clamped redemption is cut back to whole points; the discount must equal the points spent.
	points := min(in.RedeemPoints, cfg.PointsFor(breakdown.LoyaltyRedeemValue))
	if redeemed := cfg.RedeemValue(points); redeemed != breakdown.LoyaltyRedeemValue {
		if breakdown, err = settlement.Compute(cfg.Input(calc, in.Type, redeemed)); err != nil {
			return Quote{}, err
		}
	}
	q := Quote{
		Items:          items,
		Breakdown:      breakdown,
		PointsRedeemed: points,
	}
	if acct != nil {
		q.AvailableCredit = acct.Available()
		q.CanPlaceOnAccount = !acct.Frozen() && credit.CanPlaceOnAccount(acct.CreditLimit, acct.CurrentBalance, breakdown.Total)
	}
	return q, nil
}

func (s *Service) resolve(ctx context.Context, lines []Line) ([]Item, error) {
	if len(lines) == 0 {
		return nil, settlement.ErrEmptyOrder
	}
	ids := make([]int64, 0, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 || l.Quantity > MaxLineQuantity {
			return nil, fmt.Errorf("%w: product %d quantity %d", settlement.ErrInvalidItem, l.ProductID, l.Quantity)
		}
		ids = append(ids, l.ProductID)
	}
	products, err := s.catalog.Products(ctx, ids)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(lines))
	for _, l := range lines {
		p, ok := products[l.ProductID]
		if !ok || !p.Active {
			return nil, fmt.Errorf("%w: %d", ErrProductNotFound, l.ProductID)
		}
		items = append(items, Item{
			ProductID:  p.ID,
			Name:       p.Name,
			Quantity:   l.Quantity,
			UnitPrice:  p.Price,
			TaxClasses: p.TaxClasses,
			Tobacco:    p.Tobacco,
		})
	}
	return items, nil
}

// Create prices and saves a pending order. Loyalty points are only deducted on completion.
func (s *Service) Create(ctx context.Context, in CreateInput) (Order, error) {
	var order Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		acct, err := tx.GetAccount(ctx, in.CustomerID)
		if err != nil {
			return err
		}
		q, err := s.price(ctx, QuoteInput{CustomerID: in.CustomerID, Type: in.Type, Lines: in.Lines, RedeemPoints: in.RedeemPoints}, &acct)
		if err != nil {
			return err
		}
		now := s.ledger.Now()
		order, err = tx.InsertOrder(ctx, Order{
			CustomerID:            in.CustomerID,
			Type:                  in.Type,
			Status:                StatusPending,
			Items:                 q.Items,
			Breakdown:             q.Breakdown,
			LoyaltyPointsRedeemed: q.PointsRedeemed,
			CreatedBy:             in.CreatedBy,
			CreatedAt:             now,
			UpdatedAt:             now,
		})
		if err != nil {
			return err
		}
		return s.emit(ctx, tx, TopicOrderCreated, order, now)
	})
	if err != nil {
		return Order{}, err
	}
	s.logger.Info("order created",
		slog.Int64("order_id", order.ID),
		slog.Int64("customer_id", order.CustomerID),
		slog.String("total", order.Breakdown.Total.FormatMajor()))
	return order, nil
}

// Recalculate reprices a pending order against the current catalog and settings.
func (s *Service) Recalculate(ctx context.Context, id, actor int64) (Order, error) {
	var order Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if order.Status != StatusPending {
			return fmt.Errorf("%w: only pending orders can be recalculated, order is %s", ErrInvalidStatus, order.Status)
		}
		acct, err := tx.GetAccount(ctx, order.CustomerID)
		if err != nil {
			return err
		}
		q, err := s.price(ctx, QuoteInput{CustomerID: order.CustomerID, Type: order.Type, Lines: order.Lines(), RedeemPoints: order.LoyaltyPointsRedeemed}, &acct)
		if err != nil {
			return err
		}
		order.Items = q.Items
		order.Breakdown = q.Breakdown
		order.LoyaltyPointsRedeemed = q.PointsRedeemed
		order.UpdatedAt = s.ledger.Now()
		if err := tx.ReplaceItems(ctx, order.ID, order.Items); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actor,
			Action:   "order.recalculate",
			Entity:   "order",
			EntityID: strconv.FormatInt(order.ID, 10),
			Meta:     map[string]any{"total": order.Breakdown.Total.FormatMajor()},
			At:       order.UpdatedAt,
		})
	})
	return order, err
}

// Transition moves an order along the fulfilment path. Completion and cancellation have
// their own operations because they touch the ledger.
func (s *Service) Transition(ctx context.Context, id int64, to Status, actor int64) (Order, error) {
	if !to.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrInvalidStatus, to)
	}
	if to == StatusCompleted || to == StatusCancelled {
		return Order{}, fmt.Errorf("%w: use the %s operation", ErrInvalidStatus, to)
	}
	var order Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(order.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, order.Status, to)
		}
		from := order.Status
		order.Status = to
		order.UpdatedAt = s.ledger.Now()
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actor,
			Action:   "order.status",
			Entity:   "order",
			EntityID: strconv.FormatInt(order.ID, 10),
			Meta:     map[string]any{"from": string(from), "to": string(to)},
			At:       order.UpdatedAt,
		})
	})
	return order, err
}

// Complete settles the order. For account_credit the charge, the loyalty movement and the
// status change commit in one transaction; a second call on a completed order is a no-op.
func (s *Service) Complete(ctx context.Context, id int64, in CompleteInput) (Order, error) {
	if !in.Method.Valid() {
		return Order{}, fmt.Errorf("%w: unknown payment method %q", ErrInvalidPayment, in.Method)
	}
	if in.Method == PaymentCheck && strings.TrimSpace(in.CheckNumber) == "" {
		return Order{}, fmt.Errorf("%w: check number required", ErrInvalidPayment)
	}
	current, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if current.Status == StatusCompleted {
		return current, nil
	}

	var (
		order  Order
		charge credit.Transaction
		noop   bool
	)
	err = s.ledger.Serialize(ctx, current.CustomerID, "order.complete", func(ctx context.Context) error {
		charge, noop = credit.Transaction{}, false
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			order, err = tx.GetOrderForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if order.Status == StatusCompleted {
				noop = true
				return nil
			}
			if !CanTransition(order.Status, StatusCompleted) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, order.Status, StatusCompleted)
			}
			if in.Method == PaymentAccountCredit && order.Breakdown.Total.IsPositive() {
				charge, err = s.ledger.ChargeInTx(ctx, tx, credit.OrderCharge(order.CustomerID, order.ID, order.Breakdown.Total, in.Actor))
				if err != nil {
					return err
				}
				order.LinkedTransactionID = &charge.ID
			}
			delta := order.Breakdown.LoyaltyPointsEarned - order.LoyaltyPointsRedeemed
			if _, err := s.ledger.AddLoyaltyPointsInTx(ctx, tx, order.CustomerID, delta); err != nil {
				return err
			}
			now := s.ledger.Now()
			order.Status = StatusCompleted
			order.PaymentMethod = in.Method
			order.Payment = PaymentMeta{CheckNumber: strings.TrimSpace(in.CheckNumber), Notes: in.Notes}
			order.CompletedBy = &in.Actor
			order.CompletedAt = &now
			order.UpdatedAt = now
			if err := tx.UpdateOrder(ctx, order); err != nil {
				return err
			}
			return s.emit(ctx, tx, TopicOrderCompleted, order, now)
		})
	})
	if err != nil {
		if errors.Is(err, credit.ErrInsufficientCredit) {
			s.logger.Warn("order completion declined",
				slog.Int64("order_id", id),
				slog.Int64("customer_id", current.CustomerID),
				slog.Any("error", err))
		}
		return Order{}, err
	}
	if noop {
		return order, nil
	}
	s.ledger.Committed(charge)
	s.metrics.OrderCompleted(string(in.Method))
	s.logger.Info("order completed",
		slog.Int64("order_id", order.ID),
		slog.Int64("customer_id", order.CustomerID),
		slog.String("payment_method", string(in.Method)),
		slog.String("total", order.Breakdown.Total.FormatMajor()))
	return order, nil
}

// Cancel cancels a non-terminal order. A ledger charge linked to the order is reversed with
// an adjustment in the same transaction.
func (s *Service) Cancel(ctx context.Context, id int64, reason string, actor int64) (Order, error) {
	current, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return Order{}, err
	}
	var (
		order    Order
		reversal credit.Transaction
	)
	err = s.ledger.Serialize(ctx, current.CustomerID, "order.cancel", func(ctx context.Context) error {
		reversal = credit.Transaction{}
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			order, err = tx.GetOrderForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if !CanTransition(order.Status, StatusCancelled) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, order.Status, StatusCancelled)
			}
			if order.LinkedTransactionID != nil && order.ReversalTransactionID == nil {
				reversal, err = s.reverse(ctx, tx, order, "Reversal for cancelled order", reason, actor)
				if err != nil {
					return err
				}
				order.ReversalTransactionID = &reversal.ID
			}
			now := s.ledger.Now()
			order.Status = StatusCancelled
			order.CancelledAt = &now
			order.CancellationReason = strings.TrimSpace(reason)
			order.UpdatedAt = now
			if err := tx.UpdateOrder(ctx, order); err != nil {
				return err
			}
			return s.emit(ctx, tx, TopicOrderCancelled, order, now)
		})
	})
	if err != nil {
		return Order{}, err
	}
	s.ledger.Committed(reversal)
	s.logger.Info("order cancelled", slog.Int64("order_id", order.ID), slog.String("reason", order.CancellationReason))
	return order, nil
}

// Refund reverses the ledger charge of a completed account_credit order and takes back the
// loyalty movement of its completion. Points already spent are clamped at zero.
func (s *Service) Refund(ctx context.Context, id int64, reason string, actor int64) (Order, error) {
	current, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return Order{}, err
	}
	var (
		order    Order
		reversal credit.Transaction
	)
	err = s.ledger.Serialize(ctx, current.CustomerID, "order.refund", func(ctx context.Context) error {
		reversal = credit.Transaction{}
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			order, err = tx.GetOrderForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if order.ReversalTransactionID != nil {
				return fmt.Errorf("%w: order %d", ErrAlreadyRefunded, order.ID)
			}
			if order.Status != StatusCompleted || order.LinkedTransactionID == nil {
				return fmt.Errorf("%w: only completed account_credit orders are refundable", ErrNotRefundable)
			}
			reversal, err = s.reverse(ctx, tx, order, "Refund for order", reason, actor)
			if err != nil {
				return err
			}
			acct, err := tx.GetAccount(ctx, order.CustomerID)
			if err != nil {
				return err
			}
			delta := max(order.LoyaltyPointsRedeemed-order.Breakdown.LoyaltyPointsEarned, -acct.LoyaltyPoints)
			if _, err := s.ledger.AddLoyaltyPointsInTx(ctx, tx, order.CustomerID, delta); err != nil {
				return err
			}
			now := s.ledger.Now()
			order.ReversalTransactionID = &reversal.ID
			order.UpdatedAt = now
			if err := tx.UpdateOrder(ctx, order); err != nil {
				return err
			}
			err = tx.RecordAudit(ctx, shared.AuditLog{
				ActorID:  actor,
				Action:   "order.refund",
				Entity:   "order",
				EntityID: strconv.FormatInt(order.ID, 10),
				Meta: map[string]any{
					"transaction_id": reversal.ID,
					"amount":         order.Breakdown.Total.FormatMajor(),
					"reason":         strings.TrimSpace(reason),
				},
				At: now,
			})
			if err != nil {
				return err
			}
			return s.emit(ctx, tx, TopicOrderRefunded, order, now)
		})
	})
	if err != nil {
		return Order{}, err
	}
	s.ledger.Committed(reversal)
	s.logger.Info("order refunded", slog.Int64("order_id", order.ID), slog.Int64("transaction_id", reversal.ID))
	return order, nil
}

func (s *Service) reverse(ctx context.Context, tx TxRepository, order Order, label, reason string, actor int64) (credit.Transaction, error) {
	desc := fmt.Sprintf("%s #%d", label, order.ID)
	if r := strings.TrimSpace(reason); r != "" {
		desc += ": " + r
	}
	orderID := order.ID
	return s.ledger.AdjustInTx(ctx, tx, credit.AdjustmentInput{
		CustomerID:  order.CustomerID,
		Amount:      order.Breakdown.Total,
		Description: desc,
		OrderID:     &orderID,
		ProcessedBy: actor,
	})
}

// Get returns one order.
func (s *Service) Get(ctx context.Context, id int64) (Order, error) {
	return s.repo.GetOrder(ctx, id)
}

// List returns a page of orders with pagination metadata.
func (s *Service) List(ctx context.Context, req ListRequest, page int) ([]Order, shared.Pagination, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if page <= 0 {
		page = 1
	}
	req.Offset = (page - 1) * req.Limit
	orders, total, err := s.repo.ListOrders(ctx, req)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return orders, shared.NewPagination(page, req.Limit, total), nil
}

type orderEvent struct {
	OrderID       int64                `json:"order_id"`
	CustomerID    int64                `json:"customer_id"`
	Status        Status               `json:"status"`
	PaymentMethod PaymentMethod        `json:"payment_method,omitempty"`
	Breakdown     settlement.Breakdown `json:"breakdown"`
	TransactionID *int64               `json:"transaction_id,omitempty"`
	At            time.Time            `json:"at"`
}

func (s *Service) emit(ctx context.Context, tx TxRepository, topic string, order Order, at time.Time) error {
	txnID := order.LinkedTransactionID
	if order.ReversalTransactionID != nil {
		txnID = order.ReversalTransactionID
	}
	ev, err := shared.NewOutboxEvent(topic, strconv.FormatInt(order.ID, 10), orderEvent{
		OrderID:       order.ID,
		CustomerID:    order.CustomerID,
		Status:        order.Status,
		PaymentMethod: order.PaymentMethod,
		Breakdown:     order.Breakdown,
		TransactionID: txnID,
		At:            at,
	}, at)
	if err != nil {
		return err
	}
	return tx.AppendOutbox(ctx, ev)
}
