// Package orders persists wholesale orders with their frozen settlement and settles them
// against the credit ledger on completion.
package orders

import (
	"errors"
	"slices"
	"time"

	"github.com/odyssey-erp/wholesale/internal/money"
	"github.com/odyssey-erp/wholesale/internal/settlement"
)

// Status enumerates the order lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusReady, StatusShipped},
	StatusReady:      {StatusDelivered, StatusCompleted},
	StatusShipped:    {StatusDelivered, StatusCompleted},
	StatusDelivered:  {StatusCompleted},
}

// Statuses lists the lifecycle in order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusReady, StatusShipped, StatusDelivered, StatusCompleted, StatusCancelled}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return slices.Contains(Statuses, s) }

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether from -> to is allowed. Cancellation is allowed from every
// non-terminal status.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PaymentMethod enumerates how an order was paid at completion.
type PaymentMethod string

const (
	PaymentCash          PaymentMethod = "cash"
	PaymentCheck         PaymentMethod = "check"
	PaymentCredit        PaymentMethod = "credit"
	PaymentAccountCredit PaymentMethod = "account_credit"
)

// PaymentMethods lists how an order can be settled.
var PaymentMethods = []PaymentMethod{PaymentCash, PaymentCheck, PaymentCredit, PaymentAccountCredit}

// Valid reports whether m is a known method.
func (m PaymentMethod) Valid() bool { return slices.Contains(PaymentMethods, m) }

var (
	ErrOrderNotFound   = errors.New("orders: order not found")
	ErrProductNotFound = errors.New("orders: product not found")
	ErrInvalidStatus   = errors.New("orders: status transition not allowed")
	ErrInvalidPayment  = errors.New("orders: invalid payment details")
	ErrInvalidOrder    = errors.New("orders: invalid order")
	ErrNotRefundable   = errors.New("orders: order cannot be refunded")
	ErrAlreadyRefunded = errors.New("orders: order already refunded")
)

// Item is an order line with the price and tax classes captured at order time.
type Item struct {
	ProductID  int64
	Name       string
	Quantity   int64
	UnitPrice  money.Money
	TaxClasses []string
	Tobacco    bool
}

func (i Item) settlementItem() settlement.Item {
	return settlement.Item{
		ProductID:  i.ProductID,
		Quantity:   i.Quantity,
		UnitPrice:  i.UnitPrice,
		TaxClasses: i.TaxClasses,
		Tobacco:    i.Tobacco,
	}
}

// PaymentMeta is recorded on the order at completion.
type PaymentMeta struct {
	CheckNumber string
	Notes       string
}

// Order is a customer order with its frozen settlement breakdown.
type Order struct {
	ID                    int64
	CustomerID            int64
	Type                  settlement.OrderType
	Status                Status
	Items                 []Item
	PaymentMethod         PaymentMethod
	Payment               PaymentMeta
	Breakdown             settlement.Breakdown
	LoyaltyPointsRedeemed int64
	LinkedTransactionID   *int64
	ReversalTransactionID *int64
	CreatedBy             int64
	CompletedBy           *int64
	CompletedAt           *time.Time
	CancelledAt           *time.Time
	CancellationReason    string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Lines returns the product/quantity pairs the order was built from.
func (o Order) Lines() []Line {
	lines := make([]Line, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, Line{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return lines
}

// MaxLineQuantity bounds the units on one order line.
const MaxLineQuantity = 1_000_000

// Line requests a quantity of one product.
type Line struct {
	ProductID int64
	Quantity  int64
}

// QuoteInput describes an order to price.
type QuoteInput struct {
	CustomerID   int64
	Type         settlement.OrderType
	Lines        []Line
	RedeemPoints int64
}

// Quote is a priced, unsaved order.
type Quote struct {
	Items             []Item
	Breakdown         settlement.Breakdown
	PointsRedeemed    int64
	CanPlaceOnAccount bool
	AvailableCredit   money.Money
}

// CreateInput places a new order.
type CreateInput struct {
	CustomerID   int64
	Type         settlement.OrderType
	Lines        []Line
	RedeemPoints int64
	CreatedBy    int64
}

// CompleteInput records how the order was paid.
type CompleteInput struct {
	Method      PaymentMethod
	CheckNumber string
	Notes       string
	Actor       int64
}

// ListRequest filters the order listing.
type ListRequest struct {
	CustomerID int64
	Status     Status
	Limit      int
	Offset     int
}

// Event topics written to the outbox.
const (
	TopicOrderCreated   = "order.created"
	TopicOrderCompleted = "order.completed"
	TopicOrderCancelled = "order.cancelled"
	TopicOrderRefunded  = "order.refunded"
)
