// Package settlement computes the monetary breakdown of an order.
package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/wholesale/internal/money"
)

// OrderType enumerates fulfilment modes.
type OrderType string

const (
	OrderTypeDelivery OrderType = "delivery"
	OrderTypePickup   OrderType = "pickup"
)

// Valid reports whether the order type is known.
func (t OrderType) Valid() bool {
	return t == OrderTypeDelivery || t == OrderTypePickup
}

// TaxClassTobacco is the tax class carried by tobacco-flagged products.
const TaxClassTobacco = "tobacco"

var (
	// ErrEmptyOrder indicates an order without items.
	ErrEmptyOrder = errors.New("settlement: order has no items")
	// ErrInvalidItem indicates a non-positive quantity or negative price.
	ErrInvalidItem = errors.New("settlement: invalid item")
	// ErrInvalidOrderType indicates an unsupported order type.
	ErrInvalidOrderType = errors.New("settlement: invalid order type")
	// ErrBrokenChain indicates a breakdown whose fields do not add up.
	ErrBrokenChain = errors.New("settlement: breakdown does not reconcile")
)

// Item is a priced order line as seen by the calculator.
type Item struct {
	ProductID  int64       `json:"product_id"`
	Quantity   int64       `json:"quantity"`
	UnitPrice  money.Money `json:"unit_price"`
	TaxClasses []string    `json:"tax_classes,omitempty"`
	Tobacco    bool        `json:"tobacco"`
}

// LineTotal returns quantity × unit price.
func (i Item) LineTotal() money.Money {
	return i.UnitPrice.MulQty(i.Quantity)
}

// HasTaxClass reports whether the item carries the given class.
func (i Item) HasTaxClass(class string) bool {
	if class == TaxClassTobacco && i.Tobacco {
		return true
	}
	for _, c := range i.TaxClasses {
		if c == class {
			return true
		}
	}
	return false
}

// TaxRule is a flat per-unit tax applied to items of one tax class.
type TaxRule struct {
	Code         string          `toml:"code" json:"code"`
	Label        string          `toml:"label" json:"label"`
	TaxClass     string          `toml:"tax_class" json:"tax_class"`
	PerUnitRate  decimal.Decimal `toml:"per_unit_rate" json:"per_unit_rate"`
	DisplayOrder int             `toml:"display_order" json:"display_order"`
}

// DeliverySettings configures the delivery fee.
type DeliverySettings struct {
	BaseFee       money.Money `toml:"base_fee" json:"base_fee"`
	FreeThreshold money.Money `toml:"free_threshold" json:"free_threshold"`
}

// TaxLine is one emitted flat-tax line.
type TaxLine struct {
	Code   string      `json:"code"`
	Label  string      `json:"label"`
	Amount money.Money `json:"amount"`
}

// Breakdown is the frozen monetary computation of an order.
type Breakdown struct {
	ItemsSubtotal          money.Money `json:"items_subtotal"`
	FlatTaxLines           []TaxLine   `json:"flat_tax_lines"`
	FlatTaxTotal           money.Money `json:"flat_tax_total"`
	SubtotalBeforeDelivery money.Money `json:"subtotal_before_delivery"`
	DeliveryFee            money.Money `json:"delivery_fee"`
	LoyaltyRedeemValue     money.Money `json:"loyalty_redeem_value"`
	Total                  money.Money `json:"total"`
	LoyaltyPointsEarned    int64       `json:"loyalty_points_earned"`
}

// Verify checks that every field is consistent with the derivation chain.
func (b Breakdown) Verify() error {
	var lines money.Money
	for _, l := range b.FlatTaxLines {
		lines = lines.Add(l.Amount)
	}
	switch {
	case lines != b.FlatTaxTotal:
		return fmt.Errorf("%w: tax lines %s != flat tax total %s", ErrBrokenChain, lines, b.FlatTaxTotal)
	case b.ItemsSubtotal.Add(b.FlatTaxTotal) != b.SubtotalBeforeDelivery:
		return fmt.Errorf("%w: subtotal before delivery", ErrBrokenChain)
	case b.SubtotalBeforeDelivery.Add(b.DeliveryFee).Sub(b.LoyaltyRedeemValue) != b.Total:
		return fmt.Errorf("%w: total", ErrBrokenChain)
	case b.Total.IsNegative() || b.LoyaltyRedeemValue.IsNegative():
		return fmt.Errorf("%w: negative amount", ErrBrokenChain)
	}
	return nil
}

// Input collects everything Compute needs.
type Input struct {
	Items       []Item
	TaxRules    []TaxRule
	Delivery    DeliverySettings
	OrderType   OrderType
	RedeemValue money.Money
	EarnRate    decimal.Decimal
}
