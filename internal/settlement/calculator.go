package settlement

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/wholesale/internal/money"
)

// DefaultEarnRate is the share of non-tobacco spend, in major units, accrued as loyalty points.
var DefaultEarnRate = decimal.RequireFromString("0.02")

// Compute derives the order breakdown. It has no side effects and is safe for concurrent use.
//
// The order of steps is fixed: subtotal, flat taxes, delivery fee, loyalty redemption, total,
// points earned.
func Compute(in Input) (Breakdown, error) {
	if len(in.Items) == 0 {
		return Breakdown{}, ErrEmptyOrder
	}
	if !in.OrderType.Valid() {
		return Breakdown{}, fmt.Errorf("%w: %q", ErrInvalidOrderType, in.OrderType)
	}
	for _, item := range in.Items {
		if item.Quantity <= 0 || item.UnitPrice.IsNegative() {
			return Breakdown{}, fmt.Errorf("%w: product %d", ErrInvalidItem, item.ProductID)
		}
	}

	var (
		b   Breakdown
		err error
	)
	for _, item := range in.Items {
		line, err := item.UnitPrice.CheckedMulQty(item.Quantity)
		if err != nil {
			return Breakdown{}, fmt.Errorf("%w: product %d: %w", ErrInvalidItem, item.ProductID, err)
		}
		if b.ItemsSubtotal, err = b.ItemsSubtotal.CheckedAdd(line); err != nil {
			return Breakdown{}, fmt.Errorf("%w: items subtotal: %w", ErrInvalidItem, err)
		}
	}

	if b.FlatTaxLines, err = taxLines(in.Items, in.TaxRules); err != nil {
		return Breakdown{}, err
	}
	for _, line := range b.FlatTaxLines {
		if b.FlatTaxTotal, err = b.FlatTaxTotal.CheckedAdd(line.Amount); err != nil {
			return Breakdown{}, fmt.Errorf("%w: flat tax total: %w", ErrInvalidItem, err)
		}
	}

	if b.SubtotalBeforeDelivery, err = b.ItemsSubtotal.CheckedAdd(b.FlatTaxTotal); err != nil {
		return Breakdown{}, fmt.Errorf("%w: subtotal: %w", ErrInvalidItem, err)
	}
	b.DeliveryFee = deliveryFee(in.OrderType, b.SubtotalBeforeDelivery, in.Delivery)

	ceiling, err := b.SubtotalBeforeDelivery.CheckedAdd(b.DeliveryFee)
	if err != nil {
		return Breakdown{}, fmt.Errorf("%w: subtotal with delivery: %w", ErrInvalidItem, err)
	}
	b.LoyaltyRedeemValue = money.Min(money.Max(in.RedeemValue, money.Zero), ceiling)
	b.Total = ceiling.Sub(b.LoyaltyRedeemValue)

	if b.LoyaltyPointsEarned, err = pointsEarned(in.Items, in.EarnRate); err != nil {
		return Breakdown{}, err
	}
	return b, nil
}

func taxLines(items []Item, rules []TaxRule) ([]TaxLine, error) {
	ordered := make([]TaxRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].DisplayOrder != ordered[j].DisplayOrder {
			return ordered[i].DisplayOrder < ordered[j].DisplayOrder
		}
		return ordered[i].Code < ordered[j].Code
	})

	lines := make([]TaxLine, 0, len(ordered))
	seen := make(map[string]bool, len(ordered))
	for _, rule := range ordered {
		if seen[rule.Code] {
			continue
		}
		seen[rule.Code] = true
		var units int64
		matched := false
		for _, item := range items {
			if item.HasTaxClass(rule.TaxClass) {
				if units > math.MaxInt64-item.Quantity {
					return nil, fmt.Errorf("%w: %s units: %w", ErrInvalidItem, rule.Code, money.ErrOverflow)
				}
				units += item.Quantity
				matched = true
			}
		}
		if !matched {
			continue
		}
		amount, err := money.MulRate(units, rule.PerUnitRate)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidItem, rule.Code, err)
		}
		lines = append(lines, TaxLine{Code: rule.Code, Label: rule.Label, Amount: amount})
	}
	return lines, nil
}

func deliveryFee(orderType OrderType, subtotal money.Money, settings DeliverySettings) money.Money {
	if orderType == OrderTypePickup {
		return money.Zero
	}
	if subtotal >= settings.FreeThreshold {
		return money.Zero
	}
	return settings.BaseFee
}

var maxPoints = decimal.NewFromInt(math.MaxInt64)

// pointsEarned runs after the subtotal has been computed with overflow checks, so the
// non-tobacco share cannot overflow.
func pointsEarned(items []Item, rate decimal.Decimal) (int64, error) {
	var eligible money.Money
	for _, item := range items {
		if item.Tobacco {
			continue
		}
		eligible = eligible.Add(item.LineTotal())
	}
	if !eligible.IsPositive() || !rate.IsPositive() {
		return 0, nil
	}
	points := eligible.Decimal().Mul(rate).Floor()
	if points.GreaterThan(maxPoints) {
		return 0, fmt.Errorf("%w: loyalty points: %w", ErrInvalidItem, money.ErrOverflow)
	}
	return points.IntPart(), nil
}
