package settlement

import (
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/wholesale/internal/money"
)

var tobaccoRule = TaxRule{
	Code:         "tobacco",
	Label:        "Tobacco Tax",
	TaxClass:     TaxClassTobacco,
	PerUnitRate:  decimal.RequireFromString("0.40"),
	DisplayOrder: 1,
}

var standardDelivery = DeliverySettings{
	BaseFee:       money.MustParse("5.00"),
	FreeThreshold: money.MustParse("100.00"),
}

func tobaccoItems() []Item {
	// 10 cartons at $10.00 = $100.00 subtotal, 10 taxable units.
	return []Item{{ProductID: 1, Quantity: 10, UnitPrice: money.MustParse("10.00"), Tobacco: true}}
}

func input(items []Item, orderType OrderType) Input {
	return Input{
		Items:     items,
		TaxRules:  []TaxRule{tobaccoRule},
		Delivery:  standardDelivery,
		OrderType: orderType,
		EarnRate:  DefaultEarnRate,
	}
}

func TestComputePickupWithFlatTax(t *testing.T) {
	b, err := Compute(input(tobaccoItems(), OrderTypePickup))
	require.NoError(t, err)
	require.Equal(t, money.MustParse("100.00"), b.ItemsSubtotal)
	require.Equal(t, []TaxLine{{Code: "tobacco", Label: "Tobacco Tax", Amount: money.MustParse("4.00")}}, b.FlatTaxLines)
	require.Equal(t, money.MustParse("4.00"), b.FlatTaxTotal)
	require.Equal(t, money.Zero, b.DeliveryFee)
	require.Equal(t, money.MustParse("104.00"), b.Total)
	require.NoError(t, b.Verify())
}

func TestComputeDeliveryAboveThreshold(t *testing.T) {
	b, err := Compute(input(tobaccoItems(), OrderTypeDelivery))
	require.NoError(t, err)
	require.Equal(t, money.MustParse("104.00"), b.SubtotalBeforeDelivery)
	require.Equal(t, money.Zero, b.DeliveryFee)
	require.Equal(t, money.MustParse("104.00"), b.Total)
}

func TestComputeDeliveryBelowThreshold(t *testing.T) {
	items := []Item{{ProductID: 2, Quantity: 5, UnitPrice: money.MustParse("10.00")}}
	b, err := Compute(input(items, OrderTypeDelivery))
	require.NoError(t, err)
	require.Equal(t, money.MustParse("50.00"), b.SubtotalBeforeDelivery)
	require.Equal(t, money.MustParse("5.00"), b.DeliveryFee)
	require.Equal(t, money.MustParse("55.00"), b.Total)
	require.Equal(t, int64(1), b.LoyaltyPointsEarned)
}

func TestComputeThresholdUsesTaxInclusiveSubtotal(t *testing.T) {
	// $97.00 of goods plus $4.00 tax crosses the $100 threshold.
	items := []Item{
		{ProductID: 1, Quantity: 10, UnitPrice: money.MustParse("5.70"), Tobacco: true},
		{ProductID: 2, Quantity: 1, UnitPrice: money.MustParse("40.00")},
	}
	b, err := Compute(input(items, OrderTypeDelivery))
	require.NoError(t, err)
	require.Equal(t, money.MustParse("97.00"), b.ItemsSubtotal)
	require.Equal(t, money.MustParse("101.00"), b.SubtotalBeforeDelivery)
	require.Equal(t, money.Zero, b.DeliveryFee)
}

func TestComputeAllTobaccoEarnsNoPoints(t *testing.T) {
	items := []Item{
		{ProductID: 1, Quantity: 2, UnitPrice: money.MustParse("20.00"), Tobacco: true},
		{ProductID: 3, Quantity: 1, UnitPrice: money.MustParse("20.00"), Tobacco: true},
	}
	b, err := Compute(input(items, OrderTypePickup))
	require.NoError(t, err)
	require.Equal(t, money.MustParse("60.00"), b.ItemsSubtotal)
	require.Zero(t, b.LoyaltyPointsEarned)
}

func TestComputePointsIgnoreTaxAndDelivery(t *testing.T) {
	items := []Item{
		{ProductID: 1, Quantity: 10, UnitPrice: money.MustParse("10.00"), Tobacco: true},
		{ProductID: 2, Quantity: 3, UnitPrice: money.MustParse("33.33")},
	}
	b, err := Compute(input(items, OrderTypeDelivery))
	require.NoError(t, err)
	// floor(0.02 x 99.99) = 1
	require.Equal(t, int64(1), b.LoyaltyPointsEarned)
}

func TestComputeRedemptionIsClamped(t *testing.T) {
	items := []Item{{ProductID: 2, Quantity: 3, UnitPrice: money.MustParse("5.00")}}
	in := input(items, OrderTypePickup)
	in.RedeemValue = money.MustParse("20.00")
	b, err := Compute(in)
	require.NoError(t, err)
	require.Equal(t, money.MustParse("15.00"), b.LoyaltyRedeemValue)
	require.Equal(t, money.Zero, b.Total)
	require.NoError(t, b.Verify())
}

func TestComputeRedemptionCoversDeliveryFee(t *testing.T) {
	items := []Item{{ProductID: 2, Quantity: 1, UnitPrice: money.MustParse("10.00")}}
	in := input(items, OrderTypeDelivery)
	in.RedeemValue = money.MustParse("100.00")
	b, err := Compute(in)
	require.NoError(t, err)
	require.Equal(t, money.MustParse("15.00"), b.LoyaltyRedeemValue)
	require.Equal(t, money.Zero, b.Total)
}

func TestComputeNegativeRedemptionIgnored(t *testing.T) {
	in := input(tobaccoItems(), OrderTypePickup)
	in.RedeemValue = money.MustParse("-3.00")
	b, err := Compute(in)
	require.NoError(t, err)
	require.Equal(t, money.Zero, b.LoyaltyRedeemValue)
	require.Equal(t, money.MustParse("104.00"), b.Total)
}

func TestComputeTaxLinesFollowDisplayOrder(t *testing.T) {
	rules := []TaxRule{
		{Code: "beverage", Label: "Beverage", TaxClass: "beverage", PerUnitRate: decimal.RequireFromString("0.05"), DisplayOrder: 2},
		tobaccoRule,
		{Code: "alcohol", Label: "Alcohol", TaxClass: "alcohol", PerUnitRate: decimal.RequireFromString("1.00"), DisplayOrder: 3},
	}
	items := []Item{
		{ProductID: 1, Quantity: 24, UnitPrice: money.MustParse("0.99"), TaxClasses: []string{"beverage"}},
		{ProductID: 2, Quantity: 2, UnitPrice: money.MustParse("50.00"), Tobacco: true},
	}
	in := input(items, OrderTypePickup)
	in.TaxRules = rules
	b, err := Compute(in)
	require.NoError(t, err)
	require.Len(t, b.FlatTaxLines, 2)
	require.Equal(t, "tobacco", b.FlatTaxLines[0].Code)
	require.Equal(t, money.MustParse("0.80"), b.FlatTaxLines[0].Amount)
	require.Equal(t, "beverage", b.FlatTaxLines[1].Code)
	require.Equal(t, money.MustParse("1.20"), b.FlatTaxLines[1].Amount)
	require.Equal(t, money.MustParse("2.00"), b.FlatTaxTotal)
}

func TestComputeFractionalRateRoundsOncePerLine(t *testing.T) {
	rule := TaxRule{Code: "eco", Label: "Eco", TaxClass: "eco", PerUnitRate: decimal.RequireFromString("0.335")}
	items := []Item{
		{ProductID: 1, Quantity: 1, UnitPrice: money.MustParse("1.00"), TaxClasses: []string{"eco"}},
		{ProductID: 2, Quantity: 2, UnitPrice: money.MustParse("1.00"), TaxClasses: []string{"eco"}},
	}
	in := input(items, OrderTypePickup)
	in.TaxRules = []TaxRule{rule}
	b, err := Compute(in)
	require.NoError(t, err)
	require.Equal(t, money.MustParse("1.01"), b.FlatTaxTotal)
}

func TestComputeRejectsBadInput(t *testing.T) {
	_, err := Compute(input(nil, OrderTypePickup))
	require.ErrorIs(t, err, ErrEmptyOrder)

	_, err = Compute(input([]Item{{ProductID: 1, Quantity: 0, UnitPrice: 100}}, OrderTypePickup))
	require.ErrorIs(t, err, ErrInvalidItem)

	_, err = Compute(input(tobaccoItems(), OrderType("drone")))
	require.ErrorIs(t, err, ErrInvalidOrderType)
}

func TestComputeRejectsOverflow(t *testing.T) {
	tests := []struct {
		name  string
		items []Item
	}{
		{"line total wraps", []Item{{ProductID: 1, Quantity: 18446744073709552, UnitPrice: money.MustParse("10.00")}}},
		{"subtotal wraps", []Item{
			{ProductID: 1, Quantity: 1, UnitPrice: money.MaxAmount},
			{ProductID: 2, Quantity: 1, UnitPrice: money.Cents(1)},
		}},
		{"taxable units wrap", []Item{
			{ProductID: 1, Quantity: math.MaxInt64, UnitPrice: money.Zero, Tobacco: true},
			{ProductID: 2, Quantity: 1, UnitPrice: money.Zero, Tobacco: true},
		}},
		{"tax line exceeds range", []Item{{ProductID: 1, Quantity: math.MaxInt64, UnitPrice: money.Zero, Tobacco: true}}},
		{"tax pushes subtotal out of range", []Item{{ProductID: 1, Quantity: 1, UnitPrice: money.MaxAmount, Tobacco: true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compute(input(tt.items, OrderTypePickup))
			require.ErrorIs(t, err, ErrInvalidItem)
			require.ErrorIs(t, err, money.ErrOverflow)
		})
	}
}

func TestComputeBreakdownIdentity(t *testing.T) {
	for qty := int64(1); qty <= 40; qty++ {
		for _, redeem := range []string{"0", "3.33", "250.00"} {
			items := []Item{
				{ProductID: 1, Quantity: qty, UnitPrice: money.MustParse("2.37"), Tobacco: qty%2 == 0},
				{ProductID: 2, Quantity: qty * 3, UnitPrice: money.MustParse("0.99"), TaxClasses: []string{"beverage"}},
			}
			in := input(items, OrderTypeDelivery)
			in.TaxRules = append(in.TaxRules, TaxRule{Code: "beverage", TaxClass: "beverage", PerUnitRate: decimal.RequireFromString("0.055")})
			in.RedeemValue = money.MustParse(redeem)
			b, err := Compute(in)
			require.NoError(t, err)
			require.NoError(t, b.Verify(), fmt.Sprintf("qty=%d redeem=%s", qty, redeem))
			require.Equal(t, b.SubtotalBeforeDelivery.Add(b.DeliveryFee).Sub(b.LoyaltyRedeemValue), b.Total)
		}
	}
}

func TestComputeIsSafeForConcurrentUse(t *testing.T) {
	in := input(tobaccoItems(), OrderTypeDelivery)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := Compute(in)
			require.NoError(t, err)
			require.Equal(t, money.MustParse("104.00"), b.Total)
		}()
	}
	wg.Wait()
}

func TestBreakdownVerifyDetectsDrift(t *testing.T) {
	b, err := Compute(input(tobaccoItems(), OrderTypePickup))
	require.NoError(t, err)
	b.Total = b.Total.Add(1)
	require.ErrorIs(t, b.Verify(), ErrBrokenChain)
}
