package credit

import "github.com/odyssey-erp/wholesale/internal/money"

// Owed returns max(0, -balance).
func Owed(balance money.Money) money.Money {
	if balance.IsNegative() {
		return balance.Neg()
	}
	return money.Zero
}

// Available returns limit - owed. It may be negative when the account is already over its limit.
func Available(limit, balance money.Money) money.Money {
	return limit.Sub(Owed(balance))
}

// IsOverLimit reports whether the amount owed exceeds the limit.
func IsOverLimit(limit, balance money.Money) bool {
	return Owed(balance).GreaterThan(limit)
}

// CanPlaceOnAccount reports whether an order of the given total fits within the remaining limit.
func CanPlaceOnAccount(limit, balance, total money.Money) bool {
	return !Available(limit, balance).LessThan(total)
}

// Spendable returns the most that can be charged without exceeding the limit:
// the limit headroom plus any prepaid credit, floored at zero.
func Spendable(limit, balance money.Money) money.Money {
	sum, err := limit.CheckedAdd(balance)
	if err != nil {
		return money.MaxAmount
	}
	return money.Max(money.Zero, sum)
}

// ChargeAllowed reports whether charging amount keeps the owed amount within the limit.
// A charge that would take the balance out of range is never allowed.
func ChargeAllowed(limit, balance, amount money.Money) bool {
	after, err := balance.CheckedSub(amount)
	if err != nil {
		return false
	}
	return !IsOverLimit(limit, after)
}
