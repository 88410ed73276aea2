// Package money provides the fixed-point currency type used by the ledger and settlement engine.
package money

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Money is an amount in the smallest currency unit (cents). All arithmetic is integer-only.
type Money int64

// Scale is the number of minor-unit decimal places.
const Scale = 2

var (
	// ErrInvalid indicates an unparsable amount.
	ErrInvalid = errors.New("money: invalid amount")
	// ErrPrecision indicates an amount finer than one cent.
	ErrPrecision = errors.New("money: amount has sub-cent precision")
	// ErrOverflow indicates a result outside [-MaxAmount, MaxAmount].
	ErrOverflow = errors.New("money: amount out of range")
)

// MaxAmount is the largest representable amount. The range is symmetric so Neg and Abs never wrap.
const MaxAmount Money = math.MaxInt64

var (
	maxCents = decimal.NewFromInt(math.MaxInt64)
	minCents = maxCents.Neg()
)

var printer = message.NewPrinter(language.AmericanEnglish)

// Zero is the zero amount.
const Zero Money = 0

// Cents builds a Money value from minor units.
func Cents(c int64) Money { return Money(c) }

// Dollars builds a Money value from whole major units.
func Dollars(d int64) Money { return Money(d * 100) }

// Parse reads a major-unit decimal string such as "104.00" or "-3.5".
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// FromDecimal converts a major-unit decimal exactly, rejecting sub-cent precision and
// values outside the representable range.
func FromDecimal(d decimal.Decimal) (Money, error) {
	scaled := d.Shift(Scale)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s", ErrPrecision, d.String())
	}
	return fromCents(scaled, d)
}

// Round converts a major-unit decimal to Money, rounding half away from zero to the cent.
func Round(d decimal.Decimal) (Money, error) {
	return fromCents(d.Shift(Scale).Round(0), d)
}

func fromCents(cents, major decimal.Decimal) (Money, error) {
	if cents.GreaterThan(maxCents) || cents.LessThan(minCents) {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, major.String())
	}
	return Money(cents.IntPart()), nil
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal { return decimal.New(int64(m), -Scale) }

// Int64 returns the raw minor-unit count.
func (m Money) Int64() int64 { return int64(m) }

// Add returns m + o. Operands must be known to be small; use CheckedAdd for external input.
func (m Money) Add(o Money) Money { return m + o }

// Sub returns m - o. Operands must be known to be small; use CheckedSub for external input.
func (m Money) Sub(o Money) Money { return m - o }

// CheckedAdd returns m + o or ErrOverflow.
func (m Money) CheckedAdd(o Money) (Money, error) {
	sum := m + o
	if (o > 0 && sum < m) || (o < 0 && sum > m) || sum < -MaxAmount {
		return 0, fmt.Errorf("%w: %s + %s", ErrOverflow, m.FormatMajor(), o.FormatMajor())
	}
	return sum, nil
}

// CheckedSub returns m - o or ErrOverflow.
func (m Money) CheckedSub(o Money) (Money, error) {
	if o < -MaxAmount {
		return 0, fmt.Errorf("%w: %s - %s", ErrOverflow, m.FormatMajor(), o.FormatMajor())
	}
	return m.CheckedAdd(-o)
}

// Neg returns -m.
func (m Money) Neg() Money { return -m }

// Abs returns |m|.
func (m Money) Abs() Money {
	if m < 0 {
		return -m
	}
	return m
}

// MulQty multiplies by an integral quantity. Exact; the product must be known to fit.
func (m Money) MulQty(qty int64) Money { return m * Money(qty) }

// CheckedMulQty returns m × qty or ErrOverflow.
func (m Money) CheckedMulQty(qty int64) (Money, error) {
	if m == 0 || qty == 0 {
		return 0, nil
	}
	product := m * Money(qty)
	if product/Money(qty) != m || product < -MaxAmount {
		return 0, fmt.Errorf("%w: %s x %d", ErrOverflow, m.FormatMajor(), qty)
	}
	return product, nil
}

// ApplyRate multiplies by a decimal rate and rounds once to the cent.
func (m Money) ApplyRate(rate decimal.Decimal) (Money, error) {
	return Round(m.Decimal().Mul(rate))
}

// MulRate returns qty × rate, where rate is a per-unit major-unit amount, rounded once to the cent.
func MulRate(qty int64, rate decimal.Decimal) (Money, error) {
	return Round(decimal.NewFromInt(qty).Mul(rate))
}

// Cmp returns -1, 0 or 1.
func (m Money) Cmp(o Money) int {
	switch {
	case m < o:
		return -1
	case m > o:
		return 1
	default:
		return 0
	}
}

// LessThan reports m < o.
func (m Money) LessThan(o Money) bool { return m < o }

// GreaterThan reports m > o.
func (m Money) GreaterThan(o Money) bool { return m > o }

// IsZero reports m == 0.
func (m Money) IsZero() bool { return m == 0 }

// IsPositive reports m > 0.
func (m Money) IsPositive() bool { return m > 0 }

// IsNegative reports m < 0.
func (m Money) IsNegative() bool { return m < 0 }

// Min returns the smaller amount.
func Min(a, b Money) Money {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger amount.
func Max(a, b Money) Money {
	if a > b {
		return a
	}
	return b
}

// Sum adds all values.
func Sum(values ...Money) Money {
	var total Money
	for _, v := range values {
		total += v
	}
	return total
}

// FormatMajor renders the amount without symbol, e.g. "1234.56".
func (m Money) FormatMajor() string {
	return m.Decimal().StringFixed(Scale)
}

// String renders the amount for people, e.g. "$1,234.56" or "-$5.00".
func (m Money) String() string {
	abs := uint64(m)
	if m < 0 {
		abs = uint64(-(m + 1)) + 1
	}
	major := printer.Sprintf("%d", abs/100)
	out := fmt.Sprintf("$%s.%02d", major, abs%100)
	if m < 0 {
		return "-" + out
	}
	return out
}

// MarshalJSON encodes the amount as a major-unit string.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.FormatMajor())
}

// UnmarshalJSON accepts "104.00" or 104.00 without going through float64.
func (m *Money) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	if bytes.Equal(raw, []byte("null")) {
		*m = 0
		return nil
	}
	s := string(raw)
	if len(raw) > 0 && raw[0] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInvalid, s)
		}
		s = unq
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// UnmarshalText parses a major-unit string, used by config decoders.
func (m *Money) UnmarshalText(text []byte) error {
	v, err := Parse(string(bytes.TrimSpace(text)))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Value implements driver.Valuer over BIGINT cents.
func (m Money) Value() (driver.Value, error) { return int64(m), nil }

// Scan implements sql.Scanner over BIGINT cents.
func (m *Money) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*m = Money(v)
	case int32:
		*m = Money(v)
	case nil:
		*m = 0
	default:
		return fmt.Errorf("money: cannot scan %T", src)
	}
	return nil
}
