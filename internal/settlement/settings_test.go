package settlement

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/wholesale/internal/money"
)

const sampleSettings = `
[delivery]
base_fee = "5.00"
free_threshold = "100.00"

[loyalty]
point_value = "0.50"

[[tax_rules]]
code = "tobacco"
label = "Tobacco Tax"
tax_class = "tobacco"
per_unit_rate = "0.40"
display_order = 1
`

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settlement.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	provider, err := LoadFile(writeSettings(t, sampleSettings))
	require.NoError(t, err)

	s, err := provider.Settings(context.Background())
	require.NoError(t, err)
	require.Equal(t, money.MustParse("5.00"), s.Delivery.BaseFee)
	require.Equal(t, money.MustParse("100.00"), s.Delivery.FreeThreshold)
	require.True(t, s.EarnRate.Equal(DefaultEarnRate))
	require.Equal(t, money.MustParse("0.50"), s.PointValue)
	require.Len(t, s.TaxRules, 1)
	require.True(t, s.TaxRules[0].PerUnitRate.Equal(decimal.RequireFromString("0.40")))
}

func TestReloadKeepsLastGoodSettings(t *testing.T) {
	path := writeSettings(t, sampleSettings)
	provider, err := LoadFile(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("[[tax_rules]]\ncode = \"x\"\n"), 0o600))
	require.Error(t, provider.Reload())

	s, err := provider.Settings(context.Background())
	require.NoError(t, err)
	require.Len(t, s.TaxRules, 1)
}

func TestLoadFileRejectsDuplicateRules(t *testing.T) {
	body := sampleSettings + `
[[tax_rules]]
code = "tobacco"
tax_class = "other"
per_unit_rate = "0.10"
`
	_, err := LoadFile(writeSettings(t, body))
	require.Error(t, err)
}

func TestLoadFileRejectsNegativePointValue(t *testing.T) {
	body := `
[loyalty]
point_value = "-0.10"
`
	_, err := LoadFile(writeSettings(t, body))
	require.Error(t, err)
}

func TestPointConversion(t *testing.T) {
	s := Settings{PointValue: money.MustParse("0.50")}
	require.Equal(t, money.MustParse("5.00"), s.RedeemValue(10))
	require.Equal(t, money.Zero, s.RedeemValue(-1))
	require.Equal(t, int64(10), s.PointsFor(money.MustParse("5.00")))
	require.Equal(t, int64(10), s.PointsFor(money.MustParse("5.49")))
	require.Zero(t, s.PointsFor(money.Zero))
	require.Equal(t, money.MaxAmount, s.RedeemValue(math.MaxInt64))
}

func TestPointsForNeverExceedsRedeemedValue(t *testing.T) {
	s := Settings{PointValue: money.MustParse("0.30")}
	points := s.PointsFor(money.MustParse("1.00"))
	require.Equal(t, int64(3), points)
	require.False(t, s.RedeemValue(points).GreaterThan(money.MustParse("1.00")))

	for cents := int64(1); cents <= 500; cents += 7 {
		value := money.Cents(cents)
		require.False(t, s.RedeemValue(s.PointsFor(value)).GreaterThan(value), value.String())
	}
}
