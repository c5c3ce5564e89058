package commission

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func ptr(s string) *string { return &s }

func defaultRates() Rates {
	return Rates{
		PointsPerRupee: decimal.RequireFromString("0.01"),
		Levels: [Levels]decimal.Decimal{
			decimal.RequireFromString("0.025"),
			decimal.RequireFromString("0.015"),
			decimal.RequireFromString("0.01"),
		},
	}
}

func TestCalculateFullChain(t *testing.T) {
	got := Calculate(decimal.NewFromInt(10000), [Levels]*string{ptr("a"), ptr("b"), ptr("c")}, true, defaultRates())
	require.Equal(t, [Levels]int64{250, 150, 100}, got.Levels)
	require.Equal(t, int64(100), got.Customer)
	require.Equal(t, int64(600), got.Total())
}

func TestCalculateShortChain(t *testing.T) {
	got := Calculate(decimal.NewFromInt(10000), [Levels]*string{ptr("a")}, true, defaultRates())
	require.Equal(t, [Levels]int64{250, 0, 0}, got.Levels)
}

func TestCalculatePreJoin(t *testing.T) {
	got := Calculate(decimal.NewFromInt(10000), [Levels]*string{ptr("a"), ptr("b"), ptr("c")}, false, defaultRates())
	require.Equal(t, [Levels]int64{}, got.Levels)
	require.Equal(t, int64(100), got.Customer)
}

func TestCalculateFloorsEachLevel(t *testing.T) {
	got := Calculate(decimal.RequireFromString("999.99"), [Levels]*string{ptr("a"), ptr("b"), ptr("c")}, true, defaultRates())
	// 24.99975, 14.99985, 9.9999
	require.Equal(t, [Levels]int64{24, 14, 9}, got.Levels)
	require.Equal(t, int64(9), got.Customer)
}

func TestCalculateNonPositiveTotal(t *testing.T) {
	got := Calculate(decimal.Zero, [Levels]*string{ptr("a")}, true, defaultRates())
	require.Zero(t, got.Total())
}

func TestMaxRedeemable(t *testing.T) {
	twenty := decimal.NewFromInt(20)
	require.Equal(t, int64(200), MaxRedeemable(500, 1000, decimal.NewFromInt(1000), twenty))
	require.Equal(t, int64(50), MaxRedeemable(500, 50, decimal.NewFromInt(1000), twenty))
	require.Equal(t, int64(30), MaxRedeemable(30, 50, decimal.NewFromInt(1000), twenty))
	require.Zero(t, MaxRedeemable(-5, 50, decimal.NewFromInt(1000), twenty))
}
