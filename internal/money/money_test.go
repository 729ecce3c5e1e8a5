package money

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesCurrency(t *testing.T) {
	_, err := New(100, "usd")
	require.ErrorIs(t, err, ErrInvalidCurrency)

	_, err = New(100, "US")
	require.ErrorIs(t, err, ErrInvalidCurrency)

	m, err := New(100, "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(100), m.Amount)
}

func TestAddSubRejectMismatchAndOverflow(t *testing.T) {
	usd := Money{Amount: 10, Currency: "USD"}
	eur := Money{Amount: 10, Currency: "EUR"}

	_, err := usd.Add(eur)
	require.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = Money{Amount: math.MaxInt64, Currency: "USD"}.Add(Money{Amount: 1, Currency: "USD"})
	require.ErrorIs(t, err, ErrOverflow)

	diff, err := usd.Sub(Money{Amount: 25, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, int64(-15), diff.Amount)
}

func TestPercentRoundsHalfUp(t *testing.T) {
	cases := []struct {
		amount int64
		rate   string
		want   int64
	}{
		{100000, "5", 5000},
		{10, "5", 1},      // 0.5 -> 1
		{9, "5", 0},       // 0.45 -> 0
		{1999, "2.5", 50}, // 49.975 -> 50
		{1, "0", 0},
		{333, "100", 333},
	}
	for _, tc := range cases {
		got, err := Money{Amount: tc.amount, Currency: "USD"}.Percent(decimal.RequireFromString(tc.rate))
		require.NoError(t, err)
		assert.Equal(t, tc.want, got.Amount, "amount=%d rate=%s", tc.amount, tc.rate)
	}
}

func TestPercentRejectsBadRate(t *testing.T) {
	_, err := Money{Amount: 1, Currency: "USD"}.Percent(decimal.NewFromInt(101))
	assert.True(t, errors.Is(err, ErrInvalidRate))
	_, err = Money{Amount: 1, Currency: "USD"}.Percent(decimal.NewFromInt(-1))
	assert.True(t, errors.Is(err, ErrInvalidRate))
}

func TestSplitFeeConservesGross(t *testing.T) {
	for _, gross := range []int64{0, 1, 7, 99, 100000, 123457} {
		net, fee, err := SplitFee(Money{Amount: gross, Currency: "USD"}, decimal.RequireFromString("3.3"))
		require.NoError(t, err)
		assert.Equal(t, gross, net.Amount+fee.Amount)
		assert.GreaterOrEqual(t, net.Amount, int64(0))
	}
}

func TestFormatUsesExponent(t *testing.T) {
	assert.Equal(t, "950.00 USD", Money{Amount: 95000, Currency: "USD"}.Format())
	assert.Equal(t, "5000 XAF", Money{Amount: 5000, Currency: "XAF"}.Format())
	assert.Equal(t, "1.234 KWD", Money{Amount: 1234, Currency: "KWD"}.Format())
}
