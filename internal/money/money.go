// Package money holds the fixed-point amount type used by the ledger. Amounts
// are integer minor units tagged with an ISO-4217 currency code; no arithmetic
// in this package touches floating point.
package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrCurrencyMismatch is returned when two amounts of different currencies are combined.
	ErrCurrencyMismatch = errors.New("currency mismatch")
	// ErrInvalidCurrency is returned for codes that are not three upper-case letters.
	ErrInvalidCurrency = errors.New("invalid currency code")
	// ErrOverflow is returned when a result does not fit in int64 minor units.
	ErrOverflow = errors.New("amount overflow")
	// ErrInvalidRate is returned for percentages outside [0, 100].
	ErrInvalidRate = errors.New("rate must be between 0 and 100")
)

var hundred = decimal.NewFromInt(100)

// exponents lists currencies whose minor unit is not 1/100.
var exponents = map[string]int32{
	"XAF": 0,
	"XOF": 0,
	"JPY": 0,
	"KRW": 0,
	"BHD": 3,
	"KWD": 3,
}

// Money is an amount in minor units of Currency.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// New builds a Money after validating the currency code.
func New(amount int64, currency string) (Money, error) {
	if err := ValidateCurrency(currency); err != nil {
		return Money{}, err
	}
	return Money{Amount: amount, Currency: currency}, nil
}

// ValidateCurrency checks the ISO-4217 shape of a currency code.
func ValidateCurrency(code string) error {
	if len(code) != 3 {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
		}
	}
	return nil
}

// NormalizeCurrency upper-cases and trims a user supplied code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsPositive reports whether the amount is strictly greater than zero.
func (m Money) IsPositive() bool { return m.Amount > 0 }

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// Add returns m + o.
func (m Money) Add(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, o.Currency)
	}
	sum, ok := AddInt64(m.Amount, o.Amount)
	if !ok {
		return Money{}, ErrOverflow
	}
	return Money{Amount: sum, Currency: m.Currency}, nil
}

// Sub returns m - o.
func (m Money) Sub(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, o.Currency)
	}
	if o.Amount == math.MinInt64 {
		return Money{}, ErrOverflow
	}
	diff, ok := AddInt64(m.Amount, -o.Amount)
	if !ok {
		return Money{}, ErrOverflow
	}
	return Money{Amount: diff, Currency: m.Currency}, nil
}

// Percent returns round(amount * rate / 100) rounded half-up. Negative
// amounts round half away from zero.
func (m Money) Percent(rate decimal.Decimal) (Money, error) {
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return Money{}, ErrInvalidRate
	}
	v := decimal.NewFromInt(m.Amount).Mul(rate).Div(hundred).Round(0)
	if v.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || v.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return Money{}, ErrOverflow
	}
	return Money{Amount: v.IntPart(), Currency: m.Currency}, nil
}

// SplitFee splits a gross amount into the net payable and the fee at the given
// percentage. Rounding is carried entirely by the fee so net + fee == gross.
func SplitFee(gross Money, rate decimal.Decimal) (net, fee Money, err error) {
	if gross.Amount < 0 {
		return Money{}, Money{}, fmt.Errorf("gross amount must not be negative")
	}
	fee, err = gross.Percent(rate)
	if err != nil {
		return Money{}, Money{}, err
	}
	net, err = gross.Sub(fee)
	if err != nil {
		return Money{}, Money{}, err
	}
	return net, fee, nil
}

// Exponent returns the number of minor-unit digits for the currency.
func Exponent(currency string) int32 {
	if e, ok := exponents[currency]; ok {
		return e
	}
	return 2
}

// Format renders the amount in major units, e.g. "950.00 USD".
func (m Money) Format() string {
	exp := Exponent(m.Currency)
	return decimal.New(m.Amount, -exp).StringFixed(exp) + " " + m.Currency
}

func (m Money) String() string { return m.Format() }

// AddInt64 adds two int64 values reporting whether the result overflowed.
func AddInt64(a, b int64) (int64, bool) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, false
	}
	return s, true
}
