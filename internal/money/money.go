// Package money implements the fixed-point arithmetic used for balances,
// transfer amounts and exchange rates.
//
// All values are decimal.Decimal; binary floating point is never used.
// Rounding is half-up (ties away from zero), matching how ledger totals
// are reproduced by downstream reconciliation.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// AmountScale is the number of decimal digits kept for stored and transferred amounts.
	AmountScale int32 = 4

	// RateScale is the number of decimal digits kept for exchange rates.
	RateScale int32 = 8
)

// Upper bounds (exclusive) of the stored NUMERIC(19,4) amounts and NUMERIC(19,8) rates.
var (
	MaxAmount = decimal.New(1, 19-AmountScale)
	MaxRate   = decimal.New(1, 19-RateScale)
)

// ErrZeroRate is returned when a reverse conversion would divide by zero.
var ErrZeroRate = errors.New("exchange rate must not be zero")

// Quantize rounds amount half-up to scale decimal digits.
func Quantize(amount decimal.Decimal, scale int32) decimal.Decimal {
	return amount.Round(scale)
}

// QuantizeAmount rounds amount to AmountScale digits.
func QuantizeAmount(amount decimal.Decimal) decimal.Decimal {
	return Quantize(amount, AmountScale)
}

// QuantizeRate rounds rate to RateScale digits.
func QuantizeRate(rate decimal.Decimal) decimal.Decimal {
	return Quantize(rate, RateScale)
}

// Convert applies an exchange rate to amount. The rate is quantized to
// RateScale first; the result is quantized to AmountScale. With reverse set
// the amount is divided by the rate instead of multiplied.
func Convert(amount, rate decimal.Decimal, reverse bool) (decimal.Decimal, error) {
	rate = QuantizeRate(rate)
	if !reverse {
		return QuantizeAmount(amount.Mul(rate)), nil
	}
	if rate.IsZero() {
		return decimal.Zero, ErrZeroRate
	}
	return amount.DivRound(rate, AmountScale), nil
}

// IsPositive reports whether amount is strictly greater than zero.
func IsPositive(amount decimal.Decimal) bool {
	return amount.IsPositive()
}

// FitsAmount reports whether amount can be stored at AmountScale.
func FitsAmount(amount decimal.Decimal) bool {
	return amount.Abs().LessThan(MaxAmount)
}

// FitsRate reports whether rate can be stored at RateScale.
func FitsRate(rate decimal.Decimal) bool {
	return rate.Abs().LessThan(MaxRate)
}

// HasSufficientFunds reports whether balance covers amount.
func HasSufficientFunds(balance, amount decimal.Decimal) bool {
	return balance.GreaterThanOrEqual(amount)
}

// Parse reads a decimal string such as "100.50". Surrounding whitespace is ignored.
func Parse(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, errors.New("amount value cannot be empty")
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return d, nil
}

// Format renders amount with exactly AmountScale digits, e.g. "900.0000".
func Format(amount decimal.Decimal) string {
	return amount.StringFixed(AmountScale)
}

// FormatRate renders rate with exactly RateScale digits.
func FormatRate(rate decimal.Decimal) string {
	return rate.StringFixed(RateScale)
}
