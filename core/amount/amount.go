// Package amount converts between human-readable stable-unit amounts and the
// integer micro-units stored on the ledger.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by the stable unit.
const Decimals = 6

var (
	// ErrInvalidAmount is returned for unparsable or negative input.
	ErrInvalidAmount = errors.New("amount: invalid amount")
	// ErrTooPrecise is returned when the input has more than six fractional
	// digits.
	ErrTooPrecise = errors.New("amount: more than 6 decimal places")
)

// Parse converts a decimal string such as "500.25" into micro-units.
func Parse(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	scaled := d.Shift(Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, ErrTooPrecise
	}
	return scaled.BigInt(), nil
}

// MustParse is Parse for constants in tests and defaults.
func MustParse(value string) *big.Int {
	v, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders micro-units with exactly six fractional digits.
func Format(micro *big.Int) string {
	if micro == nil {
		micro = big.NewInt(0)
	}
	return decimal.NewFromBigInt(micro, -Decimals).StringFixed(Decimals)
}

// FromUnits returns whole units expressed in micro-units.
func FromUnits(units int64) *big.Int {
	return decimal.NewFromInt(units).Shift(Decimals).BigInt()
}
