// Package amount converts between integer base units and human-readable token units.
package amount

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

// Common denominations.
const (
	GweiDecimals  int32 = 9
	EtherDecimals int32 = 18
	OctaDecimals  int32 = 8
)

// ParseUnits parses a decimal string such as "12.5" into base units with the given
// number of decimals. Fractions finer than one base unit are rejected rather than
// rounded.
func ParseUnits(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, s)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, s, decimals)
	}
	return scaled.BigInt(), nil
}

// FormatUnits renders base units with the given number of decimals, trimming
// trailing zeros.
func FormatUnits(v *big.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}

// GweiToWei converts a decimal gwei string into wei.
func GweiToWei(gwei string) (*big.Int, error) {
	return ParseUnits(gwei, GweiDecimals)
}
