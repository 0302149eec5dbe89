package orchestrator

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/galleria-labs/galleria/internal/domain"
)

// weiDecimals is the scale of the native currency.
const weiDecimals = 18

// ParsePrice converts a human decimal string ("1.5", "0.01") into wei.
// Anything that is not a positive decimal with at most 18 fractional
// digits is rejected with ErrInvalidPriceFormat before any transaction
// is built.
func ParsePrice(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w: %q", domain.ErrInvalidPriceFormat, s)
	}
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("orchestrator: %w: price must be positive, got %q", domain.ErrInvalidPriceFormat, s)
	}
	if d.Exponent() < -weiDecimals {
		return nil, fmt.Errorf("orchestrator: %w: more than %d decimal places in %q", domain.ErrInvalidPriceFormat, weiDecimals, s)
	}
	wei := d.Shift(weiDecimals)
	if !wei.IsInteger() {
		return nil, fmt.Errorf("orchestrator: %w: %q does not scale to a whole wei amount", domain.ErrInvalidPriceFormat, s)
	}
	return wei.BigInt(), nil
}

// FormatWei renders a wei amount as a decimal string in whole currency
// units, trimming trailing zeros.
func FormatWei(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -weiDecimals).String()
}
