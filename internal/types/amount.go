// internal/types/amount.go
package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a human-unit amount into the token's smallest
// indivisible unit. The conversion always floors: rounding up here would
// spend more than the caller authorized.
func ToBaseUnits(amount float64, decimals uint8) (uint64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("negative amount: %f", amount)
	}
	base := decimal.NewFromFloat(amount).Shift(int32(decimals)).Floor()
	if !base.IsInteger() || base.Sign() < 0 {
		return 0, fmt.Errorf("amount %f does not convert at %d decimals", amount, decimals)
	}
	return uint64(base.IntPart()), nil
}

// FromBaseUnits converts smallest units back to human units for display and
// position bookkeeping.
func FromBaseUnits(amount uint64, decimals uint8) float64 {
	f, _ := decimal.NewFromUint64(amount).Shift(-int32(decimals)).Float64()
	return f
}
