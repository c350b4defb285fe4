package ledger

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a display amount into integer base units for a token with the given
// precision. Digits beyond the precision are truncated toward zero.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if decimals < 0 {
		return nil, fmt.Errorf("invalid token precision %d", decimals)
	}
	if amount.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", amount)
	}
	return amount.Shift(decimals).Truncate(0).BigInt(), nil
}

// FromBaseUnits converts integer base units back into a display amount. It is exact.
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}

// Truncate drops precision the token cannot represent.
func Truncate(amount decimal.Decimal, decimals int32) decimal.Decimal {
	return amount.Truncate(decimals)
}

// SameAmount reports whether a and b are the same number of base units.
func SameAmount(a, b decimal.Decimal, decimals int32) bool {
	return a.Truncate(decimals).Equal(b.Truncate(decimals))
}
