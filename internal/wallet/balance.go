package wallet

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const etherDecimals = 18

// FormatEther renders a wei amount in ether without trailing zeros.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -etherDecimals).String()
}

// ParseEther converts a decimal ether amount ("0.001") to wei.
func ParseEther(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse ether amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("ether amount %q is negative", amount)
	}
	return d.Shift(etherDecimals).BigInt(), nil
}

// HasAtLeast reports whether wei covers min.
func HasAtLeast(wei, min *big.Int) bool {
	if wei == nil {
		return min == nil || min.Sign() <= 0
	}
	return min == nil || wei.Cmp(min) >= 0
}
