package chat

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Canonical returns the lower-cased 0x form used for comparisons and keys.
func Canonical(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// Short renders the fixed-width display form: first 6 chars ... last 4 chars.
func Short(a common.Address) string {
	s := a.Hex()
	return s[:6] + "..." + s[len(s)-4:]
}

// ParseAddress validates user input: 0x prefix, 42 characters, hex body.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, fmt.Errorf("address must start with 0x: %q", s)
	}
	if len(s) != 42 {
		return common.Address{}, fmt.Errorf("address must be 42 characters, got %d", len(s))
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("address is not valid hex: %q", s)
	}
	return common.HexToAddress(s), nil
}
