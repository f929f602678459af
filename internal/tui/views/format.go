package views

import (
	"strings"
	"time"
)

func formatTimestamp(ms int64) string {
	if ms == 0 {
		return ""
	}
	t := time.UnixMilli(ms)
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}

// shortAddress abbreviates a hex address to 0x1234...abcd.
func shortAddress(addr string) string {
	if len(addr) != 42 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func sameAddress(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}
