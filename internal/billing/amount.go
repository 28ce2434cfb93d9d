package billing

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseMinorUnits converts a decimal amount such as "12.5" into minor units (1250).
// Amounts with more than two decimals are rejected rather than rounded.
func ParseMinorUnits(amount string) (int64, error) {
	s := strings.TrimSpace(amount)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	negative := false
	if s[0] == '-' || s[0] == '+' {
		negative = s[0] == '-'
		s = s[1:]
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" && (!hasFrac || frac == "") {
		return 0, fmt.Errorf("invalid amount %q", amount)
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q has more than two decimals", amount)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil || strings.ContainsAny(frac, "+-") {
		return 0, fmt.Errorf("invalid amount %q", amount)
	}
	if strings.ContainsAny(whole, "+-") {
		return 0, fmt.Errorf("invalid amount %q", amount)
	}

	total := units*100 + cents
	if negative {
		total = -total
	}
	return total, nil
}
