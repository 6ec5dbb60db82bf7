// internal/seal/price.go
package seal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// maxPriceCents bounds the price to what the 4-byte challenge field carries.
const maxPriceCents = 1<<32 - 1

// ParsePrice converts a decimal amount ("10", "10.5", "10.00") to cents.
// Negative amounts and more than two fractional digits are rejected rather
// than rounded, so one logical price has exactly one canonical form.
func ParsePrice(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("seal: empty price")
	}
	if strings.HasPrefix(s, "-") {
		return 0, errors.New("seal: negative price")
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("seal: price %q has more than two decimals", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	w, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("seal: invalid price %q", s)
	}
	f, err := strconv.ParseUint(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("seal: invalid price %q", s)
	}

	// Bound before multiplying: w*100 wraps uint64 for huge whole parts.
	if w > maxPriceCents/100 {
		return 0, fmt.Errorf("seal: price %q out of range", s)
	}
	cents := w*100 + f
	if cents > maxPriceCents {
		return 0, fmt.Errorf("seal: price %q out of range", s)
	}
	return uint32(cents), nil
}

// FormatPrice renders cents with two fixed decimals.
func FormatPrice(cents uint32) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
