// README: Common money value object used across modules.
package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MinorDigits is the number of decimal places kept in Money.Amount.
const MinorDigits = 2

// Money is an amount in the currency's smallest unit.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) Mul(n int64) Money {
	return Money{Amount: m.Amount * n, Currency: m.Currency}
}

func (m Money) IsNegative() bool {
	return m.Amount < 0
}

// Major renders the amount in major units, e.g. 15050 -> "150.50".
func (m Money) Major() string {
	sign := ""
	a := m.Amount
	if a < 0 {
		sign = "-"
		a = -a
	}
	return fmt.Sprintf("%s%d.%02d", sign, a/100, a%100)
}

// ParseMoney converts a decimal string in major units into Money, rounding
// half-up to the smallest currency unit. "150" -> 15000, "0.125" -> 13.
func ParseMoney(s, currency string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, fmt.Errorf("%w: empty amount", ErrValidation)
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) || (frac != "" && !isDigits(frac)) {
		return Money{}, fmt.Errorf("%w: malformed amount %q", ErrValidation, s)
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("%w: amount out of range", ErrValidation)
	}
	var minor int64
	for i := 0; i < MinorDigits; i++ {
		minor *= 10
		if i < len(frac) {
			minor += int64(frac[i] - '0')
		}
	}
	// half-up on the first dropped digit
	if len(frac) > MinorDigits && frac[MinorDigits] >= '5' {
		minor++
	}
	if w > (math.MaxInt64-minor)/100 {
		return Money{}, fmt.Errorf("%w: amount out of range", ErrValidation)
	}
	amount := w*100 + minor
	if neg {
		amount = -amount
	}
	return Money{Amount: amount, Currency: currency}, nil
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
