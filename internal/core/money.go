// Package core provides the ledger domain types and amount handling.
//
// Amounts are carried as decimal.Decimal and always rounded half-up to
// two fractional digits before they reach the store.
package core

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Currency is the single display currency. Multi-currency is out of scope.
const Currency = money.EUR

// AmountScale is the number of fractional digits kept on every amount.
const AmountScale = 2

var amountPattern = regexp.MustCompile(`^\d*\.?\d*$`)

// IsAmountInput reports whether s is an acceptable partial amount while it
// is still being typed. The empty string is accepted.
func IsAmountInput(s string) bool {
	return amountPattern.MatchString(s)
}

// ParseAmount converts an unsigned decimal string to a rounded amount.
//
// The input must match ^\d*\.?\d*$ and contain at least one digit. Zero is
// accepted. The third fractional digit is rounded half-up:
//
//	ParseAmount("12.34")  -> 12.34
//	ParseAmount("12.345") -> 12.35
//	ParseAmount(".5")     -> 0.50
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" || !amountPattern.MatchString(s) || !strings.ContainsAny(s, "0123456789") {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if strings.HasPrefix(s, ".") {
		s = "0" + s
	}
	s = strings.TrimSuffix(s, ".")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Round(d), nil
}

// Round applies the ledger's half-up rounding to two decimals.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(AmountScale)
}

var (
	minCents = decimal.NewFromInt(math.MinInt64)
	maxCents = decimal.NewFromInt(math.MaxInt64)
)

// FormatAmount renders d in the display currency, e.g. "€1,250.00".
func FormatAmount(d decimal.Decimal) string {
	cents := Round(d).Shift(AmountScale)
	if cents.GreaterThanOrEqual(minCents) && cents.LessThanOrEqual(maxCents) {
		return money.New(cents.IntPart(), Currency).Display()
	}
	return formatWide(cents)
}

// formatWide lays out cents beyond int64 with the currency's own
// separators and template.
func formatWide(cents decimal.Decimal) string {
	f := money.GetCurrency(Currency).Formatter()
	digits := cents.Abs().String()
	if len(digits) <= f.Fraction {
		digits = strings.Repeat("0", f.Fraction-len(digits)+1) + digits
	}
	whole, frac := digits[:len(digits)-f.Fraction], digits[len(digits)-f.Fraction:]

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteString(f.Thousand)
		}
		b.WriteRune(r)
	}
	if f.Fraction > 0 {
		b.WriteString(f.Decimal)
		b.WriteString(frac)
	}

	out := strings.Replace(f.Template, "1", b.String(), 1)
	out = strings.Replace(out, "$", f.Grapheme, 1)
	if cents.IsNegative() {
		out = "-" + out
	}
	return out
}
