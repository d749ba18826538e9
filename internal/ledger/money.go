package ledger

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const MoneyScale = 2

type Currency struct {
	Singular string
	Plural   string
}

// Format renders amount with thousands grouping and the currency name,
// e.g. "1,234.50 coins".
func (c Currency) Format(amount decimal.Decimal) string {
	amount = amount.Round(MoneyScale)
	f, _ := amount.Float64()
	p := message.NewPrinter(language.English)
	name := c.Plural
	if amount.Equal(decimal.NewFromInt(1)) {
		name = c.Singular
	}
	if name == "" {
		return p.Sprintf("%.2f", f)
	}
	return p.Sprintf("%.2f %s", f, name)
}

// ParseAmount parses a decimal string supplied by a caller.
func ParseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	return d, nil
}

// AmountFromFloat converts a float amount, rejecting NaN and infinities.
func AmountFromFloat(v float64) (decimal.Decimal, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidAmount, v)
	}
	return decimal.NewFromFloat(v), nil
}

// normalize rounds to cents and rejects amounts that are negative or round to zero.
func normalize(amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s is negative", ErrInvalidAmount, amount)
	}
	rounded := amount.Round(MoneyScale)
	if rounded.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: %s rounds to zero", ErrInvalidAmount, amount)
	}
	return rounded, nil
}
