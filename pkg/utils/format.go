// Package utils provides shared utility functions.
package utils

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatUSD formats an amount as US dollars with thousands separators.
func FormatUSD(amount float64) string {
	return formatUSD(decimal.NewFromFloat(amount))
}

// FormatSignedUSD formats an amount with an explicit sign ("+$1.00", "-$1.00", "$0.00").
func FormatSignedUSD(amount float64) string {
	d := decimal.NewFromFloat(amount).Round(2)
	if d.IsPositive() {
		return "+" + formatUSD(d)
	}
	return formatUSD(d)
}

func formatUSD(d decimal.Decimal) string {
	d = d.Round(2)
	negative := d.IsNegative()
	str := d.Abs().StringFixed(2)
	parts := strings.SplitN(str, ".", 2)

	result := "$" + groupThousands(parts[0]) + "." + parts[1]
	if negative {
		result = "-" + result
	}
	return result
}

// groupThousands inserts commas every three digits from the right.
func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}

	var b strings.Builder
	head := n % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatPrice formats a price with a fixed number of decimals.
func FormatPrice(price float64, precision int) string {
	if precision < 0 {
		precision = 0
	}
	return decimal.NewFromFloat(price).StringFixed(int32(precision))
}

// RoundTo rounds v to precision decimal places.
func RoundTo(v float64, precision int) float64 {
	if precision < 0 {
		precision = 0
	}
	f, _ := decimal.NewFromFloat(v).Round(int32(precision)).Float64()
	return f
}

// FormatPercent formats a percentage with sign.
func FormatPercent(value float64) string {
	sign := ""
	if value > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.2f%%", sign, value)
}
