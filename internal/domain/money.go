package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of fractional digits kept on every monetary field.
const MoneyScale = 2

// Zero is the zero monetary amount.
var Zero = decimal.Zero

// Round2 rounds an amount half away from zero to two fractional digits.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// ParseMoney parses a user supplied amount strictly.
//
// Accepted: optional surrounding spaces, digits, and at most one decimal
// separator ('.' or ',') followed by one or two digits. Anything that could be
// read two ways is rejected: both separators in one string, repeated
// separators, thousands grouping ("1,234"), signs, exponents, NaN/Inf.
func ParseMoney(field, raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Zero, &ErrValidation{Field: field, Message: "amount is required"}
	}

	sepIdx := -1
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '.' || r == ',':
			if sepIdx >= 0 {
				return Zero, &ErrValidation{Field: field, Message: "ambiguous amount format: " + raw}
			}
			sepIdx = i
		default:
			return Zero, &ErrValidation{Field: field, Message: "invalid amount: " + raw}
		}
	}

	intPart, fracPart := s, ""
	if sepIdx >= 0 {
		intPart, fracPart = s[:sepIdx], s[sepIdx+1:]
		if intPart == "" || fracPart == "" {
			return Zero, &ErrValidation{Field: field, Message: "invalid amount: " + raw}
		}
		if len(fracPart) > MoneyScale {
			// "1,234" or "1.234" may be a thousands group or a three-digit fraction.
			return Zero, &ErrValidation{Field: field, Message: "ambiguous amount format: " + raw}
		}
	}

	d, err := decimal.NewFromString(intPart + "." + fracPart + "0")
	if err != nil {
		return Zero, &ErrValidation{Field: field, Message: "invalid amount: " + raw}
	}
	return Round2(d), nil
}

// ParsePositiveMoney parses an amount that must be strictly greater than zero.
func ParsePositiveMoney(field, raw string) (decimal.Decimal, error) {
	d, err := ParseMoney(field, raw)
	if err != nil {
		return Zero, err
	}
	if !d.IsPositive() {
		return Zero, &ErrValidation{Field: field, Message: "must be greater than zero"}
	}
	return d, nil
}

// FormatMoney renders an amount with exactly two fractional digits.
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(MoneyScale)
}

// SumMoney adds amounts.
func SumMoney(amounts ...decimal.Decimal) decimal.Decimal {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
