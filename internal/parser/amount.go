package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is the tag an amount is written with. It selects the numeric convention.
type Currency string

const (
	CurrencyUnknown Currency = ""
	CurrencyDollar  Currency = "$"
	CurrencyCOP     Currency = "COP"
	CurrencyUSD     Currency = "USD"
)

var (
	latinAmount = regexp.MustCompile(`^(?:\d{1,3}(?:\.\d{3})+|\d+)(?:,\d+)?$`)
	usAmount    = regexp.MustCompile(`^(?:\d{1,3}(?:,\d{3})+|\d+)(?:\.\d+)?$`)

	groupedByDot   = regexp.MustCompile(`^\d{1,3}(?:\.\d{3})+$`)
	groupedByComma = regexp.MustCompile(`^\d{1,3}(?:,\d{3})+$`)
)

var errEmptyAmount = errors.New("empty amount")

// ParseAmount normalizes a captured amount. A prefix inside raw ($, COP, USD) is
// stripped; currency, when not CurrencyUnknown, takes precedence over it.
//
// COP amounts use the Latin convention (1.234,56), USD amounts the US one
// (1,234.56). Dollar-sign and untagged amounts are inferred from the separators:
// with both present the rightmost is decimal; a lone separator kind is a thousands
// separator when repeated or followed by exactly three digits.
func ParseAmount(raw string, currency Currency) (decimal.Decimal, error) {
	tag, digits := splitCurrency(raw)
	if currency == CurrencyUnknown {
		currency = tag
	}
	if digits == "" {
		return decimal.Decimal{}, errEmptyAmount
	}

	var normalized string
	switch currency {
	case CurrencyCOP:
		if !latinAmount.MatchString(digits) {
			return decimal.Decimal{}, fmt.Errorf("amount %q is not in the COP format", digits)
		}
		normalized = strings.ReplaceAll(strings.ReplaceAll(digits, ".", ""), ",", ".")
	case CurrencyUSD:
		if !usAmount.MatchString(digits) {
			return decimal.Decimal{}, fmt.Errorf("amount %q is not in the USD format", digits)
		}
		normalized = strings.ReplaceAll(digits, ",", "")
	default:
		var err error
		normalized, err = inferAmount(digits)
		if err != nil {
			return decimal.Decimal{}, err
		}
	}

	d, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("amount %q: %w", raw, err)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("amount %q is not positive", raw)
	}
	return d, nil
}

func splitCurrency(raw string) (Currency, string) {
	s := strings.TrimSpace(raw)
	for _, c := range []Currency{CurrencyCOP, CurrencyUSD, CurrencyDollar} {
		if rest, ok := strings.CutPrefix(s, string(c)); ok {
			return c, strings.TrimSpace(rest)
		}
	}
	return CurrencyUnknown, s
}

func inferAmount(s string) (string, error) {
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != ',' {
			return "", fmt.Errorf("amount %q contains %q", s, r)
		}
	}

	lastDot := strings.LastIndexByte(s, '.')
	lastComma := strings.LastIndexByte(s, ',')

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			return fromConvention(s, latinAmount, ".", ",")
		}
		return fromConvention(s, usAmount, ",", ".")
	case lastDot < 0 && lastComma < 0:
		return s, nil
	}

	sep, pos, grouped := ",", lastComma, groupedByComma
	if lastDot >= 0 {
		sep, pos, grouped = ".", lastDot, groupedByDot
	}
	if strings.Count(s, sep) > 1 || len(s)-pos-1 == 3 {
		// Thousands separator only.
		if !grouped.MatchString(s) {
			return "", fmt.Errorf("amount %q has irregular digit grouping", s)
		}
		return strings.ReplaceAll(s, sep, ""), nil
	}
	return strings.Replace(s, sep, ".", 1), nil
}

func fromConvention(s string, valid *regexp.Regexp, thousands, dec string) (string, error) {
	if !valid.MatchString(s) {
		return "", fmt.Errorf("amount %q has irregular digit grouping", s)
	}
	return strings.ReplaceAll(strings.ReplaceAll(s, thousands, ""), dec, "."), nil
}
