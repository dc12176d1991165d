package normalizer

import (
	"math"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"statement-ingest-service/pkg/errors"
)

var maxMinorUnits = decimal.NewFromInt(math.MaxInt64)

// ParseAmount parses a human-written amount into a signed decimal.
//
// Handled: currency symbols and codes before or after the number, spaces
// and apostrophes as thousand separators, comma or dot as decimal separator,
// one sign written as a leading or trailing minus or plus, or as
// parentheses. When both separators appear the last one is the decimal
// separator. A single comma followed by exactly three digits is a thousand
// separator; any other single comma is a decimal separator. Anything else,
// such as letters or a sign inside the number, is rejected.
func ParseAmount(s string) (decimal.Decimal, error) {
	raw := s
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, errors.ValidationError(errors.CodeMissingField, "amount", raw, nil)
	}
	invalid := func(cause error) (decimal.Decimal, error) {
		return decimal.Zero, errors.ValidationError(errors.CodeInvalidAmount, "amount", raw, cause)
	}

	signs := 0
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		signs++
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	runes := []rune(s)
	first, last := -1, -1
	for i, r := range runes {
		if r >= '0' && r <= '9' {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return invalid(nil)
	}
	// a leading separator belongs to the number, as in ".5"
	if first > 0 && (runes[first-1] == '.' || runes[first-1] == ',') {
		first--
	}

	for _, affix := range [][]rune{runes[:first], runes[last+1:]} {
		for _, r := range affix {
			switch {
			case r == '-' || r == '\u2212':
				signs++
				negative = !negative
			case r == '+':
				signs++
			case unicode.IsSpace(r), unicode.IsLetter(r), unicode.IsSymbol(r):
				// currency codes and symbols
			default:
				return invalid(nil)
			}
		}
	}
	if signs > 1 {
		return invalid(nil)
	}

	var b strings.Builder
	for _, r := range runes[first : last+1] {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',':
			b.WriteRune(r)
		case unicode.IsSpace(r), r == '\'', r == '\u2019':
		default:
			return invalid(nil)
		}
	}

	digits := normalizeSeparators(b.String())
	d, err := decimal.NewFromString(digits)
	if err != nil {
		return invalid(err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

func normalizeSeparators(s string) string {
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 || len(s)-lastComma-1 == 3 {
			return strings.ReplaceAll(s, ",", "")
		}
		return strings.Replace(s, ",", ".", 1)
	case strings.Count(s, ".") > 1:
		return strings.ReplaceAll(s, ".", "")
	}
	return s
}

// ToMinorUnits converts d to integer minor units, rounding half away from zero
func ToMinorUnits(d decimal.Decimal, exponent int32) (int64, error) {
	units := d.Shift(exponent).Round(0)
	if units.Abs().GreaterThan(maxMinorUnits) {
		return 0, errors.ValidationError(errors.CodeOutOfRange, "amount", d.String(), nil)
	}
	return units.IntPart(), nil
}
