package importer

import (
	"strconv"
	"strings"
	"unicode"
)

// NormalizeLegacyKey strips all whitespace and uppercases a legacy
// identifier so it can be used as a reconciliation-map key.
func NormalizeLegacyKey(s string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s))
}

// CollapseSpaces trims and joins internal whitespace runs with one space.
func CollapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeDocument keeps letters and digits, uppercased.
func NormalizeDocument(s string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s))
}

// NormalizePhone keeps digits, '+' and '-'.
func NormalizePhone(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) || r == '+' || r == '-' {
			return r
		}
		return -1
	}, s)
}

func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeGender maps legacy spellings to M, F, O or U.
func NormalizeGender(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "m", "masculino", "male", "hombre":
		return "M"
	case "f", "femenino", "female", "mujer":
		return "F"
	case "o", "otro", "other":
		return "O"
	default:
		return "U"
	}
}

// ParseCurrency reads a money figure written with either '.' or ',' as the
// decimal separator. Every other character, a sign included, is discarded;
// unparseable input yields 0.
func ParseCurrency(s string) float64 {
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsDigit(r) || r == '.':
			b.WriteRune(r)
		case r == ',':
			b.WriteRune('.')
		}
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0
	}
	return v
}

// ParseLegacyDate passes a legacy date through unchanged; empty is absent.
func ParseLegacyDate(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
