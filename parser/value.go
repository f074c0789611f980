package parser

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ColumnType is the semantic type assigned to a source column.
type ColumnType string

const (
	ColumnTypeText     ColumnType = "text"
	ColumnTypeNumber   ColumnType = "number"
	ColumnTypeCurrency ColumnType = "currency"
	ColumnTypeDate     ColumnType = "date"
	ColumnTypeBoolean  ColumnType = "boolean"
)

func (t ColumnType) IsValid() bool {
	switch t {
	case ColumnTypeText, ColumnTypeNumber, ColumnTypeCurrency, ColumnTypeDate, ColumnTypeBoolean:
		return true
	}
	return false
}

type ValueKind string

const (
	ValueKindNumber   ValueKind = "number"
	ValueKindCurrency ValueKind = "currency"
	ValueKindDate     ValueKind = "date"
	ValueKindText     ValueKind = "text"
	ValueKindNull     ValueKind = "null"
)

// TypedValue is a tagged union for a parsed cell. Exactly one payload field
// is meaningful for a given Kind. Date is stored as an ISO yyyy-mm-dd string
// so serialized rows survive JSON round-trips without timezone drift.
type TypedValue struct {
	Kind   ValueKind       `json:"kind"`
	Number decimal.Decimal `json:"number,omitempty"`
	Date   string          `json:"date,omitempty"`
	Text   string          `json:"text,omitempty"`
}

// TypedRow maps a column key to its parsed value.
type TypedRow map[string]TypedValue

func NullValue() TypedValue            { return TypedValue{Kind: ValueKindNull} }
func TextValue(s string) TypedValue    { return TypedValue{Kind: ValueKindText, Text: s} }
func DateValue(iso string) TypedValue  { return TypedValue{Kind: ValueKindDate, Date: iso} }
func NumberValue(d decimal.Decimal) TypedValue {
	return TypedValue{Kind: ValueKindNumber, Number: d}
}
func CurrencyValue(d decimal.Decimal) TypedValue {
	return TypedValue{Kind: ValueKindCurrency, Number: d}
}

func (v TypedValue) IsNull() bool { return v.Kind == ValueKindNull }

// IsNumeric reports whether the value carries an amount.
func (v TypedValue) IsNumeric() bool {
	return v.Kind == ValueKindNumber || v.Kind == ValueKindCurrency
}

var currencySymbols = []string{"$", "£", "€", "¥"}

// ParseNumeric normalizes a raw cell into an amount. It strips currency
// symbols, thousands separators and surrounding whitespace, and treats a
// value fully wrapped in parentheses as negative (accounting convention:
// "($1,234.56)" parses to -1234.56). ok=false means "not a number";
// callers must treat that as not comparable, never as zero.
func ParseNumeric(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, false
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = strings.TrimSpace(s[1:])
	} else if strings.HasPrefix(s, "+") {
		s = strings.TrimSpace(s[1:])
	}

	for _, sym := range currencySymbols {
		if strings.HasPrefix(s, sym) {
			s = strings.TrimSpace(strings.TrimPrefix(s, sym))
			break
		}
	}

	// Sign may also follow the currency symbol ("$-12.30").
	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = strings.TrimSpace(s[1:])
	}

	s = stripThousandsSeparators(s)
	if s == "" || !isPlainNumber(s) {
		return decimal.Zero, false
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	if negative {
		d = d.Neg()
	}
	return d, true
}

func stripThousandsSeparators(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case ',', '_', ' ', ' ':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isPlainNumber(s string) bool {
	dots := 0
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '.':
			dots++
			if dots > 1 {
				return false
			}
		default:
			return false
		}
	}
	return digits > 0
}

// HasCurrencyMarker reports whether the raw cell looks like a monetary
// amount rather than a plain number (symbol or accounting parentheses).
func HasCurrencyMarker(raw string) bool {
	s := strings.TrimSpace(raw)
	wrapped := strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")")
	if wrapped {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	s = strings.TrimPrefix(s, "-")
	s = strings.TrimPrefix(s, "+")
	for _, sym := range currencySymbols {
		if strings.HasPrefix(s, sym) {
			_, ok := ParseNumeric(raw)
			return ok
		}
	}
	if wrapped {
		_, ok := ParseNumeric(raw)
		return ok
	}
	return false
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"02-Jan-2006",
	"2-Jan-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"Jan 2 2006",
	"January 2 2006",
}

var twoDigitYearLayouts = []string{
	"01/02/06",
	"1/2/06",
	"02-Jan-06",
	"2-Jan-06",
}

// ParseDate normalizes a raw cell into an ISO yyyy-mm-dd string. Accepts
// ISO, slash formats (US month-first for slash dates) and long-form month
// names. Two-digit years resolve to the nearer century: Go's reference
// parser pivots at 69, which puts 25 in 2025 and 85 in 1985.
func ParseDate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() < 1000 || t.Year() > 9999 {
				continue
			}
			return t.Format("2006-01-02"), true
		}
	}
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

var booleanTokens = map[string]bool{
	"true": true, "false": true,
	"yes": true, "no": true,
	"y": true, "n": true,
	"t": true, "f": true,
	"1": true, "0": true,
}

// IsBooleanToken reports whether the cell is a recognized boolean literal.
func IsBooleanToken(raw string) bool {
	return booleanTokens[strings.ToLower(strings.TrimSpace(raw))]
}

// ParseValue converts a raw cell into a TypedValue under the column's
// declared type. Unparseable input degrades to null (numeric/date columns)
// so a single bad cell never fails a load; it is reported as incomparable
// instead. Parsing is pure and never returns an error.
func ParseValue(raw string, columnType ColumnType) TypedValue {
	s := strings.TrimSpace(raw)
	if s == "" {
		return NullValue()
	}

	switch columnType {
	case ColumnTypeNumber:
		if d, ok := ParseNumeric(s); ok {
			return NumberValue(d)
		}
		return NullValue()
	case ColumnTypeCurrency:
		if d, ok := ParseNumeric(s); ok {
			return CurrencyValue(d)
		}
		return NullValue()
	case ColumnTypeDate:
		if iso, ok := ParseDate(s); ok {
			return DateValue(iso)
		}
		return NullValue()
	case ColumnTypeBoolean:
		// Booleans are compared as normalized text.
		return TextValue(strings.ToLower(s))
	default:
		return TextValue(s)
	}
}
