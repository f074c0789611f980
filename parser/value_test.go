package parser

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseNumeric(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{"plain integer", "1234", "1234", true},
		{"plain decimal", "1234.56", "1234.56", true},
		{"thousands separators", "1,234,567.89", "1234567.89", true},
		{"dollar symbol", "$1,234.56", "1234.56", true},
		{"pound symbol", "£99.99", "99.99", true},
		{"euro symbol", "€250", "250", true},
		{"yen symbol", "¥1000", "1000", true},
		{"accounting negative", "($1,234.56)", "-1234.56", true},
		{"parenthesized plain", "(500)", "-500", true},
		{"leading minus", "-42.5", "-42.5", true},
		{"leading plus", "+42.5", "42.5", true},
		{"symbol then minus", "$-12.30", "-12.3", true},
		{"surrounding whitespace", "  77.70  ", "77.7", true},
		{"underscore separator", "1_000_000", "1000000", true},
		{"empty", "", "0", false},
		{"not a number", "not a number", "0", false},
		{"lone dot", ".", "0", false},
		{"lone symbol", "$", "0", false},
		{"double negative paren", "(-5)", "5", true},
		{"trailing garbage", "12abc", "0", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseNumeric(tc.raw)
			if ok != tc.ok {
				t.Fatalf("ParseNumeric(%q) ok = %v, want %v", tc.raw, ok, tc.ok)
			}
			if !ok {
				return
			}
			want, err := decimal.NewFromString(tc.want)
			if err != nil {
				t.Fatalf("bad expected value %q: %v", tc.want, err)
			}
			if !got.Equal(want) {
				t.Fatalf("ParseNumeric(%q) = %s, want %s", tc.raw, got, want)
			}
		})
	}
}

func TestParseDate(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"2024-03-15", "2024-03-15", true},
		{"2024/03/15", "2024-03-15", true},
		{"03/15/2024", "2024-03-15", true},
		{"3/5/2024", "2024-03-05", true},
		{"15-Mar-2024", "2024-03-15", true},
		{"Mar 15, 2024", "2024-03-15", true},
		{"March 15, 2024", "2024-03-15", true},
		{"03/15/24", "2024-03-15", true},
		{"15-Mar-85", "1985-03-15", true},
		{"not a date", "", false},
		{"", "", false},
		{"13/45/2024", "", false},
	}

	for _, tc := range cases {
		got, ok := ParseDate(tc.raw)
		if ok != tc.ok {
			t.Fatalf("ParseDate(%q) ok = %v, want %v", tc.raw, ok, tc.ok)
		}
		if ok && got != tc.want {
			t.Fatalf("ParseDate(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestParseValueDegradesToNull(t *testing.T) {
	cases := []struct {
		raw        string
		columnType ColumnType
		wantKind   ValueKind
	}{
		{"$1,234.56", ColumnTypeCurrency, ValueKindCurrency},
		{"1234.56", ColumnTypeNumber, ValueKindNumber},
		{"2024-01-31", ColumnTypeDate, ValueKindDate},
		{"hello", ColumnTypeText, ValueKindText},
		{"YES", ColumnTypeBoolean, ValueKindText},
		{"garbage", ColumnTypeNumber, ValueKindNull},
		{"garbage", ColumnTypeDate, ValueKindNull},
		{"", ColumnTypeText, ValueKindNull},
		{"   ", ColumnTypeNumber, ValueKindNull},
	}

	for _, tc := range cases {
		got := ParseValue(tc.raw, tc.columnType)
		if got.Kind != tc.wantKind {
			t.Fatalf("ParseValue(%q, %s).Kind = %s, want %s", tc.raw, tc.columnType, got.Kind, tc.wantKind)
		}
	}
}

func TestParseValueNullNeverZero(t *testing.T) {
	v := ParseValue("n/a", ColumnTypeCurrency)
	if !v.IsNull() {
		t.Fatalf("expected null for non-numeric currency cell, got %+v", v)
	}
	if v.IsNumeric() {
		t.Fatalf("null value must not report as numeric")
	}
}
