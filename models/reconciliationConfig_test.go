package models

import (
	"strings"
	"testing"

	"bitbucket.org/mmdatafocus/recon_backend/parser"
)

var (
	testColsA = []ColumnDef{
		{Key: "date", Label: "Date", Type: parser.ColumnTypeDate},
		{Key: "amount", Label: "Amount", Type: parser.ColumnTypeCurrency},
		{Key: "ref", Label: "Reference", Type: parser.ColumnTypeText},
	}
	testColsB = []ColumnDef{
		{Key: "txn_date", Label: "Txn Date", Type: parser.ColumnTypeDate},
		{Key: "value", Label: "Value", Type: parser.ColumnTypeCurrency},
		{Key: "memo", Label: "Memo", Type: parser.ColumnTypeText},
	}
)

func TestValidateMapping(t *testing.T) {
	cases := []struct {
		name    string
		mapping []MappingEntry
		wantErr string
	}{
		{
			"valid mapping",
			[]MappingEntry{
				{SourceAKey: "date", SourceBKey: "txn_date", Type: parser.ColumnTypeDate},
				{SourceAKey: "amount", SourceBKey: "value", Type: parser.ColumnTypeCurrency},
			},
			"",
		},
		{"empty mapping is valid", nil, ""},
		{
			"unknown a key",
			[]MappingEntry{{SourceAKey: "nope", SourceBKey: "value", Type: parser.ColumnTypeCurrency}},
			`source A column "nope" does not exist`,
		},
		{
			"unknown b key",
			[]MappingEntry{{SourceAKey: "amount", SourceBKey: "nope", Type: parser.ColumnTypeCurrency}},
			`source B column "nope" does not exist`,
		},
		{
			"duplicate a key",
			[]MappingEntry{
				{SourceAKey: "amount", SourceBKey: "value", Type: parser.ColumnTypeCurrency},
				{SourceAKey: "amount", SourceBKey: "memo", Type: parser.ColumnTypeText},
			},
			`source A column "amount" is mapped more than once`,
		},
		{
			"duplicate b key",
			[]MappingEntry{
				{SourceAKey: "amount", SourceBKey: "value", Type: parser.ColumnTypeCurrency},
				{SourceAKey: "ref", SourceBKey: "value", Type: parser.ColumnTypeText},
			},
			`source B column "value" is mapped more than once`,
		},
		{
			"invalid type",
			[]MappingEntry{{SourceAKey: "amount", SourceBKey: "value", Type: "money"}},
			"invalid type",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMapping(testColsA, testColsB, tc.mapping)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("got %v, want error containing %q", err, tc.wantErr)
			}
			if !IsValidationError(err) {
				t.Fatalf("mapping errors must be ValidationError, got %T", err)
			}
		})
	}
}

func TestResolveMappings(t *testing.T) {
	proposed := []MappingEntry{
		{SourceAKey: "date", SourceBKey: "txn_date", Type: parser.ColumnTypeDate},
		{SourceAKey: "ghost", SourceBKey: "value", Type: parser.ColumnTypeCurrency},
		{SourceAKey: "amount", SourceBKey: "value", Type: parser.ColumnTypeCurrency},
		{SourceAKey: "ref", SourceBKey: "value", Type: parser.ColumnTypeText},
		{SourceAKey: "date", SourceBKey: "memo", Type: parser.ColumnTypeText},
	}

	valid, rejected := ResolveMappings(testColsA, testColsB, proposed)

	if len(valid) != 2 {
		t.Fatalf("got %d valid entries, want 2: %+v", len(valid), valid)
	}
	if valid[0].SourceAKey != "date" || valid[1].SourceAKey != "amount" {
		t.Fatalf("valid entries out of order: %+v", valid)
	}

	if len(rejected) != 3 {
		t.Fatalf("got %d rejections, want 3: %+v", len(rejected), rejected)
	}
	for _, r := range rejected {
		if r.Reason == "" {
			t.Fatalf("rejection without a reason: %+v", r)
		}
	}
	if !strings.Contains(rejected[0].Reason, "does not exist") {
		t.Fatalf("ghost key reason = %q", rejected[0].Reason)
	}
	if !strings.Contains(rejected[1].Reason, "already mapped") {
		t.Fatalf("reused B key reason = %q", rejected[1].Reason)
	}
	if !strings.Contains(rejected[2].Reason, "already mapped") {
		t.Fatalf("reused A key reason = %q", rejected[2].Reason)
	}
}

// A malformed suggested type falls back to the A column's declared type
// instead of propagating junk into the engine.
func TestResolveMappingsRepairsType(t *testing.T) {
	proposed := []MappingEntry{
		{SourceAKey: "amount", SourceBKey: "value", Type: "dollars"},
	}
	valid, rejected := ResolveMappings(testColsA, testColsB, proposed)
	if len(rejected) != 0 || len(valid) != 1 {
		t.Fatalf("valid=%v rejected=%v", valid, rejected)
	}
	if valid[0].Type != parser.ColumnTypeCurrency {
		t.Fatalf("type = %q, want currency from the declared column", valid[0].Type)
	}
}
