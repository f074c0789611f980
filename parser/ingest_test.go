package parser

import (
	"strings"
	"testing"
)

func TestParseFileCSV(t *testing.T) {
	data := []byte("Date,Description,Amount\n2024-01-05,Coffee,$4.50\n2024-01-06,Lunch,$12.00\n")

	parsed, err := ParseFile(data, "expenses.csv", ParseModeFull)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if parsed.RowCount != 2 {
		t.Fatalf("RowCount = %d, want 2", parsed.RowCount)
	}
	if len(parsed.Columns) != 3 {
		t.Fatalf("got %d columns, want 3", len(parsed.Columns))
	}

	wantKeys := []string{"date", "description", "amount"}
	wantTypes := []ColumnType{ColumnTypeDate, ColumnTypeText, ColumnTypeCurrency}
	for i, col := range parsed.Columns {
		if col.Key != wantKeys[i] {
			t.Fatalf("column %d key = %q, want %q", i, col.Key, wantKeys[i])
		}
		if col.Type != wantTypes[i] {
			t.Fatalf("column %q type = %s, want %s", col.Key, col.Type, wantTypes[i])
		}
	}

	if parsed.Rows[0]["amount"] != "$4.50" {
		t.Fatalf("row 0 amount = %q, want %q", parsed.Rows[0]["amount"], "$4.50")
	}
}

func TestParseFileTSV(t *testing.T) {
	data := []byte("Ref\tAmount\nINV-1\t100\nINV-2\t200\n")

	parsed, err := ParseFile(data, "export.tsv", ParseModeFull)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if parsed.RowCount != 2 {
		t.Fatalf("RowCount = %d, want 2", parsed.RowCount)
	}
	if parsed.Rows[1]["ref"] != "INV-2" {
		t.Fatalf("row 1 ref = %q, want INV-2", parsed.Rows[1]["ref"])
	}
}

func TestParseFileSampleMode(t *testing.T) {
	var b strings.Builder
	b.WriteString("id,amount\n")
	for i := 0; i < 100; i++ {
		b.WriteString("1,2\n")
	}

	parsed, err := ParseFile([]byte(b.String()), "big.csv", ParseModeSample)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if parsed.RowCount != SampleRowLimit {
		t.Fatalf("sample RowCount = %d, want %d", parsed.RowCount, SampleRowLimit)
	}
}

func TestParseFileEmptyIsWarningNotError(t *testing.T) {
	parsed, err := ParseFile([]byte(""), "empty.csv", ParseModeFull)
	if err != nil {
		t.Fatalf("empty file must not be an error, got %v", err)
	}
	if len(parsed.Warnings) == 0 {
		t.Fatalf("empty file must carry a warning")
	}
	if parsed.RowCount != 0 || len(parsed.Columns) != 0 {
		t.Fatalf("empty file must yield an empty result, got %+v", parsed)
	}
}

func TestParseFileHeadersOnly(t *testing.T) {
	parsed, err := ParseFile([]byte("a,b,c\n"), "headers.csv", ParseModeFull)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if parsed.RowCount != 0 {
		t.Fatalf("RowCount = %d, want 0", parsed.RowCount)
	}
	if len(parsed.Columns) != 3 {
		t.Fatalf("got %d columns, want 3", len(parsed.Columns))
	}
	if len(parsed.Warnings) == 0 {
		t.Fatalf("headers-only file must carry a warning")
	}
}

func TestParseFileUnsupportedExtension(t *testing.T) {
	if _, err := ParseFile([]byte("x"), "report.pdf", ParseModeFull); err == nil {
		t.Fatalf("pdf must be rejected here (extraction is delegated upstream)")
	}
}

func TestSlugifyHeaders(t *testing.T) {
	cases := []struct {
		name    string
		headers []string
		want    []string
	}{
		{"basic", []string{"Date", "Description", "Amount (USD)"}, []string{"date", "description", "amount_usd"}},
		{"collisions", []string{"Amount", "amount", "AMOUNT"}, []string{"amount", "amount_2", "amount_3"}},
		{"blank headers", []string{"", "Name", ""}, []string{"column_1", "name", "column_3"}},
		{"punctuation squashed", []string{"Txn. Ref #", "Value-Date"}, []string{"txn_ref", "value_date"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SlugifyHeaders(tc.headers)
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("key %d = %q, want %q (full: %v)", i, got[i], tc.want[i], got)
				}
			}
		})
	}
}

func TestParseFileRaggedRows(t *testing.T) {
	data := []byte("a,b,c\n1,2\n4,5,6,7\n")

	parsed, err := ParseFile(data, "ragged.csv", ParseModeFull)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if parsed.Rows[0]["c"] != "" {
		t.Fatalf("short row must pad with empty cells, got %q", parsed.Rows[0]["c"])
	}
	if parsed.Rows[1]["c"] != "6" {
		t.Fatalf("long row cell = %q, want 6", parsed.Rows[1]["c"])
	}
}
