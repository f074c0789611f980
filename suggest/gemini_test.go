package suggest

import (
	"testing"

	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/parser"
)

func TestParseSuggestions(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		wantLen int
		wantErr bool
	}{
		{
			"plain json",
			`[{"source_a_key":"date","source_b_key":"txn_date","confidence":0.9,"label":"Date"}]`,
			1, false,
		},
		{
			"fenced json",
			"```json\n[{\"source_a_key\":\"amt\",\"source_b_key\":\"value\",\"confidence\":0.8}]\n```",
			1, false,
		},
		{"empty array", `[]`, 0, false},
		{"prose reply", "I think date maps to txn_date.", 0, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseSuggestions(tc.text)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSuggestions: %v", err)
			}
			if len(got) != tc.wantLen {
				t.Fatalf("got %d suggestions, want %d", len(got), tc.wantLen)
			}
		})
	}
}

func TestToMappingEntriesUsesDeclaredTypes(t *testing.T) {
	colsA := []models.ColumnDef{
		{Key: "amount", Type: parser.ColumnTypeCurrency},
		{Key: "memo", Type: parser.ColumnTypeText},
	}
	suggestions := []Suggestion{
		{SourceAKey: "amount", SourceBKey: "value", Confidence: 0.95, Label: "Amount"},
		{SourceAKey: "memo", SourceBKey: "note", Confidence: 0.6},
	}

	entries := ToMappingEntries(suggestions, colsA)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Type != parser.ColumnTypeCurrency || entries[1].Type != parser.ColumnTypeText {
		t.Fatalf("types not taken from declared columns: %+v", entries)
	}
	if entries[0].Label != "Amount" {
		t.Fatalf("label dropped: %+v", entries[0])
	}
}
