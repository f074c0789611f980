package parser

import "testing"

func TestDetectColumnType(t *testing.T) {
	cases := []struct {
		name    string
		samples []string
		want    ColumnType
	}{
		{"currency column", []string{"$10.00", "$25.50", "($3.00)", "$1,200.00"}, ColumnTypeCurrency},
		{"number column", []string{"1", "2.5", "300", "4,000"}, ColumnTypeNumber},
		{"date column", []string{"2024-01-01", "2024-01-02", "01/15/2024", "Feb 1, 2024"}, ColumnTypeDate},
		{"boolean column", []string{"yes", "no", "yes", "no", "yes", "no", "yes", "no", "yes", "yes"}, ColumnTypeBoolean},
		{"text column", []string{"Acme Corp", "Office supplies", "Wire transfer"}, ColumnTypeText},
		{"blanks ignored", []string{"", "  ", "5", "10", "15", ""}, ColumnTypeNumber},
		{"all blank", []string{"", "   ", ""}, ColumnTypeText},
		{"empty samples", nil, ColumnTypeText},
		{"mostly numbers clears threshold", []string{"1", "2", "3", "4", "x"}, ColumnTypeNumber},
		{"mixed misses threshold", []string{"1", "2", "x", "y", "z"}, ColumnTypeText},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, confidence := DetectColumnType(tc.samples)
			if got != tc.want {
				t.Fatalf("DetectColumnType(%v) = %s (confidence %.2f), want %s", tc.samples, got, confidence, tc.want)
			}
			if confidence < 0 || confidence > 1 {
				t.Fatalf("confidence %f out of range", confidence)
			}
		})
	}
}

// Currency must win over number for symbol-bearing values, and dates that
// parse numerically must not fall through to number.
func TestDetectColumnTypeOrdering(t *testing.T) {
	got, _ := DetectColumnType([]string{"$5", "$6", "$7", "$8", "$9"})
	if got != ColumnTypeCurrency {
		t.Fatalf("symbol-bearing samples classified as %s, want currency", got)
	}

	got, _ = DetectColumnType([]string{"2024-01-01", "2024-02-02", "2024-03-03"})
	if got != ColumnTypeDate {
		t.Fatalf("date samples classified as %s, want date", got)
	}
}

// Boolean tokens overlap with numbers ("1"/"0") and short text, so the
// boolean threshold is stricter.
func TestDetectColumnTypeBooleanThreshold(t *testing.T) {
	// 9 of 10 boolean tokens: 90% clears the boolean bar. Note "1"/"0"
	// samples would classify as number first; use word tokens.
	samples := []string{"yes", "no", "yes", "no", "true", "false", "y", "n", "yes", "maybe"}
	got, _ := DetectColumnType(samples)
	if got != ColumnTypeBoolean {
		t.Fatalf("90%% boolean samples classified as %s, want boolean", got)
	}

	// 8 of 10 would clear the generic 80% bar but not the boolean bar.
	samples = []string{"yes", "no", "yes", "no", "true", "false", "y", "n", "maybe", "dunno"}
	got, _ = DetectColumnType(samples)
	if got != ColumnTypeText {
		t.Fatalf("80%% boolean samples classified as %s, want text", got)
	}
}
