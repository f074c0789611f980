package parser

import "strings"

// Detection thresholds. Boolean needs a higher bar because its tokens
// ("y", "n", "1", "0") overlap with short free text and numbers.
const (
	detectThreshold        = 0.80
	detectBooleanThreshold = 0.90
)

// DetectColumnType infers a column's semantic type from sample values by
// majority vote. Blanks are ignored. Candidates are evaluated in a fixed
// order: currency, number, date, boolean. The first candidate whose match
// ratio clears its threshold wins; otherwise the column is text. The order
// is a deliberate tie-break: currency-looking numbers must not classify as
// plain numbers, and numeric dates must not classify as numbers.
//
// The returned confidence is the ratio of non-blank samples matching the
// chosen type (1.0 for the text fallback).
func DetectColumnType(samples []string) (ColumnType, float64) {
	nonBlank := make([]string, 0, len(samples))
	for _, s := range samples {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			nonBlank = append(nonBlank, trimmed)
		}
	}
	if len(nonBlank) == 0 {
		return ColumnTypeText, 1.0
	}

	candidates := []struct {
		columnType ColumnType
		matches    func(string) bool
		threshold  float64
	}{
		{ColumnTypeCurrency, HasCurrencyMarker, detectThreshold},
		{ColumnTypeNumber, func(s string) bool { _, ok := ParseNumeric(s); return ok }, detectThreshold},
		{ColumnTypeDate, func(s string) bool { _, ok := ParseDate(s); return ok }, detectThreshold},
		{ColumnTypeBoolean, IsBooleanToken, detectBooleanThreshold},
	}

	for _, candidate := range candidates {
		matched := 0
		for _, s := range nonBlank {
			if candidate.matches(s) {
				matched++
			}
		}
		ratio := float64(matched) / float64(len(nonBlank))
		if ratio >= candidate.threshold {
			return candidate.columnType, ratio
		}
	}

	return ColumnTypeText, 1.0
}
