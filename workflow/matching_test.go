package workflow

import (
	"reflect"
	"testing"

	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/parser"
)

func row(cells map[string]string, types map[string]parser.ColumnType) parser.TypedRow {
	r := parser.TypedRow{}
	for key, raw := range cells {
		r[key] = parser.ParseValue(raw, types[key])
	}
	return r
}

var invoiceTypes = map[string]parser.ColumnType{
	"date": parser.ColumnTypeDate,
	"amt":  parser.ColumnTypeCurrency,
	"ref":  parser.ColumnTypeText,
}

var invoiceMapping = []models.MappingEntry{
	{SourceAKey: "date", SourceBKey: "date", Type: parser.ColumnTypeDate},
	{SourceAKey: "amt", SourceBKey: "amt", Type: parser.ColumnTypeCurrency},
	{SourceAKey: "ref", SourceBKey: "ref", Type: parser.ColumnTypeText},
}

func invoiceRow(date, amt, ref string) parser.TypedRow {
	return row(map[string]string{"date": date, "amt": amt, "ref": ref}, invoiceTypes)
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestMatchRowsEndToEnd(t *testing.T) {
	aRows := []parser.TypedRow{
		invoiceRow("2024-01-05", "100.00", "INV-1"),
		invoiceRow("2024-01-06", "50.00", "INV-2"),
	}
	bRows := []parser.TypedRow{
		invoiceRow("2024-01-05", "100.00", "INV-1"),
	}

	result := MatchRows(aRows, bRows, invoiceMapping, allIndices(2), allIndices(1))

	if len(result.NewPairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(result.NewPairs))
	}
	pair := result.NewPairs[0]
	if pair.SourceAIdx != 0 || pair.SourceBIdx != 0 || pair.MatchType != models.MatchTypeExact {
		t.Fatalf("pair = %+v, want (0,0,exact)", pair)
	}
	if !reflect.DeepEqual(result.UnmatchedA, []int{1}) {
		t.Fatalf("UnmatchedA = %v, want [1]", result.UnmatchedA)
	}
	if len(result.UnmatchedB) != 0 {
		t.Fatalf("UnmatchedB = %v, want empty", result.UnmatchedB)
	}
}

// Duplicate exact candidates resolve to the lowest A-index, lowest B-index.
func TestMatchRowsExactTieBreak(t *testing.T) {
	aRows := []parser.TypedRow{
		invoiceRow("2024-01-05", "10", "X"),
		invoiceRow("2024-01-05", "10", "X"),
	}
	bRows := []parser.TypedRow{
		invoiceRow("2024-01-05", "10", "X"),
	}

	result := MatchRows(aRows, bRows, invoiceMapping, allIndices(2), allIndices(1))

	if len(result.NewPairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(result.NewPairs))
	}
	if result.NewPairs[0].SourceAIdx != 0 || result.NewPairs[0].SourceBIdx != 0 {
		t.Fatalf("tie-break chose (%d,%d), want (0,0)", result.NewPairs[0].SourceAIdx, result.NewPairs[0].SourceBIdx)
	}
	if !reflect.DeepEqual(result.UnmatchedA, []int{1}) {
		t.Fatalf("UnmatchedA = %v, want [1]", result.UnmatchedA)
	}
}

// Re-running the engine over the residual pools must produce nothing new.
func TestMatchRowsIdempotent(t *testing.T) {
	aRows := []parser.TypedRow{
		invoiceRow("2024-01-05", "100.00", "INV-1"),
		invoiceRow("2024-02-01", "75.00", "INV-9"),
		invoiceRow("2024-03-10", "33.00", "INV-5"),
	}
	bRows := []parser.TypedRow{
		invoiceRow("2024-01-05", "100.00", "INV-1"),
		invoiceRow("2024-06-30", "9999.00", "ZZZ"),
	}

	first := MatchRows(aRows, bRows, invoiceMapping, allIndices(3), allIndices(2))
	second := MatchRows(aRows, bRows, invoiceMapping, first.UnmatchedA, first.UnmatchedB)

	if len(second.NewPairs) != 0 {
		t.Fatalf("second invocation committed %d new pairs, want 0", len(second.NewPairs))
	}
	if !reflect.DeepEqual(second.UnmatchedA, first.UnmatchedA) || !reflect.DeepEqual(second.UnmatchedB, first.UnmatchedB) {
		t.Fatalf("second invocation altered pools: %v/%v vs %v/%v",
			second.UnmatchedA, second.UnmatchedB, first.UnmatchedA, first.UnmatchedB)
	}
}

// Amounts within the exact epsilon still qualify for the exact pass.
func TestMatchRowsExactEpsilon(t *testing.T) {
	aRows := []parser.TypedRow{invoiceRow("2024-01-05", "100.00", "INV-1")}
	bRows := []parser.TypedRow{invoiceRow("2024-01-05", "100.01", "INV-1")}

	result := MatchRows(aRows, bRows, invoiceMapping, allIndices(1), allIndices(1))

	if len(result.NewPairs) != 1 || result.NewPairs[0].MatchType != models.MatchTypeExact {
		t.Fatalf("expected exact match within epsilon, got %+v", result.NewPairs)
	}
}

// A null on either side disqualifies the pair from the exact pass but the
// remaining fields can still carry a fuzzy match.
func TestMatchRowsNullDisqualifiesExact(t *testing.T) {
	aRows := []parser.TypedRow{invoiceRow("2024-01-05", "not a number", "INV-1")}
	bRows := []parser.TypedRow{invoiceRow("2024-01-05", "100.00", "INV-1")}

	result := MatchRows(aRows, bRows, invoiceMapping, allIndices(1), allIndices(1))

	if len(result.NewPairs) != 1 {
		t.Fatalf("got %d pairs, want 1 fuzzy pair", len(result.NewPairs))
	}
	if result.NewPairs[0].MatchType != models.MatchTypeFuzzy {
		t.Fatalf("match type = %s, want fuzzy (null amount cannot be exact)", result.NewPairs[0].MatchType)
	}
}

// Higher-confidence candidates win the greedy commit; within equal
// confidence the lower A-index wins.
func TestMatchRowsFuzzyGreedyOrdering(t *testing.T) {
	aRows := []parser.TypedRow{
		invoiceRow("2024-01-05", "100.00", "payment alpha beta"),
		invoiceRow("2024-01-05", "100.00", "payment alpha"),
	}
	bRows := []parser.TypedRow{
		invoiceRow("2024-01-06", "100.00", "payment alpha beta"),
	}

	result := MatchRows(aRows, bRows, invoiceMapping, allIndices(2), allIndices(1))

	if len(result.NewPairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(result.NewPairs))
	}
	pair := result.NewPairs[0]
	if pair.MatchType != models.MatchTypeFuzzy {
		t.Fatalf("match type = %s, want fuzzy (dates differ)", pair.MatchType)
	}
	// A[0] has full token overlap; A[1] only partial. A[0] must win.
	if pair.SourceAIdx != 0 {
		t.Fatalf("greedy pass chose A[%d], want A[0] (higher text overlap)", pair.SourceAIdx)
	}
}

func TestMatchRowsConfidenceFloor(t *testing.T) {
	// Dates 10 days apart, amounts far apart, no token overlap: nothing
	// should clear the floor.
	aRows := []parser.TypedRow{invoiceRow("2024-01-05", "100.00", "alpha")}
	bRows := []parser.TypedRow{invoiceRow("2024-01-15", "900.00", "omega")}

	result := MatchRows(aRows, bRows, invoiceMapping, allIndices(1), allIndices(1))

	if len(result.NewPairs) != 0 {
		t.Fatalf("expected no pairs below the confidence floor, got %+v", result.NewPairs)
	}
	if !reflect.DeepEqual(result.UnmatchedA, []int{0}) || !reflect.DeepEqual(result.UnmatchedB, []int{0}) {
		t.Fatalf("pools altered: %v / %v", result.UnmatchedA, result.UnmatchedB)
	}
}

func TestDateScoreDecay(t *testing.T) {
	cases := []struct {
		dateA string
		dateB string
		want  float64
	}{
		{"2024-01-10", "2024-01-10", 1.0},
		{"2024-01-10", "2024-01-11", 0.75},
		{"2024-01-10", "2024-01-12", 0.5},
		{"2024-01-10", "2024-01-13", 0.25},
		{"2024-01-10", "2024-01-14", 0},
	}
	for _, tc := range cases {
		got := dateScore(parser.DateValue(tc.dateA), parser.DateValue(tc.dateB))
		if got != tc.want {
			t.Fatalf("dateScore(%s, %s) = %v, want %v", tc.dateA, tc.dateB, got, tc.want)
		}
	}
}

func TestTokenOverlapScore(t *testing.T) {
	cases := []struct {
		a    string
		b    string
		want float64
	}{
		{"wire transfer acme", "wire transfer acme", 1.0},
		{"wire transfer acme", "ACME wire", 2.0 / 3.0},
		{"alpha", "omega", 0},
		{"", "anything", 0},
		{"INV-123 payment", "payment inv-123", 1.0},
	}
	for _, tc := range cases {
		got := tokenOverlapScore(tc.a, tc.b)
		if got != tc.want {
			t.Fatalf("tokenOverlapScore(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestAmountScoreBands(t *testing.T) {
	mk := func(s string) parser.TypedValue { return parser.ParseValue(s, parser.ColumnTypeCurrency) }

	if got := amountScore(mk("100.00"), mk("100.00")); got != 1.0 {
		t.Fatalf("equal amounts score = %v, want 1.0", got)
	}
	if got := amountScore(mk("100.00"), mk("100.01")); got != 1.0 {
		t.Fatalf("epsilon amounts score = %v, want 1.0", got)
	}
	near := amountScore(mk("100.00"), mk("100.50"))
	if near <= 0 || near >= 0.5 {
		t.Fatalf("near-band score = %v, want in (0, 0.5)", near)
	}
	if got := amountScore(mk("100.00"), mk("200.00")); got != 0 {
		t.Fatalf("far amounts score = %v, want 0", got)
	}
}

// Engine respects the incoming pools: rows outside them are untouchable.
func TestMatchRowsHonorsPools(t *testing.T) {
	aRows := []parser.TypedRow{
		invoiceRow("2024-01-05", "100.00", "INV-1"),
		invoiceRow("2024-01-06", "50.00", "INV-2"),
	}
	bRows := []parser.TypedRow{
		invoiceRow("2024-01-05", "100.00", "INV-1"),
		invoiceRow("2024-01-06", "50.00", "INV-2"),
	}

	// A[0] and B[0] already committed elsewhere; only index 1 is in play.
	result := MatchRows(aRows, bRows, invoiceMapping, []int{1}, []int{1})

	if len(result.NewPairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(result.NewPairs))
	}
	if result.NewPairs[0].SourceAIdx != 1 || result.NewPairs[0].SourceBIdx != 1 {
		t.Fatalf("pair = %+v, want (1,1)", result.NewPairs[0])
	}
}
