package workflow

import (
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/parser"
	"github.com/shopspring/decimal"
)

// Matching tolerances. Exact-pass amounts absorb rounding with a fixed
// absolute epsilon. The fuzzy pass widens the band to the larger of an
// absolute and a relative tolerance, and accepts nearby dates with linear
// decay.
var (
	exactAmountEpsilon = decimal.NewFromFloat(0.01)
	fuzzyAmountAbsBand = decimal.NewFromFloat(1.00)
	fuzzyAmountPctBand = decimal.NewFromFloat(0.005)
)

const (
	fuzzyDateWindowDays = 3
	minFuzzyConfidence  = 0.5

	weightAmount = 0.4
	weightDate   = 0.3
	weightText   = 0.3
)

// MatchResult carries the engine output back to the lifecycle layer.
type MatchResult struct {
	NewPairs   []models.MatchedPair
	UnmatchedA []int
	UnmatchedB []int
}

// MatchRows runs the two-pass engine over the residual unmatched pools.
// It never touches previously committed pairs; re-running it with the
// pools it returned is a no-op. Pure and deterministic.
//
// Pass 1 (exact): a pair qualifies only if every mapped field agrees
// (dates equal, amounts within the epsilon, text case-insensitively equal
// after trimming). Qualifying pairs commit in ascending A-index then
// B-index order; the first commit wins for duplicates.
//
// Pass 2 (fuzzy): remaining pairs get a weighted confidence in [0,1].
// Candidates under the floor are dropped; the rest commit greedily in
// descending confidence order, ties broken by ascending A-index then
// B-index. Greedy-by-confidence is the deliberate policy for ambiguous
// candidates; there is no global-optimum search.
func MatchRows(aRows, bRows []parser.TypedRow, mapping []models.MappingEntry, unmatchedA, unmatchedB []int) MatchResult {
	poolA := append([]int{}, unmatchedA...)
	poolB := append([]int{}, unmatchedB...)
	sort.Ints(poolA)
	sort.Ints(poolB)

	var pairs []models.MatchedPair

	// exact pass
	usedB := map[int]bool{}
	residualA := make([]int, 0, len(poolA))
	for _, aIdx := range poolA {
		committed := false
		for _, bIdx := range poolB {
			if usedB[bIdx] {
				continue
			}
			if matchedOn, ok := exactAgreement(aRows[aIdx], bRows[bIdx], mapping); ok {
				pairs = append(pairs, models.MatchedPair{
					SourceAIdx: aIdx,
					SourceBIdx: bIdx,
					MatchType:  models.MatchTypeExact,
					Confidence: 1.0,
					MatchedOn:  matchedOn,
				})
				usedB[bIdx] = true
				committed = true
				break
			}
		}
		if !committed {
			residualA = append(residualA, aIdx)
		}
	}
	residualB := make([]int, 0, len(poolB))
	for _, bIdx := range poolB {
		if !usedB[bIdx] {
			residualB = append(residualB, bIdx)
		}
	}

	// fuzzy pass
	type candidate struct {
		aIdx       int
		bIdx       int
		confidence float64
		matchedOn  []string
	}
	var candidates []candidate
	for _, aIdx := range residualA {
		for _, bIdx := range residualB {
			confidence, matchedOn, comparable := fuzzyConfidence(aRows[aIdx], bRows[bIdx], mapping)
			if !comparable || confidence < minFuzzyConfidence {
				continue
			}
			candidates = append(candidates, candidate{aIdx, bIdx, confidence, matchedOn})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].confidence != candidates[j].confidence {
			return candidates[i].confidence > candidates[j].confidence
		}
		if candidates[i].aIdx != candidates[j].aIdx {
			return candidates[i].aIdx < candidates[j].aIdx
		}
		return candidates[i].bIdx < candidates[j].bIdx
	})

	takenA := map[int]bool{}
	takenB := map[int]bool{}
	for _, c := range candidates {
		if takenA[c.aIdx] || takenB[c.bIdx] {
			continue
		}
		takenA[c.aIdx] = true
		takenB[c.bIdx] = true
		pairs = append(pairs, models.MatchedPair{
			SourceAIdx: c.aIdx,
			SourceBIdx: c.bIdx,
			MatchType:  models.MatchTypeFuzzy,
			Confidence: c.confidence,
			MatchedOn:  c.matchedOn,
		})
	}

	result := MatchResult{NewPairs: pairs}
	for _, aIdx := range residualA {
		if !takenA[aIdx] {
			result.UnmatchedA = append(result.UnmatchedA, aIdx)
		}
	}
	for _, bIdx := range residualB {
		if !takenB[bIdx] {
			result.UnmatchedB = append(result.UnmatchedB, bIdx)
		}
	}
	return result
}

// exactAgreement reports whether every mapped field agrees. A null on
// either side means the field cannot be compared, which disqualifies the
// pair from the exact pass.
func exactAgreement(aRow, bRow parser.TypedRow, mapping []models.MappingEntry) ([]string, bool) {
	matchedOn := make([]string, 0, len(mapping))
	for _, entry := range mapping {
		aVal := aRow[entry.SourceAKey]
		bVal := bRow[entry.SourceBKey]
		if aVal.IsNull() || bVal.IsNull() {
			return nil, false
		}
		if !fieldAgrees(aVal, bVal, entry.Type) {
			return nil, false
		}
		matchedOn = append(matchedOn, entry.SourceAKey)
	}
	if len(matchedOn) == 0 {
		return nil, false
	}
	return matchedOn, true
}

func fieldAgrees(aVal, bVal parser.TypedValue, columnType parser.ColumnType) bool {
	switch columnType {
	case parser.ColumnTypeNumber, parser.ColumnTypeCurrency:
		if !aVal.IsNumeric() || !bVal.IsNumeric() {
			return false
		}
		return aVal.Number.Sub(bVal.Number).Abs().LessThanOrEqual(exactAmountEpsilon)
	case parser.ColumnTypeDate:
		if aVal.Kind != parser.ValueKindDate || bVal.Kind != parser.ValueKindDate {
			return false
		}
		return aVal.Date == bVal.Date
	default:
		return normalizeText(aVal.Text) == normalizeText(bVal.Text)
	}
}

func normalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// fuzzyConfidence scores one candidate pair. Per-field scores are combined
// as a weighted average over the fields comparable on both sides (amount
// 0.4, date 0.3, text 0.3). comparable=false means no mapped field had
// values on both sides.
func fuzzyConfidence(aRow, bRow parser.TypedRow, mapping []models.MappingEntry) (float64, []string, bool) {
	var weightSum, scoreSum float64
	var matchedOn []string

	for _, entry := range mapping {
		aVal := aRow[entry.SourceAKey]
		bVal := bRow[entry.SourceBKey]
		if aVal.IsNull() || bVal.IsNull() {
			continue
		}

		var weight, score float64
		switch entry.Type {
		case parser.ColumnTypeNumber, parser.ColumnTypeCurrency:
			weight = weightAmount
			score = amountScore(aVal, bVal)
		case parser.ColumnTypeDate:
			weight = weightDate
			score = dateScore(aVal, bVal)
		default:
			weight = weightText
			score = tokenOverlapScore(aVal.Text, bVal.Text)
		}

		weightSum += weight
		scoreSum += weight * score
		if score > 0 {
			matchedOn = append(matchedOn, entry.SourceAKey)
		}
	}

	if weightSum == 0 {
		return 0, nil, false
	}
	return scoreSum / weightSum, matchedOn, true
}

// amountScore gives full credit only for an exact (epsilon) match and
// partial credit decaying from 0.5 within the wider band. The band is the
// larger of the absolute band and the relative band of the bigger amount.
func amountScore(aVal, bVal parser.TypedValue) float64 {
	if !aVal.IsNumeric() || !bVal.IsNumeric() {
		return 0
	}
	diff := aVal.Number.Sub(bVal.Number).Abs()
	if diff.LessThanOrEqual(exactAmountEpsilon) {
		return 1.0
	}

	larger := aVal.Number.Abs()
	if bVal.Number.Abs().GreaterThan(larger) {
		larger = bVal.Number.Abs()
	}
	band := fuzzyAmountAbsBand
	if relative := larger.Mul(fuzzyAmountPctBand); relative.GreaterThan(band) {
		band = relative
	}
	if diff.GreaterThan(band) {
		return 0
	}
	ratio, _ := diff.Div(band).Float64()
	return 0.5 * (1.0 - ratio)
}

// dateScore decays linearly across the day window: 1.0 exact, then 0.75,
// 0.5, 0.25 for 1..3 days apart, 0 beyond.
func dateScore(aVal, bVal parser.TypedValue) float64 {
	if aVal.Kind != parser.ValueKindDate || bVal.Kind != parser.ValueKindDate {
		return 0
	}
	days, ok := daysBetween(aVal.Date, bVal.Date)
	if !ok || days > fuzzyDateWindowDays {
		return 0
	}
	return 1.0 - float64(days)/float64(fuzzyDateWindowDays+1)
}

func daysBetween(isoA, isoB string) (int, bool) {
	ta, errA := time.Parse("2006-01-02", isoA)
	tb, errB := time.Parse("2006-01-02", isoB)
	if errA != nil || errB != nil {
		return 0, false
	}
	days := int(ta.Sub(tb).Hours() / 24)
	if days < 0 {
		days = -days
	}
	return days, true
}

// tokenOverlapScore is the token intersection over the larger token count,
// case-insensitive.
func tokenOverlapScore(aText, bText string) float64 {
	aTokens := tokenize(aText)
	bTokens := tokenize(bText)
	if len(aTokens) == 0 || len(bTokens) == 0 {
		return 0
	}

	aSet := make(map[string]bool, len(aTokens))
	for _, t := range aTokens {
		aSet[t] = true
	}
	overlap := 0
	seen := map[string]bool{}
	for _, t := range bTokens {
		if aSet[t] && !seen[t] {
			overlap++
			seen[t] = true
		}
	}

	maxCount := len(aSet)
	bSet := map[string]bool{}
	for _, t := range bTokens {
		bSet[t] = true
	}
	if len(bSet) > maxCount {
		maxCount = len(bSet)
	}
	return float64(overlap) / float64(maxCount)
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		return !isAlnum
	})
}
