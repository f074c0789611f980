package models

import (
	"reflect"
	"testing"

	"bitbucket.org/mmdatafocus/recon_backend/parser"
)

func textRow(ref string) parser.TypedRow {
	return parser.TypedRow{"ref": parser.TextValue(ref)}
}

func textRows(refs ...string) []parser.TypedRow {
	rows := make([]parser.TypedRow, 0, len(refs))
	for _, ref := range refs {
		rows = append(rows, textRow(ref))
	}
	return rows
}

func newLoadedRun(t *testing.T, aRefs, bRefs []string) *ReconciliationRun {
	t.Helper()
	run := &ReconciliationRun{ID: 1, Status: RunStatusPending}
	if err := run.LoadSourceRows(RunSideA, textRows(aRefs...)); err != nil {
		t.Fatalf("load A: %v", err)
	}
	if err := run.LoadSourceRows(RunSideB, textRows(bRefs...)); err != nil {
		t.Fatalf("load B: %v", err)
	}
	return run
}

func assertPartition(t *testing.T, run *ReconciliationRun) {
	t.Helper()
	if err := run.CheckPartition(); err != nil {
		t.Fatalf("partition invariant violated: %v", err)
	}
}

func TestLoadSourceRowsStatusProgression(t *testing.T) {
	run := &ReconciliationRun{ID: 1, Status: RunStatusPending}

	if err := run.LoadSourceRows(RunSideA, textRows("a", "b")); err != nil {
		t.Fatalf("load A: %v", err)
	}
	if run.Status != RunStatusPending {
		t.Fatalf("status after one side = %s, want PENDING (partially loaded run is valid)", run.Status)
	}
	assertPartition(t, run)

	if err := run.LoadSourceRows(RunSideB, textRows("x")); err != nil {
		t.Fatalf("load B: %v", err)
	}
	if run.Status != RunStatusReadyToMatch {
		t.Fatalf("status after both sides = %s, want READY_TO_MATCH", run.Status)
	}
	if !reflect.DeepEqual([]int(run.UnmatchedAIdx), []int{0, 1}) {
		t.Fatalf("UnmatchedAIdx = %v, want [0 1]", run.UnmatchedAIdx)
	}
	assertPartition(t, run)
}

func TestLoadSourceRowsInvalidatesPairs(t *testing.T) {
	run := newLoadedRun(t, []string{"a", "b", "c"}, []string{"x", "y"})

	err := run.ApplyMatchResult([]MatchedPair{
		{SourceAIdx: 0, SourceBIdx: 1, MatchType: MatchTypeExact, Confidence: 1.0},
	}, []int{1, 2}, []int{0})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	assertPartition(t, run)

	// Reload side A: the pair dies, B's index 1 returns to its pool, and
	// A's pool covers the new row count.
	if err := run.LoadSourceRows(RunSideA, textRows("p", "q")); err != nil {
		t.Fatalf("reload A: %v", err)
	}
	if len(run.MatchedPairs) != 0 {
		t.Fatalf("pairs survived a reload: %+v", run.MatchedPairs)
	}
	if !reflect.DeepEqual([]int(run.UnmatchedAIdx), []int{0, 1}) {
		t.Fatalf("UnmatchedAIdx = %v, want [0 1]", run.UnmatchedAIdx)
	}
	if !reflect.DeepEqual([]int(run.UnmatchedBIdx), []int{0, 1}) {
		t.Fatalf("UnmatchedBIdx = %v, want [0 1]", run.UnmatchedBIdx)
	}
	assertPartition(t, run)
}

func TestAcceptManualMatch(t *testing.T) {
	run := newLoadedRun(t, []string{"a", "b"}, []string{"x", "y"})
	if err := run.ApplyMatchResult(nil, []int{0, 1}, []int{0, 1}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	pairId, err := run.AcceptManualMatch(0, 1)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if pairId == "" {
		t.Fatalf("empty pair id")
	}
	if run.Status != RunStatusReviewed {
		t.Fatalf("status = %s, want REVIEWED after manual edit", run.Status)
	}
	if run.MatchedPairs[0].MatchType != MatchTypeManual || run.MatchedPairs[0].Confidence != 1.0 {
		t.Fatalf("manual pair = %+v", run.MatchedPairs[0])
	}
	assertPartition(t, run)
}

func TestAcceptManualMatchPreconditions(t *testing.T) {
	run := newLoadedRun(t, []string{"a", "b"}, []string{"x", "y"})
	if err := run.ApplyMatchResult(nil, []int{0, 1}, []int{0, 1}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := run.AcceptManualMatch(0, 0); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	pairsBefore := append(MatchedPairList{}, run.MatchedPairs...)

	cases := []struct {
		name string
		aIdx int
		bIdx int
	}{
		{"a already matched", 0, 1},
		{"b already matched", 1, 0},
		{"a out of range", 5, 1},
		{"b out of range", 1, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := run.AcceptManualMatch(tc.aIdx, tc.bIdx)
			if !IsValidationError(err) {
				t.Fatalf("got %v, want ValidationError", err)
			}
			if !reflect.DeepEqual(run.MatchedPairs, pairsBefore) {
				t.Fatalf("failed accept altered existing pairs")
			}
			assertPartition(t, run)
		})
	}
}

func TestUndoMatch(t *testing.T) {
	run := newLoadedRun(t, []string{"a"}, []string{"x"})
	if err := run.ApplyMatchResult([]MatchedPair{
		{PairId: "p1", SourceAIdx: 0, SourceBIdx: 0, MatchType: MatchTypeExact, Confidence: 1.0},
	}, nil, nil); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if err := run.UndoMatch("missing"); !IsValidationError(err) {
		t.Fatalf("unknown pair id: got %v, want ValidationError", err)
	}

	if err := run.UndoMatch("p1"); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if len(run.MatchedPairs) != 0 {
		t.Fatalf("pair not removed")
	}
	if !reflect.DeepEqual([]int(run.UnmatchedAIdx), []int{0}) || !reflect.DeepEqual([]int(run.UnmatchedBIdx), []int{0}) {
		t.Fatalf("indices not returned to pools: %v / %v", run.UnmatchedAIdx, run.UnmatchedBIdx)
	}
	if run.Status != RunStatusReviewed {
		t.Fatalf("status = %s, want REVIEWED", run.Status)
	}
	assertPartition(t, run)
}

func TestTerminalImmutability(t *testing.T) {
	run := newLoadedRun(t, []string{"a"}, []string{"x"})
	if err := run.ApplyMatchResult([]MatchedPair{
		{PairId: "p1", SourceAIdx: 0, SourceBIdx: 0, MatchType: MatchTypeExact, Confidence: 1.0},
	}, nil, nil); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := run.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if run.Status != RunStatusComplete {
		t.Fatalf("status = %s, want COMPLETE", run.Status)
	}

	pairsBefore := append(MatchedPairList{}, run.MatchedPairs...)

	if err := run.LoadSourceRows(RunSideA, textRows("z")); !IsTerminalStateError(err) {
		t.Fatalf("loadSource on COMPLETE: got %v, want TerminalStateError", err)
	}
	if _, err := run.AcceptManualMatch(0, 0); !IsTerminalStateError(err) {
		t.Fatalf("acceptManualMatch on COMPLETE: got %v, want TerminalStateError", err)
	}
	if err := run.UndoMatch("p1"); !IsTerminalStateError(err) {
		t.Fatalf("undoMatch on COMPLETE: got %v, want TerminalStateError", err)
	}
	if err := run.ApplyMatchResult(nil, nil, nil); !IsTerminalStateError(err) {
		t.Fatalf("applyMatchResult on COMPLETE: got %v, want TerminalStateError", err)
	}
	if err := run.Finalize(); !IsTerminalStateError(err) {
		t.Fatalf("double finalize: got %v, want TerminalStateError", err)
	}
	if err := run.Fail("boom"); !IsTerminalStateError(err) {
		t.Fatalf("fail on COMPLETE: got %v, want TerminalStateError", err)
	}

	if !reflect.DeepEqual(run.MatchedPairs, pairsBefore) {
		t.Fatalf("terminal run's pairs changed")
	}
	assertPartition(t, run)
}

func TestFailFromAnyNonTerminalState(t *testing.T) {
	for _, status := range []ReconciliationRunStatus{RunStatusPending, RunStatusReadyToMatch, RunStatusMatched, RunStatusReviewed} {
		run := &ReconciliationRun{ID: 1, Status: status}
		if err := run.Fail("extraction failed"); err != nil {
			t.Fatalf("fail from %s: %v", status, err)
		}
		if run.Status != RunStatusFailed || run.FailureReason != "extraction failed" {
			t.Fatalf("run after fail = %s/%q", run.Status, run.FailureReason)
		}
	}
}

func TestApplyMatchResultRollsBackOnViolation(t *testing.T) {
	run := newLoadedRun(t, []string{"a", "b"}, []string{"x"})

	// Pair references A index 0 but the pools also still claim it.
	err := run.ApplyMatchResult([]MatchedPair{
		{SourceAIdx: 0, SourceBIdx: 0, MatchType: MatchTypeExact, Confidence: 1.0},
	}, []int{0, 1}, []int{})
	if err == nil {
		t.Fatalf("expected partition violation")
	}

	// Rolled back to the pre-attempt partition.
	if len(run.MatchedPairs) != 0 {
		t.Fatalf("violating pairs committed: %+v", run.MatchedPairs)
	}
	if run.Status != RunStatusReadyToMatch {
		t.Fatalf("status = %s, want READY_TO_MATCH", run.Status)
	}
	assertPartition(t, run)
}

func TestEnsureMatchable(t *testing.T) {
	mapping := []MappingEntry{{SourceAKey: "ref", SourceBKey: "ref", Type: parser.ColumnTypeText}}

	pending := &ReconciliationRun{ID: 1, Status: RunStatusPending}
	if err := pending.EnsureMatchable(mapping); !IsValidationError(err) {
		t.Fatalf("pending run: got %v, want ValidationError", err)
	}

	ready := newLoadedRun(t, []string{"a"}, []string{"x"})
	if err := ready.EnsureMatchable(nil); !IsValidationError(err) {
		t.Fatalf("empty mapping: got %v, want ValidationError", err)
	}
	if err := ready.EnsureMatchable(mapping); err != nil {
		t.Fatalf("ready run with mapping: %v", err)
	}

	done := &ReconciliationRun{ID: 1, Status: RunStatusComplete}
	if err := done.EnsureMatchable(mapping); !IsTerminalStateError(err) {
		t.Fatalf("complete run: got %v, want TerminalStateError", err)
	}
}

func TestFinalizeRequiresMatchedState(t *testing.T) {
	run := newLoadedRun(t, []string{"a"}, []string{"x"})
	if err := run.Finalize(); !IsValidationError(err) {
		t.Fatalf("finalize from READY_TO_MATCH: got %v, want ValidationError", err)
	}
}
