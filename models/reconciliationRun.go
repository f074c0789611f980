package models

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/parser"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ReconciliationRunStatus string

const (
	RunStatusPending      ReconciliationRunStatus = "PENDING"
	RunStatusReadyToMatch ReconciliationRunStatus = "READY_TO_MATCH"
	RunStatusMatched      ReconciliationRunStatus = "MATCHED"
	RunStatusReviewed     ReconciliationRunStatus = "REVIEWED"
	RunStatusComplete     ReconciliationRunStatus = "COMPLETE"
	RunStatusFailed       ReconciliationRunStatus = "FAILED"
)

func (s ReconciliationRunStatus) IsTerminal() bool {
	return s == RunStatusComplete || s == RunStatusFailed
}

type MatchType string

const (
	MatchTypeExact  MatchType = "exact"
	MatchTypeFuzzy  MatchType = "fuzzy"
	MatchTypeManual MatchType = "manual"
)

type RunSide string

const (
	RunSideA RunSide = "A"
	RunSideB RunSide = "B"
)

func (s RunSide) IsValid() bool { return s == RunSideA || s == RunSideB }

// MatchedPair links one source A row to one source B row by index into the
// run's row lists. PairId is stable for undo.
type MatchedPair struct {
	PairId     string    `json:"pair_id"`
	SourceAIdx int       `json:"source_a_idx"`
	SourceBIdx int       `json:"source_b_idx"`
	MatchType  MatchType `json:"match_type"`
	Confidence float64   `json:"confidence"`
	MatchedOn  []string  `json:"matched_on"`
}

// JSON column wrappers for run payloads.

type TypedRowList []parser.TypedRow

func (l TypedRowList) Value() (driver.Value, error) {
	if l == nil {
		l = TypedRowList{}
	}
	return json.Marshal(l)
}

func (l *TypedRowList) Scan(value interface{}) error {
	return scanJSONColumn(value, l)
}

type MatchedPairList []MatchedPair

func (l MatchedPairList) Value() (driver.Value, error) {
	if l == nil {
		l = MatchedPairList{}
	}
	return json.Marshal(l)
}

func (l *MatchedPairList) Scan(value interface{}) error {
	return scanJSONColumn(value, l)
}

type IntList []int

func (l IntList) Value() (driver.Value, error) {
	if l == nil {
		l = IntList{}
	}
	return json.Marshal(l)
}

func (l *IntList) Scan(value interface{}) error {
	return scanJSONColumn(value, l)
}

// ReconciliationRun is one execution of the matching process for a config.
// Rows, pairs and pools live on the run itself; the config is never touched.
//
// Partition invariant: every A index is in exactly one of {matched pairs,
// UnmatchedAIdx}, likewise for B. Checked before and after every mutation;
// a violating mutation is rolled back in memory and rejected.
type ReconciliationRun struct {
	ID            int                     `gorm:"primary_key" json:"id"`
	BusinessId    string                  `gorm:"size:64;not null;index" json:"business_id"`
	ConfigId      int                     `gorm:"not null;index" json:"config_id"`
	Status        ReconciliationRunStatus `gorm:"size:20;not null;default:PENDING" json:"status"`
	SourceALoaded bool                    `gorm:"not null;default:false" json:"source_a_loaded"`
	SourceBLoaded bool                    `gorm:"not null;default:false" json:"source_b_loaded"`
	SourceARows   TypedRowList            `gorm:"type:json" json:"source_a_rows"`
	SourceBRows   TypedRowList            `gorm:"type:json" json:"source_b_rows"`
	MatchedPairs  MatchedPairList         `gorm:"type:json" json:"matched_pairs"`
	UnmatchedAIdx IntList                 `gorm:"type:json" json:"unmatched_a_idx"`
	UnmatchedBIdx IntList                 `gorm:"type:json" json:"unmatched_b_idx"`
	FailureReason string                  `gorm:"type:text" json:"failure_reason"`
	CreatedBy     int                     `json:"created_by"`
	CreatedByName string                  `gorm:"size:255" json:"created_by_name"`
	CreatedAt     time.Time               `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time               `gorm:"autoUpdateTime" json:"updated_at"`
}

// CheckPartition verifies the disjoint-cover invariant for both sides.
func (run *ReconciliationRun) CheckPartition() error {
	if !config.StrictPartitionChecks() {
		return nil
	}
	if err := checkSidePartition(len(run.SourceARows), run.UnmatchedAIdx, run.MatchedPairs, true); err != nil {
		return err
	}
	return checkSidePartition(len(run.SourceBRows), run.UnmatchedBIdx, run.MatchedPairs, false)
}

func checkSidePartition(rowCount int, unmatched []int, pairs []MatchedPair, sideA bool) error {
	seen := make(map[int]bool, rowCount)
	for _, idx := range unmatched {
		if idx < 0 || idx >= rowCount {
			return fmt.Errorf("%w: unmatched index %d out of range [0,%d)", ErrPartitionViolation, idx, rowCount)
		}
		if seen[idx] {
			return fmt.Errorf("%w: index %d appears twice in unmatched pool", ErrPartitionViolation, idx)
		}
		seen[idx] = true
	}
	for _, pair := range pairs {
		idx := pair.SourceAIdx
		if !sideA {
			idx = pair.SourceBIdx
		}
		if idx < 0 || idx >= rowCount {
			return fmt.Errorf("%w: matched index %d out of range [0,%d)", ErrPartitionViolation, idx, rowCount)
		}
		if seen[idx] {
			return fmt.Errorf("%w: index %d is both matched and unmatched (or matched twice)", ErrPartitionViolation, idx)
		}
		seen[idx] = true
	}
	if len(seen) != rowCount {
		return fmt.Errorf("%w: %d of %d indices covered", ErrPartitionViolation, len(seen), rowCount)
	}
	return nil
}

type runPartitionSnapshot struct {
	pairs      MatchedPairList
	unmatchedA IntList
	unmatchedB IntList
	status     ReconciliationRunStatus
}

func (run *ReconciliationRun) snapshotPartition() runPartitionSnapshot {
	snap := runPartitionSnapshot{
		pairs:      make(MatchedPairList, len(run.MatchedPairs)),
		unmatchedA: make(IntList, len(run.UnmatchedAIdx)),
		unmatchedB: make(IntList, len(run.UnmatchedBIdx)),
		status:     run.Status,
	}
	copy(snap.pairs, run.MatchedPairs)
	copy(snap.unmatchedA, run.UnmatchedAIdx)
	copy(snap.unmatchedB, run.UnmatchedBIdx)
	return snap
}

func (run *ReconciliationRun) restorePartition(snap runPartitionSnapshot) {
	run.MatchedPairs = snap.pairs
	run.UnmatchedAIdx = snap.unmatchedA
	run.UnmatchedBIdx = snap.unmatchedB
	run.Status = snap.status
}

func (run *ReconciliationRun) rejectIfTerminal() error {
	if run.Status.IsTerminal() {
		return &TerminalStateError{RunId: run.ID, Status: run.Status}
	}
	return nil
}

// LoadSourceRows replaces one side's row list. Pairs touching the reloaded
// side are invalidated: the other side's indices return to its unmatched
// pool (old indices on the reloaded side are meaningless against the new
// rows). The reloaded side's pool is rebuilt to cover the new row count.
func (run *ReconciliationRun) LoadSourceRows(side RunSide, rows []parser.TypedRow) error {
	if err := run.rejectIfTerminal(); err != nil {
		return err
	}
	if !side.IsValid() {
		return NewValidationError("side", "side must be A or B")
	}
	if err := run.CheckPartition(); err != nil {
		return err
	}

	snap := run.snapshotPartition()
	prevARows, prevBRows := run.SourceARows, run.SourceBRows
	prevALoaded, prevBLoaded := run.SourceALoaded, run.SourceBLoaded

	// Every pair references both sides, so reloading either side
	// invalidates all pairs. The other side's indices go back to its pool;
	// the reloaded side's old indices are meaningless against the new rows.
	for _, pair := range run.MatchedPairs {
		if side == RunSideA {
			run.UnmatchedBIdx = append(run.UnmatchedBIdx, pair.SourceBIdx)
		} else {
			run.UnmatchedAIdx = append(run.UnmatchedAIdx, pair.SourceAIdx)
		}
	}
	run.MatchedPairs = MatchedPairList{}

	if side == RunSideA {
		run.SourceARows = rows
		run.SourceALoaded = true
		run.UnmatchedAIdx = sequentialIndices(len(rows))
	} else {
		run.SourceBRows = rows
		run.SourceBLoaded = true
		run.UnmatchedBIdx = sequentialIndices(len(rows))
	}
	sortIndices(run.UnmatchedAIdx)
	sortIndices(run.UnmatchedBIdx)

	if run.SourceALoaded && run.SourceBLoaded {
		run.Status = RunStatusReadyToMatch
	} else {
		run.Status = RunStatusPending
	}

	if err := run.CheckPartition(); err != nil {
		run.restorePartition(snap)
		run.SourceARows, run.SourceBRows = prevARows, prevBRows
		run.SourceALoaded, run.SourceBLoaded = prevALoaded, prevBLoaded
		return err
	}
	return nil
}

// ApplyMatchResult commits the matching engine's output. New pairs extend
// the existing ones; committed pairs are never altered (engine idempotence
// contract). Valid from READY_TO_MATCH, MATCHED or REVIEWED; a run already
// reviewed stays REVIEWED.
func (run *ReconciliationRun) ApplyMatchResult(newPairs []MatchedPair, unmatchedA, unmatchedB []int) error {
	if err := run.rejectIfTerminal(); err != nil {
		return err
	}
	if run.Status != RunStatusReadyToMatch && run.Status != RunStatusMatched && run.Status != RunStatusReviewed {
		return NewValidationError("status", fmt.Sprintf("cannot match from status %s", run.Status))
	}
	if err := run.CheckPartition(); err != nil {
		return err
	}

	snap := run.snapshotPartition()

	for i := range newPairs {
		if newPairs[i].PairId == "" {
			newPairs[i].PairId = uuid.NewString()
		}
	}
	run.MatchedPairs = append(run.MatchedPairs, newPairs...)
	run.UnmatchedAIdx = append(IntList{}, unmatchedA...)
	run.UnmatchedBIdx = append(IntList{}, unmatchedB...)
	sortIndices(run.UnmatchedAIdx)
	sortIndices(run.UnmatchedBIdx)

	if run.Status == RunStatusReadyToMatch || run.Status == RunStatusMatched {
		run.Status = RunStatusMatched
	}

	if err := run.CheckPartition(); err != nil {
		run.restorePartition(snap)
		return err
	}
	return nil
}

// AcceptManualMatch pairs two rows by hand. Both indices must be in range
// and currently unmatched; existing pairs are never altered.
func (run *ReconciliationRun) AcceptManualMatch(aIdx, bIdx int) (string, error) {
	if err := run.rejectIfTerminal(); err != nil {
		return "", err
	}
	if run.Status != RunStatusMatched && run.Status != RunStatusReviewed {
		return "", NewValidationError("status", fmt.Sprintf("cannot accept a manual match from status %s", run.Status))
	}
	if aIdx < 0 || aIdx >= len(run.SourceARows) {
		return "", NewValidationError("source_a_idx", fmt.Sprintf("index %d out of range", aIdx))
	}
	if bIdx < 0 || bIdx >= len(run.SourceBRows) {
		return "", NewValidationError("source_b_idx", fmt.Sprintf("index %d out of range", bIdx))
	}
	if !containsIndex(run.UnmatchedAIdx, aIdx) {
		return "", NewValidationError("source_a_idx", fmt.Sprintf("index %d is already matched", aIdx))
	}
	if !containsIndex(run.UnmatchedBIdx, bIdx) {
		return "", NewValidationError("source_b_idx", fmt.Sprintf("index %d is already matched", bIdx))
	}
	if err := run.CheckPartition(); err != nil {
		return "", err
	}

	snap := run.snapshotPartition()

	pair := MatchedPair{
		PairId:     uuid.NewString(),
		SourceAIdx: aIdx,
		SourceBIdx: bIdx,
		MatchType:  MatchTypeManual,
		Confidence: 1.0,
	}
	run.MatchedPairs = append(run.MatchedPairs, pair)
	run.UnmatchedAIdx = removeIndex(run.UnmatchedAIdx, aIdx)
	run.UnmatchedBIdx = removeIndex(run.UnmatchedBIdx, bIdx)
	run.Status = RunStatusReviewed

	if err := run.CheckPartition(); err != nil {
		run.restorePartition(snap)
		return "", err
	}
	return pair.PairId, nil
}

// UndoMatch removes a pair (manual or automatic) and returns both indices
// to their unmatched pools. Never allowed once the run is COMPLETE.
func (run *ReconciliationRun) UndoMatch(pairId string) error {
	if err := run.rejectIfTerminal(); err != nil {
		return err
	}
	if run.Status != RunStatusMatched && run.Status != RunStatusReviewed {
		return NewValidationError("status", fmt.Sprintf("cannot undo a match from status %s", run.Status))
	}
	if err := run.CheckPartition(); err != nil {
		return err
	}

	snap := run.snapshotPartition()

	found := false
	kept := make(MatchedPairList, 0, len(run.MatchedPairs))
	for _, pair := range run.MatchedPairs {
		if pair.PairId == pairId {
			found = true
			run.UnmatchedAIdx = append(run.UnmatchedAIdx, pair.SourceAIdx)
			run.UnmatchedBIdx = append(run.UnmatchedBIdx, pair.SourceBIdx)
			continue
		}
		kept = append(kept, pair)
	}
	if !found {
		return NewValidationError("pair_id", "pair not found")
	}
	run.MatchedPairs = kept
	sortIndices(run.UnmatchedAIdx)
	sortIndices(run.UnmatchedBIdx)
	run.Status = RunStatusReviewed

	if err := run.CheckPartition(); err != nil {
		run.restorePartition(snap)
		return err
	}
	return nil
}

// Finalize makes the run immutable. Every later mutation fails with a
// TerminalStateError.
func (run *ReconciliationRun) Finalize() error {
	if err := run.rejectIfTerminal(); err != nil {
		return err
	}
	if run.Status != RunStatusMatched && run.Status != RunStatusReviewed {
		return NewValidationError("status", fmt.Sprintf("cannot finalize from status %s", run.Status))
	}
	if err := run.CheckPartition(); err != nil {
		return err
	}
	run.Status = RunStatusComplete
	return nil
}

// Fail moves the run to FAILED from any non-terminal state. The run stays
// inspectable; a new run is required to retry.
func (run *ReconciliationRun) Fail(reason string) error {
	if err := run.rejectIfTerminal(); err != nil {
		return err
	}
	run.Status = RunStatusFailed
	run.FailureReason = reason
	return nil
}

// EnsureMatchable fails fast before any row comparison when the run or its
// mapping cannot support matching.
func (run *ReconciliationRun) EnsureMatchable(mapping []MappingEntry) error {
	if err := run.rejectIfTerminal(); err != nil {
		return err
	}
	if run.Status == RunStatusPending {
		return NewValidationError("status", "both sources must be loaded before matching")
	}
	if len(mapping) == 0 {
		return NewValidationError("mapping", "config has no column mapping")
	}
	return nil
}

func sequentialIndices(n int) IntList {
	out := make(IntList, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func sortIndices(l IntList) {
	sort.Ints(l)
}

func containsIndex(l IntList, idx int) bool {
	for _, v := range l {
		if v == idx {
			return true
		}
	}
	return false
}

func removeIndex(l IntList, idx int) IntList {
	out := make(IntList, 0, len(l))
	for _, v := range l {
		if v != idx {
			out = append(out, v)
		}
	}
	return out
}

// --- persistence ---

func CreateReconciliationRun(ctx context.Context, configId int) (*ReconciliationRun, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := utils.ValidateResourceId[ReconciliationConfig](ctx, businessId, configId); err != nil {
		return nil, err
	}

	userId, _ := utils.GetUserIdFromContext(ctx)
	userName, _ := utils.GetUserNameFromContext(ctx)

	run := ReconciliationRun{
		BusinessId:    businessId,
		ConfigId:      configId,
		CreatedBy:     userId,
		CreatedByName: userName,
		Status:        RunStatusPending,
		SourceARows:   TypedRowList{},
		SourceBRows:   TypedRowList{},
		MatchedPairs:  MatchedPairList{},
		UnmatchedAIdx: IntList{},
		UnmatchedBIdx: IntList{},
	}

	// db action
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func GetReconciliationRun(ctx context.Context, id int) (*ReconciliationRun, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[ReconciliationRun](ctx, businessId, id)
}

// GetRunForUpdate loads a run inside a transaction with a row lock, for
// serialized mutations.
func GetRunForUpdate(tx *gorm.DB, ctx context.Context, businessId string, id int) (*ReconciliationRun, error) {
	var run ReconciliationRun
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id = ?", businessId, id).
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &run, nil
}

// SaveRunPartition persists the mutable run fields after an in-memory
// mutation succeeded.
func SaveRunPartition(tx *gorm.DB, ctx context.Context, run *ReconciliationRun) error {
	return tx.WithContext(ctx).Model(run).Updates(map[string]interface{}{
		"Status":        run.Status,
		"SourceALoaded": run.SourceALoaded,
		"SourceBLoaded": run.SourceBLoaded,
		"SourceARows":   run.SourceARows,
		"SourceBRows":   run.SourceBRows,
		"MatchedPairs":  run.MatchedPairs,
		"UnmatchedAIdx": run.UnmatchedAIdx,
		"UnmatchedBIdx": run.UnmatchedBIdx,
		"FailureReason": run.FailureReason,
	}).Error
}

func GetRunsByConfig(ctx context.Context, configId int) ([]*ReconciliationRun, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var runs []*ReconciliationRun
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if configId > 0 {
		dbCtx = dbCtx.Where("config_id = ?", configId)
	}
	if err := dbCtx.Order("id DESC").Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}
