package workflow

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/models"
	"gorm.io/gorm"
)

const matchJobHandlerName = "matchJobHandler"

// MatchSummary is what a compute-matches call reports back.
type MatchSummary struct {
	NewMatchCount   int `json:"new_match_count"`
	MatchedCount    int `json:"matched_count"`
	UnmatchedACount int `json:"unmatched_a_count"`
	UnmatchedBCount int `json:"unmatched_b_count"`
}

// ComputeMatchesForRun runs the engine against a run's residual pools
// inside one transaction, serialized by the per-run advisory lock. Used by
// both the async job worker and the inline fallback.
//
// A validation failure (no mapping, run not ready) comes back as a
// ValidationError and changes nothing. An engine or partition failure rolls
// the transaction back so the pre-attempt partition survives.
func ComputeMatchesForRun(ctx context.Context, db *gorm.DB, businessId string, runId int) (*MatchSummary, error) {
	var summary MatchSummary

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireRunPostingLock(tx, runId); err != nil {
			return err
		}
		defer ReleaseRunPostingLock(tx, runId)

		run, err := models.GetRunForUpdate(tx, ctx, businessId, runId)
		if err != nil {
			return err
		}

		var cfg models.ReconciliationConfig
		if err := tx.WithContext(ctx).
			Where("business_id = ? AND id = ?", businessId, run.ConfigId).
			First(&cfg).Error; err != nil {
			return err
		}

		if err := run.EnsureMatchable(cfg.Mapping); err != nil {
			return err
		}

		result := MatchRows(run.SourceARows, run.SourceBRows, cfg.Mapping, run.UnmatchedAIdx, run.UnmatchedBIdx)
		if err := run.ApplyMatchResult(result.NewPairs, result.UnmatchedA, result.UnmatchedB); err != nil {
			return err
		}
		if err := models.SaveRunPartition(tx, ctx, run); err != nil {
			return err
		}

		summary = MatchSummary{
			NewMatchCount:   len(result.NewPairs),
			MatchedCount:    len(run.MatchedPairs),
			UnmatchedACount: len(run.UnmatchedAIdx),
			UnmatchedBCount: len(run.UnmatchedBIdx),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// ProcessMatchJobWorkflow is the worker entry point behind the Pub/Sub
// push handler. Delivery is at-least-once; the durable idempotency table
// makes redelivery safe. Returning an error asks Pub/Sub to retry;
// validation failures are terminal and return nil after marking the job
// failed.
func ProcessMatchJobWorkflow(ctx context.Context, db *gorm.DB, msg config.MatchJobMessage) error {
	logger := config.GetLogger()
	messageId := fmt.Sprintf("match-job-%d", msg.JobId)

	var skip bool
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		skip, err = BeginIdempotency(tx, msg.BusinessId, matchJobHandlerName, messageId)
		return err
	})
	if err != nil {
		return err
	}
	if skip {
		return nil
	}

	_, matchErr := ComputeMatchesForRun(ctx, db, msg.BusinessId, msg.RunId)
	if matchErr == nil {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := markJobProcessed(tx, msg.JobId, models.MatchJobProcessStatusSucceeded, nil); err != nil {
				return err
			}
			return MarkIdempotencySucceeded(tx, msg.BusinessId, matchJobHandlerName, messageId)
		})
	}

	config.LogError(logger, "workflow", "ProcessMatchJobWorkflow", fmt.Sprintf("run %d", msg.RunId), msg, matchErr)

	finalizeErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := markJobProcessed(tx, msg.JobId, models.MatchJobProcessStatusFailed, matchErr); err != nil {
			return err
		}
		return MarkIdempotencyFailed(tx, msg.BusinessId, matchJobHandlerName, messageId, matchErr)
	})
	if finalizeErr != nil {
		return finalizeErr
	}

	if models.IsValidationError(matchErr) || models.IsTerminalStateError(matchErr) {
		// Retrying cannot help; ack the message.
		return nil
	}
	return matchErr
}

func markJobProcessed(tx *gorm.DB, jobId int, status string, processErr error) error {
	updates := map[string]interface{}{
		"process_status":     status,
		"last_process_error": nil,
	}
	if processErr != nil {
		msg := processErr.Error()
		updates["last_process_error"] = &msg
	}
	return tx.Model(&models.MatchJob{}).Where("id = ?", jobId).Updates(updates).Error
}

// FailRunForLoadError moves a run to FAILED after an unrecoverable load
// (corrupt file, total extraction failure). The run stays readable.
func FailRunForLoadError(ctx context.Context, db *gorm.DB, businessId string, runId int, loadErr error) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireRunPostingLock(tx, runId); err != nil {
			return err
		}
		defer ReleaseRunPostingLock(tx, runId)

		run, err := models.GetRunForUpdate(tx, ctx, businessId, runId)
		if err != nil {
			return err
		}
		if err := run.Fail(loadErr.Error()); err != nil {
			return err
		}
		return models.SaveRunPartition(tx, ctx, run)
	})
}
