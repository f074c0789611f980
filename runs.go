package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/models/reports"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"bitbucket.org/mmdatafocus/recon_backend/workflow"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type newRunRequest struct {
	ConfigId int `json:"config_id" binding:"required"`
}

func createRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireBusinessId(c); !ok {
			return
		}
		var req newRunRequest
		if !bindJSON(c, &req) {
			return
		}
		run, err := models.CreateReconciliationRun(c.Request.Context(), req.ConfigId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, run)
	}
}

func listRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireBusinessId(c); !ok {
			return
		}
		configId := 0
		if raw := c.Query("config_id"); raw != "" {
			id, err := strconv.Atoi(raw)
			if err != nil || id <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid config_id"})
				return
			}
			configId = id
		}
		runs, err := models.GetRunsByConfig(c.Request.Context(), configId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	}
}

func getRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireBusinessId(c); !ok {
			return
		}
		id, ok := parseIdParam(c, "id")
		if !ok {
			return
		}
		run, err := models.GetReconciliationRun(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

// mutateRunLocked runs one run mutation under the lock discipline: the
// best-effort Redis lock fails fast on contention, the MySQL advisory lock
// inside the transaction is authoritative. The mutated partition is saved
// before commit; any error rolls the whole attempt back.
//
// Responds to the client on failure; callers only build the success reply.
func mutateRunLocked(c *gin.Context, businessId string, runId int, mutate func(run *models.ReconciliationRun) error) (*models.ReconciliationRun, bool) {
	ctx := c.Request.Context()

	lock, err := utils.ObtainRunLock(ctx, runId)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return nil, false
	}
	if lock != nil {
		defer lock.Release(ctx)
	}

	var run *models.ReconciliationRun
	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := workflow.AcquireRunPostingLock(tx, runId); err != nil {
			return err
		}
		defer workflow.ReleaseRunPostingLock(tx, runId)

		var err error
		run, err = models.GetRunForUpdate(tx, ctx, businessId, runId)
		if err != nil {
			return err
		}
		if err := mutate(run); err != nil {
			return err
		}
		return models.SaveRunPartition(tx, ctx, run)
	})
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return run, true
}

type loadDatabaseRequest struct {
	Side    string                   `json:"side" binding:"required"`
	Filters []models.DataTableFilter `json:"filters"`
}

func loadDatabaseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		runId, ok := parseIdParam(c, "id")
		if !ok {
			return
		}
		var req loadDatabaseRequest
		if !bindJSON(c, &req) {
			return
		}
		side, ok := parseRunSide(c, req.Side)
		if !ok {
			return
		}

		ctx := c.Request.Context()
		run, err := models.GetReconciliationRun(ctx, runId)
		if err != nil {
			respondError(c, err)
			return
		}
		cfg, err := models.GetReconciliationConfig(ctx, run.ConfigId)
		if err != nil {
			respondError(c, err)
			return
		}

		dataTableId, cols, err := databaseSource(cfg, side)
		if err != nil {
			respondError(c, err)
			return
		}

		rawRows, err := models.PullDataTableRows(ctx, dataTableId, req.Filters)
		if err != nil {
			respondError(c, err)
			return
		}
		typed := models.TypedRowsFromRaw(cols, rawRows)

		run, ok = mutateRunLocked(c, businessId, runId, func(run *models.ReconciliationRun) error {
			return run.LoadSourceRows(side, typed)
		})
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"run_id":    run.ID,
			"side":      side,
			"row_count": len(typed),
			"status":    run.Status,
		})
	}
}

// databaseSource resolves which data table and column set feed one side of
// a database-backed config.
func databaseSource(cfg *models.ReconciliationConfig, side models.RunSide) (int, []models.ColumnDef, error) {
	switch side {
	case models.RunSideA:
		if cfg.SourceType == models.SourceTypeDocumentDocument {
			return 0, nil, models.NewValidationError("side", "source A of this config is document-backed")
		}
		if cfg.SourceADataTableId <= 0 {
			return 0, nil, models.NewValidationError("side", "source A has no data table configured")
		}
		return cfg.SourceADataTableId, cfg.SourceAColumns, nil
	case models.RunSideB:
		if cfg.SourceType != models.SourceTypeDatabaseDatabase {
			return 0, nil, models.NewValidationError("side", "source B of this config is document-backed")
		}
		if cfg.SourceBDataTableId <= 0 {
			return 0, nil, models.NewValidationError("side", "source B has no data table configured")
		}
		return cfg.SourceBDataTableId, cfg.SourceBColumns, nil
	}
	return 0, nil, models.NewValidationError("side", "side must be A or B")
}

func parseRunSide(c *gin.Context, raw string) (models.RunSide, bool) {
	side := models.RunSide(strings.ToUpper(strings.TrimSpace(raw)))
	if !side.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be A or B"})
		return "", false
	}
	return side, true
}

// computeMatchesHandler enqueues an async match job through the outbox.
// When Pub/Sub is not configured (or inline mode is forced) the engine runs
// synchronously in-request instead.
func computeMatchesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		runId, ok := parseIdParam(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()

		if !config.PubSubConfigured() || config.InlineMatchProcessing() {
			spanCtx, span := tracer.Start(ctx, "ComputeMatchesForRun")
			summary, err := workflow.ComputeMatchesForRun(spanCtx, config.GetDB(), businessId, runId)
			span.End()
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, summary)
			return
		}

		// The outbox record is written in the same transaction as the state
		// check, so a job can never outlive a failed precondition.
		var job *models.MatchJob
		err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			run, err := models.GetRunForUpdate(tx, ctx, businessId, runId)
			if err != nil {
				return err
			}
			cfg, err := models.GetReconciliationConfig(ctx, run.ConfigId)
			if err != nil {
				return err
			}
			if err := run.EnsureMatchable(cfg.Mapping); err != nil {
				return err
			}
			job, err = models.EnqueueMatchJob(ctx, tx, businessId, runId)
			return err
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"job_id":  job.ID,
			"run_id":  runId,
			"status":  job.ProcessStatus,
			"job_key": job.JobKey,
		})
	}
}

type acceptMatchRequest struct {
	SourceAIdx *int `json:"source_a_idx" binding:"required"`
	SourceBIdx *int `json:"source_b_idx" binding:"required"`
}

func acceptMatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		runId, ok := parseIdParam(c, "id")
		if !ok {
			return
		}
		var req acceptMatchRequest
		if !bindJSON(c, &req) {
			return
		}

		var pairId string
		run, ok := mutateRunLocked(c, businessId, runId, func(run *models.ReconciliationRun) error {
			var err error
			pairId, err = run.AcceptManualMatch(*req.SourceAIdx, *req.SourceBIdx)
			return err
		})
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"pair_id": pairId,
			"status":  run.Status,
		})
	}
}

func undoMatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		runId, ok := parseIdParam(c, "id")
		if !ok {
			return
		}
		pairId := c.Param("pairId")
		if pairId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pairId"})
			return
		}

		run, ok := mutateRunLocked(c, businessId, runId, func(run *models.ReconciliationRun) error {
			return run.UndoMatch(pairId)
		})
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"pair_id": pairId,
			"status":  run.Status,
		})
	}
}

func finalizeRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		runId, ok := parseIdParam(c, "id")
		if !ok {
			return
		}

		run, ok := mutateRunLocked(c, businessId, runId, func(run *models.ReconciliationRun) error {
			return run.Finalize()
		})
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"run_id": run.ID,
			"status": run.Status,
		})
	}
}

func exportRunHandler() gin.HandlerFunc {
	const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		runId, ok := parseIdParam(c, "id")
		if !ok {
			return
		}

		ctx := c.Request.Context()
		f, fileName, err := reports.BuildRunExportWorkbook(ctx, runId)
		if err != nil {
			respondError(c, err)
			return
		}
		buf, err := f.WriteToBuffer()
		if err != nil {
			respondError(c, err)
			return
		}

		// Keep a copy of every export next to the run's source files.
		objectKey := fmt.Sprintf("reconciliation/%s/run_%d/exports/%s", businessId, runId, fileName)
		if err := utils.UploadBytesToGCS(ctx, objectKey, buf.Bytes(), xlsxContentType); err != nil {
			config.LogWarn(config.GetLogger(), "runs.go", "exportRunHandler", "archive export",
				"failed to archive export "+objectKey+": "+err.Error())
		}

		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
		c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
	}
}
