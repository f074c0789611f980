package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/extract"
	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/parser"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"bitbucket.org/mmdatafocus/recon_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const maxUploadBytes = 50 << 20 // 50 MB

type loadFileResponse struct {
	RunId           int                     `json:"run_id"`
	Side            models.RunSide          `json:"side"`
	RowCount        int                     `json:"row_count"`
	DetectedColumns []parser.DetectedColumn `json:"detected_columns"`
	Warnings        []string                `json:"warnings"`
	Status          string                  `json:"status"`
	DocumentId      int                     `json:"document_id,omitempty"`
}

// loadFileHandler ingests one uploaded file into a run side: archive the
// original bytes to GCS, parse every row, type the cells against the
// config's declared columns and replace the side's rows. A file the parser
// cannot open at all marks the run FAILED.
func loadFileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		runId, ok := parseIdParam(c, "id")
		if !ok {
			return
		}
		side, ok := parseRunSide(c, c.PostForm("side"))
		if !ok {
			return
		}

		ctx := c.Request.Context()
		logger := config.GetLogger()

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
		cols, err := documentSource(cfg, side)
		if err != nil {
			respondError(c, err)
			return
		}

		fileName, data, ok := readUploadedFile(c)
		if !ok {
			return
		}

		// Archive the original upload. Storage being down must not block
		// ingestion; the response carries a warning instead.
		var documentId int
		var warnings []string
		objectKey := fmt.Sprintf("reconciliation/%s/run_%d/%s/%s_%s",
			businessId, runId, side, utils.GenerateUniqueFilename(), path.Base(fileName))
		if err := utils.UploadFileToGCS(ctx, objectKey, bytes.NewReader(data)); err != nil {
			logger.WithFields(logrus.Fields{
				"field":       "loadFileHandler",
				"business_id": businessId,
				"run_id":      runId,
				"object_key":  objectKey,
			}).Warn("failed to archive original upload: " + err.Error())
			warnings = append(warnings, "original file could not be archived")
		} else {
			doc := models.Document{
				RunId:     runId,
				Side:      string(side),
				FileName:  fileName,
				ObjectKey: objectKey,
				URL:       utils.BuildObjectAccessURL(objectKey),
				MimeType:  c.GetHeader("Content-Type"),
				Size:      int64(len(data)),
			}
			if err := models.CreateDocument(ctx, &doc); err != nil {
				config.LogError(logger, "uploads.go", "loadFileHandler", "CreateDocument", objectKey, err)
			} else {
				documentId = doc.ID
			}
		}

		parsed, err := parseUpload(c, fileName, data, parser.ParseModeFull)
		if err != nil {
			loadErr := &models.UnrecoverableLoadError{Reason: "cannot parse " + fileName, Cause: err}
			if failErr := workflow.FailRunForLoadError(ctx, config.GetDB(), businessId, runId, loadErr); failErr != nil {
				config.LogError(logger, "uploads.go", "loadFileHandler", "FailRunForLoadError", runId, failErr)
			}
			respondError(c, loadErr)
			return
		}
		warnings = append(warnings, parsed.Warnings...)

		typed := models.TypedRowsFromRaw(cols, parsed.Rows)
		run, ok = mutateRunLocked(c, businessId, runId, func(run *models.ReconciliationRun) error {
			return run.LoadSourceRows(side, typed)
		})
		if !ok {
			return
		}

		c.JSON(http.StatusOK, loadFileResponse{
			RunId:           run.ID,
			Side:            side,
			RowCount:        len(typed),
			DetectedColumns: parsed.Columns,
			Warnings:        warnings,
			Status:          string(run.Status),
			DocumentId:      documentId,
		})
	}
}

// analyzeFileHandler parses a sample of an uploaded file and reports the
// detected columns without touching any run. Used to draft a config before
// the first run exists.
func analyzeFileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireBusinessId(c); !ok {
			return
		}

		fileName, data, ok := readUploadedFile(c)
		if !ok {
			return
		}

		parsed, err := parseUpload(c, fileName, data, parser.ParseModeSample)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, parsed)
	}
}

// documentSource reports which column set types one side's uploads, or
// rejects the side when the config backs it with a data table instead.
func documentSource(cfg *models.ReconciliationConfig, side models.RunSide) ([]models.ColumnDef, error) {
	switch side {
	case models.RunSideA:
		if cfg.SourceType != models.SourceTypeDocumentDocument {
			return nil, models.NewValidationError("side", "source A of this config is database-backed")
		}
		return cfg.SourceAColumns, nil
	case models.RunSideB:
		if cfg.SourceType == models.SourceTypeDatabaseDatabase {
			return nil, models.NewValidationError("side", "source B of this config is database-backed")
		}
		return cfg.SourceBColumns, nil
	}
	return nil, models.NewValidationError("side", "side must be A or B")
}

func readUploadedFile(c *gin.Context) (string, []byte, bool) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return "", nil, false
	}
	if header.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds the 50 MB limit"})
		return "", nil, false
	}

	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read uploaded file"})
		return "", nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read uploaded file"})
		return "", nil, false
	}
	if len(data) > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds the 50 MB limit"})
		return "", nil, false
	}
	return header.Filename, data, true
}

// parseUpload routes PDFs to the external extraction service and everything
// else to the local ingestor.
func parseUpload(c *gin.Context, fileName string, data []byte, mode parser.ParseMode) (*parser.ParsedFile, error) {
	if strings.EqualFold(path.Ext(fileName), ".pdf") {
		if !extract.Configured() {
			return nil, fmt.Errorf("pdf extraction is not configured")
		}
		client, err := extract.NewClient()
		if err != nil {
			return nil, err
		}
		return client.ExtractTables(c.Request.Context(), fileName, data, mode)
	}
	return parser.ParseFile(data, fileName, mode)
}
