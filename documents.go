package main

import (
	"fmt"
	"net/http"
	"path"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/parser"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"bitbucket.org/mmdatafocus/recon_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const signedUploadTTL = 15 * time.Minute

type uploadURLRequest struct {
	Side        string `json:"side" binding:"required"`
	FileName    string `json:"file_name" binding:"required"`
	ContentType string `json:"content_type"`
}

// createUploadURLHandler hands out a signed PUT URL so large source files
// can go straight to the bucket instead of through this service. The client
// confirms the upload afterwards to trigger ingestion.
func createUploadURLHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		runId, ok := parseIdParam(c, "id")
		if !ok {
			return
		}
		var req uploadURLRequest
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
		if _, err := documentSource(cfg, side); err != nil {
			respondError(c, err)
			return
		}

		contentType := req.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		objectKey := fmt.Sprintf("reconciliation/%s/run_%d/%s/%s_%s",
			businessId, runId, side, utils.GenerateUniqueFilename(), path.Base(req.FileName))

		signed, err := utils.SignUpload(objectKey, contentType, signedUploadTTL)
		if err != nil {
			config.LogError(config.GetLogger(), "documents.go", "createUploadURLHandler", "SignUpload", objectKey, err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signed uploads are not configured"})
			return
		}
		c.JSON(http.StatusOK, signed)
	}
}

type confirmUploadRequest struct {
	Side      string `json:"side" binding:"required"`
	FileName  string `json:"file_name" binding:"required"`
	ObjectKey string `json:"object_key" binding:"required"`
	MimeType  string `json:"mime_type"`
}

// confirmUploadHandler ingests a file the client uploaded through a signed
// URL: verify the object landed, pull it back and run the same parse and
// load pipeline as a direct upload.
func confirmUploadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		runId, ok := parseIdParam(c, "id")
		if !ok {
			return
		}
		var req confirmUploadRequest
		if !bindJSON(c, &req) {
			return
		}
		side, ok := parseRunSide(c, req.Side)
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

		objectKey := utils.ExtractObjectKeyFromURL(req.ObjectKey)
		if objectKey == "" {
			respondError(c, models.NewValidationError("object_key", "object key is not valid"))
			return
		}
		exists, err := utils.ObjectExistsInGCS(ctx, objectKey)
		if err != nil {
			respondError(c, err)
			return
		}
		if !exists {
			respondError(c, models.NewValidationError("object_key", "no uploaded object at this key"))
			return
		}

		data, err := utils.DownloadBytesFromGCS(ctx, objectKey)
		if err != nil {
			respondError(c, err)
			return
		}
		if len(data) > maxUploadBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds the 50 MB limit"})
			return
		}

		doc := models.Document{
			RunId:     runId,
			Side:      string(side),
			FileName:  req.FileName,
			ObjectKey: objectKey,
			URL:       utils.BuildObjectAccessURL(objectKey),
			MimeType:  req.MimeType,
			Size:      int64(len(data)),
		}
		if err := models.CreateDocument(ctx, &doc); err != nil {
			config.LogError(logger, "documents.go", "confirmUploadHandler", "CreateDocument", objectKey, err)
		}

		parsed, err := parseUpload(c, req.FileName, data, parser.ParseModeFull)
		if err != nil {
			loadErr := &models.UnrecoverableLoadError{Reason: "cannot parse " + req.FileName, Cause: err}
			if failErr := workflow.FailRunForLoadError(ctx, config.GetDB(), businessId, runId, loadErr); failErr != nil {
				config.LogError(logger, "documents.go", "confirmUploadHandler", "FailRunForLoadError", runId, failErr)
			}
			respondError(c, loadErr)
			return
		}

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
			Warnings:        parsed.Warnings,
			Status:          string(run.Status),
			DocumentId:      doc.ID,
		})
	}
}

func listRunDocumentsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireBusinessId(c); !ok {
			return
		}
		runId, ok := parseIdParam(c, "id")
		if !ok {
			return
		}
		documents, err := models.GetRunDocuments(c.Request.Context(), runId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"documents": documents})
	}
}

// deleteDocumentHandler removes the archive row and its stored object. A
// storage failure only logs; the row is already gone.
func deleteDocumentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		id, ok := parseIdParam(c, "id")
		if !ok {
			return
		}

		ctx := c.Request.Context()
		doc, err := models.DeleteDocument(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := utils.DeleteObjectFromGCS(ctx, doc.ObjectKey); err != nil {
			config.GetLogger().WithFields(logrus.Fields{
				"field":       "deleteDocumentHandler",
				"business_id": businessId,
				"document_id": id,
				"object_key":  doc.ObjectKey,
			}).Warn("failed to delete stored object: " + err.Error())
		}
		c.Status(http.StatusNoContent)
	}
}
