package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
)

// Document records an uploaded source file kept in blob storage, so the
// original bytes of a run's input remain auditable after ingestion.
type Document struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;not null;index" json:"business_id"`
	RunId      int       `gorm:"not null;index" json:"run_id"`
	Side       string    `gorm:"size:1;not null" json:"side"`
	FileName   string    `gorm:"size:255;not null" json:"file_name"`
	ObjectKey  string    `gorm:"size:500;not null" json:"object_key"`
	URL        string    `gorm:"size:1000" json:"url"`
	MimeType   string    `gorm:"size:100" json:"mime_type"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func CreateDocument(ctx context.Context, document *Document) error {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return errors.New("business id is required")
	}
	document.BusinessId = businessId

	db := config.GetDB()
	return db.WithContext(ctx).Create(document).Error
}

func GetDocument(ctx context.Context, id int) (*Document, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Document](ctx, businessId, id)
}

// DeleteDocument removes the row and returns it so the caller can clean up
// the stored object.
func DeleteDocument(ctx context.Context, id int) (*Document, error) {
	document, err := GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Delete(document).Error; err != nil {
		return nil, err
	}
	return document, nil
}

func GetRunDocuments(ctx context.Context, runId int) ([]*Document, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var documents []*Document
	err := db.WithContext(ctx).
		Where("business_id = ? AND run_id = ?", businessId, runId).
		Order("id").
		Find(&documents).Error
	if err != nil {
		return nil, err
	}
	return documents, nil
}
