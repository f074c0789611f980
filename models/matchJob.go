package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Match job statuses. Publish* track the outbox side (getting the job onto
// Pub/Sub); Process* track the worker side. Strings are DB values.
const (
	MatchJobPublishStatusPending    = "PENDING"
	MatchJobPublishStatusProcessing = "PROCESSING"
	MatchJobPublishStatusSent       = "SENT"
	MatchJobPublishStatusFailed     = "FAILED"
	MatchJobPublishStatusDead       = "DEAD"
)

const (
	MatchJobProcessStatusPending   = "PENDING"
	MatchJobProcessStatusSucceeded = "SUCCEEDED"
	MatchJobProcessStatusFailed    = "FAILED"
)

// MatchJob is a transactional outbox record for asynchronous match
// computation. It is written in the same transaction as the state check on
// the run, then picked up by the dispatcher and published to Pub/Sub.
type MatchJob struct {
	ID               int        `gorm:"primary_key" json:"id"`
	BusinessId       string     `gorm:"size:64;not null;index" json:"business_id"`
	RunId            int        `gorm:"not null;index" json:"run_id"`
	JobKey           string     `gorm:"size:64;not null;uniqueIndex" json:"job_key"`
	PublishStatus    string     `gorm:"size:20;not null;default:PENDING;index" json:"publish_status"`
	ProcessStatus    string     `gorm:"size:20;not null;default:PENDING" json:"process_status"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `json:"next_attempt_at"`
	LockedAt         *time.Time `json:"locked_at"`
	LockedBy         *string    `gorm:"size:64" json:"locked_by"`
	PublishedAt      *time.Time `json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:128" json:"pub_sub_message_id"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	LastProcessError *string    `gorm:"type:text" json:"last_process_error"`
	CorrelationId    string     `gorm:"size:64" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnqueueMatchJob writes the outbox record inside the caller's transaction.
// Publishing happens asynchronously after commit.
func EnqueueMatchJob(ctx context.Context, tx *gorm.DB, businessId string, runId int) (*MatchJob, error) {
	correlationId, ok := utils.GetCorrelationIdFromContext(ctx)
	if !ok || correlationId == "" {
		correlationId = uuid.NewString()
	}

	job := MatchJob{
		BusinessId:    businessId,
		RunId:         runId,
		JobKey:        uuid.NewString(),
		PublishStatus: MatchJobPublishStatusPending,
		ProcessStatus: MatchJobProcessStatusPending,
		CorrelationId: correlationId,
	}
	if err := tx.Create(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func GetMatchJob(ctx context.Context, id int) (*MatchJob, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[MatchJob](ctx, businessId, id)
}
