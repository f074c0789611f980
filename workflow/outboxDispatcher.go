package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MatchJobDispatcher drains the match_jobs outbox: it claims due rows and
// publishes them to Pub/Sub. The job row is written in the caller's
// transaction (transactional outbox); this loop runs after commit, so a
// crash between commit and publish only delays the job.
type MatchJobDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewMatchJobDispatcher(db *gorm.DB, logger *logrus.Logger) *MatchJobDispatcher {
	return &MatchJobDispatcher{
		DB:             db,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
	}
}

func (d *MatchJobDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	// The outbox holds jobs for every tenant.
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.dispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

func (d *MatchJobDispatcher) dispatchOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTimeout)
	db := d.DB
	if db == nil {
		return
	}

	var claimed []models.MatchJob
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - PENDING / FAILED and ready to retry
		// - PROCESSING with a stale lock (dispatcher crashed mid-batch)
		q := tx.
			Where(`
				(
					publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{models.MatchJobPublishStatusPending, models.MatchJobPublishStatusFailed}, now, models.MatchJobPublishStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		for i := range claimed {
			// Poison jobs go terminal after MaxAttempts (DLQ equivalent).
			if d.MaxAttempts > 0 && claimed[i].PublishAttempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max publish attempts exceeded (%d)", d.MaxAttempts)
				claimed[i].PublishStatus = models.MatchJobPublishStatusDead
				if err := tx.Model(&models.MatchJob{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"publish_status":     models.MatchJobPublishStatusDead,
					"last_publish_error": &msg,
					"next_attempt_at":    nil,
					"locked_at":          nil,
					"locked_by":          nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			// Claim for publishing.
			claimed[i].PublishStatus = models.MatchJobPublishStatusProcessing
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &d.DispatcherID
			claimed[i].PublishAttempts = claimed[i].PublishAttempts + 1
			if err := tx.Model(&models.MatchJob{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"publish_status":     claimed[i].PublishStatus,
				"locked_at":          claimed[i].LockedAt,
				"locked_by":          claimed[i].LockedBy,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return
	}

	for _, job := range claimed {
		if job.PublishStatus == models.MatchJobPublishStatusDead {
			continue
		}
		pubID, pubErr := config.PublishMatchJob(ctx, config.MatchJobMessage{
			JobId:         job.ID,
			BusinessId:    job.BusinessId,
			RunId:         job.RunId,
			CorrelationId: job.CorrelationId,
		})
		if pubErr != nil {
			d.markPublishFailed(ctx, job, pubErr)
			continue
		}
		d.markPublishSent(ctx, job.ID, pubID, now)
	}
}

func (d *MatchJobDispatcher) markPublishSent(ctx context.Context, jobId int, pubsubMsgId string, now time.Time) {
	id := pubsubMsgId
	_ = d.DB.WithContext(ctx).Model(&models.MatchJob{}).
		Where("id = ?", jobId).
		Updates(map[string]interface{}{
			"publish_status":     models.MatchJobPublishStatusSent,
			"published_at":       &now,
			"pub_sub_message_id": &id,
			"locked_at":          nil,
			"locked_by":          nil,
			"next_attempt_at":    nil,
		}).Error
}

func (d *MatchJobDispatcher) markPublishFailed(ctx context.Context, job models.MatchJob, pubErr error) {
	db := d.DB.WithContext(ctx)
	now := time.Now().UTC()
	msg := pubErr.Error()

	if d.MaxAttempts > 0 && job.PublishAttempts >= d.MaxAttempts {
		_ = db.Model(&models.MatchJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"publish_status":     models.MatchJobPublishStatusDead,
				"last_publish_error": &msg,
				"next_attempt_at":    nil,
				"locked_at":          nil,
				"locked_by":          nil,
			}).Error

		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"module":      "MatchJobDispatcher",
				"business_id": job.BusinessId,
				"job_id":      job.ID,
				"run_id":      job.RunId,
				"attempt":     job.PublishAttempts,
			}).Error("match job publish moved to DEAD after max attempts: " + msg)
		}
		return
	}

	backoff := d.InitialBackoff
	for i := 1; i < job.PublishAttempts; i++ {
		backoff *= 2
		if backoff > time.Minute*10 {
			backoff = time.Minute * 10
			break
		}
	}
	next := now.Add(backoff)
	_ = db.Model(&models.MatchJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"publish_status":     models.MatchJobPublishStatusFailed,
			"last_publish_error": &msg,
			"next_attempt_at":    &next,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error

	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"module":          "MatchJobDispatcher",
			"business_id":     job.BusinessId,
			"job_id":          job.ID,
			"run_id":          job.RunId,
			"attempt":         job.PublishAttempts,
			"next_attempt_at": next.Format(time.RFC3339Nano),
		}).Error("match job publish failed: " + msg)
	}
}
