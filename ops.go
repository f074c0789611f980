package main

import (
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"github.com/gin-gonic/gin"
)

// getMatchJobHandler lets clients poll a queued job after the 202 from
// compute-matches.
func getMatchJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireBusinessId(c); !ok {
			return
		}
		id, ok := parseIdParam(c, "id")
		if !ok {
			return
		}
		job, err := models.GetMatchJob(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

type matchJobReplayRequest struct {
	JobId int `json:"job_id" binding:"required"`
}

// matchJobReplayHandler requeues a match job whose publishing went DEAD or
// FAILED. Admin only: the dispatcher will pick it up on its next poll.
func matchJobReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		if isAdmin, _ := utils.GetIsAdminFromContext(c.Request.Context()); !isAdmin {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req matchJobReplayRequest
		if !bindJSON(c, &req) {
			return
		}

		db := config.GetDB()
		now := time.Now().UTC()
		result := db.WithContext(c.Request.Context()).
			Model(&models.MatchJob{}).
			Where("id = ? AND business_id = ? AND publish_status IN ?",
				req.JobId, businessId, []string{models.MatchJobPublishStatusFailed, models.MatchJobPublishStatusDead}).
			Updates(map[string]interface{}{
				"publish_status":     models.MatchJobPublishStatusFailed,
				"publish_attempts":   0,
				"next_attempt_at":    &now,
				"locked_at":          nil,
				"locked_by":          nil,
				"last_publish_error": nil,
			})
		if result.Error != nil {
			respondError(c, result.Error)
			return
		}
		if result.RowsAffected == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no replayable job found"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"job_id":          req.JobId,
			"publish_status":  models.MatchJobPublishStatusFailed,
			"next_attempt_at": now.Format(time.RFC3339Nano),
		})
	}
}
