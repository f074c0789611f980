package utils

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
)

func GenerateUniqueFilename() string {

	timestamp := time.Now().UnixNano()

	random := rand.Intn(1000)

	uniqueFilename := fmt.Sprintf("%d_%d", timestamp, random)

	return uniqueFilename
}

func ProcessValidationErrors(err error) map[string]string {

	validationErrors := err.(validator.ValidationErrors)

	errorResponse := make(map[string]string)

	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}

	return errorResponse
}

// ObtainRunLock takes the best-effort Redis lock for one reconciliation run.
// The caller must Release the returned lock. Redis being down is not fatal:
// the MySQL advisory lock inside the posting transaction is authoritative
// (workflow.AcquireRunPostingLock); this one just fails fast on contention.
func ObtainRunLock(ctx context.Context, runId int) (*redislock.Lock, error) {
	locker := config.GetRedisLock()
	if locker == nil {
		return nil, nil
	}
	lockKey := fmt.Sprintf("recon:run:%d", runId)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, nil)
	if err == redislock.ErrNotObtained {
		return nil, errors.New("another operation is in progress for this run")
	} else if err != nil {
		return nil, err
	}
	return lock, nil
}
