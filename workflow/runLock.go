package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireRunPostingLock serializes mutations per run across instances using
// MySQL advisory locks. GET_LOCK is connection-scoped, so this must be
// called on the same *gorm.DB transaction that performs the mutation.
func AcquireRunPostingLock(tx *gorm.DB, runId int) error {
	lockName := fmt.Sprintf("run_posting:%d", runId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire posting lock for run_id=%d", runId)
	}
	return nil
}

func ReleaseRunPostingLock(tx *gorm.DB, runId int) {
	lockName := fmt.Sprintf("run_posting:%d", runId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
