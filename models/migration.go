package models

import (
	"log"

	"bitbucket.org/mmdatafocus/recon_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&ReconciliationConfig{}, &ReconciliationRun{},
		&DataTable{}, &DataRecord{},
		&Document{},
		&MatchJob{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
