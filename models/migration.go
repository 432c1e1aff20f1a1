package models

import "github.com/stockpilot/inventory_backend/config"

func MigrateDatabase() error {
	return config.GetDB().AutoMigrate(
		&Integration{},
		&Category{},
		&Product{},
		&ProductSettings{},
		&SalesHistoryRecord{},
		&SyncJob{},
		&SyncJobError{},
		&Alert{},
	)
}
