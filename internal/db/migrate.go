package db

import (
	"fmt"

	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of GORM models managed by signalbox.
func AllModels() []interface{} {
	return []interface{}{
		&models.Lease{},
		&models.LedgerEntry{},
	}
}

// AutoMigrate creates or updates the lease and ledger tables, including the
// unique indexes the coordinator relies on for duplicate detection.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
