package db

import (
	"arbiter/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	if err := db.Gorm.AutoMigrate(
		&models.Strategy{},
		&models.PositionOwnership{},
		&models.ConflictLog{},
		&models.Order{},
		&models.OrderTransition{},
		&models.SystemSetting{},
	); err != nil {
		return err
	}

	// gorm tags cannot express a partial index; this one backs the
	// single-primary-owner rule at the storage level.
	return db.Gorm.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_position_ownerships_primary ON position_ownerships (ticker) WHERE kind = 'primary'`,
	).Error
}
