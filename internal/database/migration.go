package database

import (
	"github.com/forgeq/forgeq-go/internal/database/models"
	"gorm.io/gorm"
)

// Migrate runs database migrations
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.ScheduleDefinition{},
	)
}
