package migration_1

import (
	"fmt"

	"gorm.io/gorm"
)

type RequestError struct {
	Stage string `gorm:"size:20"`
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&RequestError{}, "stage"); err != nil {
		return fmt.Errorf("error adding Stage column: %w", err)
	}

	if err := db.Model(&RequestError{}).
		Where("stage IS NULL").
		Update("stage", "").Error; err != nil {
		return fmt.Errorf("error setting default value for Stage: %w", err)
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropColumn(&RequestError{}, "stage"); err != nil {
		return fmt.Errorf("error dropping Stage column: %w", err)
	}

	return nil
}
