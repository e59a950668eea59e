package migration_0

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Request struct {
	UserId         string `gorm:"size:64;primaryKey"`
	Email          string `gorm:"not null"`
	SubmissionTime string `gorm:"size:14;not null"`
	TaskType       string `gorm:"size:20;not null"`
	Status         string `gorm:"size:20;not null;default:PENDING;index"`
	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime
}

type Result struct {
	UserId             string         `gorm:"size:64;primaryKey"`
	TaskType           string         `gorm:"size:20;not null"`
	PerformanceMetrics datatypes.JSON `gorm:"type:jsonb"`
	ReportKeys         datatypes.JSON `gorm:"type:jsonb"`
	CreationTime       time.Time
}

type RequestError struct {
	ErrorId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserId    string    `gorm:"size:64;index;not null"`
	Model     string
	Error     string
	Timestamp time.Time
}

func Migration(db *gorm.DB) error {
	return db.AutoMigrate(&Request{}, &Result{}, &RequestError{})
}
