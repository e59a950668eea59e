package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// RequestUploading reserves a user id while its files are stored. Workers never claim it.
const RequestUploading string = "UPLOADING"

const (
	RequestPending    string = "PENDING"
	RequestInProgress string = "IN_PROGRESS"
	RequestCompleted  string = "COMPLETED"
	RequestFailed     string = "FAILED"
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

	Result *Result        `gorm:"foreignKey:UserId;constraint:OnDelete:CASCADE"`
	Errors []RequestError `gorm:"foreignKey:UserId;constraint:OnDelete:CASCADE"`
}

// Result holds the metrics of every evaluated model as model -> metric -> value.
type Result struct {
	UserId             string         `gorm:"size:64;primaryKey"`
	TaskType           string         `gorm:"size:20;not null"`
	PerformanceMetrics datatypes.JSON `gorm:"type:jsonb"`
	ReportKeys         datatypes.JSON `gorm:"type:jsonb"`
	CreationTime       time.Time
}

// RequestError records why a request failed, or why one model was left out of its results.
type RequestError struct {
	ErrorId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserId    string    `gorm:"size:64;index;not null"`
	Model     string
	Stage     string `gorm:"size:20"`
	Error     string
	Timestamp time.Time
}
