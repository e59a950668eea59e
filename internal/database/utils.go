package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrRequestExists   = errors.New("request already exists")
	ErrRequestNotFound = errors.New("request not found")
	ErrResultNotFound  = errors.New("result not found")
)

func CreateRequest(ctx context.Context, db *gorm.DB, req *Request) error {
	return db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		var count int64
		if err := txn.Model(&Request{}).Where("user_id = ?", req.UserId).Count(&count).Error; err != nil {
			return fmt.Errorf("error checking for existing request: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrRequestExists, req.UserId)
		}

		if req.Status == "" {
			req.Status = RequestPending
		}
		if req.CreationTime.IsZero() {
			req.CreationTime = time.Now().UTC()
		}
		if err := txn.Create(req).Error; err != nil {
			return fmt.Errorf("error creating request: %w", err)
		}
		return nil
	})
}

func GetRequest(ctx context.Context, db *gorm.DB, userId string) (*Request, error) {
	var req Request
	if err := db.WithContext(ctx).First(&req, "user_id = ?", userId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, userId)
		}
		return nil, fmt.Errorf("error getting request %s: %w", userId, err)
	}
	return &req, nil
}

// ListRequests returns requests newest first. Empty filters match everything.
func ListRequests(ctx context.Context, db *gorm.DB, status, taskType string) ([]Request, error) {
	query := db.WithContext(ctx).Model(&Request{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if taskType != "" {
		query = query.Where("task_type = ?", taskType)
	}

	var requests []Request
	if err := query.Order("creation_time DESC").Find(&requests).Error; err != nil {
		return nil, fmt.Errorf("error listing requests: %w", err)
	}
	return requests, nil
}

// GetPendingRequests returns unclaimed requests, oldest first.
func GetPendingRequests(ctx context.Context, db *gorm.DB) ([]Request, error) {
	var requests []Request
	if err := db.WithContext(ctx).
		Where("status = ?", RequestPending).
		Order("creation_time ASC").
		Find(&requests).Error; err != nil {
		return nil, fmt.Errorf("error listing pending requests: %w", err)
	}
	return requests, nil
}

// ClaimRequest moves a request from PENDING to IN_PROGRESS. It returns false if the
// request is missing or another worker already claimed it.
func ClaimRequest(ctx context.Context, db *gorm.DB, userId string) (bool, error) {
	result := db.WithContext(ctx).
		Model(&Request{}).
		Where("user_id = ? AND status = ?", userId, RequestPending).
		Updates(map[string]any{
			"status":     RequestInProgress,
			"start_time": time.Now().UTC(),
		})
	if result.Error != nil {
		slog.Error("error claiming request", "user_id", userId, "error", result.Error)
		return false, fmt.Errorf("error claiming request %s: %w", userId, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ReleaseRequest makes a reserved request claimable once its files are stored.
func ReleaseRequest(ctx context.Context, db *gorm.DB, userId string) error {
	result := db.WithContext(ctx).
		Model(&Request{}).
		Where("user_id = ? AND status = ?", userId, RequestUploading).
		Update("status", RequestPending)
	if result.Error != nil {
		return fmt.Errorf("error releasing request %s: %w", userId, result.Error)
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("%w: no reserved request %s", ErrRequestNotFound, userId)
	}
	return nil
}

// DeleteRequest removes a reserved request whose files could not be stored.
func DeleteRequest(ctx context.Context, db *gorm.DB, userId string) error {
	if err := db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userId, RequestUploading).
		Delete(&Request{}).Error; err != nil {
		return fmt.Errorf("error deleting request %s: %w", userId, err)
	}
	return nil
}

// FailStaleRequests marks requests claimed before startedBefore and still IN_PROGRESS as FAILED,
// returning the ids it failed.
func FailStaleRequests(ctx context.Context, db *gorm.DB, startedBefore time.Time) ([]string, error) {
	var stale []Request
	if err := db.WithContext(ctx).
		Where("status = ? AND start_time < ?", RequestInProgress, startedBefore.UTC()).
		Find(&stale).Error; err != nil {
		return nil, fmt.Errorf("error listing stale requests: %w", err)
	}

	var failed []string
	for _, req := range stale {
		result := db.WithContext(ctx).
			Model(&Request{}).
			Where("user_id = ? AND status = ?", req.UserId, RequestInProgress).
			Updates(map[string]any{
				"status":          RequestFailed,
				"completion_time": time.Now().UTC(),
			})
		if result.Error != nil {
			return failed, fmt.Errorf("error failing stale request %s: %w", req.UserId, result.Error)
		}
		if result.RowsAffected == 1 {
			failed = append(failed, req.UserId)
		}
	}
	return failed, nil
}

func UpdateRequestStatus(ctx context.Context, txn *gorm.DB, userId string, status string) error {
	updates := map[string]any{"status": status}
	if status == RequestCompleted || status == RequestFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&Request{UserId: userId}).Updates(updates).Error; err != nil {
		slog.Error("error updating request status", "user_id", userId, "status", status, "error", err)
		return err
	}
	return nil
}

// AddResult stores the metrics blob for a request, replacing any previous result.
func AddResult(ctx context.Context, txn *gorm.DB, userId, taskType string, metrics map[string]map[string]float64, reportKeys []string) error {
	metricsJson, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("error encoding metrics: %w", err)
	}
	if reportKeys == nil {
		reportKeys = []string{}
	}
	keysJson, err := json.Marshal(reportKeys)
	if err != nil {
		return fmt.Errorf("error encoding report keys: %w", err)
	}

	result := Result{
		UserId:             userId,
		TaskType:           taskType,
		PerformanceMetrics: metricsJson,
		ReportKeys:         keysJson,
		CreationTime:       time.Now().UTC(),
	}
	if err := txn.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&result).Error; err != nil {
		return fmt.Errorf("error saving result for %s: %w", userId, err)
	}
	return nil
}

// CompleteRequest saves the result and marks the request COMPLETED in one transaction.
func CompleteRequest(ctx context.Context, db *gorm.DB, userId, taskType string, metrics map[string]map[string]float64, reportKeys []string) error {
	return db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := AddResult(ctx, txn, userId, taskType, metrics, reportKeys); err != nil {
			return err
		}
		return UpdateRequestStatus(ctx, txn, userId, RequestCompleted)
	})
}

func GetResult(ctx context.Context, db *gorm.DB, userId string) (*Result, error) {
	var result Result
	if err := db.WithContext(ctx).First(&result, "user_id = ?", userId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrResultNotFound, userId)
		}
		return nil, fmt.Errorf("error getting result %s: %w", userId, err)
	}
	return &result, nil
}

// DecodeMetrics parses the stored metrics blob.
func (r *Result) DecodeMetrics() (map[string]map[string]float64, error) {
	var metrics map[string]map[string]float64
	if err := json.Unmarshal(r.PerformanceMetrics, &metrics); err != nil {
		return nil, fmt.Errorf("error decoding metrics: %w", err)
	}
	return metrics, nil
}

func (r *Result) DecodeReportKeys() ([]string, error) {
	var keys []string
	if len(r.ReportKeys) == 0 {
		return keys, nil
	}
	if err := json.Unmarshal(r.ReportKeys, &keys); err != nil {
		return nil, fmt.Errorf("error decoding report keys: %w", err)
	}
	return keys, nil
}

// SaveRequestError records an error for the request. Failures are logged, never returned.
func SaveRequestError(ctx context.Context, txn *gorm.DB, userId, model, stage, errorMessage string) {
	requestError := RequestError{
		ErrorId:   uuid.New(),
		UserId:    userId,
		Model:     model,
		Stage:     stage,
		Error:     errorMessage,
		Timestamp: time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Create(&requestError).Error; err != nil {
		slog.Error("error saving request error", "user_id", userId, "model", model, "error", err)
	}
}

func GetRequestErrors(ctx context.Context, db *gorm.DB, userId string) ([]RequestError, error) {
	var errs []RequestError
	if err := db.WithContext(ctx).
		Where("user_id = ?", userId).
		Order("timestamp ASC").
		Find(&errs).Error; err != nil {
		return nil, fmt.Errorf("error listing errors for %s: %w", userId, err)
	}
	return errs, nil
}
