package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"model-benchmark/internal/database"
	"model-benchmark/internal/messaging"
	"model-benchmark/internal/notify"
	"model-benchmark/internal/reporting"
	"model-benchmark/internal/storage"

	"gorm.io/gorm"
)

const (
	stageRequest = "request"
	stageTimeout = "timeout"
	stageReport  = "report"
	stageStale   = "stale"
)

type TaskProcessor struct {
	db        *gorm.DB
	storage   storage.ObjectStore
	reciever  messaging.Reciever
	processor *RequestProcessor
	notifier  notify.Notifier

	bucket    string
	timeout   time.Duration
	publicURL string

	stop     chan struct{}
	stopOnce sync.Once
}

func NewTaskProcessor(db *gorm.DB, storage storage.ObjectStore, reciever messaging.Reciever, processor *RequestProcessor, notifier notify.Notifier, bucket string, timeout time.Duration, publicURL string) *TaskProcessor {
	return &TaskProcessor{
		db:        db,
		storage:   storage,
		reciever:  reciever,
		processor: processor,
		notifier:  notifier,
		bucket:    bucket,
		timeout:   timeout,
		publicURL: publicURL,
		stop:      make(chan struct{}),
	}
}

// Start processes tasks one at a time until Stop is called or the receiver is closed.
func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	tasks := proc.reciever.Tasks()
	for {
		select {
		case <-proc.stop:
			return
		case task, ok := <-tasks:
			if !ok {
				return
			}
			proc.ProcessTask(task)
		}
	}
}

// Stop closes the receiver. A task that is already being processed runs to completion.
func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.stopOnce.Do(func() { close(proc.stop) })
	proc.reciever.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	if task.Type() != messaging.EvaluationQueue {
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	var payload messaging.EvaluationTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil || payload.UserId == "" {
		slog.Error("malformed evaluation task", "payload", string(task.Payload()), "error", err)
		if err := task.Reject(); err != nil { // Discard malformed message
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err := proc.processEvaluationTask(ctx, payload.UserId); err != nil {
		slog.Error("error processing task", "queue", task.Type(), "user_id", payload.UserId, "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type(), "user_id", payload.UserId)
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

func (proc *TaskProcessor) processEvaluationTask(ctx context.Context, userId string) error {
	claimed, err := database.ClaimRequest(ctx, proc.db, userId)
	if err != nil {
		return err
	}
	if !claimed {
		slog.Info("request is missing or already claimed, skipping", "user_id", userId)
		return nil
	}

	req, err := database.GetRequest(ctx, proc.db, userId)
	if err != nil {
		proc.failRequest(ctx, req, userId, stageRequest, err)
		return err
	}

	defer func() {
		if err := os.RemoveAll(proc.processor.RequestDir(userId)); err != nil {
			slog.Warn("error removing request work dir", "user_id", userId, "error", err)
		}
	}()

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, proc.timeout)
	defer cancel()

	eval, err := proc.processor.ProcessRequest(runCtx, req)
	if err != nil {
		stage := stageRequest
		if errors.Is(err, context.DeadlineExceeded) {
			stage = stageTimeout
		}
		proc.failRequest(ctx, req, userId, stage, err)
		return err
	}

	reportKeys, err := proc.publishReport(ctx, userId, eval)
	if err != nil {
		// The metrics are still valid without the report files.
		slog.Error("error publishing report", "user_id", userId, "error", err)
		database.SaveRequestError(ctx, proc.db, userId, "", stageReport, err.Error())
	}

	if err := database.CompleteRequest(ctx, proc.db, userId, req.TaskType, eval.Results.MetricsBlob(), reportKeys); err != nil {
		proc.failRequest(ctx, req, userId, stageRequest, err)
		return err
	}

	for _, failure := range eval.Failures {
		database.SaveRequestError(ctx, proc.db, userId, failure.Model, failure.Stage, failure.Err.Error())
	}

	slog.Info("request completed", "user_id", userId, "models", len(eval.Results), "failures", len(eval.Failures), "duration", time.Since(start))

	proc.notify(ctx, req, database.RequestCompleted, reportKeys)
	return nil
}

func (proc *TaskProcessor) publishReport(ctx context.Context, userId string, eval *Evaluation) ([]string, error) {
	dir := filepath.Join(proc.processor.RequestDir(userId), "report")
	if _, err := reporting.WriteReport(dir, eval.Results); err != nil {
		return nil, fmt.Errorf("error writing report: %w", err)
	}

	keys, err := proc.storage.UploadDir(ctx, proc.bucket, ReportKeyPrefix(userId), dir)
	if err != nil {
		return nil, fmt.Errorf("error uploading report: %w", err)
	}
	return keys, nil
}

func (proc *TaskProcessor) failRequest(ctx context.Context, req *database.Request, userId, stage string, cause error) {
	slog.Error("request failed", "user_id", userId, "stage", stage, "error", cause)

	if err := database.UpdateRequestStatus(ctx, proc.db, userId, database.RequestFailed); err != nil {
		slog.Error("error marking request as failed", "user_id", userId, "error", err)
	}
	database.SaveRequestError(ctx, proc.db, userId, "", stage, cause.Error())

	if req != nil {
		proc.notify(ctx, req, database.RequestFailed, nil)
	}
}

func (proc *TaskProcessor) notify(ctx context.Context, req *database.Request, status string, reportKeys []string) {
	err := proc.notifier.Notify(ctx, notify.Notification{
		Email:      req.Email,
		UserId:     req.UserId,
		Status:     status,
		ResultsURL: notify.ResultsURL(proc.publicURL, req.UserId),
		ReportKeys: reportKeys,
	})
	if err != nil {
		slog.Warn("error sending notification", "user_id", req.UserId, "status", status, "error", err)
	}
}
