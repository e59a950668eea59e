package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"model-benchmark/internal/core"
	"model-benchmark/internal/core/types"
	"model-benchmark/internal/database"
	"model-benchmark/internal/messaging"
	"model-benchmark/internal/reporting"
	"model-benchmark/internal/storage"

	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"gorm.io/gorm"
)

type submission struct {
	email    string
	taskType string
	model    string
	train    string
	test     string
}

func checkExtension(path string, extensions ...string) error {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range extensions {
		if ext == e {
			return nil
		}
	}
	return fmt.Errorf("file '%s' must have one of the extensions %v", path, extensions)
}

func uploadFile(ctx context.Context, store storage.ObjectStore, key, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", path, err)
	}
	defer file.Close()

	return store.PutObject(ctx, requestBucket, key, file)
}

// evaluateSubmission runs one submission through the same queue and worker the server uses,
// then prints its metrics.
func evaluateSubmission(ctx context.Context, db *gorm.DB, store storage.ObjectStore, queue messaging.Publisher, sub submission, timeout time.Duration) error {
	taskType, err := types.ParseTaskType(sub.taskType)
	if err != nil {
		return err
	}
	if err := checkExtension(sub.model, ".model", ".onnx"); err != nil {
		return err
	}
	if err := checkExtension(sub.train, ".csv"); err != nil {
		return err
	}
	if err := checkExtension(sub.test, ".csv"); err != nil {
		return err
	}

	submittedAt := time.Now().UTC()
	userId := core.UserId(sub.email, submittedAt)

	if err := database.CreateRequest(ctx, db, &database.Request{
		UserId:         userId,
		Email:          sub.email,
		SubmissionTime: submittedAt.Format(core.SubmissionTimeLayout),
		TaskType:       string(taskType),
		Status:         database.RequestUploading,
	}); err != nil {
		return err
	}

	for key, path := range map[string]string{
		core.UserModelKey(userId):                sub.model,
		core.DatasetKey(userId, core.TrainSplit): sub.train,
		core.DatasetKey(userId, core.TestSplit):  sub.test,
	} {
		if err := uploadFile(ctx, store, key, path); err != nil {
			if err := database.DeleteRequest(ctx, db, userId); err != nil {
				log.Printf("error removing reserved request %s: %v", userId, err)
			}
			return err
		}
	}

	if err := database.ReleaseRequest(ctx, db, userId); err != nil {
		return err
	}

	if err := queue.PublishEvaluationTask(ctx, messaging.EvaluationTaskPayload{UserId: userId}); err != nil {
		return err
	}

	req, err := waitForRequest(ctx, db, userId, timeout)
	if err != nil {
		return err
	}

	requestErrors, err := database.GetRequestErrors(ctx, db, userId)
	if err != nil {
		return err
	}

	if req.Status == database.RequestFailed {
		for _, e := range requestErrors {
			fmt.Fprintf(os.Stderr, "%s: %s\n", e.Stage, e.Error)
		}
		return fmt.Errorf("request %s failed", userId)
	}

	result, err := database.GetResult(ctx, db, userId)
	if err != nil {
		return err
	}
	metrics, err := result.DecodeMetrics()
	if err != nil {
		return err
	}

	printMetrics(taskType, metrics)
	for _, e := range requestErrors {
		fmt.Printf("skipped %s at %s: %s\n", reporting.DisplayName(e.Model), e.Stage, e.Error)
	}
	fmt.Printf("\nrequest id: %s\n", userId)
	return nil
}

func waitForRequest(ctx context.Context, db *gorm.DB, userId string, timeout time.Duration) (*database.Request, error) {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("evaluating models"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)
	defer bar.Finish() //nolint:errcheck

	// Leave the worker time to record the timeout itself.
	deadline := time.After(timeout + time.Minute)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return nil, errors.New("timed out waiting for the worker")
		case <-ticker.C:
			_ = bar.Add(1)
			req, err := database.GetRequest(ctx, db, userId)
			if err != nil {
				return nil, err
			}
			if req.Status == database.RequestCompleted || req.Status == database.RequestFailed {
				return req, nil
			}
		}
	}
}

func printMetrics(taskType types.TaskType, metrics map[string]map[string]float64) {
	keys, _ := types.MetricKeys(taskType)

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		if name != types.UserModelName {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := metrics[types.UserModelName]; ok {
		names = append([]string{types.UserModelName}, names...)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(append([]string{"Model"}, keys...))
	table.SetAutoFormatHeaders(false)
	for _, name := range names {
		row := []string{reporting.DisplayName(name)}
		for _, k := range keys {
			row = append(row, strconv.FormatFloat(metrics[name][k], 'f', 4, 64))
		}
		table.Append(row)
	}
	table.Render()
}
