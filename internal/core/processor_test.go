package core

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"model-benchmark/internal/core/estimators"
	"model-benchmark/internal/core/types"
	"model-benchmark/internal/database"
	"model-benchmark/internal/messaging"
	"model-benchmark/internal/reporting"
	"model-benchmark/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type processorEnv struct {
	db        *gorm.DB
	store     storage.ObjectStore
	notifier  *recordingNotifier
	processor *RequestProcessor
	workDir   string
}

func newProcessorEnv(t *testing.T) *processorEnv {
	env := &processorEnv{
		db:       createDB(t),
		store:    newTestStore(t),
		notifier: &recordingNotifier{},
		workDir:  t.TempDir(),
	}
	env.processor = NewRequestProcessor(DefaultRegistry(), env.store, testBucket, env.workDir, 2, nil)
	return env
}

func (env *processorEnv) taskProcessor(timeout time.Duration) *TaskProcessor {
	return NewTaskProcessor(env.db, env.store, messaging.NewInMemoryQueue(), env.processor, env.notifier, testBucket, timeout, "http://localhost:8001")
}

func (env *processorEnv) addRequest(t *testing.T, userId string, taskType types.TaskType) {
	require.NoError(t, database.CreateRequest(context.Background(), env.db, &database.Request{
		UserId:         userId,
		Email:          "user@example.com",
		SubmissionTime: "20250101120000",
		TaskType:       string(taskType),
	}))
}

func evaluationTask(t *testing.T, userId string) *recordingTask {
	payload, err := json.Marshal(messaging.EvaluationTaskPayload{UserId: userId})
	require.NoError(t, err)
	return &recordingTask{queue: messaging.EvaluationQueue, payload: payload}
}

func TestTaskProcessorCompletesRequest(t *testing.T) {
	env := newProcessorEnv(t)
	env.addRequest(t, "abc", types.Classification)
	uploadClassification(t, env.store, "abc", 0, 1)

	trainCsv, _ := classificationCsv(100, 1, 0, 1)
	train, err := ParseDataset(readerFor(trainCsv))
	require.NoError(t, err)
	est, err := estimators.NewDecisionTreeClassifier(nil)
	require.NoError(t, err)
	require.NoError(t, est.Fit(train.X, train.Y))
	artifact, err := EncodeArtifact("mine", types.Classification, est)
	require.NoError(t, err)
	putObject(t, env.store, UserModelKey("abc"), string(artifact))

	task := evaluationTask(t, "abc")
	env.taskProcessor(time.Minute).ProcessTask(task)
	assert.True(t, task.acked)
	assert.False(t, task.nacked)

	ctx := context.Background()
	req, err := database.GetRequest(ctx, env.db, "abc")
	require.NoError(t, err)
	assert.Equal(t, database.RequestCompleted, req.Status)
	assert.True(t, req.CompletionTime.Valid)

	result, err := database.GetResult(ctx, env.db, "abc")
	require.NoError(t, err)
	metrics, err := result.DecodeMetrics()
	require.NoError(t, err)
	assert.Len(t, metrics, 5)
	assert.Contains(t, metrics, types.UserModelName)

	keys, err := result.DecodeReportKeys()
	require.NoError(t, err)
	assert.Contains(t, keys, ReportKeyPrefix("abc")+reporting.ResultsTableFile)
	assert.Contains(t, keys, ReportKeyPrefix("abc")+reporting.RocCurveFile)
	for _, key := range keys {
		exists, err := env.store.ObjectExists(ctx, testBucket, key)
		require.NoError(t, err)
		assert.True(t, exists, key)
	}

	errs, err := database.GetRequestErrors(ctx, env.db, "abc")
	require.NoError(t, err)
	assert.Empty(t, errs)

	require.Len(t, env.notifier.sent, 1)
	assert.Equal(t, database.RequestCompleted, env.notifier.sent[0].Status)
	assert.Equal(t, "user@example.com", env.notifier.sent[0].Email)
	assert.Equal(t, "http://localhost:8001/api/v1/requests/abc/results", env.notifier.sent[0].ResultsURL)

	_, err = os.Stat(env.processor.RequestDir("abc"))
	assert.True(t, os.IsNotExist(err))
}

func TestTaskProcessorModelFailuresDoNotFailRequest(t *testing.T) {
	env := newProcessorEnv(t)
	env.addRequest(t, "abc", types.Regression)
	putObject(t, env.store, DatasetKey("abc", TrainSplit), regressionCsv(60, 1, 3))
	putObject(t, env.store, DatasetKey("abc", TestSplit), regressionCsv(20, 2, 3))

	task := evaluationTask(t, "abc")
	env.taskProcessor(time.Minute).ProcessTask(task)
	assert.True(t, task.acked)

	ctx := context.Background()
	req, err := database.GetRequest(ctx, env.db, "abc")
	require.NoError(t, err)
	assert.Equal(t, database.RequestCompleted, req.Status)

	result, err := database.GetResult(ctx, env.db, "abc")
	require.NoError(t, err)
	metrics, err := result.DecodeMetrics()
	require.NoError(t, err)
	assert.Len(t, metrics, 5)
	assert.NotContains(t, metrics, types.UserModelName)

	errs, err := database.GetRequestErrors(ctx, env.db, "abc")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, types.UserModelName, errs[0].Model)
	assert.Equal(t, StageDownload, errs[0].Stage)
}

func TestTaskProcessorFailsWithoutTrainSet(t *testing.T) {
	env := newProcessorEnv(t)
	env.addRequest(t, "abc", types.Classification)
	test, _ := classificationCsv(20, 2, 0, 1)
	putObject(t, env.store, DatasetKey("abc", TestSplit), test)

	task := evaluationTask(t, "abc")
	env.taskProcessor(time.Minute).ProcessTask(task)
	assert.True(t, task.nacked)
	assert.False(t, task.acked)

	ctx := context.Background()
	req, err := database.GetRequest(ctx, env.db, "abc")
	require.NoError(t, err)
	assert.Equal(t, database.RequestFailed, req.Status)

	_, err = database.GetResult(ctx, env.db, "abc")
	assert.ErrorIs(t, err, database.ErrResultNotFound)

	errs, err := database.GetRequestErrors(ctx, env.db, "abc")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, stageRequest, errs[0].Stage)
	assert.Contains(t, errs[0].Error, ErrDatasetNotFound.Error())

	require.Len(t, env.notifier.sent, 1)
	assert.Equal(t, database.RequestFailed, env.notifier.sent[0].Status)
}

func TestTaskProcessorTimeout(t *testing.T) {
	env := newProcessorEnv(t)
	env.addRequest(t, "abc", types.Classification)
	uploadClassification(t, env.store, "abc", 0, 1)

	task := evaluationTask(t, "abc")
	env.taskProcessor(time.Nanosecond).ProcessTask(task)
	assert.True(t, task.nacked)

	ctx := context.Background()
	req, err := database.GetRequest(ctx, env.db, "abc")
	require.NoError(t, err)
	assert.Equal(t, database.RequestFailed, req.Status)

	errs, err := database.GetRequestErrors(ctx, env.db, "abc")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, stageTimeout, errs[0].Stage)

	// A redelivered task does not run the request again.
	retry := evaluationTask(t, "abc")
	env.taskProcessor(time.Minute).ProcessTask(retry)
	assert.True(t, retry.acked)

	req, err = database.GetRequest(ctx, env.db, "abc")
	require.NoError(t, err)
	assert.Equal(t, database.RequestFailed, req.Status)
}

func TestTaskProcessorTimeoutDuringFit(t *testing.T) {
	env := newProcessorEnv(t)
	env.processor = NewRequestProcessor(blockingRegistry(t), env.store, testBucket, env.workDir, 1, nil)
	env.addRequest(t, "abc", types.Classification)
	uploadClassification(t, env.store, "abc", 0, 1)

	task := evaluationTask(t, "abc")
	start := time.Now()
	env.taskProcessor(200 * time.Millisecond).ProcessTask(task)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, task.nacked)

	ctx := context.Background()
	req, err := database.GetRequest(ctx, env.db, "abc")
	require.NoError(t, err)
	assert.Equal(t, database.RequestFailed, req.Status)

	errs, err := database.GetRequestErrors(ctx, env.db, "abc")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, stageTimeout, errs[0].Stage)
}

func TestTaskProcessorSkipsClaimedRequest(t *testing.T) {
	env := newProcessorEnv(t)
	env.addRequest(t, "abc", types.Classification)

	claimed, err := database.ClaimRequest(context.Background(), env.db, "abc")
	require.NoError(t, err)
	require.True(t, claimed)

	task := evaluationTask(t, "abc")
	env.taskProcessor(time.Minute).ProcessTask(task)
	assert.True(t, task.acked)
	assert.Empty(t, env.notifier.sent)

	missing := evaluationTask(t, "missing")
	env.taskProcessor(time.Minute).ProcessTask(missing)
	assert.True(t, missing.acked)
}

func TestTaskProcessorRejectsMalformedTasks(t *testing.T) {
	env := newProcessorEnv(t)
	proc := env.taskProcessor(time.Minute)

	for _, task := range []*recordingTask{
		{queue: messaging.EvaluationQueue, payload: []byte("not json")},
		{queue: messaging.EvaluationQueue, payload: []byte(`{"user_id": ""}`)},
		{queue: "other_queue", payload: []byte(`{"user_id": "abc"}`)},
	} {
		proc.ProcessTask(task)
		assert.True(t, task.rejected)
		assert.False(t, task.acked)
	}
}

func TestPendingScanner(t *testing.T) {
	env := newProcessorEnv(t)
	env.addRequest(t, "a", types.Classification)
	env.addRequest(t, "b", types.Regression)
	env.addRequest(t, "c", types.Regression)

	_, err := database.ClaimRequest(context.Background(), env.db, "c")
	require.NoError(t, err)

	queue := messaging.NewInMemoryQueue()
	defer queue.Close()
	scanner := NewPendingScanner(env.db, queue)

	published, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, published)

	var ids []string
	for i := 0; i < 2; i++ {
		task := <-queue.Tasks()
		var payload messaging.EvaluationTaskPayload
		require.NoError(t, json.Unmarshal(task.Payload(), &payload))
		ids = append(ids, payload.UserId)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	require.NoError(t, scanner.Start("@every 1h"))
	scanner.Stop()
	assert.Error(t, NewPendingScanner(env.db, queue).Start("not a schedule"))
}

func TestPendingScannerFailsStaleRequests(t *testing.T) {
	env := newProcessorEnv(t)
	ctx := context.Background()
	env.addRequest(t, "stale", types.Classification)
	env.addRequest(t, "running", types.Classification)
	env.addRequest(t, "waiting", types.Regression)

	for _, userId := range []string{"stale", "running"} {
		claimed, err := database.ClaimRequest(ctx, env.db, userId)
		require.NoError(t, err)
		require.True(t, claimed)
	}
	require.NoError(t, env.db.Model(&database.Request{}).
		Where("user_id = ?", "stale").
		Update("start_time", time.Now().UTC().Add(-2*time.Hour)).Error)

	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	published, err := NewPendingScanner(env.db, queue).WithStaleTimeout(time.Hour).Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, published)

	stale, err := database.GetRequest(ctx, env.db, "stale")
	require.NoError(t, err)
	assert.Equal(t, database.RequestFailed, stale.Status)
	assert.True(t, stale.CompletionTime.Valid)

	errs, err := database.GetRequestErrors(ctx, env.db, "stale")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, stageStale, errs[0].Stage)

	running, err := database.GetRequest(ctx, env.db, "running")
	require.NoError(t, err)
	assert.Equal(t, database.RequestInProgress, running.Status)

	// Without a stale timeout claimed requests are left alone.
	require.NoError(t, env.db.Model(&database.Request{}).
		Where("user_id = ?", "running").
		Update("start_time", time.Now().UTC().Add(-2*time.Hour)).Error)
	_, err = NewPendingScanner(env.db, queue).Scan(ctx)
	require.NoError(t, err)
	running, err = database.GetRequest(ctx, env.db, "running")
	require.NoError(t, err)
	assert.Equal(t, database.RequestInProgress, running.Status)
}

func TestTaskProcessorStartStop(t *testing.T) {
	env := newProcessorEnv(t)
	env.addRequest(t, "abc", types.Regression)

	queue := messaging.NewInMemoryQueue()
	proc := NewTaskProcessor(env.db, env.store, queue, env.processor, env.notifier, testBucket, time.Minute, "http://localhost:8001")

	done := make(chan struct{})
	go func() {
		proc.Start()
		close(done)
	}()

	ctx := context.Background()
	require.NoError(t, queue.PublishEvaluationTask(ctx, messaging.EvaluationTaskPayload{UserId: "abc"}))

	assert.Eventually(t, func() bool {
		req, err := database.GetRequest(ctx, env.db, "abc")
		return err == nil && req.Status == database.RequestFailed
	}, 10*time.Second, 20*time.Millisecond)

	proc.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task processor did not stop")
	}

	require.Len(t, env.notifier.sent, 1)
	assert.Equal(t, database.RequestFailed, env.notifier.sent[0].Status)
}
