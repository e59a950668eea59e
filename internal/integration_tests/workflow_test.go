//go:build integration

package integrationtests

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"model-benchmark/internal/api"
	"model-benchmark/internal/core"
	"model-benchmark/internal/core/types"
	"model-benchmark/internal/database"
	"model-benchmark/internal/messaging"
	"model-benchmark/internal/notify"
	"model-benchmark/internal/reporting"
	pkgapi "model-benchmark/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluationWorkflow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	db := createDB(t)
	store := setupObjectStore(t, ctx)
	publisher, receiver := setupRabbitMQContainer(t, ctx)

	router := chi.NewRouter()
	router.Route("/api/v1", api.NewBackendService(db, store, publisher, requestBucket).AddRoutes)

	processor := core.NewRequestProcessor(core.DefaultRegistry(), store, requestBucket, t.TempDir(), 2, slog.Default())
	worker := core.NewTaskProcessor(db, store, receiver, processor, notify.LogNotifier{}, requestBucket, 5*time.Minute, "http://localhost:8001")

	go worker.Start()
	defer worker.Stop()

	train := classificationCsv(100, 1)
	test := classificationCsv(20, 2)

	rr := submitRequest(t, router, "tester@example.com", "classification",
		upload{field: "model", filename: "user.model", data: userModelArtifact(t, train)},
		upload{field: "train_set", filename: "train.csv", data: []byte(train)},
		upload{field: "test_set", filename: "test.csv", data: []byte(test)},
	)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var submitted pkgapi.SubmitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &submitted))

	var req *database.Request
	require.Eventually(t, func() bool {
		var err error
		req, err = database.GetRequest(ctx, db, submitted.UserId)
		if err != nil {
			return false
		}
		return req.Status == database.RequestCompleted || req.Status == database.RequestFailed
	}, 5*time.Minute, 500*time.Millisecond)
	require.Equal(t, database.RequestCompleted, req.Status)

	result, err := database.GetResult(ctx, db, submitted.UserId)
	require.NoError(t, err)
	metrics, err := result.DecodeMetrics()
	require.NoError(t, err)

	expected := append([]string{types.UserModelName}, core.DefaultRegistry().Names(types.Classification)...)
	assert.Len(t, metrics, len(expected))
	for _, name := range expected {
		require.Contains(t, metrics, name)
		assert.Contains(t, metrics[name], types.MetricAccuracy)
	}

	reportKeys, err := result.DecodeReportKeys()
	require.NoError(t, err)
	assert.Contains(t, reportKeys, core.ReportKeyPrefix(submitted.UserId)+reporting.SummaryFile)
	for _, key := range reportKeys {
		exists, err := store.ObjectExists(ctx, requestBucket, key)
		require.NoError(t, err)
		assert.True(t, exists, key)
	}

	for _, name := range core.DefaultRegistry().Names(types.Classification) {
		exists, err := store.ObjectExists(ctx, requestBucket, core.TrainedModelKey(submitted.UserId, name))
		require.NoError(t, err)
		assert.True(t, exists, name)
	}

	rr = submitRequest(t, router, "tester@example.com", "classification",
		upload{field: "model", filename: "user.pkl", data: []byte("pickle")},
		upload{field: "train_set", filename: "train.csv", data: []byte(train)},
		upload{field: "test_set", filename: "test.csv", data: []byte(test)},
	)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestEvaluationWorkflowMissingDataset(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	db := createDB(t)
	store := setupObjectStore(t, ctx)
	queue := messaging.NewInMemoryQueue()

	processor := core.NewRequestProcessor(core.DefaultRegistry(), store, requestBucket, t.TempDir(), 2, slog.Default())
	worker := core.NewTaskProcessor(db, store, queue, processor, notify.LogNotifier{}, requestBucket, 5*time.Minute, "http://localhost:8001")

	go worker.Start()
	defer worker.Stop()

	submittedAt := time.Now().UTC()
	userId := core.UserId("tester@example.com", submittedAt)
	require.NoError(t, database.CreateRequest(ctx, db, &database.Request{
		UserId:         userId,
		Email:          "tester@example.com",
		SubmissionTime: submittedAt.Format(core.SubmissionTimeLayout),
		TaskType:       string(types.Classification),
	}))
	require.NoError(t, queue.PublishEvaluationTask(ctx, messaging.EvaluationTaskPayload{UserId: userId}))

	require.Eventually(t, func() bool {
		req, err := database.GetRequest(ctx, db, userId)
		return err == nil && req.Status == database.RequestFailed
	}, time.Minute, 200*time.Millisecond)

	_, err := database.GetResult(ctx, db, userId)
	assert.ErrorIs(t, err, database.ErrResultNotFound)

	errs, err := database.GetRequestErrors(ctx, db, userId)
	require.NoError(t, err)
	assert.NotEmpty(t, errs)
}
