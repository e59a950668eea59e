package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"model-benchmark/internal/core/estimators"
	"model-benchmark/internal/core/types"
	"model-benchmark/internal/core/utils"
	"model-benchmark/internal/database"
	"model-benchmark/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

type panicEstimator struct{}

func (panicEstimator) Kind() string { return "panic" }

func (panicEstimator) Fit(X *mat.Dense, y []float64) error {
	panic("fit exploded")
}

func (panicEstimator) Predict(X *mat.Dense) ([]float64, error) {
	return nil, nil
}

// blockingEstimator never finishes fitting until release is closed.
type blockingEstimator struct {
	release chan struct{}
}

func (blockingEstimator) Kind() string { return "blocking" }

func (e blockingEstimator) Fit(X *mat.Dense, y []float64) error {
	<-e.release
	return nil
}

func (blockingEstimator) Predict(X *mat.Dense) ([]float64, error) {
	return nil, nil
}

// blockingRegistry holds one classification model whose Fit blocks for the rest of the test.
func blockingRegistry(t *testing.T) *Registry {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	registry, err := NewRegistry(ModelSpec{
		Name:       "Blocking",
		TaskType:   types.Classification,
		Capability: ScoreIncapable,
		Factory: func(estimators.Params) (estimators.Estimator, error) {
			return blockingEstimator{release: release}, nil
		},
	})
	require.NoError(t, err)
	return registry
}

func uploadClassification(t *testing.T, store storage.ObjectStore, userId string, negative, positive float64) []float64 {
	train, _ := classificationCsv(100, 1, negative, positive)
	test, labels := classificationCsv(20, 2, negative, positive)
	putObject(t, store, DatasetKey(userId, TrainSplit), train)
	putObject(t, store, DatasetKey(userId, TestSplit), test)
	return labels
}

func classificationRequest(userId string) *database.Request {
	return &database.Request{UserId: userId, TaskType: string(types.Classification)}
}

func TestProcessRequestClassificationEndToEnd(t *testing.T) {
	store := newTestStore(t)
	labels := uploadClassification(t, store, "abc", 0, 1)
	putObject(t, store, UserModelKey("abc"), "submitted")

	// Three of the twenty predictions are wrong.
	userPredictions := append([]float64(nil), labels...)
	for i := 0; i < 3; i++ {
		userPredictions[i] = 1 - userPredictions[i]
	}

	processor := NewRequestProcessor(DefaultRegistry(), store, testBucket, t.TempDir(), 4, nil).
		WithModelLoader(func(string, types.TaskType) (Model, Capability, error) {
			return fixedModel{predictions: userPredictions}, ScoreIncapable, nil
		})

	eval, err := processor.ProcessRequest(context.Background(), classificationRequest("abc"))
	require.NoError(t, err)
	assert.Empty(t, eval.Failures)

	assert.Equal(t, []string{types.UserModelName, AdaBoost, DecisionTreeClassification, LogisticRegression, RandomForestClassification}, eval.Results.ModelNames())
	assert.InDelta(t, 0.85, eval.Results[types.UserModelName].Metrics[types.MetricAccuracy], 1e-12)
	assert.False(t, eval.Results[types.UserModelName].HasScores())

	for name, record := range eval.Results {
		assert.Len(t, record.Metrics, 4, name)
		assert.Equal(t, labels, record.YTest, name)
		assert.Len(t, record.Predictions, 20, name)
		if name != types.UserModelName {
			assert.Len(t, record.YScores, 20, name)
			assert.GreaterOrEqual(t, record.Metrics[types.MetricAccuracy], 0.8, name)

			exists, err := store.ObjectExists(context.Background(), testBucket, TrainedModelKey("abc", name))
			require.NoError(t, err)
			assert.True(t, exists, name)
		}
	}
}

func TestProcessRequestRegressionWithoutUserModel(t *testing.T) {
	store := newTestStore(t)
	putObject(t, store, DatasetKey("abc", TrainSplit), regressionCsv(100, 1, 3))
	putObject(t, store, DatasetKey("abc", TestSplit), regressionCsv(20, 2, 3))

	processor := NewRequestProcessor(DefaultRegistry(), store, testBucket, t.TempDir(), 2, nil)

	eval, err := processor.ProcessRequest(context.Background(), &database.Request{UserId: "abc", TaskType: string(types.Regression)})
	require.NoError(t, err)

	assert.Len(t, eval.Results, 5)
	assert.NotContains(t, eval.Results, types.UserModelName)
	for name, record := range eval.Results {
		assert.ElementsMatch(t, []string{"mae", "mse", "r2"}, metricKeys(record.Metrics), name)
		assert.False(t, record.HasScores(), name)
	}

	require.Len(t, eval.Failures, 1)
	assert.Equal(t, types.UserModelName, eval.Failures[0].Model)
	assert.Equal(t, StageDownload, eval.Failures[0].Stage)
	assert.ErrorIs(t, eval.Failures[0], storage.ErrObjectNotFound)
}

func TestProcessRequestIsolatesModelFailures(t *testing.T) {
	store := newTestStore(t)
	uploadClassification(t, store, "abc", 0, 1)

	specs, err := DefaultRegistry().GetModels(types.Classification)
	require.NoError(t, err)
	specs = append(specs,
		ModelSpec{Name: "Broken", TaskType: types.Classification, Capability: ScoreCapable, Factory: func(estimators.Params) (estimators.Estimator, error) {
			return nil, errors.New("cannot construct")
		}},
		ModelSpec{Name: "Panics", TaskType: types.Classification, Capability: ScoreCapable, Factory: func(estimators.Params) (estimators.Estimator, error) {
			return panicEstimator{}, nil
		}},
		ModelSpec{Name: "Unscored", TaskType: types.Classification, Capability: ScoreCapable, Factory: estimators.NewLinearRegression},
	)
	registry, err := NewRegistry(specs...)
	require.NoError(t, err)

	processor := NewRequestProcessor(registry, store, testBucket, t.TempDir(), 3, nil)
	eval, err := processor.ProcessRequest(context.Background(), classificationRequest("abc"))
	require.NoError(t, err)

	// The user model is missing as well, only the four real baselines remain.
	assert.Len(t, eval.Results, 4)
	require.Len(t, eval.Failures, 4)

	byModel := make(map[string]ProcessingError)
	for _, f := range eval.Failures {
		byModel[f.Model] = f
	}
	assert.Equal(t, StageInstantiate, byModel["Broken"].Stage)
	assert.Equal(t, StageTrain, byModel["Panics"].Stage)
	assert.ErrorIs(t, byModel["Panics"], utils.ErrWorkerPanic)
	assert.Equal(t, StageEvaluate, byModel["Unscored"].Stage)
	assert.ErrorIs(t, byModel["Unscored"], ErrScoreUnavailable)
	assert.Equal(t, StageDownload, byModel[types.UserModelName].Stage)
}

func TestProcessRequestMissingTrainSet(t *testing.T) {
	store := newTestStore(t)
	test, _ := classificationCsv(20, 2, 0, 1)
	putObject(t, store, DatasetKey("abc", TestSplit), test)

	processor := NewRequestProcessor(DefaultRegistry(), store, testBucket, t.TempDir(), 2, nil)
	eval, err := processor.ProcessRequest(context.Background(), classificationRequest("abc"))
	assert.ErrorIs(t, err, ErrDatasetNotFound)
	assert.Nil(t, eval)
}

func TestProcessRequestFeatureMismatch(t *testing.T) {
	store := newTestStore(t)
	putObject(t, store, DatasetKey("abc", TrainSplit), regressionCsv(30, 1, 4))
	putObject(t, store, DatasetKey("abc", TestSplit), regressionCsv(10, 2, 3))

	processor := NewRequestProcessor(DefaultRegistry(), store, testBucket, t.TempDir(), 2, nil)
	_, err := processor.ProcessRequest(context.Background(), &database.Request{UserId: "abc", TaskType: string(types.Regression)})
	assert.ErrorIs(t, err, ErrDatasetFormat)
}

func TestProcessRequestInvalidTaskType(t *testing.T) {
	processor := NewRequestProcessor(DefaultRegistry(), newTestStore(t), testBucket, t.TempDir(), 2, nil)
	_, err := processor.ProcessRequest(context.Background(), &database.Request{UserId: "abc", TaskType: "clustering"})
	assert.ErrorIs(t, err, types.ErrInvalidTaskType)
}

func TestProcessRequestCancelled(t *testing.T) {
	store := newTestStore(t)
	uploadClassification(t, store, "abc", 0, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	processor := NewRequestProcessor(DefaultRegistry(), store, testBucket, t.TempDir(), 2, nil)
	_, err := processor.ProcessRequest(ctx, classificationRequest("abc"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcessRequestDeadlineDuringFit(t *testing.T) {
	store := newTestStore(t)
	uploadClassification(t, store, "abc", 0, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	processor := NewRequestProcessor(blockingRegistry(t), store, testBucket, t.TempDir(), 1, nil)

	start := time.Now()
	eval, err := processor.ProcessRequest(ctx, classificationRequest("abc"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, eval)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestThresholdTieIsNegative(t *testing.T) {
	store := newTestStore(t)
	labels := uploadClassification(t, store, "abc", 3, 7)
	putObject(t, store, UserModelKey("abc"), "submitted")

	registry, err := NewRegistry()
	require.NoError(t, err)

	run := func(score float64) types.EvaluationRecord {
		processor := NewRequestProcessor(registry, store, testBucket, t.TempDir(), 1, nil).
			WithModelLoader(func(string, types.TaskType) (Model, Capability, error) {
				return constantScoreModel{classes: []float64{3, 7}, score: score}, ScoreCapable, nil
			})
		eval, err := processor.ProcessRequest(context.Background(), classificationRequest("abc"))
		require.NoError(t, err)
		require.Contains(t, eval.Results, types.UserModelName)
		return eval.Results[types.UserModelName]
	}

	first := run(0.5)
	for i, p := range first.Predictions {
		assert.Equal(t, 3.0, p, "row %d", i)
		assert.Equal(t, 0.5, first.YScores[i])
	}
	assert.Equal(t, first, run(0.5))

	above := run(0.5000001)
	for _, p := range above.Predictions {
		assert.Equal(t, 7.0, p)
	}
	assert.Len(t, above.YTest, len(labels))
}

func TestUserModelCapabilityComesFromLoader(t *testing.T) {
	store := newTestStore(t)
	labels := uploadClassification(t, store, "abc", 0, 1)
	putObject(t, store, UserModelKey("abc"), "submitted")

	registry, err := NewRegistry()
	require.NoError(t, err)

	run := func(model Model, capability Capability) *Evaluation {
		processor := NewRequestProcessor(registry, store, testBucket, t.TempDir(), 1, nil).
			WithModelLoader(func(string, types.TaskType) (Model, Capability, error) {
				return model, capability, nil
			})
		eval, err := processor.ProcessRequest(context.Background(), classificationRequest("abc"))
		require.NoError(t, err)
		return eval
	}

	// A model declared score capable must back that with probabilities.
	eval := run(fixedModel{predictions: labels}, ScoreCapable)
	assert.NotContains(t, eval.Results, types.UserModelName)
	require.Len(t, eval.Failures, 1)
	assert.Equal(t, StageEvaluate, eval.Failures[0].Stage)
	assert.ErrorIs(t, eval.Failures[0], ErrScoreUnavailable)

	// A declared incapable model is labelled by Predict and carries no scores.
	eval = run(fixedModel{predictions: labels}, ScoreIncapable)
	require.Contains(t, eval.Results, types.UserModelName)
	assert.Nil(t, eval.Results[types.UserModelName].YScores)
	assert.Equal(t, 1.0, eval.Results[types.UserModelName].Metrics[types.MetricAccuracy])
}

func TestUserModelArtifact(t *testing.T) {
	store := newTestStore(t)
	uploadClassification(t, store, "abc", 0, 1)

	trainCsv, _ := classificationCsv(100, 1, 0, 1)
	train, err := ParseDataset(strings.NewReader(trainCsv))
	require.NoError(t, err)
	est, err := estimators.NewLogisticRegression(nil)
	require.NoError(t, err)
	require.NoError(t, est.Fit(train.X, train.Y))
	data, err := EncodeArtifact("mine", types.Classification, est)
	require.NoError(t, err)
	putObject(t, store, UserModelKey("abc"), string(data))

	registry, err := NewRegistry()
	require.NoError(t, err)
	processor := NewRequestProcessor(registry, store, testBucket, t.TempDir(), 1, nil)

	eval, err := processor.ProcessRequest(context.Background(), classificationRequest("abc"))
	require.NoError(t, err)
	require.Contains(t, eval.Results, types.UserModelName)
	user := eval.Results[types.UserModelName]
	assert.Len(t, user.YScores, 20)
	assert.GreaterOrEqual(t, user.Metrics[types.MetricAccuracy], 0.8)

	// The same artifact is rejected for a regression request.
	putObject(t, store, DatasetKey("abc", TrainSplit), regressionCsv(30, 1, 4))
	putObject(t, store, DatasetKey("abc", TestSplit), regressionCsv(10, 2, 4))
	eval, err = processor.ProcessRequest(context.Background(), &database.Request{UserId: "abc", TaskType: string(types.Regression)})
	require.NoError(t, err)
	require.Len(t, eval.Failures, 1)
	assert.Equal(t, StageLoad, eval.Failures[0].Stage)
	assert.ErrorIs(t, eval.Failures[0], ErrUnsupportedArtifact)
}
