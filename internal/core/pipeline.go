package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"model-benchmark/internal/core/estimators"
	"model-benchmark/internal/core/types"
	"model-benchmark/internal/core/utils"
	"model-benchmark/internal/database"
	"model-benchmark/internal/storage"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

const (
	StageDownload    = "download"
	StageLoad        = "load"
	StageInstantiate = "instantiate"
	StageTrain       = "train"
	StageSave        = "save"
	StageEvaluate    = "evaluate"
)

var ErrScoreUnavailable = errors.New("model cannot produce class scores")

// ProcessingError is the failure of a single model. It removes that model from the results
// without failing the request.
type ProcessingError struct {
	Model string
	Stage string
	Err   error
}

func (e ProcessingError) Error() string {
	return fmt.Sprintf("model %s failed during %s: %v", e.Model, e.Stage, e.Err)
}

func (e ProcessingError) Unwrap() error {
	return e.Err
}

type Evaluation struct {
	Results  types.EvaluationResults
	Failures []ProcessingError
}

// ModelLoader opens the user's downloaded artifact and declares whether it can score classes.
type ModelLoader func(path string, taskType types.TaskType) (Model, Capability, error)

type RequestProcessor struct {
	registry    *Registry
	store       storage.ObjectStore
	bucket      string
	workDir     string
	concurrency int
	loadModel   ModelLoader
	logger      *slog.Logger
}

func NewRequestProcessor(registry *Registry, store storage.ObjectStore, bucket, workDir string, concurrency int, logger *slog.Logger) *RequestProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestProcessor{
		registry:    registry,
		store:       store,
		bucket:      bucket,
		workDir:     workDir,
		concurrency: max(1, concurrency),
		loadModel:   LoadModel,
		logger:      logger,
	}
}

// WithModelLoader replaces the loader used for the user's artifact.
func (p *RequestProcessor) WithModelLoader(loader ModelLoader) *RequestProcessor {
	p.loadModel = loader
	return p
}

func (p *RequestProcessor) RequestDir(userId string) string {
	return filepath.Join(p.workDir, userId)
}

func (p *RequestProcessor) artifactPath(userId, modelName string) string {
	return filepath.Join(p.RequestDir(userId), "models", modelName+".model")
}

// labelPolicy decides how classifier scores become labels. It only applies when the union of
// train and test labels has exactly two classes.
type labelPolicy struct {
	binary   bool
	negative float64
	positive float64
}

func newLabelPolicy(taskType types.TaskType, train, test *Dataset) labelPolicy {
	if taskType != types.Classification {
		return labelPolicy{}
	}
	seen := make(map[float64]struct{})
	for _, ys := range [][]float64{train.Y, test.Y} {
		for _, y := range ys {
			seen[y] = struct{}{}
		}
	}
	if len(seen) != 2 {
		return labelPolicy{}
	}
	labels := make([]float64, 0, 2)
	for y := range seen {
		labels = append(labels, y)
	}
	sort.Float64s(labels)
	return labelPolicy{binary: true, negative: labels[0], positive: labels[1]}
}

// threshold maps a positive class score to a label. A score of exactly 0.5 is negative.
func (lp labelPolicy) threshold(scores []float64) []float64 {
	labels := make([]float64, len(scores))
	for i, s := range scores {
		if s > 0.5 {
			labels[i] = lp.positive
		} else {
			labels[i] = lp.negative
		}
	}
	return labels
}

// ProcessRequest loads the request's data, evaluates the user's model and trains and evaluates
// every registered baseline. Only failures that affect the whole request are returned as errors.
func (p *RequestProcessor) ProcessRequest(ctx context.Context, req *database.Request) (*Evaluation, error) {
	taskType, err := types.ParseTaskType(req.TaskType)
	if err != nil {
		return nil, err
	}
	specs, err := p.registry.GetModels(taskType)
	if err != nil {
		return nil, err
	}

	logger := p.logger.With("user_id", req.UserId, "task_type", taskType)
	logger.Info("processing request", "baselines", len(specs))

	train, test, err := p.loadDatasets(ctx, req.UserId)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded datasets", "train_rows", train.Rows(), "test_rows", test.Rows(), "features", train.Features())

	policy := newLabelPolicy(taskType, train, test)

	eval := &Evaluation{Results: make(types.EvaluationResults)}

	record, err := p.evaluateUserModel(ctx, req.UserId, taskType, test, policy)
	if err != nil {
		eval.Failures = append(eval.Failures, asProcessingError(types.UserModelName, StageEvaluate, err))
	} else {
		eval.Results[types.UserModelName] = record
	}

	queue := make(chan ModelSpec, len(specs))
	for _, spec := range specs {
		queue <- spec
	}
	close(queue)

	completed := make(chan utils.CompletedTask[ModelSpec, types.EvaluationRecord], len(specs))

	worker := func(ctx context.Context, spec ModelSpec) (types.EvaluationRecord, error) {
		return p.runBaseline(ctx, req.UserId, taskType, spec, train, test, policy)
	}
	utils.RunInPool(ctx, worker, queue, completed, p.concurrency)

	// Fit does not take a context, so a model still training when ctx expires is abandoned.
	// completed is buffered for every spec so its worker can still exit.
collect:
	for {
		select {
		case task, ok := <-completed:
			if !ok {
				break collect
			}
			if task.Error != nil {
				eval.Failures = append(eval.Failures, asProcessingError(task.Input.Name, StageTrain, task.Error))
				continue
			}
			eval.Results[task.Input.Name] = task.Result
		case <-ctx.Done():
			return nil, fmt.Errorf("request %s did not finish: %w", req.UserId, ctx.Err())
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("request %s did not finish: %w", req.UserId, err)
	}

	if err := eval.Results.Validate(taskType); err != nil {
		return nil, fmt.Errorf("inconsistent results: %w", err)
	}

	sort.Slice(eval.Failures, func(i, j int) bool {
		return eval.Failures[i].Model < eval.Failures[j].Model
	})
	for _, failure := range eval.Failures {
		logger.Warn("model omitted from results", "model", failure.Model, "stage", failure.Stage, "error", failure.Err)
	}
	logger.Info("request evaluated", "models", len(eval.Results), "failures", len(eval.Failures))

	return eval, nil
}

func (p *RequestProcessor) loadDatasets(ctx context.Context, userId string) (*Dataset, *Dataset, error) {
	loader := NewDatasetLoader(p.store, p.bucket, filepath.Join(p.RequestDir(userId), "data"))

	var train, test *Dataset
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		train, err = loader.Load(gctx, userId, TrainSplit)
		return err
	})
	group.Go(func() error {
		var err error
		test, err = loader.Load(gctx, userId, TestSplit)
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, nil, fmt.Errorf("error loading datasets: %w", err)
	}

	if train.Features() != test.Features() {
		return nil, nil, fmt.Errorf("%w: train has %d features but test has %d", ErrDatasetFormat, train.Features(), test.Features())
	}
	return train, test, nil
}

func (p *RequestProcessor) evaluateUserModel(ctx context.Context, userId string, taskType types.TaskType, test *Dataset, policy labelPolicy) (types.EvaluationRecord, error) {
	path := filepath.Join(p.RequestDir(userId), "user", "model")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return types.EvaluationRecord{}, ProcessingError{types.UserModelName, StageDownload, err}
	}

	if err := p.store.DownloadObject(ctx, p.bucket, UserModelKey(userId), path); err != nil {
		return types.EvaluationRecord{}, ProcessingError{types.UserModelName, StageDownload, err}
	}

	model, capability, err := p.loadModel(path, taskType)
	if err != nil {
		return types.EvaluationRecord{}, ProcessingError{types.UserModelName, StageLoad, err}
	}
	defer ReleaseModel(model)

	record, err := evaluate(model, capability, taskType, test, policy)
	if err != nil {
		return types.EvaluationRecord{}, ProcessingError{types.UserModelName, StageEvaluate, err}
	}
	return record, nil
}

func (p *RequestProcessor) runBaseline(ctx context.Context, userId string, taskType types.TaskType, spec ModelSpec, train, test *Dataset, policy labelPolicy) (types.EvaluationRecord, error) {
	est, err := spec.New()
	if err != nil {
		return types.EvaluationRecord{}, ProcessingError{spec.Name, StageInstantiate, err}
	}

	if err := est.Fit(train.X, train.Y); err != nil {
		return types.EvaluationRecord{}, ProcessingError{spec.Name, StageTrain, err}
	}
	if err := ctx.Err(); err != nil {
		return types.EvaluationRecord{}, ProcessingError{spec.Name, StageTrain, err}
	}

	if err := p.saveBaseline(ctx, userId, taskType, spec.Name, est); err != nil {
		return types.EvaluationRecord{}, ProcessingError{spec.Name, StageSave, err}
	}

	record, err := evaluate(est, spec.Capability, taskType, test, policy)
	if err != nil {
		return types.EvaluationRecord{}, ProcessingError{spec.Name, StageEvaluate, err}
	}
	return record, nil
}

func (p *RequestProcessor) saveBaseline(ctx context.Context, userId string, taskType types.TaskType, name string, est estimators.Estimator) error {
	path := p.artifactPath(userId, name)
	if err := SaveArtifact(path, name, taskType, est); err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening model artifact: %w", err)
	}
	defer file.Close()

	if err := p.store.PutObject(ctx, p.bucket, TrainedModelKey(userId, name), file); err != nil {
		return fmt.Errorf("error uploading model artifact: %w", err)
	}
	return nil
}

// evaluate runs one fitted model over the test split. Score capable models on a binary task
// are labelled through the 0.5 threshold on the positive class score.
func evaluate(model Model, capability Capability, taskType types.TaskType, test *Dataset, policy labelPolicy) (types.EvaluationRecord, error) {
	var predictions, scores []float64
	var err error

	if policy.binary && capability == ScoreCapable {
		prober, ok := model.(estimators.Prober)
		if !ok {
			return types.EvaluationRecord{}, ErrScoreUnavailable
		}
		scores, err = positiveScores(prober, test.X, policy.positive)
		if err != nil {
			return types.EvaluationRecord{}, err
		}
		predictions = policy.threshold(scores)
	} else {
		predictions, err = model.Predict(test.X)
		if err != nil {
			return types.EvaluationRecord{}, err
		}
	}

	if len(predictions) != test.Rows() {
		return types.EvaluationRecord{}, fmt.Errorf("model returned %d predictions for %d test rows", len(predictions), test.Rows())
	}

	metrics, err := CalculateMetrics(taskType, test.Y, predictions)
	if err != nil {
		return types.EvaluationRecord{}, err
	}

	return types.EvaluationRecord{
		YTest:       append([]float64(nil), test.Y...),
		Predictions: predictions,
		YScores:     scores,
		TaskType:    taskType,
		Metrics:     metrics,
	}, nil
}

// positiveScores returns the probability of the positive label. Models without class labels
// are read from column 1, and a model that never saw the positive label scores 0.
func positiveScores(prober estimators.Prober, X *mat.Dense, positive float64) ([]float64, error) {
	proba, err := prober.PredictProba(X)
	if err != nil {
		return nil, err
	}
	n, cols := proba.Dims()

	column := -1
	classes := prober.Classes()
	if classes == nil {
		if cols != 2 {
			return nil, fmt.Errorf("%w: expected 2 probability columns, got %d", ErrScoreUnavailable, cols)
		}
		column = 1
	}
	for i, c := range classes {
		if c == positive {
			column = i
		}
	}

	if column < 0 {
		return make([]float64, n), nil
	}
	if column >= cols {
		return nil, fmt.Errorf("%w: missing probability column %d", ErrScoreUnavailable, column)
	}
	return mat.Col(nil, column, proba), nil
}

func asProcessingError(model, stage string, err error) ProcessingError {
	var pe ProcessingError
	if errors.As(err, &pe) {
		return pe
	}
	return ProcessingError{Model: model, Stage: stage, Err: err}
}
