package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type TaskType string

const (
	Classification TaskType = "classification"
	Regression     TaskType = "regression"
)

var ErrInvalidTaskType = errors.New("invalid task type")

func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTaskType, s)
	}
	return t, nil
}

func (t TaskType) Valid() bool {
	return t == Classification || t == Regression
}

const (
	MetricAccuracy  = "accuracy"
	MetricPrecision = "precision"
	MetricRecall    = "recall"
	MetricF1        = "f1"

	MetricMAE = "mae"
	MetricMSE = "mse"
	MetricR2  = "r2"
)

// MetricKeys returns the fixed, ordered metric key set for a task type.
func MetricKeys(t TaskType) ([]string, error) {
	switch t {
	case Classification:
		return []string{MetricAccuracy, MetricPrecision, MetricRecall, MetricF1}, nil
	case Regression:
		return []string{MetricMAE, MetricMSE, MetricR2}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidTaskType, t)
	}
}

// UserModelName is the result key of the submitted model.
const UserModelName = "user_model"

type EvaluationRecord struct {
	YTest       []float64 `json:"y_test"`
	Predictions []float64 `json:"predictions"`
	// Positive class probability, only for binary classification with a score capable model.
	YScores  []float64          `json:"y_scores,omitempty"`
	TaskType TaskType           `json:"task_type"`
	Metrics  map[string]float64 `json:"metrics"`
}

func (r EvaluationRecord) HasScores() bool {
	return len(r.YScores) > 0
}

type EvaluationResults map[string]EvaluationRecord

// ModelNames lists result keys with the user model first and baselines sorted by name.
func (r EvaluationResults) ModelNames() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		if name != UserModelName {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := r[UserModelName]; ok {
		names = append([]string{UserModelName}, names...)
	}
	return names
}

// MetricsBlob flattens the results into model -> metric -> value for storage.
func (r EvaluationResults) MetricsBlob() map[string]map[string]float64 {
	blob := make(map[string]map[string]float64, len(r))
	for name, record := range r {
		metrics := make(map[string]float64, len(record.Metrics))
		for k, v := range record.Metrics {
			metrics[k] = v
		}
		blob[name] = metrics
	}
	return blob
}

// Validate checks that every record shares the task type and metric key set.
func (r EvaluationResults) Validate(t TaskType) error {
	keys, err := MetricKeys(t)
	if err != nil {
		return err
	}
	for name, record := range r {
		if record.TaskType != t {
			return fmt.Errorf("result %s has task type %q, expected %q", name, record.TaskType, t)
		}
		if len(record.Metrics) != len(keys) {
			return fmt.Errorf("result %s has %d metrics, expected %d", name, len(record.Metrics), len(keys))
		}
		for _, k := range keys {
			if _, ok := record.Metrics[k]; !ok {
				return fmt.Errorf("result %s is missing metric %s", name, k)
			}
		}
	}
	return nil
}
