package reporting_test

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"model-benchmark/internal/core/types"
	"model-benchmark/internal/reporting"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func classificationResults() types.EvaluationResults {
	yTest := []float64{0, 0, 1, 1}
	return types.EvaluationResults{
		types.UserModelName: {
			YTest:       yTest,
			Predictions: []float64{0, 1, 1, 1},
			TaskType:    types.Classification,
			Metrics:     map[string]float64{"accuracy": 0.75, "precision": 0.83, "recall": 0.75, "f1": 0.73},
		},
		"LogisticRegression": {
			YTest:       yTest,
			Predictions: []float64{0, 0, 1, 1},
			YScores:     []float64{0.1, 0.4, 0.35, 0.8},
			TaskType:    types.Classification,
			Metrics:     map[string]float64{"accuracy": 1, "precision": 1, "recall": 1, "f1": 1},
		},
	}
}

func readCsv(t *testing.T, path string) [][]string {
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	return records
}

func TestClassificationReport(t *testing.T) {
	dir := t.TempDir()

	paths, err := reporting.WriteReport(dir, classificationResults())
	require.NoError(t, err)

	var names []string
	for _, p := range paths {
		names = append(names, filepath.Base(p))
		assert.FileExists(t, p)
	}
	assert.ElementsMatch(t, []string{
		reporting.ResultsTableFile,
		reporting.RocCurveFile,
		reporting.PrecisionRecallFile,
		reporting.ConfusionMatricesFile,
		reporting.SummaryFile,
	}, names)

	table := readCsv(t, filepath.Join(dir, reporting.ResultsTableFile))
	require.Len(t, table, 3)
	assert.Equal(t, []string{"model", "accuracy", "precision", "recall", "f1"}, table[0])
	assert.Equal(t, types.UserModelName, table[1][0])
	assert.Equal(t, "LogisticRegression", table[2][0])

	// Only the model with scores has a roc curve.
	roc := readCsv(t, filepath.Join(dir, reporting.RocCurveFile))
	for _, row := range roc[1:] {
		assert.Equal(t, "LogisticRegression", row[0])
		assert.Equal(t, "0.75", row[4])
	}

	confusion := readCsv(t, filepath.Join(dir, reporting.ConfusionMatricesFile))
	assert.Len(t, confusion, 1+4+4)
	assert.Contains(t, confusion, []string{types.UserModelName, "0", "1", "1"})

	summary, err := os.ReadFile(filepath.Join(dir, reporting.SummaryFile))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "User Model")
	assert.Contains(t, string(summary), "ROC AUC")
}

func TestRegressionReport(t *testing.T) {
	dir := t.TempDir()
	results := types.EvaluationResults{
		"LinearRegression": {
			YTest:       []float64{1, 2, 3},
			Predictions: []float64{1.5, 2, 2},
			TaskType:    types.Regression,
			Metrics:     map[string]float64{"mae": 0.5, "mse": 0.42, "r2": 0.37},
		},
		"GradientBoosting_Regression": {
			YTest:       []float64{1, 2, 3},
			Predictions: []float64{1, 2, 3},
			TaskType:    types.Regression,
			Metrics:     map[string]float64{"mae": 0, "mse": 0, "r2": 1},
		},
	}

	paths, err := reporting.WriteReport(dir, results)
	require.NoError(t, err)
	assert.Len(t, paths, 4)

	residuals := readCsv(t, filepath.Join(dir, reporting.ResidualsFile))
	assert.Contains(t, residuals, []string{"LinearRegression", "0", "1.5", "-0.5"})
	assert.Contains(t, residuals, []string{"LinearRegression", "2", "2", "1"})

	actual := readCsv(t, filepath.Join(dir, reporting.PredictionVsActualFile))
	assert.Len(t, actual, 1+6)

	summary, err := os.ReadFile(filepath.Join(dir, reporting.SummaryFile))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "mae: GradientBoosting Regression")
	assert.Contains(t, string(summary), "could not be evaluated")
}

func TestReportRejectsMixedResults(t *testing.T) {
	results := classificationResults()
	results["LinearRegression"] = types.EvaluationRecord{
		YTest:       []float64{1},
		Predictions: []float64{1},
		TaskType:    types.Regression,
		Metrics:     map[string]float64{"mae": 0, "mse": 0, "r2": 1},
	}
	_, err := reporting.WriteReport(t.TempDir(), results)
	assert.Error(t, err)

	_, err = reporting.WriteReport(t.TempDir(), types.EvaluationResults{})
	assert.ErrorIs(t, err, reporting.ErrNoResults)
}

func TestRocCurve(t *testing.T) {
	record := types.EvaluationRecord{
		YTest:   []float64{0, 0, 1, 1},
		YScores: []float64{0.1, 0.2, 0.8, 0.9},
	}
	curve, ok := reporting.RocCurve(record)
	require.True(t, ok)
	assert.InDelta(t, 1.0, curve.AUC, 1e-12)

	record.YTest = []float64{1, 1, 1, 1}
	_, ok = reporting.RocCurve(record)
	assert.False(t, ok)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "User Model", reporting.DisplayName(types.UserModelName))
	assert.Equal(t, "DecisionTree Classification", reporting.DisplayName("DecisionTree_Classification"))
}
