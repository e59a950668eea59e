// Package reporting renders evaluation results into comparison files. It only reads the
// results and never touches storage or the database.
package reporting

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"model-benchmark/internal/core/types"
)

const (
	ResultsTableFile       = "results_table.csv"
	RocCurveFile           = "roc_curve.csv"
	PrecisionRecallFile    = "precision_recall_curve.csv"
	ConfusionMatricesFile  = "confusion_matrices.csv"
	PredictionVsActualFile = "prediction_vs_actual.csv"
	ResidualsFile          = "residuals.csv"
	SummaryFile            = "report.md"
)

var ErrNoResults = errors.New("no results to report")

// DisplayName is the human readable model name used in the summary.
func DisplayName(model string) string {
	if model == types.UserModelName {
		return "User Model"
	}
	return strings.ReplaceAll(model, "_", " ")
}

// WriteReport writes every report file for the results into dir and returns their paths.
func WriteReport(dir string, results types.EvaluationResults) ([]string, error) {
	if len(results) == 0 {
		return nil, ErrNoResults
	}

	taskType, err := commonTaskType(results)
	if err != nil {
		return nil, err
	}
	if err := results.Validate(taskType); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating report dir: %w", err)
	}

	type reportFile struct {
		name  string
		write func(*csv.Writer) error
	}

	files := []reportFile{
		{ResultsTableFile, func(w *csv.Writer) error { return writeResultsTable(w, taskType, results) }},
	}
	if taskType == types.Classification {
		files = append(files,
			reportFile{RocCurveFile, func(w *csv.Writer) error { return writeRocCurves(w, results) }},
			reportFile{PrecisionRecallFile, func(w *csv.Writer) error { return writePrecisionRecallCurves(w, results) }},
			reportFile{ConfusionMatricesFile, func(w *csv.Writer) error { return writeConfusionMatrices(w, results) }},
		)
	} else {
		files = append(files,
			reportFile{PredictionVsActualFile, func(w *csv.Writer) error { return writePredictionVsActual(w, results) }},
			reportFile{ResidualsFile, func(w *csv.Writer) error { return writeResiduals(w, results) }},
		)
	}

	paths := make([]string, 0, len(files)+1)
	for _, file := range files {
		path := filepath.Join(dir, file.name)
		if err := writeCsvFile(path, file.write); err != nil {
			return nil, fmt.Errorf("error writing %s: %w", file.name, err)
		}
		paths = append(paths, path)
	}

	summaryPath := filepath.Join(dir, SummaryFile)
	if err := writeSummary(summaryPath, taskType, results); err != nil {
		return nil, fmt.Errorf("error writing %s: %w", SummaryFile, err)
	}
	paths = append(paths, summaryPath)

	return paths, nil
}

func commonTaskType(results types.EvaluationResults) (types.TaskType, error) {
	var taskType types.TaskType
	for name, record := range results {
		if taskType == "" {
			taskType = record.TaskType
		} else if record.TaskType != taskType {
			return "", fmt.Errorf("result %s is %s but other results are %s", name, record.TaskType, taskType)
		}
	}
	if !taskType.Valid() {
		return "", fmt.Errorf("%w: %q", types.ErrInvalidTaskType, taskType)
	}
	return taskType, nil
}

func writeCsvFile(path string, write func(*csv.Writer) error) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := write(w); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return file.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func writeResultsTable(w *csv.Writer, taskType types.TaskType, results types.EvaluationResults) error {
	keys, err := types.MetricKeys(taskType)
	if err != nil {
		return err
	}
	if err := w.Write(append([]string{"model"}, keys...)); err != nil {
		return err
	}
	for _, name := range results.ModelNames() {
		row := []string{name}
		for _, k := range keys {
			row = append(row, formatFloat(results[name].Metrics[k]))
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}
