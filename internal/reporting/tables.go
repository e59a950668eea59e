package reporting

import (
	"encoding/csv"
	"sort"
	"strconv"

	"model-benchmark/internal/core/types"
)

// ConfusionMatrix counts (actual, predicted) pairs over the sorted union of both label sets.
func ConfusionMatrix(record types.EvaluationRecord) ([]float64, [][]int) {
	seen := make(map[float64]struct{})
	for _, ys := range [][]float64{record.YTest, record.Predictions} {
		for _, y := range ys {
			seen[y] = struct{}{}
		}
	}
	labels := make([]float64, 0, len(seen))
	for y := range seen {
		labels = append(labels, y)
	}
	sort.Float64s(labels)

	index := make(map[float64]int, len(labels))
	for i, y := range labels {
		index[y] = i
	}
	counts := make([][]int, len(labels))
	for i := range counts {
		counts[i] = make([]int, len(labels))
	}
	for i, actual := range record.YTest {
		counts[index[actual]][index[record.Predictions[i]]]++
	}
	return labels, counts
}

func writeConfusionMatrices(w *csv.Writer, results types.EvaluationResults) error {
	if err := w.Write([]string{"model", "actual", "predicted", "count"}); err != nil {
		return err
	}
	for _, name := range results.ModelNames() {
		labels, counts := ConfusionMatrix(results[name])
		for i, actual := range labels {
			for j, predicted := range labels {
				row := []string{name, formatFloat(actual), formatFloat(predicted), strconv.Itoa(counts[i][j])}
				if err := w.Write(row); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func writePredictionVsActual(w *csv.Writer, results types.EvaluationResults) error {
	if err := w.Write([]string{"model", "index", "actual", "predicted"}); err != nil {
		return err
	}
	for _, name := range results.ModelNames() {
		record := results[name]
		for i, actual := range record.YTest {
			if err := w.Write([]string{name, strconv.Itoa(i), formatFloat(actual), formatFloat(record.Predictions[i])}); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeResiduals(w *csv.Writer, results types.EvaluationResults) error {
	if err := w.Write([]string{"model", "index", "predicted", "residual"}); err != nil {
		return err
	}
	for _, name := range results.ModelNames() {
		record := results[name]
		for i, actual := range record.YTest {
			predicted := record.Predictions[i]
			if err := w.Write([]string{name, strconv.Itoa(i), formatFloat(predicted), formatFloat(actual - predicted)}); err != nil {
				return err
			}
		}
	}
	return nil
}
