package reporting

import (
	"encoding/csv"
	"sort"

	"model-benchmark/internal/core/types"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// Curve is a ROC curve with points ordered by increasing false positive rate.
type Curve struct {
	FPR       []float64
	TPR       []float64
	Threshold []float64
	AUC       float64
}

// positives marks the larger of the two labels in yTrue. ok is false unless yTrue holds exactly
// two distinct labels.
func positives(yTrue []float64) ([]bool, bool) {
	labels := make(map[float64]struct{})
	for _, y := range yTrue {
		labels[y] = struct{}{}
	}
	if len(labels) != 2 {
		return nil, false
	}
	positive := yTrue[0]
	for y := range labels {
		positive = max(positive, y)
	}
	classes := make([]bool, len(yTrue))
	for i, y := range yTrue {
		classes[i] = y == positive
	}
	return classes, true
}

// sortedByScore returns copies of scores and classes sorted by ascending score, as stat.ROC expects.
func sortedByScore(scores []float64, classes []bool) ([]float64, []bool) {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })

	s := make([]float64, len(scores))
	c := make([]bool, len(scores))
	for i, j := range idx {
		s[i], c[i] = scores[j], classes[j]
	}
	return s, c
}

// RocCurve computes the ROC curve and its area for a binary record with scores.
func RocCurve(record types.EvaluationRecord) (Curve, bool) {
	if !record.HasScores() {
		return Curve{}, false
	}
	classes, ok := positives(record.YTest)
	if !ok {
		return Curve{}, false
	}
	scores, classes := sortedByScore(record.YScores, classes)

	tpr, fpr, threshold := stat.ROC(nil, scores, classes, nil)
	return Curve{
		FPR:       fpr,
		TPR:       tpr,
		Threshold: threshold,
		AUC:       integrate.Trapezoidal(fpr, tpr),
	}, true
}

type prPoint struct {
	threshold, precision, recall float64
}

// precisionRecall sweeps every distinct score as a threshold, from the highest down.
func precisionRecall(record types.EvaluationRecord) ([]prPoint, bool) {
	if !record.HasScores() {
		return nil, false
	}
	classes, ok := positives(record.YTest)
	if !ok {
		return nil, false
	}
	scores, classes := sortedByScore(record.YScores, classes)

	totalPositive := 0.0
	for _, c := range classes {
		if c {
			totalPositive++
		}
	}

	var points []prPoint
	var tp, fp float64
	for i := len(scores) - 1; i >= 0; i-- {
		if classes[i] {
			tp++
		} else {
			fp++
		}
		if i > 0 && scores[i-1] == scores[i] {
			continue
		}
		points = append(points, prPoint{
			threshold: scores[i],
			precision: tp / (tp + fp),
			recall:    tp / totalPositive,
		})
	}
	return points, true
}

func writeRocCurves(w *csv.Writer, results types.EvaluationResults) error {
	if err := w.Write([]string{"model", "threshold", "fpr", "tpr", "auc"}); err != nil {
		return err
	}
	for _, name := range results.ModelNames() {
		curve, ok := RocCurve(results[name])
		if !ok {
			continue
		}
		for i := range curve.FPR {
			row := []string{name, formatFloat(curve.Threshold[i]), formatFloat(curve.FPR[i]), formatFloat(curve.TPR[i]), formatFloat(curve.AUC)}
			if err := w.Write(row); err != nil {
				return err
			}
		}
	}
	return nil
}

func writePrecisionRecallCurves(w *csv.Writer, results types.EvaluationResults) error {
	if err := w.Write([]string{"model", "threshold", "precision", "recall"}); err != nil {
		return err
	}
	for _, name := range results.ModelNames() {
		points, ok := precisionRecall(results[name])
		if !ok {
			continue
		}
		for _, p := range points {
			if err := w.Write([]string{name, formatFloat(p.threshold), formatFloat(p.precision), formatFloat(p.recall)}); err != nil {
				return err
			}
		}
	}
	return nil
}
