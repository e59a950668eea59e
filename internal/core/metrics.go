package core

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"model-benchmark/internal/core/types"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var ErrMetricInput = errors.New("invalid metric input")

// CalculateMetrics returns the canonical metric set for the task type. Classification
// scores use support weighted averaging, and a class with no predicted or true samples
// contributes 0 instead of failing.
func CalculateMetrics(taskType types.TaskType, yTrue, yPred []float64) (map[string]float64, error) {
	if !taskType.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidTaskType, taskType)
	}
	if len(yTrue) == 0 {
		return nil, fmt.Errorf("%w: empty label vector", ErrMetricInput)
	}
	if len(yTrue) != len(yPred) {
		return nil, fmt.Errorf("%w: %d labels but %d predictions", ErrMetricInput, len(yTrue), len(yPred))
	}
	for _, v := range yPred {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: predictions contain non finite values", ErrMetricInput)
		}
	}

	if taskType == types.Classification {
		return classificationMetrics(yTrue, yPred), nil
	}
	return regressionMetrics(yTrue, yPred), nil
}

type classCounts struct {
	tp, fp, fn float64
}

func classificationMetrics(yTrue, yPred []float64) map[string]float64 {
	counts := make(map[float64]*classCounts)
	get := func(label float64) *classCounts {
		c, ok := counts[label]
		if !ok {
			c = &classCounts{}
			counts[label] = c
		}
		return c
	}

	correct := 0
	for i, t := range yTrue {
		p := yPred[i]
		if t == p {
			correct++
			get(t).tp++
		} else {
			get(p).fp++
			get(t).fn++
		}
	}

	labels := make([]float64, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Float64s(labels)

	var precision, recall, f1 float64
	total := float64(len(yTrue))
	for _, label := range labels {
		c := counts[label]
		support := c.tp + c.fn
		if support == 0 {
			continue
		}
		weight := support / total
		precision += weight * safeDiv(c.tp, c.tp+c.fp)
		recall += weight * safeDiv(c.tp, support)
		f1 += weight * safeDiv(2*c.tp, 2*c.tp+c.fp+c.fn)
	}

	return map[string]float64{
		types.MetricAccuracy:  float64(correct) / total,
		types.MetricPrecision: precision,
		types.MetricRecall:    recall,
		types.MetricF1:        f1,
	}
}

func regressionMetrics(yTrue, yPred []float64) map[string]float64 {
	n := float64(len(yTrue))
	resid := make([]float64, len(yTrue))
	floats.SubTo(resid, yTrue, yPred)

	var absSum, sqSum float64
	for _, r := range resid {
		absSum += math.Abs(r)
		sqSum += r * r
	}

	mean := stat.Mean(yTrue, nil)
	var total float64
	for _, v := range yTrue {
		total += (v - mean) * (v - mean)
	}

	var r2 float64
	switch {
	case total != 0:
		r2 = 1 - sqSum/total
	case sqSum == 0:
		r2 = 1
	default:
		// Constant targets with imperfect predictions.
		r2 = 0
	}

	return map[string]float64{
		types.MetricMAE: absSum / n,
		types.MetricMSE: sqSum / n,
		types.MetricR2:  r2,
	}
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
