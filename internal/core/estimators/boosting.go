package estimators

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// AdaBoostClassifier is SAMME boosting over decision stumps.
type AdaBoostClassifier struct {
	NEstimators  int     `json:"n_estimators"`
	LearningRate float64 `json:"learning_rate"`

	ClassLabels      []float64 `json:"classes"`
	Stumps           []*tree   `json:"stumps"`
	EstimatorWeights []float64 `json:"estimator_weights"`
}

func NewAdaBoostClassifier(params Params) (Estimator, error) {
	m := &AdaBoostClassifier{
		NEstimators:  params.Int("n_estimators", 50),
		LearningRate: params.Float("learning_rate", 1.0),
	}
	if m.NEstimators < 1 {
		return nil, fmt.Errorf("adaboost: n_estimators must be positive, got %d", m.NEstimators)
	}
	if m.LearningRate <= 0 {
		return nil, fmt.Errorf("adaboost: learning_rate must be positive, got %v", m.LearningRate)
	}
	return m, nil
}

func (m *AdaBoostClassifier) Kind() string { return KindAdaBoostClassifier }

func (m *AdaBoostClassifier) Classes() []float64 { return m.ClassLabels }

func (m *AdaBoostClassifier) Fit(X *mat.Dense, y []float64) error {
	n, _, err := checkFit(X, y)
	if err != nil {
		return err
	}
	m.ClassLabels = uniqueSorted(y)
	k := len(m.ClassLabels)
	if k < 2 {
		return fmt.Errorf("adaboost: %w: need at least 2 classes, got %d", ErrUnsupportedLabels, k)
	}

	labels := encodeLabels(m.ClassLabels, y)
	target := make([]float64, n)
	for i, c := range labels {
		target[i] = float64(c)
	}
	cols, xrows := columns(X), rows(X)

	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1 / float64(n)
	}

	m.Stumps, m.EstimatorWeights = nil, nil
	incorrect := make([]bool, n)
	for round := 0; round < m.NEstimators; round++ {
		stump := growTree(cols, target, weights, allIndices(n), treeConfig{maxDepth: 1, nClasses: k})

		errWeight := 0.0
		for i, row := range xrows {
			incorrect[i] = argmax(stump.leaf(row)) != labels[i]
			if incorrect[i] {
				errWeight += weights[i]
			}
		}
		errRate := errWeight / floats.Sum(weights)

		if errRate <= 0 {
			m.Stumps = append(m.Stumps, stump)
			m.EstimatorWeights = append(m.EstimatorWeights, 1)
			break
		}
		if errRate >= 1-1/float64(k) {
			if len(m.Stumps) == 0 {
				return fmt.Errorf("adaboost: %w", ErrNoUsefulEstimators)
			}
			break
		}

		alpha := m.LearningRate * (math.Log((1-errRate)/errRate) + math.Log(float64(k-1)))
		m.Stumps = append(m.Stumps, stump)
		m.EstimatorWeights = append(m.EstimatorWeights, alpha)

		for i := range weights {
			if incorrect[i] {
				weights[i] *= math.Exp(alpha)
			}
		}
		floats.Scale(1/floats.Sum(weights), weights)
	}
	return nil
}

// PredictProba follows SAMME: a softmax over the normalized weighted votes divided by k-1.
func (m *AdaBoostClassifier) PredictProba(X *mat.Dense) (*mat.Dense, error) {
	if len(m.Stumps) == 0 {
		return nil, ErrNotFitted
	}
	n, err := checkPredict(X, m.Stumps[0].Features)
	if err != nil {
		return nil, err
	}
	k := len(m.ClassLabels)
	total := floats.Sum(m.EstimatorWeights)
	proba := mat.NewDense(n, k, nil)
	for i, row := range rows(X) {
		votes := proba.RawRowView(i)
		for s, stump := range m.Stumps {
			votes[argmax(stump.leaf(row))] += m.EstimatorWeights[s]
		}
		for c := range votes {
			votes[c] = votes[c] / total / float64(k-1)
		}
		lse := floats.LogSumExp(votes)
		for c := range votes {
			votes[c] = math.Exp(votes[c] - lse)
		}
	}
	return proba, nil
}

func (m *AdaBoostClassifier) Predict(X *mat.Dense) ([]float64, error) {
	proba, err := m.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return argmaxRows(proba, m.ClassLabels), nil
}

func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// GradientBoostingRegressor fits shallow regression trees to the residuals of a squared loss.
type GradientBoostingRegressor struct {
	NEstimators  int     `json:"n_estimators"`
	LearningRate float64 `json:"learning_rate"`
	MaxDepth     int     `json:"max_depth"`

	Init  float64 `json:"init"`
	Trees []*tree `json:"trees"`
}

func NewGradientBoostingRegressor(params Params) (Estimator, error) {
	m := &GradientBoostingRegressor{
		NEstimators:  params.Int("n_estimators", 100),
		LearningRate: params.Float("learning_rate", 0.1),
		MaxDepth:     params.Int("max_depth", 3),
	}
	if m.NEstimators < 1 {
		return nil, fmt.Errorf("gradient boosting: n_estimators must be positive, got %d", m.NEstimators)
	}
	if m.LearningRate <= 0 {
		return nil, fmt.Errorf("gradient boosting: learning_rate must be positive, got %v", m.LearningRate)
	}
	return m, validateDepth("gradient boosting", m.MaxDepth)
}

func (m *GradientBoostingRegressor) Kind() string { return KindGradientBoostingRegressor }

func (m *GradientBoostingRegressor) Fit(X *mat.Dense, y []float64) error {
	n, _, err := checkFit(X, y)
	if err != nil {
		return err
	}
	cols, xrows := columns(X), rows(X)

	m.Init = stat.Mean(y, nil)
	current := make([]float64, n)
	for i := range current {
		current[i] = m.Init
	}

	residual := make([]float64, n)
	m.Trees = make([]*tree, 0, m.NEstimators)
	for stage := 0; stage < m.NEstimators; stage++ {
		floats.SubTo(residual, y, current)
		t := growTree(cols, residual, nil, allIndices(n), treeConfig{maxDepth: m.MaxDepth})
		for i, row := range xrows {
			current[i] += m.LearningRate * t.leaf(row)[0]
		}
		m.Trees = append(m.Trees, t)
	}
	return nil
}

func (m *GradientBoostingRegressor) Predict(X *mat.Dense) ([]float64, error) {
	if m.Trees == nil {
		return nil, ErrNotFitted
	}
	n, err := checkPredict(X, m.Trees[0].Features)
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i, row := range rows(X) {
		out[i] = m.Init
		for _, t := range m.Trees {
			out[i] += m.LearningRate * t.leaf(row)[0]
		}
	}
	return out, nil
}
