// Package estimators holds the baseline models trained for every request. All
// estimators are plain structs with exported state so that a fitted model can be
// written as JSON and loaded again without refitting.
package estimators

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrNotFitted          = errors.New("estimator is not fitted")
	ErrShape              = errors.New("input shape mismatch")
	ErrUnknownKind        = errors.New("unknown estimator kind")
	ErrUnsupportedLabels  = errors.New("unsupported label set")
	ErrSingularSystem     = errors.New("singular system")
	ErrNoUsefulEstimators = errors.New("boosting produced no useful estimators")
)

// Estimator is an untrained or fitted model. Fit must be called once before Predict.
type Estimator interface {
	Kind() string
	Fit(X *mat.Dense, y []float64) error
	Predict(X *mat.Dense) ([]float64, error)
}

// Prober is implemented by classifiers that can return per-class probabilities.
// Column k of PredictProba corresponds to Classes()[k].
type Prober interface {
	Classes() []float64
	PredictProba(X *mat.Dense) (*mat.Dense, error)
}

const (
	KindLinearRegression          = "linear_regression"
	KindLasso                     = "lasso"
	KindLogisticRegression        = "logistic_regression"
	KindDecisionTreeClassifier    = "decision_tree_classifier"
	KindDecisionTreeRegressor     = "decision_tree_regressor"
	KindRandomForestClassifier    = "random_forest_classifier"
	KindRandomForestRegressor     = "random_forest_regressor"
	KindAdaBoostClassifier        = "adaboost_classifier"
	KindGradientBoostingRegressor = "gradient_boosting_regressor"
	KindShallowNNClassifier       = "shallow_nn_classifier"
	KindShallowNNRegressor        = "shallow_nn_regressor"
)

var emptyByKind = map[string]func() Estimator{
	KindLinearRegression:          func() Estimator { return &LinearRegression{} },
	KindLasso:                     func() Estimator { return &Lasso{} },
	KindLogisticRegression:        func() Estimator { return &LogisticRegression{} },
	KindDecisionTreeClassifier:    func() Estimator { return &DecisionTreeClassifier{} },
	KindDecisionTreeRegressor:     func() Estimator { return &DecisionTreeRegressor{} },
	KindRandomForestClassifier:    func() Estimator { return &RandomForestClassifier{} },
	KindRandomForestRegressor:     func() Estimator { return &RandomForestRegressor{} },
	KindAdaBoostClassifier:        func() Estimator { return &AdaBoostClassifier{} },
	KindGradientBoostingRegressor: func() Estimator { return &GradientBoostingRegressor{} },
	KindShallowNNClassifier:       func() Estimator { return &ShallowNNClassifier{} },
	KindShallowNNRegressor:        func() Estimator { return &ShallowNNRegressor{} },
}

// scoringKinds are the kinds that implement Prober.
var scoringKinds = map[string]bool{
	KindLogisticRegression:     true,
	KindDecisionTreeClassifier: true,
	KindRandomForestClassifier: true,
	KindAdaBoostClassifier:     true,
	KindShallowNNClassifier:    true,
}

// ProducesScores reports whether estimators of kind return class probabilities.
func ProducesScores(kind string) bool {
	return scoringKinds[kind]
}

// Empty returns a zero value estimator of the given kind, suitable as a json.Unmarshal target.
func Empty(kind string) (Estimator, error) {
	fn, ok := emptyByKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return fn(), nil
}

// Params are numeric hyperparameters, keyed the same way as the roster file.
type Params map[string]float64

func (p Params) Int(key string, fallback int) int {
	if v, ok := p[key]; ok {
		return int(v)
	}
	return fallback
}

func (p Params) Float(key string, fallback float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return fallback
}

func (p Params) Seed() int64 {
	return int64(p.Int("seed", 0))
}

func checkFit(X *mat.Dense, y []float64) (int, int, error) {
	if X == nil || X.IsEmpty() {
		return 0, 0, fmt.Errorf("%w: empty feature matrix", ErrShape)
	}
	n, p := X.Dims()
	if n != len(y) {
		return 0, 0, fmt.Errorf("%w: %d rows but %d labels", ErrShape, n, len(y))
	}
	for _, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, 0, fmt.Errorf("%w: labels contain non finite values", ErrShape)
		}
	}
	return n, p, nil
}

func checkPredict(X *mat.Dense, features int) (int, error) {
	if X == nil || X.IsEmpty() {
		return 0, fmt.Errorf("%w: empty feature matrix", ErrShape)
	}
	n, p := X.Dims()
	if p != features {
		return 0, fmt.Errorf("%w: model expects %d features, got %d", ErrShape, features, p)
	}
	return n, nil
}

func uniqueSorted(y []float64) []float64 {
	seen := make(map[float64]struct{}, len(y))
	out := make([]float64, 0)
	for _, v := range y {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Float64s(out)
	return out
}

func encodeLabels(classes, y []float64) []int {
	idx := make([]int, len(y))
	for i, v := range y {
		idx[i] = sort.SearchFloat64s(classes, v)
	}
	return idx
}

// argmaxRows maps each probability row to its class label. Ties go to the lower class.
func argmaxRows(proba *mat.Dense, classes []float64) []float64 {
	n, k := proba.Dims()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		best := 0
		for j := 1; j < k; j++ {
			if proba.At(i, j) > proba.At(i, best) {
				best = j
			}
		}
		out[i] = classes[best]
	}
	return out
}

func columns(X *mat.Dense) [][]float64 {
	_, p := X.Dims()
	cols := make([][]float64, p)
	for j := 0; j < p; j++ {
		cols[j] = mat.Col(nil, j, X)
	}
	return cols
}

// scaler standardizes features to zero mean and unit variance. Constant columns keep scale 1.
type scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

func fitScaler(X *mat.Dense) scaler {
	n, p := X.Dims()
	s := scaler{Mean: make([]float64, p), Scale: make([]float64, p)}
	for j := 0; j < p; j++ {
		var sum, sq float64
		for i := 0; i < n; i++ {
			sum += X.At(i, j)
		}
		mean := sum / float64(n)
		for i := 0; i < n; i++ {
			d := X.At(i, j) - mean
			sq += d * d
		}
		std := math.Sqrt(sq / float64(n))
		if std == 0 {
			std = 1
		}
		s.Mean[j], s.Scale[j] = mean, std
	}
	return s
}

func (s scaler) transform(X *mat.Dense) *mat.Dense {
	n, p := X.Dims()
	out := mat.NewDense(n, p, nil)
	out.Apply(func(i, j int, v float64) float64 {
		return (v - s.Mean[j]) / s.Scale[j]
	}, X)
	return out
}
