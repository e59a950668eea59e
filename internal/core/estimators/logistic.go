package estimators

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// LogisticRegression is multinomial logistic regression with an L2 penalty,
// minimizing C*sum(log loss) + 0.5*||W||^2 with L-BFGS on standardized features.
type LogisticRegression struct {
	C       float64 `json:"c"`
	MaxIter int     `json:"max_iter"`

	ClassLabels []float64 `json:"classes"`
	Scaler      scaler    `json:"scaler"`
	// Row k holds the weights of class k followed by its bias.
	Weights []float64 `json:"weights"`
}

func NewLogisticRegression(params Params) (Estimator, error) {
	m := &LogisticRegression{
		C:       params.Float("c", 1.0),
		MaxIter: params.Int("max_iter", 100),
	}
	if m.C <= 0 {
		return nil, fmt.Errorf("logistic regression: c must be positive, got %v", m.C)
	}
	return m, nil
}

func (m *LogisticRegression) Kind() string { return KindLogisticRegression }

func (m *LogisticRegression) Classes() []float64 { return m.ClassLabels }

func (m *LogisticRegression) Fit(X *mat.Dense, y []float64) error {
	_, p, err := checkFit(X, y)
	if err != nil {
		return err
	}
	classes := uniqueSorted(y)
	if len(classes) < 2 {
		return fmt.Errorf("logistic regression: %w: need at least 2 classes, got %d", ErrUnsupportedLabels, len(classes))
	}

	m.ClassLabels = classes
	m.Scaler = fitScaler(X)
	Z := m.Scaler.transform(X)
	labels := encodeLabels(classes, y)
	k, dim := len(classes), p+1

	problem := optimize.Problem{
		Func: func(w []float64) float64 {
			return m.objective(Z, labels, k, w, nil)
		},
		Grad: func(grad, w []float64) {
			m.objective(Z, labels, k, w, grad)
		},
	}
	settings := &optimize.Settings{
		MajorIterations:   m.MaxIter,
		GradientThreshold: 1e-6,
	}

	result, err := optimize.Minimize(problem, make([]float64, k*dim), settings, &optimize.LBFGS{})
	if result == nil || len(result.X) != k*dim {
		return fmt.Errorf("logistic regression: optimizer returned no solution: %v", err)
	}
	// Stopping on the iteration limit or a stalled line search keeps the last iterate.
	m.Weights = result.X
	return nil
}

func (m *LogisticRegression) objective(Z *mat.Dense, labels []int, k int, w, grad []float64) float64 {
	n, p := Z.Dims()
	dim := p + 1
	if grad != nil {
		for i := range grad {
			grad[i] = 0
		}
	}

	logits := make([]float64, k)
	loss := 0.0
	for i := 0; i < n; i++ {
		row := Z.RawRowView(i)
		for c := 0; c < k; c++ {
			wc := w[c*dim : (c+1)*dim]
			logits[c] = floats.Dot(wc[:p], row) + wc[p]
		}
		lse := floats.LogSumExp(logits)
		loss += lse - logits[labels[i]]
		if grad == nil {
			continue
		}
		for c := 0; c < k; c++ {
			g := math.Exp(logits[c] - lse)
			if c == labels[i] {
				g--
			}
			gc := grad[c*dim : (c+1)*dim]
			floats.AddScaled(gc[:p], g, row)
			gc[p] += g
		}
	}

	penalty := 0.0
	for c := 0; c < k; c++ {
		wc := w[c*dim : c*dim+p]
		penalty += 0.5 * floats.Dot(wc, wc)
		if grad != nil {
			gc := grad[c*dim : c*dim+p]
			floats.Scale(m.C, gc)
			floats.Add(gc, wc)
			grad[c*dim+p] *= m.C
		}
	}
	return m.C*loss + penalty
}

func (m *LogisticRegression) PredictProba(X *mat.Dense) (*mat.Dense, error) {
	if m.Weights == nil {
		return nil, ErrNotFitted
	}
	n, err := checkPredict(X, len(m.Scaler.Mean))
	if err != nil {
		return nil, err
	}
	Z := m.Scaler.transform(X)
	_, p := Z.Dims()
	k, dim := len(m.ClassLabels), p+1

	proba := mat.NewDense(n, k, nil)
	logits := make([]float64, k)
	for i := 0; i < n; i++ {
		row := Z.RawRowView(i)
		for c := 0; c < k; c++ {
			wc := m.Weights[c*dim : (c+1)*dim]
			logits[c] = floats.Dot(wc[:p], row) + wc[p]
		}
		lse := floats.LogSumExp(logits)
		for c := 0; c < k; c++ {
			proba.Set(i, c, math.Exp(logits[c]-lse))
		}
	}
	return proba, nil
}

func (m *LogisticRegression) Predict(X *mat.Dense) ([]float64, error) {
	proba, err := m.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return argmaxRows(proba, m.ClassLabels), nil
}
