package estimators

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Tiny ridge term that keeps the normal equations positive definite for collinear inputs.
const normalEquationsRidge = 1e-10

// LinearRegression is ordinary least squares with an intercept.
type LinearRegression struct {
	Coef      []float64 `json:"coef"`
	Intercept float64   `json:"intercept"`
}

func NewLinearRegression(Params) (Estimator, error) {
	return &LinearRegression{}, nil
}

func (m *LinearRegression) Kind() string { return KindLinearRegression }

func (m *LinearRegression) Fit(X *mat.Dense, y []float64) error {
	n, p, err := checkFit(X, y)
	if err != nil {
		return err
	}

	xMean, xc := center(X)
	yMean := stat.Mean(y, nil)
	yc := make([]float64, n)
	copy(yc, y)
	floats.AddConst(-yMean, yc)

	var gram mat.SymDense
	gram.SymOuterK(1, xc.T())
	scale := 1.0
	if tr := mat.Trace(&gram); tr > 0 {
		scale = tr / float64(p)
	}
	for j := 0; j < p; j++ {
		gram.SetSym(j, j, gram.At(j, j)+normalEquationsRidge*scale)
	}

	var xty mat.VecDense
	xty.MulVec(xc.T(), mat.NewVecDense(n, yc))

	var chol mat.Cholesky
	if ok := chol.Factorize(&gram); !ok {
		return fmt.Errorf("linear regression: %w", ErrSingularSystem)
	}
	var beta mat.VecDense
	if err := chol.SolveVecTo(&beta, &xty); err != nil {
		return fmt.Errorf("linear regression: %w", err)
	}

	m.Coef = mat.Col(nil, 0, &beta)
	m.Intercept = yMean - floats.Dot(m.Coef, xMean)
	return nil
}

func (m *LinearRegression) Predict(X *mat.Dense) ([]float64, error) {
	if m.Coef == nil {
		return nil, ErrNotFitted
	}
	return linearPredict(X, m.Coef, m.Intercept)
}

// Lasso minimizes (1/2n)||y - Xw - b||^2 + alpha*||w||_1 by cyclic coordinate descent.
type Lasso struct {
	Alpha     float64   `json:"alpha"`
	MaxIter   int       `json:"max_iter"`
	Tol       float64   `json:"tol"`
	Coef      []float64 `json:"coef"`
	Intercept float64   `json:"intercept"`
}

func NewLasso(params Params) (Estimator, error) {
	m := &Lasso{
		Alpha:   params.Float("alpha", 1.0),
		MaxIter: params.Int("max_iter", 1000),
		Tol:     params.Float("tol", 1e-4),
	}
	if m.Alpha < 0 {
		return nil, fmt.Errorf("lasso: alpha must be non negative, got %v", m.Alpha)
	}
	return m, nil
}

func (m *Lasso) Kind() string { return KindLasso }

func (m *Lasso) Fit(X *mat.Dense, y []float64) error {
	n, p, err := checkFit(X, y)
	if err != nil {
		return err
	}

	xMean, xc := center(X)
	yMean := stat.Mean(y, nil)
	resid := make([]float64, n)
	copy(resid, y)
	floats.AddConst(-yMean, resid)

	cols := columns(xc)
	norms := make([]float64, p)
	for j, col := range cols {
		norms[j] = floats.Dot(col, col) / float64(n)
	}

	w := make([]float64, p)
	for iter := 0; iter < m.MaxIter; iter++ {
		maxDelta, maxW := 0.0, 0.0
		for j, col := range cols {
			if norms[j] == 0 {
				continue
			}
			rho := floats.Dot(col, resid)/float64(n) + norms[j]*w[j]
			next := softThreshold(rho, m.Alpha) / norms[j]
			if delta := next - w[j]; delta != 0 {
				floats.AddScaled(resid, -delta, col)
				maxDelta = math.Max(maxDelta, math.Abs(delta))
			}
			w[j] = next
			maxW = math.Max(maxW, math.Abs(next))
		}
		if maxW == 0 || maxDelta/maxW < m.Tol {
			break
		}
	}

	m.Coef = w
	m.Intercept = yMean - floats.Dot(w, xMean)
	return nil
}

func (m *Lasso) Predict(X *mat.Dense) ([]float64, error) {
	if m.Coef == nil {
		return nil, ErrNotFitted
	}
	return linearPredict(X, m.Coef, m.Intercept)
}

func softThreshold(v, t float64) float64 {
	switch {
	case v > t:
		return v - t
	case v < -t:
		return v + t
	default:
		return 0
	}
}

func center(X *mat.Dense) ([]float64, *mat.Dense) {
	n, p := X.Dims()
	means := make([]float64, p)
	for j := 0; j < p; j++ {
		means[j] = stat.Mean(mat.Col(nil, j, X), nil)
	}
	xc := mat.NewDense(n, p, nil)
	xc.Apply(func(_, j int, v float64) float64 { return v - means[j] }, X)
	return means, xc
}

func linearPredict(X *mat.Dense, coef []float64, intercept float64) ([]float64, error) {
	n, err := checkPredict(X, len(coef))
	if err != nil {
		return nil, err
	}
	var out mat.VecDense
	out.MulVec(X, mat.NewVecDense(len(coef), coef))
	pred := make([]float64, n)
	for i := range pred {
		pred[i] = out.AtVec(i) + intercept
	}
	return pred, nil
}
