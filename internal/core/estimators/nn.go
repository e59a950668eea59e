package estimators

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-7
)

type nnParams struct {
	HiddenUnits  int     `json:"hidden_units"`
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
	Seed         int64   `json:"seed"`
}

func newNNParams(params Params) (nnParams, error) {
	np := nnParams{
		HiddenUnits:  params.Int("hidden_units", 10),
		Epochs:       params.Int("epochs", 100),
		BatchSize:    params.Int("batch_size", 32),
		LearningRate: params.Float("learning_rate", 0.001),
		Seed:         params.Seed(),
	}
	if np.HiddenUnits < 1 || np.Epochs < 1 || np.BatchSize < 1 {
		return np, fmt.Errorf("shallow nn: hidden_units, epochs and batch_size must be positive")
	}
	if np.LearningRate <= 0 {
		return np, fmt.Errorf("shallow nn: learning_rate must be positive, got %v", np.LearningRate)
	}
	return np, nil
}

// denseLayer stores weights row major as In x Out so they can be viewed as a mat.Dense.
type denseLayer struct {
	In   int       `json:"in"`
	Out  int       `json:"out"`
	W    []float64 `json:"w"`
	Bias []float64 `json:"bias"`

	mW, vW, mB, vB []float64
}

func newDenseLayer(in, out int, rng *rand.Rand) *denseLayer {
	limit := math.Sqrt(6 / float64(in+out))
	l := &denseLayer{In: in, Out: out, W: make([]float64, in*out), Bias: make([]float64, out)}
	for i := range l.W {
		l.W[i] = (rng.Float64()*2 - 1) * limit
	}
	return l
}

func (l *denseLayer) weights() *mat.Dense {
	return mat.NewDense(l.In, l.Out, l.W)
}

func (l *denseLayer) forward(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	var z mat.Dense
	z.Mul(x, l.weights())
	for i := 0; i < n; i++ {
		row := z.RawRowView(i)
		for j := range row {
			row[j] += l.Bias[j]
		}
	}
	return &z
}

// step applies one Adam update given the gradient of the loss with respect to the layer output.
func (l *denseLayer) step(x, grad *mat.Dense, lr float64, t int) {
	var gW mat.Dense
	gW.Mul(x.T(), grad)
	n, _ := grad.Dims()
	gB := make([]float64, l.Out)
	for i := 0; i < n; i++ {
		for j, v := range grad.RawRowView(i) {
			gB[j] += v
		}
	}

	if l.mW == nil {
		l.mW, l.vW = make([]float64, len(l.W)), make([]float64, len(l.W))
		l.mB, l.vB = make([]float64, len(l.Bias)), make([]float64, len(l.Bias))
	}
	adam(l.W, gW.RawMatrix().Data, l.mW, l.vW, lr, t)
	adam(l.Bias, gB, l.mB, l.vB, lr, t)
}

func adam(params, grad, m, v []float64, lr float64, t int) {
	c1 := 1 - math.Pow(adamBeta1, float64(t))
	c2 := 1 - math.Pow(adamBeta2, float64(t))
	for i, g := range grad {
		m[i] = adamBeta1*m[i] + (1-adamBeta1)*g
		v[i] = adamBeta2*v[i] + (1-adamBeta2)*g*g
		params[i] -= lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + adamEpsilon)
	}
}

func relu(z *mat.Dense) *mat.Dense {
	var a mat.Dense
	a.Apply(func(_, _ int, v float64) float64 { return math.Max(0, v) }, z)
	return &a
}

// network is dense(relu) -> dense(relu) -> dense(1). The output activation belongs to the caller.
type network struct {
	Layers []*denseLayer `json:"layers"`
}

func newNetwork(in, hidden int, rng *rand.Rand) *network {
	return &network{Layers: []*denseLayer{
		newDenseLayer(in, hidden, rng),
		newDenseLayer(hidden, hidden, rng),
		newDenseLayer(hidden, 1, rng),
	}}
}

func (nw *network) logits(x *mat.Dense) []float64 {
	h := x
	for i, l := range nw.Layers {
		h = l.forward(h)
		if i < len(nw.Layers)-1 {
			h = relu(h)
		}
	}
	return mat.Col(nil, 0, h)
}

// train runs mini-batch Adam. outputGrad maps (logit, target) to dLoss/dLogit for one sample.
func (nw *network) train(x *mat.Dense, y []float64, np nnParams, rng *rand.Rand, outputGrad func(z, t float64) float64) {
	n, p := x.Dims()
	step := 0
	for epoch := 0; epoch < np.Epochs; epoch++ {
		order := rng.Perm(n)
		for start := 0; start < n; start += np.BatchSize {
			end := min(start+np.BatchSize, n)
			bs := end - start

			xb := mat.NewDense(bs, p, nil)
			yb := make([]float64, bs)
			for i, idx := range order[start:end] {
				xb.SetRow(i, x.RawRowView(idx))
				yb[i] = y[idx]
			}

			inputs := make([]*mat.Dense, len(nw.Layers))
			pre := make([]*mat.Dense, len(nw.Layers))
			h := xb
			for i, l := range nw.Layers {
				inputs[i] = h
				pre[i] = l.forward(h)
				h = pre[i]
				if i < len(nw.Layers)-1 {
					h = relu(h)
				}
			}

			grad := mat.NewDense(bs, 1, nil)
			for i := 0; i < bs; i++ {
				grad.Set(i, 0, outputGrad(pre[len(pre)-1].At(i, 0), yb[i])/float64(bs))
			}

			step++
			for i := len(nw.Layers) - 1; i >= 0; i-- {
				l := nw.Layers[i]
				var back *mat.Dense
				if i > 0 {
					back = &mat.Dense{}
					back.Mul(grad, l.weights().T())
					prev := pre[i-1]
					back.Apply(func(r, c int, v float64) float64 {
						if prev.At(r, c) <= 0 {
							return 0
						}
						return v
					}, back)
				}
				l.step(inputs[i], grad, np.LearningRate, step)
				grad = back
			}
		}
	}
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// ShallowNNClassifier is a binary classifier with a sigmoid output trained on cross entropy.
type ShallowNNClassifier struct {
	Params      nnParams  `json:"params"`
	ClassLabels []float64 `json:"classes"`
	Scaler      scaler    `json:"scaler"`
	Net         *network  `json:"net"`
}

func NewShallowNNClassifier(params Params) (Estimator, error) {
	np, err := newNNParams(params)
	if err != nil {
		return nil, err
	}
	return &ShallowNNClassifier{Params: np}, nil
}

func (m *ShallowNNClassifier) Kind() string { return KindShallowNNClassifier }

func (m *ShallowNNClassifier) Classes() []float64 { return m.ClassLabels }

func (m *ShallowNNClassifier) Fit(X *mat.Dense, y []float64) error {
	_, p, err := checkFit(X, y)
	if err != nil {
		return err
	}
	classes := uniqueSorted(y)
	if len(classes) != 2 {
		return fmt.Errorf("shallow nn: %w: sigmoid output needs exactly 2 classes, got %d", ErrUnsupportedLabels, len(classes))
	}
	m.ClassLabels = classes
	m.Scaler = fitScaler(X)

	target := make([]float64, len(y))
	for i, k := range encodeLabels(classes, y) {
		target[i] = float64(k)
	}

	rng := rand.New(rand.NewSource(m.Params.Seed))
	m.Net = newNetwork(p, m.Params.HiddenUnits, rng)
	m.Net.train(m.Scaler.transform(X), target, m.Params, rng, func(z, t float64) float64 {
		return sigmoid(z) - t
	})
	return nil
}

func (m *ShallowNNClassifier) PredictProba(X *mat.Dense) (*mat.Dense, error) {
	if m.Net == nil {
		return nil, ErrNotFitted
	}
	n, err := checkPredict(X, len(m.Scaler.Mean))
	if err != nil {
		return nil, err
	}
	proba := mat.NewDense(n, 2, nil)
	for i, z := range m.Net.logits(m.Scaler.transform(X)) {
		pos := sigmoid(z)
		proba.Set(i, 0, 1-pos)
		proba.Set(i, 1, pos)
	}
	return proba, nil
}

func (m *ShallowNNClassifier) Predict(X *mat.Dense) ([]float64, error) {
	proba, err := m.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return argmaxRows(proba, m.ClassLabels), nil
}

// ShallowNNRegressor has a linear output trained on squared error against standardized targets.
type ShallowNNRegressor struct {
	Params nnParams `json:"params"`
	Scaler scaler   `json:"scaler"`
	YMean  float64  `json:"y_mean"`
	YScale float64  `json:"y_scale"`
	Net    *network `json:"net"`
}

func NewShallowNNRegressor(params Params) (Estimator, error) {
	np, err := newNNParams(params)
	if err != nil {
		return nil, err
	}
	return &ShallowNNRegressor{Params: np}, nil
}

func (m *ShallowNNRegressor) Kind() string { return KindShallowNNRegressor }

func (m *ShallowNNRegressor) Fit(X *mat.Dense, y []float64) error {
	_, p, err := checkFit(X, y)
	if err != nil {
		return err
	}
	m.Scaler = fitScaler(X)
	m.YMean, m.YScale = stat.PopMeanStdDev(y, nil)
	if m.YScale == 0 {
		m.YScale = 1
	}
	target := make([]float64, len(y))
	for i, v := range y {
		target[i] = (v - m.YMean) / m.YScale
	}

	rng := rand.New(rand.NewSource(m.Params.Seed))
	m.Net = newNetwork(p, m.Params.HiddenUnits, rng)
	m.Net.train(m.Scaler.transform(X), target, m.Params, rng, func(z, t float64) float64 {
		return 2 * (z - t)
	})
	return nil
}

func (m *ShallowNNRegressor) Predict(X *mat.Dense) ([]float64, error) {
	if m.Net == nil {
		return nil, ErrNotFitted
	}
	if _, err := checkPredict(X, len(m.Scaler.Mean)); err != nil {
		return nil, err
	}
	out := m.Net.logits(m.Scaler.transform(X))
	for i := range out {
		out[i] = out[i]*m.YScale + m.YMean
	}
	return out, nil
}
