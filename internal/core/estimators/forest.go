package estimators

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

type forestParams struct {
	NEstimators     int     `json:"n_estimators"`
	MaxDepth        int     `json:"max_depth"`
	MinSamplesSplit int     `json:"min_samples_split"`
	MinSamplesLeaf  int     `json:"min_samples_leaf"`
	MaxFeatures     float64 `json:"max_features"` // fraction of features tried per split, 0 picks the default
	Seed            int64   `json:"seed"`
}

func newForestParams(name string, params Params) (forestParams, error) {
	fp := forestParams{
		NEstimators:     params.Int("n_estimators", 100),
		MaxDepth:        params.Int("max_depth", 0),
		MinSamplesSplit: params.Int("min_samples_split", 2),
		MinSamplesLeaf:  params.Int("min_samples_leaf", 1),
		MaxFeatures:     params.Float("max_features", 0),
		Seed:            params.Seed(),
	}
	if fp.NEstimators < 1 {
		return fp, fmt.Errorf("%s: n_estimators must be positive, got %d", name, fp.NEstimators)
	}
	if fp.MaxFeatures < 0 || fp.MaxFeatures > 1 {
		return fp, fmt.Errorf("%s: max_features must be in (0, 1], got %v", name, fp.MaxFeatures)
	}
	return fp, validateDepth(name, fp.MaxDepth)
}

func (fp forestParams) featuresPerSplit(p int, fallback func(int) int) int {
	k := fallback(p)
	if fp.MaxFeatures > 0 {
		k = int(math.Ceil(fp.MaxFeatures * float64(p)))
	}
	return max(1, min(k, p))
}

// growForest fits one tree per bootstrap sample. Each tree draws from its own seeded source,
// so the fitted forest only depends on the seed and the data.
func (fp forestParams) growForest(cols [][]float64, target []float64, nClasses, maxFeatures int) []*tree {
	n := len(target)
	trees := make([]*tree, fp.NEstimators)
	for t := range trees {
		rng := rand.New(rand.NewSource(fp.Seed + int64(t)))
		sample := make([]int, n)
		for i := range sample {
			sample[i] = rng.Intn(n)
		}
		trees[t] = growTree(cols, target, nil, sample, treeConfig{
			maxDepth:        fp.MaxDepth,
			minSamplesSplit: fp.MinSamplesSplit,
			minSamplesLeaf:  fp.MinSamplesLeaf,
			maxFeatures:     maxFeatures,
			nClasses:        nClasses,
			rng:             rng,
		})
	}
	return trees
}

// RandomForestClassifier averages the class probabilities of bootstrapped gini trees.
type RandomForestClassifier struct {
	Params      forestParams `json:"params"`
	ClassLabels []float64    `json:"classes"`
	Trees       []*tree      `json:"trees"`
}

func NewRandomForestClassifier(params Params) (Estimator, error) {
	fp, err := newForestParams("random forest", params)
	if err != nil {
		return nil, err
	}
	return &RandomForestClassifier{Params: fp}, nil
}

func (m *RandomForestClassifier) Kind() string { return KindRandomForestClassifier }

func (m *RandomForestClassifier) Classes() []float64 { return m.ClassLabels }

func (m *RandomForestClassifier) Fit(X *mat.Dense, y []float64) error {
	n, p, err := checkFit(X, y)
	if err != nil {
		return err
	}
	m.ClassLabels = uniqueSorted(y)
	target := make([]float64, n)
	for i, k := range encodeLabels(m.ClassLabels, y) {
		target[i] = float64(k)
	}
	sqrt := func(p int) int { return int(math.Sqrt(float64(p))) }
	m.Trees = m.Params.growForest(columns(X), target, len(m.ClassLabels), m.Params.featuresPerSplit(p, sqrt))
	return nil
}

func (m *RandomForestClassifier) PredictProba(X *mat.Dense) (*mat.Dense, error) {
	if len(m.Trees) == 0 {
		return nil, ErrNotFitted
	}
	n, err := checkPredict(X, m.Trees[0].Features)
	if err != nil {
		return nil, err
	}
	k := len(m.ClassLabels)
	proba := mat.NewDense(n, k, nil)
	for i, row := range rows(X) {
		acc := proba.RawRowView(i)
		for _, t := range m.Trees {
			for c, v := range t.leaf(row) {
				acc[c] += v
			}
		}
		for c := range acc {
			acc[c] /= float64(len(m.Trees))
		}
	}
	return proba, nil
}

func (m *RandomForestClassifier) Predict(X *mat.Dense) ([]float64, error) {
	proba, err := m.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return argmaxRows(proba, m.ClassLabels), nil
}

// RandomForestRegressor averages bootstrapped squared error trees over all features.
type RandomForestRegressor struct {
	Params forestParams `json:"params"`
	Trees  []*tree      `json:"trees"`
}

func NewRandomForestRegressor(params Params) (Estimator, error) {
	fp, err := newForestParams("random forest", params)
	if err != nil {
		return nil, err
	}
	return &RandomForestRegressor{Params: fp}, nil
}

func (m *RandomForestRegressor) Kind() string { return KindRandomForestRegressor }

func (m *RandomForestRegressor) Fit(X *mat.Dense, y []float64) error {
	_, p, err := checkFit(X, y)
	if err != nil {
		return err
	}
	all := func(p int) int { return p }
	m.Trees = m.Params.growForest(columns(X), y, 0, m.Params.featuresPerSplit(p, all))
	return nil
}

func (m *RandomForestRegressor) Predict(X *mat.Dense) ([]float64, error) {
	if len(m.Trees) == 0 {
		return nil, ErrNotFitted
	}
	n, err := checkPredict(X, m.Trees[0].Features)
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i, row := range rows(X) {
		for _, t := range m.Trees {
			out[i] += t.leaf(row)[0]
		}
		out[i] /= float64(len(m.Trees))
	}
	return out, nil
}
