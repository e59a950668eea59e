package estimators

import (
	"fmt"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"
)

const leafFeature = -1

// treeNode is one node of a flattened CART tree. Leaves have Feature == -1 and carry
// class probabilities (classification) or a single mean (regression) in Value.
type treeNode struct {
	Feature   int       `json:"feature"`
	Threshold float64   `json:"threshold"`
	Left      int       `json:"left"`
	Right     int       `json:"right"`
	Value     []float64 `json:"value"`
}

type tree struct {
	Features int        `json:"features"`
	Nodes    []treeNode `json:"nodes"`
}

func (t *tree) leaf(row []float64) []float64 {
	i := 0
	for t.Nodes[i].Feature != leafFeature {
		n := t.Nodes[i]
		if row[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return t.Nodes[i].Value
}

type treeConfig struct {
	maxDepth        int // 0 means unlimited
	minSamplesSplit int
	minSamplesLeaf  int
	maxFeatures     int // 0 means all
	nClasses        int // 0 for regression
	rng             *rand.Rand
}

type treeBuilder struct {
	cfg     treeConfig
	cols    [][]float64
	target  []float64 // class index or regression value
	weights []float64
	nodes   []treeNode
}

// growTree fits a CART tree on the given row indices. Duplicate indices act as bootstrap weights.
func growTree(cols [][]float64, target, weights []float64, indices []int, cfg treeConfig) *tree {
	if cfg.minSamplesSplit < 2 {
		cfg.minSamplesSplit = 2
	}
	if cfg.minSamplesLeaf < 1 {
		cfg.minSamplesLeaf = 1
	}
	b := &treeBuilder{cfg: cfg, cols: cols, target: target, weights: weights}
	b.grow(indices, 0)
	return &tree{Features: len(cols), Nodes: b.nodes}
}

func (b *treeBuilder) weight(i int) float64 {
	if b.weights == nil {
		return 1
	}
	return b.weights[i]
}

func (b *treeBuilder) grow(idx []int, depth int) int {
	pos := len(b.nodes)
	b.nodes = append(b.nodes, treeNode{Feature: leafFeature, Value: b.leafValue(idx)})

	if b.cfg.maxDepth > 0 && depth >= b.cfg.maxDepth {
		return pos
	}
	if len(idx) < b.cfg.minSamplesSplit || b.pure(idx) {
		return pos
	}

	feature, threshold, ok := b.bestSplit(idx)
	if !ok {
		return pos
	}

	var left, right []int
	for _, i := range idx {
		if b.cols[feature][i] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[pos].Feature = feature
	b.nodes[pos].Threshold = threshold
	b.nodes[pos].Left = l
	b.nodes[pos].Right = r
	b.nodes[pos].Value = nil
	return pos
}

func (b *treeBuilder) leafValue(idx []int) []float64 {
	if b.cfg.nClasses > 0 {
		dist := make([]float64, b.cfg.nClasses)
		total := 0.0
		for _, i := range idx {
			w := b.weight(i)
			dist[int(b.target[i])] += w
			total += w
		}
		if total > 0 {
			for k := range dist {
				dist[k] /= total
			}
		}
		return dist
	}

	sum, total := 0.0, 0.0
	for _, i := range idx {
		w := b.weight(i)
		sum += w * b.target[i]
		total += w
	}
	if total == 0 {
		return []float64{0}
	}
	return []float64{sum / total}
}

func (b *treeBuilder) pure(idx []int) bool {
	first := b.target[idx[0]]
	for _, i := range idx[1:] {
		if b.target[i] != first {
			return false
		}
	}
	return true
}

func (b *treeBuilder) candidateFeatures() []int {
	p := len(b.cols)
	k := b.cfg.maxFeatures
	if k <= 0 || k >= p || b.cfg.rng == nil {
		all := make([]int, p)
		for j := range all {
			all[j] = j
		}
		return all
	}
	return b.cfg.rng.Perm(p)[:k]
}

// bestSplit maximizes the impurity proxy sum(S_side^2 / W_side) over both children,
// which is equivalent to minimizing weighted gini (classification) or squared error (regression).
func (b *treeBuilder) bestSplit(idx []int) (int, float64, bool) {
	bestFeature, bestThreshold := -1, 0.0
	bestScore := b.parentScore(idx)
	const eps = 1e-12

	sorted := make([]int, len(idx))
	for _, j := range b.candidateFeatures() {
		col := b.cols[j]
		copy(sorted, idx)
		sort.SliceStable(sorted, func(a, c int) bool { return col[sorted[a]] < col[sorted[c]] })

		if col[sorted[0]] == col[sorted[len(sorted)-1]] {
			continue
		}

		acc := newSplitAccumulator(b, sorted)
		for pos := 1; pos < len(sorted); pos++ {
			acc.moveLeft(sorted[pos-1])
			if pos < b.cfg.minSamplesLeaf || len(sorted)-pos < b.cfg.minSamplesLeaf {
				continue
			}
			lo, hi := col[sorted[pos-1]], col[sorted[pos]]
			if lo == hi {
				continue
			}
			if score := acc.score(); score > bestScore+eps {
				bestScore = score
				bestFeature = j
				bestThreshold = lo + (hi-lo)/2
				if bestThreshold == hi {
					bestThreshold = lo
				}
			}
		}
	}
	return bestFeature, bestThreshold, bestFeature >= 0
}

func (b *treeBuilder) parentScore(idx []int) float64 {
	acc := newSplitAccumulator(b, idx)
	return acc.score()
}

type splitAccumulator struct {
	b                 *treeBuilder
	leftW, rightW     float64
	leftSum, rightSum float64
	leftCls, rightCls []float64
}

func newSplitAccumulator(b *treeBuilder, idx []int) *splitAccumulator {
	acc := &splitAccumulator{b: b}
	if b.cfg.nClasses > 0 {
		acc.leftCls = make([]float64, b.cfg.nClasses)
		acc.rightCls = make([]float64, b.cfg.nClasses)
	}
	for _, i := range idx {
		w := b.weight(i)
		acc.rightW += w
		if acc.rightCls != nil {
			acc.rightCls[int(b.target[i])] += w
		} else {
			acc.rightSum += w * b.target[i]
		}
	}
	return acc
}

func (a *splitAccumulator) moveLeft(i int) {
	w := a.b.weight(i)
	a.leftW += w
	a.rightW -= w
	if a.leftCls != nil {
		k := int(a.b.target[i])
		a.leftCls[k] += w
		a.rightCls[k] -= w
	} else {
		a.leftSum += w * a.b.target[i]
		a.rightSum -= w * a.b.target[i]
	}
}

func (a *splitAccumulator) score() float64 {
	side := func(w, sum float64, cls []float64) float64 {
		if w <= 0 {
			return 0
		}
		if cls == nil {
			return sum * sum / w
		}
		s := 0.0
		for _, c := range cls {
			s += c * c
		}
		return s / w
	}
	return side(a.leftW, a.leftSum, a.leftCls) + side(a.rightW, a.rightSum, a.rightCls)
}

func allIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func rows(X *mat.Dense) [][]float64 {
	n, _ := X.Dims()
	out := make([][]float64, n)
	for i := range out {
		out[i] = X.RawRowView(i)
	}
	return out
}

// DecisionTreeClassifier is a CART classifier using gini impurity.
type DecisionTreeClassifier struct {
	MaxDepth        int `json:"max_depth"`
	MinSamplesSplit int `json:"min_samples_split"`
	MinSamplesLeaf  int `json:"min_samples_leaf"`

	ClassLabels []float64 `json:"classes"`
	Tree        *tree     `json:"tree"`
}

func NewDecisionTreeClassifier(params Params) (Estimator, error) {
	m := &DecisionTreeClassifier{
		MaxDepth:        params.Int("max_depth", 0),
		MinSamplesSplit: params.Int("min_samples_split", 2),
		MinSamplesLeaf:  params.Int("min_samples_leaf", 1),
	}
	if err := validateDepth("decision tree", m.MaxDepth); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *DecisionTreeClassifier) Kind() string { return KindDecisionTreeClassifier }

func (m *DecisionTreeClassifier) Classes() []float64 { return m.ClassLabels }

func (m *DecisionTreeClassifier) Fit(X *mat.Dense, y []float64) error {
	return m.fitWeighted(X, y, nil)
}

func (m *DecisionTreeClassifier) fitWeighted(X *mat.Dense, y, weights []float64) error {
	n, _, err := checkFit(X, y)
	if err != nil {
		return err
	}
	m.ClassLabels = uniqueSorted(y)
	target := make([]float64, n)
	for i, k := range encodeLabels(m.ClassLabels, y) {
		target[i] = float64(k)
	}
	m.Tree = growTree(columns(X), target, weights, allIndices(n), treeConfig{
		maxDepth:        m.MaxDepth,
		minSamplesSplit: m.MinSamplesSplit,
		minSamplesLeaf:  m.MinSamplesLeaf,
		nClasses:        len(m.ClassLabels),
	})
	return nil
}

func (m *DecisionTreeClassifier) PredictProba(X *mat.Dense) (*mat.Dense, error) {
	if m.Tree == nil {
		return nil, ErrNotFitted
	}
	n, err := checkPredict(X, m.Tree.Features)
	if err != nil {
		return nil, err
	}
	proba := mat.NewDense(n, len(m.ClassLabels), nil)
	for i, row := range rows(X) {
		proba.SetRow(i, m.Tree.leaf(row))
	}
	return proba, nil
}

func (m *DecisionTreeClassifier) Predict(X *mat.Dense) ([]float64, error) {
	proba, err := m.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return argmaxRows(proba, m.ClassLabels), nil
}

// DecisionTreeRegressor is a CART regressor using squared error.
type DecisionTreeRegressor struct {
	MaxDepth        int   `json:"max_depth"`
	MinSamplesSplit int   `json:"min_samples_split"`
	MinSamplesLeaf  int   `json:"min_samples_leaf"`
	Tree            *tree `json:"tree"`
}

func NewDecisionTreeRegressor(params Params) (Estimator, error) {
	m := &DecisionTreeRegressor{
		MaxDepth:        params.Int("max_depth", 0),
		MinSamplesSplit: params.Int("min_samples_split", 2),
		MinSamplesLeaf:  params.Int("min_samples_leaf", 1),
	}
	if err := validateDepth("decision tree", m.MaxDepth); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *DecisionTreeRegressor) Kind() string { return KindDecisionTreeRegressor }

func (m *DecisionTreeRegressor) Fit(X *mat.Dense, y []float64) error {
	n, _, err := checkFit(X, y)
	if err != nil {
		return err
	}
	m.Tree = growTree(columns(X), y, nil, allIndices(n), m.config())
	return nil
}

func (m *DecisionTreeRegressor) config() treeConfig {
	return treeConfig{
		maxDepth:        m.MaxDepth,
		minSamplesSplit: m.MinSamplesSplit,
		minSamplesLeaf:  m.MinSamplesLeaf,
	}
}

func (m *DecisionTreeRegressor) Predict(X *mat.Dense) ([]float64, error) {
	if m.Tree == nil {
		return nil, ErrNotFitted
	}
	return predictTree(m.Tree, X)
}

func predictTree(t *tree, X *mat.Dense) ([]float64, error) {
	n, err := checkPredict(X, t.Features)
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i, row := range rows(X) {
		out[i] = t.leaf(row)[0]
	}
	return out, nil
}

func validateDepth(name string, depth int) error {
	if depth < 0 {
		return fmt.Errorf("%s: max_depth must be non negative, got %d", name, depth)
	}
	return nil
}
