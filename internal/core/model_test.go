package core

import (
	"os"
	"path/filepath"
	"testing"

	"model-benchmark/internal/core/estimators"
	"model-benchmark/internal/core/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestSaveAndLoadArtifact(t *testing.T) {
	X := mat.NewDense(4, 1, []float64{1, 2, 3, 4})
	y := []float64{2, 4, 6, 8}

	est, err := estimators.NewLinearRegression(nil)
	require.NoError(t, err)
	require.NoError(t, est.Fit(X, y))

	path := filepath.Join(t.TempDir(), "models", "LinearRegression.model")
	require.NoError(t, SaveArtifact(path, LinearRegression, types.Regression, est))

	// Artifacts are written once.
	assert.Error(t, SaveArtifact(path, LinearRegression, types.Regression, est))

	model, capability, err := LoadModel(path, types.Regression)
	require.NoError(t, err)
	assert.Equal(t, ScoreIncapable, capability)
	pred, err := model.Predict(X)
	require.NoError(t, err)
	assert.InDeltaSlice(t, y, pred, 1e-6)

	_, _, err = LoadModel(path, types.Classification)
	assert.ErrorIs(t, err, ErrUnsupportedArtifact)
}

func TestLoadModelRejectsUnknownContent(t *testing.T) {
	dir := t.TempDir()

	cases := map[string][]byte{
		"empty":        {},
		"text":         []byte("hello"),
		"wrong format": []byte(`{"format": "other", "kind": "lasso"}`),
		"bad kind":     []byte(`{"format": "model-benchmark/v1", "kind": "naive_bayes", "task_type": "regression"}`),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, data, 0644))
			_, _, err := LoadModel(path, types.Regression)
			assert.ErrorIs(t, err, ErrUnsupportedArtifact)
		})
	}
}

func TestLoadModelCapabilityFollowsKind(t *testing.T) {
	X := mat.NewDense(4, 1, []float64{-2, -1, 1, 2})
	y := []float64{0, 0, 1, 1}

	est, err := estimators.NewDecisionTreeClassifier(nil)
	require.NoError(t, err)
	require.NoError(t, est.Fit(X, y))

	path := filepath.Join(t.TempDir(), "tree.model")
	require.NoError(t, SaveArtifact(path, "tree", types.Classification, est))

	model, capability, err := LoadModel(path, types.Classification)
	require.NoError(t, err)
	assert.Equal(t, ScoreCapable, capability)
	assert.Implements(t, (*estimators.Prober)(nil), model)
}
