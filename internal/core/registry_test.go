package core

import (
	"errors"
	"testing"

	"model-benchmark/internal/config"
	"model-benchmark/internal/core/estimators"
	"model-benchmark/internal/core/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func specNames(specs []ModelSpec) []string {
	var names []string
	for _, s := range specs {
		names = append(names, s.Name)
	}
	return names
}

func TestDefaultRegistry(t *testing.T) {
	registry := DefaultRegistry()

	classification, err := registry.GetModels(types.Classification)
	require.NoError(t, err)
	assert.Equal(t, []string{LogisticRegression, DecisionTreeClassification, RandomForestClassification, AdaBoost}, specNames(classification))

	regression, err := registry.GetModels(types.Regression)
	require.NoError(t, err)
	assert.Equal(t, []string{LinearRegression, LassoRegression, DecisionTreeRegression, RandomForestRegression, GradientBoostingRegression}, specNames(regression))

	// Partitions are closed and disjoint.
	for _, spec := range classification {
		assert.Equal(t, types.Classification, spec.TaskType)
		assert.NotContains(t, specNames(regression), spec.Name)
		assert.Equal(t, ScoreCapable, spec.Capability)
	}
	for _, spec := range regression {
		assert.Equal(t, types.Regression, spec.TaskType)
		assert.Equal(t, ScoreIncapable, spec.Capability)
	}

	_, err = registry.GetModels("clustering")
	assert.ErrorIs(t, err, types.ErrInvalidTaskType)
}

func TestRegistryReturnsCopies(t *testing.T) {
	registry := DefaultRegistry()

	specs, err := registry.GetModels(types.Classification)
	require.NoError(t, err)
	specs[0].Name = "changed"

	again, err := registry.GetModels(types.Classification)
	require.NoError(t, err)
	assert.Equal(t, LogisticRegression, again[0].Name)
}

func TestRegistryLookup(t *testing.T) {
	registry := DefaultRegistry()

	spec, err := registry.Lookup(types.Regression, LassoRegression)
	require.NoError(t, err)
	assert.Equal(t, LassoRegression, spec.Name)

	_, err = registry.Lookup(types.Classification, LassoRegression)
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestNewRegistryValidation(t *testing.T) {
	factory := func(estimators.Params) (estimators.Estimator, error) {
		return nil, errors.New("unused")
	}

	_, err := NewRegistry(ModelSpec{Name: "a", TaskType: "other", Factory: factory})
	assert.ErrorIs(t, err, types.ErrInvalidTaskType)

	_, err = NewRegistry(ModelSpec{Name: types.UserModelName, TaskType: types.Regression, Factory: factory})
	assert.Error(t, err)

	_, err = NewRegistry(
		ModelSpec{Name: "a", TaskType: types.Regression, Factory: factory},
		ModelSpec{Name: "a", TaskType: types.Classification, Factory: factory},
	)
	assert.Error(t, err)

	_, err = NewRegistry(ModelSpec{Name: "a", TaskType: types.Regression})
	assert.Error(t, err)

	registry, err := NewRegistry(ModelSpec{Name: "a", TaskType: types.Regression, Factory: factory})
	require.NoError(t, err)
	specs, err := registry.GetModels(types.Classification)
	require.NoError(t, err)
	assert.Empty(t, specs)
}

func TestRegistryFromRoster(t *testing.T) {
	roster := &config.Roster{
		Classification: []config.RosterEntry{
			{Name: LogisticRegression, Params: map[string]float64{"c": 10}},
			{Name: ShallowNNClassification, Params: map[string]float64{"epochs": 5}},
		},
	}

	registry, err := NewRegistryFromRoster(roster)
	require.NoError(t, err)

	assert.Equal(t, []string{LogisticRegression, ShallowNNClassification}, registry.Names(types.Classification))
	// Regression keeps the default roster.
	assert.Len(t, registry.Names(types.Regression), 5)

	spec, err := registry.Lookup(types.Classification, LogisticRegression)
	require.NoError(t, err)
	assert.Equal(t, 10.0, spec.Params["c"])

	_, err = NewRegistryFromRoster(&config.Roster{Regression: []config.RosterEntry{{Name: "NaiveBayes"}}})
	assert.ErrorIs(t, err, ErrUnknownModel)

	_, err = NewRegistryFromRoster(&config.Roster{Regression: []config.RosterEntry{{Name: LassoRegression, Params: map[string]float64{"alpha": -1}}}})
	assert.Error(t, err)
}
