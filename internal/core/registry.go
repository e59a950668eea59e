package core

import (
	"errors"
	"fmt"
	"maps"

	"model-benchmark/internal/config"
	"model-benchmark/internal/core/estimators"
	"model-benchmark/internal/core/types"
)

var ErrUnknownModel = errors.New("unknown model")

// Capability says whether a model can produce a positive class score alongside its
// predictions. It is fixed when the model is registered.
type Capability int

const (
	ScoreIncapable Capability = iota
	ScoreCapable
)

func (c Capability) String() string {
	if c == ScoreCapable {
		return "score_capable"
	}
	return "score_incapable"
}

type ModelFactory func(estimators.Params) (estimators.Estimator, error)

type ModelSpec struct {
	Name       string
	TaskType   types.TaskType
	Capability Capability
	Factory    ModelFactory
	Params     estimators.Params
}

// New builds an untrained estimator from the spec's factory and params.
func (s ModelSpec) New() (estimators.Estimator, error) {
	if s.Factory == nil {
		return nil, fmt.Errorf("model %s has no factory", s.Name)
	}
	return s.Factory(maps.Clone(s.Params))
}

const (
	LogisticRegression         = "LogisticRegression"
	DecisionTreeClassification = "DecisionTree_Classification"
	RandomForestClassification = "RandomForest_Classification"
	AdaBoost                   = "AdaBoost"
	ShallowNNClassification    = "ShallowNN_Classification"

	LinearRegression           = "LinearRegression"
	LassoRegression            = "LassoRegression"
	DecisionTreeRegression     = "DecisionTree_Regression"
	RandomForestRegression     = "RandomForest_Regression"
	GradientBoostingRegression = "GradientBoosting_Regression"
	ShallowNNRegression        = "ShallowNN_Regression"
)

// catalog lists every model the service knows how to train, including optional ones.
var catalog = []ModelSpec{
	{Name: LogisticRegression, TaskType: types.Classification, Capability: ScoreCapable, Factory: estimators.NewLogisticRegression},
	{Name: DecisionTreeClassification, TaskType: types.Classification, Capability: ScoreCapable, Factory: estimators.NewDecisionTreeClassifier},
	{Name: RandomForestClassification, TaskType: types.Classification, Capability: ScoreCapable, Factory: estimators.NewRandomForestClassifier},
	{Name: AdaBoost, TaskType: types.Classification, Capability: ScoreCapable, Factory: estimators.NewAdaBoostClassifier},
	{Name: ShallowNNClassification, TaskType: types.Classification, Capability: ScoreCapable, Factory: estimators.NewShallowNNClassifier},

	{Name: LinearRegression, TaskType: types.Regression, Capability: ScoreIncapable, Factory: estimators.NewLinearRegression},
	{Name: LassoRegression, TaskType: types.Regression, Capability: ScoreIncapable, Factory: estimators.NewLasso},
	{Name: DecisionTreeRegression, TaskType: types.Regression, Capability: ScoreIncapable, Factory: estimators.NewDecisionTreeRegressor},
	{Name: RandomForestRegression, TaskType: types.Regression, Capability: ScoreIncapable, Factory: estimators.NewRandomForestRegressor},
	{Name: GradientBoostingRegression, TaskType: types.Regression, Capability: ScoreIncapable, Factory: estimators.NewGradientBoostingRegressor},
	{Name: ShallowNNRegression, TaskType: types.Regression, Capability: ScoreIncapable, Factory: estimators.NewShallowNNRegressor},
}

var defaultRoster = map[types.TaskType][]string{
	types.Classification: {LogisticRegression, DecisionTreeClassification, RandomForestClassification, AdaBoost},
	types.Regression:     {LinearRegression, LassoRegression, DecisionTreeRegression, RandomForestRegression, GradientBoostingRegression},
}

// CatalogSpec returns the catalog entry for a model, including models the default roster leaves out.
func CatalogSpec(taskType types.TaskType, name string) (ModelSpec, error) {
	for _, spec := range catalog {
		if spec.Name == name && spec.TaskType == taskType {
			return spec, nil
		}
	}
	return ModelSpec{}, fmt.Errorf("%w: %q is not a %s model", ErrUnknownModel, name, taskType)
}

// Registry is the ordered set of baseline models per task type. It is built once and
// only read afterwards, so it is safe to share between goroutines.
type Registry struct {
	models map[types.TaskType][]ModelSpec
}

// NewRegistry validates the specs and groups them by task type, keeping their order.
func NewRegistry(specs ...ModelSpec) (*Registry, error) {
	r := &Registry{models: make(map[types.TaskType][]ModelSpec)}
	seen := make(map[string]types.TaskType)

	for _, spec := range specs {
		if !spec.TaskType.Valid() {
			return nil, fmt.Errorf("model %s: %w: %q", spec.Name, types.ErrInvalidTaskType, spec.TaskType)
		}
		if spec.Name == "" || spec.Name == types.UserModelName {
			return nil, fmt.Errorf("invalid model name %q", spec.Name)
		}
		if other, ok := seen[spec.Name]; ok {
			return nil, fmt.Errorf("model %s registered twice (%s and %s)", spec.Name, other, spec.TaskType)
		}
		seen[spec.Name] = spec.TaskType

		if spec.Factory == nil {
			return nil, fmt.Errorf("model %s has no factory", spec.Name)
		}
		spec.Params = maps.Clone(spec.Params)
		r.models[spec.TaskType] = append(r.models[spec.TaskType], spec)
	}
	return r, nil
}

// DefaultRegistry returns the built in roster.
func DefaultRegistry() *Registry {
	r, err := NewRegistryFromRoster(nil)
	if err != nil {
		panic(fmt.Sprintf("default roster is invalid: %v", err))
	}
	return r
}

// NewRegistryFromRoster builds a registry from the catalog. Task types the roster leaves
// empty use the default roster. Roster params are merged over the catalog params.
func NewRegistryFromRoster(roster *config.Roster) (*Registry, error) {
	entries := make(map[types.TaskType][]config.RosterEntry)
	if roster != nil {
		entries[types.Classification] = roster.Classification
		entries[types.Regression] = roster.Regression
	}

	var specs []ModelSpec
	for _, taskType := range []types.TaskType{types.Classification, types.Regression} {
		list := entries[taskType]
		if len(list) == 0 {
			for _, name := range defaultRoster[taskType] {
				list = append(list, config.RosterEntry{Name: name})
			}
		}

		for _, entry := range list {
			spec, err := CatalogSpec(taskType, entry.Name)
			if err != nil {
				return nil, err
			}
			params := maps.Clone(spec.Params)
			if params == nil {
				params = estimators.Params{}
			}
			maps.Copy(params, entry.Params)
			spec.Params = params

			if _, err := spec.New(); err != nil {
				return nil, fmt.Errorf("invalid params for %s: %w", spec.Name, err)
			}
			specs = append(specs, spec)
		}
	}
	return NewRegistry(specs...)
}

// GetModels returns the ordered specs for a task type.
func (r *Registry) GetModels(taskType types.TaskType) ([]ModelSpec, error) {
	if !taskType.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidTaskType, taskType)
	}
	specs := r.models[taskType]
	out := make([]ModelSpec, len(specs))
	copy(out, specs)
	return out, nil
}

func (r *Registry) Lookup(taskType types.TaskType, name string) (ModelSpec, error) {
	specs, err := r.GetModels(taskType)
	if err != nil {
		return ModelSpec{}, err
	}
	for _, spec := range specs {
		if spec.Name == name {
			return spec, nil
		}
	}
	return ModelSpec{}, fmt.Errorf("%w: %q is not registered for %s", ErrUnknownModel, name, taskType)
}

func (r *Registry) Names(taskType types.TaskType) []string {
	var names []string
	for _, spec := range r.models[taskType] {
		names = append(names, spec.Name)
	}
	return names
}
