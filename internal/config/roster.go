package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RosterEntry enables one baseline model and overrides its hyperparameters.
type RosterEntry struct {
	Name   string             `yaml:"name"`
	Params map[string]float64 `yaml:"params"`
}

// Roster lists the baselines trained per task type, in evaluation order. A task type
// without entries keeps the built in roster.
type Roster struct {
	Classification []RosterEntry `yaml:"classification"`
	Regression     []RosterEntry `yaml:"regression"`
}

func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading roster %s: %w", path, err)
	}
	return ParseRoster(data)
}

func ParseRoster(data []byte) (*Roster, error) {
	var roster Roster
	if err := yaml.Unmarshal(data, &roster); err != nil {
		return nil, fmt.Errorf("error parsing roster: %w", err)
	}

	for _, entries := range [][]RosterEntry{roster.Classification, roster.Regression} {
		seen := make(map[string]bool)
		for _, e := range entries {
			if e.Name == "" {
				return nil, fmt.Errorf("roster entry is missing a name")
			}
			if seen[e.Name] {
				return nil, fmt.Errorf("roster lists %s more than once", e.Name)
			}
			seen[e.Name] = true
		}
	}
	return &roster, nil
}
