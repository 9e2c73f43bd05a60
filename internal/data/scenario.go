// Package data loads simulation scenarios from YAML.
package data

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SpawnEntry defines a batch of entities to spawn with a shared behaviour.
type SpawnEntry struct {
	Name     string  `yaml:"name"`
	Count    int     `yaml:"count"`
	X        float64 `yaml:"x"`
	Y        float64 `yaml:"y"`
	SpreadX  float64 `yaml:"spread_x"`
	SpreadY  float64 `yaml:"spread_y"`
	Behavior string  `yaml:"behavior"` // Lua function name; empty = inert
	Health   int32   `yaml:"health"`
}

// Scenario is a complete simulation setup.
type Scenario struct {
	Name   string       `yaml:"name"`
	Ticks  int          `yaml:"ticks"`
	Spawns []SpawnEntry `yaml:"spawns"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if sc.Ticks <= 0 {
		sc.Ticks = 1
	}
	for i := range sc.Spawns {
		if sc.Spawns[i].Count < 1 {
			sc.Spawns[i].Count = 1
		}
	}
	return &sc, nil
}
