package config

import (
	"fmt"
	"os"
	"runtime"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Engine    EngineConfig    `toml:"engine"`
	Logging   LoggingConfig   `toml:"logging"`
	Scripting ScriptingConfig `toml:"scripting"`
}

type EngineConfig struct {
	Workers     int    `toml:"workers"`      // wavefront worker pool size
	StrictOrder bool   `toml:"strict_order"` // fail on scheduler cycles instead of falling back
	Scenario    string `toml:"scenario"`     // path to the YAML scenario
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

type ScriptingConfig struct {
	Dir string `toml:"dir"` // directory of .lua behaviour scripts
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Engine.Workers < 1 {
		cfg.Engine.Workers = 1
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Engine: EngineConfig{
			Workers:     runtime.NumCPU(),
			StrictOrder: true,
			Scenario:    "config/scenario.yaml",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Scripting: ScriptingConfig{
			Dir: "scripts",
		},
	}
}
