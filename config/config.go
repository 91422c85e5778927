package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config groups configuration of all refresh-core subsystems.
// Optional heuristics (TTL bump) can be disabled by setting them to nil.
type Config struct {
	Hot     HotCfg     `yaml:"hot"`
	Durable DurableCfg `yaml:"durable"`
	Queue   QueueCfg   `yaml:"queue"`
	Pool    PoolCfg    `yaml:"pool"`
	Runner  RunnerCfg  `yaml:"runner"`
	Fetch   FetchCfg   `yaml:"fetch"`

	// Bump configures adaptive hot-tier TTL extension for frequently-hit
	// keys. If nil, hot-tier retention is exactly the entry TTL.
	Bump *BumpCfg `yaml:"ttl_bump"`
}

// AdjustConfig fills in defaults for every zero-valued knob.
func (cfg *Config) AdjustConfig() {
	cfg.Hot.adjust()
	cfg.Queue.adjust()
	cfg.Pool.adjust()
	cfg.Runner.adjust()
	cfg.Fetch.adjust()
	if cfg.Bump.Enabled() {
		cfg.Bump.adjust()
	}
}

func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat config path: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config yaml file %s: %w", path, err)
	}

	var cfg *Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml from %s: %w", path, err)
	}
	cfg.AdjustConfig()

	return cfg, nil
}
