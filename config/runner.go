package config

import "time"

// RunnerCfg bounds a single runner invocation.
type RunnerCfg struct {
	// MaxPerSource caps how many jobs one invocation drains per source.
	MaxPerSource int `yaml:"max_per_source"`

	// TimeBudget is the wall-clock budget for one invocation. The in-flight
	// job completes; the loop exits before starting the next one.
	TimeBudget time.Duration `yaml:"time_budget"`

	// MaxAttempts caps transient-failure requeues per job.
	MaxAttempts int `yaml:"max_attempts"`

	// OriginRPS, when positive, paces origin fetches across the whole
	// invocation with a leaky-bucket limiter.
	OriginRPS int `yaml:"origin_rps"`
}

func (cfg *RunnerCfg) adjust() {
	if cfg.MaxPerSource <= 0 {
		cfg.MaxPerSource = 25
	}
	if cfg.TimeBudget <= 0 {
		cfg.TimeBudget = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
}

// FetchCfg configures the origin fetcher shared by both job kinds.
type FetchCfg struct {
	// Attempts is the number of tries per fetch call.
	Attempts int `yaml:"attempts"`

	// AttemptTimeout bounds each individual try.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

func (cfg *FetchCfg) adjust() {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 2
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 2500 * time.Millisecond
	}
}
