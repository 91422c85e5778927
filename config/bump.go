package config

import "time"

// BumpCfg configures the adaptive hot-tier TTL extension heuristic.
// On each non-stale hit a per-key counter with a sliding Window is
// incremented; once it reaches Threshold (and the key is not cooling down)
// the hot-tier TTL is extended by Delta, capped at MaxTTL, followed by a
// Cooldown before the next possible bump. Durable-tier TTL and the entry's
// expires_at metadata are never touched.
//
// Note: when Enabled is false (nil), hot-tier retention equals the entry TTL.
type BumpCfg struct {
	// Window is the sliding-window TTL of the per-key hit counter.
	Window time.Duration `yaml:"window"`

	// Threshold is the hit count within Window that triggers a bump.
	Threshold int `yaml:"threshold"`

	// Delta is how much hot-tier TTL one bump adds.
	Delta time.Duration `yaml:"delta"`

	// MaxTTL caps the physical hot-tier TTL a key can be extended to.
	MaxTTL time.Duration `yaml:"max_ttl"`

	// Cooldown is the pause between bumps of the same key.
	Cooldown time.Duration `yaml:"cooldown"`
}

func (cfg *BumpCfg) Enabled() bool {
	return cfg != nil
}

func (cfg *BumpCfg) adjust() {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Delta <= 0 {
		cfg.Delta = 5 * time.Minute
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = time.Hour
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
}
