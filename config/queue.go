package config

import "time"

// QueueCfg configures duplicate suppression on the refresh queue.
type QueueCfg struct {
	// DedupeTTL is the window during which repeated enqueues of the same
	// (source, key) are suppressed.
	DedupeTTL time.Duration `yaml:"dedupe_ttl"`

	// IdempotencyTTL is the lifetime of caller-supplied idempotency keys.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

func (cfg *QueueCfg) adjust() {
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = time.Minute
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 15 * time.Minute
	}
}

// PoolCfg configures the content-addressed pool store.
type PoolCfg struct {
	// ItemTTL bounds hot-tier retention of pool item blobs and id-sets.
	// Zero picks the 24h default; negative disables expiry entirely.
	ItemTTL time.Duration `yaml:"item_ttl"`
}

func (cfg *PoolCfg) adjust() {
	if cfg.ItemTTL == 0 {
		cfg.ItemTTL = 24 * time.Hour
	}
}
