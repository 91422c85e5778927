package config

import "time"

// HotCfg configures the Redis-backed hot tier.
type HotCfg struct {
	// Addr is the Redis host:port.
	Addr string `yaml:"addr"`

	// Password is optional Redis AUTH.
	Password string `yaml:"password"`

	// DB selects the Redis logical database.
	DB int `yaml:"db"`

	// KeyPrefix namespaces every hot-tier key. Example: "uc".
	KeyPrefix string `yaml:"key_prefix"`

	// BackfillTTL is the floor TTL applied when a durable-tier hit for an
	// already-expired entry is backfilled into the hot tier. It keeps a key
	// sitting just past expiry from flooding the durable tier with reads.
	BackfillTTL time.Duration `yaml:"backfill_ttl"`
}

func (cfg *HotCfg) adjust() {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "uc"
	}
	if cfg.BackfillTTL <= 0 {
		cfg.BackfillTTL = time.Minute
	}
}

// DurableCfg configures the SQLite-backed durable tier.
type DurableCfg struct {
	// DSN is the database path or ":memory:".
	DSN string `yaml:"dsn"`
}
