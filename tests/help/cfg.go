package help

import (
	"time"

	"github.com/upstreamcache/upstream-cache/config"
)

func Cfg() *config.Config {
	c := &config.Config{
		Hot: config.HotCfg{
			KeyPrefix:   "uc",
			BackfillTTL: time.Minute,
		},
		Queue: config.QueueCfg{
			DedupeTTL:      time.Minute,
			IdempotencyTTL: 15 * time.Minute,
		},
		Pool: config.PoolCfg{
			ItemTTL: 24 * time.Hour,
		},
		Runner: config.RunnerCfg{
			MaxPerSource: 25,
			TimeBudget:   10 * time.Second,
			MaxAttempts:  3,
		},
		Fetch: config.FetchCfg{
			// Single attempt keeps failing-origin tests off the backoff path.
			Attempts:       1,
			AttemptTimeout: 2 * time.Second,
		},
	}
	c.AdjustConfig()
	return c
}

func BumpCfg() *config.Config {
	c := Cfg()
	c.Bump = &config.BumpCfg{
		Window:    time.Minute,
		Threshold: 2,
		Delta:     5 * time.Minute,
		MaxTTL:    time.Hour,
		Cooldown:  time.Minute,
	}
	return c
}
