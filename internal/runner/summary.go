package runner

import "time"

// SourceCounters accumulate per-source outcomes of one invocation.
type SourceCounters struct {
	Dequeued    int `json:"dequeued"`
	Updated     int `json:"updated"`
	NotModified int `json:"not_modified"`
	Errors      int `json:"errors"`
}

// Summary is the return value of one RunOnce invocation.
type Summary struct {
	Sources   int                        `json:"sources"`
	PerSource map[string]*SourceCounters `json:"per_source"`
	Duration  time.Duration              `json:"duration"`
}
