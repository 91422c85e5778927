package model

import "time"

// RateLimitDecision is derived per acquire call from the current fixed
// window's counter; it has no independent lifecycle.
type RateLimitDecision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}
