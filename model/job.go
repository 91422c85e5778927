package model

import "time"

// RefreshJob is a unit of background work: fetch (source_id, key) from
// origin and commit the result. The queue owns a job until it is popped;
// the runner either discards it or reinserts a copy with Attempts+1.
type RefreshJob struct {
	ID         string    `json:"id"`
	SourceID   string    `json:"source_id"`
	Key        string    `json:"key"`
	Priority   int       `json:"priority,omitempty"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// EnqueueReason explains why a job was not enqueued.
type EnqueueReason string

const (
	ReasonDuplicate        EnqueueReason = "duplicate"
	ReasonIdempotentReject EnqueueReason = "idempotent_reject"
	ReasonInvalid          EnqueueReason = "invalid"
)

// EnqueueResult is the outcome of a single enqueue attempt. It is a pure
// return value and is never persisted.
type EnqueueResult struct {
	Enqueued bool          `json:"enqueued"`
	JobID    string        `json:"jobId,omitempty"`
	Reason   EnqueueReason `json:"reason,omitempty"`
}
