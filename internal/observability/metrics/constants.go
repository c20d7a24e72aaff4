// Package metrics provides constants used across metric definitions.
package metrics

// Outcome label values for per-record counters.
const (
	// OutcomeCompleted marks a record written to the target store.
	OutcomeCompleted = "completed"
	// OutcomeSkipped marks a record that was already migrated.
	OutcomeSkipped = "skipped"
	// OutcomeFailed marks a record whose own write failed.
	OutcomeFailed = "failed"
)

// Status label values for batches, ticks and runs.
const (
	// StatusCommitted is a batch transaction that committed.
	StatusCommitted = "committed"
	// StatusRolledBack is a batch transaction that rolled back.
	StatusRolledBack = "rolled_back"
	// StatusSuccess is a successful tick or run.
	StatusSuccess = "success"
	// StatusError is a failed tick or run.
	StatusError = "error"
	// StatusBusy is a tick skipped because another run held the guard.
	StatusBusy = "busy"
)

// Sync action label values.
const (
	// ActionCreated is a legacy record created in the target by a sync tick.
	ActionCreated = "created"
	// ActionPatched is an existing task whose status fields were patched.
	ActionPatched = "patched"
	// ActionComment is a comment appended by a sync tick.
	ActionComment = "comment"
)

// Histogram bucket constants.
const (
	// BucketStart1ms is the starting bucket for 1ms histograms.
	BucketStart1ms = 0.001
	// BucketStart10ms is the starting bucket for 10ms histograms.
	BucketStart10ms = 0.01
	// BucketFactor2 doubles each bucket.
	BucketFactor2 = 2.0
	// BucketCount12 covers 1ms to ~4s.
	BucketCount12 = 12
	// BucketCount15 covers 1ms to ~32s, or 10ms to ~5min.
	BucketCount15 = 15
)
