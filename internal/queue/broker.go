package queue

import (
	"context"
	"time"
)

// BulkItem is one entry of a bulk admission.
type BulkItem struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
	Opts    *JobOptions `json:"opts,omitempty"`
}

// BulkError reports a single failed item of a bulk admission.
type BulkError struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// BulkResult aggregates a best-effort bulk admission.
type BulkResult struct {
	Added  int         `json:"added"`
	JobIDs []string    `json:"job_ids"`
	Errors []BulkError `json:"errors"`
}

// Broker is the persistent, ordered, atomically-claimable work store shared
// by every worker on a queue. The runtime owns only cached views of jobs the
// broker holds.
type Broker interface {
	// Add durably records a job. The job's id, delay, and priority are
	// already resolved by the caller.
	Add(ctx context.Context, job *Job) error

	// AddBulk records jobs atomically per item, preserving order in the
	// aggregate result.
	AddBulk(ctx context.Context, jobs []*Job) error

	// GetJob returns the stored job, or nil when unknown.
	GetJob(ctx context.Context, id string) (*Job, error)

	// GetJobs returns jobs filtered by state (all states when empty), paged
	// by the half-open range [start, end).
	GetJobs(ctx context.Context, states []JobState, start, end int) ([]*Job, error)

	// GetJobCounts returns per-state counts. Missing states default to 0.
	GetJobCounts(ctx context.Context, states ...JobState) (map[JobState]int, error)

	// Claim atomically moves the most urgent ready job to active and returns
	// it, or nil when nothing is claimable.
	Claim(ctx context.Context) (*Job, error)

	// Update rewrites the stored job record (state, progress, result).
	Update(ctx context.Context, job *Job) error

	// Remove deletes a job. Removing an unknown id is not an error.
	Remove(ctx context.Context, id string) (bool, error)

	// Pause stops subsequent claims; Resume re-enables them.
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error

	// Drain removes waiting jobs only.
	Drain(ctx context.Context) (int, error)

	// Clean removes terminal jobs in the given state older than grace,
	// up to limit (0 = no limit), returning the removed ids.
	Clean(ctx context.Context, grace time.Duration, limit int, state JobState) ([]string, error)

	// Ping checks broker connectivity.
	Ping(ctx context.Context) error

	// Close releases broker resources.
	Close() error
}

// BrokerWorker is the broker-side driver a Worker runs against: it claims
// jobs, feeds them to the worker, and applies the retry policy on failure.
type BrokerWorker interface {
	// Run starts the claim loop. It returns once the driver is closed.
	Run(ctx context.Context)

	// Pause stops claiming. When doNotWaitActive is false, in-flight jobs
	// are allowed to complete first.
	Pause(doNotWaitActive bool)

	// Resume restarts claiming after a pause.
	Resume()

	// Close stops the driver. force abandons in-flight work.
	Close(force bool) error

	IsRunning() bool
	IsPaused() bool
}
