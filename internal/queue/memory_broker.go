package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker used as a test double and for
// single-process deployments without Redis. It mirrors the Redis broker's
// semantics minus durability and cross-process visibility.
type MemoryBroker struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	order  map[string]int
	seq    int
	paused bool
	closed bool
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		jobs:  make(map[string]*Job),
		order: make(map[string]int),
	}
}

// Add records a job. Delayed jobs start in the delayed state.
func (b *MemoryBroker) Add(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return NewQueueError("broker is closed")
	}
	if _, exists := b.jobs[job.ID]; exists {
		return NewValidationErrorf("job %s already exists", job.ID)
	}

	stored := job.Clone()
	if stored.ReadyAt().After(time.Now()) {
		stored.State = StateDelayed
	}
	b.seq++
	b.jobs[stored.ID] = stored
	b.order[stored.ID] = b.seq
	return nil
}

// AddBulk records each job independently; the first failure aborts the rest,
// matching the per-item atomicity contract.
func (b *MemoryBroker) AddBulk(ctx context.Context, jobs []*Job) error {
	for _, job := range jobs {
		if err := b.Add(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// GetJob returns a copy of the stored job, or nil when unknown.
func (b *MemoryBroker) GetJob(ctx context.Context, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if job, ok := b.jobs[id]; ok {
		return job.Clone(), nil
	}
	return nil, nil
}

// GetJobs returns jobs in the given states (all when empty), newest first,
// paged by [start, end).
func (b *MemoryBroker) GetJobs(ctx context.Context, states []JobState, start, end int) ([]*Job, error) {
	b.mu.Lock()
	all := make([]*Job, 0, len(b.jobs))
	for _, job := range b.jobs {
		c := job.Clone()
		// Waiting jobs in a paused queue read back as paused.
		if b.paused && c.State == StateWaiting {
			c.State = StatePaused
		}
		all = append(all, c)
	}
	b.mu.Unlock()

	if len(states) > 0 {
		all = FilterByState(all, states...)
	}
	all = SortByCreatedAt(all, false)
	if end <= 0 {
		end = len(all)
	}
	return Paginate(all, start, end), nil
}

// GetJobCounts counts jobs per requested state (all states when none given).
func (b *MemoryBroker) GetJobCounts(ctx context.Context, states ...JobState) (map[JobState]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(states) == 0 {
		states = AllStates
	}
	counts := make(map[JobState]int, len(states))
	for _, s := range states {
		counts[s] = 0
	}
	for _, job := range b.jobs {
		state := job.State
		// Waiting jobs in a paused queue are reported as paused.
		if b.paused && state == StateWaiting {
			state = StatePaused
		}
		if _, wanted := counts[state]; wanted {
			counts[state]++
		}
	}
	return counts, nil
}

// Claim promotes due delayed jobs, then atomically moves the most urgent
// waiting job to active. Order is (priority asc, createdAt asc).
func (b *MemoryBroker) Claim(ctx context.Context) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, NewQueueError("broker is closed")
	}

	b.promoteDelayedLocked()

	if b.paused {
		return nil, nil
	}

	var candidates []*Job
	for _, job := range b.jobs {
		if job.State == StateWaiting {
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, k int) bool {
		a, c := candidates[i], candidates[k]
		if a.Opts.Priority != c.Opts.Priority {
			return a.Opts.Priority < c.Opts.Priority
		}
		if !a.CreatedAt.Equal(c.CreatedAt) {
			return a.CreatedAt.Before(c.CreatedAt)
		}
		return b.order[a.ID] < b.order[c.ID]
	})

	job := candidates[0]
	job.MarkActive()
	return job.Clone(), nil
}

// Update rewrites the stored job record.
func (b *MemoryBroker) Update(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.jobs[job.ID]; !exists {
		return NewQueueErrorf("job %s not found", job.ID)
	}
	seq := b.order[job.ID]
	b.jobs[job.ID] = job.Clone()
	b.order[job.ID] = seq
	return nil
}

// Remove deletes a job; removing an unknown id is not an error.
func (b *MemoryBroker) Remove(ctx context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.jobs[id]; !exists {
		return false, nil
	}
	delete(b.jobs, id)
	delete(b.order, id)
	return true, nil
}

// Pause stops subsequent claims. Delayed jobs keep promoting to waiting
// while paused; they just are not claimed.
func (b *MemoryBroker) Pause(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
	return nil
}

// Resume re-enables claims.
func (b *MemoryBroker) Resume(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
	return nil
}

// Drain removes waiting jobs only.
func (b *MemoryBroker) Drain(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for id, job := range b.jobs {
		if job.State == StateWaiting {
			delete(b.jobs, id)
			delete(b.order, id)
			removed++
		}
	}
	return removed, nil
}

// Clean removes terminal jobs in the given state finished longer than grace
// ago, oldest first, up to limit (0 = unlimited).
func (b *MemoryBroker) Clean(ctx context.Context, grace time.Duration, limit int, state JobState) ([]string, error) {
	if !IsTerminalState(state) {
		return nil, NewValidationErrorf("clean requires a terminal state, got %q", state)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-grace)
	var victims []*Job
	for _, job := range b.jobs {
		if job.State != state || job.FinishedAt == nil {
			continue
		}
		if job.FinishedAt.Before(cutoff) {
			victims = append(victims, job)
		}
	}
	sort.Slice(victims, func(i, k int) bool {
		return victims[i].FinishedAt.Before(*victims[k].FinishedAt)
	})
	if limit > 0 && len(victims) > limit {
		victims = victims[:limit]
	}

	ids := make([]string, 0, len(victims))
	for _, job := range victims {
		delete(b.jobs, job.ID)
		delete(b.order, job.ID)
		ids = append(ids, job.ID)
	}
	return ids, nil
}

// Ping reports broker liveness.
func (b *MemoryBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return NewQueueError("broker is closed")
	}
	return nil
}

// Close releases the broker. Jobs are discarded.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// promoteDelayedLocked moves due delayed jobs back to waiting.
func (b *MemoryBroker) promoteDelayedLocked() {
	now := time.Now()
	for _, job := range b.jobs {
		if job.State == StateDelayed && !job.ReadyAt().After(now) {
			job.State = StateWaiting
		}
	}
}
