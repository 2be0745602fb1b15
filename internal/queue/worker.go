package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WorkerStatus represents the lifecycle state of a worker
type WorkerStatus string

const (
	WorkerStatusClosed  WorkerStatus = "closed"
	WorkerStatusRunning WorkerStatus = "running"
	WorkerStatusPaused  WorkerStatus = "paused"
	WorkerStatusClosing WorkerStatus = "closing"
	WorkerStatusError   WorkerStatus = "error"
)

// Processor is the caller-supplied callable that performs a job's work.
type Processor func(ctx context.Context, job *Job) (json.RawMessage, error)

// RateLimit caps claims to Max per sliding Duration. Advisory throttling,
// not admission control.
type RateLimit struct {
	Max      int           `json:"max"`
	Duration time.Duration `json:"duration"`
}

// WorkerConfig configures a single worker.
type WorkerConfig struct {
	ID          string
	Concurrency int
	RateLimit   *RateLimit
}

// WorkerStats is a point-in-time snapshot of a worker.
type WorkerStats struct {
	ID                string       `json:"id"`
	QueueName         string       `json:"queue_name"`
	Status            WorkerStatus `json:"status"`
	ActiveJobs        int          `json:"active_jobs"`
	TotalProcessed    int64        `json:"total_processed"`
	TotalFailed       int64        `json:"total_failed"`
	JobsPerSecond     float64      `json:"jobs_per_second"`
	AvgProcessingTime int64        `json:"avg_processing_time_ms"`
	StartedAt         *time.Time   `json:"started_at,omitempty"`
	LastActivityAt    *time.Time   `json:"last_activity_at,omitempty"`
}

// rollingWindow is a fixed-capacity FIFO of recent job durations used for
// the mean processing time. Access is serialised by the caller's lock.
type rollingWindow struct {
	durations []time.Duration
	head      int
	size      int
}

func newRollingWindow(capacity int) *rollingWindow {
	return &rollingWindow{durations: make([]time.Duration, capacity)}
}

func (w *rollingWindow) push(d time.Duration) {
	w.durations[w.head] = d
	w.head = (w.head + 1) % len(w.durations)
	if w.size < len(w.durations) {
		w.size++
	}
}

// mean returns the integer arithmetic mean in milliseconds, 0 when empty.
func (w *rollingWindow) mean() int64 {
	if w.size == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < w.size; i++ {
		total += w.durations[i]
	}
	return (total / time.Duration(w.size)).Milliseconds()
}

// rateLimiter tracks claim timestamps over a sliding window.
type rateLimiter struct {
	mu     sync.Mutex
	limit  RateLimit
	claims []time.Time
}

func newRateLimiter(limit RateLimit) *rateLimiter {
	return &rateLimiter{limit: limit}
}

// reserve records a claim if the window has room, reporting whether it did.
func (r *rateLimiter) reserve() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.limit.Duration)
	kept := r.claims[:0]
	for _, t := range r.claims {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.claims = kept

	if len(r.claims) >= r.limit.Max {
		return false
	}
	r.claims = append(r.claims, now)
	return true
}

// Worker drives processing of a single queue: it claims jobs through its
// broker driver and runs the user processor against them.
type Worker struct {
	id        string
	queueName string
	processor Processor
	cfg       WorkerConfig

	mu     sync.RWMutex
	status WorkerStatus
	driver BrokerWorker

	activeJobs     int
	totalProcessed int64
	totalFailed    int64
	window         *rollingWindow
	startedAt      *time.Time
	lastActivityAt *time.Time

	limiter *rateLimiter
	events  *listenerRegistry

	runCtx    context.Context
	runCancel context.CancelFunc
	drained   *sync.Cond
}

// NewWorker creates a worker bound to a queue name and processor. The broker
// driver is injected separately with SetBrokerWorker.
func NewWorker(queueName string, processor Processor, cfg WorkerConfig) (*Worker, error) {
	if queueName == "" {
		return nil, NewValidationError("worker queue name is required")
	}
	if processor == nil {
		return nil, NewValidationError("worker processor is required")
	}
	if cfg.Concurrency < 0 {
		return nil, NewValidationError("worker concurrency must not be negative")
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1
	}
	if cfg.RateLimit != nil && (cfg.RateLimit.Max < 1 || cfg.RateLimit.Duration <= 0) {
		return nil, NewValidationError("worker rate limit requires max >= 1 and a positive duration")
	}
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("worker-%s", strings.Split(uuid.New().String(), "-")[0])
	}

	w := &Worker{
		id:        cfg.ID,
		queueName: queueName,
		processor: processor,
		cfg:       cfg,
		status:    WorkerStatusClosed,
		window:    newRollingWindow(rollingWindowSize),
		events:    newListenerRegistry(),
	}
	w.drained = sync.NewCond(&w.mu)
	if cfg.RateLimit != nil {
		w.limiter = newRateLimiter(*cfg.RateLimit)
	}
	return w, nil
}

// ID returns the worker id.
func (w *Worker) ID() string {
	return w.id
}

// QueueName returns the queue this worker is bound to.
func (w *Worker) QueueName() string {
	return w.queueName
}

// Concurrency returns the configured parallelism.
func (w *Worker) Concurrency() int {
	return w.cfg.Concurrency
}

// Status returns the current lifecycle status.
func (w *Worker) Status() WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// SetBrokerWorker injects the broker-side driver.
func (w *Worker) SetBrokerWorker(driver BrokerWorker) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.driver = driver
}

// Start transitions the worker to running and launches the broker driver.
func (w *Worker) Start() error {
	w.mu.Lock()
	if w.driver == nil {
		w.mu.Unlock()
		return NewQueueError("worker has no broker driver")
	}
	if w.status == WorkerStatusRunning {
		w.mu.Unlock()
		return nil
	}
	if w.status == WorkerStatusClosing {
		w.mu.Unlock()
		return NewQueueError("worker is closing")
	}

	now := time.Now().UTC()
	w.status = WorkerStatusRunning
	w.startedAt = &now
	w.runCtx, w.runCancel = context.WithCancel(context.Background())
	driver := w.driver
	ctx := w.runCtx
	w.mu.Unlock()

	go driver.Run(ctx)

	w.events.emit(Event{Type: EventResumed, Data: map[string]interface{}{"worker_id": w.id}})
	return nil
}

// Pause stops claiming. With waitForActive, in-flight jobs complete before
// the driver is paused.
func (w *Worker) Pause(waitForActive bool) error {
	w.mu.Lock()
	if w.status != WorkerStatusRunning {
		w.mu.Unlock()
		return NewQueueErrorf("cannot pause worker in state %q", w.status)
	}
	w.status = WorkerStatusPaused
	driver := w.driver
	if waitForActive {
		for w.activeJobs > 0 {
			w.drained.Wait()
		}
	}
	w.mu.Unlock()

	if driver != nil {
		driver.Pause(!waitForActive)
	}
	w.events.emit(Event{Type: EventPaused, Data: map[string]interface{}{"worker_id": w.id}})
	return nil
}

// Resume restarts a paused worker.
func (w *Worker) Resume() error {
	w.mu.Lock()
	if w.status != WorkerStatusPaused {
		w.mu.Unlock()
		return NewQueueErrorf("cannot resume worker in state %q", w.status)
	}
	w.status = WorkerStatusRunning
	driver := w.driver
	w.mu.Unlock()

	if driver != nil {
		driver.Resume()
	}
	w.events.emit(Event{Type: EventResumed, Data: map[string]interface{}{"worker_id": w.id}})
	return nil
}

// Stop closes the worker. A graceful stop waits for in-flight jobs; force
// abandons them. Running cannot be re-entered from closing.
func (w *Worker) Stop(force bool) error {
	w.mu.Lock()
	if w.status == WorkerStatusClosed {
		w.mu.Unlock()
		return nil
	}
	w.status = WorkerStatusClosing
	driver := w.driver
	cancel := w.runCancel
	w.mu.Unlock()

	// Stop claiming before waiting, or the drain could chase new claims.
	if driver != nil {
		driver.Pause(true)
	}

	if !force {
		w.mu.Lock()
		for w.activeJobs > 0 {
			w.drained.Wait()
		}
		w.mu.Unlock()
	}

	var err error
	if driver != nil {
		err = driver.Close(force)
	}
	if cancel != nil {
		cancel()
	}

	w.mu.Lock()
	if err != nil {
		w.status = WorkerStatusError
	} else {
		w.status = WorkerStatusClosed
	}
	w.mu.Unlock()

	if err != nil {
		return WrapBrokerError("close", err)
	}
	return nil
}

// ReserveClaim consults the rate limiter before a claim. Without a limit it
// always allows.
func (w *Worker) ReserveClaim() bool {
	if w.limiter == nil {
		return true
	}
	return w.limiter.reserve()
}

// ProcessJob runs the user processor against a claimed job. It is invoked by
// the broker driver, possibly concurrently up to the configured concurrency.
// Processor errors are re-raised so the driver can apply the retry policy.
func (w *Worker) ProcessJob(ctx context.Context, job *Job) (result json.RawMessage, err error) {
	now := time.Now().UTC()
	w.mu.Lock()
	w.activeJobs++
	w.lastActivityAt = &now
	w.mu.Unlock()

	w.events.emit(Event{
		Type:    EventActive,
		JobID:   job.ID,
		JobName: job.Name,
		Data:    map[string]interface{}{"worker_id": w.id, "attempts_made": job.AttemptsMade},
	})

	started := time.Now()
	defer func() {
		duration := time.Since(started)

		w.mu.Lock()
		w.window.push(duration)
		if err != nil {
			w.totalFailed++
		} else {
			w.totalProcessed++
		}
		w.activeJobs--
		if w.activeJobs == 0 {
			w.drained.Broadcast()
		}
		w.mu.Unlock()

		if err != nil {
			w.events.emit(Event{
				Type:    EventFailed,
				JobID:   job.ID,
				JobName: job.Name,
				Data:    map[string]interface{}{"worker_id": w.id, "error": err.Error()},
			})
		} else {
			w.events.emit(Event{
				Type:    EventCompleted,
				JobID:   job.ID,
				JobName: job.Name,
				Data:    map[string]interface{}{"worker_id": w.id, "returnvalue": result},
			})
		}
	}()

	result, err = w.invokeProcessor(ctx, job)
	return result, err
}

// invokeProcessor runs the processor with panic recovery and the job's hard
// timeout. The deadline holds even when the processor ignores cancellation.
func (w *Worker) invokeProcessor(ctx context.Context, job *Job) (json.RawMessage, error) {
	type outcome struct {
		result json.RawMessage
		err    error
	}

	timeout := job.Opts.Timeout
	procCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		procCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: NewQueueErrorf("job %s panicked: %v\n%s", job.ID, r, debug.Stack())}
			}
		}()
		res, err := w.processor(procCtx, job)
		done <- outcome{result: res, err: err}
	}()

	if timeout > 0 {
		select {
		case out := <-done:
			return out.result, out.err
		case <-time.After(timeout):
			return nil, NewQueueErrorf("job %s timed out after %s", job.ID, timeout)
		}
	}

	out := <-done
	return out.result, out.err
}

// GetStats returns a snapshot of the worker's counters.
func (w *Worker) GetStats() WorkerStats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	stats := WorkerStats{
		ID:                w.id,
		QueueName:         w.queueName,
		Status:            w.status,
		ActiveJobs:        w.activeJobs,
		TotalProcessed:    w.totalProcessed,
		TotalFailed:       w.totalFailed,
		AvgProcessingTime: w.window.mean(),
	}
	if w.startedAt != nil {
		t := *w.startedAt
		stats.StartedAt = &t
		elapsed := time.Since(t).Seconds()
		if elapsed > 0 {
			stats.JobsPerSecond = math.Round(float64(w.totalProcessed)/elapsed*100) / 100
		}
	}
	if w.lastActivityAt != nil {
		t := *w.lastActivityAt
		stats.LastActivityAt = &t
	}
	return stats
}

// On registers an event listener and returns its registration id.
func (w *Worker) On(event EventType, listener EventListener) int {
	return w.events.on(event, listener)
}

// Off removes an event listener.
func (w *Worker) Off(event EventType, id int) {
	w.events.off(event, id)
}
