package queue

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/forgeq/forgeq-go/internal/logger"
)

// ServiceState is the lifecycle state of the queue service.
type ServiceState string

const (
	ServiceUninitialised ServiceState = "uninitialised"
	ServiceInitialised   ServiceState = "initialised"
	ServiceShuttingDown  ServiceState = "shutting_down"
)

// Default in-memory retention caps applied by Clean when the caller leaves
// them unset. Exposed through CleanupOptions so deployments can tune them.
const (
	DefaultCleanCompletedCount = 1000
	DefaultCleanFailedCount    = 5000
)

// CleanupOptions bounds Clean: terminal jobs older than the age thresholds
// are removed, at most Count per bucket per pass (0 = use the default cap).
type CleanupOptions struct {
	CompletedAge   time.Duration `json:"completed_age"`
	FailedAge      time.Duration `json:"failed_age"`
	CompletedCount int           `json:"completed_count"`
	FailedCount    int           `json:"failed_count"`
}

// ServiceConfig configures a queue service.
type ServiceConfig struct {
	Name              string
	DefaultJobOptions JobOptions
	Cleanup           CleanupOptions
}

// JobFilter selects and pages jobs for GetJobs. Filters apply in order:
// state, name, order (default newest first), pagination.
type JobFilter struct {
	States    []JobState `json:"states,omitempty"`
	Name      string     `json:"name,omitempty"`
	Start     int        `json:"start"`
	End       int        `json:"end"`
	Ascending bool       `json:"ascending"`
}

// QueueStats carries the per-state counts plus the cumulative number of
// admissions over the service's lifetime.
type QueueStats struct {
	Waiting   int   `json:"waiting"`
	Delayed   int   `json:"delayed"`
	Active    int   `json:"active"`
	Completed int   `json:"completed"`
	Failed    int   `json:"failed"`
	Paused    int   `json:"paused"`
	Total     int64 `json:"total"`
}

// HealthStatus is the result of a health check. HealthCheck never fails; an
// unhealthy broker is reported through the fields.
type HealthStatus struct {
	Healthy      bool          `json:"healthy"`
	Error        string        `json:"error,omitempty"`
	ResponseTime time.Duration `json:"response_time_ms"`
}

// ShutdownOptions controls graceful shutdown.
type ShutdownOptions struct {
	Timeout           time.Duration
	ForceAfterTimeout bool
	Drain             bool
}

// TenantContext identifies the tenant behind a scoped view.
type TenantContext struct {
	TenantID string
}

// Service is the public queue facade. It validates and envelopes
// submissions, hands them to the broker, keeps a local index as a cache,
// owns the scheduler and the event registry, and constructs workers.
type Service struct {
	name string
	cfg  ServiceConfig
	log  *logger.Logger

	mu     sync.RWMutex
	state  ServiceState
	paused bool
	broker Broker
	jobs   map[string]*Job

	totalAdded     int64
	totalProcessed int64
	totalFailed    int64

	scheduler *Scheduler
	events    *listenerRegistry
	workers   []*Worker
}

// NewService creates a queue service. A nil broker gets an in-process
// MemoryBroker, which keeps the semantics but loses durability and
// cross-process visibility.
func NewService(cfg ServiceConfig, broker Broker, log *logger.Logger) *Service {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.DefaultJobOptions.Attempts == 0 {
		cfg.DefaultJobOptions.Attempts = defaultAttempts
	}
	if cfg.Cleanup.CompletedCount == 0 {
		cfg.Cleanup.CompletedCount = DefaultCleanCompletedCount
	}
	if cfg.Cleanup.FailedCount == 0 {
		cfg.Cleanup.FailedCount = DefaultCleanFailedCount
	}
	if broker == nil {
		broker = NewMemoryBroker()
	}
	return &Service{
		name:   cfg.Name,
		cfg:    cfg,
		log:    log,
		state:  ServiceUninitialised,
		broker: broker,
		jobs:   make(map[string]*Job),
		events: newListenerRegistry(),
	}
}

// Name returns the queue name.
func (s *Service) Name() string {
	return s.name
}

// State returns the lifecycle state.
func (s *Service) State() ServiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Initialize brings the service up. It is idempotent once initialised and
// rejected while a shutdown is in flight.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case ServiceInitialised:
		s.mu.Unlock()
		return nil
	case ServiceShuttingDown:
		s.mu.Unlock()
		return NewQueueError("cannot initialise while shutting down")
	}
	s.scheduler = NewScheduler()
	s.state = ServiceInitialised
	s.mu.Unlock()

	if s.log != nil {
		s.log.Infow("queue service initialised", "queue", s.name)
	}
	s.events.emit(Event{Type: EventReady})
	return nil
}

// ensureInitialised guards every public operation behind Initialize.
func (s *Service) ensureInitialised() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != ServiceInitialised {
		return NewQueueErrorf("queue service is %s", s.state)
	}
	return nil
}

// Add validates and envelopes one submission, records it with the broker,
// indexes it locally, and emits waiting. It returns the job id.
func (s *Service) Add(ctx context.Context, name string, payload interface{}, opts *JobOptions) (string, error) {
	if err := s.ensureInitialised(); err != nil {
		return "", err
	}
	return s.add(ctx, name, payload, opts)
}

// add is the Add body shared with AddBulk and RetryJob.
func (s *Service) add(ctx context.Context, name string, payload interface{}, opts *JobOptions) (string, error) {
	job, err := NewJob(name, payload, opts, s.cfg.DefaultJobOptions)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return "", NewValidationErrorf("job id %s already exists", job.ID)
	}
	s.mu.Unlock()

	if err := s.broker.Add(ctx, job); err != nil {
		return "", err
	}
	if job.ReadyAt().After(time.Now()) {
		job.State = StateDelayed
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.totalAdded++
	s.mu.Unlock()

	s.events.emit(Event{
		Type:    EventWaiting,
		JobID:   job.ID,
		JobName: job.Name,
		Data:    map[string]interface{}{"state": job.State},
	})
	return job.ID, nil
}

// AddBulk admits items best-effort: a single invalid item is reported in the
// result without aborting the others.
func (s *Service) AddBulk(ctx context.Context, items []BulkItem) (*BulkResult, error) {
	if err := s.ensureInitialised(); err != nil {
		return nil, err
	}

	result := &BulkResult{JobIDs: []string{}, Errors: []BulkError{}}
	for i, item := range items {
		id, err := s.add(ctx, item.Name, item.Payload, item.Opts)
		if err != nil {
			result.Errors = append(result.Errors, BulkError{Index: i, Message: err.Error()})
			continue
		}
		result.Added++
		result.JobIDs = append(result.JobIDs, id)
	}
	return result, nil
}

// GetJob returns the job by id, nil when unknown. The broker is
// authoritative; the local index backfills when the broker lost the record.
func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	if err := s.ensureInitialised(); err != nil {
		return nil, err
	}

	job, err := s.broker.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job != nil {
		s.mu.Lock()
		if _, cached := s.jobs[id]; cached {
			s.jobs[id] = job.Clone()
		}
		s.mu.Unlock()
		return job, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if cached, ok := s.jobs[id]; ok {
		return cached.Clone(), nil
	}
	return nil, nil
}

// GetJobs applies the filter in the documented order: state, name, order,
// pagination.
func (s *Service) GetJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	if err := s.ensureInitialised(); err != nil {
		return nil, err
	}

	jobs, err := s.broker.GetJobs(ctx, filter.States, 0, 0)
	if err != nil {
		return nil, err
	}
	if filter.Name != "" {
		jobs = FilterByName(jobs, filter.Name)
	}
	jobs = SortByCreatedAt(jobs, filter.Ascending)

	end := filter.End
	if end <= 0 {
		end = len(jobs)
	}
	return Paginate(jobs, filter.Start, end), nil
}

// GetJobCounts returns per-state counts from the broker plus the cumulative
// total of admissions.
func (s *Service) GetJobCounts(ctx context.Context) (*QueueStats, error) {
	if err := s.ensureInitialised(); err != nil {
		return nil, err
	}

	counts, err := s.broker.GetJobCounts(ctx, AllStates...)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	total := s.totalAdded
	s.mu.RUnlock()

	return &QueueStats{
		Waiting:   counts[StateWaiting],
		Delayed:   counts[StateDelayed],
		Active:    counts[StateActive],
		Completed: counts[StateCompleted],
		Failed:    counts[StateFailed],
		Paused:    counts[StatePaused],
		Total:     total,
	}, nil
}

// RemoveJob deletes a job, reporting whether a removal occurred.
func (s *Service) RemoveJob(ctx context.Context, id string) (bool, error) {
	if err := s.ensureInitialised(); err != nil {
		return false, err
	}

	removed, err := s.broker.Remove(ctx, id)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	if _, ok := s.jobs[id]; ok {
		delete(s.jobs, id)
		removed = true
	}
	s.mu.Unlock()
	return removed, nil
}

// UpdateProgress clamps and records progress. Unknown ids are ignored.
func (s *Service) UpdateProgress(ctx context.Context, id string, progress int) error {
	if err := s.ensureInitialised(); err != nil {
		return err
	}

	clamped := ClampProgress(progress)

	job, err := s.broker.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		s.mu.RLock()
		_, cached := s.jobs[id]
		s.mu.RUnlock()
		if !cached {
			return nil
		}
	} else {
		job.UpdateProgress(clamped)
		if err := s.broker.Update(ctx, job); err != nil {
			return err
		}
	}

	s.mu.Lock()
	var name string
	if cached, ok := s.jobs[id]; ok {
		cached.UpdateProgress(clamped)
		name = cached.Name
	} else if job != nil {
		name = job.Name
	}
	s.mu.Unlock()

	s.events.emit(Event{
		Type:    EventProgress,
		JobID:   id,
		JobName: name,
		Data:    map[string]interface{}{"progress": clamped},
	})
	return nil
}

// ProcessJob records a successful terminal transition for a job, updating
// counters and emitting completed. The job must exist.
func (s *Service) ProcessJob(ctx context.Context, id string, result json.RawMessage) error {
	if err := s.ensureInitialised(); err != nil {
		return err
	}

	job, err := s.loadKnownJob(ctx, id)
	if err != nil {
		return err
	}

	if job.StartedAt == nil {
		job.MarkActive()
	}
	job.MarkCompleted(result)
	if err := s.broker.Update(ctx, job); err != nil {
		return err
	}

	s.mu.Lock()
	s.jobs[job.ID] = job.Clone()
	s.totalProcessed++
	s.mu.Unlock()

	s.events.emit(Event{
		Type:    EventCompleted,
		JobID:   job.ID,
		JobName: job.Name,
		Data:    map[string]interface{}{"returnvalue": result},
	})
	return nil
}

// FailJob records a failed terminal transition for a job, updating counters
// and emitting failed. The job must exist.
func (s *Service) FailJob(ctx context.Context, id string, failure error) error {
	if err := s.ensureInitialised(); err != nil {
		return err
	}

	job, err := s.loadKnownJob(ctx, id)
	if err != nil {
		return err
	}

	reason := "unknown failure"
	if failure != nil {
		reason = failure.Error()
	}
	if job.StartedAt == nil {
		job.MarkActive()
	}
	job.MarkFailed(reason, []string{reason})
	if err := s.broker.Update(ctx, job); err != nil {
		return err
	}

	s.mu.Lock()
	s.jobs[job.ID] = job.Clone()
	s.totalFailed++
	s.mu.Unlock()

	s.events.emit(Event{
		Type:    EventFailed,
		JobID:   job.ID,
		JobName: job.Name,
		Data:    map[string]interface{}{"error": reason},
	})
	return nil
}

// loadKnownJob loads a job that operations require to exist.
func (s *Service) loadKnownJob(ctx context.Context, id string) (*Job, error) {
	job, err := s.broker.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		s.mu.RLock()
		cached, ok := s.jobs[id]
		s.mu.RUnlock()
		if !ok {
			return nil, NewQueueErrorf("job %s not found", id)
		}
		job = cached.Clone()
	}
	return job, nil
}

// RetryJob resubmits a failed job under a new id, preserving name, payload,
// and options. The linkage to the original is not persisted.
func (s *Service) RetryJob(ctx context.Context, id string) (string, error) {
	if err := s.ensureInitialised(); err != nil {
		return "", err
	}

	job, err := s.loadKnownJob(ctx, id)
	if err != nil {
		return "", err
	}
	if job.State != StateFailed {
		return "", NewQueueErrorf("job %s is %s, only failed jobs can be retried", id, job.State)
	}

	opts := job.Opts
	opts.JobID = ""
	var payload interface{}
	if job.Payload != nil {
		payload = job.Payload
	}
	return s.add(ctx, job.Name, payload, &opts)
}

// Pause stops claims on the queue. Delayed jobs keep promoting to waiting
// while paused; they are just not handed to workers.
func (s *Service) Pause(ctx context.Context) error {
	if err := s.ensureInitialised(); err != nil {
		return err
	}
	if err := s.broker.Pause(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()

	s.events.emit(Event{Type: EventPaused})
	return nil
}

// Resume re-enables claims.
func (s *Service) Resume(ctx context.Context) error {
	if err := s.ensureInitialised(); err != nil {
		return err
	}
	if err := s.broker.Resume(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()

	s.events.emit(Event{Type: EventResumed})
	return nil
}

// Drain removes all waiting jobs, leaving delayed and active ones alone.
func (s *Service) Drain(ctx context.Context) (int, error) {
	if err := s.ensureInitialised(); err != nil {
		return 0, err
	}

	removed, err := s.broker.Drain(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	for id, job := range s.jobs {
		if job.State == StateWaiting {
			delete(s.jobs, id)
		}
	}
	s.mu.Unlock()

	s.events.emit(Event{Type: EventDrained, Data: map[string]interface{}{"removed": removed}})
	return removed, nil
}

// Clean removes terminal jobs older than the configured thresholds and
// returns how many were removed. Zero-value options fall back to the
// service's cleanup configuration.
func (s *Service) Clean(ctx context.Context, opts CleanupOptions) (int, error) {
	if err := s.ensureInitialised(); err != nil {
		return 0, err
	}

	if opts.CompletedAge == 0 {
		opts.CompletedAge = s.cfg.Cleanup.CompletedAge
	}
	if opts.FailedAge == 0 {
		opts.FailedAge = s.cfg.Cleanup.FailedAge
	}
	if opts.CompletedCount == 0 {
		opts.CompletedCount = s.cfg.Cleanup.CompletedCount
	}
	if opts.FailedCount == 0 {
		opts.FailedCount = s.cfg.Cleanup.FailedCount
	}

	var completed, failed []string
	var err error
	if opts.CompletedAge > 0 {
		completed, err = s.broker.Clean(ctx, opts.CompletedAge, opts.CompletedCount, StateCompleted)
		if err != nil {
			return 0, err
		}
	}
	if opts.FailedAge > 0 {
		failed, err = s.broker.Clean(ctx, opts.FailedAge, opts.FailedCount, StateFailed)
		if err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	for _, id := range completed {
		delete(s.jobs, id)
	}
	for _, id := range failed {
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	removed := len(completed) + len(failed)
	s.events.emit(Event{Type: EventCleaned, Data: map[string]interface{}{"removed": removed}})
	return removed, nil
}

// CreateWorker builds a worker bound to this queue, wired to the broker and
// mirrored into the service's event stream and cache.
func (s *Service) CreateWorker(processor Processor, cfg WorkerConfig) (*Worker, error) {
	if err := s.ensureInitialised(); err != nil {
		return nil, err
	}

	worker, err := NewWorker(s.name, processor, cfg)
	if err != nil {
		return nil, err
	}
	worker.SetBrokerWorker(NewBrokerWorker(s.broker, worker))
	s.mirrorWorkerEvents(worker)

	s.mu.Lock()
	s.workers = append(s.workers, worker)
	s.mu.Unlock()
	return worker, nil
}

// CreateWorkerPool builds a pool of size workers sharing this queue and
// processor.
func (s *Service) CreateWorkerPool(processor Processor, cfg WorkerConfig, size int) (*WorkerPool, error) {
	if err := s.ensureInitialised(); err != nil {
		return nil, err
	}

	pool := NewWorkerPool(s.name, func(id string) (*Worker, error) {
		workerCfg := cfg
		workerCfg.ID = id
		return s.CreateWorker(processor, workerCfg)
	})
	for i := 0; i < size; i++ {
		if _, err := pool.Add(""); err != nil {
			return nil, err
		}
	}
	return pool, nil
}

// mirrorWorkerEvents forwards worker lifecycle events into the service
// registry, keeps the local cache fresh, and bumps the service counters.
func (s *Service) mirrorWorkerEvents(worker *Worker) {
	worker.On(EventActive, func(e Event) {
		s.refreshCachedJob(e.JobID)
		s.events.emit(e)
	})
	worker.On(EventCompleted, func(e Event) {
		s.mu.Lock()
		s.totalProcessed++
		s.mu.Unlock()
		s.refreshCachedJob(e.JobID)
		s.events.emit(e)
	})
	worker.On(EventFailed, func(e Event) {
		s.mu.Lock()
		s.totalFailed++
		s.mu.Unlock()
		s.refreshCachedJob(e.JobID)
		s.events.emit(e)
	})
}

// refreshCachedJob re-reads one job from the broker into the local cache.
func (s *Service) refreshCachedJob(id string) {
	if id == "" {
		return
	}
	job, err := s.broker.GetJob(context.Background(), id)
	if err != nil || job == nil {
		return
	}
	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()
}

// AddSchedule registers a recurring schedule.
func (s *Service) AddSchedule(cfg ScheduleConfig) (*Schedule, error) {
	sched, err := s.requireScheduler()
	if err != nil {
		return nil, err
	}
	return sched.Add(cfg)
}

// RemoveSchedule deletes a schedule by name.
func (s *Service) RemoveSchedule(name string) (bool, error) {
	sched, err := s.requireScheduler()
	if err != nil {
		return false, err
	}
	return sched.Remove(name), nil
}

// GetSchedules lists every schedule.
func (s *Service) GetSchedules() ([]*Schedule, error) {
	sched, err := s.requireScheduler()
	if err != nil {
		return nil, err
	}
	return sched.GetAll(), nil
}

// Scheduler exposes the underlying scheduler for callers that need the full
// surface (pause/resume/update/due).
func (s *Service) Scheduler() (*Scheduler, error) {
	return s.requireScheduler()
}

func (s *Service) requireScheduler() (*Scheduler, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != ServiceInitialised || s.scheduler == nil {
		return nil, NewQueueError("scheduler is not available")
	}
	return s.scheduler, nil
}

// ProcessDueSchedules materialises every due schedule as a normal
// submission and records the execution. It returns the number of jobs
// admitted and is meant to run on a caller-owned ticker.
func (s *Service) ProcessDueSchedules(ctx context.Context) (int, error) {
	sched, err := s.requireScheduler()
	if err != nil {
		return 0, err
	}

	admitted := 0
	for _, due := range sched.GetDue() {
		if _, err := sched.RecordExecution(due.Name); err != nil {
			continue
		}
		var payload interface{}
		if due.Data != nil {
			payload = due.Data
		}
		if _, err := s.add(ctx, due.Name, payload, due.JobOptions); err != nil {
			if s.log != nil {
				s.log.Errorw("failed to admit scheduled job", "schedule", due.Name, "error", err)
			}
			continue
		}
		admitted++
	}
	return admitted, nil
}

// HealthCheck reports service and broker health. It always resolves.
func (s *Service) HealthCheck(ctx context.Context) *HealthStatus {
	start := time.Now()
	status := &HealthStatus{Healthy: true}

	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()

	if state != ServiceInitialised {
		status.Healthy = false
		status.Error = "queue service is " + string(state)
	} else if err := s.broker.Ping(ctx); err != nil {
		status.Healthy = false
		status.Error = err.Error()
	}

	status.ResponseTime = time.Since(start)
	return status
}

// On registers an event listener and returns its registration id.
func (s *Service) On(event EventType, listener EventListener) int {
	return s.events.on(event, listener)
}

// Off removes an event listener.
func (s *Service) Off(event EventType, id int) {
	s.events.off(event, id)
}

// Shutdown stops workers (gracefully, then forced when configured),
// optionally drains, closes the broker, and clears local state. It is
// idempotent.
func (s *Service) Shutdown(ctx context.Context, opts ShutdownOptions) error {
	s.mu.Lock()
	if s.state == ServiceUninitialised {
		s.mu.Unlock()
		return nil
	}
	s.state = ServiceShuttingDown
	workers := make([]*Worker, len(s.workers))
	copy(workers, s.workers)
	s.mu.Unlock()

	if s.log != nil {
		s.log.Infow("queue service shutting down", "queue", s.name, "workers", len(workers))
	}

	done := make(chan struct{})
	go func() {
		for _, w := range workers {
			_ = w.Stop(false)
		}
		close(done)
	}()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		if !opts.ForceAfterTimeout {
			return NewQueueErrorf("shutdown timed out after %s", timeout)
		}
		for _, w := range workers {
			_ = w.Stop(true)
		}
	}

	if opts.Drain {
		if _, err := s.broker.Drain(ctx); err != nil && s.log != nil {
			s.log.Errorw("drain during shutdown failed", "error", err)
		}
	}

	if err := s.broker.Close(); err != nil && s.log != nil {
		s.log.Errorw("broker close failed", "error", err)
	}

	s.mu.Lock()
	s.jobs = make(map[string]*Job)
	s.workers = nil
	if s.scheduler != nil {
		s.scheduler.ClearAll()
	}
	s.scheduler = nil
	s.paused = false
	s.state = ServiceUninitialised
	s.mu.Unlock()
	return nil
}

// ForTenant returns a tenant-scoped view of this queue.
func (s *Service) ForTenant(tc TenantContext) (*TenantQueue, error) {
	if tc.TenantID == "" {
		return nil, NewValidationError("tenant id is required")
	}
	if !tenantIDRegexp.MatchString(tc.TenantID) {
		return nil, NewValidationErrorf("tenant id %q contains invalid characters", tc.TenantID)
	}
	return &TenantQueue{svc: s, tenantID: tc.TenantID}, nil
}

// TenantQueue namespaces submissions with tenant:<id>: and filters reads by
// that prefix.
type TenantQueue struct {
	svc      *Service
	tenantID string
}

// TenantID returns the view's tenant id.
func (t *TenantQueue) TenantID() string {
	return t.tenantID
}

// Add submits a job under the tenant namespace.
func (t *TenantQueue) Add(ctx context.Context, name string, payload interface{}, opts *JobOptions) (string, error) {
	scoped, err := BuildTenantJobName(t.tenantID, name)
	if err != nil {
		return "", err
	}
	return t.svc.Add(ctx, scoped, payload, opts)
}

// AddBulk submits items under the tenant namespace. Items whose names fail
// namespacing surface as per-item errors.
func (t *TenantQueue) AddBulk(ctx context.Context, items []BulkItem) (*BulkResult, error) {
	if err := t.svc.ensureInitialised(); err != nil {
		return nil, err
	}

	result := &BulkResult{JobIDs: []string{}, Errors: []BulkError{}}
	for i, item := range items {
		scoped, err := BuildTenantJobName(t.tenantID, item.Name)
		if err != nil {
			result.Errors = append(result.Errors, BulkError{Index: i, Message: err.Error()})
			continue
		}
		id, err := t.svc.add(ctx, scoped, item.Payload, item.Opts)
		if err != nil {
			result.Errors = append(result.Errors, BulkError{Index: i, Message: err.Error()})
			continue
		}
		result.Added++
		result.JobIDs = append(result.JobIDs, id)
	}
	return result, nil
}

// GetJobs lists only this tenant's jobs. A name filter applies to the
// unscoped name.
func (t *TenantQueue) GetJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	scopedFilter := filter
	scopedFilter.Name = ""
	scopedFilter.Start = 0
	scopedFilter.End = 0

	jobs, err := t.svc.GetJobs(ctx, scopedFilter)
	if err != nil {
		return nil, err
	}

	prefix := tenantPrefix + t.tenantID + ":"
	scoped := make([]*Job, 0, len(jobs))
	for _, job := range jobs {
		if !strings.HasPrefix(job.Name, prefix) {
			continue
		}
		if filter.Name != "" && ExtractJobName(job.Name) != filter.Name {
			continue
		}
		scoped = append(scoped, job)
	}

	end := filter.End
	if end <= 0 {
		end = len(scoped)
	}
	return Paginate(scoped, filter.Start, end), nil
}

// GetJobCounts counts only this tenant's jobs.
func (t *TenantQueue) GetJobCounts(ctx context.Context) (*QueueStats, error) {
	jobs, err := t.GetJobs(ctx, JobFilter{})
	if err != nil {
		return nil, err
	}

	counts := CountByState(jobs)
	return &QueueStats{
		Waiting:   counts[StateWaiting],
		Delayed:   counts[StateDelayed],
		Active:    counts[StateActive],
		Completed: counts[StateCompleted],
		Failed:    counts[StateFailed],
		Paused:    counts[StatePaused],
		Total:     int64(len(jobs)),
	}, nil
}
