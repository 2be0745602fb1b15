package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeq/forgeq-go/internal/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc := NewService(ServiceConfig{Name: "analysis"}, nil, logger.NewNop())
	require.NoError(t, svc.Initialize(context.Background()))
	return svc
}

func TestServiceInitialize(t *testing.T) {
	svc := NewService(ServiceConfig{Name: "analysis"}, nil, logger.NewNop())
	assert.Equal(t, ServiceUninitialised, svc.State())

	ready := false
	svc.On(EventReady, func(Event) { ready = true })

	require.NoError(t, svc.Initialize(context.Background()))
	assert.Equal(t, ServiceInitialised, svc.State())
	assert.True(t, ready)

	// Idempotent.
	require.NoError(t, svc.Initialize(context.Background()))
}

func TestServiceGuardsUninitialised(t *testing.T) {
	svc := NewService(ServiceConfig{Name: "analysis"}, nil, logger.NewNop())
	ctx := context.Background()

	_, err := svc.Add(ctx, "x", nil, nil)
	assert.True(t, IsQueueError(err))

	_, err = svc.GetJobCounts(ctx)
	assert.Error(t, err)

	_, err = svc.GetSchedules()
	assert.Error(t, err)
}

func TestServiceSingleJobHappyPath(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	var mu sync.Mutex
	var events []EventType
	for _, e := range []EventType{EventWaiting, EventActive, EventCompleted, EventFailed} {
		svc.On(e, func(e Event) {
			mu.Lock()
			events = append(events, e.Type)
			mu.Unlock()
		})
	}

	id, err := svc.Add(ctx, "analyse-repo", map[string]string{"repo": "r1"}, &JobOptions{Attempts: 2})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	stats, err := svc.GetJobCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, &QueueStats{Waiting: 1, Total: 1}, stats)

	require.NoError(t, svc.ProcessJob(ctx, id, json.RawMessage(`{"score":72}`)))

	job, err := svc.GetJob(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, StateCompleted, job.State)
	assert.JSONEq(t, `{"score":72}`, string(job.ReturnValue))

	stats, err = svc.GetJobCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Waiting)
	assert.Equal(t, int64(1), stats.Total)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventWaiting, EventCompleted}, events)
}

func TestServiceFailAndRetryJob(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id, err := svc.Add(ctx, "x", map[string]int{"v": 1}, &JobOptions{Attempts: 2, Priority: 4})
	require.NoError(t, err)

	// Retrying a non-failed job is a state error.
	_, err = svc.RetryJob(ctx, id)
	require.Error(t, err)

	require.NoError(t, svc.FailJob(ctx, id, errors.New("broke")))

	job, err := svc.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, "broke", job.FailedReason)
	assert.NotEmpty(t, job.Stacktrace)

	newID, err := svc.RetryJob(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	retried, err := svc.GetJob(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, "x", retried.Name)
	assert.Equal(t, StateWaiting, retried.State)
	assert.Equal(t, 4, retried.Opts.Priority)
	assert.JSONEq(t, `{"v":1}`, string(retried.Payload))
	assert.Equal(t, 0, retried.AttemptsMade)

	// The original stays failed.
	original, err := svc.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, original.State)
}

func TestServiceProcessUnknownJob(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	assert.Error(t, svc.ProcessJob(ctx, "nope", nil))
	assert.Error(t, svc.FailJob(ctx, "nope", errors.New("x")))
	_, err := svc.RetryJob(ctx, "nope")
	assert.Error(t, err)
}

func TestServiceAddValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Add(ctx, "bad name", nil, nil)
	assert.Error(t, err)

	_, err = svc.Add(ctx, "x", make(chan int), nil)
	assert.Error(t, err)

	_, err = svc.Add(ctx, "x", nil, &JobOptions{Attempts: -1})
	assert.Error(t, err)
}

func TestServiceAddBulkBestEffort(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	result, err := svc.AddBulk(ctx, []BulkItem{
		{Name: "ok-1"},
		{Name: "bad name"},
		{Name: "ok-2"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Added)
	assert.Len(t, result.JobIDs, 2)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 1, result.Errors[0].Index)

	stats, err := svc.GetJobCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, 2, stats.Waiting)
}

func TestServiceAddBulkEmpty(t *testing.T) {
	svc := newTestService(t)

	result, err := svc.AddBulk(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, &BulkResult{Added: 0, JobIDs: []string{}, Errors: []BulkError{}}, result)
}

func TestServiceGetJobsFiltering(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := svc.Add(ctx, "report", nil, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	otherID, err := svc.Add(ctx, "ingest", nil, nil)
	require.NoError(t, err)
	require.NoError(t, svc.ProcessJob(ctx, ids[0], nil))

	byName, err := svc.GetJobs(ctx, JobFilter{Name: "report"})
	require.NoError(t, err)
	assert.Len(t, byName, 3)

	waiting, err := svc.GetJobs(ctx, JobFilter{States: []JobState{StateWaiting}})
	require.NoError(t, err)
	assert.Len(t, waiting, 3)

	completed, err := svc.GetJobs(ctx, JobFilter{States: []JobState{StateCompleted}})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, ids[0], completed[0].ID)

	paged, err := svc.GetJobs(ctx, JobFilter{Start: 0, End: 2})
	require.NoError(t, err)
	assert.Len(t, paged, 2)

	all, err := svc.GetJobs(ctx, JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
	_ = otherID
}

func TestServiceRemoveJob(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id, err := svc.Add(ctx, "x", nil, nil)
	require.NoError(t, err)

	removed, err := svc.RemoveJob(ctx, id)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = svc.RemoveJob(ctx, id)
	require.NoError(t, err)
	assert.False(t, removed)

	job, err := svc.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestServiceUpdateProgress(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id, err := svc.Add(ctx, "x", nil, nil)
	require.NoError(t, err)

	var got int
	svc.On(EventProgress, func(e Event) { got = e.Data["progress"].(int) })

	require.NoError(t, svc.UpdateProgress(ctx, id, 150))
	assert.Equal(t, 100, got)

	job, err := svc.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 100, job.Progress)

	require.NoError(t, svc.UpdateProgress(ctx, id, -20))
	job, _ = svc.GetJob(ctx, id)
	assert.Equal(t, 0, job.Progress)

	// Unknown ids are silently ignored.
	require.NoError(t, svc.UpdateProgress(ctx, "unknown", 50))
}

func TestServicePauseResumeDrain(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	var mu sync.Mutex
	var events []EventType
	for _, e := range []EventType{EventPaused, EventResumed, EventDrained} {
		svc.On(e, func(e Event) {
			mu.Lock()
			events = append(events, e.Type)
			mu.Unlock()
		})
	}

	for i := 0; i < 3; i++ {
		_, err := svc.Add(ctx, "w", nil, nil)
		require.NoError(t, err)
	}

	require.NoError(t, svc.Pause(ctx))
	require.NoError(t, svc.Resume(ctx))

	removed, err := svc.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	stats, err := svc.GetJobCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Waiting)
	// The cumulative total is monotonic and survives the drain.
	assert.Equal(t, int64(3), stats.Total)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventPaused, EventResumed, EventDrained}, events)
}

func TestServiceClean(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Clean on an empty queue removes nothing.
	removed, err := svc.Clean(ctx, CleanupOptions{CompletedAge: time.Hour, FailedAge: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	id, err := svc.Add(ctx, "x", nil, nil)
	require.NoError(t, err)
	require.NoError(t, svc.ProcessJob(ctx, id, nil))

	// Back-date the completion so the age threshold catches it.
	job, err := svc.GetJob(ctx, id)
	require.NoError(t, err)
	old := time.Now().UTC().Add(-2 * time.Hour)
	job.FinishedAt = &old
	require.NoError(t, svc.broker.Update(ctx, job))

	cleaned := false
	svc.On(EventCleaned, func(Event) { cleaned = true })

	removed, err = svc.Clean(ctx, CleanupOptions{CompletedAge: time.Hour, FailedAge: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.True(t, cleaned)

	gone, err := svc.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestServiceCleanupDefaultsExposed(t *testing.T) {
	svc := NewService(ServiceConfig{Name: "x"}, nil, logger.NewNop())
	assert.Equal(t, DefaultCleanCompletedCount, svc.cfg.Cleanup.CompletedCount)
	assert.Equal(t, DefaultCleanFailedCount, svc.cfg.Cleanup.FailedCount)
}

func TestServiceHealthCheck(t *testing.T) {
	svc := NewService(ServiceConfig{Name: "x"}, nil, logger.NewNop())

	// Never throws, even uninitialised.
	status := svc.HealthCheck(context.Background())
	assert.False(t, status.Healthy)
	assert.NotEmpty(t, status.Error)

	require.NoError(t, svc.Initialize(context.Background()))
	status = svc.HealthCheck(context.Background())
	assert.True(t, status.Healthy)
	assert.Empty(t, status.Error)
}

func TestServiceSchedules(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.AddSchedule(ScheduleConfig{Name: "nightly", Pattern: PatternDailyMidnight})
	require.NoError(t, err)

	schedules, err := svc.GetSchedules()
	require.NoError(t, err)
	assert.Len(t, schedules, 1)

	removed, err := svc.RemoveSchedule("nightly")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = svc.RemoveSchedule("nightly")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestServiceProcessDueSchedules(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddSchedule(ScheduleConfig{
		Name:    "tick",
		Pattern: "every 1h",
		Data:    json.RawMessage(`{"kind":"report"}`),
	})
	require.NoError(t, err)

	// Nothing due yet.
	admitted, err := svc.ProcessDueSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, admitted)

	// Force the schedule due.
	sched, err := svc.Scheduler()
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	sched.mu.Lock()
	sched.schedules["tick"].NextRunAt = &past
	sched.mu.Unlock()

	admitted, err = svc.ProcessDueSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, admitted)

	jobs, err := svc.GetJobs(ctx, JobFilter{Name: "tick"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.JSONEq(t, `{"kind":"report"}`, string(jobs[0].Payload))

	restored := sched.Get("tick")
	assert.Equal(t, 1, restored.ExecutionCount)
	assert.True(t, restored.NextRunAt.After(time.Now().UTC().Add(55*time.Minute)))
}

func TestServiceShutdownIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Add(ctx, "x", nil, nil)
	require.NoError(t, err)

	require.NoError(t, svc.Shutdown(ctx, ShutdownOptions{Timeout: time.Second}))
	assert.Equal(t, ServiceUninitialised, svc.State())

	// Second shutdown is a no-op.
	require.NoError(t, svc.Shutdown(ctx, ShutdownOptions{Timeout: time.Second}))

	// Initialise while uninitialised works again.
	require.NoError(t, svc.Initialize(ctx))
}

func TestServiceGracefulShutdownUnderLoad(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	var completed atomic.Int64
	worker, err := svc.CreateWorker(func(ctx context.Context, job *Job) (json.RawMessage, error) {
		time.Sleep(50 * time.Millisecond)
		completed.Add(1)
		return nil, nil
	}, WorkerConfig{Concurrency: 2})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := svc.Add(ctx, "load", nil, nil)
		require.NoError(t, err)
	}

	require.NoError(t, worker.Start())

	// Let the two concurrent slots pick up work.
	waitUntil(t, 5*time.Second, func() bool { return completed.Load() >= 2 })

	require.NoError(t, svc.Shutdown(ctx, ShutdownOptions{
		Timeout:           5 * time.Second,
		ForceAfterTimeout: true,
		Drain:             false,
	}))

	assert.Equal(t, ServiceUninitialised, svc.State())
	assert.Equal(t, WorkerStatusClosed, worker.Status())
	// In-flight jobs were allowed to finish; nothing was abandoned mid-run.
	assert.GreaterOrEqual(t, completed.Load(), int64(2))
}

func TestServiceWorkerEventsMirrored(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []EventType
	for _, e := range []EventType{EventActive, EventCompleted} {
		svc.On(e, func(e Event) {
			mu.Lock()
			seen = append(seen, e.Type)
			mu.Unlock()
		})
	}

	worker, err := svc.CreateWorker(echoProcessor, WorkerConfig{})
	require.NoError(t, err)

	id, err := svc.Add(ctx, "mirror", nil, nil)
	require.NoError(t, err)

	require.NoError(t, worker.Start())
	defer svc.Shutdown(ctx, ShutdownOptions{Timeout: time.Second, ForceAfterTimeout: true})

	waitUntil(t, 5*time.Second, func() bool {
		job, err := svc.GetJob(ctx, id)
		require.NoError(t, err)
		return job != nil && job.State == StateCompleted
	})

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 2)
	assert.Equal(t, EventActive, seen[0])
	assert.Contains(t, seen, EventCompleted)
}

func TestTenantIsolation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	t1, err := svc.ForTenant(TenantContext{TenantID: "t1"})
	require.NoError(t, err)
	t2, err := svc.ForTenant(TenantContext{TenantID: "t2"})
	require.NoError(t, err)

	id, err := t1.Add(ctx, "ingest", map[string]string{"f": "a"}, nil)
	require.NoError(t, err)

	job, err := svc.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "tenant:t1:ingest", job.Name)

	t1Jobs, err := t1.GetJobs(ctx, JobFilter{})
	require.NoError(t, err)
	assert.Len(t, t1Jobs, 1)

	t2Jobs, err := t2.GetJobs(ctx, JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, t2Jobs)

	// The service-level view reports the namespaced job.
	stats, err := svc.GetJobCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)

	t1Counts, err := t1.GetJobCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, t1Counts.Waiting)
}

func TestTenantNameFilterUsesUnscopedName(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	view, err := svc.ForTenant(TenantContext{TenantID: "acme"})
	require.NoError(t, err)

	_, err = view.Add(ctx, "ingest", nil, nil)
	require.NoError(t, err)
	_, err = view.Add(ctx, "report", nil, nil)
	require.NoError(t, err)

	jobs, err := view.GetJobs(ctx, JobFilter{Name: "ingest"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "tenant:acme:ingest", jobs[0].Name)
}

func TestForTenantRejectsBadIDs(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.ForTenant(TenantContext{TenantID: ""})
	assert.Error(t, err)

	_, err = svc.ForTenant(TenantContext{TenantID: "a:b"})
	assert.Error(t, err)
}

func TestTenantBulk(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	view, err := svc.ForTenant(TenantContext{TenantID: "t9"})
	require.NoError(t, err)

	result, err := view.AddBulk(ctx, []BulkItem{
		{Name: "a"},
		{Name: "bad name"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)
	assert.Len(t, result.Errors, 1)
}

func TestDefaultSingleton(t *testing.T) {
	ResetDefault()
	t.Cleanup(ResetDefault)

	first := Default(ServiceConfig{Name: "singleton"}, nil, logger.NewNop())
	second := Default(ServiceConfig{Name: "other"}, nil, logger.NewNop())
	assert.Same(t, first, second)
	assert.Equal(t, "singleton", first.Name())

	ResetDefault()
	third := Default(ServiceConfig{Name: "fresh"}, nil, logger.NewNop())
	assert.NotSame(t, first, third)
}
