package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoProcessor(ctx context.Context, job *Job) (json.RawMessage, error) {
	return job.Payload, nil
}

func newTestWorker(t *testing.T, processor Processor, cfg WorkerConfig) *Worker {
	t.Helper()
	if processor == nil {
		processor = echoProcessor
	}
	worker, err := NewWorker("analysis", processor, cfg)
	require.NoError(t, err)
	return worker
}

func activeJob(t *testing.T, name string, opts *JobOptions) *Job {
	t.Helper()
	job, err := NewJob(name, map[string]int{"n": 1}, opts, DefaultJobOptions())
	require.NoError(t, err)
	job.MarkActive()
	return job
}

func TestNewWorkerValidation(t *testing.T) {
	_, err := NewWorker("", echoProcessor, WorkerConfig{})
	assert.Error(t, err)

	_, err = NewWorker("q", nil, WorkerConfig{})
	assert.Error(t, err)

	_, err = NewWorker("q", echoProcessor, WorkerConfig{RateLimit: &RateLimit{Max: 0, Duration: time.Second}})
	assert.Error(t, err)

	w, err := NewWorker("q", echoProcessor, WorkerConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, w.Concurrency())
	assert.Equal(t, WorkerStatusClosed, w.Status())
	assert.NotEmpty(t, w.ID())
}

func TestWorkerStartRequiresDriver(t *testing.T) {
	w := newTestWorker(t, nil, WorkerConfig{})
	err := w.Start()
	require.Error(t, err)
	assert.Equal(t, WorkerStatusClosed, w.Status())
}

func TestWorkerLifecycle(t *testing.T) {
	w := newTestWorker(t, nil, WorkerConfig{})
	w.SetBrokerWorker(NewBrokerWorker(NewMemoryBroker(), w))

	require.NoError(t, w.Start())
	assert.Equal(t, WorkerStatusRunning, w.Status())

	// Start is idempotent while running.
	require.NoError(t, w.Start())

	require.NoError(t, w.Pause(true))
	assert.Equal(t, WorkerStatusPaused, w.Status())

	// Pausing twice fails: not running.
	assert.Error(t, w.Pause(true))

	require.NoError(t, w.Resume())
	assert.Equal(t, WorkerStatusRunning, w.Status())
	assert.Error(t, w.Resume())

	require.NoError(t, w.Stop(false))
	assert.Equal(t, WorkerStatusClosed, w.Status())

	// Stop is idempotent once closed.
	require.NoError(t, w.Stop(false))
}

func TestWorkerEmitsLifecycleEvents(t *testing.T) {
	w := newTestWorker(t, nil, WorkerConfig{})
	w.SetBrokerWorker(NewBrokerWorker(NewMemoryBroker(), w))

	var mu sync.Mutex
	var events []EventType
	record := func(e Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	}
	w.On(EventResumed, record)
	w.On(EventPaused, record)

	require.NoError(t, w.Start())
	require.NoError(t, w.Pause(true))
	require.NoError(t, w.Resume())
	require.NoError(t, w.Stop(false))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventResumed, EventPaused, EventResumed}, events)
}

func TestProcessJobSuccess(t *testing.T) {
	w := newTestWorker(t, nil, WorkerConfig{})

	var mu sync.Mutex
	var order []EventType
	for _, e := range []EventType{EventActive, EventCompleted, EventFailed} {
		w.On(e, func(e Event) {
			mu.Lock()
			order = append(order, e.Type)
			mu.Unlock()
		})
	}

	job := activeJob(t, "ok", nil)
	result, err := w.ProcessJob(context.Background(), job)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(result))

	stats := w.GetStats()
	assert.Equal(t, int64(1), stats.TotalProcessed)
	assert.Equal(t, int64(0), stats.TotalFailed)
	assert.Equal(t, 0, stats.ActiveJobs)
	require.NotNil(t, stats.LastActivityAt)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventActive, EventCompleted}, order)
}

func TestProcessJobFailure(t *testing.T) {
	boom := errors.New("boom")
	w := newTestWorker(t, func(ctx context.Context, job *Job) (json.RawMessage, error) {
		return nil, boom
	}, WorkerConfig{})

	var failedPayload map[string]interface{}
	w.On(EventFailed, func(e Event) { failedPayload = e.Data })

	_, err := w.ProcessJob(context.Background(), activeJob(t, "bad", nil))
	require.ErrorIs(t, err, boom)

	stats := w.GetStats()
	assert.Equal(t, int64(0), stats.TotalProcessed)
	assert.Equal(t, int64(1), stats.TotalFailed)
	assert.Equal(t, "boom", failedPayload["error"])
}

func TestProcessJobPanicBecomesFailure(t *testing.T) {
	w := newTestWorker(t, func(ctx context.Context, job *Job) (json.RawMessage, error) {
		panic("processor bug")
	}, WorkerConfig{})

	_, err := w.ProcessJob(context.Background(), activeJob(t, "panics", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, int64(1), w.GetStats().TotalFailed)
}

func TestProcessJobTimeout(t *testing.T) {
	w := newTestWorker(t, func(ctx context.Context, job *Job) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	}, WorkerConfig{})

	job := activeJob(t, "slow", &JobOptions{Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := w.ProcessJob(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestProcessJobTimeoutIgnoringProcessor(t *testing.T) {
	// The deadline holds even when the processor never observes ctx.
	w := newTestWorker(t, func(ctx context.Context, job *Job) (json.RawMessage, error) {
		time.Sleep(3 * time.Second)
		return nil, nil
	}, WorkerConfig{})

	job := activeJob(t, "stubborn", &JobOptions{Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := w.ProcessJob(context.Background(), job)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWorkerRollingStats(t *testing.T) {
	w := newTestWorker(t, nil, WorkerConfig{})

	assert.Equal(t, int64(0), w.GetStats().AvgProcessingTime)

	for i := 0; i < 5; i++ {
		_, err := w.ProcessJob(context.Background(), activeJob(t, "x", nil))
		require.NoError(t, err)
	}

	stats := w.GetStats()
	assert.Equal(t, int64(5), stats.TotalProcessed)
	assert.GreaterOrEqual(t, stats.AvgProcessingTime, int64(0))
	assert.GreaterOrEqual(t, stats.JobsPerSecond, 0.0)
}

func TestRollingWindowMean(t *testing.T) {
	w := newRollingWindow(3)
	assert.Equal(t, int64(0), w.mean())

	w.push(10 * time.Millisecond)
	w.push(20 * time.Millisecond)
	assert.Equal(t, int64(15), w.mean())

	w.push(30 * time.Millisecond)
	assert.Equal(t, int64(20), w.mean())

	// FIFO eviction: the 10ms sample drops out.
	w.push(40 * time.Millisecond)
	assert.Equal(t, int64(30), w.mean())
}

func TestRateLimiter(t *testing.T) {
	r := newRateLimiter(RateLimit{Max: 2, Duration: 100 * time.Millisecond})

	assert.True(t, r.reserve())
	assert.True(t, r.reserve())
	assert.False(t, r.reserve())

	// After the window slides the budget returns.
	time.Sleep(150 * time.Millisecond)
	assert.True(t, r.reserve())
}

func TestWorkerReserveClaim(t *testing.T) {
	unlimited := newTestWorker(t, nil, WorkerConfig{})
	for i := 0; i < 100; i++ {
		assert.True(t, unlimited.ReserveClaim())
	}

	limited := newTestWorker(t, nil, WorkerConfig{RateLimit: &RateLimit{Max: 1, Duration: time.Minute}})
	assert.True(t, limited.ReserveClaim())
	assert.False(t, limited.ReserveClaim())
}

func TestWorkerConcurrentProcessing(t *testing.T) {
	w := newTestWorker(t, func(ctx context.Context, job *Job) (json.RawMessage, error) {
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}, WorkerConfig{Concurrency: 4})

	jobs := make([]*Job, 20)
	for i := range jobs {
		jobs[i] = activeJob(t, "c", nil)
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job *Job) {
			defer wg.Done()
			_, err := w.ProcessJob(context.Background(), job)
			assert.NoError(t, err)
		}(job)
	}
	wg.Wait()

	stats := w.GetStats()
	assert.Equal(t, int64(20), stats.TotalProcessed)
	assert.Equal(t, 0, stats.ActiveJobs)
}
