package queue

import (
	"context"
	"sync"
	"time"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	claimErrorBackoff   = time.Second
)

// brokerWorker drives a Worker against a Broker: it claims ready jobs, feeds
// them to the worker up to its concurrency, and applies the per-job retry
// policy on failure. One driver serves one worker.
type brokerWorker struct {
	broker       Broker
	worker       *Worker
	pollInterval time.Duration

	mu      sync.Mutex
	running bool
	paused  bool
	closed  bool
	cancel  context.CancelFunc

	wg  sync.WaitGroup
	sem chan struct{}
}

// NewBrokerWorker builds the broker-side driver for a worker. The caller
// injects it with Worker.SetBrokerWorker before starting the worker.
func NewBrokerWorker(broker Broker, worker *Worker) BrokerWorker {
	return &brokerWorker{
		broker:       broker,
		worker:       worker,
		pollInterval: defaultPollInterval,
		sem:          make(chan struct{}, worker.Concurrency()),
	}
}

// Run executes the claim loop until the driver is closed or the context is
// cancelled.
func (d *brokerWorker) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel()
		return
	}
	d.running = true
	d.cancel = cancel
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	for {
		select {
		case <-runCtx.Done():
			return
		default:
		}

		if d.IsPaused() || d.worker.Status() != WorkerStatusRunning {
			d.sleep(runCtx, d.pollInterval)
			continue
		}

		if !d.worker.ReserveClaim() {
			d.sleep(runCtx, d.pollInterval)
			continue
		}

		select {
		case d.sem <- struct{}{}:
		case <-runCtx.Done():
			return
		}

		job, err := d.broker.Claim(runCtx)
		if err != nil {
			<-d.sem
			d.sleep(runCtx, claimErrorBackoff)
			continue
		}
		if job == nil {
			<-d.sem
			d.sleep(runCtx, d.pollInterval)
			continue
		}

		d.wg.Add(1)
		go func(job *Job) {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			d.process(runCtx, job)
		}(job)
	}
}

// process runs one claimed job through the worker and persists the outcome.
func (d *brokerWorker) process(ctx context.Context, job *Job) {
	result, err := d.worker.ProcessJob(ctx, job)
	if err == nil {
		job.MarkCompleted(result)
		_ = d.broker.Update(ctx, job)
		if p := job.Opts.RemoveOnComplete; p != nil && p.Remove && p.Count == 0 {
			_, _ = d.broker.Remove(ctx, job.ID)
		}
		return
	}

	if ShouldRetry(job.AttemptsMade, job.Opts.Attempts) {
		backoff := ComputeBackoffDelay(job.Opts.Backoff, job.AttemptsMade)
		next := time.Now().UTC().Add(backoff)
		job.NextAttemptAt = &next
		if backoff > 0 {
			job.State = StateDelayed
		} else {
			job.State = StateWaiting
		}
		job.StartedAt = nil
		_ = d.broker.Update(ctx, job)
		return
	}

	job.MarkFailed(err.Error(), []string{err.Error()})
	_ = d.broker.Update(ctx, job)
	if p := job.Opts.RemoveOnFail; p != nil && p.Remove && p.Count == 0 {
		_, _ = d.broker.Remove(ctx, job.ID)
	}
}

// Pause stops claiming. Unless doNotWaitActive is set, in-flight jobs are
// allowed to finish before Pause returns.
func (d *brokerWorker) Pause(doNotWaitActive bool) {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()

	if !doNotWaitActive {
		d.wg.Wait()
	}
}

// Resume restarts claiming.
func (d *brokerWorker) Resume() {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
}

// Close stops the driver. A graceful close waits for in-flight jobs; force
// abandons them.
func (d *brokerWorker) Close(force bool) error {
	d.mu.Lock()
	d.closed = true
	d.paused = true
	cancel := d.cancel
	d.mu.Unlock()

	if !force {
		d.wg.Wait()
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// IsRunning reports whether the claim loop is live.
func (d *brokerWorker) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// IsPaused reports whether claiming is paused.
func (d *brokerWorker) IsPaused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// sleep waits for the interval or context cancellation, whichever first.
func (d *brokerWorker) sleep(ctx context.Context, interval time.Duration) {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
