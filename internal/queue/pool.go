package queue

import (
	"fmt"
	"sync"
)

// PoolStats summarises a worker pool.
type PoolStats struct {
	QueueName   string        `json:"queue_name"`
	Size        int           `json:"size"`
	Running     int           `json:"running"`
	Paused      int           `json:"paused"`
	WorkerStats []WorkerStats `json:"worker_stats"`
}

// AggregatedStats sums the pool's counters across workers.
type AggregatedStats struct {
	QueueName         string  `json:"queue_name"`
	Workers           int     `json:"workers"`
	RunningWorkers    int     `json:"running_workers"`
	ActiveJobs        int     `json:"active_jobs"`
	TotalProcessed    int64   `json:"total_processed"`
	TotalFailed       int64   `json:"total_failed"`
	AvgProcessingTime int64   `json:"avg_processing_time_ms"`
	JobsPerSecond     float64 `json:"jobs_per_second"`
}

// workerFactory builds one pool worker, wired to the pool's queue, processor,
// and broker. Injected by the queue service.
type workerFactory func(id string) (*Worker, error)

// WorkerPool manages a set of workers bound to the same queue and processor.
type WorkerPool struct {
	queueName string
	factory   workerFactory

	mu      sync.RWMutex
	workers map[string]*Worker
	nextSeq int
}

// NewWorkerPool creates an empty pool. Workers are added with Add/ScaleTo.
func NewWorkerPool(queueName string, factory workerFactory) *WorkerPool {
	return &WorkerPool{
		queueName: queueName,
		factory:   factory,
		workers:   make(map[string]*Worker),
	}
}

// Add creates a new pool worker. An empty id is assigned sequentially.
func (p *WorkerPool) Add(id string) (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id == "" {
		p.nextSeq++
		id = fmt.Sprintf("%s-pool-%d", p.queueName, p.nextSeq)
	}
	if _, exists := p.workers[id]; exists {
		return nil, NewValidationErrorf("pool already has worker %q", id)
	}

	worker, err := p.factory(id)
	if err != nil {
		return nil, err
	}
	p.workers[id] = worker
	return worker, nil
}

// Remove stops and drops a worker from the pool.
func (p *WorkerPool) Remove(id string, force bool) error {
	p.mu.Lock()
	worker, exists := p.workers[id]
	if !exists {
		p.mu.Unlock()
		return NewQueueErrorf("pool has no worker %q", id)
	}
	delete(p.workers, id)
	p.mu.Unlock()

	return worker.Stop(force)
}

// Get returns the worker by id, or nil.
func (p *WorkerPool) Get(id string) *Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.workers[id]
}

// GetAll returns the pool's workers.
func (p *WorkerPool) GetAll() []*Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w)
	}
	return out
}

// Size returns the number of workers in the pool.
func (p *WorkerPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// StartAll starts every worker, stopping the ones already started if any
// later start fails.
func (p *WorkerPool) StartAll() error {
	var started []*Worker
	for _, w := range p.GetAll() {
		wasRunning := w.Status() == WorkerStatusRunning
		if err := w.Start(); err != nil {
			for _, s := range started {
				_ = s.Stop(false)
			}
			return err
		}
		if !wasRunning {
			started = append(started, w)
		}
	}
	return nil
}

// PauseAll pauses every running worker.
func (p *WorkerPool) PauseAll(waitForActive bool) {
	for _, w := range p.GetAll() {
		if w.Status() == WorkerStatusRunning {
			_ = w.Pause(waitForActive)
		}
	}
}

// ResumeAll resumes every paused worker.
func (p *WorkerPool) ResumeAll() {
	for _, w := range p.GetAll() {
		if w.Status() == WorkerStatusPaused {
			_ = w.Resume()
		}
	}
}

// StopAll stops every worker, collecting the first error.
func (p *WorkerPool) StopAll(force bool) error {
	var firstErr error
	for _, w := range p.GetAll() {
		if err := w.Stop(force); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ScaleTo grows or shrinks the pool to n workers. New workers are started
// when any existing worker is running; removed workers are stopped
// gracefully.
func (p *WorkerPool) ScaleTo(n int) error {
	if n < 0 {
		return NewValidationError("pool size must not be negative")
	}

	p.mu.RLock()
	current := len(p.workers)
	anyRunning := false
	var victims []string
	for id, w := range p.workers {
		if w.Status() == WorkerStatusRunning {
			anyRunning = true
		}
		victims = append(victims, id)
	}
	p.mu.RUnlock()

	for current < n {
		worker, err := p.Add("")
		if err != nil {
			return err
		}
		if anyRunning {
			if err := worker.Start(); err != nil {
				return err
			}
		}
		current++
	}

	for i := 0; current > n && i < len(victims); i++ {
		if err := p.Remove(victims[i], false); err != nil {
			return err
		}
		current--
	}
	return nil
}

// GetPoolStats returns per-worker snapshots plus running/paused counts.
func (p *WorkerPool) GetPoolStats() PoolStats {
	workers := p.GetAll()
	stats := PoolStats{
		QueueName:   p.queueName,
		Size:        len(workers),
		WorkerStats: make([]WorkerStats, 0, len(workers)),
	}
	for _, w := range workers {
		ws := w.GetStats()
		stats.WorkerStats = append(stats.WorkerStats, ws)
		switch ws.Status {
		case WorkerStatusRunning:
			stats.Running++
		case WorkerStatusPaused:
			stats.Paused++
		}
	}
	return stats
}

// GetAggregatedStats sums processed/failed counts, counts running workers,
// and averages the per-worker mean processing times.
func (p *WorkerPool) GetAggregatedStats() AggregatedStats {
	workers := p.GetAll()
	agg := AggregatedStats{
		QueueName: p.queueName,
		Workers:   len(workers),
	}

	var avgSum int64
	var withWindow int64
	for _, w := range workers {
		ws := w.GetStats()
		if ws.Status == WorkerStatusRunning {
			agg.RunningWorkers++
		}
		agg.ActiveJobs += ws.ActiveJobs
		agg.TotalProcessed += ws.TotalProcessed
		agg.TotalFailed += ws.TotalFailed
		agg.JobsPerSecond += ws.JobsPerSecond
		if ws.AvgProcessingTime > 0 {
			avgSum += ws.AvgProcessingTime
			withWindow++
		}
	}
	if withWindow > 0 {
		agg.AvgProcessingTime = avgSum / withWindow
	}
	return agg
}
