package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/forgeq/forgeq-go/internal/logger"
)

// SystemConfig holds queue system configuration.
type SystemConfig struct {
	ServiceConfig
	WorkerPoolSize  int
	Concurrency     int
	SchedulerTick   time.Duration
	CleanupInterval time.Duration
	ShutdownTimeout time.Duration
}

// DefaultSystemConfig returns default queue system configuration.
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		ServiceConfig: ServiceConfig{
			Name:              "default",
			DefaultJobOptions: DefaultJobOptions(),
		},
		WorkerPoolSize:  2,
		Concurrency:     5,
		SchedulerTick:   15 * time.Second,
		CleanupInterval: time.Hour,
		ShutdownTimeout: 30 * time.Second,
	}
}

// System assembles a queue service, a worker pool dispatching to named
// handlers, and the background tickers that fire schedules and cleanup.
type System struct {
	Service *Service
	Pool    *WorkerPool

	cfg SystemConfig
	log *logger.Logger

	mu       sync.RWMutex
	handlers map[string]Processor

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystem creates and wires a queue system. A nil broker runs in-memory.
func NewSystem(cfg SystemConfig, broker Broker, log *logger.Logger) (*System, error) {
	if cfg.WorkerPoolSize < 0 {
		return nil, NewValidationError("worker pool size must not be negative")
	}
	if cfg.SchedulerTick <= 0 {
		cfg.SchedulerTick = 15 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	sys := &System{
		cfg:      cfg,
		log:      log,
		handlers: make(map[string]Processor),
	}
	sys.Service = NewService(cfg.ServiceConfig, broker, log)
	return sys, nil
}

// RegisterHandler binds a processor to a logical job name. Tenant-scoped
// submissions dispatch by their unscoped name.
func (s *System) RegisterHandler(name string, processor Processor) error {
	if err := ValidateJobName(name); err != nil {
		return err
	}
	if processor == nil {
		return NewValidationError("handler processor is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = processor
	return nil
}

// dispatch routes a claimed job to its registered handler.
func (s *System) dispatch(ctx context.Context, job *Job) (json.RawMessage, error) {
	s.mu.RLock()
	handler, ok := s.handlers[ExtractJobName(job.Name)]
	s.mu.RUnlock()

	if !ok {
		return nil, NewQueueErrorf("no handler registered for job %q", job.Name)
	}
	return handler(ctx, job)
}

// Start initialises the service, builds and starts the worker pool, and
// launches the scheduler and cleanup tickers.
func (s *System) Start(ctx context.Context) error {
	if err := s.Service.Initialize(ctx); err != nil {
		return err
	}

	pool, err := s.Service.CreateWorkerPool(s.dispatch, WorkerConfig{
		Concurrency: s.cfg.Concurrency,
	}, s.cfg.WorkerPoolSize)
	if err != nil {
		return err
	}
	s.Pool = pool

	if err := pool.StartAll(); err != nil {
		_ = pool.StopAll(true)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.runSchedulerLoop(runCtx)
	go s.runCleanupLoop(runCtx)

	if s.log != nil {
		s.log.Infow("queue system started",
			"queue", s.Service.Name(),
			"workers", s.cfg.WorkerPoolSize,
			"concurrency", s.cfg.Concurrency)
	}
	return nil
}

// Stop halts the tickers and shuts the service down gracefully.
func (s *System) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	return s.Service.Shutdown(ctx, ShutdownOptions{
		Timeout:           s.cfg.ShutdownTimeout,
		ForceAfterTimeout: true,
	})
}

// runSchedulerLoop fires due schedules on the configured tick.
func (s *System) runSchedulerLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SchedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			admitted, err := s.Service.ProcessDueSchedules(ctx)
			if err != nil {
				continue
			}
			if admitted > 0 && s.log != nil {
				s.log.Debugw("admitted scheduled jobs", "count", admitted)
			}
		}
	}
}

// runCleanupLoop removes aged-out terminal jobs on an interval.
func (s *System) runCleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.cfg.Cleanup.CompletedAge <= 0 && s.cfg.Cleanup.FailedAge <= 0 {
				continue
			}
			removed, err := s.Service.Clean(ctx, CleanupOptions{})
			if err != nil {
				continue
			}
			if removed > 0 && s.log != nil {
				s.log.Infow("cleaned terminal jobs", "removed", removed)
			}
		}
	}
}
