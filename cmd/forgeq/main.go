package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forgeq/forgeq-go/internal/config"
	"github.com/forgeq/forgeq-go/internal/database"
	"github.com/forgeq/forgeq-go/internal/logger"
	"github.com/forgeq/forgeq-go/internal/queue"
	"github.com/forgeq/forgeq-go/internal/redis"
	"github.com/forgeq/forgeq-go/internal/server"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	// Initialize logger
	appLog := logger.New(cfg.LogLevel)
	appLog.Infow("Starting ForgeQ", "version", cfg.AppVersion, "queue", cfg.Queue.Name)

	// Connect to the schedule database
	db, err := database.Connect(cfg)
	if err != nil {
		appLog.Fatal("Failed to connect to database", "error", err)
	}
	if err := database.Migrate(db); err != nil {
		appLog.Fatal("Failed to run migrations", "error", err)
	}

	// Connect to Redis unless running in-memory
	var rdb *redis.Client
	var broker queue.Broker
	if !cfg.Queue.InMemory {
		rdb, err = redis.Connect(cfg)
		if err != nil {
			appLog.Fatal("Failed to connect to Redis", "error", err)
		}
		broker = queue.NewRedisBroker(rdb, cfg.Queue.RedisPrefix, cfg.Queue.Name)
	}

	// Assemble the queue system
	sysCfg := queue.DefaultSystemConfig()
	sysCfg.Name = cfg.Queue.Name
	sysCfg.DefaultJobOptions = queue.JobOptions{
		Attempts: cfg.Queue.DefaultAttempts,
		Timeout:  cfg.Queue.DefaultTimeout,
		Backoff: &queue.BackoffOptions{
			Kind:  queue.BackoffExponential,
			Delay: cfg.Queue.DefaultBackoff,
		},
	}
	sysCfg.Cleanup = queue.CleanupOptions{
		CompletedAge: cfg.Queue.CleanCompleted,
		FailedAge:    cfg.Queue.CleanFailed,
	}
	sysCfg.WorkerPoolSize = cfg.Queue.WorkerPoolSize
	sysCfg.Concurrency = cfg.Queue.Concurrency
	sysCfg.SchedulerTick = cfg.Queue.SchedulerTick
	sysCfg.ShutdownTimeout = cfg.Queue.ShutdownTimeout

	system, err := queue.NewSystem(sysCfg, broker, appLog)
	if err != nil {
		appLog.Fatal("Failed to create queue system", "error", err)
	}
	registerBuiltinHandlers(system, appLog)

	ctx := context.Background()
	if err := system.Start(ctx); err != nil {
		appLog.Fatal("Failed to start queue system", "error", err)
	}

	// Re-materialise persisted schedule definitions
	store := database.NewScheduleStore(db)
	if defs, err := store.List(cfg.Queue.Name); err != nil {
		appLog.Errorw("Failed to load schedule definitions", "error", err)
	} else {
		for _, def := range defs {
			if _, err := system.Service.AddSchedule(def); err != nil {
				appLog.Errorw("Failed to restore schedule", "schedule", def.Name, "error", err)
			}
		}
		appLog.Infow("Restored schedules", "count", len(defs))
	}

	// Create server
	srv := server.New(cfg, system, db, rdb, appLog)

	httpServer := &http.Server{
		Addr:           fmt.Sprintf(":%s", cfg.AppPort),
		Handler:        srv.Router,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Fatal("Failed to start server", "error", err)
		}
	}()

	appLog.Infow("Server started", "port", cfg.AppPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Infow("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.ShutdownTimeout+10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLog.Errorw("HTTP server forced to shutdown", "error", err)
	}
	srv.Stop()

	if err := system.Stop(shutdownCtx); err != nil {
		appLog.Errorw("Queue system shutdown failed", "error", err)
	}

	appLog.Infow("Server exited")
}

// registerBuiltinHandlers wires the handlers this deployment processes.
// Deployments embed forgeq as a library and register their own.
func registerBuiltinHandlers(system *queue.System, appLog *logger.Logger) {
	// echo returns its payload; useful for smoke tests and latency probes.
	_ = system.RegisterHandler("echo", func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		return job.Payload, nil
	})

	// sleep pauses for {"duration_ms": N} to exercise timeouts and drains.
	_ = system.RegisterHandler("sleep", func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		var payload struct {
			DurationMs int64 `json:"duration_ms"`
		}
		if job.Payload != nil {
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return nil, fmt.Errorf("invalid sleep payload: %w", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(payload.DurationMs) * time.Millisecond):
		}
		return json.RawMessage(`{"slept_ms":` + fmt.Sprint(payload.DurationMs) + `}`), nil
	})

	appLog.Debugw("registered builtin handlers", "handlers", []string{"echo", "sleep"})
}
