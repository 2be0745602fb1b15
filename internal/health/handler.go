package health

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/forgeq/forgeq-go/internal/logger"
	"github.com/forgeq/forgeq-go/internal/queue"
	"github.com/forgeq/forgeq-go/internal/redis"
)

var startTime = time.Now()

// Handler handles health check requests
type Handler struct {
	db      *gorm.DB
	rdb     *redis.Client
	service *queue.Service
	log     *logger.Logger
	version string
}

// NewHandler creates a new health check handler
func NewHandler(db *gorm.DB, rdb *redis.Client, service *queue.Service, log *logger.Logger, version string) *Handler {
	return &Handler{
		db:      db,
		rdb:     rdb,
		service: service,
		log:     log,
		version: version,
	}
}

// Status represents the overall health status
type Status struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration"`
}

// SystemInfo contains system information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
	NumCPU       int    `json:"num_cpu"`
	MemoryAlloc  uint64 `json:"memory_alloc_bytes"`
	MemorySys    uint64 `json:"memory_sys_bytes"`
}

// Check runs all health checks and reports the aggregate.
func (h *Handler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]CheckResult{
		"queue": h.checkQueue(ctx),
	}
	if h.rdb != nil {
		checks["redis"] = h.checkRedis(ctx)
	}
	if h.db != nil {
		checks["database"] = h.checkDatabase(ctx)
	}

	status := "healthy"
	code := http.StatusOK
	for _, check := range checks {
		if check.Status != "healthy" {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			break
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	c.JSON(code, Status{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Version:   h.version,
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Checks:    checks,
		System: SystemInfo{
			GoVersion:    runtime.Version(),
			NumGoroutine: runtime.NumGoroutine(),
			NumCPU:       runtime.NumCPU(),
			MemoryAlloc:  mem.Alloc,
			MemorySys:    mem.Sys,
		},
	})
}

// Live is the liveness probe: the process is up.
func (h *Handler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready is the readiness probe: the queue service accepts work.
func (h *Handler) Ready(c *gin.Context) {
	hs := h.service.HealthCheck(c.Request.Context())
	if !hs.Healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": hs.Error})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (h *Handler) checkQueue(ctx context.Context) CheckResult {
	start := time.Now()
	hs := h.service.HealthCheck(ctx)
	result := CheckResult{
		Status:   "healthy",
		Duration: time.Since(start).String(),
	}
	if !hs.Healthy {
		result.Status = "unhealthy"
		result.Message = hs.Error
	}
	return result
}

func (h *Handler) checkRedis(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Status: "healthy"}
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		result.Status = "unhealthy"
		result.Message = err.Error()
	}
	result.Duration = time.Since(start).String()
	return result
}

func (h *Handler) checkDatabase(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Status: "healthy"}

	sqlDB, err := h.db.DB()
	if err != nil {
		result.Status = "unhealthy"
		result.Message = err.Error()
	} else if err := sqlDB.PingContext(ctx); err != nil {
		result.Status = "unhealthy"
		result.Message = err.Error()
	}
	result.Duration = time.Since(start).String()
	return result
}
