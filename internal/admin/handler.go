package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/forgeq/forgeq-go/internal/auth"
	"github.com/forgeq/forgeq-go/internal/database"
	"github.com/forgeq/forgeq-go/internal/logger"
	"github.com/forgeq/forgeq-go/internal/queue"
)

// Handler exposes the queue runtime over the ops API.
type Handler struct {
	system *queue.System
	store  *database.ScheduleStore
	auth   *auth.Service
	log    *logger.Logger
}

// NewHandler creates the ops-API handler.
func NewHandler(system *queue.System, store *database.ScheduleStore, authService *auth.Service, log *logger.Logger) *Handler {
	return &Handler{
		system: system,
		store:  store,
		auth:   authService,
		log:    log,
	}
}

// AddJobRequest is the payload for admitting one job.
type AddJobRequest struct {
	Name      string          `json:"name" binding:"required,min=1,max=256"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Attempts  int             `json:"attempts,omitempty" binding:"omitempty,min=1"`
	Priority  int             `json:"priority,omitempty"`
	DelayMs   int64           `json:"delay_ms,omitempty" binding:"omitempty,min=0"`
	TimeoutMs int64           `json:"timeout_ms,omitempty" binding:"omitempty,min=0"`
	Backoff   *BackoffRequest `json:"backoff,omitempty"`
	JobID     string          `json:"job_id,omitempty"`
}

// BackoffRequest configures retry backoff on a submission.
type BackoffRequest struct {
	Kind    string `json:"kind" binding:"required,oneof=fixed exponential"`
	DelayMs int64  `json:"delay_ms" binding:"min=0"`
}

// AddScheduleRequest is the payload for registering a schedule.
type AddScheduleRequest struct {
	Name     string          `json:"name" binding:"required,min=1,max=255"`
	Pattern  string          `json:"pattern" binding:"required"`
	Timezone string          `json:"timezone,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Limit    int             `json:"limit,omitempty" binding:"omitempty,min=1"`
}

// ProgressRequest updates a job's progress.
type ProgressRequest struct {
	Progress int `json:"progress"`
}

// ScaleRequest resizes the worker pool.
type ScaleRequest struct {
	Size int `json:"size" binding:"min=0"`
}

// CleanRequest overrides the cleanup thresholds for one pass.
type CleanRequest struct {
	CompletedAgeMs int64 `json:"completed_age_ms,omitempty" binding:"omitempty,min=0"`
	FailedAgeMs    int64 `json:"failed_age_ms,omitempty" binding:"omitempty,min=0"`
	CompletedCount int   `json:"completed_count,omitempty" binding:"omitempty,min=0"`
	FailedCount    int   `json:"failed_count,omitempty" binding:"omitempty,min=0"`
}

// Login issues an ops-API token for valid admin credentials.
func (h *Handler) Login(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.auth.Login(&req)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetStats returns the queue's per-state counts.
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.system.Service.GetJobCounts(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListJobs returns jobs filtered by state/name with pagination.
func (h *Handler) ListJobs(c *gin.Context) {
	filter := queue.JobFilter{
		Name:      c.Query("name"),
		Start:     intQuery(c, "start", 0),
		End:       intQuery(c, "end", 0),
		Ascending: c.Query("order") == "asc",
	}
	if state := c.Query("state"); state != "" {
		filter.States = []queue.JobState{queue.JobState(state)}
	}

	jobs, err := h.system.Service.GetJobs(c.Request.Context(), filter)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// GetJob returns one job by id.
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.system.Service.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// AddJob admits one job.
func (h *Handler) AddJob(c *gin.Context) {
	var req AddJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := req.toOptions()
	var payload interface{}
	if req.Payload != nil {
		payload = req.Payload
	}

	id, err := h.system.Service.Add(c.Request.Context(), req.Name, payload, opts)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job_id": id})
}

// AddJobsBulk admits jobs best-effort, reporting per-item errors.
func (h *Handler) AddJobsBulk(c *gin.Context) {
	var reqs []AddJobRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	items := make([]queue.BulkItem, 0, len(reqs))
	for _, req := range reqs {
		var payload interface{}
		if req.Payload != nil {
			payload = req.Payload
		}
		items = append(items, queue.BulkItem{
			Name:    req.Name,
			Payload: payload,
			Opts:    req.toOptions(),
		})
	}

	result, err := h.system.Service.AddBulk(c.Request.Context(), items)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// RetryJob resubmits a failed job under a new id.
func (h *Handler) RetryJob(c *gin.Context) {
	id, err := h.system.Service.RetryJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": id})
}

// RemoveJob deletes a job.
func (h *Handler) RemoveJob(c *gin.Context) {
	removed, err := h.system.Service.RemoveJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// UpdateProgress records job progress (clamped to [0,100]).
func (h *Handler) UpdateProgress(c *gin.Context) {
	var req ProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.system.Service.UpdateProgress(c.Request.Context(), c.Param("id"), req.Progress); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// PauseQueue stops claims on the queue.
func (h *Handler) PauseQueue(c *gin.Context) {
	if err := h.system.Service.Pause(c.Request.Context()); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// ResumeQueue re-enables claims.
func (h *Handler) ResumeQueue(c *gin.Context) {
	if err := h.system.Service.Resume(c.Request.Context()); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

// DrainQueue removes every waiting job.
func (h *Handler) DrainQueue(c *gin.Context) {
	removed, err := h.system.Service.Drain(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// CleanQueue removes aged-out terminal jobs.
func (h *Handler) CleanQueue(c *gin.Context) {
	var req CleanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	removed, err := h.system.Service.Clean(c.Request.Context(), queue.CleanupOptions{
		CompletedAge:   time.Duration(req.CompletedAgeMs) * time.Millisecond,
		FailedAge:      time.Duration(req.FailedAgeMs) * time.Millisecond,
		CompletedCount: req.CompletedCount,
		FailedCount:    req.FailedCount,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// GetWorkers returns per-worker and aggregated pool stats.
func (h *Handler) GetWorkers(c *gin.Context) {
	if h.system.Pool == nil {
		c.JSON(http.StatusOK, gin.H{"pool": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pool":       h.system.Pool.GetPoolStats(),
		"aggregated": h.system.Pool.GetAggregatedStats(),
	})
}

// ScaleWorkers resizes the worker pool.
func (h *Handler) ScaleWorkers(c *gin.Context) {
	var req ScaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.system.Pool == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "worker pool is not running"})
		return
	}
	if err := h.system.Pool.ScaleTo(req.Size); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"size": h.system.Pool.Size()})
}

// ListSchedules returns every registered schedule.
func (h *Handler) ListSchedules(c *gin.Context) {
	schedules, err := h.system.Service.GetSchedules()
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules, "count": len(schedules)})
}

// AddSchedule registers a schedule and persists its definition.
func (h *Handler) AddSchedule(c *gin.Context) {
	var req AddScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg := queue.ScheduleConfig{
		Name:     req.Name,
		Pattern:  req.Pattern,
		Timezone: req.Timezone,
		Data:     req.Data,
		Limit:    req.Limit,
	}
	sched, err := h.system.Service.AddSchedule(cfg)
	if err != nil {
		h.renderError(c, err)
		return
	}

	if h.store != nil {
		if err := h.store.Save(h.system.Service.Name(), cfg); err != nil {
			h.log.Errorw("failed to persist schedule definition", "schedule", cfg.Name, "error", err)
		}
	}
	c.JSON(http.StatusCreated, sched)
}

// RemoveSchedule deletes a schedule and its persisted definition.
func (h *Handler) RemoveSchedule(c *gin.Context) {
	name := c.Param("name")
	removed, err := h.system.Service.RemoveSchedule(name)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		return
	}

	if h.store != nil {
		if err := h.store.Delete(name); err != nil {
			h.log.Errorw("failed to delete schedule definition", "schedule", name, "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

// PauseSchedule deactivates a schedule.
func (h *Handler) PauseSchedule(c *gin.Context) {
	h.toggleSchedule(c, false)
}

// ResumeSchedule reactivates a schedule.
func (h *Handler) ResumeSchedule(c *gin.Context) {
	h.toggleSchedule(c, true)
}

func (h *Handler) toggleSchedule(c *gin.Context, active bool) {
	sched, err := h.system.Service.Scheduler()
	if err != nil {
		h.renderError(c, err)
		return
	}

	name := c.Param("name")
	var ok bool
	if active {
		ok = sched.Resume(name)
	} else {
		ok = sched.Pause(name)
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": active})
}

// AddTenantJob admits a job under a tenant namespace.
func (h *Handler) AddTenantJob(c *gin.Context) {
	view, err := h.system.Service.ForTenant(queue.TenantContext{TenantID: c.Param("tenant")})
	if err != nil {
		h.renderError(c, err)
		return
	}

	var req AddJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var payload interface{}
	if req.Payload != nil {
		payload = req.Payload
	}
	id, err := view.Add(c.Request.Context(), req.Name, payload, req.toOptions())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job_id": id})
}

// ListTenantJobs returns only the tenant's jobs.
func (h *Handler) ListTenantJobs(c *gin.Context) {
	view, err := h.system.Service.ForTenant(queue.TenantContext{TenantID: c.Param("tenant")})
	if err != nil {
		h.renderError(c, err)
		return
	}

	filter := queue.JobFilter{
		Name:      c.Query("name"),
		Start:     intQuery(c, "start", 0),
		End:       intQuery(c, "end", 0),
		Ascending: c.Query("order") == "asc",
	}
	if state := c.Query("state"); state != "" {
		filter.States = []queue.JobState{queue.JobState(state)}
	}

	jobs, err := view.GetJobs(c.Request.Context(), filter)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// toOptions maps the request DTO onto job options. It always returns a
// non-nil value; fields the request leaves unset stay at their zero value.
func (r *AddJobRequest) toOptions() *queue.JobOptions {
	opts := &queue.JobOptions{
		Attempts: r.Attempts,
		Priority: r.Priority,
		Delay:    time.Duration(r.DelayMs) * time.Millisecond,
		Timeout:  time.Duration(r.TimeoutMs) * time.Millisecond,
		JobID:    r.JobID,
	}
	if r.Backoff != nil {
		opts.Backoff = &queue.BackoffOptions{
			Kind:  queue.BackoffKind(r.Backoff.Kind),
			Delay: time.Duration(r.Backoff.DelayMs) * time.Millisecond,
		}
	}
	return opts
}

// renderError maps QueueError statuses onto HTTP responses.
func (h *Handler) renderError(c *gin.Context, err error) {
	if qe := queue.AsQueueError(err); qe != nil {
		c.JSON(qe.Status, gin.H{"error": qe.Message, "code": qe.Code})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
