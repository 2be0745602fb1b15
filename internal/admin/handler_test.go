package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeq/forgeq-go/internal/auth"
	"github.com/forgeq/forgeq-go/internal/config"
	"github.com/forgeq/forgeq-go/internal/logger"
	"github.com/forgeq/forgeq-go/internal/queue"
)

type handlerFixture struct {
	router *gin.Engine
	system *queue.System
}

func newFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := queue.DefaultSystemConfig()
	cfg.Name = "analysis"
	cfg.WorkerPoolSize = 0 // endpoints drive the queue directly
	system, err := queue.NewSystem(cfg, nil, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, system.Service.Initialize(context.Background()))

	hash, err := auth.HashPassword("pw")
	require.NoError(t, err)
	authService := auth.NewService(&config.Config{
		JWTSecret:         "secret",
		JWTExpiration:     time.Hour,
		JWTIssuer:         "test",
		AdminUser:         "admin",
		AdminPasswordHash: hash,
	})

	handler := NewHandler(system, nil, authService, logger.NewNop())

	router := gin.New()
	router.POST("/auth/login", handler.Login)
	router.GET("/queue/stats", handler.GetStats)
	router.GET("/queue/jobs", handler.ListJobs)
	router.POST("/queue/jobs", handler.AddJob)
	router.POST("/queue/jobs/bulk", handler.AddJobsBulk)
	router.GET("/queue/jobs/:id", handler.GetJob)
	router.DELETE("/queue/jobs/:id", handler.RemoveJob)
	router.POST("/queue/jobs/:id/retry", handler.RetryJob)
	router.POST("/queue/jobs/:id/progress", handler.UpdateProgress)
	router.POST("/queue/pause", handler.PauseQueue)
	router.POST("/queue/resume", handler.ResumeQueue)
	router.POST("/queue/drain", handler.DrainQueue)
	router.GET("/queue/workers", handler.GetWorkers)
	router.GET("/schedules", handler.ListSchedules)
	router.POST("/schedules", handler.AddSchedule)
	router.DELETE("/schedules/:name", handler.RemoveSchedule)
	router.POST("/tenants/:tenant/jobs", handler.AddTenantJob)
	router.GET("/tenants/:tenant/jobs", handler.ListTenantJobs)

	return &handlerFixture{router: router, system: system}
}

func (f *handlerFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestLoginEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/auth/login", map[string]string{"username": "admin", "password": "pw"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp auth.LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)

	w = f.do(t, "POST", "/auth/login", map[string]string{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, "POST", "/auth/login", map[string]string{"username": "admin"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAddAndGetJobEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/queue/jobs", AddJobRequest{
		Name:    "analyse-repo",
		Payload: json.RawMessage(`{"repo":"r1"}`),
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.JobID)

	w = f.do(t, "GET", "/queue/jobs/"+created.JobID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var job queue.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, "analyse-repo", job.Name)
	assert.Equal(t, queue.StateWaiting, job.State)

	w = f.do(t, "GET", "/queue/jobs/unknown-id", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAddJobValidationErrors(t *testing.T) {
	f := newFixture(t)

	// Missing name fails binding.
	w := f.do(t, "POST", "/queue/jobs", map[string]interface{}{"payload": map[string]int{"a": 1}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Invalid name fails domain validation with a 400-shaped QueueError.
	w = f.do(t, "POST", "/queue/jobs", AddJobRequest{Name: "bad name"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "QUEUE_ERROR")
}

func TestStatsAndListEndpoints(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		w := f.do(t, "POST", "/queue/jobs", AddJobRequest{Name: "report"})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := f.do(t, "GET", "/queue/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats queue.QueueStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.Waiting)
	assert.Equal(t, int64(3), stats.Total)

	w = f.do(t, "GET", "/queue/jobs?state=waiting&name=report", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":3`)

	w = f.do(t, "GET", "/queue/jobs?start=0&end=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)
}

func TestBulkEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/queue/jobs/bulk", []AddJobRequest{
		{Name: "ok-1"},
		{Name: "bad name"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var result queue.BulkResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Added)
	assert.Len(t, result.Errors, 1)
}

func TestQueueControlEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/queue/jobs", AddJobRequest{Name: "w"})
	require.Equal(t, http.StatusCreated, w.Code)

	assert.Equal(t, http.StatusOK, f.do(t, "POST", "/queue/pause", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, "POST", "/queue/resume", nil).Code)

	w = f.do(t, "POST", "/queue/drain", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"removed":1`)
}

func TestRetryEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.system.Service.Add(ctx, "flaky", nil, nil)
	require.NoError(t, err)
	require.NoError(t, f.system.Service.FailJob(ctx, id, assert.AnError))

	w := f.do(t, "POST", "/queue/jobs/"+id+"/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEqual(t, id, resp.JobID)

	// Retry on a waiting job is a state error (500-shaped).
	w = f.do(t, "POST", "/queue/jobs/"+resp.JobID+"/retry", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestProgressEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.system.Service.Add(ctx, "p", nil, nil)
	require.NoError(t, err)

	w := f.do(t, "POST", "/queue/jobs/"+id+"/progress", ProgressRequest{Progress: 130})
	require.Equal(t, http.StatusOK, w.Code)

	job, err := f.system.Service.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 100, job.Progress)
}

func TestScheduleEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/schedules", AddScheduleRequest{
		Name:    "nightly",
		Pattern: "0 0 * * *",
		Data:    json.RawMessage(`{"kind":"report"}`),
	})
	require.Equal(t, http.StatusCreated, w.Code)

	// Duplicate names are rejected.
	w = f.do(t, "POST", "/schedules", AddScheduleRequest{Name: "nightly", Pattern: "0 0 * * *"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unsupported patterns are rejected at registration.
	w = f.do(t, "POST", "/schedules", AddScheduleRequest{Name: "odd", Pattern: "sometimes"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "GET", "/schedules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = f.do(t, "DELETE", "/schedules/nightly", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, "DELETE", "/schedules/nightly", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTenantEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/tenants/t1/jobs", AddJobRequest{Name: "ingest"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, "GET", "/tenants/t1/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.Contains(t, w.Body.String(), "tenant:t1:ingest")

	w = f.do(t, "GET", "/tenants/t2/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestWorkersEndpointWithoutPool(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "GET", "/queue/workers", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
