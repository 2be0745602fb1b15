package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/forgeq/forgeq-go/internal/admin"
	"github.com/forgeq/forgeq-go/internal/auth"
	"github.com/forgeq/forgeq-go/internal/config"
	"github.com/forgeq/forgeq-go/internal/database"
	"github.com/forgeq/forgeq-go/internal/health"
	"github.com/forgeq/forgeq-go/internal/logger"
	"github.com/forgeq/forgeq-go/internal/middleware"
	"github.com/forgeq/forgeq-go/internal/queue"
	"github.com/forgeq/forgeq-go/internal/redis"
	"github.com/forgeq/forgeq-go/internal/websocket"
)

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, system *queue.System, db *gorm.DB, rdb *redis.Client, cfg *config.Config, log *logger.Logger, wsHandler *websocket.Handler) {
	authService := auth.NewService(cfg)

	var store *database.ScheduleStore
	if db != nil {
		store = database.NewScheduleStore(db)
	}
	adminHandler := admin.NewHandler(system, store, authService, log)
	healthHandler := health.NewHandler(db, rdb, system.Service, log, cfg.AppVersion)

	// Probes and metrics (public)
	router.GET("/health", healthHandler.Check)
	router.GET("/health/live", healthHandler.Live)
	router.GET("/health/ready", healthHandler.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")

	// Base route for testing
	api.GET("/", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": cfg.AppName + " API v1",
			"version": cfg.AppVersion,
		})
	})

	// Auth routes (public)
	api.POST("/auth/login", adminHandler.Login)

	// Queue management (protected)
	protected := api.Group("")
	protected.Use(middleware.JWTAuth(authService))
	{
		q := protected.Group("/queue")
		q.GET("/stats", adminHandler.GetStats)
		q.GET("/jobs", adminHandler.ListJobs)
		q.POST("/jobs", adminHandler.AddJob)
		q.POST("/jobs/bulk", adminHandler.AddJobsBulk)
		q.GET("/jobs/:id", adminHandler.GetJob)
		q.DELETE("/jobs/:id", adminHandler.RemoveJob)
		q.POST("/jobs/:id/retry", adminHandler.RetryJob)
		q.POST("/jobs/:id/progress", adminHandler.UpdateProgress)
		q.POST("/pause", adminHandler.PauseQueue)
		q.POST("/resume", adminHandler.ResumeQueue)
		q.POST("/drain", adminHandler.DrainQueue)
		q.POST("/clean", adminHandler.CleanQueue)
		q.GET("/workers", adminHandler.GetWorkers)
		q.POST("/workers/scale", adminHandler.ScaleWorkers)

		s := protected.Group("/schedules")
		s.GET("", adminHandler.ListSchedules)
		s.POST("", adminHandler.AddSchedule)
		s.DELETE("/:name", adminHandler.RemoveSchedule)
		s.POST("/:name/pause", adminHandler.PauseSchedule)
		s.POST("/:name/resume", adminHandler.ResumeSchedule)

		t := protected.Group("/tenants")
		t.POST("/:tenant/jobs", adminHandler.AddTenantJob)
		t.GET("/:tenant/jobs", adminHandler.ListTenantJobs)
	}

	// Event stream
	if wsHandler != nil {
		api.GET("/ws", wsHandler.Serve)
	}
}
