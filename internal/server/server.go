package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/forgeq/forgeq-go/internal/config"
	"github.com/forgeq/forgeq-go/internal/logger"
	"github.com/forgeq/forgeq-go/internal/middleware"
	"github.com/forgeq/forgeq-go/internal/queue"
	"github.com/forgeq/forgeq-go/internal/redis"
	"github.com/forgeq/forgeq-go/internal/routes"
	"github.com/forgeq/forgeq-go/internal/websocket"
)

// Server wires the ops API around an assembled queue system.
type Server struct {
	Router *gin.Engine
	Hub    *websocket.Hub

	cfg *config.Config
	log *logger.Logger
}

// New builds the HTTP surface: middleware, routes, and the websocket event
// stream watching the queue.
func New(cfg *config.Config, system *queue.System, db *gorm.DB, rdb *redis.Client, log *logger.Logger) *Server {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg))
	router.Use(middleware.SecurityHeaders(middleware.APISecurityHeadersConfig()))
	if rdb != nil {
		router.Use(middleware.RateLimiter(rdb, cfg))
	}

	metrics := queue.NewMetrics(prometheus.DefaultRegisterer)
	metrics.Attach(system.Service)

	hub := websocket.NewHub(log)
	go hub.Run()

	wsService := websocket.NewService(hub, log)
	wsService.WatchQueue(system.Service)
	wsHandler := websocket.NewHandler(hub, log)

	routes.SetupRoutes(router, system, db, rdb, cfg, log, wsHandler)

	return &Server{
		Router: router,
		Hub:    hub,
		cfg:    cfg,
		log:    log,
	}
}

// Stop shuts the websocket hub down.
func (s *Server) Stop() {
	s.Hub.Stop()
}
