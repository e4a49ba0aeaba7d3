package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/application/usecase"
	"github.com/stepline/stepline/internal/domain/repository"
	"github.com/stepline/stepline/internal/domain/tool"
	"github.com/stepline/stepline/internal/infrastructure/monitoring"
	"github.com/stepline/stepline/internal/infrastructure/persistence"
	"github.com/stepline/stepline/internal/interfaces/http/handlers"
	"github.com/stepline/stepline/internal/interfaces/websocket"
)

// Server is the HTTP/WS front of the engine.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config is the listener configuration.
type Config struct {
	Host string
	Port int
	Mode string // local, production
}

// Deps collects everything the routes serve.
type Deps struct {
	Runner   *usecase.MissionRunner
	Plans    repository.PlanStore
	States   repository.StateStore
	Registry tool.Registry
	Journal  *persistence.Journal
	Monitor  *monitoring.Monitor
	WSHub    *websocket.Hub
}

func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	missionHandler := handlers.NewMissionHandler(deps.Runner, logger)
	sessionHandler := handlers.NewSessionHandler(deps.Runner, deps.Plans, deps.States, deps.Journal, logger)
	toolHandler := handlers.NewToolHandler(deps.Registry, logger)

	setupRoutes(router, deps, missionHandler, sessionHandler, toolHandler, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return &Server{
		server: server,
		logger: logger,
	}
}

// Start begins listening without blocking.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(
	router *gin.Engine,
	deps Deps,
	missionHandler *handlers.MissionHandler,
	sessionHandler *handlers.SessionHandler,
	toolHandler *handlers.ToolHandler,
	logger *zap.Logger,
) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	if deps.Monitor != nil {
		router.GET("/metrics", gin.WrapH(deps.Monitor.PrometheusHandler()))
		router.GET("/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, deps.Monitor.Stats())
		})
	}

	if deps.WSHub != nil {
		wsHandler := websocket.NewHandler(deps.WSHub, logger)
		router.GET("/ws", func(c *gin.Context) {
			wsHandler.ServeWS(c.Writer, c.Request)
		})
	}

	v1 := router.Group("/api/v1")
	{
		v1.POST("/sessions/:id/missions", missionHandler.RunMission)
		v1.POST("/sessions/:id/answers", missionHandler.SubmitAnswer)

		v1.GET("/sessions/:id", sessionHandler.GetSession)
		v1.GET("/sessions/:id/plan", sessionHandler.GetPlan)
		v1.GET("/sessions/:id/events", sessionHandler.GetEvents)
		v1.GET("/sessions/:id/approvals", sessionHandler.GetApprovals)

		v1.GET("/plans/:id", sessionHandler.GetPlanByID)

		v1.GET("/tools", toolHandler.ListTools)
	}
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
