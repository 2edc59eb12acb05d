// internal/web/server.go
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"sitewatch/internal/config"
	"sitewatch/internal/metrics"
	"sitewatch/internal/monitoring"
)

type Server struct {
	config  *config.Config
	engine  *monitoring.Engine
	metrics *metrics.Collector
	logger  logrus.FieldLogger
	router  *gin.Engine
	hub     *Hub
	server  *http.Server
}

func NewServer(cfg *config.Config, engine *monitoring.Engine, metricsCollector *metrics.Collector, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Logging.Level != "debug" && gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(requestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	server := &Server{
		config:  cfg,
		engine:  engine,
		metrics: metricsCollector,
		logger:  logger,
		router:  router,
		hub:     NewHub(engine, metricsCollector, logger),
	}

	server.setupRoutes()
	return server
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Server.Port,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	s.logger.WithField("port", s.config.Server.Port).Info("Starting web server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.hub.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Monitoring.ShutdownTimeout)
	defer cancel()
	return s.Stop(shutdownCtx)
}

func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.healthCheck)
		api.GET("/build", s.getBuildInfo)
		api.GET("/check-types", s.getCheckTypes)

		api.GET("/sites", s.getSites)
		api.POST("/sites", s.createSite)
		api.GET("/sites/:id", s.getSite)
		api.PATCH("/sites/:id", s.updateSite)
		api.DELETE("/sites/:id", s.deleteSite)
		api.POST("/sites/:id/start", s.startSite)
		api.POST("/sites/:id/stop", s.stopSite)
		api.POST("/sites/:id/monitors", s.createMonitor)

		api.GET("/monitors/:id", s.getMonitor)
		api.PATCH("/monitors/:id", s.updateMonitor)
		api.DELETE("/monitors/:id", s.deleteMonitor)
		api.POST("/monitors/:id/check", s.checkNow)
		api.POST("/monitors/:id/start", s.startMonitor)
		api.POST("/monitors/:id/stop", s.stopMonitor)
		api.POST("/monitors/:id/pause", s.pauseMonitor)
		api.POST("/monitors/:id/resume", s.resumeMonitor)
		api.GET("/monitors/:id/history", s.getHistory)

		api.POST("/monitoring/start", s.startAll)
		api.POST("/monitoring/stop", s.stopAll)

		api.GET("/schedule", s.getSchedule)
		api.GET("/stats", s.getStats)
		api.GET("/settings", s.getSettings)
		api.PUT("/settings", s.updateSettings)
		api.POST("/history/purge", s.purgeHistory)
	}

	s.router.GET("/ws", s.hub.ServeWS)

	if s.config.Prometheus.Enabled {
		s.router.GET(s.config.Prometheus.MetricsPath, gin.WrapH(promhttp.Handler()))
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"version":   Version,
	})
}

func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("HTTP request")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
