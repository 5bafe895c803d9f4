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

	"alertd/internal/config"
	"alertd/internal/database"
	"alertd/internal/metrics"
	"alertd/internal/monitoring"
)

// Engine is the part of the engine loop the status server may touch.
type Engine interface {
	// Post queues ev and reports whether it was accepted.
	Post(ev monitoring.Event) bool
	// Config returns the configuration in effect after the latest reload.
	Config() *config.Config
}

// Server is the status HTTP server. It reads the store directly and reaches
// the engine only by posting events. The listen address and metrics path are
// taken from cfg at startup.
type Server struct {
	config  *config.Config
	store   database.Store
	engine  Engine
	metrics *metrics.Collector
	router  *gin.Engine
	server  *http.Server
}

func NewServer(cfg *config.Config, store database.Store, engine Engine, metricsCollector *metrics.Collector) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	server := &Server{
		config:  cfg,
		store:   store,
		engine:  engine,
		metrics: metricsCollector,
		router:  router,
	}

	server.setupRoutes()
	return server
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.HTTP.Listen,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logrus.WithField("listen", s.config.HTTP.Listen).Info("Starting status server")

	go s.updateMetricsRoutine(ctx)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("Status server failed")
		}
	}()

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.healthCheck)
		api.GET("/build-info", s.getBuildInfo)

		api.GET("/alerts", s.getAlerts)
		api.GET("/alerts/summary", s.getAlertsSummary)
		api.GET("/types", s.getTypes)
		api.GET("/overrides", s.getOverrides)
		api.GET("/stats", s.getStats)

		api.POST("/purge", s.requestPurge)
		api.POST("/reload", s.requestReload)
	}

	s.router.GET(s.config.HTTP.MetricsPath, gin.WrapH(promhttp.Handler()))
}

func (s *Server) updateMetricsRoutine(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.metrics.UpdateStoreMetrics(ctx); err != nil {
				logrus.WithError(err).Error("Failed to update store metrics")
			}
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
