// internal/web/purge_handlers.go - Maintenance requests forwarded to the engine loop
package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"alertd/internal/monitoring"
)

// POST /api/purge - run the purge timer now
func (s *Server) requestPurge(c *gin.Context) {
	s.queueEvent(c, monitoring.Event{Type: monitoring.EventTimer, Timer: monitoring.TimerPurge}, "purge")
}

// POST /api/reload - re-read the configuration
func (s *Server) requestReload(c *gin.Context) {
	s.queueEvent(c, monitoring.Event{Type: monitoring.EventReload}, "reload")
}

// queueEvent hands ev to the engine loop. The work happens asynchronously,
// so the answer is 202, or 503 when the engine queue is full.
func (s *Server) queueEvent(c *gin.Context, ev monitoring.Event, what string) {
	if !s.engine.Post(ev) {
		logrus.WithField("request", what).Warn("Engine busy, request dropped")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "engine busy, retry later",
			"timestamp": time.Now(),
		})
		return
	}
	logrus.WithField("request", what).Info("Queued engine event from status server")

	c.JSON(http.StatusAccepted, gin.H{
		"message":   what + " queued",
		"timestamp": time.Now(),
	})
}
