// internal/web/handlers.go - Read-only alert and type endpoints
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"alertd/internal/database"
	"alertd/internal/monitoring"
)

const defaultAlertLimit = 100

// AlertResponse is a stored alert with its type and level spelled out.
type AlertResponse struct {
	database.Alert
	TypeName string `json:"type_name"`
	Level    string `json:"level"`
	Resolved bool   `json:"resolved"`
	Age      string `json:"age"`
}

// typeTable builds the current type table from the live configuration. Each
// request gets its own, the engine's table belongs to the engine loop.
func (s *Server) typeTable(c *gin.Context) (*monitoring.TypeTable, error) {
	types := monitoring.NewTypeTable(s.engine.Config().Types)
	err := types.Refresh(c.Request.Context(), s.store)
	s.metrics.RecordDatabaseOperation("select_types", err)
	return types, err
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"timestamp":  time.Now(),
		"version":    Version,
		"build_info": currentBuildInfo(),
	})
}

// GET /api/alerts?type=&limit=&resolved=
func (s *Server) getAlerts(c *gin.Context) {
	types, err := s.typeTable(c)
	if err != nil {
		logrus.WithError(err).Warn("Failed to load alert types")
	}

	query, ok := alertQuery(c, types)
	if !ok {
		return
	}

	alerts, err := s.store.SelectAlerts(c.Request.Context(), query)
	s.metrics.RecordDatabaseOperation("select_alerts", err)
	if err != nil {
		logrus.WithError(err).Error("Failed to get alerts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get alerts"})
		return
	}

	now := time.Now()
	resp := make([]AlertResponse, 0, len(alerts))
	for _, a := range alerts {
		name, _ := types.Name(a.Type)
		resp = append(resp, AlertResponse{
			Alert:    a,
			TypeName: name,
			Level:    database.LevelName(a.Flags),
			Resolved: a.IsResolved(),
			Age:      formatDuration(now.Sub(a.Updated)),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  resp,
		"count": len(resp),
	})
}

// alertQuery builds a query from the request parameters. It answers the
// request itself when they are invalid.
func alertQuery(c *gin.Context, types *monitoring.TypeTable) (database.AlertQuery, bool) {
	query := database.AlertQuery{Limit: defaultAlertLimit, NewestFirst: true}

	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return query, false
		}
		query.Limit = limit
	}

	if v := c.Query("resolved"); v != "" {
		resolved, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "resolved must be a boolean"})
			return query, false
		}
		query.Resolved = resolved
	}

	if v := c.Query("type"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 32); err == nil {
			query.Type = uint32(id)
		} else if id, ok := types.Lookup(v); ok {
			query.Type = id
		} else {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown alert type"})
			return query, false
		}
	}

	if v := c.Query("level"); v != "" {
		level, err := database.ParseLevel(v, false)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return query, false
		}
		query.Flags = level
	}

	return query, true
}

// GET /api/alerts/summary - open alerts per level
func (s *Server) getAlertsSummary(c *gin.Context) {
	alerts, err := s.store.SelectAlerts(c.Request.Context(), database.AlertQuery{})
	s.metrics.RecordDatabaseOperation("select_alerts", err)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get alert summary"})
		return
	}

	summary := map[string]int{
		"active":   len(alerts),
		"critical": 0,
		"warning":  0,
		"normal":   0,
	}
	for _, a := range alerts {
		switch a.Level() {
		case database.LevelCrit:
			summary["critical"]++
		case database.LevelWarn:
			summary["warning"]++
		case database.LevelNorm:
			summary["normal"]++
		}
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) getTypes(c *gin.Context) {
	types, err := s.typeTable(c)
	if err != nil {
		logrus.WithError(err).Error("Failed to get alert types")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get alert types"})
		return
	}

	type typeResponse struct {
		database.AlertType
		Static bool `json:"static"`
	}

	list := types.Types()
	resp := make([]typeResponse, 0, len(list))
	for _, t := range list {
		resp = append(resp, typeResponse{AlertType: t, Static: types.IsStatic(t.Name)})
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  resp,
		"count": len(resp),
	})
}

func (s *Server) getOverrides(c *gin.Context) {
	overrides, err := s.store.SelectOverrides(c.Request.Context())
	s.metrics.RecordDatabaseOperation("select_overrides", err)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get overrides"})
		return
	}

	type overrideResponse struct {
		database.Override
		Level string `json:"level"`
	}
	resp := make([]overrideResponse, 0, len(overrides))
	for _, o := range overrides {
		resp = append(resp, overrideResponse{Override: o, Level: database.LevelName(o.Flags)})
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  resp,
		"count": len(resp),
	})
}

func (s *Server) getStats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	s.metrics.RecordDatabaseOperation("stats", err)
	if err != nil {
		logrus.WithError(err).Error("Failed to get database stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get database stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return strconv.Itoa(int(d.Seconds())) + "s"
	}
	if d < time.Hour {
		return strconv.Itoa(int(d.Minutes())) + "m"
	}
	if d < 24*time.Hour {
		return strconv.Itoa(int(d.Hours())) + "h"
	}
	return strconv.Itoa(int(d.Hours()/24)) + "d"
}
