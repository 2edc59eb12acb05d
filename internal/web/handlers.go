// internal/web/handlers.go
package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"sitewatch/internal/monitoring"
)

// Request bodies carry durations as Go duration strings ("30s").

type monitorRequest struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Type          string                 `json:"type" binding:"required"`
	Config        map[string]interface{} `json:"config"`
	Interval      string                 `json:"interval"`
	Timeout       string                 `json:"timeout"`
	RetryAttempts int                    `json:"retry_attempts"`
	Enabled       *bool                  `json:"enabled"`
}

type siteRequest struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	MonitoringEnabled *bool            `json:"monitoring_enabled"`
	HistoryLimit      int              `json:"history_limit"`
	Monitors          []monitorRequest `json:"monitors"`
}

type monitorPatchRequest struct {
	Name          *string                `json:"name"`
	Type          *string                `json:"type"`
	Config        map[string]interface{} `json:"config"`
	Position      *int                   `json:"position"`
	Interval      *string                `json:"interval"`
	Timeout       *string                `json:"timeout"`
	RetryAttempts *int                   `json:"retry_attempts"`
}

type sitePatchRequest struct {
	Name              *string `json:"name"`
	MonitoringEnabled *bool   `json:"monitoring_enabled"`
	HistoryLimit      *int    `json:"history_limit"`
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, &monitoring.ValidationError{Field: field, Reason: "must be a duration such as 30s"}
	}
	return d, nil
}

func (r monitorRequest) spec() (monitoring.MonitorSpec, error) {
	interval, err := parseDuration("interval", r.Interval)
	if err != nil {
		return monitoring.MonitorSpec{}, err
	}
	timeout, err := parseDuration("timeout", r.Timeout)
	if err != nil {
		return monitoring.MonitorSpec{}, err
	}
	return monitoring.MonitorSpec{
		ID:            r.ID,
		Name:          r.Name,
		Type:          r.Type,
		Config:        r.Config,
		Interval:      interval,
		Timeout:       timeout,
		RetryAttempts: r.RetryAttempts,
		Enabled:       r.Enabled,
	}, nil
}

func (r monitorPatchRequest) patch() (monitoring.MonitorPatch, error) {
	p := monitoring.MonitorPatch{
		Name:          r.Name,
		Type:          r.Type,
		Config:        r.Config,
		Position:      r.Position,
		RetryAttempts: r.RetryAttempts,
	}
	if r.Interval != nil {
		d, err := parseDuration("interval", *r.Interval)
		if err != nil {
			return p, err
		}
		p.Interval = &d
	}
	if r.Timeout != nil {
		d, err := parseDuration("timeout", *r.Timeout)
		if err != nil {
			return p, err
		}
		p.Timeout = &d
	}
	return p, nil
}

// writeError maps engine errors to HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		verr *monitoring.ValidationError
		perr *monitoring.PersistenceError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, monitoring.ErrUnknownMonitor), errors.Is(err, monitoring.ErrUnknownSite):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &perr):
		c.JSON(http.StatusInternalServerError, gin.H{"error": perr.Error()})
	default:
		s.logger.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *Server) getSites(c *gin.Context) {
	sites := s.engine.GetSites()
	c.JSON(http.StatusOK, gin.H{
		"data":  sites,
		"count": len(sites),
	})
}

func (s *Server) getSite(c *gin.Context) {
	site, err := s.engine.GetSite(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": site})
}

func (s *Server) createSite(c *gin.Context) {
	var req siteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.bindError(c, err)
		return
	}

	spec := monitoring.SiteSpec{
		ID:                req.ID,
		Name:              req.Name,
		MonitoringEnabled: req.MonitoringEnabled,
		HistoryLimit:      req.HistoryLimit,
	}
	for _, mr := range req.Monitors {
		ms, err := mr.spec()
		if err != nil {
			s.writeError(c, err)
			return
		}
		spec.Monitors = append(spec.Monitors, ms)
	}

	site, err := s.engine.CreateSite(c.Request.Context(), spec)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": site})
}

func (s *Server) updateSite(c *gin.Context) {
	var req sitePatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.bindError(c, err)
		return
	}
	site, err := s.engine.UpdateSite(c.Request.Context(), c.Param("id"), monitoring.SitePatch{
		Name:              req.Name,
		MonitoringEnabled: req.MonitoringEnabled,
		HistoryLimit:      req.HistoryLimit,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": site})
}

func (s *Server) deleteSite(c *gin.Context) {
	if err := s.engine.DeleteSite(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) startSite(c *gin.Context) {
	site, err := s.engine.StartSite(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": site})
}

func (s *Server) stopSite(c *gin.Context) {
	site, err := s.engine.StopSite(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": site})
}

func (s *Server) createMonitor(c *gin.Context) {
	var req monitorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.bindError(c, err)
		return
	}
	spec, err := req.spec()
	if err != nil {
		s.writeError(c, err)
		return
	}
	m, err := s.engine.CreateMonitor(c.Request.Context(), c.Param("id"), spec)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": m})
}

func (s *Server) getMonitor(c *gin.Context) {
	m, err := s.engine.GetMonitor(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": m})
}

func (s *Server) updateMonitor(c *gin.Context) {
	var req monitorPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.bindError(c, err)
		return
	}
	patch, err := req.patch()
	if err != nil {
		s.writeError(c, err)
		return
	}
	m, err := s.engine.UpdateMonitor(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": m})
}

func (s *Server) deleteMonitor(c *gin.Context) {
	if err := s.engine.DeleteMonitor(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) checkNow(c *gin.Context) {
	res, err := s.engine.CheckNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":         res,
		"deduplicated": res == nil,
	})
}

// monitorAction runs a lifecycle call and answers with the fresh monitor.
func (s *Server) monitorAction(c *gin.Context, action func(ctx context.Context, id string) error) {
	id := c.Param("id")
	if err := action(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	m, err := s.engine.GetMonitor(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": m})
}

func (s *Server) startMonitor(c *gin.Context) {
	s.monitorAction(c, s.engine.StartMonitoring)
}

func (s *Server) stopMonitor(c *gin.Context) {
	s.monitorAction(c, s.engine.StopMonitoring)
}

func (s *Server) pauseMonitor(c *gin.Context) {
	s.monitorAction(c, func(ctx context.Context, id string) error {
		_, err := s.engine.PauseMonitor(ctx, id)
		return err
	})
}

func (s *Server) resumeMonitor(c *gin.Context) {
	s.monitorAction(c, func(ctx context.Context, id string) error {
		_, err := s.engine.ResumeMonitor(ctx, id)
		return err
	})
}

func (s *Server) getHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	entries, err := s.engine.GetHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":  entries,
		"count": len(entries),
	})
}

func (s *Server) startAll(c *gin.Context) {
	if err := s.engine.StartMonitoring(c.Request.Context(), ""); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.engine.Schedule()})
}

func (s *Server) stopAll(c *gin.Context) {
	if err := s.engine.StopMonitoring(c.Request.Context(), ""); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.engine.Schedule()})
}

func (s *Server) getSchedule(c *gin.Context) {
	schedule := s.engine.Schedule()
	c.JSON(http.StatusOK, gin.H{
		"data":  schedule,
		"count": len(schedule),
	})
}

func (s *Server) getStats(c *gin.Context) {
	stats, err := s.engine.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func (s *Server) getSettings(c *gin.Context) {
	settings, err := s.engine.Settings(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": settings})
}

func (s *Server) updateSettings(c *gin.Context) {
	var req map[string]string
	if err := c.ShouldBindJSON(&req); err != nil {
		s.bindError(c, err)
		return
	}
	if err := s.engine.UpdateSettings(c.Request.Context(), req); err != nil {
		s.writeError(c, err)
		return
	}
	s.getSettings(c)
}

func (s *Server) getCheckTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.engine.Registry().Names()})
}
