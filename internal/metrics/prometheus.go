// internal/metrics/prometheus.go
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"sitewatch/internal/database"
)

// Prometheus metrics
var (
	CheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sitewatch_check_duration_seconds",
			Help:    "Time spent executing checks, retries included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"site", "check_type", "status"},
	)

	CheckTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitewatch_checks_total",
			Help: "Total number of checks executed",
		},
		[]string{"site", "check_type", "status"},
	)

	MonitorStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sitewatch_monitor_status",
			Help: "Current status of monitors (0=up, 1=down, 2=pending, 3=paused)",
		},
		[]string{"site", "monitor", "check_type"},
	)

	DiscardedResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitewatch_discarded_results_total",
			Help: "Check results dropped because their operation was superseded or cancelled",
		},
		[]string{"site", "check_type"},
	)

	ScheduledMonitors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitewatch_scheduled_monitors",
			Help: "Number of monitors with an armed timer",
		},
	)

	ActiveSites = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitewatch_active_sites_total",
			Help: "Number of sites with monitoring enabled",
		},
	)

	ActiveMonitors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitewatch_active_monitors_total",
			Help: "Number of monitors with monitoring enabled",
		},
	)

	DatabaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitewatch_database_operations_total",
			Help: "Total database operations performed",
		},
		[]string{"operation", "status"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitewatch_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)
)

type Collector struct {
	store database.Store
}

func NewCollector(store database.Store) *Collector {
	return &Collector{store: store}
}

func (c *Collector) RecordCheckResult(site, checkType string, status database.MonitorStatus, duration time.Duration) {
	label := string(status)
	CheckDuration.WithLabelValues(site, checkType, label).Observe(duration.Seconds())
	CheckTotal.WithLabelValues(site, checkType, label).Inc()
}

func (c *Collector) UpdateMonitorStatus(site, monitor, checkType string, status database.MonitorStatus) {
	MonitorStatus.WithLabelValues(site, monitor, checkType).Set(statusValue(status))
}

// ForgetMonitor drops the status series of a deleted monitor.
func (c *Collector) ForgetMonitor(site, monitor, checkType string) {
	MonitorStatus.DeleteLabelValues(site, monitor, checkType)
}

func (c *Collector) RecordDiscard(site, checkType string) {
	DiscardedResults.WithLabelValues(site, checkType).Inc()
}

func (c *Collector) RecordDatabaseOperation(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseOperations.WithLabelValues(operation, status).Inc()
}

func (c *Collector) SetScheduledMonitors(n int) {
	ScheduledMonitors.Set(float64(n))
}

func (c *Collector) UpdateSystemMetrics(ctx context.Context) error {
	sites, err := c.store.GetSites(ctx)
	c.RecordDatabaseOperation("get_sites", err)
	if err != nil {
		return err
	}

	enabledSites, enabledMonitors := 0, 0
	for _, site := range sites {
		if site.MonitoringEnabled {
			enabledSites++
		}
		for _, m := range site.Monitors {
			if m.MonitoringEnabled {
				enabledMonitors++
			}
		}
	}
	ActiveSites.Set(float64(enabledSites))
	ActiveMonitors.Set(float64(enabledMonitors))

	return nil
}

func (c *Collector) RecordWebSocketConnection(delta int) {
	WebSocketConnections.Add(float64(delta))
}

func statusValue(status database.MonitorStatus) float64 {
	switch status {
	case database.StatusUp:
		return 0
	case database.StatusDown:
		return 1
	case database.StatusPending:
		return 2
	default:
		return 3
	}
}
