// internal/database/models.go
package database

import (
	"time"
)

// MonitorStatus is the persisted health state of a monitor.
type MonitorStatus string

const (
	StatusPending MonitorStatus = "pending"
	StatusUp      MonitorStatus = "up"
	StatusDown    MonitorStatus = "down"
	StatusPaused  MonitorStatus = "paused"
)

func (s MonitorStatus) Valid() bool {
	switch s {
	case StatusPending, StatusUp, StatusDown, StatusPaused:
		return true
	}
	return false
}

type Site struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	MonitoringEnabled bool      `json:"monitoring_enabled"`
	HistoryLimit      int       `json:"history_limit"` // 0 = use the global setting
	Monitors          []Monitor `json:"monitors"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type Monitor struct {
	ID                string                 `json:"id"`
	SiteID            string                 `json:"site_id"`
	Name              string                 `json:"name"`
	Type              string                 `json:"type"`
	Config            map[string]interface{} `json:"config"`
	Position          int                    `json:"position"`
	Interval          time.Duration          `json:"interval"`
	Timeout           time.Duration          `json:"timeout"`
	RetryAttempts     int                    `json:"retry_attempts"`
	MonitoringEnabled bool                   `json:"monitoring_enabled"`
	Status            MonitorStatus          `json:"status"`
	LastCheck         time.Time              `json:"last_check"`
	LastResponseTime  time.Duration          `json:"last_response_time"`
	LastDetail        string                 `json:"last_detail"`

	// Filled from the in-memory operation registry; never persisted.
	ActiveOperation string `json:"active_operation,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep enough copy for handing out of caches.
func (m *Monitor) Clone() *Monitor {
	c := *m
	if m.Config != nil {
		c.Config = make(map[string]interface{}, len(m.Config))
		for k, v := range m.Config {
			c.Config[k] = v
		}
	}
	return &c
}

func (s *Site) Clone() *Site {
	c := *s
	c.Monitors = make([]Monitor, len(s.Monitors))
	for i := range s.Monitors {
		c.Monitors[i] = *s.Monitors[i].Clone()
	}
	return &c
}

type HistoryEntry struct {
	ID           uint64        `json:"id"`
	MonitorID    string        `json:"monitor_id"`
	Timestamp    time.Time     `json:"timestamp"`
	Status       MonitorStatus `json:"status"`
	ResponseTime time.Duration `json:"response_time"`
	Detail       string        `json:"detail,omitempty"`
}

// StatusUpdate is the single multi-row write produced by one applied check:
// the monitor's status columns change and one history row is appended.
type StatusUpdate struct {
	MonitorID    string
	Status       MonitorStatus
	CheckedAt    time.Time
	ResponseTime time.Duration
	Detail       string
}

type MonitorFilters struct {
	SiteID  string
	Enabled *bool
}

// DatabaseStats provides information about database size and health
type DatabaseStats struct {
	Backend      string    `json:"backend"`
	TotalSites   int       `json:"total_sites"`
	TotalChecks  int       `json:"total_monitors"`
	TotalHistory int       `json:"total_history"`
	DatabaseSize int64     `json:"database_size_bytes"`
	OldestEntry  time.Time `json:"oldest_entry"`
	NewestEntry  time.Time `json:"newest_entry"`
}

const SettingHistoryLimit = "history_limit"
