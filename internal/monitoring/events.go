// internal/monitoring/events.go
package monitoring

import (
	"time"

	"sitewatch/internal/database"
)

const (
	TopicStatusChanged = "monitor.status_changed"
	TopicLifecycle     = "monitor.lifecycle"
)

// StatusChangedEvent carries the committed monitor row and its parent site.
type StatusChangedEvent struct {
	Monitor        database.Monitor       `json:"monitor"`
	Site           database.Site          `json:"site"`
	PreviousStatus database.MonitorStatus `json:"previous_status"`
	Timestamp      time.Time              `json:"timestamp"`
}

type LifecycleAction string

const (
	MonitorCreated LifecycleAction = "monitor_created"
	MonitorUpdated LifecycleAction = "monitor_updated"
	MonitorDeleted LifecycleAction = "monitor_deleted"
	SiteCreated    LifecycleAction = "site_created"
	SiteUpdated    LifecycleAction = "site_updated"
	SiteDeleted    LifecycleAction = "site_deleted"
)

type LifecycleEvent struct {
	Action    LifecycleAction   `json:"action"`
	SiteID    string            `json:"site_id"`
	MonitorID string            `json:"monitor_id,omitempty"`
	Monitor   *database.Monitor `json:"monitor,omitempty"`
	Site      *database.Site    `json:"site,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
