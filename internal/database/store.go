// internal/database/store.go
package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested site, monitor or setting does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when creating an entity whose id is already taken
	ErrDuplicate = errors.New("duplicate")
)

// Store defines the interface for database operations.
//
// Every mutation touching more than one row runs inside a single
// transaction; a failed call leaves no partial state behind.
type Store interface {
	// Site operations. GetSites/GetSite return sites with their monitors
	// ordered by position.
	GetSites(ctx context.Context) ([]Site, error)
	GetSite(ctx context.Context, id string) (*Site, error)
	CreateSite(ctx context.Context, site *Site) error
	UpdateSite(ctx context.Context, site *Site) error
	DeleteSite(ctx context.Context, id string) error

	// Monitor operations
	GetMonitors(ctx context.Context, filters MonitorFilters) ([]Monitor, error)
	GetMonitor(ctx context.Context, id string) (*Monitor, error)
	CreateMonitor(ctx context.Context, monitor *Monitor) error
	UpdateMonitor(ctx context.Context, monitor *Monitor) error
	DeleteMonitor(ctx context.Context, id string) error
	SetMonitorState(ctx context.Context, id string, enabled bool, status MonitorStatus) (*Monitor, error)

	// ApplyStatus updates the monitor's status columns, appends a history
	// row and prunes history beyond historyLimit (0 = unlimited), atomically.
	ApplyStatus(ctx context.Context, update StatusUpdate, historyLimit int) (*Monitor, error)

	// History operations
	GetHistory(ctx context.Context, monitorID string, limit int) ([]HistoryEntry, error)
	DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int, error)
	DeleteOrphanedHistory(ctx context.Context) (int, error)

	// Settings
	GetSettings(ctx context.Context) (map[string]string, error)
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error

	GetDatabaseStats(ctx context.Context) (*DatabaseStats, error)

	// Close the database connection
	Close() error
}

// Open returns the store backend selected by kind ("boltdb" or "sqlite").
func Open(kind, path string) (Store, error) {
	switch kind {
	case "sqlite":
		return NewSQLStore(path)
	default:
		return NewBoltStore(path)
	}
}

// prepareNewMonitor fills identity and status defaults before a first insert.
func prepareNewMonitor(m *Monitor, siteID string, position int, now time.Time) {
	if m.ID == "" {
		m.ID = newID()
	}
	m.SiteID = siteID
	if m.Position == 0 {
		m.Position = position
	}
	if !m.Status.Valid() {
		m.Status = StatusPending
	}
	m.ActiveOperation = ""
	m.CreatedAt = now
	m.UpdatedAt = now
}

// mergeMonitorConfig copies the configuration fields of src onto dst.
func mergeMonitorConfig(dst, src *Monitor) {
	dst.Name = src.Name
	dst.Type = src.Type
	dst.Config = src.Config
	dst.Position = src.Position
	dst.Interval = src.Interval
	dst.Timeout = src.Timeout
	dst.RetryAttempts = src.RetryAttempts
	dst.UpdatedAt = time.Now()
}

func newID() string {
	return uuid.New().String()
}
