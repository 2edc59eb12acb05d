// internal/monitoring/applier.go
package monitoring

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"sitewatch/internal/database"
	"sitewatch/internal/events"
	"sitewatch/internal/metrics"
)

// ResultApplier commits validated check results and announces them.
type ResultApplier struct {
	store   database.Store
	ops     *OperationRegistry
	cache   *StatusCache
	topic   *events.Topic[StatusChangedEvent]
	metrics *metrics.Collector
	logger  logrus.FieldLogger

	// historyLimit resolves the retention count for a monitor's site.
	historyLimit func(siteID string) int
}

// Apply writes result for monitorID if token still owns the monitor.
// A stale token is not an error: the result is dropped and applied is false.
// A failed write returns a *PersistenceError and leaves committed state as it was.
//
// The event is published while the monitor's write lock is held, so
// subscribers observe changes of one monitor in commit order. Subscribers
// must not call lifecycle operations for the same monitor synchronously.
func (a *ResultApplier) Apply(ctx context.Context, monitorID, token string, result CheckResult) (bool, error) {
	applied, err := a.ops.Commit(monitorID, token, func() error {
		var previous database.MonitorStatus
		siteID := ""
		if cached, ok := a.cache.Monitor(monitorID); ok {
			previous, siteID = cached.Status, cached.SiteID
		}

		m, err := a.store.ApplyStatus(ctx, database.StatusUpdate{
			MonitorID:    monitorID,
			Status:       result.Status,
			CheckedAt:    result.Timestamp,
			ResponseTime: result.ResponseTime,
			Detail:       result.Detail,
		}, a.historyLimit(siteID))
		a.metrics.RecordDatabaseOperation("apply_status", err)
		if err != nil {
			return err
		}
		a.cache.PutMonitor(m)
		a.publish(m, previous)
		return nil
	})

	if err != nil {
		perr := &PersistenceError{Op: "apply_status", MonitorID: monitorID, Token: token, Err: err}
		a.logger.WithError(err).WithFields(logrus.Fields{
			"monitor": monitorID,
			"token":   token,
			"status":  string(result.Status),
			"detail":  result.Detail,
		}).Error("Failed to persist check result")
		return false, perr
	}

	if !applied {
		a.discard(monitorID, token)
		return false, nil
	}
	return true, nil
}

func (a *ResultApplier) discard(monitorID, token string) {
	site, checkType := "", ""
	if m, ok := a.cache.Monitor(monitorID); ok {
		site, checkType = m.SiteID, m.Type
	}
	a.metrics.RecordDiscard(site, checkType)
	a.logger.WithFields(logrus.Fields{
		"monitor": monitorID,
		"token":   token,
	}).Debug("Discarding result of superseded check")
}

// SetState persists a lifecycle change (start, stop, pause, resume) under
// the monitor's write lock and announces it, under the same lock, when the
// status moved.
func (a *ResultApplier) SetState(ctx context.Context, monitorID string, enabled bool, status database.MonitorStatus) (*database.Monitor, error) {
	var updated *database.Monitor
	err := a.ops.Mutate(monitorID, func() error {
		var previous database.MonitorStatus
		if cached, ok := a.cache.Monitor(monitorID); ok {
			previous = cached.Status
		}
		m, err := a.store.SetMonitorState(ctx, monitorID, enabled, status)
		a.metrics.RecordDatabaseOperation("set_monitor_state", err)
		if err != nil {
			return err
		}
		updated = m
		a.cache.PutMonitor(m)
		if previous != m.Status {
			a.publish(m, previous)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (a *ResultApplier) publish(m *database.Monitor, previous database.MonitorStatus) {
	a.metrics.UpdateMonitorStatus(m.SiteID, m.ID, m.Type, m.Status)

	event := StatusChangedEvent{
		Monitor:        *m.Clone(),
		PreviousStatus: previous,
		Timestamp:      time.Now(),
	}
	if site, ok := a.cache.Site(m.SiteID); ok {
		event.Site = *site
	}
	a.topic.Publish(event)
}
