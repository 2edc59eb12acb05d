// internal/monitoring/lifecycle.go
package monitoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"sitewatch/internal/config"
	"sitewatch/internal/database"
)

// MonitorSpec describes a monitor to create. Zero durations and retry
// counts take the configured defaults; a nil Enabled follows the site.
type MonitorSpec struct {
	ID            string
	Name          string
	Type          string
	Config        map[string]interface{}
	Interval      time.Duration
	Timeout       time.Duration
	RetryAttempts int
	Enabled       *bool
}

type SiteSpec struct {
	ID                string
	Name              string
	MonitoringEnabled *bool
	HistoryLimit      int
	Monitors          []MonitorSpec
}

// MonitorPatch holds the fields of an update; nil fields are left alone.
type MonitorPatch struct {
	Name          *string
	Type          *string
	Config        map[string]interface{}
	Position      *int
	Interval      *time.Duration
	Timeout       *time.Duration
	RetryAttempts *int
}

type SitePatch struct {
	Name              *string
	MonitoringEnabled *bool
	HistoryLimit      *int
}

func (e *Engine) buildMonitor(spec MonitorSpec, siteEnabled bool) (*database.Monitor, error) {
	defaults := e.cfg.Monitoring
	m := &database.Monitor{
		ID:                spec.ID,
		Name:              spec.Name,
		Type:              spec.Type,
		Config:            spec.Config,
		Interval:          spec.Interval,
		Timeout:           spec.Timeout,
		RetryAttempts:     spec.RetryAttempts,
		MonitoringEnabled: siteEnabled,
		Status:            database.StatusPending,
	}
	if spec.Enabled != nil {
		m.MonitoringEnabled = *spec.Enabled
	}
	if m.Config == nil {
		m.Config = map[string]interface{}{}
	}
	if m.Interval == 0 {
		m.Interval = defaults.DefaultInterval
	}
	if m.Timeout == 0 {
		m.Timeout = defaults.DefaultTimeout
	}
	if m.RetryAttempts == 0 {
		m.RetryAttempts = defaults.DefaultRetryAttempts
	}
	if m.Name == "" {
		m.Name = m.ID
	}
	if m.Name == "" {
		m.Name = m.Type
	}
	return m, e.validateMonitor(m)
}

func (e *Engine) validateMonitor(m *database.Monitor) error {
	if strings.Contains(m.ID, ":") {
		return &ValidationError{Field: "id", Reason: "must not contain ':'"}
	}
	plugin, ok := e.registry.Get(m.Type)
	if !ok {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown check type %q", m.Type)}
	}
	if err := plugin.ValidateConfig(m.Config); err != nil {
		return &ValidationError{Field: "config", Reason: err.Error()}
	}
	if m.Interval < e.cfg.Monitoring.MinInterval {
		return &ValidationError{Field: "interval", Reason: fmt.Sprintf("must be at least %s", e.cfg.Monitoring.MinInterval)}
	}
	if m.Timeout <= 0 {
		return &ValidationError{Field: "timeout", Reason: "must be positive"}
	}
	if m.RetryAttempts < 1 || m.RetryAttempts > 10 {
		return &ValidationError{Field: "retry_attempts", Reason: "must be between 1 and 10"}
	}
	return nil
}

// CreateSite persists a site with its initial monitors in one transaction
// and starts the enabled ones.
func (e *Engine) CreateSite(ctx context.Context, spec SiteSpec) (*database.Site, error) {
	site, err := e.buildSite(spec)
	if err != nil {
		return nil, err
	}

	err = e.store.CreateSite(ctx, site)
	e.metrics.RecordDatabaseOperation("create_site", err)
	if err != nil {
		return nil, e.storeErr("create_site", site.ID, "", err)
	}
	e.cache.PutSite(site)

	created, _ := e.cache.Site(site.ID)
	e.publishLifecycle(LifecycleEvent{Action: SiteCreated, SiteID: site.ID, Site: created})
	for i := range site.Monitors {
		if site.Monitors[i].MonitoringEnabled {
			e.scheduler.Start(site.Monitors[i].ID, site.Monitors[i].Interval)
		}
	}

	e.logger.WithFields(logrus.Fields{
		"site":     site.ID,
		"monitors": len(site.Monitors),
	}).Info("Created site")
	return created, nil
}

func (e *Engine) buildSite(spec SiteSpec) (*database.Site, error) {
	if spec.HistoryLimit < 0 {
		return nil, &ValidationError{Field: "history_limit", Reason: "must not be negative"}
	}
	site := &database.Site{
		ID:                spec.ID,
		Name:              spec.Name,
		MonitoringEnabled: spec.MonitoringEnabled == nil || *spec.MonitoringEnabled,
		HistoryLimit:      spec.HistoryLimit,
	}
	if site.Name == "" {
		site.Name = site.ID
	}

	seen := make(map[string]bool)
	for _, ms := range spec.Monitors {
		m, err := e.buildMonitor(ms, site.MonitoringEnabled)
		if err != nil {
			return nil, err
		}
		if m.ID != "" {
			if seen[m.ID] {
				return nil, &ValidationError{Field: "id", Reason: fmt.Sprintf("duplicate monitor id %s", m.ID)}
			}
			seen[m.ID] = true
		}
		site.Monitors = append(site.Monitors, *m)
	}
	return site, nil
}

// UpdateSite changes site fields. Flipping monitoring_enabled starts or
// stops every monitor of the site.
func (e *Engine) UpdateSite(ctx context.Context, siteID string, patch SitePatch) (*database.Site, error) {
	return e.updateSite(ctx, siteID, patch, false)
}

func (e *Engine) updateSite(ctx context.Context, siteID string, patch SitePatch, force bool) (*database.Site, error) {
	current, ok := e.cache.Site(siteID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSite, siteID)
	}

	updated := *current
	updated.Monitors = nil
	if patch.Name != nil {
		if *patch.Name == "" {
			return nil, &ValidationError{Field: "name", Reason: "must not be empty"}
		}
		updated.Name = *patch.Name
	}
	if patch.HistoryLimit != nil {
		if *patch.HistoryLimit < 0 {
			return nil, &ValidationError{Field: "history_limit", Reason: "must not be negative"}
		}
		updated.HistoryLimit = *patch.HistoryLimit
	}
	toggled := patch.MonitoringEnabled != nil && (force || *patch.MonitoringEnabled != current.MonitoringEnabled)
	if patch.MonitoringEnabled != nil {
		updated.MonitoringEnabled = *patch.MonitoringEnabled
	}

	err := e.store.UpdateSite(ctx, &updated)
	e.metrics.RecordDatabaseOperation("update_site", err)
	if err != nil {
		return nil, e.storeErr("update_site", siteID, "", err)
	}
	e.cache.PutSite(&updated)

	var errs error
	if toggled {
		errs = e.toggleSiteMonitors(ctx, siteID, updated.MonitoringEnabled)
	}

	site, _ := e.cache.Site(siteID)
	e.publishLifecycle(LifecycleEvent{Action: SiteUpdated, SiteID: siteID, Site: site})
	return site, errs
}

// StartSite enables the site and starts all of its monitors.
func (e *Engine) StartSite(ctx context.Context, siteID string) (*database.Site, error) {
	enabled := true
	return e.updateSite(ctx, siteID, SitePatch{MonitoringEnabled: &enabled}, true)
}

func (e *Engine) StopSite(ctx context.Context, siteID string) (*database.Site, error) {
	enabled := false
	return e.updateSite(ctx, siteID, SitePatch{MonitoringEnabled: &enabled}, true)
}

func (e *Engine) toggleSiteMonitors(ctx context.Context, siteID string, enabled bool) error {
	var errs error
	for _, id := range e.cache.MonitorIDs(siteID) {
		if enabled {
			_, err := e.startMonitor(ctx, id)
			errs = multierr.Append(errs, err)
		} else {
			_, err := e.stopMonitor(ctx, id)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// DeleteSite stops every monitor of the site, then removes the site, its
// monitors and their history in one transaction. If the delete fails the
// timers are re-armed as they were.
func (e *Engine) DeleteSite(ctx context.Context, siteID string) error {
	if _, ok := e.cache.Site(siteID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSite, siteID)
	}

	ids := e.cache.MonitorIDs(siteID)
	states := make(map[string]ScheduleState, len(ids))
	for _, id := range ids {
		states[id] = e.scheduler.State(id)
		e.scheduler.Stop(id)
	}

	err := e.store.DeleteSite(ctx, siteID)
	e.metrics.RecordDatabaseOperation("delete_site", err)
	if err != nil {
		for _, id := range ids {
			e.rearm(id, states[id])
		}
		return e.storeErr("delete_site", siteID, "", err)
	}

	for _, id := range ids {
		if m, ok := e.cache.Monitor(id); ok {
			e.metrics.ForgetMonitor(m.SiteID, m.ID, m.Type)
		}
		e.ops.Forget(id)
	}
	e.cache.DeleteSite(siteID)

	e.publishLifecycle(LifecycleEvent{Action: SiteDeleted, SiteID: siteID})
	e.logger.WithFields(logrus.Fields{
		"site":     siteID,
		"monitors": len(ids),
	}).Info("Deleted site")
	return nil
}

// rearm restores a timer stopped ahead of a failed delete.
func (e *Engine) rearm(monitorID string, state ScheduleState) {
	m, ok := e.cache.Monitor(monitorID)
	if !ok {
		return
	}
	switch state {
	case StatePaused:
		e.scheduler.StartPaused(monitorID, m.Interval)
	case StateScheduled, StateChecking:
		e.scheduler.Start(monitorID, m.Interval)
	}
}

func (e *Engine) CreateMonitor(ctx context.Context, siteID string, spec MonitorSpec) (*database.Monitor, error) {
	site, ok := e.cache.Site(siteID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSite, siteID)
	}
	m, err := e.buildMonitor(spec, site.MonitoringEnabled)
	if err != nil {
		return nil, err
	}
	m.SiteID = siteID

	err = e.store.CreateMonitor(ctx, m)
	e.metrics.RecordDatabaseOperation("create_monitor", err)
	if err != nil {
		return nil, e.storeErr("create_monitor", siteID, "", err)
	}
	e.cache.PutMonitor(m)

	e.publishLifecycle(LifecycleEvent{Action: MonitorCreated, SiteID: siteID, MonitorID: m.ID, Monitor: m.Clone()})
	if m.MonitoringEnabled {
		e.scheduler.Start(m.ID, m.Interval)
	}

	e.logger.WithFields(logrus.Fields{
		"site":    siteID,
		"monitor": m.ID,
		"type":    m.Type,
	}).Info("Created monitor")
	return m.Clone(), nil
}

// UpdateMonitor applies patch and supersedes any in-flight check, so a
// result produced under the old configuration is never written.
func (e *Engine) UpdateMonitor(ctx context.Context, monitorID string, patch MonitorPatch) (*database.Monitor, error) {
	current, ok := e.cache.Monitor(monitorID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMonitor, monitorID)
	}

	candidate := current.Clone()
	if patch.Name != nil {
		candidate.Name = *patch.Name
	}
	if patch.Type != nil {
		candidate.Type = *patch.Type
	}
	if patch.Config != nil {
		candidate.Config = patch.Config
	}
	if patch.Position != nil {
		candidate.Position = *patch.Position
	}
	if patch.Interval != nil {
		candidate.Interval = *patch.Interval
	}
	if patch.Timeout != nil {
		candidate.Timeout = *patch.Timeout
	}
	if patch.RetryAttempts != nil {
		candidate.RetryAttempts = *patch.RetryAttempts
	}
	if err := e.validateMonitor(candidate); err != nil {
		return nil, err
	}

	var updated *database.Monitor
	err := e.ops.Mutate(monitorID, func() error {
		err := e.store.UpdateMonitor(ctx, candidate)
		e.metrics.RecordDatabaseOperation("update_monitor", err)
		if err != nil {
			return err
		}
		updated = candidate
		e.cache.PutMonitor(updated)
		return nil
	})
	if err != nil {
		return nil, e.storeErr("update_monitor", current.SiteID, monitorID, err)
	}

	e.scheduler.SetInterval(monitorID, updated.Interval)
	if updated.Type != current.Type {
		e.metrics.ForgetMonitor(current.SiteID, monitorID, current.Type)
	}

	e.publishLifecycle(LifecycleEvent{Action: MonitorUpdated, SiteID: updated.SiteID, MonitorID: monitorID, Monitor: updated.Clone()})
	return updated.Clone(), nil
}

// DeleteMonitor stops scheduling first so no timer or operation outlives it.
func (e *Engine) DeleteMonitor(ctx context.Context, monitorID string) error {
	m, ok := e.cache.Monitor(monitorID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMonitor, monitorID)
	}

	state := e.scheduler.State(monitorID)
	e.scheduler.Stop(monitorID)

	err := e.ops.Mutate(monitorID, func() error {
		err := e.store.DeleteMonitor(ctx, monitorID)
		e.metrics.RecordDatabaseOperation("delete_monitor", err)
		if err != nil {
			return err
		}
		e.cache.DeleteMonitor(monitorID)
		return nil
	})
	if err != nil {
		e.rearm(monitorID, state)
		return e.storeErr("delete_monitor", m.SiteID, monitorID, err)
	}

	e.ops.Forget(monitorID)
	e.metrics.ForgetMonitor(m.SiteID, m.ID, m.Type)
	e.publishLifecycle(LifecycleEvent{Action: MonitorDeleted, SiteID: m.SiteID, MonitorID: monitorID})
	return nil
}

// StartMonitoring starts one monitor, or every monitor when monitorID is "".
func (e *Engine) StartMonitoring(ctx context.Context, monitorID string) error {
	if monitorID != "" {
		_, err := e.startMonitor(ctx, monitorID)
		return err
	}
	var errs error
	for _, m := range e.cache.Monitors() {
		_, err := e.startMonitor(ctx, m.ID)
		errs = multierr.Append(errs, err)
	}
	return errs
}

// StopMonitoring stops one monitor, or every monitor when monitorID is "".
func (e *Engine) StopMonitoring(ctx context.Context, monitorID string) error {
	if monitorID != "" {
		_, err := e.stopMonitor(ctx, monitorID)
		return err
	}
	var errs error
	for _, m := range e.cache.Monitors() {
		_, err := e.stopMonitor(ctx, m.ID)
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (e *Engine) startMonitor(ctx context.Context, monitorID string) (*database.Monitor, error) {
	m, ok := e.cache.Monitor(monitorID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMonitor, monitorID)
	}
	state := e.scheduler.State(monitorID)
	if m.MonitoringEnabled && (state == StateScheduled || state == StateChecking) {
		return m, nil
	}

	status := m.Status
	if status == database.StatusPaused {
		status = database.StatusPending
	}
	// Persist before arming: the immediate check must not race the write.
	updated, err := e.applier.SetState(ctx, monitorID, true, status)
	if err != nil {
		return nil, e.storeErr("start_monitor", m.SiteID, monitorID, err)
	}
	e.scheduler.Start(monitorID, updated.Interval)
	return updated, nil
}

func (e *Engine) stopMonitor(ctx context.Context, monitorID string) (*database.Monitor, error) {
	m, ok := e.cache.Monitor(monitorID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMonitor, monitorID)
	}
	state := e.scheduler.State(monitorID)
	if !m.MonitoringEnabled && state == StateStopped {
		return m, nil
	}

	e.scheduler.Stop(monitorID)
	updated, err := e.applier.SetState(ctx, monitorID, false, database.StatusPaused)
	if err != nil {
		e.rearm(monitorID, state)
		return nil, e.storeErr("stop_monitor", m.SiteID, monitorID, err)
	}
	return updated, nil
}

// PauseMonitor keeps the timer registered but silent.
func (e *Engine) PauseMonitor(ctx context.Context, monitorID string) (*database.Monitor, error) {
	m, ok := e.cache.Monitor(monitorID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMonitor, monitorID)
	}
	switch e.scheduler.State(monitorID) {
	case StatePaused:
		return m, nil
	case StateStopped:
		return nil, &ValidationError{Field: "state", Reason: "monitor is not running"}
	}

	e.scheduler.Pause(monitorID)
	updated, err := e.applier.SetState(ctx, monitorID, true, database.StatusPaused)
	if err != nil {
		e.scheduler.Resume(monitorID)
		return nil, e.storeErr("pause_monitor", m.SiteID, monitorID, err)
	}
	return updated, nil
}

// ResumeMonitor re-arms a paused timer and checks immediately.
func (e *Engine) ResumeMonitor(ctx context.Context, monitorID string) (*database.Monitor, error) {
	m, ok := e.cache.Monitor(monitorID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMonitor, monitorID)
	}
	if e.scheduler.State(monitorID) != StatePaused {
		return nil, &ValidationError{Field: "state", Reason: "monitor is not paused"}
	}

	updated, err := e.applier.SetState(ctx, monitorID, true, database.StatusPending)
	if err != nil {
		return nil, e.storeErr("resume_monitor", m.SiteID, monitorID, err)
	}
	e.scheduler.Resume(monitorID)
	return updated, nil
}

// syncConfig creates configured sites and monitors that are missing and
// refreshes the configuration fields of those that exist. Runtime state
// such as enabled flags and status is left to the store.
func (e *Engine) syncConfig(ctx context.Context) error {
	var errs error
	for _, sc := range e.cfg.Sites {
		site, exists := e.cache.Site(sc.ID)
		if !exists {
			spec := siteSpecFromConfig(sc)
			created, err := e.buildSite(spec)
			if err == nil {
				err = e.store.CreateSite(ctx, created)
				e.metrics.RecordDatabaseOperation("create_site", err)
			}
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("site %s: %w", sc.ID, err))
				continue
			}
			e.cache.PutSite(created)
			e.logger.WithFields(logrus.Fields{
				"site":     sc.ID,
				"monitors": len(created.Monitors),
			}).Info("Seeded site from configuration")
			continue
		}

		if (sc.Name != "" && sc.Name != site.Name) || sc.HistoryLimit != site.HistoryLimit {
			updated := *site
			updated.Monitors = nil
			if sc.Name != "" {
				updated.Name = sc.Name
			}
			updated.HistoryLimit = sc.HistoryLimit
			err := e.store.UpdateSite(ctx, &updated)
			e.metrics.RecordDatabaseOperation("update_site", err)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("site %s: %w", sc.ID, err))
			} else {
				e.cache.PutSite(&updated)
			}
		}

		for _, mc := range sc.Monitors {
			errs = multierr.Append(errs, e.syncMonitor(ctx, site, mc))
		}
	}
	return errs
}

func (e *Engine) syncMonitor(ctx context.Context, site *database.Site, mc config.MonitorConfig) error {
	m, err := e.buildMonitor(monitorSpecFromConfig(mc), site.MonitoringEnabled)
	if err != nil {
		return fmt.Errorf("monitor %s: %w", mc.ID, err)
	}
	m.SiteID = site.ID

	existing, ok := e.cache.Monitor(mc.ID)
	if !ok {
		err = e.store.CreateMonitor(ctx, m)
		e.metrics.RecordDatabaseOperation("create_monitor", err)
		if err != nil {
			return fmt.Errorf("monitor %s: %w", mc.ID, err)
		}
		e.cache.PutMonitor(m)
		return nil
	}

	m.Position = existing.Position
	err = e.store.UpdateMonitor(ctx, m)
	e.metrics.RecordDatabaseOperation("update_monitor", err)
	if err != nil {
		return fmt.Errorf("monitor %s: %w", mc.ID, err)
	}
	e.cache.PutMonitor(m)
	return nil
}

func siteSpecFromConfig(sc config.SiteConfig) SiteSpec {
	enabled := sc.IsEnabled()
	spec := SiteSpec{
		ID:                sc.ID,
		Name:              sc.Name,
		MonitoringEnabled: &enabled,
		HistoryLimit:      sc.HistoryLimit,
	}
	for _, mc := range sc.Monitors {
		spec.Monitors = append(spec.Monitors, monitorSpecFromConfig(mc))
	}
	return spec
}

func monitorSpecFromConfig(mc config.MonitorConfig) MonitorSpec {
	return MonitorSpec{
		ID:            mc.ID,
		Name:          mc.Name,
		Type:          mc.Type,
		Config:        mc.Config,
		Interval:      mc.Interval,
		Timeout:       mc.Timeout,
		RetryAttempts: mc.RetryAttempts,
		Enabled:       mc.Enabled,
	}
}
