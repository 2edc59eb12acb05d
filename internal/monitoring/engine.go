// internal/monitoring/engine.go
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"sitewatch/internal/config"
	"sitewatch/internal/database"
	"sitewatch/internal/events"
	"sitewatch/internal/metrics"
)

const (
	defaultHistoryQueryLimit = 100
	systemMetricsInterval    = 30 * time.Second
)

// Engine is the facade the host process talks to. It wires the executor,
// operation registry, scheduler and result applier together and owns the
// status cache.
type Engine struct {
	cfg      *config.Config
	store    database.Store
	metrics  *metrics.Collector
	logger   logrus.FieldLogger
	registry *Registry
	bus      *events.Bus

	statusTopic    *events.Topic[StatusChangedEvent]
	lifecycleTopic *events.Topic[LifecycleEvent]

	ops       *OperationRegistry
	cache     *StatusCache
	executor  *Executor
	applier   *ResultApplier
	scheduler *Scheduler
	janitor   *HistoryJanitor

	mu           sync.RWMutex
	running      bool
	historyLimit int
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

type Option func(*Engine)

// WithRegistry replaces the built-in check types.
func WithRegistry(r *Registry) Option {
	return func(e *Engine) { e.registry = r }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithBus shares an existing event bus with other components.
func WithBus(b *events.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

func NewEngine(cfg *config.Config, store database.Store, collector *metrics.Collector, opts ...Option) *Engine {
	e := &Engine{
		cfg:          cfg,
		store:        store,
		metrics:      collector,
		logger:       logrus.StandardLogger(),
		historyLimit: cfg.Monitoring.HistoryLimit,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.metrics == nil {
		e.metrics = metrics.NewCollector(store)
	}
	if e.registry == nil {
		e.registry = DefaultRegistry()
	}
	if e.bus == nil {
		base, _ := e.logger.(*logrus.Logger)
		e.bus = events.NewBus(base)
	}

	e.statusTopic = events.NewTopic[StatusChangedEvent](e.bus, TopicStatusChanged)
	e.lifecycleTopic = events.NewTopic[LifecycleEvent](e.bus, TopicLifecycle)

	e.ops = NewOperationRegistry()
	e.cache = NewStatusCache()
	e.executor = NewExecutor(e.registry, BackoffFromConfig(cfg.Monitoring.Backoff), e.logger)
	e.applier = &ResultApplier{
		store:        store,
		ops:          e.ops,
		cache:        e.cache,
		topic:        e.statusTopic,
		metrics:      e.metrics,
		logger:       e.logger,
		historyLimit: e.historyLimitFor,
	}
	e.scheduler = NewScheduler(e.ops, e.runCheck, e.metrics, e.logger)
	e.janitor = NewHistoryJanitor(store, cfg.Database.HistoryRetention, e.logger)

	return e
}

// Start loads persisted state, seeds configured sites and arms a timer for
// every enabled monitor.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	if err := e.restore(ctx); err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return err
	}

	scheduled := 0
	for _, m := range e.cache.Monitors() {
		if !m.MonitoringEnabled {
			continue
		}
		e.metrics.UpdateMonitorStatus(m.SiteID, m.ID, m.Type, m.Status)
		if m.Status == database.StatusPaused {
			e.scheduler.StartPaused(m.ID, m.Interval)
		} else {
			e.scheduler.Start(m.ID, m.Interval)
		}
		scheduled++
	}
	e.scheduler.updateGauge()

	bg, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.janitor.Run(bg, e.cfg.Database.CleanupInterval)
	}()
	go func() {
		defer e.wg.Done()
		e.collectSystemMetrics(bg)
	}()

	e.logger.WithFields(logrus.Fields{
		"sites":    len(e.cache.Sites()),
		"monitors": scheduled,
	}).Info("Monitoring engine started")
	return nil
}

func (e *Engine) restore(ctx context.Context) error {
	sites, err := e.store.GetSites(ctx)
	e.metrics.RecordDatabaseOperation("get_sites", err)
	if err != nil {
		return fmt.Errorf("failed to load sites: %w", err)
	}
	e.cache.Load(sites)

	if err := e.syncConfig(ctx); err != nil {
		return fmt.Errorf("failed to seed configured sites: %w", err)
	}
	return e.loadHistoryLimit(ctx)
}

// Stop shuts the scheduler down and waits for background work.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	var errs error
	errs = multierr.Append(errs, e.scheduler.Shutdown(ctx))
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("background workers: %w", ctx.Err()))
	}

	e.logger.Info("Monitoring engine stopped")
	return errs
}

func (e *Engine) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()
	for {
		if err := e.metrics.UpdateSystemMetrics(ctx); err != nil && ctx.Err() == nil {
			e.logger.WithError(err).Warn("Failed to update system metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runCheck is the scheduler's RunFunc: perform, then hand the result to the
// applier under token.
func (e *Engine) runCheck(ctx context.Context, monitorID, token string) (*CheckResult, error) {
	m, ok := e.cache.Monitor(monitorID)
	if !ok {
		e.ops.Resolve(monitorID, token, OpCancelled)
		return nil, fmt.Errorf("%w: %s", ErrUnknownMonitor, monitorID)
	}

	res := e.executor.Execute(ctx, m)
	e.metrics.RecordCheckResult(m.SiteID, m.Type, res.Status, res.ResponseTime)

	if res.ErrorKind == KindCancelled {
		e.ops.Resolve(monitorID, token, OpCancelled)
		e.applier.discard(monitorID, token)
		return &res, nil
	}

	if _, err := e.applier.Apply(ctx, monitorID, token, res); err != nil {
		return &res, err
	}
	return &res, nil
}

// CheckNow runs one check outside the timer. A nil result with a nil error
// means a check for the monitor was already in flight.
func (e *Engine) CheckNow(ctx context.Context, monitorID string) (*CheckResult, error) {
	if _, ok := e.cache.Monitor(monitorID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMonitor, monitorID)
	}
	return e.scheduler.CheckNow(ctx, monitorID)
}

func (e *Engine) SubscribeStatusChanged(fn func(StatusChangedEvent)) *events.Subscription[StatusChangedEvent] {
	return e.statusTopic.Subscribe(fn)
}

func (e *Engine) SubscribeLifecycle(fn func(LifecycleEvent)) *events.Subscription[LifecycleEvent] {
	return e.lifecycleTopic.Subscribe(fn)
}

// GetHistory returns up to limit entries, newest first.
func (e *Engine) GetHistory(ctx context.Context, monitorID string, limit int) ([]database.HistoryEntry, error) {
	if _, ok := e.cache.Monitor(monitorID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMonitor, monitorID)
	}
	if limit <= 0 {
		limit = defaultHistoryQueryLimit
	}
	entries, err := e.store.GetHistory(ctx, monitorID, limit)
	e.metrics.RecordDatabaseOperation("get_history", err)
	if err != nil {
		return nil, e.storeErr("get_history", "", monitorID, err)
	}
	return entries, nil
}

func (e *Engine) GetMonitor(monitorID string) (*database.Monitor, error) {
	m, ok := e.cache.Monitor(monitorID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMonitor, monitorID)
	}
	m.ActiveOperation = e.ops.Active(monitorID)
	return m, nil
}

func (e *Engine) GetSite(siteID string) (*database.Site, error) {
	site, ok := e.cache.Site(siteID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSite, siteID)
	}
	e.fillOperations(site)
	return site, nil
}

func (e *Engine) GetSites() []database.Site {
	sites := e.cache.Sites()
	for i := range sites {
		e.fillOperations(&sites[i])
	}
	return sites
}

func (e *Engine) fillOperations(site *database.Site) {
	for i := range site.Monitors {
		site.Monitors[i].ActiveOperation = e.ops.Active(site.Monitors[i].ID)
	}
}

// Schedule is a read-only view of the scheduler's timers.
func (e *Engine) Schedule() []ScheduleInfo {
	return e.scheduler.Snapshot()
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

func (e *Engine) Stats(ctx context.Context) (*database.DatabaseStats, error) {
	stats, err := e.store.GetDatabaseStats(ctx)
	e.metrics.RecordDatabaseOperation("get_stats", err)
	if err != nil {
		return nil, e.storeErr("get_stats", "", "", err)
	}
	return stats, nil
}

// PurgeHistory runs the history janitor once.
func (e *Engine) PurgeHistory(ctx context.Context) (PurgeReport, error) {
	return e.janitor.PurgeAll(ctx)
}

func (e *Engine) Settings(ctx context.Context) (map[string]string, error) {
	settings, err := e.store.GetSettings(ctx)
	e.metrics.RecordDatabaseOperation("get_settings", err)
	if err != nil {
		return nil, e.storeErr("get_settings", "", "", err)
	}
	return settings, nil
}

// UpdateSettings writes known setting keys. Unknown keys are rejected before
// anything is written.
func (e *Engine) UpdateSettings(ctx context.Context, values map[string]string) error {
	for key, value := range values {
		switch key {
		case database.SettingHistoryLimit:
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return &ValidationError{Field: key, Reason: "must be a non-negative integer"}
			}
		default:
			return &ValidationError{Field: key, Reason: "unknown setting"}
		}
	}

	if value, ok := values[database.SettingHistoryLimit]; ok {
		n, _ := strconv.Atoi(value)
		return e.SetHistoryLimit(ctx, n)
	}
	return nil
}

// SetHistoryLimit changes the global per-monitor history count. Sites with
// their own limit keep it. Zero keeps everything.
func (e *Engine) SetHistoryLimit(ctx context.Context, limit int) error {
	if limit < 0 {
		return &ValidationError{Field: database.SettingHistoryLimit, Reason: "must not be negative"}
	}
	err := e.store.PutSetting(ctx, database.SettingHistoryLimit, strconv.Itoa(limit))
	e.metrics.RecordDatabaseOperation("put_setting", err)
	if err != nil {
		return e.storeErr("put_setting", "", "", err)
	}
	e.mu.Lock()
	e.historyLimit = limit
	e.mu.Unlock()
	return nil
}

func (e *Engine) loadHistoryLimit(ctx context.Context) error {
	value, err := e.store.GetSetting(ctx, database.SettingHistoryLimit)
	if errors.Is(err, database.ErrNotFound) {
		return e.SetHistoryLimit(ctx, e.cfg.Monitoring.HistoryLimit)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s setting: %w", database.SettingHistoryLimit, err)
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		e.logger.WithField("value", value).Warn("Ignoring invalid history_limit setting")
		return nil
	}
	e.mu.Lock()
	e.historyLimit = n
	e.mu.Unlock()
	return nil
}

func (e *Engine) historyLimitFor(siteID string) int {
	if site, ok := e.cache.Site(siteID); ok && site.HistoryLimit > 0 {
		return site.HistoryLimit
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.historyLimit
}

// storeErr maps a repository error onto the engine's error taxonomy.
func (e *Engine) storeErr(op, siteID, monitorID string, err error) error {
	switch {
	case errors.Is(err, database.ErrNotFound):
		if monitorID != "" {
			return fmt.Errorf("%w: %s", ErrUnknownMonitor, monitorID)
		}
		return fmt.Errorf("%w: %s", ErrUnknownSite, siteID)
	case errors.Is(err, database.ErrDuplicate):
		return &ValidationError{Field: "id", Reason: err.Error()}
	}

	e.logger.WithError(err).WithFields(logrus.Fields{
		"op":      op,
		"site":    siteID,
		"monitor": monitorID,
	}).Error("Store operation failed")
	return &PersistenceError{Op: op, SiteID: siteID, MonitorID: monitorID, Err: err}
}

func (e *Engine) publishLifecycle(ev LifecycleEvent) {
	ev.Timestamp = time.Now()
	e.lifecycleTopic.Publish(ev)
}
