// internal/monitoring/scheduler.go
package monitoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"sitewatch/internal/metrics"
)

type ScheduleState string

const (
	StateStopped   ScheduleState = "stopped"
	StateScheduled ScheduleState = "scheduled"
	StateChecking  ScheduleState = "checking"
	StatePaused    ScheduleState = "paused"
)

// RunFunc performs and applies one check under token.
type RunFunc func(ctx context.Context, monitorID, token string) (*CheckResult, error)

// ScheduleInfo is a read-only view of one timer.
type ScheduleInfo struct {
	MonitorID string        `json:"monitor_id"`
	State     ScheduleState `json:"state"`
	Interval  time.Duration `json:"interval"`
	InFlight  bool          `json:"in_flight"`
	NextRun   time.Time     `json:"next_run,omitempty"`
}

// Scheduler owns one ticker per active monitor and the overlap guard.
// Nothing outside it touches timers.
type Scheduler struct {
	ops     *OperationRegistry
	run     RunFunc
	metrics *metrics.Collector
	logger  logrus.FieldLogger

	mu       sync.Mutex
	entries  map[string]*scheduleEntry
	inFlight map[string]bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type scheduleEntry struct {
	monitorID string
	interval  time.Duration
	ticker    *time.Ticker
	paused    bool
	nextRun   time.Time
	stop      chan struct{}
}

func NewScheduler(ops *OperationRegistry, run RunFunc, collector *metrics.Collector, logger logrus.FieldLogger) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		ops:      ops,
		run:      run,
		metrics:  collector,
		logger:   logger,
		entries:  make(map[string]*scheduleEntry),
		inFlight: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start arms the monitor's timer and runs one check right away. It is a
// no-op for a monitor that is already scheduled; a paused one is resumed.
func (s *Scheduler) Start(monitorID string, interval time.Duration) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if e, ok := s.entries[monitorID]; ok {
		if !e.paused {
			s.mu.Unlock()
			return false
		}
		s.resumeLocked(e)
	} else {
		s.armLocked(monitorID, interval, false)
	}
	s.mu.Unlock()

	s.updateGauge()
	s.dispatch(monitorID)
	return true
}

// StartPaused registers the monitor in the paused state without checking.
func (s *Scheduler) StartPaused(monitorID string, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.entries[monitorID]; ok {
		return false
	}
	s.armLocked(monitorID, interval, true)
	return true
}

func (s *Scheduler) armLocked(monitorID string, interval time.Duration, paused bool) {
	e := &scheduleEntry{
		monitorID: monitorID,
		interval:  interval,
		ticker:    time.NewTicker(interval),
		paused:    paused,
		nextRun:   time.Now().Add(interval),
		stop:      make(chan struct{}),
	}
	if paused {
		e.ticker.Stop()
		e.nextRun = time.Time{}
	}
	s.entries[monitorID] = e

	s.wg.Add(1)
	go s.loop(e)

	s.logger.WithFields(logrus.Fields{
		"monitor":  monitorID,
		"interval": interval,
		"paused":   paused,
	}).Debug("Armed monitor timer")
}

func (s *Scheduler) resumeLocked(e *scheduleEntry) {
	e.paused = false
	e.ticker.Reset(e.interval)
	e.nextRun = time.Now().Add(e.interval)
}

func (s *Scheduler) loop(e *scheduleEntry) {
	defer s.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case <-s.ctx.Done():
			return
		case <-e.ticker.C:
			s.tick(e.monitorID)
		}
	}
}

// tick is the timer callback. A panic here is logged and the timer keeps going.
func (s *Scheduler) tick(monitorID string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"monitor": monitorID,
				"panic":   r,
			}).Error("Timer callback panicked")
		}
	}()

	s.mu.Lock()
	e, ok := s.entries[monitorID]
	if ok {
		e.nextRun = time.Now().Add(e.interval)
	}
	skip := !ok || e.paused
	s.mu.Unlock()

	if skip {
		return
	}
	s.dispatch(monitorID)
}

// acquire takes the overlap guard and registers the run with the wait group.
// A scheduled run is only admitted while the monitor's timer is armed.
func (s *Scheduler) acquire(monitorID string, scheduled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.inFlight[monitorID] {
		return false
	}
	if scheduled && !s.armedLocked(monitorID) {
		return false
	}
	s.inFlight[monitorID] = true
	s.wg.Add(1)
	return true
}

func (s *Scheduler) release(monitorID string) {
	s.mu.Lock()
	delete(s.inFlight, monitorID)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Scheduler) armedLocked(monitorID string) bool {
	e, ok := s.entries[monitorID]
	return ok && !e.paused && !s.closed
}

func (s *Scheduler) armed(monitorID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armedLocked(monitorID)
}

func (s *Scheduler) dispatch(monitorID string) bool {
	if !s.acquire(monitorID, true) {
		s.logger.WithField("monitor", monitorID).Debug("Check in flight or timer disarmed, skipping tick")
		return false
	}
	go func() {
		defer s.release(monitorID)
		if _, err := s.runGuarded(s.ctx, monitorID, true); err != nil {
			s.logger.WithError(err).WithField("monitor", monitorID).Error("Scheduled check failed")
		}
	}()
	return true
}

// runGuarded issues the run's token. A scheduled run whose timer was stopped
// or paused before Begin returned gives its token up unused: Stop and Pause
// disarm under s.mu before invalidating, so either they see this token or
// this check sees them.
func (s *Scheduler) runGuarded(ctx context.Context, monitorID string, scheduled bool) (res *CheckResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("check run panicked: %v", r)
		}
	}()
	token := s.ops.Begin(monitorID)
	if scheduled && !s.armed(monitorID) {
		s.ops.Resolve(monitorID, token, OpCancelled)
		return nil, nil
	}
	return s.run(ctx, monitorID, token)
}

// CheckNow runs one check outside the timer. It returns (nil, nil) when a
// check for the monitor is already in flight.
func (s *Scheduler) CheckNow(ctx context.Context, monitorID string) (*CheckResult, error) {
	if !s.acquire(monitorID, false) {
		return nil, nil
	}
	defer s.release(monitorID)
	return s.runGuarded(ctx, monitorID, false)
}

// Stop disarms the timer and invalidates any in-flight check.
func (s *Scheduler) Stop(monitorID string) bool {
	s.mu.Lock()
	e, ok := s.entries[monitorID]
	if ok {
		close(e.stop)
		e.ticker.Stop()
		delete(s.entries, monitorID)
	}
	s.mu.Unlock()

	s.ops.Invalidate(monitorID)
	if ok {
		s.updateGauge()
		s.logger.WithField("monitor", monitorID).Debug("Stopped monitor timer")
	}
	return ok
}

func (s *Scheduler) Pause(monitorID string) bool {
	s.mu.Lock()
	e, ok := s.entries[monitorID]
	if ok && !e.paused {
		e.paused = true
		e.ticker.Stop()
		e.nextRun = time.Time{}
	} else {
		ok = false
	}
	s.mu.Unlock()

	if ok {
		s.ops.Invalidate(monitorID)
	}
	return ok
}

// Resume re-arms a paused timer and checks immediately.
func (s *Scheduler) Resume(monitorID string) bool {
	s.mu.Lock()
	e, ok := s.entries[monitorID]
	if ok && e.paused {
		s.resumeLocked(e)
	} else {
		ok = false
	}
	s.mu.Unlock()

	if ok {
		s.dispatch(monitorID)
	}
	return ok
}

// SetInterval re-arms the timer without touching an in-flight check.
func (s *Scheduler) SetInterval(monitorID string, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[monitorID]
	if !ok {
		return false
	}
	if e.interval == interval {
		return true
	}
	e.interval = interval
	if !e.paused {
		e.ticker.Reset(interval)
		e.nextRun = time.Now().Add(interval)
	}
	return true
}

// Supersede invalidates the in-flight check after a reconfiguration.
func (s *Scheduler) Supersede(monitorID string) bool {
	return s.ops.Invalidate(monitorID)
}

func (s *Scheduler) State(monitorID string) ScheduleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(monitorID)
}

func (s *Scheduler) stateLocked(monitorID string) ScheduleState {
	e, ok := s.entries[monitorID]
	switch {
	case !ok:
		return StateStopped
	case e.paused:
		return StatePaused
	case s.inFlight[monitorID]:
		return StateChecking
	default:
		return StateScheduled
	}
}

func (s *Scheduler) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]ScheduleInfo, 0, len(s.entries))
	for id, e := range s.entries {
		infos = append(infos, ScheduleInfo{
			MonitorID: id,
			State:     s.stateLocked(id),
			Interval:  e.interval,
			InFlight:  s.inFlight[id],
			NextRun:   e.nextRun,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].MonitorID < infos[j].MonitorID })
	return infos
}

func (s *Scheduler) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) updateGauge() {
	if s.metrics != nil {
		s.metrics.SetScheduledMonitors(s.Scheduled())
	}
}

// Shutdown stops every timer, invalidates in-flight checks and waits for
// their goroutines until ctx expires.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := make([]string, 0, len(s.entries)+len(s.inFlight))
	for id, e := range s.entries {
		close(e.stop)
		e.ticker.Stop()
		ids = append(ids, id)
	}
	for id := range s.inFlight {
		if _, ok := s.entries[id]; !ok {
			ids = append(ids, id)
		}
	}
	s.entries = make(map[string]*scheduleEntry)
	s.mu.Unlock()

	for _, id := range ids {
		s.ops.Invalidate(id)
	}
	s.cancel()
	s.updateGauge()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}
