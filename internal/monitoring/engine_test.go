package monitoring

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"sitewatch/internal/config"
	"sitewatch/internal/database"
)

func createSite(t *testing.T, e *Engine, spec SiteSpec) *database.Site {
	t.Helper()
	site, err := e.CreateSite(context.Background(), spec)
	if err != nil {
		t.Fatalf("create site: %v", err)
	}
	return site
}

func history(t *testing.T, store database.Store, monitorID string) []database.HistoryEntry {
	t.Helper()
	entries, err := store.GetHistory(context.Background(), monitorID, 0)
	if err != nil {
		t.Fatalf("history %s: %v", monitorID, err)
	}
	return entries
}

func TestEngine_TimeoutScenario(t *testing.T) {
	hang := &funcPlugin{name: "hang", perform: func(ctx context.Context, cfg map[string]interface{}) (Outcome, error) {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	}}
	e, store, hook := newTestEngine(t, testConfig(), hang)

	attemptsAtEvent := make(chan int, 4)
	sub := e.SubscribeStatusChanged(func(ev StatusChangedEvent) {
		if ev.Monitor.ID == "slow" {
			attemptsAtEvent <- countEntries(hook, logrus.WarnLevel, "Check attempt failed")
		}
	})
	defer sub.Release()

	createSite(t, e, SiteSpec{ID: "site", Monitors: []MonitorSpec{{
		ID:            "slow",
		Type:          "hang",
		Interval:      time.Second,
		Timeout:       300 * time.Millisecond,
		RetryAttempts: 2,
	}}})

	var logged int
	select {
	case logged = <-attemptsAtEvent:
	case <-time.After(5 * time.Second):
		t.Fatal("no status change published")
	}

	m, _ := e.GetMonitor("slow")
	if m.Status != database.StatusDown {
		t.Fatalf("want down, got %s", m.Status)
	}
	if logged != 2 {
		t.Fatalf("want 2 attempts logged, got %d", logged)
	}
	entries := history(t, store, "slow")
	if len(entries) != 1 || entries[0].Status != database.StatusDown {
		t.Fatalf("want one down history entry, got %+v", entries)
	}
}

func TestEngine_CheckNowDeduplicates(t *testing.T) {
	g := newGate()
	e, store, _ := newTestEngine(t, testConfig(), g.plugin("gated", true))

	createSite(t, e, SiteSpec{ID: "site", Monitors: []MonitorSpec{{
		ID: "m1", Type: "gated", Config: map[string]interface{}{"key": "m1"}, Enabled: boolPtr(false),
	}}})

	type reply struct {
		res *CheckResult
		err error
	}
	first := make(chan reply, 1)
	go func() {
		res, err := e.CheckNow(context.Background(), "m1")
		first <- reply{res, err}
	}()
	g.waitEntered(t, "m1")

	res, err := e.CheckNow(context.Background(), "m1")
	if res != nil || err != nil {
		t.Fatalf("want (nil, nil) for the duplicate call, got (%v, %v)", res, err)
	}

	g.open()
	r := <-first
	if r.err != nil || r.res == nil || r.res.Status != database.StatusUp {
		t.Fatalf("first call: %+v", r)
	}
	if n := len(history(t, store, "m1")); n != 1 {
		t.Fatalf("want exactly one history entry, got %d", n)
	}
}

func TestEngine_DeleteSiteMidCheck(t *testing.T) {
	g := newGate()
	e, store, _ := newTestEngine(t, testConfig(), g.plugin("gated", true), upPlugin("up"))

	updated := make(chan string, 4)
	sub := e.SubscribeStatusChanged(func(ev StatusChangedEvent) { updated <- ev.Monitor.ID })
	defer sub.Release()

	createSite(t, e, SiteSpec{ID: "shop", Monitors: []MonitorSpec{
		{ID: "busy", Type: "gated", Interval: time.Minute, Config: map[string]interface{}{"key": "busy"}},
		{ID: "idle", Type: "up", Interval: time.Minute},
	}})
	g.waitEntered(t, "busy")
	select {
	case id := <-updated:
		if id != "idle" {
			t.Fatalf("unexpected status change for %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("idle monitor never reported")
	}
	busyToken := e.ops.Active("busy")
	if busyToken == "" {
		t.Fatal("busy monitor should own an operation")
	}
	if n := len(history(t, store, "idle")); n != 1 {
		t.Fatalf("want one idle history entry before the delete, got %d", n)
	}

	if err := e.DeleteSite(context.Background(), "shop"); err != nil {
		t.Fatalf("delete site: %v", err)
	}
	g.open()
	waitFor(t, "busy check to drain", func() bool { return !e.scheduler.isInFlight("busy") })

	if e.ops.Validate("busy", busyToken) {
		t.Fatal("in-flight operation survived the delete")
	}
	if len(e.Schedule()) != 0 {
		t.Fatalf("timers survived the delete: %+v", e.Schedule())
	}
	if _, err := e.GetSite("shop"); !errors.Is(err, ErrUnknownSite) {
		t.Fatalf("want ErrUnknownSite, got %v", err)
	}
	if _, err := store.GetSite(context.Background(), "shop"); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("site row still present: %v", err)
	}
	for _, id := range []string{"busy", "idle"} {
		if _, err := store.GetMonitor(context.Background(), id); !errors.Is(err, database.ErrNotFound) {
			t.Fatalf("monitor %s still present: %v", id, err)
		}
		if _, err := store.GetHistory(context.Background(), id, 0); !errors.Is(err, database.ErrNotFound) {
			t.Fatalf("history of %s still readable: %v", id, err)
		}
	}
	stats, err := store.GetDatabaseStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalHistory != 0 {
		t.Fatalf("history rows survived the delete: %d", stats.TotalHistory)
	}
	select {
	case id := <-updated:
		t.Fatalf("status change published after delete for %s", id)
	default:
	}
}

func TestEngine_StatusEventsFollowCommitOrder(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig(), upPlugin("up"))

	parked := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	slow := e.SubscribeStatusChanged(func(ev StatusChangedEvent) {
		if ev.Monitor.ID == "m1" && ev.Monitor.Status == database.StatusUp {
			once.Do(func() {
				close(parked)
				<-release
			})
		}
	})
	defer slow.Release()

	var (
		mu   sync.Mutex
		seen []database.MonitorStatus
	)
	recorder := e.SubscribeStatusChanged(func(ev StatusChangedEvent) {
		if ev.Monitor.ID != "m1" {
			return
		}
		mu.Lock()
		seen = append(seen, ev.Monitor.Status)
		mu.Unlock()
	})
	defer recorder.Release()

	createSite(t, e, SiteSpec{ID: "site", Monitors: []MonitorSpec{{ID: "m1", Type: "up", Interval: time.Minute}}})
	select {
	case <-parked:
	case <-time.After(5 * time.Second):
		t.Fatal("up event never delivered")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- e.StopMonitoring(context.Background(), "m1") }()
	select {
	case err := <-stopped:
		t.Fatalf("stop committed while the up event was still being delivered: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stop never returned")
	}

	m, _ := e.GetMonitor("m1")
	if m.Status != database.StatusPaused {
		t.Fatalf("want committed status paused, got %s", m.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != database.StatusUp || seen[1] != database.StatusPaused {
		t.Fatalf("want events [up paused], got %v", seen)
	}
	if last := seen[len(seen)-1]; last != m.Status {
		t.Fatalf("last published state %s != committed %s", last, m.Status)
	}
}

func TestEngine_ReconfigureSupersedes(t *testing.T) {
	g := newGate()
	e, store, _ := newTestEngine(t, testConfig(), g.plugin("gated", true))

	createSite(t, e, SiteSpec{ID: "site", Monitors: []MonitorSpec{{
		ID: "m1", Type: "gated", Interval: time.Minute, Config: map[string]interface{}{"key": "m1"},
	}}})
	g.waitEntered(t, "m1")
	token := e.ops.Active("m1")

	name := "renamed"
	timeout := 2 * time.Second
	m, err := e.UpdateMonitor(context.Background(), "m1", MonitorPatch{Name: &name, Timeout: &timeout})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if m.Name != "renamed" || m.Timeout != 2*time.Second {
		t.Fatalf("update not applied: %+v", m)
	}

	g.open()
	waitFor(t, "check to drain", func() bool { return !e.scheduler.isInFlight("m1") })

	op, _ := e.ops.Get("m1")
	if op.Token != token || op.State != OpSuperseded {
		t.Fatalf("want superseded op %s, got %+v", token, op)
	}
	got, _ := e.GetMonitor("m1")
	if got.Status != database.StatusPending {
		t.Fatalf("superseded up result was applied: %s", got.Status)
	}
	if n := len(history(t, store, "m1")); n != 0 {
		t.Fatalf("want no history, got %d", n)
	}
}

func TestEngine_StopDiscardsInFlight(t *testing.T) {
	g := newGate()
	e, store, _ := newTestEngine(t, testConfig(), g.plugin("gated", false))

	createSite(t, e, SiteSpec{ID: "site", Monitors: []MonitorSpec{{
		ID: "m1", Type: "gated", Interval: time.Minute, Config: map[string]interface{}{"key": "m1"},
	}}})
	g.waitEntered(t, "m1")

	if err := e.StopMonitoring(context.Background(), "m1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	g.open()
	waitFor(t, "check to drain", func() bool { return !e.scheduler.isInFlight("m1") })

	m, _ := e.GetMonitor("m1")
	if m.Status != database.StatusPaused || m.MonitoringEnabled {
		t.Fatalf("want stopped monitor, got status=%s enabled=%v", m.Status, m.MonitoringEnabled)
	}
	if n := len(history(t, store, "m1")); n != 0 {
		t.Fatalf("stale result appended history: %d rows", n)
	}
	if e.scheduler.State("m1") != StateStopped {
		t.Fatalf("want stopped, got %s", e.scheduler.State("m1"))
	}
}

type failingStore struct {
	database.Store
	fail     atomic.Bool
	failLoad atomic.Bool
}

func (s *failingStore) GetSites(ctx context.Context) ([]database.Site, error) {
	if s.failLoad.Load() {
		return nil, errors.New("database is locked")
	}
	return s.Store.GetSites(ctx)
}

func (s *failingStore) ApplyStatus(ctx context.Context, update database.StatusUpdate, limit int) (*database.Monitor, error) {
	if s.fail.Load() {
		return nil, errors.New("disk I/O error")
	}
	return s.Store.ApplyStatus(ctx, update, limit)
}

func TestEngine_PersistenceFailureLeavesState(t *testing.T) {
	base, err := database.NewBoltStore(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	store := &failingStore{Store: base}
	e, _, hook := newEngineWithStore(t, testConfig(), store, upPlugin("up"))

	var events atomic.Int32
	sub := e.SubscribeStatusChanged(func(StatusChangedEvent) { events.Add(1) })
	defer sub.Release()

	createSite(t, e, SiteSpec{ID: "site", Monitors: []MonitorSpec{{ID: "m1", Type: "up", Enabled: boolPtr(false)}}})
	store.fail.Store(true)

	res, err := e.CheckNow(context.Background(), "m1")
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("want PersistenceError, got %v", err)
	}
	if perr.MonitorID != "m1" || perr.Token == "" {
		t.Fatalf("persistence error lacks context: %+v", perr)
	}
	if res == nil || res.Status != database.StatusUp {
		t.Fatalf("check result should still be returned, got %+v", res)
	}
	m, _ := e.GetMonitor("m1")
	if m.Status != database.StatusPending {
		t.Fatalf("status changed despite failed write: %s", m.Status)
	}
	if events.Load() != 0 {
		t.Fatal("event published for a failed write")
	}
	if countEntries(hook, logrus.ErrorLevel, "Failed to persist check result") != 1 {
		t.Fatal("persistence failure not logged")
	}

	store.fail.Store(false)
	if _, err := e.CheckNow(context.Background(), "m1"); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	m, _ = e.GetMonitor("m1")
	if m.Status != database.StatusUp {
		t.Fatalf("want up after recovery, got %s", m.Status)
	}
}

func TestEngine_StartRecoversFromLoadFailure(t *testing.T) {
	base, err := database.NewBoltStore(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	store := &failingStore{Store: base}
	store.failLoad.Store(true)

	logger, _ := test.NewNullLogger()
	e := NewEngine(testConfig(), store, nil, WithRegistry(NewRegistry(upPlugin("up"))), WithLogger(logger))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
		_ = store.Close()
	})

	if err := e.Start(context.Background()); err == nil {
		t.Fatal("want start to fail while sites cannot be loaded")
	}
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if running {
		t.Fatal("engine marked running after a failed start")
	}

	store.failLoad.Store(false)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	e.mu.Lock()
	started := e.running && e.cancel != nil
	e.mu.Unlock()
	if !started {
		t.Fatal("second start did not bring the engine up")
	}

	createSite(t, e, SiteSpec{ID: "site", Monitors: []MonitorSpec{{ID: "m1", Type: "up", Interval: time.Minute}}})
	waitFor(t, "first check", func() bool {
		m, err := e.GetMonitor("m1")
		return err == nil && m.Status == database.StatusUp
	})
}

func TestEngine_PauseResume(t *testing.T) {
	var runs atomic.Int32
	counting := &funcPlugin{name: "count", perform: func(ctx context.Context, cfg map[string]interface{}) (Outcome, error) {
		runs.Add(1)
		return Outcome{Up: true}, nil
	}}
	e, _, _ := newTestEngine(t, testConfig(), counting)

	createSite(t, e, SiteSpec{ID: "site", Monitors: []MonitorSpec{{ID: "m1", Type: "count", Interval: time.Minute}}})
	waitFor(t, "first check", func() bool {
		m, _ := e.GetMonitor("m1")
		return m.Status == database.StatusUp
	})

	m, err := e.PauseMonitor(context.Background(), "m1")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if m.Status != database.StatusPaused || !m.MonitoringEnabled {
		t.Fatalf("want paused and enabled, got %s/%v", m.Status, m.MonitoringEnabled)
	}
	if _, err := e.ResumeMonitor(context.Background(), "missing"); !errors.Is(err, ErrUnknownMonitor) {
		t.Fatalf("want ErrUnknownMonitor, got %v", err)
	}

	before := runs.Load()
	if _, err := e.ResumeMonitor(context.Background(), "m1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, "check after resume", func() bool { return runs.Load() > before })

	var verr *ValidationError
	if _, err := e.ResumeMonitor(context.Background(), "m1"); !errors.As(err, &verr) {
		t.Fatalf("resume of a running monitor: want ValidationError, got %v", err)
	}
}

func TestEngine_RestartKeepsLifecycleState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")
	cfg := testConfig()

	store, err := database.NewBoltStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	e := NewEngine(cfg, store, nil, WithRegistry(NewRegistry(upPlugin("up"))), WithLogger(logrus.New()))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	createSite(t, e, SiteSpec{ID: "site", Monitors: []MonitorSpec{
		{ID: "paused", Type: "up", Interval: time.Minute},
		{ID: "stopped", Type: "up", Interval: time.Minute},
		{ID: "running", Type: "up", Interval: time.Minute},
	}})
	if _, err := e.PauseMonitor(context.Background(), "paused"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := e.StopMonitoring(context.Background(), "stopped"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("engine stop: %v", err)
	}
	store.Close()

	reopened, err := database.NewBoltStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	e2, _, _ := newEngineWithStore(t, cfg, reopened, upPlugin("up"))

	want := map[string]ScheduleState{
		"paused":  StatePaused,
		"stopped": StateStopped,
	}
	for id, state := range want {
		if got := e2.scheduler.State(id); got != state {
			t.Errorf("%s: want %s, got %s", id, state, got)
		}
	}
	if got := e2.scheduler.State("running"); got == StateStopped || got == StatePaused {
		t.Errorf("running: want scheduled, got %s", got)
	}
}

func TestEngine_Validation(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig(), upPlugin("up"))
	createSite(t, e, SiteSpec{ID: "site"})

	tests := []struct {
		name  string
		spec  MonitorSpec
		field string
	}{
		{"unknown type", MonitorSpec{ID: "a", Type: "gopher"}, "type"},
		{"interval floor", MonitorSpec{ID: "b", Type: "up", Interval: time.Millisecond}, "interval"},
		{"negative timeout", MonitorSpec{ID: "c", Type: "up", Timeout: -time.Second}, "timeout"},
		{"too many retries", MonitorSpec{ID: "d", Type: "up", RetryAttempts: 11}, "retry_attempts"},
		{"colon in id", MonitorSpec{ID: "x:y", Type: "up"}, "id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CreateMonitor(context.Background(), "site", tt.spec)
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Fatalf("want ValidationError on %s, got %v", tt.field, err)
			}
			if _, err := e.GetMonitor(tt.spec.ID); !errors.Is(err, ErrUnknownMonitor) {
				t.Fatal("invalid monitor was stored")
			}
		})
	}

	if _, err := e.CreateMonitor(context.Background(), "nope", MonitorSpec{Type: "up"}); !errors.Is(err, ErrUnknownSite) {
		t.Fatalf("want ErrUnknownSite, got %v", err)
	}
	if _, err := e.CreateMonitor(context.Background(), "site", MonitorSpec{ID: "dup", Type: "up"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	var verr *ValidationError
	if _, err := e.CreateMonitor(context.Background(), "site", MonitorSpec{ID: "dup", Type: "up"}); !errors.As(err, &verr) {
		t.Fatalf("duplicate id: want ValidationError, got %v", err)
	}
}

func TestEngine_HistoryLimitSetting(t *testing.T) {
	e, store, _ := newTestEngine(t, testConfig(), upPlugin("up"))
	createSite(t, e, SiteSpec{ID: "site", Monitors: []MonitorSpec{{ID: "m1", Type: "up", Enabled: boolPtr(false)}}})

	if err := e.UpdateSettings(context.Background(), map[string]string{"history_limit": "2"}); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := e.CheckNow(context.Background(), "m1"); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
	}
	if n := len(history(t, store, "m1")); n != 2 {
		t.Fatalf("want history pruned to 2, got %d", n)
	}

	limit := 3
	if _, err := e.UpdateSite(context.Background(), "site", SitePatch{HistoryLimit: &limit}); err != nil {
		t.Fatalf("update site: %v", err)
	}
	for i := 0; i < 4; i++ {
		_, _ = e.CheckNow(context.Background(), "m1")
	}
	if n := len(history(t, store, "m1")); n != 3 {
		t.Fatalf("site override ignored, got %d rows", n)
	}

	var verr *ValidationError
	if err := e.UpdateSettings(context.Background(), map[string]string{"colour": "blue"}); !errors.As(err, &verr) {
		t.Fatalf("unknown setting: want ValidationError, got %v", err)
	}
	settings, _ := e.Settings(context.Background())
	if settings["history_limit"] != "2" {
		t.Fatalf("want persisted history_limit 2, got %q", settings["history_limit"])
	}
}

func TestEngine_SeedsConfiguredSites(t *testing.T) {
	cfg := testConfig()
	cfg.Sites = []config.SiteConfig{{
		ID:   "docs",
		Name: "Docs",
		Monitors: []config.MonitorConfig{
			{ID: "docs-up", Type: "up", Interval: time.Minute},
			{ID: "docs-off", Type: "up", Enabled: boolPtr(false)},
		},
	}}
	e, _, _ := newTestEngine(t, cfg, upPlugin("up"))

	site, err := e.GetSite("docs")
	if err != nil {
		t.Fatalf("seeded site missing: %v", err)
	}
	if site.Name != "Docs" || len(site.Monitors) != 2 {
		t.Fatalf("unexpected seeded site: %+v", site)
	}
	if e.scheduler.State("docs-off") != StateStopped {
		t.Fatal("disabled monitor was scheduled")
	}
	waitFor(t, "seeded monitor check", func() bool {
		m, _ := e.GetMonitor("docs-up")
		return m.Status == database.StatusUp
	})
}

func TestEngine_LifecycleEvents(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig(), upPlugin("up"))

	var actions []LifecycleAction
	sub := e.SubscribeLifecycle(func(ev LifecycleEvent) { actions = append(actions, ev.Action) })

	createSite(t, e, SiteSpec{ID: "site"})
	if _, err := e.CreateMonitor(context.Background(), "site", MonitorSpec{ID: "m1", Type: "up", Enabled: boolPtr(false)}); err != nil {
		t.Fatalf("create monitor: %v", err)
	}
	if err := e.DeleteMonitor(context.Background(), "m1"); err != nil {
		t.Fatalf("delete monitor: %v", err)
	}
	sub.Release()
	if err := e.DeleteSite(context.Background(), "site"); err != nil {
		t.Fatalf("delete site: %v", err)
	}

	want := []LifecycleAction{SiteCreated, MonitorCreated, MonitorDeleted}
	if len(actions) != len(want) {
		t.Fatalf("want %v, got %v", want, actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("want %v, got %v", want, actions)
		}
	}
}
