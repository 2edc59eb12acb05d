package monitoring

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"sitewatch/internal/config"
	"sitewatch/internal/database"
)

// funcPlugin is a check type whose check body is supplied by the test.
type funcPlugin struct {
	name    string
	perform func(ctx context.Context, cfg map[string]interface{}) (Outcome, error)
}

func (p *funcPlugin) Name() string { return p.name }

func (p *funcPlugin) ValidateConfig(cfg map[string]interface{}) error { return nil }

func (p *funcPlugin) Perform(ctx context.Context, cfg map[string]interface{}) (Outcome, error) {
	return p.perform(ctx, cfg)
}

func upPlugin(name string) *funcPlugin {
	return &funcPlugin{name: name, perform: func(ctx context.Context, cfg map[string]interface{}) (Outcome, error) {
		return Outcome{Up: true, Detail: "ok"}, nil
	}}
}

// gate blocks checks until released and reports which config entered.
type gate struct {
	entered chan string
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{entered: make(chan string, 16), release: make(chan struct{})}
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func (g *gate) plugin(name string, up bool) *funcPlugin {
	return &funcPlugin{name: name, perform: func(ctx context.Context, cfg map[string]interface{}) (Outcome, error) {
		key, _ := cfg["key"].(string)
		g.entered <- key
		select {
		case <-g.release:
			return Outcome{Up: up, Detail: "released"}, nil
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}}
}

func (g *gate) waitEntered(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-g.entered:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("check for %q never started", want)
		}
	}
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	config.SetDefaults(cfg)
	cfg.Monitoring.MinInterval = 10 * time.Millisecond
	cfg.Monitoring.Backoff = config.BackoffConfig{Base: time.Millisecond, Max: 5 * time.Millisecond}
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, plugins ...Plugin) (*Engine, database.Store, *test.Hook) {
	t.Helper()
	store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return newEngineWithStore(t, cfg, store, plugins...)
}

func newEngineWithStore(t *testing.T, cfg *config.Config, store database.Store, plugins ...Plugin) (*Engine, database.Store, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.InfoLevel)

	e := NewEngine(cfg, store, nil, WithRegistry(NewRegistry(plugins...)), WithLogger(logger))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
		_ = store.Close()
	})
	return e, store, hook
}

func countEntries(hook *test.Hook, level logrus.Level, msg string) int {
	n := 0
	for _, entry := range hook.AllEntries() {
		if entry.Level == level && entry.Message == msg {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (s *Scheduler) isInFlight(monitorID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[monitorID]
}

func boolPtr(b bool) *bool { return &b }
