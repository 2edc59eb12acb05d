package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
sites:
  - id: shop
    name: Shop
    monitors:
      - id: shop-http
        type: http
        config:
          url: https://example.com
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Type != "boltdb" {
		t.Fatalf("want boltdb default, got %q", cfg.Database.Type)
	}
	if cfg.Monitoring.MinInterval != time.Second || cfg.Monitoring.DefaultInterval != time.Minute {
		t.Fatalf("unexpected interval defaults: %+v", cfg.Monitoring)
	}
	if cfg.Monitoring.HistoryLimit != 500 || cfg.Monitoring.DefaultRetryAttempts != 1 {
		t.Fatalf("unexpected monitoring defaults: %+v", cfg.Monitoring)
	}
	if cfg.Monitoring.Backoff.Base != 500*time.Millisecond || cfg.Monitoring.Backoff.Max != 30*time.Second {
		t.Fatalf("unexpected backoff defaults: %+v", cfg.Monitoring.Backoff)
	}
	if cfg.Monitoring.Backoff.JitterFactor() != 0.2 {
		t.Fatalf("want default jitter 0.2, got %v", cfg.Monitoring.Backoff.JitterFactor())
	}
	if !cfg.Sites[0].IsEnabled() || !cfg.Sites[0].Monitors[0].IsEnabled() {
		t.Fatalf("sites and monitors should default to enabled")
	}
}

func TestLoad_ParsesDurationsAndSites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
database:
  type: sqlite
  path: /tmp/sw.sqlite
  history_retention: 720h
monitoring:
  min_interval: 5s
  backoff:
    base: 100ms
    max: 2s
    jitter: 0.5
sites:
  - id: api
    name: API
    monitoring_enabled: false
    history_limit: 50
    monitors:
      - id: api-tcp
        type: tcp
        interval: 30s
        timeout: 2s
        retry_attempts: 3
        enabled: false
        config:
          host: 10.0.0.5
          port: 443
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Type != "sqlite" || cfg.Database.HistoryRetention != 720*time.Hour {
		t.Fatalf("database section not parsed: %+v", cfg.Database)
	}
	if cfg.Monitoring.Backoff.JitterFactor() != 0.5 || cfg.Monitoring.Backoff.Base != 100*time.Millisecond {
		t.Fatalf("backoff not parsed: %+v", cfg.Monitoring.Backoff)
	}
	site := cfg.Sites[0]
	if site.IsEnabled() || site.HistoryLimit != 50 {
		t.Fatalf("site flags not parsed: %+v", site)
	}
	mon := site.Monitors[0]
	if mon.Interval != 30*time.Second || mon.Timeout != 2*time.Second || mon.RetryAttempts != 3 || mon.IsEnabled() {
		t.Fatalf("monitor not parsed: %+v", mon)
	}
	if mon.Config["port"] != 443 {
		t.Fatalf("want int port 443, got %#v", mon.Config["port"])
	}
}

func TestLoad_ZeroJitterDisablesJitter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
monitoring:
  backoff:
    base: 100ms
    jitter: 0
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Monitoring.Backoff.Jitter == nil || cfg.Monitoring.Backoff.JitterFactor() != 0 {
		t.Fatalf("explicit zero jitter was replaced: %+v", cfg.Monitoring.Backoff)
	}
}

func TestLoad_MergesIncludes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
include:
  enabled: true
  directory: conf.d
logging:
  level: info
sites:
  - id: shop
    name: Shop
    monitors:
      - id: shop-http
        type: http
        config: {url: "https://example.com"}
`)
	writeFile(t, filepath.Join(dir, "conf.d", "10-extra.yaml"), `
sites:
  - id: shop
    monitors:
      - id: shop-dns
        type: dns
        config: {host: example.com}
  - id: blog
    name: Blog
    monitors: []
`)
	writeFile(t, filepath.Join(dir, "conf.d", "20-logging.yml"), `
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Sites) != 2 {
		t.Fatalf("want 2 sites, got %d", len(cfg.Sites))
	}
	if len(cfg.Sites[0].Monitors) != 2 || cfg.Sites[0].Name != "Shop" {
		t.Fatalf("partial site should append monitors: %+v", cfg.Sites[0])
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("want debug level from include, got %q", cfg.Logging.Level)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"duplicate monitor": `
sites:
  - id: a
    monitors:
      - {id: m1, type: tcp}
  - id: b
    monitors:
      - {id: m1, type: tcp}
`,
		"interval below floor": `
sites:
  - id: a
    monitors:
      - {id: m1, type: tcp, interval: 100ms}
`,
		"bad database": `
database:
  type: postgres
`,
		"jitter above one": `
monitoring:
  backoff:
    jitter: 1.5
`,
		"colon in id": `
sites:
  - id: a
    monitors:
      - {id: "m:1", type: tcp}
`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			writeFile(t, path, body)
			_, err := Load(path)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), "invalid configuration") {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
