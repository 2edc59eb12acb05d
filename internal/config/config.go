// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Sites      []SiteConfig     `yaml:"sites"`
	Include    IncludeConfig    `yaml:"include"`
}

type IncludeConfig struct {
	Directory string `yaml:"directory"`
	Pattern   string `yaml:"pattern"`
	Enabled   bool   `yaml:"enabled"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Type             string        `yaml:"type"`
	Path             string        `yaml:"path"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	HistoryRetention time.Duration `yaml:"history_retention"`
}

type PrometheusConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MetricsPath string `yaml:"metrics_path"`
}

type MonitoringConfig struct {
	MinInterval          time.Duration `yaml:"min_interval"`
	DefaultInterval      time.Duration `yaml:"default_interval"`
	DefaultTimeout       time.Duration `yaml:"default_timeout"`
	DefaultRetryAttempts int           `yaml:"default_retry_attempts"`
	HistoryLimit         int           `yaml:"history_limit"`
	Backoff              BackoffConfig `yaml:"backoff"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
}

// BackoffConfig shapes the delay between retry attempts of one check:
// base doubled per attempt, capped at max, plus up to jitter*delay.
// A nil Jitter takes the default; an explicit 0 disables it.
type BackoffConfig struct {
	Base   time.Duration `yaml:"base"`
	Max    time.Duration `yaml:"max"`
	Jitter *float64      `yaml:"jitter"`
}

func (b BackoffConfig) JitterFactor() float64 {
	if b.Jitter == nil {
		return 0
	}
	return *b.Jitter
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type SiteConfig struct {
	ID                string          `yaml:"id"`
	Name              string          `yaml:"name"`
	MonitoringEnabled *bool           `yaml:"monitoring_enabled,omitempty"`
	HistoryLimit      int             `yaml:"history_limit,omitempty"`
	Monitors          []MonitorConfig `yaml:"monitors"`
}

type MonitorConfig struct {
	ID            string                 `yaml:"id"`
	Name          string                 `yaml:"name"`
	Type          string                 `yaml:"type"`
	Config        map[string]interface{} `yaml:"config"`
	Interval      time.Duration          `yaml:"interval,omitempty"`
	Timeout       time.Duration          `yaml:"timeout,omitempty"`
	RetryAttempts int                    `yaml:"retry_attempts,omitempty"`
	Enabled       *bool                  `yaml:"enabled,omitempty"`
}

// IsEnabled reports the site flag, defaulting to true.
func (s *SiteConfig) IsEnabled() bool {
	return s.MonitoringEnabled == nil || *s.MonitoringEnabled
}

func (m *MonitorConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// PartialConfig represents a partial configuration that can be merged
type PartialConfig struct {
	Server     *ServerConfig     `yaml:"server,omitempty"`
	Database   *DatabaseConfig   `yaml:"database,omitempty"`
	Prometheus *PrometheusConfig `yaml:"prometheus,omitempty"`
	Monitoring *MonitoringConfig `yaml:"monitoring,omitempty"`
	Logging    *LoggingConfig    `yaml:"logging,omitempty"`
	Sites      []SiteConfig      `yaml:"sites,omitempty"`
}

func Load(filename string) (*Config, error) {
	// Load the main config file
	config, err := loadConfigFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load main config file: %w", err)
	}

	// Process includes if enabled
	if config.Include.Enabled && config.Include.Directory != "" {
		if err := loadIncludes(config, filepath.Dir(filename)); err != nil {
			return nil, fmt.Errorf("failed to load includes: %w", err)
		}
	}

	SetDefaults(config)

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func loadConfigFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &config, nil
}

func loadIncludes(config *Config, baseDir string) error {
	includeDir := config.Include.Directory

	// Make include directory relative to main config file if not absolute
	if !filepath.IsAbs(includeDir) {
		includeDir = filepath.Join(baseDir, includeDir)
	}

	if _, err := os.Stat(includeDir); os.IsNotExist(err) {
		return fmt.Errorf("include directory does not exist: %s", includeDir)
	}

	pattern := config.Include.Pattern
	if pattern == "" {
		pattern = "*.yaml"
	}

	matches, err := filepath.Glob(filepath.Join(includeDir, pattern))
	if err != nil {
		return fmt.Errorf("failed to glob include pattern: %w", err)
	}

	// Also check for .yml files if pattern is default
	if pattern == "*.yaml" {
		ymlMatches, err := filepath.Glob(filepath.Join(includeDir, "*.yml"))
		if err != nil {
			return fmt.Errorf("failed to glob .yml files: %w", err)
		}
		matches = append(matches, ymlMatches...)
	}

	sort.Slice(matches, func(i, j int) bool {
		return filepath.Base(matches[i]) < filepath.Base(matches[j])
	})

	for _, match := range matches {
		if err := loadAndMergeInclude(config, match); err != nil {
			return fmt.Errorf("failed to load include file %s: %w", match, err)
		}
	}

	return nil
}

func loadAndMergeInclude(config *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read include file: %w", err)
	}

	var partial PartialConfig
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("failed to parse include file YAML: %w", err)
	}

	mergePartialConfig(config, &partial)
	return nil
}

func mergePartialConfig(config *Config, partial *PartialConfig) {
	if len(partial.Sites) > 0 {
		mergeSites(config, partial.Sites)
	}

	// For other sections, only override if they exist in the partial config
	if partial.Server != nil {
		mergeServerConfig(&config.Server, partial.Server)
	}
	if partial.Database != nil {
		mergeDatabaseConfig(&config.Database, partial.Database)
	}
	if partial.Prometheus != nil {
		mergePrometheusConfig(&config.Prometheus, partial.Prometheus)
	}
	if partial.Monitoring != nil {
		mergeMonitoringConfig(&config.Monitoring, partial.Monitoring)
	}
	if partial.Logging != nil {
		mergeLoggingConfig(&config.Logging, partial.Logging)
	}
}

// mergeSites appends new sites. A site whose id already exists either
// contributes extra monitors (when it only carries id and monitors) or
// replaces the existing definition.
func mergeSites(config *Config, newSites []SiteConfig) {
	existing := make(map[string]int)
	for i := range config.Sites {
		existing[config.Sites[i].ID] = i
	}

	for _, site := range newSites {
		idx, ok := existing[site.ID]
		if !ok {
			config.Sites = append(config.Sites, site)
			existing[site.ID] = len(config.Sites) - 1
			continue
		}
		if isPartialSiteDefinition(site) {
			appendMonitorsToSite(&config.Sites[idx], site.Monitors)
		} else {
			config.Sites[idx] = site
		}
	}
}

func isPartialSiteDefinition(site SiteConfig) bool {
	return site.ID != "" &&
		len(site.Monitors) > 0 &&
		site.Name == "" &&
		site.MonitoringEnabled == nil &&
		site.HistoryLimit == 0
}

func appendMonitorsToSite(site *SiteConfig, monitors []MonitorConfig) {
	known := make(map[string]bool)
	for _, m := range site.Monitors {
		known[m.ID] = true
	}
	for _, m := range monitors {
		if !known[m.ID] {
			site.Monitors = append(site.Monitors, m)
			known[m.ID] = true
		}
	}
}

func mergeServerConfig(main *ServerConfig, partial *ServerConfig) {
	if partial.Port != "" {
		main.Port = partial.Port
	}
	if partial.ReadTimeout != 0 {
		main.ReadTimeout = partial.ReadTimeout
	}
	if partial.WriteTimeout != 0 {
		main.WriteTimeout = partial.WriteTimeout
	}
}

func mergeDatabaseConfig(main *DatabaseConfig, partial *DatabaseConfig) {
	if partial.Type != "" {
		main.Type = partial.Type
	}
	if partial.Path != "" {
		main.Path = partial.Path
	}
	if partial.CleanupInterval != 0 {
		main.CleanupInterval = partial.CleanupInterval
	}
	if partial.HistoryRetention != 0 {
		main.HistoryRetention = partial.HistoryRetention
	}
}

func mergePrometheusConfig(main *PrometheusConfig, partial *PrometheusConfig) {
	main.Enabled = partial.Enabled
	if partial.MetricsPath != "" {
		main.MetricsPath = partial.MetricsPath
	}
}

func mergeMonitoringConfig(main *MonitoringConfig, partial *MonitoringConfig) {
	if partial.MinInterval != 0 {
		main.MinInterval = partial.MinInterval
	}
	if partial.DefaultInterval != 0 {
		main.DefaultInterval = partial.DefaultInterval
	}
	if partial.DefaultTimeout != 0 {
		main.DefaultTimeout = partial.DefaultTimeout
	}
	if partial.DefaultRetryAttempts != 0 {
		main.DefaultRetryAttempts = partial.DefaultRetryAttempts
	}
	if partial.HistoryLimit != 0 {
		main.HistoryLimit = partial.HistoryLimit
	}
	if partial.Backoff.Base != 0 {
		main.Backoff.Base = partial.Backoff.Base
	}
	if partial.Backoff.Max != 0 {
		main.Backoff.Max = partial.Backoff.Max
	}
	if partial.Backoff.Jitter != nil {
		main.Backoff.Jitter = partial.Backoff.Jitter
	}
	if partial.ShutdownTimeout != 0 {
		main.ShutdownTimeout = partial.ShutdownTimeout
	}
}

func mergeLoggingConfig(main *LoggingConfig, partial *LoggingConfig) {
	if partial.Level != "" {
		main.Level = partial.Level
	}
	if partial.Format != "" {
		main.Format = partial.Format
	}
	if partial.File != "" {
		main.File = partial.File
	}
	if partial.MaxSizeMB != 0 {
		main.MaxSizeMB = partial.MaxSizeMB
	}
	if partial.MaxBackups != 0 {
		main.MaxBackups = partial.MaxBackups
	}
	if partial.MaxAgeDays != 0 {
		main.MaxAgeDays = partial.MaxAgeDays
	}
	main.Compress = main.Compress || partial.Compress
}

// SetDefaults fills every unset field. It is exported so that callers
// building a Config in code get the same values as Load.
func SetDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8000"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}

	// Database defaults
	if cfg.Database.Type == "" {
		cfg.Database.Type = "boltdb"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/sitewatch.db"
	}
	if cfg.Database.CleanupInterval == 0 {
		cfg.Database.CleanupInterval = 6 * time.Hour
	}

	if cfg.Include.Pattern == "" {
		cfg.Include.Pattern = "*.yaml"
	}

	// Monitoring defaults
	m := &cfg.Monitoring
	if m.MinInterval == 0 {
		m.MinInterval = time.Second
	}
	if m.DefaultInterval == 0 {
		m.DefaultInterval = time.Minute
	}
	if m.DefaultTimeout == 0 {
		m.DefaultTimeout = 10 * time.Second
	}
	if m.DefaultRetryAttempts == 0 {
		m.DefaultRetryAttempts = 1
	}
	if m.HistoryLimit == 0 {
		m.HistoryLimit = 500
	}
	if m.Backoff.Base == 0 {
		m.Backoff.Base = 500 * time.Millisecond
	}
	if m.Backoff.Max == 0 {
		m.Backoff.Max = 30 * time.Second
	}
	if m.Backoff.Jitter == nil {
		jitter := 0.2
		m.Backoff.Jitter = &jitter
	}
	if m.ShutdownTimeout == 0 {
		m.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Prometheus.MetricsPath == "" {
		cfg.Prometheus.MetricsPath = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 50
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}
}

func Validate(cfg *Config) error {
	switch cfg.Database.Type {
	case "boltdb", "sqlite":
	default:
		return fmt.Errorf("database.type must be boltdb or sqlite, got %q", cfg.Database.Type)
	}

	m := cfg.Monitoring
	if m.MinInterval <= 0 {
		return fmt.Errorf("monitoring.min_interval must be positive")
	}
	if m.DefaultInterval < m.MinInterval {
		return fmt.Errorf("monitoring.default_interval must be at least %s", m.MinInterval)
	}
	if m.DefaultTimeout <= 0 {
		return fmt.Errorf("monitoring.default_timeout must be positive")
	}
	if m.DefaultRetryAttempts < 1 || m.DefaultRetryAttempts > 10 {
		return fmt.Errorf("monitoring.default_retry_attempts must be between 1 and 10")
	}
	if m.HistoryLimit < 0 {
		return fmt.Errorf("monitoring.history_limit cannot be negative")
	}
	if m.Backoff.Max < m.Backoff.Base {
		return fmt.Errorf("monitoring.backoff.max must not be below monitoring.backoff.base")
	}
	if j := m.Backoff.JitterFactor(); j < 0 || j > 1 {
		return fmt.Errorf("monitoring.backoff.jitter must be between 0 and 1")
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	if cfg.Include.Enabled {
		if cfg.Include.Directory == "" {
			return fmt.Errorf("include.directory must be specified when include.enabled is true")
		}
		if cfg.Include.Pattern != "" && !isValidGlobPattern(cfg.Include.Pattern) {
			return fmt.Errorf("include.pattern contains invalid glob pattern: %s", cfg.Include.Pattern)
		}
	}

	// Site and monitor ids are global keys in the store
	siteIDs := make(map[string]bool)
	monitorIDs := make(map[string]bool)
	for _, site := range cfg.Sites {
		if site.ID == "" {
			return fmt.Errorf("site %q has no id", site.Name)
		}
		if siteIDs[site.ID] {
			return fmt.Errorf("duplicate site ID: %s", site.ID)
		}
		siteIDs[site.ID] = true
		if site.HistoryLimit < 0 {
			return fmt.Errorf("site '%s' has invalid history_limit: %d", site.ID, site.HistoryLimit)
		}

		for _, mon := range site.Monitors {
			if mon.ID == "" {
				return fmt.Errorf("site '%s' has a monitor without id", site.ID)
			}
			if strings.Contains(mon.ID, ":") {
				return fmt.Errorf("monitor id '%s' must not contain ':'", mon.ID)
			}
			if monitorIDs[mon.ID] {
				return fmt.Errorf("duplicate monitor ID: %s", mon.ID)
			}
			monitorIDs[mon.ID] = true
			if mon.Type == "" {
				return fmt.Errorf("monitor '%s' has no type", mon.ID)
			}
			if mon.Interval != 0 && mon.Interval < m.MinInterval {
				return fmt.Errorf("monitor '%s' interval %s is below monitoring.min_interval %s", mon.ID, mon.Interval, m.MinInterval)
			}
			if mon.Timeout < 0 {
				return fmt.Errorf("monitor '%s' has negative timeout", mon.ID)
			}
			if mon.RetryAttempts < 0 || mon.RetryAttempts > 10 {
				return fmt.Errorf("monitor '%s' retry_attempts must be between 0 and 10", mon.ID)
			}
		}
	}

	return nil
}

// isValidGlobPattern checks if a string is a valid glob pattern
func isValidGlobPattern(pattern string) bool {
	if strings.Contains(pattern, "/") || strings.Contains(pattern, "\\") {
		return false
	}
	_, err := filepath.Match(pattern, "test.yaml")
	return err == nil
}
