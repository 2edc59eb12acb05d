// internal/database/sqlstore.go - SQLite implementation
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLStore keeps the same model as BoltStore in relational tables.
type SQLStore struct {
	db   *sql.DB
	path string
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS sites (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	monitoring_enabled INTEGER NOT NULL,
	history_limit      INTEGER NOT NULL DEFAULT 0,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS monitors (
	id                 TEXT PRIMARY KEY,
	site_id            TEXT NOT NULL,
	name               TEXT NOT NULL,
	type               TEXT NOT NULL,
	config             TEXT NOT NULL,
	position           INTEGER NOT NULL,
	interval_ns        INTEGER NOT NULL,
	timeout_ns         INTEGER NOT NULL,
	retry_attempts     INTEGER NOT NULL,
	monitoring_enabled INTEGER NOT NULL,
	status             TEXT NOT NULL,
	last_check         TEXT NOT NULL,
	last_response_ns   INTEGER NOT NULL,
	last_detail        TEXT NOT NULL,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	FOREIGN KEY(site_id) REFERENCES sites(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_monitors_site_position ON monitors (site_id, position);

CREATE TABLE IF NOT EXISTS history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	monitor_id  TEXT NOT NULL,
	checked_at  TEXT NOT NULL,
	status      TEXT NOT NULL,
	response_ns INTEGER NOT NULL,
	detail      TEXT NOT NULL,
	FOREIGN KEY(monitor_id) REFERENCES monitors(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_history_monitor_id ON history (monitor_id, id DESC);
CREATE INDEX IF NOT EXISTS idx_history_checked_at ON history (checked_at);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

func NewSQLStore(path string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}
	// A single connection serialises writers the way bbolt does.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &SQLStore{db: db, path: path}, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// withTx runs fn inside a transaction, committing only when fn succeeds.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// timeLayout is fixed width so that text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const siteColumns = `id, name, monitoring_enabled, history_limit, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSite(row rowScanner) (*Site, error) {
	var (
		site                 Site
		enabled              int
		createdAt, updatedAt string
	)
	if err := row.Scan(&site.ID, &site.Name, &enabled, &site.HistoryLimit, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	site.MonitoringEnabled = enabled != 0
	site.CreatedAt = parseTime(createdAt)
	site.UpdatedAt = parseTime(updatedAt)
	return &site, nil
}

const monitorColumns = `id, site_id, name, type, config, position, interval_ns, timeout_ns, retry_attempts,
	monitoring_enabled, status, last_check, last_response_ns, last_detail, created_at, updated_at`

func scanMonitor(row rowScanner) (*Monitor, error) {
	var (
		m                               Monitor
		config                          string
		interval, timeout, lastResponse int64
		enabled                         int
		status                          string
		lastCheck, createdAt, updatedAt string
	)
	err := row.Scan(&m.ID, &m.SiteID, &m.Name, &m.Type, &config, &m.Position, &interval, &timeout,
		&m.RetryAttempts, &enabled, &status, &lastCheck, &lastResponse, &m.LastDetail, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if config != "" {
		if err := json.Unmarshal([]byte(config), &m.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config of monitor %s: %w", m.ID, err)
		}
	}
	m.Interval = time.Duration(interval)
	m.Timeout = time.Duration(timeout)
	m.LastResponseTime = time.Duration(lastResponse)
	m.MonitoringEnabled = enabled != 0
	m.Status = MonitorStatus(status)
	m.LastCheck = parseTime(lastCheck)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

func getSiteQ(ctx context.Context, q queryer, id string) (*Site, error) {
	site, err := scanSite(q.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("site %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load site %s: %w", id, err)
	}
	return site, nil
}

func getMonitorQ(ctx context.Context, q queryer, id string) (*Monitor, error) {
	m, err := scanMonitor(q.QueryRowContext(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("monitor %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load monitor %s: %w", id, err)
	}
	return m, nil
}

func listMonitorsQ(ctx context.Context, q queryer, filters MonitorFilters) ([]Monitor, error) {
	var (
		where []string
		args  []any
	)
	if filters.SiteID != "" {
		where = append(where, "site_id = ?")
		args = append(args, filters.SiteID)
	}
	if filters.Enabled != nil {
		where = append(where, "monitoring_enabled = ?")
		args = append(args, boolInt(*filters.Enabled))
	}
	query := `SELECT ` + monitorColumns + ` FROM monitors`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY site_id, position, id"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitors: %w", err)
	}
	defer rows.Close()

	monitors := []Monitor{}
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		monitors = append(monitors, *m)
	}
	return monitors, rows.Err()
}

func insertMonitorQ(ctx context.Context, q queryer, m *Monitor) error {
	config, err := json.Marshal(m.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal monitor config: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO monitors (`+monitorColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SiteID, m.Name, m.Type, string(config), m.Position, int64(m.Interval), int64(m.Timeout),
		m.RetryAttempts, boolInt(m.MonitoringEnabled), string(m.Status), formatTime(m.LastCheck),
		int64(m.LastResponseTime), m.LastDetail, formatTime(m.CreatedAt), formatTime(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert monitor %s: %w", m.ID, err)
	}
	return nil
}

func (s *SQLStore) GetSites(ctx context.Context) ([]Site, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+siteColumns+` FROM sites ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	sites := []Site{}
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		sites = append(sites, *site)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	monitors, err := listMonitorsQ(ctx, s.db, MonitorFilters{})
	if err != nil {
		return nil, err
	}
	bySite := make(map[string][]Monitor)
	for _, m := range monitors {
		bySite[m.SiteID] = append(bySite[m.SiteID], m)
	}
	for i := range sites {
		sites[i].Monitors = bySite[sites[i].ID]
		if sites[i].Monitors == nil {
			sites[i].Monitors = []Monitor{}
		}
	}
	return sites, nil
}

func (s *SQLStore) GetSite(ctx context.Context, id string) (*Site, error) {
	site, err := getSiteQ(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	site.Monitors, err = listMonitorsQ(ctx, s.db, MonitorFilters{SiteID: id})
	if err != nil {
		return nil, err
	}
	return site, nil
}

func (s *SQLStore) CreateSite(ctx context.Context, site *Site) error {
	now := time.Now()
	if site.ID == "" {
		site.ID = newID()
	}
	site.CreatedAt = now
	site.UpdatedAt = now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getSiteQ(ctx, tx, site.ID); err == nil {
			return fmt.Errorf("site %s: %w", site.ID, ErrDuplicate)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO sites (`+siteColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			site.ID, site.Name, boolInt(site.MonitoringEnabled), site.HistoryLimit, formatTime(now), formatTime(now))
		if err != nil {
			return fmt.Errorf("failed to insert site: %w", err)
		}
		for i := range site.Monitors {
			m := &site.Monitors[i]
			prepareNewMonitor(m, site.ID, i, now)
			if _, err := getMonitorQ(ctx, tx, m.ID); err == nil {
				return fmt.Errorf("monitor %s: %w", m.ID, ErrDuplicate)
			}
			if err := insertMonitorQ(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) UpdateSite(ctx context.Context, site *Site) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getSiteQ(ctx, tx, site.ID)
		if err != nil {
			return err
		}
		existing.Name = site.Name
		existing.MonitoringEnabled = site.MonitoringEnabled
		existing.HistoryLimit = site.HistoryLimit
		existing.UpdatedAt = time.Now()
		_, err = tx.ExecContext(ctx, `UPDATE sites SET name = ?, monitoring_enabled = ?, history_limit = ?, updated_at = ? WHERE id = ?`,
			existing.Name, boolInt(existing.MonitoringEnabled), existing.HistoryLimit, formatTime(existing.UpdatedAt), existing.ID)
		if err != nil {
			return fmt.Errorf("failed to update site: %w", err)
		}
		existing.Monitors, err = listMonitorsQ(ctx, tx, MonitorFilters{SiteID: site.ID})
		if err != nil {
			return err
		}
		*site = *existing
		return nil
	})
}

// DeleteSite removes history, monitors and the site row in one transaction.
func (s *SQLStore) DeleteSite(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getSiteQ(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE monitor_id IN (SELECT id FROM monitors WHERE site_id = ?)`, id); err != nil {
			return fmt.Errorf("failed to delete site history: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM monitors WHERE site_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete site monitors: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sites WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete site: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) GetMonitors(ctx context.Context, filters MonitorFilters) ([]Monitor, error) {
	return listMonitorsQ(ctx, s.db, filters)
}

func (s *SQLStore) GetMonitor(ctx context.Context, id string) (*Monitor, error) {
	return getMonitorQ(ctx, s.db, id)
}

func (s *SQLStore) CreateMonitor(ctx context.Context, monitor *Monitor) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getSiteQ(ctx, tx, monitor.SiteID); err != nil {
			return err
		}
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM monitors WHERE site_id = ?`, monitor.SiteID).Scan(&count); err != nil {
			return fmt.Errorf("failed to count monitors: %w", err)
		}
		prepareNewMonitor(monitor, monitor.SiteID, count, time.Now())
		if _, err := getMonitorQ(ctx, tx, monitor.ID); err == nil {
			return fmt.Errorf("monitor %s: %w", monitor.ID, ErrDuplicate)
		}
		return insertMonitorQ(ctx, tx, monitor)
	})
}

func (s *SQLStore) UpdateMonitor(ctx context.Context, monitor *Monitor) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getMonitorQ(ctx, tx, monitor.ID)
		if err != nil {
			return err
		}
		mergeMonitorConfig(existing, monitor)
		config, err := json.Marshal(existing.Config)
		if err != nil {
			return fmt.Errorf("failed to marshal monitor config: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE monitors SET name = ?, type = ?, config = ?, position = ?, interval_ns = ?,
	timeout_ns = ?, retry_attempts = ?, updated_at = ? WHERE id = ?`,
			existing.Name, existing.Type, string(config), existing.Position, int64(existing.Interval),
			int64(existing.Timeout), existing.RetryAttempts, formatTime(existing.UpdatedAt), existing.ID)
		if err != nil {
			return fmt.Errorf("failed to update monitor: %w", err)
		}
		*monitor = *existing
		return nil
	})
}

func (s *SQLStore) DeleteMonitor(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getMonitorQ(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE monitor_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete history: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM monitors WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete monitor: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) SetMonitorState(ctx context.Context, id string, enabled bool, status MonitorStatus) (*Monitor, error) {
	var monitor *Monitor
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE monitors SET monitoring_enabled = ?, status = ?, updated_at = ? WHERE id = ?`,
			boolInt(enabled), string(status), formatTime(time.Now()), id)
		if err != nil {
			return fmt.Errorf("failed to update monitor state: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("monitor %s: %w", id, ErrNotFound)
		}
		monitor, err = getMonitorQ(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return monitor, nil
}

func (s *SQLStore) ApplyStatus(ctx context.Context, update StatusUpdate, historyLimit int) (*Monitor, error) {
	var monitor *Monitor
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE monitors SET status = ?, last_check = ?, last_response_ns = ?, last_detail = ? WHERE id = ?`,
			string(update.Status), formatTime(update.CheckedAt), int64(update.ResponseTime), update.Detail, update.MonitorID)
		if err != nil {
			return fmt.Errorf("failed to update monitor status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("monitor %s: %w", update.MonitorID, ErrNotFound)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO history (monitor_id, checked_at, status, response_ns, detail) VALUES (?, ?, ?, ?, ?)`,
			update.MonitorID, formatTime(update.CheckedAt), string(update.Status), int64(update.ResponseTime), update.Detail)
		if err != nil {
			return fmt.Errorf("failed to insert history: %w", err)
		}

		if historyLimit > 0 {
			_, err = tx.ExecContext(ctx, `DELETE FROM history WHERE monitor_id = ? AND id NOT IN (
	SELECT id FROM history WHERE monitor_id = ? ORDER BY id DESC LIMIT ?)`,
				update.MonitorID, update.MonitorID, historyLimit)
			if err != nil {
				return fmt.Errorf("failed to prune history: %w", err)
			}
		}

		monitor, err = getMonitorQ(ctx, tx, update.MonitorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return monitor, nil
}

func (s *SQLStore) GetHistory(ctx context.Context, monitorID string, limit int) ([]HistoryEntry, error) {
	if _, err := getMonitorQ(ctx, s.db, monitorID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, monitor_id, checked_at, status, response_ns, detail
FROM history WHERE monitor_id = ? ORDER BY id DESC LIMIT ?`, monitorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entries := []HistoryEntry{}
	for rows.Next() {
		var (
			e          HistoryEntry
			checkedAt  string
			status     string
			responseNs int64
		)
		if err := rows.Scan(&e.ID, &e.MonitorID, &checkedAt, &status, &responseNs, &e.Detail); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(checkedAt)
		e.Status = MonitorStatus(status)
		e.ResponseTime = time.Duration(responseNs)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLStore) DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE checked_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old history: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) DeleteOrphanedHistory(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE monitor_id NOT IN (SELECT id FROM monitors)`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphaned history: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) GetSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		settings[k] = v
	}
	return settings, rows.Err()
}

func (s *SQLStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	return value, err
}

func (s *SQLStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to store setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) GetDatabaseStats(ctx context.Context) (*DatabaseStats, error) {
	stats := &DatabaseStats{Backend: "sqlite"}

	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM sites`, &stats.TotalSites},
		{`SELECT COUNT(*) FROM monitors`, &stats.TotalChecks},
		{`SELECT COUNT(*) FROM history`, &stats.TotalHistory},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to get database stats: %w", err)
		}
	}

	var oldest, newest sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(checked_at), MAX(checked_at) FROM history`).Scan(&oldest, &newest); err != nil {
		return nil, fmt.Errorf("failed to get database stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestEntry = parseTime(oldest.String)
	}
	if newest.Valid {
		stats.NewestEntry = parseTime(newest.String)
	}

	if fileInfo, err := os.Stat(s.path); err == nil {
		stats.DatabaseSize = fileInfo.Size()
	}
	return stats, nil
}
