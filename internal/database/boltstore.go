// internal/database/boltstore.go - BoltDB implementation
package database

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

var (
	SitesBucket    = []byte("sites")
	MonitorsBucket = []byte("monitors")
	HistoryBucket  = []byte("history")
	SettingsBucket = []byte("settings")
	MetaBucket     = []byte("meta")
)

var allBuckets = [][]byte{SitesBucket, MonitorsBucket, HistoryBucket, SettingsBucket, MetaBucket}

type BoltStore struct {
	db   *bbolt.DB
	path string
}

func NewBoltStore(path string) (*BoltStore, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}

	store := &BoltStore{db: db, path: path}

	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return store, nil
}

func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// bucket returns the named bucket or an error if it has gone missing.
func bucket(tx *bbolt.Tx, name []byte) (*bbolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %s missing", name)
	}
	return b, nil
}

func historyPrefix(monitorID string) []byte {
	return []byte(monitorID + ":")
}

func historyKey(monitorID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s:%020d", monitorID, seq))
}

// monitorIDFromHistoryKey reverses historyKey.
func monitorIDFromHistoryKey(k []byte) string {
	key := string(k)
	if i := strings.LastIndex(key, ":"); i >= 0 {
		return key[:i]
	}
	return key
}

func getSiteTx(tx *bbolt.Tx, id string) (*Site, error) {
	b, err := bucket(tx, SitesBucket)
	if err != nil {
		return nil, err
	}
	v := b.Get([]byte(id))
	if v == nil {
		return nil, fmt.Errorf("site %s: %w", id, ErrNotFound)
	}
	var site Site
	if err := json.Unmarshal(v, &site); err != nil {
		return nil, fmt.Errorf("failed to unmarshal site %s: %w", id, err)
	}
	return &site, nil
}

func putSiteTx(tx *bbolt.Tx, site *Site) error {
	b, err := bucket(tx, SitesBucket)
	if err != nil {
		return err
	}
	stored := *site
	stored.Monitors = nil
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal site: %w", err)
	}
	return b.Put([]byte(site.ID), data)
}

func getMonitorTx(tx *bbolt.Tx, id string) (*Monitor, error) {
	b, err := bucket(tx, MonitorsBucket)
	if err != nil {
		return nil, err
	}
	v := b.Get([]byte(id))
	if v == nil {
		return nil, fmt.Errorf("monitor %s: %w", id, ErrNotFound)
	}
	var monitor Monitor
	if err := json.Unmarshal(v, &monitor); err != nil {
		return nil, fmt.Errorf("failed to unmarshal monitor %s: %w", id, err)
	}
	return &monitor, nil
}

func putMonitorTx(tx *bbolt.Tx, monitor *Monitor) error {
	b, err := bucket(tx, MonitorsBucket)
	if err != nil {
		return err
	}
	stored := *monitor
	stored.ActiveOperation = ""
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal monitor: %w", err)
	}
	return b.Put([]byte(monitor.ID), data)
}

func monitorsTx(tx *bbolt.Tx, filters MonitorFilters) ([]Monitor, error) {
	b, err := bucket(tx, MonitorsBucket)
	if err != nil {
		return nil, err
	}
	monitors := []Monitor{}
	err = b.ForEach(func(k, v []byte) error {
		var monitor Monitor
		if err := json.Unmarshal(v, &monitor); err != nil {
			return fmt.Errorf("failed to unmarshal monitor %s: %w", k, err)
		}

		// Apply filters
		if filters.SiteID != "" && monitor.SiteID != filters.SiteID {
			return nil
		}
		if filters.Enabled != nil && monitor.MonitoringEnabled != *filters.Enabled {
			return nil
		}

		monitors = append(monitors, monitor)
		return nil
	})
	sortMonitors(monitors)
	return monitors, err
}

func sortMonitors(monitors []Monitor) {
	sort.SliceStable(monitors, func(i, j int) bool {
		if monitors[i].SiteID != monitors[j].SiteID {
			return monitors[i].SiteID < monitors[j].SiteID
		}
		if monitors[i].Position != monitors[j].Position {
			return monitors[i].Position < monitors[j].Position
		}
		return monitors[i].ID < monitors[j].ID
	})
}

// deleteHistoryTx removes every history row of a monitor.
func deleteHistoryTx(tx *bbolt.Tx, monitorID string) (int, error) {
	hb, err := bucket(tx, HistoryBucket)
	if err != nil {
		return 0, err
	}
	prefix := historyPrefix(monitorID)

	// Collect keys to delete
	var keysToDelete [][]byte
	cursor := hb.Cursor()
	for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
		keysToDelete = append(keysToDelete, copyBytes(k))
	}

	for _, key := range keysToDelete {
		if err := hb.Delete(key); err != nil {
			return 0, err
		}
	}
	return len(keysToDelete), nil
}

func (s *BoltStore) GetSites(ctx context.Context) ([]Site, error) {
	sites := []Site{}

	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, SitesBucket)
		if err != nil {
			return err
		}
		monitors, err := monitorsTx(tx, MonitorFilters{})
		if err != nil {
			return err
		}
		bySite := make(map[string][]Monitor)
		for _, m := range monitors {
			bySite[m.SiteID] = append(bySite[m.SiteID], m)
		}

		return b.ForEach(func(k, v []byte) error {
			var site Site
			if err := json.Unmarshal(v, &site); err != nil {
				return fmt.Errorf("failed to unmarshal site %s: %w", k, err)
			}
			site.Monitors = bySite[site.ID]
			if site.Monitors == nil {
				site.Monitors = []Monitor{}
			}
			sites = append(sites, site)
			return nil
		})
	})

	return sites, err
}

func (s *BoltStore) GetSite(ctx context.Context, id string) (*Site, error) {
	var site *Site

	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		site, err = getSiteTx(tx, id)
		if err != nil {
			return err
		}
		site.Monitors, err = monitorsTx(tx, MonitorFilters{SiteID: id})
		return err
	})

	if err != nil {
		return nil, err
	}
	return site, nil
}

// CreateSite stores the site together with any monitors it carries.
func (s *BoltStore) CreateSite(ctx context.Context, site *Site) error {
	if site.ID == "" {
		site.ID = newID()
	}
	now := time.Now()
	site.CreatedAt = now
	site.UpdatedAt = now

	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getSiteTx(tx, site.ID); err == nil {
			return fmt.Errorf("site %s: %w", site.ID, ErrDuplicate)
		}
		if err := putSiteTx(tx, site); err != nil {
			return err
		}

		for i := range site.Monitors {
			m := &site.Monitors[i]
			prepareNewMonitor(m, site.ID, i, now)
			if _, err := getMonitorTx(tx, m.ID); err == nil {
				return fmt.Errorf("monitor %s: %w", m.ID, ErrDuplicate)
			}
			if err := putMonitorTx(tx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) UpdateSite(ctx context.Context, site *Site) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		existing, err := getSiteTx(tx, site.ID)
		if err != nil {
			return err
		}
		existing.Name = site.Name
		existing.MonitoringEnabled = site.MonitoringEnabled
		existing.HistoryLimit = site.HistoryLimit
		existing.UpdatedAt = time.Now()
		if err := putSiteTx(tx, existing); err != nil {
			return err
		}
		existing.Monitors, err = monitorsTx(tx, MonitorFilters{SiteID: site.ID})
		if err != nil {
			return err
		}
		*site = *existing
		return nil
	})
}

// DeleteSite removes the site, its monitors and all of their history in one transaction.
func (s *BoltStore) DeleteSite(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getSiteTx(tx, id); err != nil {
			return err
		}
		monitors, err := monitorsTx(tx, MonitorFilters{SiteID: id})
		if err != nil {
			return err
		}
		mb, err := bucket(tx, MonitorsBucket)
		if err != nil {
			return err
		}
		for _, m := range monitors {
			if _, err := deleteHistoryTx(tx, m.ID); err != nil {
				return fmt.Errorf("failed to delete history of %s: %w", m.ID, err)
			}
			if err := mb.Delete([]byte(m.ID)); err != nil {
				return err
			}
		}
		sb, err := bucket(tx, SitesBucket)
		if err != nil {
			return err
		}
		return sb.Delete([]byte(id))
	})
}

func (s *BoltStore) GetMonitors(ctx context.Context, filters MonitorFilters) ([]Monitor, error) {
	var monitors []Monitor
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		monitors, err = monitorsTx(tx, filters)
		return err
	})
	return monitors, err
}

func (s *BoltStore) GetMonitor(ctx context.Context, id string) (*Monitor, error) {
	var monitor *Monitor
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		monitor, err = getMonitorTx(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return monitor, nil
}

func (s *BoltStore) CreateMonitor(ctx context.Context, monitor *Monitor) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getSiteTx(tx, monitor.SiteID); err != nil {
			return err
		}
		siblings, err := monitorsTx(tx, MonitorFilters{SiteID: monitor.SiteID})
		if err != nil {
			return err
		}
		prepareNewMonitor(monitor, monitor.SiteID, len(siblings), time.Now())
		if _, err := getMonitorTx(tx, monitor.ID); err == nil {
			return fmt.Errorf("monitor %s: %w", monitor.ID, ErrDuplicate)
		}
		return putMonitorTx(tx, monitor)
	})
}

// UpdateMonitor rewrites the configuration columns. Status columns keep
// their stored values; they only change through ApplyStatus/SetMonitorState.
func (s *BoltStore) UpdateMonitor(ctx context.Context, monitor *Monitor) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		existing, err := getMonitorTx(tx, monitor.ID)
		if err != nil {
			return err
		}
		mergeMonitorConfig(existing, monitor)
		if err := putMonitorTx(tx, existing); err != nil {
			return err
		}
		*monitor = *existing
		return nil
	})
}

func (s *BoltStore) DeleteMonitor(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getMonitorTx(tx, id); err != nil {
			return err
		}
		if _, err := deleteHistoryTx(tx, id); err != nil {
			return fmt.Errorf("failed to delete history: %w", err)
		}
		mb, err := bucket(tx, MonitorsBucket)
		if err != nil {
			return err
		}
		return mb.Delete([]byte(id))
	})
}

func (s *BoltStore) SetMonitorState(ctx context.Context, id string, enabled bool, status MonitorStatus) (*Monitor, error) {
	var monitor *Monitor
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		monitor, err = getMonitorTx(tx, id)
		if err != nil {
			return err
		}
		monitor.MonitoringEnabled = enabled
		monitor.Status = status
		monitor.UpdatedAt = time.Now()
		return putMonitorTx(tx, monitor)
	})
	if err != nil {
		return nil, err
	}
	return monitor, nil
}

func (s *BoltStore) ApplyStatus(ctx context.Context, update StatusUpdate, historyLimit int) (*Monitor, error) {
	var monitor *Monitor

	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		monitor, err = getMonitorTx(tx, update.MonitorID)
		if err != nil {
			return err
		}

		monitor.Status = update.Status
		monitor.LastCheck = update.CheckedAt
		monitor.LastResponseTime = update.ResponseTime
		monitor.LastDetail = update.Detail
		if err := putMonitorTx(tx, monitor); err != nil {
			return err
		}

		// Also store in history
		hb, err := bucket(tx, HistoryBucket)
		if err != nil {
			return err
		}
		seq, err := hb.NextSequence()
		if err != nil {
			return err
		}
		entry := HistoryEntry{
			ID:           seq,
			MonitorID:    update.MonitorID,
			Timestamp:    update.CheckedAt,
			Status:       update.Status,
			ResponseTime: update.ResponseTime,
			Detail:       update.Detail,
		}
		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("failed to marshal history entry: %w", err)
		}
		if err := hb.Put(historyKey(update.MonitorID, seq), data); err != nil {
			return err
		}

		if historyLimit > 0 {
			return pruneHistoryTx(hb, update.MonitorID, historyLimit)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return monitor, nil
}

// pruneHistoryTx drops the oldest rows of a monitor until at most limit remain.
func pruneHistoryTx(hb *bbolt.Bucket, monitorID string, limit int) error {
	prefix := historyPrefix(monitorID)
	var keys [][]byte
	cursor := hb.Cursor()
	for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
		keys = append(keys, copyBytes(k))
	}
	if len(keys) <= limit {
		return nil
	}
	for _, key := range keys[:len(keys)-limit] {
		if err := hb.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// GetHistory returns up to limit entries, newest first.
func (s *BoltStore) GetHistory(ctx context.Context, monitorID string, limit int) ([]HistoryEntry, error) {
	entries := []HistoryEntry{}

	err := s.db.View(func(tx *bbolt.Tx) error {
		if _, err := getMonitorTx(tx, monitorID); err != nil {
			return err
		}
		hb, err := bucket(tx, HistoryBucket)
		if err != nil {
			return err
		}
		prefix := historyPrefix(monitorID)
		upper := append(copyBytes(prefix), 0xff)

		c := hb.Cursor()
		k, v := c.Seek(upper)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			var entry HistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
		return nil
	})

	return entries, err
}

// DeleteHistoryBefore removes historical entries older than cutoff
func (s *BoltStore) DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		hb, err := bucket(tx, HistoryBucket)
		if err != nil {
			return err
		}

		var keysToDelete [][]byte
		cursor := hb.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var entry HistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if entry.Timestamp.Before(cutoff) {
				keysToDelete = append(keysToDelete, copyBytes(k))
			}
		}

		for _, key := range keysToDelete {
			if err := hb.Delete(key); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	if err != nil {
		return 0, fmt.Errorf("failed to delete old history: %w", err)
	}
	return deleted, nil
}

// DeleteOrphanedHistory removes history rows whose monitor no longer exists.
func (s *BoltStore) DeleteOrphanedHistory(ctx context.Context) (int, error) {
	deleted := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		hb, err := bucket(tx, HistoryBucket)
		if err != nil {
			return err
		}
		mb, err := bucket(tx, MonitorsBucket)
		if err != nil {
			return err
		}

		var keysToDelete [][]byte
		cursor := hb.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if mb.Get([]byte(monitorIDFromHistoryKey(k))) == nil {
				keysToDelete = append(keysToDelete, copyBytes(k))
			}
		}
		for _, key := range keysToDelete {
			if err := hb.Delete(key); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	if err != nil {
		return 0, fmt.Errorf("failed to delete orphaned history: %w", err)
	}
	return deleted, nil
}

func (s *BoltStore) GetSettings(ctx context.Context) (map[string]string, error) {
	settings := make(map[string]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, SettingsBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			settings[string(k)] = string(v)
			return nil
		})
	})
	return settings, err
}

func (s *BoltStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, SettingsBucket)
		if err != nil {
			return err
		}
		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("setting %s: %w", key, ErrNotFound)
		}
		value = string(v)
		return nil
	})
	return value, err
}

func (s *BoltStore) PutSetting(ctx context.Context, key, value string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, SettingsBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), []byte(value))
	})
}

// GetDatabaseStats returns information about database size and health
func (s *BoltStore) GetDatabaseStats(ctx context.Context) (*DatabaseStats, error) {
	stats := &DatabaseStats{Backend: "boltdb"}

	err := s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(SitesBucket); b != nil {
			stats.TotalSites = b.Stats().KeyN
		}
		if b := tx.Bucket(MonitorsBucket); b != nil {
			stats.TotalChecks = b.Stats().KeyN
		}
		if b := tx.Bucket(HistoryBucket); b != nil {
			stats.TotalHistory = b.Stats().KeyN
			cursor := b.Cursor()
			for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
				var entry HistoryEntry
				if err := json.Unmarshal(v, &entry); err != nil {
					continue
				}
				if stats.OldestEntry.IsZero() || entry.Timestamp.Before(stats.OldestEntry) {
					stats.OldestEntry = entry.Timestamp
				}
				if entry.Timestamp.After(stats.NewestEntry) {
					stats.NewestEntry = entry.Timestamp
				}
			}
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to get database stats: %w", err)
	}

	if fileInfo, err := os.Stat(s.path); err == nil {
		stats.DatabaseSize = fileInfo.Size()
	}

	return stats, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// copyBytes creates a copy of a byte slice
func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	copied := make([]byte, len(b))
	copy(copied, b)
	return copied
}
