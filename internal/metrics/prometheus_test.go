package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"sitewatch/internal/database"
)

type sitesStore struct {
	database.Store
	sites []database.Site
	err   error
}

func (s *sitesStore) GetSites(ctx context.Context) ([]database.Site, error) {
	return s.sites, s.err
}

// value reads one sample from the default registry; ok is false when the
// series does not exist.
func value(t *testing.T, name string, labels map[string]string) (float64, bool) {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			switch {
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue(), true
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue(), true
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount()), true
			}
		}
	}
	return 0, false
}

func TestMonitorStatusGauge(t *testing.T) {
	c := NewCollector(nil)
	labels := map[string]string{"site": "metrics-site", "monitor": "metrics-mon", "check_type": "http"}

	tests := []struct {
		status database.MonitorStatus
		want   float64
	}{
		{database.StatusUp, 0},
		{database.StatusDown, 1},
		{database.StatusPending, 2},
		{database.StatusPaused, 3},
	}
	for _, tt := range tests {
		c.UpdateMonitorStatus("metrics-site", "metrics-mon", "http", tt.status)
		got, ok := value(t, "sitewatch_monitor_status", labels)
		if !ok || got != tt.want {
			t.Errorf("%s: want %v, got %v (present=%v)", tt.status, tt.want, got, ok)
		}
	}

	c.ForgetMonitor("metrics-site", "metrics-mon", "http")
	if _, ok := value(t, "sitewatch_monitor_status", labels); ok {
		t.Fatal("series still present after ForgetMonitor")
	}
}

func TestRecordCheckResult(t *testing.T) {
	c := NewCollector(nil)
	labels := map[string]string{"site": "counted", "check_type": "tcp", "status": "down"}

	c.RecordCheckResult("counted", "tcp", database.StatusDown, 250*time.Millisecond)
	c.RecordCheckResult("counted", "tcp", database.StatusDown, time.Second)

	if got, _ := value(t, "sitewatch_checks_total", labels); got != 2 {
		t.Fatalf("want 2 checks counted, got %v", got)
	}
	if got, _ := value(t, "sitewatch_check_duration_seconds", labels); got != 2 {
		t.Fatalf("want 2 duration samples, got %v", got)
	}
}

func TestUpdateSystemMetrics(t *testing.T) {
	store := &sitesStore{sites: []database.Site{
		{ID: "a", MonitoringEnabled: true, Monitors: []database.Monitor{
			{ID: "a1", MonitoringEnabled: true},
			{ID: "a2"},
		}},
		{ID: "b", Monitors: []database.Monitor{{ID: "b1", MonitoringEnabled: true}}},
	}}
	c := NewCollector(store)

	if err := c.UpdateSystemMetrics(context.Background()); err != nil {
		t.Fatalf("UpdateSystemMetrics: %v", err)
	}
	if got, _ := value(t, "sitewatch_active_sites_total", nil); got != 1 {
		t.Errorf("active sites: want 1, got %v", got)
	}
	if got, _ := value(t, "sitewatch_active_monitors_total", nil); got != 2 {
		t.Errorf("active monitors: want 2, got %v", got)
	}

	before, _ := value(t, "sitewatch_database_operations_total", map[string]string{"operation": "get_sites", "status": "error"})
	store.err = errors.New("closed")
	if err := c.UpdateSystemMetrics(context.Background()); err == nil {
		t.Fatal("expected store error")
	}
	after, _ := value(t, "sitewatch_database_operations_total", map[string]string{"operation": "get_sites", "status": "error"})
	if after != before+1 {
		t.Fatalf("error not counted: before %v after %v", before, after)
	}
}
