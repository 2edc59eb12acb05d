// internal/monitoring/janitor.go
package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"sitewatch/internal/database"
)

// PurgeReport summarises one janitor pass.
type PurgeReport struct {
	Expired  int `json:"expired"`
	Orphaned int `json:"orphaned"`
}

// HistoryJanitor removes history older than the retention window and
// rows whose monitor no longer exists.
type HistoryJanitor struct {
	store     database.Store
	retention time.Duration
	logger    logrus.FieldLogger
}

func NewHistoryJanitor(store database.Store, retention time.Duration, logger logrus.FieldLogger) *HistoryJanitor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HistoryJanitor{store: store, retention: retention, logger: logger}
}

// PurgeExpired deletes history older than the retention window. A zero
// retention keeps everything.
func (j *HistoryJanitor) PurgeExpired(ctx context.Context) (int, error) {
	if j.retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-j.retention)
	n, err := j.store.DeleteHistoryBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expired history purge failed: %w", err)
	}
	if n > 0 {
		j.logger.WithFields(logrus.Fields{
			"deleted": n,
			"cutoff":  cutoff,
		}).Info("Purged expired history")
	}
	return n, nil
}

func (j *HistoryJanitor) PurgeOrphaned(ctx context.Context) (int, error) {
	n, err := j.store.DeleteOrphanedHistory(ctx)
	if err != nil {
		return 0, fmt.Errorf("orphaned history purge failed: %w", err)
	}
	if n > 0 {
		j.logger.WithField("deleted", n).Info("Purged orphaned history")
	}
	return n, nil
}

// PurgeAll runs both passes and reports every failure.
func (j *HistoryJanitor) PurgeAll(ctx context.Context) (PurgeReport, error) {
	var (
		report PurgeReport
		errs   error
		err    error
	)

	report.Expired, err = j.PurgeExpired(ctx)
	errs = multierr.Append(errs, err)

	report.Orphaned, err = j.PurgeOrphaned(ctx)
	errs = multierr.Append(errs, err)

	if errs != nil {
		return report, errs
	}
	j.logger.WithFields(logrus.Fields{
		"expired":  report.Expired,
		"orphaned": report.Orphaned,
	}).Debug("History purge finished")
	return report, nil
}

// Run purges once immediately and then every interval until ctx is done.
func (j *HistoryJanitor) Run(ctx context.Context, interval time.Duration) {
	if _, err := j.PurgeAll(ctx); err != nil {
		j.logger.WithError(err).Error("Initial history purge failed")
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.WithField("interval", interval).Info("Scheduled periodic history purge")
	for {
		select {
		case <-ctx.Done():
			j.logger.Debug("Stopping history purge")
			return
		case <-ticker.C:
			if _, err := j.PurgeAll(ctx); err != nil {
				j.logger.WithError(err).Error("Scheduled history purge failed")
			}
		}
	}
}
