// internal/monitoring/errors.go
package monitoring

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownMonitor = errors.New("unknown monitor")
	ErrUnknownSite    = errors.New("unknown site")
)

// ValidationError rejects a malformed site or monitor definition before
// anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PersistenceError reports a failed store transaction. Committed state is
// unchanged when it is returned.
type PersistenceError struct {
	Op        string
	MonitorID string
	SiteID    string
	Token     string
	Err       error
}

func (e *PersistenceError) Error() string {
	target := e.MonitorID
	if target == "" {
		target = e.SiteID
	}
	if target == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Op, target, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
