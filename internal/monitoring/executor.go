// internal/monitoring/executor.go
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"sitewatch/internal/config"
	"sitewatch/internal/database"
)

// ErrorKind classifies why a check came back down.
type ErrorKind string

const (
	KindNone       ErrorKind = ""
	KindTimeout    ErrorKind = "timeout"
	KindNetwork    ErrorKind = "network"
	KindStatus     ErrorKind = "status"
	KindUnexpected ErrorKind = "unexpected"
	KindConfig     ErrorKind = "config"
	KindCancelled  ErrorKind = "cancelled"
)

// CheckResult is the immutable outcome of one Execute call.
type CheckResult struct {
	Status       database.MonitorStatus `json:"status"`
	ResponseTime time.Duration          `json:"response_time"`
	Timestamp    time.Time              `json:"timestamp"`
	Detail       string                 `json:"detail"`
	ErrorKind    ErrorKind              `json:"error_kind,omitempty"`
	Attempts     int                    `json:"attempts"`
}

type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func BackoffFromConfig(cfg config.BackoffConfig) BackoffPolicy {
	return BackoffPolicy{Base: cfg.Base, Max: cfg.Max, Jitter: cfg.JitterFactor()}
}

// Delay returns the wait before the attempt following attempt n (1-based).
func (b BackoffPolicy) Delay(n int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < n && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		d += time.Duration(rand.Float64() * b.Jitter * float64(d))
	}
	return d
}

// Executor runs one monitor's plugin with a hard per-attempt timeout and
// bounded retries. It holds no per-monitor state.
type Executor struct {
	registry *Registry
	backoff  BackoffPolicy
	logger   logrus.FieldLogger
}

func NewExecutor(registry *Registry, backoff BackoffPolicy, logger logrus.FieldLogger) *Executor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Executor{registry: registry, backoff: backoff, logger: logger}
}

// Execute never fails: every plugin problem becomes a down result.
// Only the last attempt's outcome is returned.
func (e *Executor) Execute(ctx context.Context, m *database.Monitor) CheckResult {
	maxAttempts := m.RetryAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	plugin, ok := e.registry.Get(m.Type)
	if !ok {
		res := downResult(KindConfig, fmt.Sprintf("unknown check type %q", m.Type), 0)
		res.Attempts = 1
		e.logAttempt(m, 1, maxAttempts, res)
		return res
	}

	var res CheckResult
	for attempt := 1; ; attempt++ {
		res = e.attempt(ctx, plugin, m)
		res.Attempts = attempt
		if res.Status == database.StatusUp {
			return res
		}
		e.logAttempt(m, attempt, maxAttempts, res)

		if attempt >= maxAttempts || res.ErrorKind == KindCancelled {
			return res
		}
		if err := sleepContext(ctx, e.backoff.Delay(attempt)); err != nil {
			res.ErrorKind = KindCancelled
			return res
		}
	}
}

// logAttempt records a failed attempt. Cancelled attempts log at debug.
func (e *Executor) logAttempt(m *database.Monitor, attempt, maxAttempts int, res CheckResult) {
	entry := e.logger.WithFields(logrus.Fields{
		"monitor":      m.ID,
		"type":         m.Type,
		"attempt":      attempt,
		"max_attempts": maxAttempts,
		"error_kind":   string(res.ErrorKind),
		"detail":       res.Detail,
	})
	if res.ErrorKind == KindCancelled {
		entry.Debug("Check attempt cancelled")
		return
	}
	entry.Warn("Check attempt failed")
}

type performReply struct {
	out      Outcome
	err      error
	panicked interface{}
}

func (e *Executor) attempt(ctx context.Context, plugin Plugin, m *database.Monitor) CheckResult {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg := make(map[string]interface{}, len(m.Config))
	for k, v := range m.Config {
		cfg[k] = v
	}

	start := time.Now()
	replies := make(chan performReply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				replies <- performReply{panicked: r}
			}
		}()
		out, err := plugin.Perform(actx, cfg)
		replies <- performReply{out: out, err: err}
	}()

	select {
	case r := <-replies:
		elapsed := time.Since(start)
		switch {
		case r.panicked != nil:
			return downResult(KindUnexpected, fmt.Sprintf("unexpected error: %v", r.panicked), elapsed)
		case r.err != nil:
			return classifyError(ctx, actx, r.err, timeout, elapsed)
		}
		if r.out.ResponseTime > 0 {
			elapsed = r.out.ResponseTime
		}
		if r.out.Up {
			return CheckResult{
				Status:       database.StatusUp,
				ResponseTime: elapsed,
				Timestamp:    time.Now(),
				Detail:       r.out.Detail,
			}
		}
		kind := r.out.Kind
		if kind == KindNone {
			kind = KindStatus
		}
		return downResult(kind, r.out.Detail, elapsed)

	case <-actx.Done():
		// The plugin call is abandoned; its goroutine drains into the buffered channel.
		if ctx.Err() != nil {
			return downResult(KindCancelled, "check cancelled", time.Since(start))
		}
		return downResult(KindTimeout, fmt.Sprintf("timed out after %s", timeout), time.Since(start))
	}
}

func classifyError(parent, actx context.Context, err error, timeout, elapsed time.Duration) CheckResult {
	if parent.Err() != nil {
		return downResult(KindCancelled, "check cancelled", elapsed)
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || actx.Err() == context.DeadlineExceeded ||
		(errors.As(err, &ne) && ne.Timeout()) {
		return downResult(KindTimeout, fmt.Sprintf("timed out after %s: %v", timeout, err), elapsed)
	}
	return downResult(KindNetwork, err.Error(), elapsed)
}

func downResult(kind ErrorKind, detail string, elapsed time.Duration) CheckResult {
	return CheckResult{
		Status:       database.StatusDown,
		ResponseTime: elapsed,
		Timestamp:    time.Now(),
		Detail:       detail,
		ErrorKind:    kind,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
