// internal/monitoring/operations.go
package monitoring

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type OperationState string

const (
	OpPending    OperationState = "pending"
	OpSuperseded OperationState = "superseded"
	OpApplied    OperationState = "applied"
	OpCancelled  OperationState = "cancelled"
)

// Operation is one check attempt's right to write a monitor's status.
type Operation struct {
	Token     string         `json:"token"`
	MonitorID string         `json:"monitor_id"`
	CreatedAt time.Time      `json:"created_at"`
	State     OperationState `json:"state"`
}

// OperationRegistry tracks the current operation per monitor.
//
// Each monitor also has a write lock. Begin, Invalidate, Mutate and Commit
// all take it, so once Invalidate returns no result validated under an older
// token can still be in the middle of its write.
type OperationRegistry struct {
	mu      sync.Mutex
	current map[string]*Operation
	locks   map[string]*sync.Mutex
}

func NewOperationRegistry() *OperationRegistry {
	return &OperationRegistry{
		current: make(map[string]*Operation),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (r *OperationRegistry) lockFor(monitorID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[monitorID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[monitorID] = l
	}
	return l
}

// Begin issues a fresh token, superseding any pending one.
func (r *OperationRegistry) Begin(monitorID string) string {
	l := r.lockFor(monitorID)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.current[monitorID]; ok && prev.State == OpPending {
		prev.State = OpSuperseded
	}
	op := &Operation{
		Token:     uuid.NewString(),
		MonitorID: monitorID,
		CreatedAt: time.Now(),
		State:     OpPending,
	}
	r.current[monitorID] = op
	return op.Token
}

// Validate reports whether token is the monitor's current, still pending token.
func (r *OperationRegistry) Validate(monitorID, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.current[monitorID]
	return ok && op.Token == token && op.State == OpPending
}

// Resolve moves the current operation to a final state. Stale tokens are ignored.
func (r *OperationRegistry) Resolve(monitorID, token string, state OperationState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.current[monitorID]
	if !ok || op.Token != token || op.State != OpPending {
		return
	}
	op.State = state
}

// Invalidate supersedes the pending operation, if any, without starting a new one.
func (r *OperationRegistry) Invalidate(monitorID string) bool {
	l := r.lockFor(monitorID)
	l.Lock()
	defer l.Unlock()
	return r.invalidateLocked(monitorID)
}

func (r *OperationRegistry) invalidateLocked(monitorID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.current[monitorID]
	if !ok || op.State != OpPending {
		return false
	}
	op.State = OpSuperseded
	return true
}

// Commit runs fn only while token is valid and resolves the operation by
// fn's outcome. The returned bool reports whether fn ran and succeeded.
func (r *OperationRegistry) Commit(monitorID, token string, fn func() error) (bool, error) {
	l := r.lockFor(monitorID)
	l.Lock()
	defer l.Unlock()

	if !r.Validate(monitorID, token) {
		r.Resolve(monitorID, token, OpCancelled)
		return false, nil
	}
	if err := fn(); err != nil {
		r.Resolve(monitorID, token, OpCancelled)
		return false, err
	}
	r.Resolve(monitorID, token, OpApplied)
	return true, nil
}

// Mutate supersedes the pending operation and runs fn under the monitor's
// write lock. Configuration and lifecycle writes go through here.
func (r *OperationRegistry) Mutate(monitorID string, fn func() error) error {
	l := r.lockFor(monitorID)
	l.Lock()
	defer l.Unlock()
	r.invalidateLocked(monitorID)
	return fn()
}

// Active returns the pending token for a monitor, or "".
func (r *OperationRegistry) Active(monitorID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if op, ok := r.current[monitorID]; ok && op.State == OpPending {
		return op.Token
	}
	return ""
}

// Get returns a copy of the monitor's latest operation.
func (r *OperationRegistry) Get(monitorID string) (Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.current[monitorID]
	if !ok {
		return Operation{}, false
	}
	return *op, true
}

// Forget drops a deleted monitor's operation record.
func (r *OperationRegistry) Forget(monitorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.current, monitorID)
}
