package services

import (
	"context"
	"sync"
	"sync/atomic"

	"finpilot/internal/models"
)

// ExecutionHandle tracks one automation execution. It is safe for concurrent use.
type ExecutionHandle struct {
	id   string
	svc  *AutomationService
	rule *models.AutomationRule

	// run serialises whoever is driving the execution (a worker or a cancellation).
	run  sync.Mutex
	exec *models.AutomationExecution

	mu       sync.RWMutex
	snapshot *models.AutomationExecution

	cancelled atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func newExecutionHandle(svc *AutomationService, rule *models.AutomationRule, exec *models.AutomationExecution) *ExecutionHandle {
	h := &ExecutionHandle{
		id:   exec.ID,
		svc:  svc,
		rule: rule,
		exec: exec,
		done: make(chan struct{}),
	}
	h.publish()
	if exec.Status.Terminal() {
		h.finish()
	}
	return h
}

// completedHandle wraps a stored execution (replays, denials, non-matches).
func completedHandle(exec *models.AutomationExecution) *ExecutionHandle {
	h := &ExecutionHandle{id: exec.ID, exec: exec, done: make(chan struct{})}
	h.publish()
	h.finish()
	return h
}

func (h *ExecutionHandle) ID() string { return h.id }

// Execution returns a copy of the latest published state.
func (h *ExecutionHandle) Execution() *models.AutomationExecution {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshot.Clone()
}

func (h *ExecutionHandle) Status() models.ExecutionStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshot.Status
}

// Done is closed when the execution reaches a terminal status.
func (h *ExecutionHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the execution is terminal or ctx ends.
func (h *ExecutionHandle) Wait(ctx context.Context) (*models.AutomationExecution, error) {
	select {
	case <-h.done:
		return h.Execution(), nil
	case <-ctx.Done():
		return h.Execution(), ctx.Err()
	}
}

// Cancel requests cooperative cancellation. A running action is allowed to finish; the
// remaining actions are skipped and the execution ends as cancelled.
func (h *ExecutionHandle) Cancel() {
	if h.svc == nil {
		return
	}
	h.cancelled.Store(true)
	h.svc.cancelExecution(h)
}

func (h *ExecutionHandle) publish() {
	snap := h.exec.Clone()
	h.mu.Lock()
	h.snapshot = snap
	h.mu.Unlock()
}

func (h *ExecutionHandle) finish() {
	h.closeOnce.Do(func() { close(h.done) })
}
