package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"finpilot/internal/models"
)

// ActionRequest is everything a sink needs to perform one action.
type ActionRequest struct {
	TenantID       string
	RuleID         string
	ExecutionID    string
	Index          int
	Type           models.ActionType
	Params         map[string]interface{}
	Facts          Facts
	IdempotencyKey string
}

// ActionHandler performs a side effect. Implementations must be idempotent for a given
// IdempotencyKey and should honour ctx cancellation; return Permanent(err) for failures
// that retrying cannot fix.
type ActionHandler interface {
	Execute(ctx context.Context, req ActionRequest) (map[string]interface{}, error)
}

// ActionHandlerFunc adapts a function to ActionHandler.
type ActionHandlerFunc func(ctx context.Context, req ActionRequest) (map[string]interface{}, error)

func (f ActionHandlerFunc) Execute(ctx context.Context, req ActionRequest) (map[string]interface{}, error) {
	return f(ctx, req)
}

// ActionRegistry maps action types to handlers. New types are registered, not subclassed.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[models.ActionType]ActionHandler
}

func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{handlers: make(map[models.ActionType]ActionHandler)}
}

// Register binds h to t, replacing any previous handler.
func (r *ActionRegistry) Register(t models.ActionType, h ActionHandler) error {
	if !t.Valid() {
		return fmt.Errorf("unknown action type %q", t)
	}
	if h == nil {
		return fmt.Errorf("nil handler for %s", t)
	}
	r.mu.Lock()
	r.handlers[t] = h
	r.mu.Unlock()
	return nil
}

func (r *ActionRegistry) Lookup(t models.ActionType) (ActionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types returns the registered types in a stable order.
func (r *ActionRegistry) Types() []models.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ActionType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
