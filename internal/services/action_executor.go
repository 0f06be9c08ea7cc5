package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"finpilot/internal/metrics"
	"finpilot/internal/models"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// RetryPolicy is the exponential backoff schedule for failed actions.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries after 5, 10 and 20 minutes, four attempts in total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: 5 * time.Minute, MaxDelay: time.Hour}
}

// Delay returns the wait after the n-th failed attempt (1-based): base * 2^(n-1), capped.
func (p RetryPolicy) Delay(failedAttempt int) time.Duration {
	if failedAttempt < 1 {
		failedAttempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < failedAttempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Schedule lists every delay an always-failing action waits through.
func (p RetryPolicy) Schedule() []time.Duration {
	out := make([]time.Duration, 0, p.MaxAttempts)
	for n := 1; n < p.MaxAttempts; n++ {
		out = append(out, p.Delay(n))
	}
	return out
}

// Exhausted reports whether attempts has used the whole budget.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// ActionExecutorConfig configures NewActionExecutor. CacheSize and CacheTTL bound the
// in-process cache of successful results; once an entry is evicted a replay is still
// answered from the persisted execution record.
type ActionExecutorConfig struct {
	Policy    RetryPolicy
	Timeout   time.Duration
	Breaker   CircuitBreakerConfig
	CacheSize int
	CacheTTL  time.Duration
}

// AttemptOutcome is the result of a single action attempt.
type AttemptOutcome struct {
	Output   map[string]interface{}
	Err      *ActionExecutionError
	Cached   bool
	Duration time.Duration
}

// ActionExecutor runs one action attempt at a time with a hard timeout. Attempts sharing an
// idempotency key are collapsed with singleflight and successful results are cached, so a
// replayed key never repeats a side effect.
type ActionExecutor struct {
	registry *ActionRegistry
	policy   RetryPolicy
	timeout  time.Duration
	clock    Clock
	logger   *logrus.Logger
	metrics  *metrics.Collectors

	group   singleflight.Group
	results *expirable.LRU[string, map[string]interface{}]

	mu       sync.Mutex
	breakers map[models.ActionType]*CircuitBreaker
	cbConfig CircuitBreakerConfig
}

func NewActionExecutor(registry *ActionRegistry, cfg ActionExecutorConfig, clock Clock, logger *logrus.Logger, m *metrics.Collectors) *ActionExecutor {
	if registry == nil {
		registry = NewActionRegistry()
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = DefaultRetryPolicy()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	return &ActionExecutor{
		registry: registry,
		policy:   cfg.Policy,
		timeout:  cfg.Timeout,
		clock:    clock,
		logger:   logger,
		metrics:  m,
		results:  expirable.NewLRU[string, map[string]interface{}](cfg.CacheSize, nil, cfg.CacheTTL),
		breakers: make(map[models.ActionType]*CircuitBreaker),
		cbConfig: cfg.Breaker,
	}
}

func (x *ActionExecutor) Policy() RetryPolicy        { return x.policy }
func (x *ActionExecutor) Registry() *ActionRegistry { return x.registry }

// Attempt performs attempt number `attempt` of req. Results are cached per tenant and
// idempotency key.
func (x *ActionExecutor) Attempt(ctx context.Context, req ActionRequest, attempt int) AttemptOutcome {
	if req.IdempotencyKey == "" {
		return x.invoke(ctx, req, attempt)
	}
	key := cacheKey(req.TenantID, req.IdempotencyKey)
	if out, ok := x.cached(key); ok {
		return AttemptOutcome{Output: out, Cached: true}
	}
	v, _, _ := x.group.Do(key, func() (interface{}, error) {
		if out, ok := x.cached(key); ok {
			return AttemptOutcome{Output: out, Cached: true}, nil
		}
		o := x.invoke(ctx, req, attempt)
		if o.Err == nil {
			x.remember(key, o.Output)
		}
		return o, nil
	})
	return v.(AttemptOutcome)
}

// Forget drops the cached result of a tenant's key.
func (x *ActionExecutor) Forget(tenantID, key string) {
	x.results.Remove(cacheKey(tenantID, key))
}

// CachedResults is the number of results currently held.
func (x *ActionExecutor) CachedResults() int { return x.results.Len() }

func cacheKey(tenantID, key string) string { return tenantID + "|" + key }

func (x *ActionExecutor) cached(key string) (map[string]interface{}, bool) {
	return x.results.Get(key)
}

func (x *ActionExecutor) remember(key string, out map[string]interface{}) {
	x.results.Add(key, out)
}

func (x *ActionExecutor) breaker(t models.ActionType) *CircuitBreaker {
	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.breakers[t]
	if !ok {
		b = NewCircuitBreaker(x.cbConfig, x.clock)
		x.breakers[t] = b
	}
	return b
}

// BreakerStats reports the state of every action sink breaker.
func (x *ActionExecutor) BreakerStats() map[string]interface{} {
	x.mu.Lock()
	bs := make(map[models.ActionType]*CircuitBreaker, len(x.breakers))
	for t, b := range x.breakers {
		bs[t] = b
	}
	x.mu.Unlock()
	out := make(map[string]interface{}, len(bs))
	for t, b := range bs {
		out[string(t)] = b.Stats()
	}
	return out
}

type handlerResult struct {
	out map[string]interface{}
	err error
}

func (x *ActionExecutor) invoke(ctx context.Context, req ActionRequest, attempt int) AttemptOutcome {
	fail := func(err error, transient, timedOut bool) AttemptOutcome {
		return AttemptOutcome{Err: &ActionExecutionError{
			ActionType: req.Type, Attempts: attempt, Transient: transient, TimedOut: timedOut, Err: err,
		}}
	}

	h, ok := x.registry.Lookup(req.Type)
	if !ok {
		return fail(fmt.Errorf("no sink registered for %s", req.Type), false, false)
	}
	br := x.breaker(req.Type)
	if !br.Allow() {
		x.metrics.ObserveAction(string(req.Type), "circuit_open", 0)
		return fail(errors.New("sink circuit breaker is open"), true, false)
	}

	req.Params = RenderParams(req.Params, req.Facts)
	cctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- handlerResult{err: fmt.Errorf("action panicked: %v", r)}
			}
		}()
		out, err := h.Execute(cctx, req)
		ch <- handlerResult{out: out, err: err}
	}()

	var res handlerResult
	timedOut := false
	select {
	case res = <-ch:
	case <-cctx.Done():
		timedOut = errors.Is(cctx.Err(), context.DeadlineExceeded)
		res.err = cctx.Err()
	}
	if res.err != nil && !timedOut && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		timedOut = true
	}
	elapsed := time.Since(start)

	entry := x.logger.WithFields(logrus.Fields{
		"tenant_id":    req.TenantID,
		"execution_id": req.ExecutionID,
		"action":       req.Type,
		"attempt":      attempt,
	})
	if res.err != nil {
		br.OnFailure()
		outcome := "failure"
		if timedOut {
			outcome = "timeout"
			res.err = fmt.Errorf("timed out after %s", x.timeout)
		}
		x.metrics.ObserveAction(string(req.Type), outcome, elapsed.Seconds())
		entry.WithError(res.err).Warn("action attempt failed")
		o := fail(res.err, !IsPermanent(res.err), timedOut)
		o.Duration = elapsed
		return o
	}
	br.OnSuccess()
	x.metrics.ObserveAction(string(req.Type), "success", elapsed.Seconds())
	entry.Debug("action attempt succeeded")
	if res.out == nil {
		res.out = map[string]interface{}{}
	}
	return AttemptOutcome{Output: res.out, Duration: elapsed}
}

// RenderParams substitutes {{path}} placeholders with values from facts. A string that is
// exactly one placeholder takes the raw fact value; embedded placeholders are formatted.
// Unknown paths render as empty strings.
func RenderParams(params map[string]interface{}, facts Facts) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = renderValue(v, facts)
	}
	return out
}

func renderValue(v interface{}, facts Facts) interface{} {
	switch t := v.(type) {
	case string:
		return renderString(t, facts)
	case map[string]interface{}:
		return RenderParams(t, facts)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, x := range t {
			out[i] = renderValue(x, facts)
		}
		return out
	default:
		return v
	}
}

func renderString(s string, facts Facts) interface{} {
	if !strings.Contains(s, "{{") {
		return s
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") && strings.Count(trimmed, "{{") == 1 {
		path := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if v, ok := facts.Lookup(path); ok {
			return v
		}
		return ""
	}
	var b strings.Builder
	rest := s
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[open:], "}}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:open])
		path := strings.TrimSpace(rest[open+2 : open+end])
		if v, ok := facts.Lookup(path); ok && v != nil {
			b.WriteString(fmt.Sprint(v))
		}
		rest = rest[open+end+2:]
	}
	return b.String()
}
