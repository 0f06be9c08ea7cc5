package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// rateLimitStats holds counters for rate limit drops, keyed by scope
// ("http" for the API middleware, "tenant:<id>" for automation deferrals).
type rateLimitStats struct {
	total   uint64
	mu      sync.Mutex
	byScope map[string]uint64
}

var rl rateLimitStats

// IncRateLimitDrop increments drop counters for the given scope.
func IncRateLimitDrop(scope string) {
	if scope == "" {
		scope = "global"
	}
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byScope == nil {
		rl.byScope = make(map[string]uint64)
	}
	rl.byScope[scope]++
	rl.mu.Unlock()
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byScope))
	for k, v := range rl.byScope {
		by[k] = v
	}
	return total, by
}

// Collectors are the prometheus metrics of the automation and intelligence core.
// A nil *Collectors is valid and records nothing.
type Collectors struct {
	registry *prometheus.Registry

	RuleEvaluations  *prometheus.CounterVec
	Executions       *prometheus.CounterVec
	ActionAttempts   *prometheus.CounterVec
	ActionDuration   *prometheus.HistogramVec
	PlanDenials      *prometheus.CounterVec
	Forecasts        *prometheus.CounterVec
	Scenarios        *prometheus.CounterVec
	Insights         *prometheus.CounterVec
	AuditEvents      *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	PendingRetries   prometheus.Gauge
	SecurityIncident prometheus.Counter
}

// New registers every collector on a private registry.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	c := &Collectors{
		registry: reg,
		RuleEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finpilot", Name: "rule_evaluations_total",
			Help: "Rule evaluations by outcome.",
		}, []string{"matched"}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finpilot", Name: "executions_total",
			Help: "Automation executions reaching a status.",
		}, []string{"status"}),
		ActionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finpilot", Name: "action_attempts_total",
			Help: "Action attempts by type and outcome.",
		}, []string{"type", "outcome"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "finpilot", Name: "action_duration_seconds",
			Help:    "Duration of action attempts.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		PlanDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finpilot", Name: "plan_denials_total",
			Help: "Operations denied by plan limits.",
		}, []string{"resource"}),
		Forecasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finpilot", Name: "forecasts_total",
			Help: "Forecasts generated by type and confidence level.",
		}, []string{"type", "confidence"}),
		Scenarios: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finpilot", Name: "scenarios_total",
			Help: "Scenarios simulated by type and risk level.",
		}, []string{"type", "risk_level"}),
		Insights: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finpilot", Name: "insights_total",
			Help: "Insights generated by type and severity.",
		}, []string{"type", "severity"}),
		AuditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finpilot", Name: "audit_events_total",
			Help: "Audit events emitted by type.",
		}, []string{"type"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "finpilot", Name: "worker_queue_depth",
			Help: "Execution steps waiting for a worker.",
		}),
		PendingRetries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "finpilot", Name: "pending_retries",
			Help: "Tasks waiting in the delay queue.",
		}),
		SecurityIncident: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "finpilot", Name: "tenant_isolation_violations_total",
			Help: "Results rejected because they belonged to another tenant.",
		}),
	}
	reg.MustRegister(
		c.RuleEvaluations, c.Executions, c.ActionAttempts, c.ActionDuration, c.PlanDenials,
		c.Forecasts, c.Scenarios, c.Insights, c.AuditEvents, c.QueueDepth, c.PendingRetries,
		c.SecurityIncident,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the private registry, mainly for tests.
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the prometheus text format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collectors) ObserveEvaluation(matched bool) {
	if c == nil {
		return
	}
	label := "false"
	if matched {
		label = "true"
	}
	c.RuleEvaluations.WithLabelValues(label).Inc()
}

func (c *Collectors) ObserveExecution(status string) {
	if c == nil {
		return
	}
	c.Executions.WithLabelValues(status).Inc()
}

func (c *Collectors) ObserveAction(actionType, outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.ActionAttempts.WithLabelValues(actionType, outcome).Inc()
	c.ActionDuration.WithLabelValues(actionType).Observe(seconds)
}

func (c *Collectors) ObservePlanDenial(resource string) {
	if c == nil {
		return
	}
	c.PlanDenials.WithLabelValues(resource).Inc()
}

func (c *Collectors) ObserveForecast(forecastType, confidence string) {
	if c == nil {
		return
	}
	c.Forecasts.WithLabelValues(forecastType, confidence).Inc()
}

func (c *Collectors) ObserveScenario(scenarioType, riskLevel string) {
	if c == nil {
		return
	}
	c.Scenarios.WithLabelValues(scenarioType, riskLevel).Inc()
}

func (c *Collectors) ObserveInsight(insightType, severity string) {
	if c == nil {
		return
	}
	c.Insights.WithLabelValues(insightType, severity).Inc()
}

func (c *Collectors) ObserveAudit(eventType string) {
	if c == nil {
		return
	}
	c.AuditEvents.WithLabelValues(eventType).Inc()
}

func (c *Collectors) ObserveSecurityIncident() {
	if c == nil {
		return
	}
	c.SecurityIncident.Inc()
}

func (c *Collectors) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.QueueDepth.Set(float64(n))
}

func (c *Collectors) SetPendingRetries(n int) {
	if c == nil {
		return
	}
	c.PendingRetries.Set(float64(n))
}
