package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitSnapshot(t *testing.T) {
	before, _ := RateLimitSnapshot()
	IncRateLimitDrop("tenant:t1")
	IncRateLimitDrop("")
	total, by := RateLimitSnapshot()
	assert.Equal(t, before+2, total)
	assert.GreaterOrEqual(t, by["tenant:t1"], uint64(1))
	assert.GreaterOrEqual(t, by["global"], uint64(1))
}

func TestCollectors_Observe(t *testing.T) {
	c := New()
	c.ObserveExecution("succeeded")
	c.ObserveExecution("succeeded")
	c.ObserveAction("send_email", "failure", 0.2)
	c.ObservePlanDenial("rules")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Executions.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ActionAttempts.WithLabelValues("send_email", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.PlanDenials.WithLabelValues("rules")))
}

func TestCollectors_NilSafe(t *testing.T) {
	var c *Collectors
	assert.NotPanics(t, func() {
		c.ObserveExecution("failed")
		c.ObserveEvaluation(true)
		c.SetQueueDepth(3)
	})
	assert.Nil(t, c.Registry())
}

func TestCollectors_Handler(t *testing.T) {
	c := New()
	c.ObserveScenario("hiring", "HIGH")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `finpilot_scenarios_total{risk_level="HIGH",type="hiring"} 1`))
}
