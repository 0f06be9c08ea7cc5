package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"finpilot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixtureEnd = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

// writeHistory writes a steady fixture of days daily expense and revenue lines.
func writeHistory(t *testing.T, tenant string, days int) string {
	t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "tenant_id: %s\n", tenant)
	fmt.Fprintf(&b, "cash_balances:\n  - date: %s\n    amount: \"50000.00\"\n", fixtureEnd.AddDate(0, 0, -1).Format("2006-01-02"))
	b.WriteString("expenses:\n")
	for d := 1; d <= days; d++ {
		fmt.Fprintf(&b, "  - id: e-%d\n    date: %s\n    amount: 300\n    category: operations\n", d, fixtureEnd.AddDate(0, 0, -d).Format("2006-01-02"))
	}
	b.WriteString("revenue:\n")
	for d := 1; d <= days; d++ {
		fmt.Fprintf(&b, "  - id: r-%d\n    date: %s\n    amount: 400.50\n    party: acme\n", d, fixtureEnd.AddDate(0, 0, -d).Format("2006-01-02"))
	}
	path := filepath.Join(t.TempDir(), "history.yaml")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), errOut.String(), err
}

const goodRule = `
name: chase large overdue invoices
trigger_type: invoice_overdue
conditions:
  kind: and
  children:
    - {kind: atomic, field: event.amount, op: gt, value: 500}
    - {kind: atomic, field: event.currency, op: in, value: [USD, EUR]}
actions:
  - type: send_payment_reminder
    params: {invoice_id: "{{event.invoice_id}}"}
`

const badRule = `
name: broken
trigger_type: invoice_overdue
conditions: {kind: not, children: []}
actions:
  - type: fax_it
`

func TestLoadHistory(t *testing.T) {
	h, err := loadHistory(writeHistory(t, "acme", 3))
	require.NoError(t, err)
	assert.Equal(t, "acme", h.TenantID)
	require.Len(t, h.CashBalances, 1)
	assert.Equal(t, "50000", h.CashBalances[0].Amount.String())
	require.Len(t, h.Expenses, 3)
	assert.Equal(t, "300", h.Expenses[0].Amount.String())
	assert.Equal(t, fixtureEnd.AddDate(0, 0, -1), h.Expenses[0].Date)
	assert.Equal(t, "400.5", h.Revenue[0].Amount.String())
	assert.Equal(t, "acme", h.Revenue[0].Party)

	_, err = loadHistory(writeFile(t, "h.yaml", "expenses: []\n"))
	assert.ErrorContains(t, err, "tenant_id is required")
}

func TestLoadRule(t *testing.T) {
	rule, err := loadRule(writeFile(t, "rule.yaml", goodRule))
	require.NoError(t, err)
	assert.Equal(t, models.TriggerInvoiceOverdue, rule.TriggerType)
	assert.Equal(t, models.NodeAnd, rule.Conditions.Kind)
	require.Len(t, rule.Conditions.Children, 2)
	assert.Equal(t, "event.currency", rule.Conditions.Children[1].Field)
	require.Len(t, rule.Actions, 1)
	assert.Equal(t, "{{event.invoice_id}}", rule.Actions[0].Params["invoice_id"])
}

func TestRulesValidateCommand(t *testing.T) {
	good := writeFile(t, "good.yaml", goodRule)
	out, _, err := execute(t, "rules", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, good+": ok")

	bad := writeFile(t, "bad.yaml", badRule)
	out, _, err = execute(t, "rules", "validate", good, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Contains(t, out, bad+": invalid")
	assert.Contains(t, out, "actions[0].type")
}

func TestRulesPreviewCommand(t *testing.T) {
	rule := writeFile(t, "rule.yaml", goodRule)
	trigger := writeFile(t, "trigger.yaml", `
type: invoice_overdue
occurred_at: "2024-05-31T10:00:00Z"
payload: {invoice_id: inv-42, amount: 900, currency: EUR}
`)
	out, _, err := execute(t, "rules", "preview", rule, "--trigger", trigger, "--history", writeHistory(t, "acme", 30))
	require.NoError(t, err)

	var res models.DryRunResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Allowed)
	require.NotNil(t, res.Match)
	assert.True(t, res.Match.Matched)
	require.Len(t, res.IntendedActions, 1)
	assert.Equal(t, "inv-42", res.IntendedActions[0].Params["invoice_id"])
}

func TestForecastCommand(t *testing.T) {
	out, _, err := execute(t, "forecast", "--history", writeHistory(t, "acme", 150), "--type", "burn_rate")
	require.NoError(t, err)

	var f models.FinancialForecast
	require.NoError(t, json.Unmarshal([]byte(out), &f))
	assert.Equal(t, "acme", f.TenantID)
	assert.Equal(t, models.ForecastBurnRate, f.Type)
}

func TestSimulateCommand_InvalidParams(t *testing.T) {
	_, _, err := execute(t, "simulate", "--history", writeHistory(t, "acme", 150), "--type", "hiring", "--params", `{"monthly_cost": -5}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monthly_cost")

	_, _, err = execute(t, "simulate", "--history", writeHistory(t, "acme", 150), "--type", "hiring", "--params", `{not json`)
	assert.ErrorContains(t, err, "invalid --params")
}

func TestInsightsCommand_InsufficientData(t *testing.T) {
	out, errOut, err := execute(t, "insights", "--history", writeHistory(t, "acme", 3))
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
	assert.NotEmpty(t, errOut)
}

func TestEvaluationDate(t *testing.T) {
	h := &models.FinancialHistory{Expenses: []models.Transaction{{Date: time.Date(2024, 3, 9, 15, 30, 0, 0, time.UTC)}}}

	f := analysisFlags{}
	d, err := f.evaluationDate(h)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), d)

	f.asOf = "2024-04-01"
	d, err = f.evaluationDate(h)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), d)

	f.asOf = "April"
	_, err = f.evaluationDate(h)
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version: dev")
}
