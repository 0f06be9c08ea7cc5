package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"finpilot/internal/config"
	"finpilot/internal/models"
	"finpilot/internal/services"

	"github.com/spf13/cobra"
)

// analysisFlags are shared by the offline forecast/simulate/insights commands.
type analysisFlags struct {
	history    string
	asOf       string
	windowDays int
}

func (f *analysisFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.history, "history", "", "history fixture (yaml)")
	cmd.Flags().StringVar(&f.asOf, "as-of", "", "evaluation date YYYY-MM-DD (default: day after the last data point)")
	cmd.Flags().IntVar(&f.windowDays, "window-days", 0, "historical window length in days (default from config)")
	_ = cmd.MarkFlagRequired("history")
}

// offlineApp loads the fixture into an in-memory app whose clock is pinned to the
// evaluation date, so results do not drift with wall time.
func (f *analysisFlags) offlineApp(cmd *cobra.Command) (*app, models.TenantContext, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, models.TenantContext{}, err
	}
	cfg.Plans.RemoteEnabled = false
	logger, err := config.NewLogger(config.LogConfig{Level: "warn", Format: "text", Output: "stdout"})
	if err != nil {
		return nil, models.TenantContext{}, err
	}
	logger.SetOutput(cmd.ErrOrStderr())

	h, err := loadHistory(f.history)
	if err != nil {
		return nil, models.TenantContext{}, err
	}
	asOf, err := f.evaluationDate(h)
	if err != nil {
		return nil, models.TenantContext{}, err
	}
	a, err := newApp(cfg, logger, appOptions{clock: services.NewFakeClock(asOf)})
	if err != nil {
		return nil, models.TenantContext{}, err
	}
	a.fixtures.Put(h)
	return a, models.TenantContext{TenantID: h.TenantID, PlanTier: cfg.Plans.DefaultTier}, nil
}

func (f *analysisFlags) evaluationDate(h *models.FinancialHistory) (time.Time, error) {
	if f.asOf != "" {
		t, err := time.Parse("2006-01-02", f.asOf)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --as-of: %w", err)
		}
		return t.UTC(), nil
	}
	_, last, ok := h.DataSpan()
	if !ok {
		return time.Now().UTC(), nil
	}
	return last.UTC().Truncate(24*time.Hour).AddDate(0, 0, 1), nil
}

func (f *analysisFlags) window(a *app) models.Window {
	if f.windowDays <= 0 {
		return models.Window{}
	}
	return models.LastDays(a.clock.Now(), f.windowDays)
}

var (
	forecastFlags analysisFlags
	forecastType  string
)

var forecastCmd = &cobra.Command{
	Use:   "forecast",
	Short: "Forecast a financial metric from a history fixture",
	Example: `  finpilot forecast --history history.yaml --type cash_runway
  finpilot forecast --history history.yaml --type burn_rate --window-days 90`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, tc, err := forecastFlags.offlineApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		f, err := a.forecasts.GenerateForecast(cmd.Context(), tc, models.ForecastType(forecastType), forecastFlags.window(a))
		if err != nil {
			return explainErr(err)
		}
		return printJSON(cmd.OutOrStdout(), f)
	},
}

var (
	simulateFlags  analysisFlags
	scenarioType   string
	scenarioParams string
)

var simulateCmd = &cobra.Command{
	Use:     "simulate",
	Short:   "Run a what-if scenario against a history fixture",
	Example: `  finpilot simulate --history history.yaml --type hiring --params '{"monthly_cost": 8000, "headcount": 2}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]interface{}{}
		if scenarioParams != "" {
			if err := json.Unmarshal([]byte(scenarioParams), &params); err != nil {
				return fmt.Errorf("invalid --params: %w", err)
			}
		}
		a, tc, err := simulateFlags.offlineApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		sc, err := a.scenarios.SimulateScenario(cmd.Context(), tc, models.ScenarioType(scenarioType), params, nil)
		if err != nil {
			return explainErr(err)
		}
		return printJSON(cmd.OutOrStdout(), sc)
	},
}

var insightFlags analysisFlags

var insightsCmd = &cobra.Command{
	Use:   "insights",
	Short: "Generate explainable insights from a history fixture",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, tc, err := insightFlags.offlineApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		out, err := a.insights.GenerateInsights(cmd.Context(), tc, insightFlags.window(a))
		if err != nil {
			if !services.IsInsufficientData(err) {
				return explainErr(err)
			}
			// 数据不足不是错误
			fmt.Fprintln(cmd.ErrOrStderr(), services.Explain(err))
		}
		if out == nil {
			out = []*models.SmartInsight{}
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

// explainErr replaces typed service errors with their user-facing explanation.
func explainErr(err error) error {
	return errors.New(services.Explain(err))
}

func init() {
	forecastFlags.register(forecastCmd)
	forecastCmd.Flags().StringVar(&forecastType, "type", string(models.ForecastCashRunway), "forecast type")
	simulateFlags.register(simulateCmd)
	simulateCmd.Flags().StringVar(&scenarioType, "type", "", "scenario type")
	simulateCmd.Flags().StringVar(&scenarioParams, "params", "", "scenario parameters as JSON")
	_ = simulateCmd.MarkFlagRequired("type")
	insightFlags.register(insightsCmd)

	rootCmd.AddCommand(forecastCmd, simulateCmd, insightsCmd)
}
