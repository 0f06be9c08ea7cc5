package cli

import (
	"context"
	"fmt"

	"finpilot/internal/config"
	"finpilot/internal/handlers"
	"finpilot/internal/metrics"
	"finpilot/internal/services"
	"finpilot/internal/store"
	"finpilot/pkg/tenantapi"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// app holds the wired services shared by the server and the offline commands.
type app struct {
	cfg        *config.Config
	logger     *logrus.Logger
	clock      services.Clock
	store      store.Store
	db         *gorm.DB
	metrics    *metrics.Collectors
	hub        *services.AuditHub
	fixtures   *services.MemoryHistoryProvider
	tenantAPI  *tenantapi.Client
	automation *services.AutomationService
	forecasts  *services.ForecastService
	scenarios  *services.ScenarioService
	insights   *services.InsightService
}

type appOptions struct {
	// persistent opens the configured database instead of the in-memory store.
	persistent bool
	migrate    bool
	// live adds the websocket audit hub as an audit sink.
	live bool
	// clock pins "now"; offline commands evaluate fixtures as of their last data day.
	clock services.Clock
}

func newApp(cfg *config.Config, logger *logrus.Logger, opts appOptions) (*app, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	a := &app{cfg: cfg, logger: logger, clock: opts.clock, metrics: metrics.New()}
	if a.clock == nil {
		a.clock = services.SystemClock()
	}

	// 存储
	if opts.persistent && cfg.Database.Driver != "memory" {
		db, err := store.Open(cfg.Database, cfg.Monitoring.Tracing.Enabled, logger)
		if err != nil {
			return nil, err
		}
		if opts.migrate {
			if err := store.Migrate(db); err != nil {
				return nil, fmt.Errorf("migrate database: %w", err)
			}
		}
		a.db = db
		a.store = store.NewGormStore(db)
	} else {
		a.store = store.NewMemoryStore()
	}

	sinks := []services.AuditSink{services.NewLogAuditSink(logger), services.NewStoreAuditSink(a.store, logger)}
	if opts.live {
		a.hub = services.NewAuditHub(logger)
		sinks = append(sinks, a.hub)
	}
	auditor := services.NewAuditor(a.clock, a.metrics, sinks...)

	// 套餐与历史数据：远程租户平台或本地配置 + 夹具
	var (
		plans   services.PlanProvider
		history services.HistoryProvider
	)
	if cfg.Plans.RemoteEnabled {
		a.tenantAPI = tenantapi.NewClient(&tenantapi.Config{
			BaseURL:    cfg.TenantAPI.BaseURL,
			APIKey:     cfg.TenantAPI.APIKey,
			Timeout:    cfg.TenantAPI.Timeout,
			MaxRetries: cfg.TenantAPI.MaxRetries,
			RetryDelay: cfg.TenantAPI.RetryDelay,
		}, logger)
		plans, history = a.tenantAPI, a.tenantAPI
	} else {
		a.fixtures = services.NewMemoryHistoryProvider()
		plans, history = services.NewStaticPlanProvider(cfg.Plans), a.fixtures
	}
	guard := services.NewPlanGuard(plans, a.store, a.clock, auditor, a.metrics, logger)

	registry := services.NewActionRegistry()
	if err := services.RegisterDefaultSinks(registry, cfg.Actions, cfg.Automation.ActionTimeout, logger); err != nil {
		return nil, fmt.Errorf("register action sinks: %w", err)
	}
	executor := services.NewActionExecutor(registry, services.ActionExecutorConfig{
		Policy: services.RetryPolicy{
			MaxAttempts: cfg.Automation.MaxAttempts,
			BaseDelay:   cfg.Automation.BaseBackoff,
			MaxDelay:    cfg.Automation.MaxBackoff,
		},
		Timeout: cfg.Automation.ActionTimeout,
		Breaker: services.CircuitBreakerConfig{
			MaxFailures:  cfg.Automation.SinkBreakerFailures,
			ResetTimeout: cfg.Automation.SinkBreakerResetTime,
		},
		CacheSize: cfg.Automation.ResultCacheSize,
		CacheTTL:  cfg.Automation.ResultCacheTTL,
	}, a.clock, logger, a.metrics)

	a.automation = services.NewAutomationService(cfg.Automation, services.AutomationDeps{
		Store:     a.store,
		Executor:  executor,
		Guard:     guard,
		Auditor:   auditor,
		Snapshots: services.NewHistorySnapshotProvider(history, a.clock),
		Clock:     a.clock,
		Metrics:   a.metrics,
		Logger:    logger,
	})
	forecastEngine := services.NewForecastEngine(cfg.Forecast)
	a.forecasts = services.NewForecastService(forecastEngine, history, a.store, guard, auditor, a.clock, a.metrics, logger)
	a.scenarios = services.NewScenarioService(services.NewScenarioEngine(cfg.Scenario), forecastEngine, history, a.store, guard, auditor, a.clock, a.metrics, logger)
	a.insights = services.NewInsightService(services.NewInsightEngine(cfg.Insights), history, a.store, auditor, a.clock, a.metrics, logger)
	return a, nil
}

// healthChecks 数据库为关键依赖，租户平台不可用时仅降级
func (a *app) healthChecks() []handlers.HealthCheck {
	var checks []handlers.HealthCheck
	if a.db != nil {
		checks = append(checks, handlers.HealthCheck{
			Name:     "database",
			Critical: true,
			Probe: func(ctx context.Context) error {
				sqlDB, err := a.db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
		})
	}
	if a.tenantAPI != nil {
		checks = append(checks, handlers.HealthCheck{Name: "tenant_api", Probe: a.tenantAPI.HealthCheck})
	}
	return checks
}

func (a *app) close() {
	a.automation.Stop()
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				a.logger.Warnf("close database: %v", err)
			}
		}
	}
}
