package handlers

import (
	"finpilot/internal/config"
	"finpilot/internal/metrics"
	"finpilot/internal/middleware"
	"finpilot/internal/services"
	"finpilot/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RouterDeps collects what SetupRouter exposes over HTTP.
type RouterDeps struct {
	Config     *config.Config
	Version    string
	Automation *services.AutomationService
	Forecasts  *services.ForecastService
	Scenarios  *services.ScenarioService
	Insights   *services.InsightService
	Audit      store.AuditStore
	AuditHub   *services.AuditHub
	Metrics    *metrics.Collectors
	Clock      services.Clock
	Checks     []HealthCheck
	Logger     *logrus.Logger
}

// SetupRouter builds the gin engine: health and metrics at the root, tenant-scoped API under /api/v1.
func SetupRouter(d RouterDeps) *gin.Engine {
	cfg := d.Config
	if cfg == nil {
		cfg = config.GetDefaultConfig()
	}
	logger := d.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if gin.Mode() != gin.TestMode {
		router.Use(gin.Logger())
	}
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}
	router.Use(middleware.CORSMiddleware())

	health := NewHealthHandler(d.Version, logger, d.Checks...)
	router.GET("/health", health.Health)
	router.GET("/ready", health.Ready)
	if cfg.Monitoring.Enabled && d.Metrics != nil {
		path := cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(d.Metrics.Handler()))
	}

	api := router.Group("/api/v1")
	api.Use(middleware.TenantMiddleware(cfg), middleware.RateLimitMiddleware(cfg, d.Clock))
	if d.Automation != nil {
		RegisterAutomationRoutes(api, NewAutomationHandler(d.Automation, logger))
	}
	if d.Forecasts != nil && d.Scenarios != nil && d.Insights != nil {
		RegisterIntelligenceRoutes(api, NewIntelligenceHandler(d.Forecasts, d.Scenarios, d.Insights, d.Clock, logger))
	}
	if d.Audit != nil {
		RegisterAuditRoutes(api, NewAuditHandler(d.Audit, d.AuditHub, logger))
	}
	return router
}
