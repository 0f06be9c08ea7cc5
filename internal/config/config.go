package config

import (
	"fmt"
	"time"

	"finpilot/internal/models"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Security   SecurityConfig   `yaml:"security" mapstructure:"security"`
	Automation AutomationConfig `yaml:"automation" mapstructure:"automation"`
	Forecast   ForecastConfig   `yaml:"forecast" mapstructure:"forecast"`
	Scenario   ScenarioConfig   `yaml:"scenario" mapstructure:"scenario"`
	Insights   InsightsConfig   `yaml:"insights" mapstructure:"insights"`
	Plans      PlansConfig      `yaml:"plans" mapstructure:"plans"`
	TenantAPI  TenantAPIConfig  `yaml:"tenant_api" mapstructure:"tenant_api"`
	Actions    ActionsConfig    `yaml:"actions" mapstructure:"actions"`
}

type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver" mapstructure:"driver"` // postgres, sqlite, memory
	DSN             string        `yaml:"dsn" mapstructure:"dsn"`
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	User            string        `yaml:"user" mapstructure:"user"`
	Password        string        `yaml:"password" mapstructure:"password"`
	Name            string        `yaml:"name" mapstructure:"name"`
	SSLMode         string        `yaml:"sslmode" mapstructure:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// PostgresDSN assembles a DSN from parts unless DSN is set explicitly.
func (d DatabaseConfig) PostgresDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	ssl := d.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, ssl)
}

type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"` // json, text
	Output     string `yaml:"output" mapstructure:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path" mapstructure:"file_path"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`       // MB
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`         // days
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress" mapstructure:"compress"`       // compress backup files
}

type MonitoringConfig struct {
	Enabled     bool          `yaml:"enabled" mapstructure:"enabled"`
	MetricsPath string        `yaml:"metrics_path" mapstructure:"metrics_path"`
	Tracing     TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`         // OTLP gRPC 端点
	Insecure    bool    `yaml:"insecure" mapstructure:"insecure"`         // 是否使用明文（本地/开发）
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
}

type SecurityConfig struct {
	// JWTSecret 非空时要求 Bearer token，租户信息取自 claims；为空时信任 X-Tenant-ID 头（内网部署）
	JWTSecret    string             `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting" mapstructure:"rate_limiting"`
}

// RateLimitingConfig limits API requests per tenant.
type RateLimitingConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int  `yaml:"burst" mapstructure:"burst"`
}

// AutomationConfig 自动化引擎配置
type AutomationConfig struct {
	Workers              int           `yaml:"workers" mapstructure:"workers"`
	QueueSize            int           `yaml:"queue_size" mapstructure:"queue_size"`
	MaxAttempts          int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseBackoff          time.Duration `yaml:"base_backoff" mapstructure:"base_backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	ActionTimeout        time.Duration `yaml:"action_timeout" mapstructure:"action_timeout"`
	AutoPauseThreshold   int           `yaml:"auto_pause_threshold" mapstructure:"auto_pause_threshold"`
	MaxConditionDepth    int           `yaml:"max_condition_depth" mapstructure:"max_condition_depth"`
	MaxConditionNodes    int           `yaml:"max_condition_nodes" mapstructure:"max_condition_nodes"`
	MaxActions           int           `yaml:"max_actions" mapstructure:"max_actions"`
	TenantRatePerMinute  int           `yaml:"tenant_rate_per_minute" mapstructure:"tenant_rate_per_minute"`
	TenantBurst          int           `yaml:"tenant_burst" mapstructure:"tenant_burst"`
	RetryPollInterval    time.Duration `yaml:"retry_poll_interval" mapstructure:"retry_poll_interval"`
	SinkBreakerFailures  int           `yaml:"sink_breaker_failures" mapstructure:"sink_breaker_failures"`
	SinkBreakerResetTime time.Duration `yaml:"sink_breaker_reset" mapstructure:"sink_breaker_reset"`
	ResultCacheSize      int           `yaml:"result_cache_size" mapstructure:"result_cache_size"`
	ResultCacheTTL       time.Duration `yaml:"result_cache_ttl" mapstructure:"result_cache_ttl"`
}

// ForecastConfig 预测引擎配置
type ForecastConfig struct {
	HorizonMonths   int `yaml:"horizon_months" mapstructure:"horizon_months"`
	MinDataDays     int `yaml:"min_data_days" mapstructure:"min_data_days"`
	DefaultWindow   int `yaml:"default_window_days" mapstructure:"default_window_days"`
	TrajectoryMonth int `yaml:"trajectory_month" mapstructure:"trajectory_month"`
}

// ScenarioConfig 场景模拟配置
type ScenarioConfig struct {
	RunwayWeight       float64 `yaml:"runway_weight" mapstructure:"runway_weight"`
	AssumptionWeight   float64 `yaml:"assumption_weight" mapstructure:"assumption_weight"`
	VolatilityWeight   float64 `yaml:"volatility_weight" mapstructure:"volatility_weight"`
	ComplexityWeight   float64 `yaml:"complexity_weight" mapstructure:"complexity_weight"`
	SafeRunwayDays     float64 `yaml:"safe_runway_days" mapstructure:"safe_runway_days"`
	HorizonMonths      int     `yaml:"horizon_months" mapstructure:"horizon_months"`
	MaxRecommendations int     `yaml:"max_recommendations" mapstructure:"max_recommendations"`
}

// InsightsConfig 洞察生成配置
type InsightsConfig struct {
	ZScoreThreshold     float64 `yaml:"z_score_threshold" mapstructure:"z_score_threshold"`
	IQRMultiplier       float64 `yaml:"iqr_multiplier" mapstructure:"iqr_multiplier"`
	MinSamples          int     `yaml:"min_samples" mapstructure:"min_samples"`
	BudgetWarningRatio  float64 `yaml:"budget_warning_ratio" mapstructure:"budget_warning_ratio"`
	BudgetCriticalRatio float64 `yaml:"budget_critical_ratio" mapstructure:"budget_critical_ratio"`
	TrendMinMonths      int     `yaml:"trend_min_months" mapstructure:"trend_min_months"`
	PaymentShiftPoints  float64 `yaml:"payment_shift_points" mapstructure:"payment_shift_points"`
	MaxAnomalies        int     `yaml:"max_anomalies" mapstructure:"max_anomalies"`
}

// PlansConfig 套餐配置；RemoteEnabled 时通过 tenant_api 查询
type PlansConfig struct {
	DefaultTier   string                       `yaml:"default_tier" mapstructure:"default_tier"`
	RemoteEnabled bool                         `yaml:"remote_enabled" mapstructure:"remote_enabled"`
	Tiers         map[string]models.PlanLimits `yaml:"tiers" mapstructure:"tiers"`
}

// TenantAPIConfig points at the external plan/tenant service and history provider.
type TenantAPIConfig struct {
	BaseURL    string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey     string        `yaml:"api_key" mapstructure:"api_key"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
}

// ActionsConfig maps action types to the HTTP endpoints of their sinks.
type ActionsConfig struct {
	Endpoints map[string]string `yaml:"endpoints" mapstructure:"endpoints"`
	AuthToken string            `yaml:"auth_token" mapstructure:"auth_token"`
}

// Load unmarshals viper settings over the defaults.
func Load() (*Config, error) {
	cfg := GetDefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "finpilot",
			SSLMode:         "disable",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/finpilot.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "finpilot",
			},
		},
		Security: SecurityConfig{
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
			},
		},
		Automation: AutomationConfig{
			Workers:              8,
			QueueSize:            256,
			MaxAttempts:          4,
			BaseBackoff:          5 * time.Minute,
			MaxBackoff:           time.Hour,
			ActionTimeout:        30 * time.Second,
			AutoPauseThreshold:   3,
			MaxConditionDepth:    8,
			MaxConditionNodes:    64,
			MaxActions:           10,
			TenantRatePerMinute:  60,
			TenantBurst:          10,
			RetryPollInterval:    5 * time.Second,
			SinkBreakerFailures:  5,
			SinkBreakerResetTime: time.Minute,
			ResultCacheSize:      10000,
			ResultCacheTTL:       24 * time.Hour,
		},
		Forecast: ForecastConfig{
			HorizonMonths:   12,
			MinDataDays:     90,
			DefaultWindow:   180,
			TrajectoryMonth: 12,
		},
		Scenario: ScenarioConfig{
			RunwayWeight:       0.4,
			AssumptionWeight:   0.3,
			VolatilityWeight:   0.2,
			ComplexityWeight:   0.1,
			SafeRunwayDays:     365,
			HorizonMonths:      24,
			MaxRecommendations: 4,
		},
		Insights: InsightsConfig{
			ZScoreThreshold:     2.5,
			IQRMultiplier:       1.5,
			MinSamples:          8,
			BudgetWarningRatio:  0.8,
			BudgetCriticalRatio: 1.0,
			TrendMinMonths:      3,
			PaymentShiftPoints:  10,
			MaxAnomalies:        5,
		},
		Plans: PlansConfig{
			DefaultTier: "starter",
			Tiers: map[string]models.PlanLimits{
				"free": {
					Tier: "free", AutomationEnabled: false, MaxRules: 0,
					MaxScenariosPerMonth: 3, MaxForecastsPerMonth: 10,
					UpgradeURL: "/billing/upgrade?from=free",
				},
				"starter": {
					Tier: "starter", AutomationEnabled: true, MaxRules: 10,
					MaxExecutionsPerMonth: 1000, MaxScenariosPerMonth: 20, MaxForecastsPerMonth: 100,
					UpgradeURL: "/billing/upgrade?from=starter",
				},
				"growth": {
					Tier: "growth", AutomationEnabled: true, MaxRules: 100,
					MaxExecutionsPerMonth: 20000, MaxScenariosPerMonth: 200, MaxForecastsPerMonth: 1000,
				},
			},
		},
		TenantAPI: TenantAPIConfig{
			BaseURL:    "http://localhost:9100",
			Timeout:    10 * time.Second,
			MaxRetries: 2,
			RetryDelay: 500 * time.Millisecond,
		},
		Actions: ActionsConfig{
			Endpoints: map[string]string{},
		},
	}
}
