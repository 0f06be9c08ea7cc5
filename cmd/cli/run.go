package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"finpilot/internal/config"
	"finpilot/internal/handlers"
	"finpilot/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	runHistory []string
	runMigrate bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the finpilot HTTP server",
	RunE:  run,
}

func init() {
	runCmd.Flags().StringSliceVar(&runHistory, "history", nil, "history fixture(s) to preload when the tenant API is disabled")
	runCmd.Flags().BoolVar(&runMigrate, "migrate", true, "auto-migrate database tables on start")
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// 初始化日志系统
	if err := config.InitLogger(cfg); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger := logrus.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg, Version)
	if err != nil {
		logger.Warnf("tracing disabled: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	a, err := newApp(cfg, logger, appOptions{persistent: true, migrate: runMigrate, live: true})
	if err != nil {
		return err
	}
	defer a.close()
	if err := preloadHistory(a, runHistory); err != nil {
		return err
	}

	// 启动服务
	go a.hub.Run(ctx)
	a.automation.Start(ctx)

	if cfg.Server.Host != "localhost" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.SetupRouter(handlers.RouterDeps{
		Config:     cfg,
		Version:    Version,
		Automation: a.automation,
		Forecasts:  a.forecasts,
		Scenarios:  a.scenarios,
		Insights:   a.insights,
		Audit:      a.store,
		AuditHub:   a.hub,
		Metrics:    a.metrics,
		Clock:      a.clock,
		Checks:     a.healthChecks(),
		Logger:     logger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// 等待中断信号
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	logger.Info("Shutting down server...")

	// 优雅关闭
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warnf("flush traces: %v", err)
	}
	logger.Info("Server exited")
	return nil
}

func preloadHistory(a *app, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	if a.fixtures == nil {
		a.logger.Warn("--history ignored: history comes from the tenant API")
		return nil
	}
	for _, p := range paths {
		h, err := loadHistory(p)
		if err != nil {
			return err
		}
		a.fixtures.Put(h)
		a.logger.WithField("tenant_id", h.TenantID).Infof("Loaded history fixture %s", p)
	}
	return nil
}
