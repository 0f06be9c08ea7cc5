package handlers

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// HealthCheck probes one dependency. Critical checks make /ready fail; the others only
// mark /health as degraded.
type HealthCheck struct {
	Name     string
	Critical bool
	Probe    func(ctx context.Context) error
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	version string
	checks  []HealthCheck
	logger  *logrus.Logger
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(version string, logger *logrus.Logger, checks ...HealthCheck) *HealthHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HealthHandler{version: version, checks: checks, logger: logger}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime     string `json:"uptime"`
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
}

var startTime = time.Now()

// Health 健康检查端点。部分依赖不可用时返回 200 + degraded，关键依赖不可用时 503
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now().UTC(),
		Services:  make(map[string]ServiceInfo, len(h.checks)),
		System: SystemInfo{
			Uptime:     time.Since(startTime).Round(time.Second).String(),
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
		},
	}
	criticalDown, anyDown := h.run(ctx, response.Services)
	switch {
	case criticalDown:
		response.Status = "unhealthy"
	case anyDown:
		response.Status = "degraded"
	}

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// Ready 就绪检查端点，只看关键依赖
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	services := make(map[string]string)
	ready := true
	for _, chk := range h.checks {
		if !chk.Critical {
			continue
		}
		if err := chk.Probe(ctx); err != nil {
			services[chk.Name] = "not_ready"
			ready = false
			continue
		}
		services[chk.Name] = "ready"
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now().UTC(),
		"services":  services,
	})
}

func (h *HealthHandler) run(ctx context.Context, into map[string]ServiceInfo) (criticalDown, anyDown bool) {
	checks := append([]HealthCheck(nil), h.checks...)
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	for _, chk := range checks {
		start := time.Now()
		err := chk.Probe(ctx)
		info := ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
		if err != nil {
			info.Status = "unhealthy"
			info.Error = err.Error()
			anyDown = true
			if chk.Critical {
				criticalDown = true
			} else {
				h.logger.Warnf("%s is unhealthy: %v", chk.Name, err)
			}
		}
		into[chk.Name] = info
	}
	return criticalDown, anyDown
}
