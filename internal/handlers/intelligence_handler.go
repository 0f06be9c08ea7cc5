package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"finpilot/internal/models"
	"finpilot/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// IntelligenceHandler 预测、场景模拟与智能洞察处理器
type IntelligenceHandler struct {
	forecasts *services.ForecastService
	scenarios *services.ScenarioService
	insights  *services.InsightService
	clock     services.Clock
	logger    *logrus.Logger
}

// NewIntelligenceHandler 创建处理器
func NewIntelligenceHandler(forecasts *services.ForecastService, scenarios *services.ScenarioService, insights *services.InsightService, clock services.Clock, logger *logrus.Logger) *IntelligenceHandler {
	if clock == nil {
		clock = services.SystemClock()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &IntelligenceHandler{forecasts: forecasts, scenarios: scenarios, insights: insights, clock: clock, logger: logger}
}

// WindowRequest selects the historical window. Either Start/End or Days; empty means the
// service default.
type WindowRequest struct {
	Start *time.Time `json:"start"`
	End   *time.Time `json:"end"`
	Days  int        `json:"window_days" binding:"omitempty,min=1,max=1825"`
}

func (w WindowRequest) resolve(now time.Time) (models.Window, error) {
	switch {
	case w.Start != nil && w.End != nil:
		if !w.End.After(*w.Start) {
			return models.Window{}, errors.New("end must be after start")
		}
		return models.Window{Start: w.Start.UTC(), End: w.End.UTC()}, nil
	case w.Start != nil || w.End != nil:
		return models.Window{}, errors.New("start and end must be given together")
	case w.Days > 0:
		return models.LastDays(now, w.Days), nil
	}
	return models.Window{}, nil
}

// ForecastRequest 生成预测请求
type ForecastRequest struct {
	Type models.ForecastType `json:"type" binding:"required"`
	WindowRequest
}

// ScenarioRequest 场景模拟请求；BaselineForecastID 为空时由历史数据推导基线
type ScenarioRequest struct {
	Type               models.ScenarioType    `json:"type" binding:"required"`
	Params             map[string]interface{} `json:"params"`
	BaselineForecastID string                 `json:"baseline_forecast_id"`
}

// DismissRequest 忽略洞察
type DismissRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

// InsightsResponse carries generated insights; Message explains an empty result.
type InsightsResponse struct {
	Insights []*models.SmartInsight `json:"insights"`
	Message  string                 `json:"message,omitempty"`
}

// GenerateForecast 生成财务预测
// @Summary 生成财务预测
// @Tags 预测
// @Accept json
// @Produce json
// @Param forecast body ForecastRequest true "预测类型与窗口"
// @Success 201 {object} models.FinancialForecast
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /api/v1/forecasts [post]
func (h *IntelligenceHandler) GenerateForecast(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	var req ForecastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	window, err := req.resolve(h.clock.Now())
	if err != nil {
		badRequest(c, "Invalid window", err)
		return
	}
	f, err := h.forecasts.GenerateForecast(c.Request.Context(), tc, req.Type, window)
	if err != nil {
		writeError(c, h.logger, "generate forecast", err)
		return
	}
	c.JSON(http.StatusCreated, f)
}

// GetForecast 获取预测
// @Router /api/v1/forecasts/{id} [get]
func (h *IntelligenceHandler) GetForecast(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	f, err := h.forecasts.GetForecast(c.Request.Context(), tc, c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "get forecast", err)
		return
	}
	c.JSON(http.StatusOK, f)
}

// ListForecasts 预测列表
// @Router /api/v1/forecasts [get]
func (h *IntelligenceHandler) ListForecasts(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	out, err := h.forecasts.ListForecasts(c.Request.Context(), tc, models.ForecastType(c.Query("type")))
	if err != nil {
		writeError(c, h.logger, "list forecasts", err)
		return
	}
	c.JSON(http.StatusOK, paginate(c, out))
}

// SimulateScenario 运行假设场景
// @Router /api/v1/scenarios [post]
func (h *IntelligenceHandler) SimulateScenario(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	var req ScenarioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	ctx := c.Request.Context()
	var baseline *models.FinancialForecast
	if req.BaselineForecastID != "" {
		f, err := h.forecasts.GetForecast(ctx, tc, req.BaselineForecastID)
		if err != nil {
			writeError(c, h.logger, "simulate scenario", err)
			return
		}
		baseline = f
	}
	sc, err := h.scenarios.SimulateScenario(ctx, tc, req.Type, req.Params, baseline)
	if err != nil {
		writeError(c, h.logger, "simulate scenario", err)
		return
	}
	c.JSON(http.StatusCreated, sc)
}

// GetScenario 获取场景
// @Router /api/v1/scenarios/{id} [get]
func (h *IntelligenceHandler) GetScenario(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	sc, err := h.scenarios.GetScenario(c.Request.Context(), tc, c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "get scenario", err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

// ListScenarios 场景列表
// @Router /api/v1/scenarios [get]
func (h *IntelligenceHandler) ListScenarios(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	out, err := h.scenarios.ListScenarios(c.Request.Context(), tc)
	if err != nil {
		writeError(c, h.logger, "list scenarios", err)
		return
	}
	c.JSON(http.StatusOK, paginate(c, out))
}

// GenerateInsights 生成智能洞察。数据不足时返回 200 和空列表，并附带原因
// @Router /api/v1/insights/generate [post]
func (h *IntelligenceHandler) GenerateInsights(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	var req WindowRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}
	window, err := req.resolve(h.clock.Now())
	if err != nil {
		badRequest(c, "Invalid window", err)
		return
	}
	out, err := h.insights.GenerateInsights(c.Request.Context(), tc, window)
	if err != nil && !services.IsInsufficientData(err) {
		writeError(c, h.logger, "generate insights", err)
		return
	}
	if out == nil {
		out = []*models.SmartInsight{}
	}
	resp := InsightsResponse{Insights: out}
	if err != nil {
		resp.Message = services.Explain(err)
	}
	c.JSON(http.StatusOK, resp)
}

// ListInsights 洞察列表；include_dismissed=true 时包含已忽略的
// @Router /api/v1/insights [get]
func (h *IntelligenceHandler) ListInsights(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	include, _ := strconv.ParseBool(c.DefaultQuery("include_dismissed", "false"))
	out, err := h.insights.ListInsights(c.Request.Context(), tc, include)
	if err != nil {
		writeError(c, h.logger, "list insights", err)
		return
	}
	c.JSON(http.StatusOK, paginate(c, out))
}

// GetInsight 获取洞察
// @Router /api/v1/insights/{id} [get]
func (h *IntelligenceHandler) GetInsight(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	ins, err := h.insights.GetInsight(c.Request.Context(), tc, c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "get insight", err)
		return
	}
	c.JSON(http.StatusOK, ins)
}

// DismissInsight 忽略洞察
// @Router /api/v1/insights/{id}/dismiss [post]
func (h *IntelligenceHandler) DismissInsight(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	var req DismissRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}
	ins, err := h.insights.DismissInsight(c.Request.Context(), tc, c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, h.logger, "dismiss insight", err)
		return
	}
	c.JSON(http.StatusOK, ins)
}

// RegisterIntelligenceRoutes 注册预测 / 场景 / 洞察路由
func RegisterIntelligenceRoutes(r *gin.RouterGroup, h *IntelligenceHandler) {
	forecasts := r.Group("/forecasts")
	{
		forecasts.POST("", h.GenerateForecast)
		forecasts.GET("", h.ListForecasts)
		forecasts.GET("/:id", h.GetForecast)
	}
	scenarios := r.Group("/scenarios")
	{
		scenarios.POST("", h.SimulateScenario)
		scenarios.GET("", h.ListScenarios)
		scenarios.GET("/:id", h.GetScenario)
	}
	insights := r.Group("/insights")
	{
		insights.POST("/generate", h.GenerateInsights)
		insights.GET("", h.ListInsights)
		insights.GET("/:id", h.GetInsight)
		insights.POST("/:id/dismiss", h.DismissInsight)
	}
}
