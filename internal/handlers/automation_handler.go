package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"finpilot/internal/models"
	"finpilot/internal/services"
	"finpilot/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AutomationHandler 自动化规则与执行处理器
type AutomationHandler struct {
	automation *services.AutomationService
	logger     *logrus.Logger
}

// NewAutomationHandler 创建自动化处理器
func NewAutomationHandler(automation *services.AutomationService, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationHandler{automation: automation, logger: logger}
}

// RuleRequest is the body of create/update/validate. Structural checks run here;
// everything else is reported by the rule validator with field paths.
type RuleRequest struct {
	Name          string                 `json:"name" binding:"required,max=200"`
	Description   string                 `json:"description" binding:"max=2000"`
	TriggerType   models.TriggerType     `json:"trigger_type" binding:"required"`
	TriggerConfig map[string]interface{} `json:"trigger_config"`
	Conditions    models.ConditionNode   `json:"conditions"`
	Actions       []models.ActionSpec    `json:"actions" binding:"required,min=1"`
	Status        models.RuleStatus      `json:"status" binding:"omitempty,oneof=draft enabled disabled"`
}

func (r RuleRequest) toRule() *models.AutomationRule {
	return &models.AutomationRule{
		Name:          r.Name,
		Description:   r.Description,
		TriggerType:   r.TriggerType,
		TriggerConfig: r.TriggerConfig,
		Conditions:    r.Conditions,
		Actions:       r.Actions,
		Status:        r.Status,
	}
}

// StatusRequest 规则状态变更
type StatusRequest struct {
	Status models.RuleStatus `json:"status" binding:"required,oneof=draft enabled disabled"`
	Reason string            `json:"reason" binding:"max=500"`
}

// TriggerRequest is an incoming event. OccurredAt defaults to now.
type TriggerRequest struct {
	ID             string                 `json:"id"`
	Type           models.TriggerType     `json:"type"`
	Payload        map[string]interface{} `json:"payload"`
	OccurredAt     *time.Time             `json:"occurred_at"`
	IdempotencyKey string                 `json:"idempotency_key" binding:"max=200"`
}

func (r TriggerRequest) toTrigger() models.Trigger {
	t := models.Trigger{ID: r.ID, Type: r.Type, Payload: r.Payload, IdempotencyKey: r.IdempotencyKey}
	if r.OccurredAt != nil {
		t.OccurredAt = r.OccurredAt.UTC()
	}
	return t
}

// PreviewRequest previews a stored rule (RuleID) or an unsaved definition (Rule).
type PreviewRequest struct {
	RuleID  string         `json:"rule_id"`
	Rule    *RuleRequest   `json:"rule"`
	Trigger TriggerRequest `json:"trigger"`
}

// TriggerResponse 触发结果
type TriggerResponse struct {
	Executions []*models.AutomationExecution `json:"executions"`
	Problems   []string                      `json:"problems,omitempty"`
}

// CreateRule 创建自动化规则
// @Summary 创建自动化规则
// @Tags 自动化
// @Accept json
// @Produce json
// @Param rule body RuleRequest true "规则定义"
// @Success 201 {object} models.AutomationRule
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Router /api/v1/rules [post]
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	rule, err := h.automation.CreateRule(c.Request.Context(), tc, req.toRule())
	if err != nil {
		writeError(c, h.logger, "create rule", err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// UpdateRule 更新规则（版本号 +1）
// @Router /api/v1/rules/{id} [put]
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	r := req.toRule()
	r.ID = c.Param("id")
	rule, err := h.automation.UpdateRule(c.Request.Context(), tc, r)
	if err != nil {
		writeError(c, h.logger, "update rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// GetRule 获取规则详情
// @Router /api/v1/rules/{id} [get]
func (h *AutomationHandler) GetRule(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	rule, err := h.automation.GetRule(c.Request.Context(), tc, c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "get rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// ListRules 规则列表，支持 trigger_type / status 过滤与分页
// @Router /api/v1/rules [get]
func (h *AutomationHandler) ListRules(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	filter := store.RuleFilter{
		TriggerType: models.TriggerType(c.Query("trigger_type")),
		Status:      models.RuleStatus(c.Query("status")),
	}
	rules, err := h.automation.ListRules(c.Request.Context(), tc, filter)
	if err != nil {
		writeError(c, h.logger, "list rules", err)
		return
	}
	c.JSON(http.StatusOK, paginate(c, rules))
}

// DeleteRule 删除规则
// @Router /api/v1/rules/{id} [delete]
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	if err := h.automation.DeleteRule(c.Request.Context(), tc, c.Param("id")); err != nil {
		writeError(c, h.logger, "delete rule", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "rule deleted"})
}

// SetRuleStatus 启用 / 停用 / 草稿
// @Router /api/v1/rules/{id}/status [post]
func (h *AutomationHandler) SetRuleStatus(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	rule, err := h.automation.SetRuleStatus(c.Request.Context(), tc, c.Param("id"), req.Status, req.Reason)
	if err != nil {
		writeError(c, h.logger, "change rule status", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// ValidateRule checks a definition without saving it.
// @Router /api/v1/rules/validate [post]
func (h *AutomationHandler) ValidateRule(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	r := req.toRule()
	r.TenantID = tc.TenantID
	if err := h.automation.ValidateRule(r); err != nil {
		writeError(c, h.logger, "validate rule", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "rule is valid"})
}

// PreviewRule 干跑：评估条件并列出将执行的动作，不产生副作用
// @Router /api/v1/rules/preview [post]
func (h *AutomationHandler) PreviewRule(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	var req PreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	ctx := c.Request.Context()
	var rule *models.AutomationRule
	switch {
	case req.RuleID != "":
		r, err := h.automation.GetRule(ctx, tc, req.RuleID)
		if err != nil {
			writeError(c, h.logger, "preview rule", err)
			return
		}
		rule = r
	case req.Rule != nil:
		rule = req.Rule.toRule()
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: "rule_id or rule is required",
			Code:    http.StatusBadRequest,
		})
		return
	}
	res, err := h.automation.PreviewAutomation(ctx, tc, rule, req.Trigger.toTrigger())
	if err != nil {
		writeError(c, h.logger, "preview rule", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ExecuteRule runs one stored rule against a trigger, bypassing dispatch.
// @Router /api/v1/rules/{id}/execute [post]
func (h *AutomationHandler) ExecuteRule(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	ctx := c.Request.Context()
	rule, err := h.automation.GetRule(ctx, tc, c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "execute rule", err)
		return
	}
	handle, err := h.automation.ExecuteAutomation(ctx, tc, rule, req.toTrigger(), nil)
	if err != nil {
		writeError(c, h.logger, "execute rule", err)
		return
	}
	c.JSON(http.StatusAccepted, handle.Execution())
}

// HandleTrigger 接收事件并分发到匹配的规则
// @Router /api/v1/triggers [post]
func (h *AutomationHandler) HandleTrigger(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	handles, err := h.automation.HandleTrigger(c.Request.Context(), tc, req.toTrigger())
	if err != nil && len(handles) == 0 {
		writeError(c, h.logger, "handle trigger", err)
		return
	}
	resp := TriggerResponse{Executions: make([]*models.AutomationExecution, 0, len(handles))}
	for _, hd := range handles {
		resp.Executions = append(resp.Executions, hd.Execution())
	}
	resp.Problems = explainAll(err)
	c.JSON(http.StatusAccepted, resp)
}

// GetExecution returns an execution. With ?wait=<duration> it blocks (up to 30s)
// until a live execution is terminal.
// @Router /api/v1/executions/{id} [get]
func (h *AutomationHandler) GetExecution(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if w := c.Query("wait"); w != "" {
		d, err := time.ParseDuration(w)
		if err == nil && d <= 0 {
			err = errors.New("wait must be positive")
		}
		if err != nil {
			badRequest(c, "Invalid wait", err)
			return
		}
		if d > 30*time.Second {
			d = 30 * time.Second
		}
		if handle, live := h.automation.Handle(tc, id); live {
			ctx, cancel := context.WithTimeout(c.Request.Context(), d)
			defer cancel()
			exec, _ := handle.Wait(ctx)
			c.JSON(http.StatusOK, exec)
			return
		}
	}
	exec, err := h.automation.GetExecution(c.Request.Context(), tc, id)
	if err != nil {
		writeError(c, h.logger, "get execution", err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// ListExecutions 执行记录列表
// @Router /api/v1/executions [get]
func (h *AutomationHandler) ListExecutions(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	filter := store.ExecutionFilter{
		RuleID: c.Query("rule_id"),
		Status: models.ExecutionStatus(c.Query("status")),
		Limit:  limit,
	}
	execs, err := h.automation.ListExecutions(c.Request.Context(), tc, filter)
	if err != nil {
		writeError(c, h.logger, "list executions", err)
		return
	}
	c.JSON(http.StatusOK, paginate(c, execs))
}

// CancelExecution 取消进行中的执行；剩余动作跳过
// @Router /api/v1/executions/{id}/cancel [post]
func (h *AutomationHandler) CancelExecution(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if handle, live := h.automation.Handle(tc, id); live {
		handle.Cancel()
		c.JSON(http.StatusAccepted, handle.Execution())
		return
	}
	exec, err := h.automation.GetExecution(c.Request.Context(), tc, id)
	if err != nil {
		writeError(c, h.logger, "cancel execution", err)
		return
	}
	c.JSON(http.StatusConflict, ErrorResponse{
		Error:   "Execution already finished",
		Message: "execution is " + string(exec.Status),
		Code:    http.StatusConflict,
		Details: exec,
	})
}

// explainAll flattens a joined error into user-safe messages.
func explainAll(err error) []string {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, explainAll(e)...)
		}
		return out
	}
	return []string{services.Explain(err)}
}

// RegisterAutomationRoutes 注册自动化路由
func RegisterAutomationRoutes(r *gin.RouterGroup, h *AutomationHandler) {
	rules := r.Group("/rules")
	{
		rules.POST("", h.CreateRule)
		rules.GET("", h.ListRules)
		rules.POST("/validate", h.ValidateRule)
		rules.POST("/preview", h.PreviewRule)
		rules.GET("/:id", h.GetRule)
		rules.PUT("/:id", h.UpdateRule)
		rules.DELETE("/:id", h.DeleteRule)
		rules.POST("/:id/status", h.SetRuleStatus)
		rules.POST("/:id/execute", h.ExecuteRule)
	}
	r.POST("/triggers", h.HandleTrigger)
	executions := r.Group("/executions")
	{
		executions.GET("", h.ListExecutions)
		executions.GET("/:id", h.GetExecution)
		executions.POST("/:id/cancel", h.CancelExecution)
	}
}
