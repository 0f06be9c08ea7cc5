package handlers

import (
	"net/http"
	"strconv"

	"finpilot/internal/services"
	"finpilot/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AuditHandler 审计事件查询与实时推送
type AuditHandler struct {
	events store.AuditStore
	hub    *services.AuditHub
	logger *logrus.Logger
}

func NewAuditHandler(events store.AuditStore, hub *services.AuditHub, logger *logrus.Logger) *AuditHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &AuditHandler{events: events, hub: hub, logger: logger}
}

// ListEvents returns the tenant's most recent audit events, newest first.
// @Router /api/v1/audit [get]
func (h *AuditHandler) ListEvents(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		limit = 100
	}
	events, err := h.events.ListAuditEvents(c.Request.Context(), tc.TenantID, limit)
	if err != nil {
		writeError(c, h.logger, "list audit events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// Stream 升级为 websocket，推送本租户的审计事件
// @Router /api/v1/ws/audit [get]
func (h *AuditHandler) Stream(c *gin.Context) {
	tc, ok := tenantOf(c)
	if !ok {
		return
	}
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "Audit feed disabled",
			Message: "live audit feed is not enabled",
			Code:    http.StatusServiceUnavailable,
		})
		return
	}
	if err := h.hub.Serve(c.Writer, c.Request, tc.TenantID); err != nil {
		// Upgrade 失败时 gorilla 已经写回了错误响应
		h.logger.Warnf("audit websocket upgrade failed: %v", err)
	}
}

// Stats 当前订阅数
func (h *AuditHandler) Stats(c *gin.Context) {
	n := 0
	if h.hub != nil {
		n = h.hub.ClientCount()
	}
	c.JSON(http.StatusOK, gin.H{"subscribers": n})
}

// RegisterAuditRoutes 注册审计路由
func RegisterAuditRoutes(r *gin.RouterGroup, h *AuditHandler) {
	r.GET("/audit", h.ListEvents)
	r.GET("/ws/audit", h.Stream)
	r.GET("/ws/audit/stats", h.Stats)
}
