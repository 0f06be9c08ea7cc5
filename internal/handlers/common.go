package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"finpilot/internal/middleware"
	"finpilot/internal/models"
	"finpilot/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Code    int         `json:"code,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// writeError maps service errors to HTTP responses. Isolation violations are reported
// as not found so the caller learns nothing about the other tenant's data.
func writeError(c *gin.Context, logger *logrus.Logger, op string, err error) {
	var (
		verr *services.ValidationError
		perr *services.PlanLimitExceededError
		cerr *services.IdempotencyConflictError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Validation failed",
			Message: verr.Explain(),
			Code:    http.StatusBadRequest,
			Details: verr.Fields,
		})
	case errors.As(err, &perr):
		status := http.StatusPaymentRequired
		if perr.Unavailable {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, ErrorResponse{
			Error:   "Plan limit exceeded",
			Message: perr.Explain(),
			Code:    status,
			Details: perr.UpgradePrompt,
		})
	case services.IsTenantIsolationViolation(err), services.IsNotFound(err):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Not found",
			Message: services.Explain(err),
			Code:    http.StatusNotFound,
		})
	case errors.As(err, &cerr):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "Idempotency conflict",
			Message: cerr.Explain(),
			Code:    http.StatusConflict,
			Details: cerr.Original,
		})
	case services.IsInsufficientData(err):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "Insufficient data",
			Message: services.Explain(err),
			Code:    http.StatusUnprocessableEntity,
		})
	default:
		logger.Errorf("Failed to %s: %v", op, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to " + op,
			Message: "internal error",
			Code:    http.StatusInternalServerError,
		})
	}
}

func badRequest(c *gin.Context, title string, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   title,
		Message: err.Error(),
		Code:    http.StatusBadRequest,
	})
}

// tenantOf returns the caller's tenant context; the route group always runs TenantMiddleware.
func tenantOf(c *gin.Context) (models.TenantContext, bool) {
	tc, ok := middleware.TenantFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "tenant is required",
			Code:    http.StatusUnauthorized,
		})
	}
	return tc, ok
}

// paginate slices items for page/page_size query params (defaults 1 and 20, max 100).
func paginate[T any](c *gin.Context, items []T) PaginatedResponse {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	total := len(items)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	pages := (total + pageSize - 1) / pageSize
	data := items[start:end]
	if data == nil {
		data = []T{}
	}
	return PaginatedResponse{Data: data, Total: int64(total), Page: page, PageSize: pageSize, Pages: pages}
}
