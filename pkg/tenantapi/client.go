// Package tenantapi talks to the host platform that owns tenant plans, usage counters
// and historical ledgers. The client satisfies the plan and history provider interfaces
// of the services package.
package tenantapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"finpilot/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client 租户平台 HTTP 客户端
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logrus.Logger
	config     *Config
}

// NewClient 创建客户端
func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
		config: config,
	}
}

func (c *Client) createRequest(ctx context.Context, method, endpoint string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("User-Agent", "finpilot-tenantapi/1.0")
	return req, nil
}

func (c *Client) doRequest(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	c.logger.Debugf("tenant api %s %s -> %d", req.Method, req.URL.Path, resp.StatusCode)

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var errResp ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			apiErr.Message, apiErr.Code = errResp.Error, errResp.ErrorCode
		}
		return apiErr
	}
	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// doRequestWithRetry retries transport failures and 5xx/429 answers with linear backoff.
func (c *Client) doRequestWithRetry(ctx context.Context, method, endpoint string, result interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
			c.logger.Warnf("tenant api retry attempt %d/%d: %v", attempt, c.config.MaxRetries, lastErr)
		}
		req, err := c.createRequest(ctx, method, endpoint)
		if err != nil {
			return err
		}
		if err := c.doRequest(req, result); err != nil {
			lastErr = err
			if shouldRetry(err) {
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

func shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

func tenantPath(tenantID, suffix string) string {
	return "/api/v1/tenants/" + url.PathEscape(tenantID) + suffix
}

func get[T any](ctx context.Context, c *Client, endpoint, what string) (T, error) {
	var resp envelope[T]
	if err := c.doRequestWithRetry(ctx, http.MethodGet, endpoint, &resp); err != nil {
		var zero T
		return zero, fmt.Errorf("get %s: %w", what, err)
	}
	if !resp.Success {
		var zero T
		return zero, fmt.Errorf("get %s failed: %s", what, resp.Message)
	}
	return resp.Data, nil
}

// GetPlanLimits 获取租户套餐限制
func (c *Client) GetPlanLimits(ctx context.Context, tenantID string) (models.PlanLimits, error) {
	if tenantID == "" {
		return models.PlanLimits{}, fmt.Errorf("tenant ID is required")
	}
	return get[models.PlanLimits](ctx, c, tenantPath(tenantID, "/plan"), "plan limits")
}

// GetUsage 获取本计费周期用量
func (c *Client) GetUsage(ctx context.Context, tenantID string) (models.UsageCounters, error) {
	if tenantID == "" {
		return models.UsageCounters{}, fmt.Errorf("tenant ID is required")
	}
	return get[models.UsageCounters](ctx, c, tenantPath(tenantID, "/usage"), "usage")
}

// GetHistory fetches the tenant's ledger for window. A zero window asks the platform
// for everything it has.
func (c *Client) GetHistory(ctx context.Context, tenantID string, window models.Window) (*models.FinancialHistory, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant ID is required")
	}
	endpoint := tenantPath(tenantID, "/history")
	if !window.End.IsZero() {
		q := url.Values{}
		q.Set("start", window.Start.UTC().Format(time.RFC3339))
		q.Set("end", window.End.UTC().Format(time.RFC3339))
		endpoint += "?" + q.Encode()
	}
	h, err := get[models.FinancialHistory](ctx, c, endpoint, "history")
	if err != nil {
		return nil, err
	}
	if h.TenantID == "" {
		h.TenantID = tenantID
	}
	if h.Window.End.IsZero() {
		h.Window = window
	}
	return &h, nil
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	var response HealthResponse
	if err := c.doRequestWithRetry(ctx, http.MethodGet, "/api/v1/health", &response); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if response.Status != "healthy" && response.Status != "ok" {
		return fmt.Errorf("service unhealthy: %s", response.Status)
	}
	return nil
}
