package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"finpilot/internal/config"
	"finpilot/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// LogSink records the intended side effect in the log. It backs log_message and every
// action type that has no endpoint configured.
type LogSink struct {
	logger *logrus.Logger
}

func NewLogSink(logger *logrus.Logger) *LogSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Execute(_ context.Context, req ActionRequest) (map[string]interface{}, error) {
	s.logger.WithFields(logrus.Fields{
		"tenant_id":       req.TenantID,
		"rule_id":         req.RuleID,
		"execution_id":    req.ExecutionID,
		"action":          req.Type,
		"idempotency_key": req.IdempotencyKey,
		"params":          req.Params,
	}).Info("automation action")
	return map[string]interface{}{"sink": "log", "action": string(req.Type)}, nil
}

// WebhookSink POSTs the action as JSON. With a fixed URL it forwards to a configured
// service; without one it reads the "url" param (call_webhook).
type WebhookSink struct {
	client    *http.Client
	url       string
	authToken string
}

func NewWebhookSink(url, authToken string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookSink{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		url:       url,
		authToken: authToken,
	}
}

type webhookPayload struct {
	TenantID       string                 `json:"tenant_id"`
	RuleID         string                 `json:"rule_id"`
	ExecutionID    string                 `json:"execution_id"`
	Action         models.ActionType      `json:"action"`
	Params         map[string]interface{} `json:"params"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

func (s *WebhookSink) Execute(ctx context.Context, req ActionRequest) (map[string]interface{}, error) {
	target := s.url
	if target == "" {
		u, _ := req.Params["url"].(string)
		target = u
	}
	if target == "" {
		return nil, Permanent(fmt.Errorf("no webhook url"))
	}

	body, err := json.Marshal(webhookPayload{
		TenantID:       req.TenantID,
		RuleID:         req.RuleID,
		ExecutionID:    req.ExecutionID,
		Action:         req.Type,
		Params:         req.Params,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, Permanent(fmt.Errorf("marshal payload: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if s.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		out := map[string]interface{}{"status_code": resp.StatusCode}
		var decoded map[string]interface{}
		if len(respBody) > 0 && json.Unmarshal(respBody, &decoded) == nil {
			out["response"] = decoded
		}
		return out, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("sink returned %d", resp.StatusCode)
	default:
		return nil, Permanent(fmt.Errorf("sink rejected action with %d: %s", resp.StatusCode, string(respBody)))
	}
}

// RegisterDefaultSinks wires one sink per action type from configuration.
func RegisterDefaultSinks(registry *ActionRegistry, cfg config.ActionsConfig, timeout time.Duration, logger *logrus.Logger) error {
	logSink := NewLogSink(logger)
	for _, t := range models.AllActionTypes() {
		var h ActionHandler = logSink
		if endpoint, ok := cfg.Endpoints[string(t)]; ok && endpoint != "" {
			h = NewWebhookSink(endpoint, cfg.AuthToken, timeout)
		} else if t == models.ActionCallWebhook {
			h = NewWebhookSink("", cfg.AuthToken, timeout)
		}
		if err := registry.Register(t, h); err != nil {
			return err
		}
	}
	return nil
}
