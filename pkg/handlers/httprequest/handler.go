// Package httprequest provides a step handler that calls an external
// HTTP endpoint and stores the response in the run context.
package httprequest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/protocol"
)

const defaultTimeout = 30 * time.Second

func NewHTTPRequestHandlerFactory() *HTTPRequestHandlerFactory {
	return &HTTPRequestHandlerFactory{}
}

type HTTPRequestHandlerFactory struct{}

func (*HTTPRequestHandlerFactory) ID() string {
	return "http_request"
}

func (f *HTTPRequestHandlerFactory) Create(config map[string]any) (protocol.StepHandler, error) {
	url, _ := config["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("http_request handler requires a url")
	}

	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	body, _ := config["body"].(string)

	headers := make(map[string]string)
	if headersConfig, ok := config["headers"].(map[string]any); ok {
		for k, v := range headersConfig {
			if strVal, ok := v.(string); ok {
				headers[k] = strVal
			}
		}
	}

	timeout := defaultTimeout
	if seconds, ok := config["timeout"].(float64); ok && seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}

	resultKey, _ := config["result_key"].(string)
	if resultKey == "" {
		resultKey = "http_response"
	}

	return &HTTPRequestHandler{
		method:    strings.ToUpper(method),
		url:       url,
		headers:   headers,
		body:      body,
		timeout:   timeout,
		resultKey: resultKey,
		client:    &http.Client{},
	}, nil
}

type HTTPRequestHandler struct {
	method    string
	url       string
	headers   map[string]string
	body      string
	timeout   time.Duration
	resultKey string
	client    *http.Client
}

func (h *HTTPRequestHandler) Execute(ctx context.Context, executionCtx models.ExecutionContext, logger *slog.Logger) (map[string]any, error) {
	logger = logger.With("handler_type", "http_request", "url", h.url, "method", h.method)

	logger.Info("Executing HTTP request step")

	reqCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var bodyReader io.Reader
	if h.body != "" {
		bodyReader = strings.NewReader(h.body)
	}

	req, err := http.NewRequestWithContext(reqCtx, h.method, h.url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read http response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("http request returned status %d", resp.StatusCode)
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		decoded = string(raw)
	}

	logger.Info("HTTP request step completed", "status", resp.StatusCode)

	return map[string]any{
		h.resultKey: map[string]any{
			"status": resp.StatusCode,
			"body":   decoded,
		},
	}, nil
}
