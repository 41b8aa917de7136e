package tool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// defaultHTTPTimeout bounds a single request when the caller's context
// carries no deadline of its own.
const defaultHTTPTimeout = 10 * time.Second

// HTTPTool performs GET and POST requests on behalf of the model.
//
// Input:
//
//	url     (string, required)
//	method  (string, "GET" or "POST", default "GET")
//	headers (object of string values, optional)
//	body    (string, optional; POST only)
//
// Output:
//
//	status_code (number)
//	headers     (object)
//	body        (string)
type HTTPTool struct {
	client  *http.Client
	timeout time.Duration
}

// HTTPOption configures an HTTPTool.
type HTTPOption func(*HTTPTool)

// WithHTTPClient substitutes the underlying client; tests point it at a
// local server.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPTool) {
		if c != nil {
			h.client = c
		}
	}
}

// WithHTTPTimeout overrides the default per-request timeout.
func WithHTTPTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPTool) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// NewHTTPTool creates an HTTP tool with the default timeout.
func NewHTTPTool(opts ...HTTPOption) *HTTPTool {
	h := &HTTPTool{client: &http.Client{}, timeout: defaultHTTPTimeout}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements Tool.
func (h *HTTPTool) Name() string { return "http_request" }

// Description implements Tool.
func (h *HTTPTool) Description() string {
	return "Perform an HTTP GET or POST request and return status, headers, and body."
}

// Schema implements Tool.
func (h *HTTPTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"url"},
		"properties": map[string]interface{}{
			"url":     map[string]interface{}{"type": "string"},
			"method":  map[string]interface{}{"type": "string", "enum": []interface{}{"GET", "POST"}},
			"headers": map[string]interface{}{"type": "object"},
			"body":    map[string]interface{}{"type": "string"},
		},
	}
}

// Call implements Tool.
func (h *HTTPTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	urlStr, ok := input["url"].(string)
	if !ok || urlStr == "" {
		return nil, fmt.Errorf("url parameter required (string)")
	}

	method := "GET"
	if m, ok := input["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if method != "GET" && method != "POST" {
		return nil, fmt.Errorf("unsupported HTTP method: %s (supported: GET, POST)", method)
	}

	var body io.Reader
	if bodyStr, ok := input["body"].(string); ok && bodyStr != "" {
		body = bytes.NewBufferString(bodyStr)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if headers, ok := input["headers"].(map[string]interface{}); ok {
		for key, value := range headers {
			if valueStr, ok := value.(string); ok {
				req.Header.Set(key, valueStr)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	respHeaders := make(map[string]interface{}, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	}, nil
}
