package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/galaddirie/flowline/pkg/errors"
	"github.com/galaddirie/flowline/pkg/step"
)

const (
	defaultHTTPTimeoutMS = 30_000
	minHTTPTimeoutMS     = 1_000
	maxResponseBytes     = 10 << 20
)

func httpRequest() step.Definition {
	return step.Definition{
		TypeID:      "http_request",
		Name:        "HTTP Request",
		Category:    "actions",
		Description: "Performs an HTTP request and returns status, headers, and the parsed body.",
		Icon:        "globe",
		Kind:        step.KindAction,
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"url"},
			"properties": map[string]any{
				"url":    map[string]any{"type": "string"},
				"method": map[string]any{"type": "string"},
				"headers": map[string]any{
					"type": "object",
				},
				"body": map[string]any{},
				"timeout_ms": map[string]any{
					"type":    "integer",
					"minimum": float64(minHTTPTimeoutMS),
				},
				"follow_redirects": map[string]any{"type": "boolean"},
			},
		},
		Outputs: []string{step.RouteMain, step.RouteError},
		Handler: step.HandlerFunc(execHTTPRequest),
	}
}

func execHTTPRequest(ctx context.Context, req step.Request) (step.Result, error) {
	url, _ := req.Config["url"].(string)
	if url == "" {
		return step.Result{}, &errors.ValidationError{Field: "url", Message: "url is required"}
	}

	method := strings.ToUpper(stringOr(req.Config["method"], http.MethodGet))
	timeout := time.Duration(intOr(req.Config["timeout_ms"], defaultHTTPTimeoutMS)) * time.Millisecond
	if timeout < minHTTPTimeoutMS*time.Millisecond {
		timeout = minHTTPTimeoutMS * time.Millisecond
	}

	body, contentType, err := encodeBody(req.Config["body"])
	if err != nil {
		return step.Result{}, &errors.ValidationError{Field: "body", Message: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return step.Result{}, &errors.ValidationError{Field: "url", Message: err.Error()}
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if headers, ok := req.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			httpReq.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	client := req.Exec.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if follow, ok := req.Config["follow_redirects"].(bool); ok && !follow {
		noRedirect := *client
		noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		client = &noRedirect
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return step.Result{}, &errors.TransportError{Operation: "http_request", URL: url, Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return step.Result{}, &errors.TransportError{Operation: "http_request", URL: url, Cause: err}
	}

	output := map[string]any{
		"status":  resp.StatusCode,
		"headers": flattenHeaders(resp.Header),
		"body":    decodeBody(raw, resp.Header.Get("Content-Type")),
		"ok":      resp.StatusCode >= 200 && resp.StatusCode < 300,
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Non-2xx is a routable failure carrying the full response so an
		// error branch can inspect it.
		return step.Result{}, &step.Failure{
			Category: "http_error",
			Payload:  output,
			Cause:    fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url),
		}
	}
	return step.Result{Output: output}, nil
}

func encodeBody(body any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		if b == "" {
			return nil, "", nil
		}
		return strings.NewReader(b), "", nil
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encode body: %w", err)
		}
		return bytes.NewReader(encoded), "application/json", nil
	}
}

// decodeBody parses JSON responses into structured data; everything else
// passes through as a string.
func decodeBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return ""
	}
	if strings.Contains(contentType, "json") {
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			return parsed
		}
	}
	return string(raw)
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, vs := range h {
		if len(vs) == 1 {
			out[k] = vs[0]
			continue
		}
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func intOr(v any, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return fallback
	}
}
