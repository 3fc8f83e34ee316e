// Package httprequest provides an HTTP request node with retry support. The
// response is written into a configured state field.
package httprequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jianpingh/stategraph/pkg/graph"
	"github.com/jianpingh/stategraph/pkg/schema"
	"github.com/jianpingh/stategraph/pkg/template"
)

// Config defines the configuration for HTTP request nodes.
type Config struct {
	Field   string            `json:"field"`
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body,omitempty"`
	Timeout int               `json:"timeout"`
	Retries RetryConfig       `json:"retries"`
}

// RetryConfig defines retry behavior for HTTP requests.
type RetryConfig struct {
	Attempts int `json:"attempts"`
	Delay    int `json:"delay"`
}

func parseConfig(config map[string]any) (Config, error) {
	cfg := Config{
		Method:  http.MethodGet,
		Headers: make(map[string]string),
		Timeout: 30,
		Retries: RetryConfig{Attempts: 1, Delay: 0},
	}

	field, ok := config["field"].(string)
	if !ok || field == "" {
		return cfg, errors.New("missing required field 'field'")
	}

	cfg.Field = field

	url, ok := config["url"].(string)
	if !ok || url == "" {
		return cfg, errors.New("missing required field 'url'")
	}

	cfg.URL = url

	if method, ok := config["method"].(string); ok {
		cfg.Method = strings.ToUpper(method)
	}

	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if strVal, ok := v.(string); ok {
				cfg.Headers[k] = strVal
			}
		}
	}

	if body, ok := config["body"].(string); ok {
		cfg.Body = body
	}

	if timeout, ok := config["timeout"].(float64); ok {
		cfg.Timeout = int(timeout)
	}

	if retries, ok := config["retries"].(map[string]any); ok {
		if attempts, ok := retries["attempts"].(float64); ok {
			cfg.Retries.Attempts = int(attempts)
		}

		if delay, ok := retries["delay"].(float64); ok {
			cfg.Retries.Delay = int(delay)
		}
	}

	return cfg, nil
}

// HTTPError represents an HTTP error with status code. Client errors (4xx)
// are not retried.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// New builds an HTTP request node function from configuration.
func New(config map[string]any) (graph.NodeFunc, error) {
	cfg, err := parseConfig(config)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, state schema.State) (*graph.NodeResult, error) {
		url, err := template.RenderString(cfg.URL, state)
		if err != nil {
			return nil, fmt.Errorf("failed to render URL template: %w", err)
		}

		var body string

		if cfg.Body != "" {
			body, err = template.RenderString(cfg.Body, state)
			if err != nil {
				return nil, fmt.Errorf("failed to render body template: %w", err)
			}
		}

		headers := make(map[string]string, len(cfg.Headers))

		for key, value := range cfg.Headers {
			rendered, err := template.RenderString(value, state)
			if err != nil {
				return nil, fmt.Errorf("failed to render header %q template: %w", key, err)
			}

			headers[key] = rendered
		}

		var lastErr error

		for attempt := 1; attempt <= cfg.Retries.Attempts; attempt++ {
			if attempt > 1 {
				select {
				case <-time.After(time.Duration(cfg.Retries.Delay) * time.Millisecond):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}

			result, err := performRequest(ctx, cfg, url, body, headers)
			if err == nil {
				return &graph.NodeResult{
					Update: schema.Update{cfg.Field: result},
				}, nil
			}

			lastErr = err

			// Don't retry client errors (4xx), only server errors (5xx)
			// or network errors.
			httpErr := &HTTPError{}
			if errors.As(err, &httpErr) && httpErr.StatusCode < 500 {
				break
			}
		}

		return nil, fmt.Errorf("HTTP request failed after %d attempts: %w", cfg.Retries.Attempts, lastErr)
	}, nil
}

// performRequest executes a single HTTP request.
func performRequest(ctx context.Context, cfg Config, url, body string, headers map[string]string) (map[string]any, error) {
	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, cfg.Method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	if body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{
		Timeout: time.Duration(cfg.Timeout) * time.Second,
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
	}

	// Surface parsed JSON alongside the raw body when the response is JSON
	var jsonBody any
	if err := json.Unmarshal(respBody, &jsonBody); err == nil {
		result["json"] = jsonBody
	}

	return result, nil
}
