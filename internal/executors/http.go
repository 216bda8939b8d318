package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// HTTPConfig configures the HTTP client shared by the remote executors.
type HTTPConfig struct {
	MaxResponseBody int64
	Timeout         time.Duration
	// Client overrides the default client, e.g. with a custom transport.
	Client *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.MaxResponseBody <= 0 {
		c.MaxResponseBody = defaultMaxResponseBody
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultHTTPTimeout
	}
	if c.Client == nil {
		c.Client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return c
}

// Param helpers shared by the executors. Settings arrive interpolated, so a
// numeric setting may be a number or its string rendering.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func floatParam(m map[string]any, key string, defaultVal float64) float64 {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return defaultVal
		}
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return defaultVal
		}
		return f
	default:
		return defaultVal
	}
}

func mapParam(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

// jsonResponse is the decoded result of a JSON API call.
type jsonResponse struct {
	StatusCode int
	Body       any
	Duration   time.Duration
}

// doJSON sends body as JSON and decodes a JSON response when the server sends
// one. Non-2xx statuses are returned as EXECUTION_ERROR carrying the status
// and response body in details.
func doJSON(ctx context.Context, cfg HTTPConfig, method, url string, headers map[string]string, body any) (*jsonResponse, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "failed to marshal request body").WithCause(err)
		}
		reader = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "invalid request to %q", url).WithCause(err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := cfg.Client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s %s: request failed: %v", method, url, err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "failed to read response body").WithCause(err)
	}

	out := &jsonResponse{StatusCode: resp.StatusCode, Duration: time.Since(start)}
	if len(raw) > 0 {
		var decoded any
		if strings.Contains(resp.Header.Get("Content-Type"), "application/json") && json.Unmarshal(raw, &decoded) == nil {
			out.Body = decoded
		} else {
			out.Body = string(raw)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, schema.NewErrorf(schema.ErrCodeExecution, "%s %s: server returned %d", method, url, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": out.Body})
	}
	return out, nil
}

func requireURL(typ, setting, url string) error {
	if url == "" {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "%s: no %s configured", typ, setting)
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return schema.NewError(schema.ErrCodeConfiguration, fmt.Sprintf("%s: invalid %s %q", typ, setting, url))
	}
	return nil
}
