// Package ollama provides a client for Ollama-compatible backends
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/bobmcallan/herder/internal/common"
	"github.com/bobmcallan/herder/internal/interfaces"
	"github.com/bobmcallan/herder/internal/models"
)

const (
	DefaultTimeout   = 300 * time.Second
	VersionTimeout   = 5 * time.Second
	PsTimeout        = 3 * time.Second
	DefaultRateLimit = 20 // requests per second
)

// Client implements the OllamaClient interface for one backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithAPIKey sets the bearer token sent to the backend
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithRateLimit sets the rate limit
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a new client for the backend at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError represents a non-2xx response from a backend.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ollama API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// IsTransient reports whether the failure should be retried: server-side
// errors and throttling, never client errors.
func (e *APIError) IsTransient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// do performs a rate-limited request and returns the response on 2xx.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.Debug().Str("url", c.baseURL+path).Str("method", method).Msg("Backend request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(b),
			Endpoint:   path,
		}
	}
	return resp, nil
}

// getJSON performs a GET with its own deadline and decodes the body.
func (c *Client) getJSON(ctx context.Context, path string, timeout time.Duration, result interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Version probes GET /api/version with a short deadline.
func (c *Client) Version(ctx context.Context) (*models.OllamaVersion, error) {
	var v models.OllamaVersion
	if err := c.getJSON(ctx, "/api/version", VersionTimeout, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Ps lists loaded models via GET /api/ps with a short deadline.
func (c *Client) Ps(ctx context.Context) (*models.OllamaPsResponse, error) {
	var ps models.OllamaPsResponse
	if err := c.getJSON(ctx, "/api/ps", PsTimeout, &ps); err != nil {
		return nil, err
	}
	return &ps, nil
}

// postJSON forces stream=false, POSTs body and returns the parsed response
// plus any token metrics it carried.
func (c *Client) postJSON(ctx context.Context, path string, body map[string]any) (map[string]any, *models.ChatMetrics, error) {
	payload := make(map[string]any, len(body)+1)
	for k, v := range body {
		payload[k] = v
	}
	payload["stream"] = false

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var parsed map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return parsed, extractMetrics(parsed), nil
}

// Chat POSTs a non-streaming chat completion to /api/chat.
func (c *Client) Chat(ctx context.Context, body map[string]any) (map[string]any, *models.ChatMetrics, error) {
	return c.postJSON(ctx, "/api/chat", body)
}

// Generate POSTs a non-streaming completion to /api/generate.
func (c *Client) Generate(ctx context.Context, body map[string]any) (map[string]any, *models.ChatMetrics, error) {
	return c.postJSON(ctx, "/api/generate", body)
}

// Embed POSTs to /api/embed.
func (c *Client) Embed(ctx context.Context, body map[string]any) (map[string]any, error) {
	parsed, _, err := c.postJSON(ctx, "/api/embed", body)
	return parsed, err
}

// doneMarker is the byte sequence identifying the terminal NDJSON line.
var doneMarker = []byte(`"done":true`)

// ChatStream POSTs a streaming chat completion and copies the NDJSON stream
// to w. Only lines containing the terminal "done":true frame are parsed; token
// metrics are extracted from that line when present.
func (c *Client) ChatStream(ctx context.Context, body map[string]any, w io.Writer) (*models.ChatMetrics, error) {
	payload := make(map[string]any, len(body)+1)
	for k, v := range body {
		payload[k] = v
	}
	payload["stream"] = true

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var metrics *models.ChatMetrics
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if _, err := w.Write(line); err != nil {
			return metrics, err
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return metrics, err
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		// Avoid per-chunk JSON parsing: only the terminal frame is decoded.
		if bytes.Contains(stripSpace(line), doneMarker) {
			var m models.ChatMetrics
			if err := json.Unmarshal(line, &m); err == nil && m.EvalDuration > 0 {
				metrics = &m
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return metrics, fmt.Errorf("stream read: %w", err)
	}
	return metrics, nil
}

// stripSpace removes ASCII whitespace so `"done": true` matches the marker.
func stripSpace(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
		default:
			out = append(out, c)
		}
	}
	return out
}

// extractMetrics pulls eval_count/eval_duration out of a parsed response.
func extractMetrics(parsed map[string]any) *models.ChatMetrics {
	count, okCount := asInt64(parsed["eval_count"])
	dur, okDur := asInt64(parsed["eval_duration"])
	if !okCount || !okDur || dur <= 0 {
		return nil
	}
	return &models.ChatMetrics{EvalCount: count, EvalDuration: dur}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// Compile-time check
var _ interfaces.OllamaClient = (*Client)(nil)
