// Package rest is the shared JSON-over-HTTP client behind every provider
// integration. It adds bearer auth, a bounded immediate retry, an optional
// rate limit and per-attempt metrics.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"shipline/internal/apperr"
	"shipline/internal/metrics"
)

const (
	DefaultRetries = 2
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4096
)

// Client talks to one provider API.
type Client struct {
	Provider   string
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// Retries is the number of additional attempts after the first.
	Retries int
	Limiter *rate.Limiter
	Logger  *slog.Logger
	// Query is merged into every request, e.g. a team scope.
	Query url.Values
}

// Options configures New.
type Options struct {
	BaseURL       string
	Token         string
	Retries       int
	RatePerSecond float64
	Timeout       time.Duration
	Query         url.Values
	Logger        *slog.Logger
}

func New(provider string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		Provider:   provider,
		BaseURL:    strings.TrimRight(opts.BaseURL, "/"),
		Token:      opts.Token,
		HTTPClient: &http.Client{Timeout: timeout},
		Retries:    opts.Retries,
		Query:      opts.Query,
		Logger:     opts.Logger,
	}
	if opts.RatePerSecond > 0 {
		burst := int(opts.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		c.Limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return c
}

// APIError is a non-2xx provider response that survived the retries.
type APIError struct {
	Provider   string
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s %s: status %d: %s", e.Provider, e.Method, e.URL, e.StatusCode, e.Body)
}

// Is lets errors.Is match the apperr taxonomy: 404 is NotFound, anything
// else is Upstream.
func (e *APIError) Is(target error) bool {
	switch target {
	case apperr.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case apperr.ErrUpstream:
		return e.StatusCode != http.StatusNotFound
	}
	return false
}

// StatusCode extracts the provider status from err, 0 if none.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Do sends body as JSON and decodes a 2xx JSON response into out.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	data, err := c.DoRaw(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Upstream("%s %s %s: decode response: %v", c.Provider, method, path, err)
	}
	return nil
}

// DoRaw is Do without decoding; used for binary payloads such as log archives.
func (c *Client) DoRaw(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode %s request: %w", c.Provider, err)
		}
	}
	target := c.url(path, query)

	var lastErr error
	for attempt := 0; attempt <= c.Retries; attempt++ {
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		data, err := c.attempt(ctx, method, target, payload)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			break
		}
		c.logger().DebugContext(ctx, "retrying provider request", "provider", c.Provider, "method", method, "path", path, "attempt", attempt+1)
	}
	c.logger().ErrorContext(ctx, "provider request failed", "provider", c.Provider, "method", method, "path", path, "status", StatusCode(lastErr), "error", lastErr)
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	start := time.Now()
	res, err := c.httpClient().Do(req)
	if err != nil {
		metrics.ObserveProvider(c.Provider, method, "transport_error", time.Since(start))
		return nil, apperr.Upstream("%s %s %s: %v", c.Provider, method, redact(target), err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		outcome := "client_error"
		if res.StatusCode >= 500 {
			outcome = "server_error"
		}
		metrics.ObserveProvider(c.Provider, method, outcome, time.Since(start))
		b, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, &APIError{Provider: c.Provider, Method: method, URL: redact(target), StatusCode: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	data, err := io.ReadAll(res.Body)
	metrics.ObserveProvider(c.Provider, method, "ok", time.Since(start))
	if err != nil {
		return nil, apperr.Upstream("%s %s: read body: %v", c.Provider, method, err)
	}
	return data, nil
}

// retryable is true for transport failures, 5xx and 429.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

func (c *Client) url(path string, query url.Values) string {
	u := c.BaseURL + "/" + strings.TrimLeft(path, "/")
	merged := url.Values{}
	for k, vs := range c.Query {
		for _, v := range vs {
			merged.Add(k, v)
		}
	}
	for k, vs := range query {
		for _, v := range vs {
			merged.Add(k, v)
		}
	}
	if len(merged) > 0 {
		u += "?" + merged.Encode()
	}
	return u
}

func redact(target string) string {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i]
	}
	return target
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
