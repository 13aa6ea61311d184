// Package transport defines the narrow request surface the sync core uses to
// reach the backend. Endpoints, authentication and payload schemas live on
// the other side of this boundary.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Response carries the status and decoded-later JSON body of a backend call.
type Response struct {
	Status int
	Body   json.RawMessage
}

// Client issues a single request and returns the backend response. An error
// is returned only for transport-level failures; HTTP-level failures are
// reported through Response.Status so callers apply their own policy.
type Client interface {
	Send(ctx context.Context, method, url string, body []byte) (*Response, error)
}

// RetryableError wraps an underlying error and marks it safe to retry.
type RetryableError struct {
	Err error
}

// Error implements the error interface.
func (e RetryableError) Error() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Unwrap exposes the wrapped error.
func (e RetryableError) Unwrap() error { return e.Err }

// Retryable marks this error as safe to retry.
func (RetryableError) Retryable() bool { return true }

// IsRetryable reports whether err carries retryable or temporary semantics.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	type retryable interface {
		Retryable() bool
	}
	type temporary interface {
		Temporary() bool
	}
	var r retryable
	if errors.As(err, &r) && r.Retryable() {
		return true
	}
	var t temporary
	if errors.As(err, &t) && t.Temporary() {
		return true
	}
	return false
}

// HTTPClient is the net/http backed Client used in production.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient constructs a client rooted at baseURL. A zero timeout
// defaults to 30 seconds.
func NewHTTPClient(baseURL string, timeout time.Duration) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, errors.New("transport: base url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Send issues the request. Transport failures (connection refused, timeout,
// cancelled context) are wrapped as RetryableError unless the context itself
// ended.
func (c *HTTPClient) Send(ctx context.Context, method, url string, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = c.baseURL + "/" + strings.TrimLeft(url, "/")
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, RetryableError{Err: fmt.Errorf("transport: %s %s: %w", method, url, err)}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, RetryableError{Err: fmt.Errorf("transport: read response: %w", err)}
	}

	return &Response{Status: resp.StatusCode, Body: payload}, nil
}

// StatusError reports a non-success HTTP status.
type StatusError struct {
	Status int
}

// Error implements the error interface.
func (e StatusError) Error() string {
	return fmt.Sprintf("transport: unexpected status %d", e.Status)
}

// Retryable treats server-side failures as transient; client errors are
// terminal.
func (e StatusError) Retryable() bool { return e.Status >= 500 }
