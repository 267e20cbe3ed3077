// Package client provides the loopback HTTP client for the supervised backend.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"serverless-launcher/internal/config"
	"serverless-launcher/internal/metrics"
	"serverless-launcher/internal/model"
)

// BackendConnectError reports a failed call to the backend: refused or reset
// connections, or a body cut off mid-read. It is never retried.
type BackendConnectError struct {
	Addr string
	Err  error
}

func (e *BackendConnectError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Addr, e.Err)
}

func (e *BackendConnectError) Unwrap() error { return e.Err }

// BackendResponse is a fully buffered backend response.
type BackendResponse struct {
	StatusCode int
	Header     model.Header
	Body       []byte
}

// BackendClient sends requests to the backend over loopback.
type BackendClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	errorDelay time.Duration
}

// NewBackendClient creates a BackendClient. The metrics parameter is
// optional; pass nil to disable backend metrics recording.
//
// The client sets no overall timeout; the invocation context, bounded by the
// platform's own invocation timeout, is the only backstop.
func NewBackendClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *BackendClient {
	transport := &http.Transport{
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		// Bodies pass through byte-for-byte; no implicit gzip negotiation.
		DisableCompression: true,
	}

	return &BackendClient{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:     logger.With("component", "backend_client"),
		metrics:    m,
		errorDelay: cfg.Launcher.ErrorDelay(),
	}
}

// Do sends one request to the backend at addr and buffers the whole
// response. Failures come back as *BackendConnectError after the configured
// error delay, which leaves room for the backend's own diagnostics to reach
// the log first.
func (c *BackendClient) Do(ctx context.Context, addr, method, path string, header model.Header, body []byte) (*BackendResponse, error) {
	var reqBody io.Reader = http.NoBody
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://"+addr+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	for name, vals := range header {
		for _, v := range vals {
			req.Header.Add(name, v)
		}
	}
	if host := header.Get("host"); host != "" {
		req.Host = host
	}

	c.logger.Debug("backend request",
		"method", method,
		"path", path,
		"bytes_in", len(body),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	methodLabel := metrics.NormalizeMethod(method)
	if err != nil {
		c.observe(methodLabel, start, 0)
		return nil, c.fail(ctx, addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	c.observe(methodLabel, start, resp.StatusCode)
	if err != nil {
		return nil, c.fail(ctx, addr, fmt.Errorf("read body: %w", err))
	}

	return &BackendResponse{
		StatusCode: resp.StatusCode,
		Header:     model.HeaderFromMap(resp.Header),
		Body:       data,
	}, nil
}

func (c *BackendClient) fail(ctx context.Context, addr string, err error) error {
	if c.errorDelay > 0 {
		t := time.NewTimer(c.errorDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	return &BackendConnectError{Addr: addr, Err: err}
}

func (c *BackendClient) observe(method string, start time.Time, status int) {
	if c.metrics == nil {
		return
	}
	c.metrics.BackendDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if status != 0 {
		c.metrics.BackendResponses.WithLabelValues(method, strconv.Itoa(status)).Inc()
	}
}
