// Package service implements the invocation flow: normalize the envelope,
// make sure the backend is running, proxy the request and reshape the reply.
package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"serverless-launcher/internal/client"
	"serverless-launcher/internal/config"
	"serverless-launcher/internal/event"
	"serverless-launcher/internal/metrics"
	"serverless-launcher/internal/model"
	"serverless-launcher/internal/supervisor"
)

// ErrBackendStartup wraps any failure to bring the backend to readiness.
var ErrBackendStartup = errors.New("backend startup failed")

// Backends hands out the running backend, starting it when needed.
type Backends interface {
	Ensure(ctx context.Context) (supervisor.Backend, error)
}

// LauncherService runs invocations against the supervised backend.
type LauncherService struct {
	backends Backends
	client   *client.BackendClient
	logger   *slog.Logger
	metrics  *metrics.Metrics

	basePath string
	lookup   func(string) (string, bool)
}

// NewLauncherService creates a LauncherService. The metrics parameter is
// optional; pass nil to disable invocation metrics.
func NewLauncherService(b Backends, c *client.BackendClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *LauncherService {
	return &LauncherService{
		backends: b,
		client:   c,
		logger:   logger.With("component", "launcher_service"),
		metrics:  m,
		basePath: cfg.Launcher.BasePath,
		lookup:   os.LookupEnv,
	}
}

// InvokeRaw decodes a raw envelope and runs it.
func (s *LauncherService) InvokeRaw(ctx context.Context, raw []byte) (*model.CanonicalResponse, error) {
	env, err := event.Decode(raw)
	if err != nil {
		s.record("unknown", "rejected", time.Now())
		return nil, err
	}
	return s.Invoke(ctx, env)
}

// Invoke runs one decoded invocation. Envelope errors are returned before
// the backend is touched. Backend failures are returned as is and never
// retried.
func (s *LauncherService) Invoke(ctx context.Context, env *event.Envelope) (*model.CanonicalResponse, error) {
	start := time.Now()

	req, err := env.Normalize()
	if err != nil {
		s.record(envelopeTransport(env), "rejected", start)
		return nil, err
	}
	transport := req.Transport.String()

	backend, err := s.backends.Ensure(ctx)
	if err != nil {
		s.record(transport, "startup_failed", start)
		return nil, fmt.Errorf("%w: %w", ErrBackendStartup, err)
	}

	path := StripBasePath(req.Path, ResolveBasePath(s.basePath, s.lookup))

	s.logger.Debug("forwarding invocation",
		"transport", transport,
		"method", req.Method,
		"path", req.Path,
		"forward_path", path,
		"cold", backend.Cold,
	)

	resp, err := s.client.Do(ctx, backend.Addr(), req.Method, path, req.Header, req.Body)
	if err != nil {
		s.record(transport, "backend_error", start)
		return nil, err
	}

	s.record(transport, "ok", start)
	return Shape(req.Transport, resp.StatusCode, resp.Header, resp.Body), nil
}

// ResolveBasePath returns the effective base path. A value of the form
// $(NAME) is read from the environment on every call and falls back to "/"
// when NAME is unset or empty; anything else is used literally.
func ResolveBasePath(configured string, lookup func(string) (string, bool)) string {
	if len(configured) > 3 && strings.HasPrefix(configured, "$(") && strings.HasSuffix(configured, ")") {
		name := configured[2 : len(configured)-1]
		if v, ok := lookup(name); ok && v != "" {
			return v
		}
		return "/"
	}
	return configured
}

// StripBasePath removes base from the front of path and re-roots the rest
// at "/". A path outside base is returned unchanged.
func StripBasePath(path, base string) string {
	if !strings.HasPrefix(path, base) {
		return path
	}
	return "/" + strings.TrimPrefix(path[len(base):], "/")
}

// Shape builds the canonical response. The connection header is always
// dropped. The gateway recomputes content-length itself, so it is dropped
// there; for direct invokes an existing content-length is rewritten to the
// buffered body length.
func Shape(transport model.Transport, status int, header model.Header, body []byte) *model.CanonicalResponse {
	h := header.Clone()
	h.Del("connection")

	if transport == model.TransportGateway {
		h.Del("content-length")
	} else if h.Get("content-length") != "" {
		h.Set("content-length", strconv.Itoa(len(body)))
	}

	if status == 0 {
		status = 200
	}

	return &model.CanonicalResponse{
		StatusCode: status,
		Headers:    h,
		Body:       base64.StdEncoding.EncodeToString(body),
		Encoding:   model.EncodingBase64,
	}
}

func envelopeTransport(env *event.Envelope) string {
	if env.Kind == event.KindDirectInvoke {
		return model.TransportDirectInvoke.String()
	}
	return model.TransportGateway.String()
}

func (s *LauncherService) record(transport, outcome string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.InvocationsTotal.WithLabelValues(transport, outcome).Inc()
	s.metrics.InvocationDuration.WithLabelValues(transport).Observe(time.Since(start).Seconds())
}
