package handler

import (
	"encoding/base64"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v4"

	"serverless-launcher/internal/client"
	"serverless-launcher/internal/config"
	"serverless-launcher/internal/metrics"
	"serverless-launcher/internal/service"
	"serverless-launcher/internal/supervisor"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	defer backend.Close()
	port := backend.Listener.Addr().(*net.TCPAddr).Port

	cfg := &config.Config{
		Backend:  config.BackendConfig{Port: port},
		Launcher: config.LauncherConfig{BasePath: "/api", ErrorDelayMillis: 2},
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()

	// A marker left by an earlier invocation: the backend is already up.
	markers := supervisor.NewFileMarkerStore(filepath.Join(t.TempDir(), "NOWPID"))
	if err := markers.Save(supervisor.Marker{PID: 4242, StartedAt: time.Now()}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	sup := supervisor.New(supervisor.Options{Port: port}, markers, supervisor.NewExecSpawner(), logger, m)

	svc := service.NewLauncherService(sup, client.NewBackendClient(cfg, logger, m), cfg, logger, m)
	invoke := NewInvokeHandler(svc, logger)
	health := NewHealthHandler(cfg, "test", sup)

	e := echo.New()
	RegisterRoutes(e, cfg, m, invoke, health)

	envelope := `{"Action":"Invoke","body":"{\"method\":\"GET\",\"path\":\"/api/widgets\",\"headers\":{}}"}`

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", "", http.StatusOK},
		{"GET /launcher/status", http.MethodGet, "/launcher/status", "", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", "", http.StatusOK},
		{"POST /invoke", http.MethodPost, "/invoke", envelope, http.StatusOK},
		{"POST runtime invocations path", http.MethodPost, "/2015-03-31/functions/function/invocations", envelope, http.StatusOK},
		{"POST /invoke unsupported action", http.MethodPost, "/invoke", `{"Action":"Ping","body":"{}"}`, http.StatusBadRequest},
		{"POST /invoke malformed", http.MethodPost, "/invoke", `{`, http.StatusBadRequest},
		{"GET /invoke not allowed", http.MethodGet, "/invoke", "", http.StatusMethodNotAllowed},
		{"GET /unknown returns 404", http.MethodGet, "/unknown", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestRegisterRoutes_InvokeEndToEnd(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/widgets" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()
	port := backend.Listener.Addr().(*net.TCPAddr).Port

	cfg := &config.Config{
		Backend:  config.BackendConfig{Port: port},
		Launcher: config.LauncherConfig{BasePath: "/api"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	markers := supervisor.NewFileMarkerStore(filepath.Join(t.TempDir(), "NOWPID"))
	if err := markers.Save(supervisor.Marker{PID: 4242, StartedAt: time.Now()}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	sup := supervisor.New(supervisor.Options{Port: port}, markers, supervisor.NewExecSpawner(), logger, nil)
	svc := service.NewLauncherService(sup, client.NewBackendClient(cfg, logger, nil), cfg, logger, nil)

	e := echo.New()
	RegisterRoutes(e, cfg, nil, NewInvokeHandler(svc, logger), NewHealthHandler(cfg, "test", sup))

	envelope := `{"Action":"Invoke","body":"{\"method\":\"GET\",\"path\":\"/api/widgets\",\"headers\":{}}"}`
	req := httptest.NewRequest(http.MethodPost, "/invoke", strings.NewReader(envelope))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp struct {
		StatusCode int            `json:"statusCode"`
		Headers    map[string]any `json:"headers"`
		Body       string         `json:"body"`
		Encoding   string         `json:"encoding"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("statusCode = %d, want 200", resp.StatusCode)
	}
	if resp.Body != base64.StdEncoding.EncodeToString([]byte(`{"ok":true}`)) {
		t.Errorf("body = %q", resp.Body)
	}
	if resp.Encoding != "base64" {
		t.Errorf("encoding = %q, want base64", resp.Encoding)
	}
	if _, ok := resp.Headers["connection"]; ok {
		t.Error("connection header present")
	}
}
