package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	e := echo.New()
	e.Use(RequestLogger(logger, "/healthz"))
	e.POST("/invoke", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	tests := []struct {
		name    string
		method  string
		path    string
		wantLog bool
	}{
		{"invocation logged at info", http.MethodPost, "/invoke", true},
		{"health probe logged at debug", http.MethodGet, "/healthz", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			logged := strings.Contains(buf.String(), "path="+tt.path)
			if logged != tt.wantLog {
				t.Errorf("logged = %v, want %v (output %q)", logged, tt.wantLog, buf.String())
			}
		})
	}
}

func TestRequestLogger_ServerErrorAtWarn(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger, "/healthz"))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusServiceUnavailable, "down")
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if !strings.Contains(buf.String(), "level=WARN") {
		t.Errorf("expected WARN log for 503, got %q", buf.String())
	}
}
