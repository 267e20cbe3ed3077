package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"serverless-launcher/internal/middleware"
)

func TestRateLimiter_Enabled(t *testing.T) {
	e := echo.New()

	// 1 invocation per second, burst of 1: later requests are rejected.
	e.Use(middleware.RateLimiter(1))
	e.POST("/invoke", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodPost, "/invoke", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", rec.Code, http.StatusOK)
	}

	got429 := false
	for n := 0; n < 10; n++ {
		req = httptest.NewRequest(http.MethodPost, "/invoke", http.NoBody)
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			got429 = true
			if !strings.Contains(rec.Body.String(), "invocation rate exceeded") {
				t.Errorf("429 body = %q", rec.Body.String())
			}
			break
		}
	}
	if !got429 {
		t.Error("expected at least one 429 response after burst, got none")
	}
}

func TestRateLimiter_SkipsHealthProbes(t *testing.T) {
	e := echo.New()
	e.Use(middleware.RateLimiter(1))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("probe %d: status = %d, want %d", i, rec.Code, http.StatusOK)
		}
	}
}
