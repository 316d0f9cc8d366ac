package web

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/hearthly/calsync/internal/logging"
)

func TestSecurityHeaders(t *testing.T) {
	t.Run("sets security headers", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		SecurityHeaders()(c)

		headers := w.Header()
		expected := map[string]string{
			"X-Content-Type-Options":  "nosniff",
			"X-Frame-Options":         "DENY",
			"Referrer-Policy":         "no-referrer",
			"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
			"Cache-Control":           "no-store",
		}
		for name, value := range expected {
			if got := headers.Get(name); got != value {
				t.Errorf("expected %s=%q, got %q", name, value, got)
			}
		}
	})

	t.Run("sets HSTS header for HTTPS", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		c.Request.Header.Set("X-Forwarded-Proto", "https")

		SecurityHeaders()(c)

		if w.Header().Get("Strict-Transport-Security") == "" {
			t.Error("expected HSTS header for HTTPS requests")
		}
	})

	t.Run("does not set HSTS for HTTP", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		SecurityHeaders()(c)

		if w.Header().Get("Strict-Transport-Security") != "" {
			t.Error("expected no HSTS header for HTTP requests")
		}
	})
}

func TestRateLimiter(t *testing.T) {
	router := gin.New()
	router.Use(RateLimiter(0.001, 2))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	codes := make([]int, 3)
	for i := range codes {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		codes[i] = w.Code
	}

	if codes[0] != http.StatusNoContent || codes[1] != http.StatusNoContent {
		t.Errorf("expected burst to pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst, got %d", codes[2])
	}
}

func TestRequireJSONContentType(t *testing.T) {
	testCases := []struct {
		name        string
		method      string
		contentType string
		expected    int
	}{
		{"get without content type", http.MethodGet, "", http.StatusNoContent},
		{"post json", http.MethodPost, "application/json", http.StatusNoContent},
		{"post json with charset", http.MethodPost, "application/json; charset=utf-8", http.StatusNoContent},
		{"post without body", http.MethodPost, "", http.StatusNoContent},
		{"post form", http.MethodPost, "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
		{"put text", http.MethodPut, "text/plain", http.StatusUnsupportedMediaType},
	}

	router := gin.New()
	router.Use(RequireJSONContentType())
	router.Any("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/", nil)
			if tc.contentType != "" {
				req.Header.Set("Content-Type", tc.contentType)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tc.expected {
				t.Errorf("expected %d, got %d", tc.expected, w.Code)
			}
		})
	}
}

func TestRequestLoggerOmitsQuery(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithOutput(&buf, "debug", true)

	router := gin.New()
	router.Use(RequestLogger(logger))
	router.GET("/api/feeds", func(c *gin.Context) { c.Status(http.StatusBadRequest) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/feeds?url=https://x.example/secret-token", nil))

	out := buf.String()
	if !strings.Contains(out, `"path":"/api/feeds"`) {
		t.Errorf("expected path to be logged, got %s", out)
	}
	if strings.Contains(out, "secret-token") {
		t.Errorf("query string leaked into logs: %s", out)
	}
	if !strings.Contains(out, `"level":"warning"`) {
		t.Errorf("expected 4xx to log at warning, got %s", out)
	}
}
