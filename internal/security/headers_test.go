package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, method, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/test", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(HeadersMiddleware(false))
	router.GET("/test", func(c *gin.Context) { c.String(200, "ok") })

	w := serve(router, http.MethodGet, "")

	headers := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	}
	for header, expected := range headers {
		if got := w.Header().Get(header); got != expected {
			t.Errorf("%s = %q, want %q", header, got, expected)
		}
	}
	if hsts := w.Header().Get("Strict-Transport-Security"); hsts != "" {
		t.Errorf("HSTS set without TLS: %q", hsts)
	}
}

func TestHeadersMiddleware_HSTS(t *testing.T) {
	router := gin.New()
	router.Use(HeadersMiddleware(true))
	router.GET("/test", func(c *gin.Context) { c.String(200, "ok") })

	w := serve(router, http.MethodGet, "")
	assert.Contains(t, w.Header().Get("Strict-Transport-Security"), "max-age=")
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name            string
		allowedOrigins  []string
		requestOrigin   string
		expectHeader    bool
		expectCredsFlag bool
	}{
		{"allowed origin", []string{"https://shop.example.com"}, "https://shop.example.com", true, true},
		{"wildcard allows all", []string{"*"}, "https://anything.com", true, false},
		{"disallowed origin", []string{"https://shop.example.com"}, "https://evil.com", false, false},
		{"empty list allows none", nil, "https://shop.example.com", false, false},
		{"no origin header", []string{"*"}, "", false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := gin.New()
			router.Use(CORSMiddleware(tc.allowedOrigins))
			router.GET("/test", func(c *gin.Context) { c.String(200, "ok") })

			w := serve(router, http.MethodGet, tc.requestOrigin)

			hasHeader := w.Header().Get("Access-Control-Allow-Origin") != ""
			if hasHeader != tc.expectHeader {
				t.Errorf("CORS header present = %v, want %v", hasHeader, tc.expectHeader)
			}
			hasCreds := w.Header().Get("Access-Control-Allow-Credentials") == "true"
			if hasCreds != tc.expectCredsFlag {
				t.Errorf("credentials flag = %v, want %v", hasCreds, tc.expectCredsFlag)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	router := gin.New()
	router.Use(CORSMiddleware([]string{"*"}))
	router.GET("/test", func(c *gin.Context) { c.String(200, "ok") })

	w := serve(router, http.MethodOptions, "https://shop.example.com")

	if w.Code != http.StatusNoContent {
		t.Errorf("Preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if methods := w.Header().Get("Access-Control-Allow-Methods"); methods == "" {
		t.Error("Access-Control-Allow-Methods not set")
	}
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "Retry-After")
}

func TestParseOrigins(t *testing.T) {
	assert.Nil(t, ParseOrigins(""))
	assert.Equal(t,
		[]string{"https://a.example.com", "https://b.example.com"},
		ParseOrigins(" https://a.example.com/ ,, https://b.example.com"))
}
