package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/project-storage/project-storage/internal/config"
)

func serveSecurity(h gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	r := gin.New()
	r.Use(h)
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.OPTIONS("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, "/", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	r.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// SecurityHeadersMiddleware
// ---------------------------------------------------------------------------

func TestSecurityHeaders_API(t *testing.T) {
	w := serveSecurity(SecurityHeadersMiddleware(APISecurityHeadersConfig(false)), http.MethodGet, "")

	want := map[string]string{
		"X-Frame-Options":              "DENY",
		"X-Content-Type-Options":       "nosniff",
		"Content-Security-Policy":      "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":              "no-referrer",
		"Cross-Origin-Resource-Policy": "cross-origin",
	}
	for h, v := range want {
		if got := w.Header().Get(h); got != v {
			t.Errorf("%s = %q, want %q", h, got, v)
		}
	}
	if got := w.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("HSTS sent without TLS: %q", got)
	}
}

func TestSecurityHeaders_HSTSWithTLS(t *testing.T) {
	w := serveSecurity(SecurityHeadersMiddleware(APISecurityHeadersConfig(true)), http.MethodGet, "")
	if got := w.Header().Get("Strict-Transport-Security"); got != "max-age=31536000; includeSubDomains" {
		t.Errorf("Strict-Transport-Security = %q", got)
	}
}

// ---------------------------------------------------------------------------
// CORSMiddleware
// ---------------------------------------------------------------------------

func TestCORS_AllowedOrigin(t *testing.T) {
	cfg := &config.CORSConfig{AllowedOrigins: []string{"https://ayon.example"}}
	w := serveSecurity(CORSMiddleware(cfg), http.MethodGet, "https://ayon.example")

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://ayon.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, PUT, DELETE, OPTIONS" {
		t.Errorf("Access-Control-Allow-Methods = %q", got)
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	cfg := &config.CORSConfig{AllowedOrigins: []string{"https://ayon.example"}}
	w := serveSecurity(CORSMiddleware(cfg), http.MethodGet, "https://evil.example")

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want none", got)
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestCORS_WildcardEchoesOrigin(t *testing.T) {
	cfg := &config.CORSConfig{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET"}}
	w := serveSecurity(CORSMiddleware(cfg), http.MethodGet, "https://any.example")

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://any.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET" {
		t.Errorf("Access-Control-Allow-Methods = %q, want GET", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	cfg := &config.CORSConfig{AllowedOrigins: []string{"*"}}
	w := serveSecurity(CORSMiddleware(cfg), http.MethodOptions, "https://any.example")
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
}
