package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func securityRouter(opt SecurityOptions, pre ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(pre...)
	r.Use(SecurityHeaders(opt))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestSecurityHeaders_Baseline(t *testing.T) {
	w := httptest.NewRecorder()
	securityRouter(SecurityOptions{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	h := w.Header()
	if h.Get("X-Content-Type-Options") != "nosniff" || h.Get("X-Frame-Options") != "DENY" || h.Get("Referrer-Policy") != "no-referrer" {
		t.Fatalf("baseline headers missing: %v", h)
	}
	if h.Get("Cache-Control") != "" || h.Get("Permissions-Policy") != "" || h.Get("Strict-Transport-Security") != "" {
		t.Fatalf("optional headers must be off by default: %v", h)
	}
	exp := h.Get("Access-Control-Expose-Headers")
	for _, n := range exposedHeaders {
		if !strings.Contains(exp, n) {
			t.Fatalf("expose headers %q missing %q", exp, n)
		}
	}
}

func TestSecurityHeaders_Optional(t *testing.T) {
	r := securityRouter(SecurityOptions{EnableHSTS: true, HSTSMaxAge: time.Hour, NoStore: true, EnablePolicy: true})

	// plain HTTP never gets HSTS
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Fatalf("HSTS on plain HTTP")
	}
	if w.Header().Get("Cache-Control") != "no-store" || w.Header().Get("Pragma") != "no-cache" || w.Header().Get("Expires") != "0" {
		t.Fatalf("no-store headers missing: %v", w.Header())
	}
	if w.Header().Get("Permissions-Policy") == "" || w.Header().Get("X-Permitted-Cross-Domain-Policies") != "none" {
		t.Fatalf("policy headers missing: %v", w.Header())
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Forwarded-Proto", "HTTPS")
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Strict-Transport-Security"); got != "max-age=3600; includeSubDomains; preload" {
		t.Fatalf("HSTS via proxy = %q", got)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.TLS = &tls.ConnectionState{}
	r.ServeHTTP(w, req)
	if !strings.HasPrefix(w.Header().Get("Strict-Transport-Security"), "max-age=3600") {
		t.Fatalf("HSTS via TLS missing")
	}
}

func TestSecurityHeaders_HSTSDefaultMaxAge(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.TLS = &tls.ConnectionState{}
	securityRouter(SecurityOptions{EnableHSTS: true}).ServeHTTP(w, req)
	if got := w.Header().Get("Strict-Transport-Security"); !strings.HasPrefix(got, "max-age=15552000;") {
		t.Fatalf("default HSTS = %q", got)
	}
}

func TestExposeHeaders_MergesWithoutDuplicates(t *testing.T) {
	pre := func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Custom, etag")
		c.Next()
	}
	w := httptest.NewRecorder()
	securityRouter(SecurityOptions{}, pre).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	got := w.Header().Get("Access-Control-Expose-Headers")
	if !strings.HasPrefix(got, "X-Custom, etag") || strings.Contains(got, ", ETag") || !strings.Contains(got, requestIDHeader) {
		t.Fatalf("merged expose headers = %q", got)
	}
}
