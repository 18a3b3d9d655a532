package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

// newHeadersServer mounts handlers shaped like the consultation routes
// behind SecurityHeaders.
func newHeadersServer(hsts bool) *echo.Echo {
	e := echo.New()
	e.Use(SecurityHeaders(hsts))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/api/v1/sessions/:id", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"session_id": c.Param("id"),
			"record":     map[string][]string{"symptoms": {"dry cough"}},
		})
	})
	e.GET("/api/v1/sessions/:id/export", func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+c.Param("id")+`.json"`)
		return c.JSON(http.StatusOK, map[string][]string{"symptoms": {"dry cough"}})
	})
	e.GET("/api/v1/sessions/:id/transcript", func(c echo.Context) error {
		return c.String(http.StatusOK, "Doctor: how long have you had the cough?")
	})
	e.GET("/ws", func(c echo.Context) error {
		// plain GET without upgrade headers, as the websocket handler rejects it
		return echo.NewHTTPError(http.StatusBadRequest, "websocket upgrade required")
	})
	return e
}

func TestSecurityHeaders_PatientDataNeverCached(t *testing.T) {
	e := newHeadersServer(true)

	paths := []struct {
		path   string
		status int
	}{
		{"/api/v1/sessions/visit-1", http.StatusOK},
		{"/api/v1/sessions/visit-1/export", http.StatusOK},
		{"/api/v1/sessions/visit-1/transcript", http.StatusOK},
		{"/api/v1/sessions/visit-1/unknown", http.StatusNotFound},
	}
	for _, tt := range paths {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if got := rec.Header().Get("Cache-Control"); got != "no-store" {
				t.Errorf("Cache-Control = %q, want no-store", got)
			}
			if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
				t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
			}
			if got := rec.Header().Get("Referrer-Policy"); got != "no-referrer" {
				t.Errorf("Referrer-Policy = %q, want no-referrer", got)
			}
		})
	}
}

func TestSecurityHeaders_ExportKeepsAttachment(t *testing.T) {
	e := newHeadersServer(true)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/visit-1/export", nil))

	if got := rec.Header().Get(echo.HeaderContentDisposition); got != `attachment; filename="visit-1.json"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if got := rec.Header().Get("Content-Security-Policy"); got != "default-src 'none'; frame-ancestors 'none'" {
		t.Errorf("Content-Security-Policy = %q", got)
	}
}

func TestSecurityHeaders_RejectedWebSocketUpgrade(t *testing.T) {
	e := newHeadersServer(true)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	for _, h := range []string{"X-Frame-Options", "Content-Security-Policy", "Cache-Control"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("expected %s on rejected upgrade", h)
		}
	}
}

func TestSecurityHeaders_BrowserFeaturesDisabled(t *testing.T) {
	e := newHeadersServer(true)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/visit-1", nil))

	// audio is uploaded as files, never captured in the page
	if got := rec.Header().Get("Permissions-Policy"); got != "camera=(), microphone=(), geolocation=()" {
		t.Errorf("Permissions-Policy = %q", got)
	}
	if got := rec.Header().Get("X-XSS-Protection"); got != "0" {
		t.Errorf("X-XSS-Protection = %q, want 0", got)
	}
}

func TestSecurityHeaders_HSTSFollowsTLS(t *testing.T) {
	tests := []struct {
		name string
		hsts bool
		want string
	}{
		{"tls", true, "max-age=31536000; includeSubDomains"},
		{"plain http", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newHeadersServer(tt.hsts)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if got := rec.Header().Get("Strict-Transport-Security"); got != tt.want {
				t.Errorf("Strict-Transport-Security = %q, want %q", got, tt.want)
			}
			if got := rec.Header().Get("Cache-Control"); got != "no-store" {
				t.Errorf("Cache-Control = %q, want no-store", got)
			}
		})
	}
}
