package consultation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/telemed/telemed/internal/platform/auth"
)

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"01HZX3J9Q6F2Q8V0W4YB7K1N5M", true},
		{"visit-1.2_a", true},
		{strings.Repeat("a", 128), true},
		{"", false},
		{strings.Repeat("a", 129), false},
		{"../etc/passwd", false},
		{"has space", false},
		{"semi;colon", false},
	}
	for _, tt := range tests {
		err := ValidateSessionID(tt.id)
		if (err == nil) != tt.want {
			t.Errorf("ValidateSessionID(%q) = %v, want valid=%v", tt.id, err, tt.want)
		}
	}
}

func TestSessionMiddleware(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := context.WithValue(req.Context(), auth.UserIDKey, "nurse-1")
	ctx = context.WithValue(ctx, auth.UserRolesKey, []string{"nurse"})
	req = req.WithContext(ctx)
	c, _ := sessionContext(e, req, "s1")

	var got *SessionContext
	handler := SessionMiddleware()(func(c echo.Context) error {
		got = SessionFromContext(c)
		return nil
	})
	if err := handler(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("expected session context")
	}
	if got.ID != "s1" || got.UserID != "nurse-1" {
		t.Errorf("unexpected session context %+v", got)
	}
	if len(got.Roles) != 1 || got.Roles[0] != "nurse" {
		t.Errorf("expected nurse role, got %v", got.Roles)
	}
}

func TestSessionMiddleware_InvalidID(t *testing.T) {
	e := echo.New()
	c, _ := sessionContext(e, httptest.NewRequest(http.MethodGet, "/", nil), "bad/id")

	called := false
	handler := SessionMiddleware()(func(c echo.Context) error {
		called = true
		return nil
	})
	expectStatus(t, handler(c), http.StatusBadRequest)
	if called {
		t.Error("next handler should not run for an invalid id")
	}
}

func TestSessionFromContext_Missing(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if SessionFromContext(c) != nil {
		t.Error("expected nil without middleware")
	}
}
