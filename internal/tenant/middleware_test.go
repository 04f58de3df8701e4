package tenant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func runMiddleware(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, string, bool) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var seen string
	called := false
	h := Middleware()(func(c echo.Context) error {
		called = true
		seen = FromContext(c.Request().Context())
		if v, _ := c.Get(string(IDKey)).(string); v != seen {
			t.Errorf("echo context %q differs from request context %q", v, seen)
		}
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec, seen, called
}

func TestMiddleware_FromHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/patients", nil)
	req.Header.Set("X-Org-Id", "HOSP-A")

	rec, tid, called := runMiddleware(t, req)
	if !called || rec.Code != http.StatusOK {
		t.Fatalf("expected handler to run, got %d", rec.Code)
	}
	if tid != "HOSP-A" {
		t.Errorf("expected HOSP-A, got %s", tid)
	}
}

func TestMiddleware_FromQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/patients?orgId=HOSP-B", nil)

	_, tid, called := runMiddleware(t, req)
	if !called || tid != "HOSP-B" {
		t.Errorf("expected HOSP-B, got %q (called=%v)", tid, called)
	}
}

func TestMiddleware_HeaderWins(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/patients?orgId=query", nil)
	req.Header.Set("X-Org-Id", "header")

	_, tid, _ := runMiddleware(t, req)
	if tid != "header" {
		t.Errorf("expected header to take priority, got %s", tid)
	}
}

func TestMiddleware_Missing(t *testing.T) {
	cases := map[string]*http.Request{
		"none":        httptest.NewRequest(http.MethodGet, "/api/patients", nil),
		"empty query": httptest.NewRequest(http.MethodGet, "/api/patients?orgId=", nil),
	}
	blank := httptest.NewRequest(http.MethodGet, "/api/patients", nil)
	blank.Header.Set("X-Org-Id", "   ")
	cases["blank header"] = blank

	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			rec, _, called := runMiddleware(t, req)
			if called {
				t.Error("handler must not run without a tenant")
			}
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
			want := `{"error":"Missing orgId (X-Org-Id header or ?orgId=)"}`
			if strings.TrimSpace(rec.Body.String()) != want {
				t.Errorf("unexpected body %s", rec.Body.String())
			}
		})
	}
}

func TestFromContext(t *testing.T) {
	if got := FromContext(context.Background()); got != "" {
		t.Errorf("expected empty tenant, got %s", got)
	}
	if got := FromContext(WithID(context.Background(), "HOSP-A")); got != "HOSP-A" {
		t.Errorf("expected HOSP-A, got %s", got)
	}
}
