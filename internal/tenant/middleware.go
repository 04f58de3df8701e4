package tenant

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	// IDKey is the request context key holding the tenant id.
	IDKey contextKey = "tenant_id"

	// Header and QueryParam name the two places a caller may assert its tenant.
	Header     = "X-Org-Id"
	QueryParam = "orgId"
)

// MissingMessage is the error returned to callers that omit the tenant.
const MissingMessage = "Missing orgId (X-Org-Id header or ?orgId=)"

// Middleware rejects requests without a tenant id and stores the id on the
// request context and the echo context.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c)
			if tenantID == "" {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": MissingMessage})
			}

			ctx := WithID(c.Request().Context(), tenantID)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set(string(IDKey), tenantID)

			return next(c)
		}
	}
}

func extractTenantID(c echo.Context) string {
	if tid := strings.TrimSpace(c.Request().Header.Get(Header)); tid != "" {
		return tid
	}
	return strings.TrimSpace(c.QueryParam(QueryParam))
}

// WithID returns a copy of ctx carrying tenantID.
func WithID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, IDKey, tenantID)
}

// FromContext retrieves the tenant id from ctx, or "" when none was set.
func FromContext(ctx context.Context) string {
	tid, _ := ctx.Value(IDKey).(string)
	return tid
}
