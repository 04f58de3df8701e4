package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhir-gateway/internal/tenant"
)

// AuditEntry records one tenant-scoped API access.
type AuditEntry struct {
	TenantID     string
	ResourceType string
	ResourceID   string
	PatientID    string
	Action       string // read, search, create
	Method       string
	Path         string
	IPAddress    string
	UserAgent    string
	RequestID    string
	StatusCode   int
	Timestamp    time.Time
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(ctx context.Context, entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(ctx context.Context, entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(ctx context.Context, entry AuditEntry) error {
	return f(ctx, entry)
}

// Audit logs every request under prefix as a structured "tenant_access"
// event and hands it to recorder when one is given. It must run after the
// tenant middleware. Handler errors are written through the echo error
// handler before the entry is built. A failing recorder never fails the
// request.
func Audit(logger zerolog.Logger, prefix string, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, prefix) {
				return next(c)
			}

			if err := next(c); err != nil {
				// Write the error now so the recorded status is final.
				c.Error(err)
			}
			status := c.Response().Status

			resourceType, resourceID := splitResourcePath(strings.TrimPrefix(req.URL.Path, prefix))
			entry := AuditEntry{
				TenantID:     tenant.FromContext(req.Context()),
				ResourceType: resourceType,
				ResourceID:   resourceID,
				PatientID:    extractPatientID(c, resourceType, resourceID),
				Action:       httpMethodToAction(req.Method, resourceID),
				Method:       req.Method,
				Path:         req.URL.Path,
				IPAddress:    c.RealIP(),
				UserAgent:    req.UserAgent(),
				StatusCode:   status,
				Timestamp:    time.Now().UTC(),
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			if recorder != nil {
				// The request context may already be cancelled.
				recCtx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), 5*time.Second)
				if recErr := recorder.RecordAccess(recCtx, entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
				cancel()
			}

			logger.Info().
				Str("type", "tenant_access").
				Str("request_id", entry.RequestID).
				Str("tenant", entry.TenantID).
				Str("resource_type", entry.ResourceType).
				Str("resource_id", entry.ResourceID).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("tenant_access")

			return nil
		}
	}
}

func httpMethodToAction(method, resourceID string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	}
	if resourceID == "" {
		return "search"
	}
	return "read"
}

// splitResourcePath splits "patients/123" into ("patients", "123").
func splitResourcePath(rest string) (string, string) {
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "unknown", ""
	}
	resourceType, id, _ := strings.Cut(rest, "/")
	return resourceType, id
}

// extractPatientID returns the patient a request is about: the id of a
// patient read, or the patient search filter.
func extractPatientID(c echo.Context, resourceType, resourceID string) string {
	if resourceType == "patients" && resourceID != "" {
		return resourceID
	}
	return strings.TrimPrefix(c.QueryParam("patient"), "Patient/")
}
