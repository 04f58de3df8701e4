package gateway

import (
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhir-gateway/internal/platform/backend"
	"github.com/ehr/fhir-gateway/internal/reference"
	"github.com/ehr/fhir-gateway/internal/tenant"
	"github.com/ehr/fhir-gateway/pkg/pagination"
)

// passthroughHeaders are copied from backend responses to the caller.
var passthroughHeaders = []string{"Location", "ETag", "Last-Modified"}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts create, list and get for every proxied resource
// family. api must already run the tenant middleware.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	for _, rt := range Resources {
		api.POST("/"+rt.Path, h.Create(rt))
		api.GET("/"+rt.Path, h.List(rt))
		api.GET("/"+rt.Path+"/:id", h.Get(rt))
	}
}

func (h *Handler) Create(rt ResourceType) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
		ctx := c.Request().Context()
		resp, err := h.svc.Create(ctx, rt.Name, body, tenant.FromContext(ctx))
		if err != nil {
			return mapError(err)
		}
		return writeResponse(c, resp)
	}
}

func (h *Handler) List(rt ResourceType) echo.HandlerFunc {
	return func(c echo.Context) error {
		query := c.QueryParams()
		filters := url.Values{}
		for _, name := range rt.FilterNames() {
			if values, ok := query[name]; ok {
				filters[name] = values
			}
		}
		pagination.FromContext(c).Apply(filters)

		ctx := c.Request().Context()
		resp, err := h.svc.List(ctx, rt.Name, tenant.FromContext(ctx), filters)
		if err != nil {
			return mapError(err)
		}
		return writeResponse(c, resp)
	}
}

func (h *Handler) Get(rt ResourceType) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp, err := h.svc.Get(c.Request().Context(), rt.Name, c.Param("id"))
		if err != nil {
			return mapError(err)
		}
		return writeResponse(c, resp)
	}
}

// mapError turns gateway errors into HTTP errors. Backend errors are left
// for the error handler, which mirrors the upstream status.
func mapError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidBody), errors.Is(err, backend.ErrInvalidID):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	case errors.Is(err, reference.ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error()).SetInternal(err)
	default:
		return err
	}
}

func writeResponse(c echo.Context, resp *backend.Response) error {
	for _, name := range passthroughHeaders {
		if v := resp.Header.Get(name); v != "" {
			c.Response().Header().Set(name, v)
		}
	}
	contentType := resp.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = "application/fhir+json"
	}
	return c.Blob(resp.StatusCode, contentType, resp.Body)
}
