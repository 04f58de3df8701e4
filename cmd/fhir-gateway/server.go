package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/fhir-gateway/internal/config"
	"github.com/ehr/fhir-gateway/internal/gateway"
	"github.com/ehr/fhir-gateway/internal/platform/backend"
	"github.com/ehr/fhir-gateway/internal/platform/db"
	"github.com/ehr/fhir-gateway/internal/platform/fhir"
	"github.com/ehr/fhir-gateway/internal/platform/metrics"
	"github.com/ehr/fhir-gateway/internal/platform/middleware"
	"github.com/ehr/fhir-gateway/internal/reference"
	"github.com/ehr/fhir-gateway/internal/tenant"
)

// serverDeps are the collaborators built from configuration. Pool, the
// limiters and Audit are optional.
type serverDeps struct {
	Backend       backend.Client
	Metrics       *metrics.Metrics
	Pool          db.Pinger
	Limiter       middleware.Limiter
	ClientLimiter middleware.Limiter
	Audit         middleware.AuditRecorder
}

func newServer(cfg *config.Config, logger zerolog.Logger, deps serverDeps) *echo.Echo {
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger, cfg.IsDev())

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(m.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.NoCache("/api/"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderContentType, tenant.Header, middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, echo.HeaderLocation, "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": "fhir-gateway",
			"ts":      time.Now().UTC().Format(time.RFC3339),
		})
	})
	if deps.Pool != nil {
		e.GET("/health/db", db.HealthHandler(deps.Pool))
	}
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	capBuilder := fhir.NewCapabilityBuilder(fmt.Sprintf("http://localhost:%s/fhir", cfg.Port), version)
	gateway.RegisterCapabilities(capBuilder)
	fhir.NewCapabilityHandler(capBuilder).RegisterRoutes(e.Group("/fhir"))

	rlCfg := cfg.RateLimit()
	if rlCfg.RequestsPerSecond <= 0 {
		rlCfg = middleware.DefaultRateLimitConfig()
	}
	rlOpts := []middleware.RateLimitOption{middleware.WithRejectObserver(m)}
	if deps.Limiter != nil {
		rlOpts = append(rlOpts, middleware.WithLimiter(deps.Limiter))
	}
	if deps.ClientLimiter != nil {
		rlOpts = append(rlOpts, middleware.WithClientLimiter(deps.ClientLimiter))
	}

	api := e.Group("/api",
		tenant.Middleware(),
		middleware.RateLimit(rlCfg, rlOpts...),
		middleware.Audit(logger, "/api/", deps.Audit),
	)

	svc := gateway.NewService(deps.Backend, reference.NewResolver(deps.Backend, m))
	gateway.NewHandler(svc).RegisterRoutes(api)

	return e
}
