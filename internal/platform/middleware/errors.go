package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhir-gateway/internal/platform/backend"
	"github.com/ehr/fhir-gateway/internal/tenant"
)

// ErrorBody is the JSON body of every error response except unknown routes.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message    string      `json:"message"`
	StatusCode int         `json:"statusCode"`
	Timestamp  string      `json:"timestamp"`
	Path       string      `json:"path"`
	Method     string      `json:"method"`
	Upstream   interface{} `json:"upstream,omitempty"`
	Stack      string      `json:"stack,omitempty"`
}

// ErrorHandler builds the echo error handler. Backend errors keep their
// upstream status and reason phrase. In development the raw error and the
// upstream body are attached; otherwise 5xx messages are generic.
func ErrorHandler(logger zerolog.Logger, development bool) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		req := c.Request()

		if errors.Is(err, echo.ErrNotFound) {
			writeError(c, http.StatusNotFound, map[string]string{
				"error":   "Not Found",
				"message": fmt.Sprintf("Route %s not found", req.RequestURI),
			})
			return
		}

		status, message, upstreamBody := classifyError(err)

		log := zerolog.Ctx(req.Context())
		if log.GetLevel() == zerolog.Disabled {
			log = &logger
		}
		evt := log.Warn()
		if status >= 500 {
			evt = log.Error()
		}
		tid, _ := c.Get(string(tenant.IDKey)).(string)
		evt.Err(err).
			Int("status", status).
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Str("tenant", tid).
			Msg("request failed")

		detail := ErrorDetail{
			Message:    message,
			StatusCode: status,
			Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
			Path:       req.URL.Path,
			Method:     req.Method,
		}
		if development {
			detail.Stack = err.Error()
			if len(upstreamBody) > 0 {
				detail.Upstream = upstreamPayload(upstreamBody)
			}
		} else if status >= 500 {
			detail.Message = http.StatusText(http.StatusInternalServerError)
		}

		writeError(c, status, ErrorBody{Error: detail})
	}
}

// classifyError maps an error to a status code, a message and the upstream
// body when the error came from the backend.
func classifyError(err error) (int, string, []byte) {
	var he *echo.HTTPError
	var upstream *backend.UpstreamError
	switch {
	case errors.As(err, &he):
		return he.Code, fmt.Sprint(he.Message), nil
	case errors.As(err, &upstream):
		return upstream.StatusCode, upstream.StatusText(), upstream.Body
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, http.StatusText(http.StatusGatewayTimeout), nil
	case errors.Is(err, backend.ErrUnavailable):
		return http.StatusBadGateway, http.StatusText(http.StatusBadGateway), nil
	default:
		return http.StatusInternalServerError, err.Error(), nil
	}
}

// upstreamPayload embeds a JSON upstream body as JSON and anything else as a
// string.
func upstreamPayload(body []byte) interface{} {
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	return string(body)
}

func writeError(c echo.Context, status int, body interface{}) {
	var err error
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		zerolog.Ctx(c.Request().Context()).Error().Err(err).Msg("failed to write error response")
	}
}
