// Package backend is the gateway's client for the shared FHIR server. Every
// call is bounded by the caller's context and by the client's own timeout.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	fhirJSON         = "application/fhir+json"
	maxResponseBytes = 32 << 20
)

var (
	// ErrNotFound matches an UpstreamError carrying a 404.
	ErrNotFound = errors.New("backend: resource not found")
	// ErrUnavailable wraps transport failures where no response was received.
	ErrUnavailable = errors.New("backend: unavailable")
	// ErrInvalidID is returned for ids that cannot address a single resource.
	ErrInvalidID = errors.New("backend: invalid resource id")
)

// Response is a raw backend answer. Body is passed to gateway callers verbatim.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// UpstreamError is returned for any non-2xx backend answer.
type UpstreamError struct {
	Method     string
	Path       string
	StatusCode int
	Status     string
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("backend %s %s: %s", e.Method, e.Path, e.Status)
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// StatusText returns the reason phrase of the upstream status line.
func (e *UpstreamError) StatusText() string {
	if _, text, ok := strings.Cut(e.Status, " "); ok && text != "" {
		return text
	}
	return http.StatusText(e.StatusCode)
}

// Client is the backend FHIR contract the gateway depends on.
type Client interface {
	Create(ctx context.Context, resourceType string, body []byte) (*Response, error)
	Read(ctx context.Context, resourceType, id string) (*Response, error)
	Search(ctx context.Context, resourceType string, params url.Values) (*Response, error)
	Update(ctx context.Context, resourceType, id string, body []byte) (*Response, error)
}

// Observer receives one call per backend round trip. statusCode is 0 when no
// response was received.
type Observer interface {
	ObserveBackend(operation string, statusCode int, elapsed time.Duration)
}

// HTTPClient implements Client over net/http.
type HTTPClient struct {
	baseURL  *url.URL
	http     *http.Client
	observer Observer
}

type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		c.http = hc
	}
}

// WithObserver reports every round trip to o.
func WithObserver(o Observer) Option {
	return func(c *HTTPClient) {
		c.observer = o
	}
}

// NewHTTPClient creates a client for the FHIR server rooted at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, opts ...Option) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q must be http or https", baseURL)
	}
	c := &HTTPClient{
		baseURL: u,
		http:    &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func (c *HTTPClient) Create(ctx context.Context, resourceType string, body []byte) (*Response, error) {
	path, err := resourcePath(resourceType)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, "create", http.MethodPost, path, nil, body)
}

func (c *HTTPClient) Read(ctx context.Context, resourceType, id string) (*Response, error) {
	path, err := resourcePath(resourceType, id)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, "read", http.MethodGet, path, nil, nil)
}

func (c *HTTPClient) Search(ctx context.Context, resourceType string, params url.Values) (*Response, error) {
	path, err := resourcePath(resourceType)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, "search", http.MethodGet, path, params, nil)
}

func (c *HTTPClient) Update(ctx context.Context, resourceType, id string, body []byte) (*Response, error) {
	path, err := resourcePath(resourceType, id)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, "update", http.MethodPut, path, nil, body)
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, params url.Values, body []byte) (*Response, error) {
	u := *c.baseURL
	u.Path = c.baseURL.Path + "/" + path
	u.RawPath = ""
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header.Set("Accept", fhirJSON)
	if body != nil {
		req.Header.Set("Content-Type", fhirJSON)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(op, 0, start)
		return nil, fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.observe(op, resp.StatusCode, start)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s %s: %w", ErrUnavailable, method, path, err)
	}

	zerolog.Ctx(ctx).Debug().
		Str("backend_op", op).
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("backend request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       data,
		}
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
	}, nil
}

func (c *HTTPClient) observe(op string, status int, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveBackend(op, status, time.Since(start))
	}
}

// resourcePath joins path segments, rejecting segments that would escape the
// resource collection once the URL is normalised.
func resourcePath(segments ...string) (string, error) {
	for _, s := range segments {
		if s == "" || s == "." || s == ".." || strings.Contains(s, "/") {
			return "", fmt.Errorf("%w: %q", ErrInvalidID, s)
		}
	}
	return strings.Join(segments, "/"), nil
}
