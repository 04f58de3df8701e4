// Package pagination reads paging parameters from gateway requests and
// renders them as backend search parameters.
package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts pagination parameters from the echo context. The FHIR
// names _count and _offset win over limit and offset.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("_count"))
	if limit <= 0 {
		limit, _ = strconv.Atoi(c.QueryParam("limit"))
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("_offset"))
	if offset <= 0 {
		offset, _ = strconv.Atoi(c.QueryParam("offset"))
	}
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Query returns the backend search parameters for p. _offset is omitted on
// the first page.
func (p Params) Query() url.Values {
	q := url.Values{}
	q.Set("_count", strconv.Itoa(p.Limit))
	if p.Offset > 0 {
		q.Set("_offset", strconv.Itoa(p.Offset))
	}
	return q
}

// Apply copies the parameters of p into dst.
func (p Params) Apply(dst url.Values) {
	for k, v := range p.Query() {
		dst[k] = v
	}
}
