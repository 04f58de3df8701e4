// Package gateway forwards tenant-scoped FHIR requests to the shared backend.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/fhir-gateway/internal/platform/backend"
	"github.com/ehr/fhir-gateway/internal/platform/fhir"
	"github.com/ehr/fhir-gateway/internal/reference"
	"github.com/ehr/fhir-gateway/internal/tenant"
)

// ErrInvalidBody is returned when a create body is not a usable resource.
var ErrInvalidBody = errors.New("invalid resource body")

// Backend is the subset of the backend client the gateway forwards to.
type Backend interface {
	Create(ctx context.Context, resourceType string, body []byte) (*backend.Response, error)
	Read(ctx context.Context, resourceType, id string) (*backend.Response, error)
	Search(ctx context.Context, resourceType string, params url.Values) (*backend.Response, error)
}

// Resolver turns a free-form subject reference into a Patient id.
type Resolver interface {
	Resolve(ctx context.Context, input, tenantID string) (string, error)
}

type Service struct {
	backend  Backend
	resolver Resolver
}

func NewService(b Backend, r Resolver) *Service {
	return &Service{backend: b, resolver: r}
}

// Create stamps the tenant tag onto body, rewrites a non-canonical
// subject.reference to Patient/<id>, and creates the resource. Nothing is
// sent to the backend when the body is invalid or the subject cannot be
// resolved.
func (s *Service) Create(ctx context.Context, resourceType string, body []byte, tenantID string) (*backend.Response, error) {
	r, err := fhir.ParseResource(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	switch r.ResourceType {
	case "":
		r.ResourceType = resourceType
	case resourceType:
	default:
		return nil, fmt.Errorf("%w: resourceType must be %s, got %s", ErrInvalidBody, resourceType, r.ResourceType)
	}

	tenant.AddTag(r, tenantID)

	if r.Subject != nil && r.Subject.Reference != "" && !strings.HasPrefix(r.Subject.Reference, reference.PatientPrefix) {
		raw := r.Subject.Reference
		id, err := s.resolver.Resolve(ctx, raw, tenantID)
		if err != nil {
			return nil, err
		}
		r.Subject.Reference = reference.PatientPrefix + id
		zerolog.Ctx(ctx).Debug().
			Str("resource_type", resourceType).
			Str("input", raw).
			Str("subject", r.Subject.Reference).
			Msg("subject reference rewritten")
	}

	out, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", resourceType, err)
	}
	return s.backend.Create(ctx, resourceType, out)
}

// List searches resourceType within tenantID. filters may narrow the search
// but cannot replace the tenant filter.
func (s *Service) List(ctx context.Context, resourceType, tenantID string, filters url.Values) (*backend.Response, error) {
	params := tenant.FilterQuery(tenantID)
	for name, values := range filters {
		if name == "_tag" {
			continue
		}
		for _, v := range values {
			if v != "" {
				params.Add(name, v)
			}
		}
	}
	return s.backend.Search(ctx, resourceType, params)
}

// Get reads resourceType/id directly. The read is not scoped to a tenant.
// TODO: decide whether Get should reject resources lacking the caller's tenant tag.
func (s *Service) Get(ctx context.Context, resourceType, id string) (*backend.Response, error) {
	return s.backend.Read(ctx, resourceType, id)
}
