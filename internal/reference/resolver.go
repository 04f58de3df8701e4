// Package reference resolves loosely typed patient references into backend
// Patient ids.
package reference

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/fhir-gateway/internal/platform/backend"
	"github.com/ehr/fhir-gateway/internal/platform/fhir"
	"github.com/ehr/fhir-gateway/internal/tenant"
)

const (
	// PatientPrefix marks a reference that is already canonical.
	PatientPrefix = "Patient/"

	// IdentifierSystem is the identifier system hospitals use for patient
	// numbers.
	IdentifierSystem = "http://hospital-system/patient"
)

// Resolution strategies, reported to the Observer.
const (
	StrategyCanonical        = "canonical"
	StrategyDirectRead       = "direct_read"
	StrategyIdentifierSystem = "identifier_system"
	StrategyIdentifierValue  = "identifier_value"
	StrategyNotFound         = "not_found"
)

// ErrPatientNotFound is returned when no strategy yields a Patient id.
var ErrPatientNotFound = errors.New("patient not found")

var idToken = regexp.MustCompile(`^[A-Za-z0-9.-]{1,64}$`)

// NotFoundError carries the input that could not be resolved.
type NotFoundError struct {
	Input string
}

func (e *NotFoundError) Error() string {
	return "Patient not found for identifier: " + e.Input
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrPatientNotFound
}

// Reader is the subset of the backend the resolver queries.
type Reader interface {
	Read(ctx context.Context, resourceType, id string) (*backend.Response, error)
	Search(ctx context.Context, resourceType string, params url.Values) (*backend.Response, error)
}

// Observer is notified of the strategy that settled each resolution.
type Observer interface {
	ObserveResolution(strategy string)
}

// Resolver turns a subject reference into a Patient id. It keeps no state
// between calls.
type Resolver struct {
	reader   Reader
	observer Observer
}

func NewResolver(reader Reader, observer Observer) *Resolver {
	return &Resolver{reader: reader, observer: observer}
}

// Resolve returns the backend id of the Patient that input refers to. input
// may be a canonical "Patient/<id>" reference, a bare id or an identifier
// value. When tenantID is non-empty, identifier searches only match Patients
// tagged for that tenant.
func (r *Resolver) Resolve(ctx context.Context, input, tenantID string) (string, error) {
	log := zerolog.Ctx(ctx)

	if id, ok := strings.CutPrefix(input, PatientPrefix); ok {
		r.observe(StrategyCanonical)
		return id, nil
	}

	if idToken.MatchString(input) {
		if id := r.readByID(ctx, input); id != "" {
			log.Debug().Str("input", input).Str("patient_id", id).Msg("patient resolved by direct read")
			r.observe(StrategyDirectRead)
			return id, nil
		}
	}

	attempts := []struct {
		strategy string
		value    string
	}{
		{StrategyIdentifierSystem, IdentifierSystem + "|" + input},
		{StrategyIdentifierValue, input},
	}
	for _, a := range attempts {
		id, err := r.searchIdentifier(ctx, a.value, tenantID)
		if err != nil {
			return "", err
		}
		if id != "" {
			log.Debug().Str("input", input).Str("patient_id", id).Str("strategy", a.strategy).
				Msg("patient resolved by identifier search")
			r.observe(a.strategy)
			return id, nil
		}
	}

	r.observe(StrategyNotFound)
	return "", &NotFoundError{Input: input}
}

// readByID probes Patient/<id>. Every failure counts as a miss.
func (r *Resolver) readByID(ctx context.Context, id string) string {
	resp, err := r.reader.Read(ctx, "Patient", id)
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("input", id).Msg("direct patient read missed")
		return ""
	}
	res, err := fhir.ParseResource(resp.Body)
	if err != nil {
		return ""
	}
	return res.ID
}

func (r *Resolver) searchIdentifier(ctx context.Context, identifier, tenantID string) (string, error) {
	params := url.Values{}
	if tenantID != "" {
		params = tenant.FilterQuery(tenantID)
	}
	params.Set("identifier", identifier)

	resp, err := r.reader.Search(ctx, "Patient", params)
	if err != nil {
		return "", fmt.Errorf("search patient identifier: %w", err)
	}
	bundle, err := fhir.ParseBundle(resp.Body)
	if err != nil {
		return "", fmt.Errorf("search patient identifier: %w", err)
	}
	return bundle.FirstResourceID(), nil
}

func (r *Resolver) observe(strategy string) {
	if r.observer != nil {
		r.observer.ObserveResolution(strategy)
	}
}
