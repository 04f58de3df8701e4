// Package seed loads demo data for two hospitals through the same code path
// the HTTP API uses.
package seed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/fhir-gateway/internal/gateway"
	"github.com/ehr/fhir-gateway/internal/platform/backend"
	"github.com/ehr/fhir-gateway/internal/platform/fhir"
)

// Organization is a tenant registered as a FHIR Organization.
type Organization struct {
	ID   string
	Name string
}

var DefaultOrganizations = []Organization{
	{ID: "HOSP-A", Name: "General Hospital A"},
	{ID: "HOSP-B", Name: "Community Hospital B"},
}

// Updater writes a resource under a client-chosen id.
type Updater interface {
	Update(ctx context.Context, resourceType, id string, body []byte) (*backend.Response, error)
}

// Result summarizes one seed run.
type Result struct {
	PatientID     string
	ObservationID string
	// VisibleToOther is the patient total the second tenant sees. It is 0
	// when tenant filtering holds.
	VisibleToOther int
}

type Seeder struct {
	orgs    Updater
	svc     *gateway.Service
	tenants []Organization

	// Strict makes a failed organization upsert fatal. Otherwise it is
	// logged and the seed continues, as the organizations usually exist.
	Strict bool
}

func New(orgs Updater, svc *gateway.Service) *Seeder {
	return &Seeder{orgs: orgs, svc: svc, tenants: DefaultOrganizations}
}

// Run ensures the organizations exist, creates a patient and a blood
// pressure panel for the first tenant, then lists patients as the second.
func (s *Seeder) Run(ctx context.Context) (*Result, error) {
	if len(s.tenants) < 2 {
		return nil, fmt.Errorf("seed needs two organizations, have %d", len(s.tenants))
	}
	log := zerolog.Ctx(ctx)

	if err := s.ensureOrganizations(ctx); err != nil {
		if s.Strict {
			return nil, err
		}
		log.Warn().Err(err).Msg("continuing without organizations")
	}

	owner, other := s.tenants[0].ID, s.tenants[1].ID

	resp, err := s.svc.Create(ctx, "Patient", mustJSON(map[string]interface{}{
		"resourceType": "Patient",
		"name":         []map[string]interface{}{{"family": "Verma", "given": []string{"Ravi"}}},
		"gender":       "male",
		"birthDate":    "1990-01-01",
	}), owner)
	if err != nil {
		return nil, fmt.Errorf("create patient: %w", err)
	}
	patientID, err := createdID(resp)
	if err != nil {
		return nil, fmt.Errorf("create patient: %w", err)
	}
	log.Info().Str("tenant", owner).Str("patient_id", patientID).Msg("patient created")

	resp, err = s.svc.Create(ctx, "Observation", bloodPressure(patientID), owner)
	if err != nil {
		return nil, fmt.Errorf("create observation: %w", err)
	}
	obsID, err := createdID(resp)
	if err != nil {
		return nil, fmt.Errorf("create observation: %w", err)
	}
	log.Info().Str("tenant", owner).Str("observation_id", obsID).Msg("observation created")

	resp, err = s.svc.List(ctx, "Patient", other, nil)
	if err != nil {
		return nil, fmt.Errorf("list patients for %s: %w", other, err)
	}
	b, err := fhir.ParseBundle(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	visible := len(b.Entry)
	if b.Total != nil {
		visible = *b.Total
	}
	log.Info().Str("tenant", other).Int("total", visible).Msg("patients visible to second tenant")

	return &Result{PatientID: patientID, ObservationID: obsID, VisibleToOther: visible}, nil
}

// ensureOrganizations upserts every tenant Organization concurrently. The
// first failure cancels the remaining upserts and is returned.
func (s *Seeder) ensureOrganizations(ctx context.Context) error {
	log := zerolog.Ctx(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, org := range s.tenants {
		org := org
		g.Go(func() error {
			body := mustJSON(map[string]interface{}{
				"resourceType": "Organization",
				"id":           org.ID,
				"name":         org.Name,
			})
			if _, err := s.orgs.Update(gctx, "Organization", org.ID, body); err != nil {
				return fmt.Errorf("upsert organization %s: %w", org.ID, err)
			}
			log.Info().Str("organization", org.ID).Msg("organization ensured")
			return nil
		})
	}
	return g.Wait()
}

func bloodPressure(patientID string) []byte {
	component := func(code, display string, value int) map[string]interface{} {
		return map[string]interface{}{
			"code":          map[string]interface{}{"coding": []map[string]string{{"system": "http://loinc.org", "code": code, "display": display}}},
			"valueQuantity": map[string]interface{}{"value": value, "unit": "mmHg"},
		}
	}
	return mustJSON(map[string]interface{}{
		"resourceType": "Observation",
		"status":       "final",
		"code": map[string]interface{}{
			"coding": []map[string]string{{"system": "http://loinc.org", "code": "85354-9", "display": "Blood pressure panel"}},
		},
		"subject": map[string]string{"reference": "Patient/" + patientID},
		"component": []map[string]interface{}{
			component("8480-6", "Systolic", 140),
			component("8462-4", "Diastolic", 92),
		},
	})
}

func createdID(resp *backend.Response) (string, error) {
	r, err := fhir.ParseResource(resp.Body)
	if err != nil {
		return "", fmt.Errorf("decode created resource: %w", err)
	}
	if r.ID == "" {
		return "", fmt.Errorf("backend returned no id")
	}
	return r.ID, nil
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
