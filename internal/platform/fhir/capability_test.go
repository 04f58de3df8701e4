package fhir

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestCapabilityBuilder_MergesRegistrations(t *testing.T) {
	b := NewCapabilityBuilder("http://localhost:3001", "0.1.0")
	b.AddResource("Patient", ProxiedInteractions(), []SearchParam{{Name: "identifier", Type: "token"}})
	b.AddResource("Patient", []string{"read"}, []SearchParam{{Name: "identifier", Type: "token"}, {Name: "name", Type: "string"}})
	b.AddResource("Observation", ProxiedInteractions(), nil)

	types := b.ResourceTypes()
	if len(types) != 2 || types[0] != "Observation" || types[1] != "Patient" {
		t.Fatalf("unexpected resource types %v", types)
	}

	cs := b.Build()
	rest := cs["rest"].([]map[string]interface{})
	resources := rest[0]["resource"].([]map[string]interface{})
	patient := resources[1]
	if got := len(patient["interaction"].([]map[string]string)); got != 3 {
		t.Errorf("expected 3 deduplicated interactions, got %d", got)
	}
	if got := len(patient["searchParam"].([]SearchParam)); got != 2 {
		t.Errorf("expected 2 search params, got %d", got)
	}
}

func TestCapabilityHandler_GetMetadata(t *testing.T) {
	b := NewCapabilityBuilder("http://localhost:3001", "0.1.0")
	b.AddResource("Condition", ProxiedInteractions(), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/fhir/metadata", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := NewCapabilityHandler(b).GetMetadata(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["resourceType"] != "CapabilityStatement" {
		t.Errorf("expected CapabilityStatement, got %v", body["resourceType"])
	}
	if body["fhirVersion"] != "4.0.1" {
		t.Errorf("expected fhirVersion 4.0.1, got %v", body["fhirVersion"])
	}
}
