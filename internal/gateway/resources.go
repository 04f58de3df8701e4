package gateway

import "github.com/ehr/fhir-gateway/internal/platform/fhir"

// ResourceType describes one proxied FHIR resource family.
type ResourceType struct {
	// Name is the FHIR resourceType.
	Name string
	// Path is the route segment under /api.
	Path string
	// Filters are the query parameters forwarded to the backend on list.
	Filters []fhir.SearchParam
}

// FilterNames returns the names of the forwarded list filters.
func (rt ResourceType) FilterNames() []string {
	names := make([]string, len(rt.Filters))
	for i, f := range rt.Filters {
		names[i] = f.Name
	}
	return names
}

var patientFilter = fhir.SearchParam{Name: "patient", Type: "reference", Documentation: "Subject Patient id"}

// Resources lists every resource family the gateway proxies.
var Resources = []ResourceType{
	{
		Name: "Patient",
		Path: "patients",
		Filters: []fhir.SearchParam{
			{Name: "identifier", Type: "token"},
			{Name: "name", Type: "string"},
			{Name: "family", Type: "string"},
			{Name: "given", Type: "string"},
			{Name: "birthdate", Type: "date"},
			{Name: "gender", Type: "token"},
		},
	},
	{
		Name: "Observation",
		Path: "observations",
		Filters: []fhir.SearchParam{
			patientFilter,
			{Name: "code", Type: "token"},
			{Name: "category", Type: "token"},
			{Name: "status", Type: "token"},
			{Name: "date", Type: "date"},
		},
	},
	{
		Name: "Condition",
		Path: "conditions",
		Filters: []fhir.SearchParam{
			patientFilter,
			{Name: "clinical-status", Type: "token"},
			{Name: "code", Type: "token"},
		},
	},
	{
		Name: "MedicationRequest",
		Path: "medication-requests",
		Filters: []fhir.SearchParam{
			patientFilter,
			{Name: "status", Type: "token"},
			{Name: "intent", Type: "token"},
		},
	},
}

// RegisterCapabilities adds every proxied resource family to b.
func RegisterCapabilities(b *fhir.CapabilityBuilder) {
	for _, rt := range Resources {
		b.AddResource(rt.Name, fhir.ProxiedInteractions(), rt.Filters)
	}
}
