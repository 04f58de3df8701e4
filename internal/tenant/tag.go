// Package tenant stamps and filters FHIR resources by the tenant tag, and
// extracts the tenant of an inbound request.
package tenant

import (
	"net/url"

	"github.com/ehr/fhir-gateway/internal/platform/fhir"
)

// TagSystem is the meta.tag system that marks a resource's owning tenant.
const TagSystem = "https://example.org/tenant"

// Tag returns the tenant coding for tenantID.
func Tag(tenantID string) fhir.Coding {
	return fhir.Coding{
		System:  TagSystem,
		Code:    tenantID,
		Display: "Hospital " + tenantID,
	}
}

// AddTag appends the tenant tag to r unless a tag with the same system and
// code is already present. Existing tags are never removed. r is modified in
// place and returned.
func AddTag(r *fhir.Resource, tenantID string) *fhir.Resource {
	if r.Meta == nil {
		r.Meta = &fhir.Meta{}
	}
	if r.Meta.Tag == nil {
		r.Meta.Tag = []fhir.Coding{}
	}
	for _, t := range r.Meta.Tag {
		if t.System == TagSystem && t.Code == tenantID {
			return r
		}
	}
	r.Meta.Tag = append(r.Meta.Tag, Tag(tenantID))
	return r
}

// HasTag reports whether r carries the tenant tag for tenantID.
func HasTag(r *fhir.Resource, tenantID string) bool {
	if r == nil || r.Meta == nil {
		return false
	}
	for _, t := range r.Meta.Tag {
		if t.System == TagSystem && t.Code == tenantID {
			return true
		}
	}
	return false
}

// FilterQuery returns the backend search parameters restricting results to
// tenantID.
func FilterQuery(tenantID string) url.Values {
	return url.Values{"_tag": []string{TagSystem + "|" + tenantID}}
}
