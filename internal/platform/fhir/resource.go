package fhir

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Resource is the envelope the gateway uses for inbound and backend FHIR
// resources. Only resourceType, id, meta.tag and subject.reference are typed;
// every other member is kept as raw JSON and written back unchanged.
type Resource struct {
	ResourceType string
	ID           string
	Meta         *Meta
	Subject      *Reference

	present presence
	extra   rawFields
}

// Meta holds resource metadata. Tag is the only member the gateway edits.
type Meta struct {
	Tag []Coding

	extra rawFields
}

type Coding struct {
	System  string
	Code    string
	Display string

	present presence
	extra   rawFields
}

type Reference struct {
	Reference string

	present presence
	extra   rawFields
}

// ParseResource decodes a JSON object into a Resource envelope.
func ParseResource(data []byte) (*Resource, error) {
	var r Resource
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Field returns the raw JSON of an untyped top-level member.
func (r *Resource) Field(name string) (json.RawMessage, bool) {
	raw, ok := r.extra[name]
	return raw, ok
}

func (r *Resource) UnmarshalJSON(data []byte) error {
	fields, err := decodeObject(data)
	if err != nil {
		return err
	}
	*r = Resource{present: presence{}}
	if err := fields.takeString("resourceType", &r.ResourceType, r.present); err != nil {
		return err
	}
	if err := fields.takeString("id", &r.ID, r.present); err != nil {
		return err
	}
	if raw, ok := fields.take("meta"); ok && !isNull(raw) {
		r.Meta = &Meta{}
		if err := json.Unmarshal(raw, r.Meta); err != nil {
			return fmt.Errorf("meta: %w", err)
		}
	}
	if raw, ok := fields.take("subject"); ok && !isNull(raw) {
		r.Subject = &Reference{}
		if err := json.Unmarshal(raw, r.Subject); err != nil {
			return fmt.Errorf("subject: %w", err)
		}
	}
	r.extra = fields
	return nil
}

func (r Resource) MarshalJSON() ([]byte, error) {
	typed := map[string]interface{}{}
	r.present.put(typed, "resourceType", r.ResourceType)
	r.present.put(typed, "id", r.ID)
	if r.Meta != nil {
		typed["meta"] = r.Meta
	}
	if r.Subject != nil {
		typed["subject"] = r.Subject
	}
	return r.extra.marshalWith(typed)
}

func (m *Meta) UnmarshalJSON(data []byte) error {
	fields, err := decodeObject(data)
	if err != nil {
		return err
	}
	*m = Meta{}
	if raw, ok := fields.take("tag"); ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &m.Tag); err != nil {
			return fmt.Errorf("tag: %w", err)
		}
	}
	m.extra = fields
	return nil
}

func (m Meta) MarshalJSON() ([]byte, error) {
	typed := map[string]interface{}{}
	if m.Tag != nil {
		typed["tag"] = m.Tag
	}
	return m.extra.marshalWith(typed)
}

func (c *Coding) UnmarshalJSON(data []byte) error {
	fields, err := decodeObject(data)
	if err != nil {
		return err
	}
	*c = Coding{present: presence{}}
	if err := fields.takeString("system", &c.System, c.present); err != nil {
		return err
	}
	if err := fields.takeString("code", &c.Code, c.present); err != nil {
		return err
	}
	if err := fields.takeString("display", &c.Display, c.present); err != nil {
		return err
	}
	c.extra = fields
	return nil
}

func (c Coding) MarshalJSON() ([]byte, error) {
	typed := map[string]interface{}{}
	c.present.put(typed, "system", c.System)
	c.present.put(typed, "code", c.Code)
	c.present.put(typed, "display", c.Display)
	return c.extra.marshalWith(typed)
}

func (r *Reference) UnmarshalJSON(data []byte) error {
	fields, err := decodeObject(data)
	if err != nil {
		return err
	}
	*r = Reference{present: presence{}}
	if err := fields.takeString("reference", &r.Reference, r.present); err != nil {
		return err
	}
	r.extra = fields
	return nil
}

func (r Reference) MarshalJSON() ([]byte, error) {
	typed := map[string]interface{}{}
	r.present.put(typed, "reference", r.Reference)
	return r.extra.marshalWith(typed)
}

// rawFields keeps the members of a JSON object the gateway does not model.
type rawFields map[string]json.RawMessage

func decodeObject(data []byte) (rawFields, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("expected a JSON object")
	}
	var fields rawFields
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func (f rawFields) take(name string) (json.RawMessage, bool) {
	raw, ok := f[name]
	if ok {
		delete(f, name)
	}
	return raw, ok
}

func (f rawFields) takeString(name string, dst *string, seen presence) error {
	raw, ok := f.take(name)
	if !ok || isNull(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%s: must be a string", name)
	}
	seen[name] = true
	return nil
}

// presence records which typed string members were in the decoded object, so
// an explicit "" is written back rather than dropped.
type presence map[string]bool

func (p presence) put(typed map[string]interface{}, name, v string) {
	if v != "" || p[name] {
		typed[name] = v
	}
}

func (f rawFields) marshalWith(typed map[string]interface{}) ([]byte, error) {
	out := make(map[string]interface{}, len(f)+len(typed))
	for k, v := range f {
		out[k] = v
	}
	for k, v := range typed {
		out[k] = v
	}
	return json.Marshal(out)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
