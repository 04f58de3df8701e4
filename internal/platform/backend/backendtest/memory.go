// Package backendtest provides an in-memory FHIR backend for tests.
package backendtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/ehr/fhir-gateway/internal/platform/backend"
	"github.com/ehr/fhir-gateway/internal/platform/fhir"
)

// Call records one request made against a Memory backend.
type Call struct {
	Op           string
	ResourceType string
	ID           string
	Params       url.Values
	Body         []byte
}

// Memory is a concurrency safe, in-memory backend.Client. It supports the
// search parameters the gateway sends: _tag, identifier and patient. Other
// parameters are accepted and ignored.
type Memory struct {
	mu     sync.Mutex
	nextID int
	order  []string
	store  map[string]*fhir.Resource
	calls  []Call
	errs   map[string]error
}

var _ backend.Client = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		store: make(map[string]*fhir.Resource),
		errs:  make(map[string]error),
	}
}

// FailOn makes every subsequent call of op ("create", "read", "search",
// "update") return err. A nil err clears the failure.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, op)
		return
	}
	m.errs[op] = err
}

// Calls returns a copy of the recorded calls.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsOf returns the recorded calls of a single op.
func (m *Memory) CallsOf(op string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Put stores r directly, bypassing call recording. r.ID is assigned when
// empty. It returns the stored id.
func (m *Memory) Put(r *fhir.Resource) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(r)
}

// Get returns the stored resource, or nil.
func (m *Memory) Get(resourceType, id string) *fhir.Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store[key(resourceType, id)]
}

func (m *Memory) Create(_ context.Context, resourceType string, body []byte) (*backend.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(Call{Op: "create", ResourceType: resourceType, Body: body})
	if err := m.errs["create"]; err != nil {
		return nil, err
	}

	r, err := fhir.ParseResource(body)
	if err != nil {
		return nil, upstream(http.MethodPost, resourceType, http.StatusBadRequest)
	}
	if r.ResourceType != resourceType {
		return nil, upstream(http.MethodPost, resourceType, http.StatusBadRequest)
	}
	r.ID = ""
	m.put(r)
	return respond(http.StatusCreated, r)
}

func (m *Memory) Read(_ context.Context, resourceType, id string) (*backend.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(Call{Op: "read", ResourceType: resourceType, ID: id})
	if err := m.errs["read"]; err != nil {
		return nil, err
	}

	r, ok := m.store[key(resourceType, id)]
	if !ok {
		return nil, upstream(http.MethodGet, resourceType+"/"+id, http.StatusNotFound)
	}
	return respond(http.StatusOK, r)
}

func (m *Memory) Search(_ context.Context, resourceType string, params url.Values) (*backend.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(Call{Op: "search", ResourceType: resourceType, Params: cloneValues(params)})
	if err := m.errs["search"]; err != nil {
		return nil, err
	}

	var matches []*fhir.Resource
	for _, k := range m.order {
		r := m.store[k]
		if r.ResourceType != resourceType {
			continue
		}
		if matchesAll(r, params) {
			matches = append(matches, r)
		}
	}
	return respond(http.StatusOK, fhir.NewSearchBundle(matches, "http://backend.test/fhir"))
}

func (m *Memory) Update(_ context.Context, resourceType, id string, body []byte) (*backend.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(Call{Op: "update", ResourceType: resourceType, ID: id, Body: body})
	if err := m.errs["update"]; err != nil {
		return nil, err
	}

	r, err := fhir.ParseResource(body)
	if err != nil || r.ResourceType != resourceType {
		return nil, upstream(http.MethodPut, resourceType+"/"+id, http.StatusBadRequest)
	}
	r.ID = id
	status := http.StatusOK
	if _, exists := m.store[key(resourceType, id)]; !exists {
		status = http.StatusCreated
	}
	m.put(r)
	return respond(status, r)
}

func (m *Memory) put(r *fhir.Resource) string {
	if r.ID == "" {
		m.nextID++
		r.ID = strconv.Itoa(m.nextID)
	}
	k := key(r.ResourceType, r.ID)
	if _, exists := m.store[k]; !exists {
		m.order = append(m.order, k)
	}
	m.store[k] = r
	return r.ID
}

func (m *Memory) record(c Call) {
	m.calls = append(m.calls, c)
}

func key(resourceType, id string) string {
	return resourceType + "/" + id
}

func respond(status int, v interface{}) (*backend.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &backend.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/fhir+json"}},
		Body:       body,
	}, nil
}

func upstream(method, path string, status int) *backend.UpstreamError {
	return &backend.UpstreamError{
		Method:     method,
		Path:       path,
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Body:       []byte(`{"resourceType":"OperationOutcome"}`),
	}
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func matchesAll(r *fhir.Resource, params url.Values) bool {
	for name, values := range params {
		for _, v := range values {
			switch name {
			case "_tag":
				if !matchTag(r, v) {
					return false
				}
			case "identifier":
				if !matchIdentifier(r, v) {
					return false
				}
			case "patient", "subject":
				if !matchSubject(r, v) {
					return false
				}
			}
		}
	}
	return true
}

func matchTag(r *fhir.Resource, token string) bool {
	if r.Meta == nil {
		return false
	}
	system, code, hasSystem := strings.Cut(token, "|")
	for _, t := range r.Meta.Tag {
		if hasSystem && t.System == system && t.Code == code {
			return true
		}
		if !hasSystem && t.Code == token {
			return true
		}
	}
	return false
}

type identifier struct {
	System string `json:"system"`
	Value  string `json:"value"`
}

func matchIdentifier(r *fhir.Resource, token string) bool {
	raw, ok := r.Field("identifier")
	if !ok {
		return false
	}
	var ids []identifier
	if err := json.Unmarshal(raw, &ids); err != nil {
		return false
	}
	system, value, hasSystem := strings.Cut(token, "|")
	for _, id := range ids {
		if hasSystem && id.System == system && id.Value == value {
			return true
		}
		if !hasSystem && id.Value == token {
			return true
		}
	}
	return false
}

func matchSubject(r *fhir.Resource, v string) bool {
	if r.Subject == nil {
		return false
	}
	ref := r.Subject.Reference
	return ref == v || ref == "Patient/"+v
}
