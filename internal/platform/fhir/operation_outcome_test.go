package fhir

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestOutcomes_HaveErrorSeverity(t *testing.T) {
	cases := map[string]*OperationOutcome{
		IssueTypeThrottled: ThrottleOutcome(),
		IssueTypeTimeout:   TimeoutOutcome(),
		IssueTypeTooCostly: TooLargeOutcome(1024),
	}
	for code, oo := range cases {
		if oo.ResourceType != "OperationOutcome" {
			t.Errorf("%s: expected OperationOutcome, got %s", code, oo.ResourceType)
		}
		if len(oo.Issue) != 1 || oo.Issue[0].Severity != IssueSeverityError {
			t.Errorf("%s: expected one error issue, got %+v", code, oo.Issue)
			continue
		}
		if oo.Issue[0].Code != code {
			t.Errorf("expected code %s, got %s", code, oo.Issue[0].Code)
		}
	}
}

func TestTooLargeOutcome_NamesLimit(t *testing.T) {
	oo := TooLargeOutcome(10 << 20)
	if !strings.Contains(oo.Issue[0].Diagnostics, "10485760 bytes") {
		t.Errorf("unexpected diagnostics %q", oo.Issue[0].Diagnostics)
	}
}

func TestNewOperationOutcome_JSON(t *testing.T) {
	data, err := json.Marshal(NewOperationOutcome(IssueSeverityInformation, IssueTypeTimeout, ""))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "diagnostics") || strings.Contains(string(data), "expression") {
		t.Errorf("empty members must be omitted: %s", data)
	}
}
