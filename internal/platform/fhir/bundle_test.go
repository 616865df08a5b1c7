package fhir

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewSearchBundle(t *testing.T) {
	resources := []interface{}{
		map[string]interface{}{"resourceType": "PlanDefinition", "id": "equine-cbc"},
		map[string]interface{}{"resourceType": "Observation"},
	}
	b := NewSearchBundle(resources, 2, "/fhir/PlanDefinition")

	if b.ResourceType != "Bundle" || b.Type != "searchset" {
		t.Errorf("unexpected bundle header %s/%s", b.ResourceType, b.Type)
	}
	if b.Total == nil || *b.Total != 2 {
		t.Errorf("expected total 2, got %v", b.Total)
	}
	if len(b.Entry) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(b.Entry))
	}
	if b.Entry[0].FullURL != "PlanDefinition/equine-cbc" {
		t.Errorf("expected fullUrl PlanDefinition/equine-cbc, got %q", b.Entry[0].FullURL)
	}
	if b.Entry[1].FullURL != "" {
		t.Errorf("expected no fullUrl without id, got %q", b.Entry[1].FullURL)
	}
	if b.Entry[0].Search == nil || b.Entry[0].Search.Mode != "match" {
		t.Error("expected search mode match")
	}
	if len(b.Link) != 1 || b.Link[0].Relation != "self" {
		t.Errorf("expected a single self link, got %+v", b.Link)
	}
}

func TestNewSearchBundle_Empty(t *testing.T) {
	b := NewSearchBundle(nil, 0, "/fhir/Observation")
	if *b.Total != 0 {
		t.Errorf("expected total 0, got %d", *b.Total)
	}
	raw, err := json.Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), `"entry"`) {
		t.Errorf("expected entry to be omitted for empty bundle: %s", raw)
	}
}

func TestNewSearchBundleWithLinks_Pages(t *testing.T) {
	tests := []struct {
		name      string
		offset    int
		wantRels  []string
		wantFirst string
	}{
		{"first page", 0, []string{"self", "next"}, "/fhir/PlanDefinition?category=hematology&_count=2&_offset=0"},
		{"middle page", 2, []string{"self", "next", "previous"}, "/fhir/PlanDefinition?category=hematology&_count=2&_offset=2"},
		{"last page", 4, []string{"self", "previous"}, "/fhir/PlanDefinition?category=hematology&_count=2&_offset=4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewSearchBundleWithLinks(nil, SearchBundleParams{
				BaseURL: "/fhir/PlanDefinition", QueryStr: "category=hematology",
				Count: 2, Offset: tt.offset, Total: 5,
			})
			if len(b.Link) != len(tt.wantRels) {
				t.Fatalf("expected links %v, got %+v", tt.wantRels, b.Link)
			}
			for i, rel := range tt.wantRels {
				if b.Link[i].Relation != rel {
					t.Errorf("link %d: expected %s, got %s", i, rel, b.Link[i].Relation)
				}
			}
			if b.Link[0].URL != tt.wantFirst {
				t.Errorf("expected self %q, got %q", tt.wantFirst, b.Link[0].URL)
			}
		})
	}
}

func TestBuildPaginationLinks_PreviousClampsToZero(t *testing.T) {
	links := buildPaginationLinks(SearchBundleParams{BaseURL: "/x", Count: 10, Offset: 3, Total: 5})
	last := links[len(links)-1]
	if last.Relation != "previous" || last.URL != "/x?_count=10&_offset=0" {
		t.Errorf("unexpected previous link %+v", last)
	}
}

func TestOutcomes(t *testing.T) {
	nf := NotFoundOutcome("PlanDefinition", "nope")
	if nf.Issue[0].Code != "not-found" || nf.Issue[0].Diagnostics != "PlanDefinition/nope not found" {
		t.Errorf("unexpected not-found outcome %+v", nf.Issue[0])
	}
	if InvalidOutcome("bad").Issue[0].Code != "invalid" {
		t.Error("expected invalid code")
	}
	if InformationOutcome("empty").Issue[0].Severity != "information" {
		t.Error("expected information severity")
	}
}

func TestNewCapabilityStatement(t *testing.T) {
	cs := NewCapabilityStatement("/fhir", "lab", []CSResource{ReadOnlyCapability("PlanDefinition", CSSearchParam{Name: "category", Type: "token"})})
	if cs.FHIRVersion != "4.0.1" || cs.Kind != "instance" {
		t.Errorf("unexpected statement header %+v", cs)
	}
	res := cs.Rest[0].Resource[0]
	if res.Type != "PlanDefinition" || len(res.Interaction) != 2 {
		t.Errorf("unexpected resource %+v", res)
	}
}
