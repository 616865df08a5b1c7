package fhir

import "time"

// CapabilityStatement represents the FHIR CapabilityStatement (metadata).
type CapabilityStatement struct {
	ResourceType   string            `json:"resourceType"`
	Status         string            `json:"status"`
	Date           string            `json:"date"`
	Kind           string            `json:"kind"`
	FHIRVersion    string            `json:"fhirVersion"`
	Format         []string          `json:"format"`
	Implementation *CSImplementation `json:"implementation,omitempty"`
	Rest           []CSRest          `json:"rest"`
}

type CSImplementation struct {
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

type CSRest struct {
	Mode      string        `json:"mode"`
	Resource  []CSResource  `json:"resource"`
	Operation []CSOperation `json:"operation,omitempty"`
}

type CSResource struct {
	Type        string          `json:"type"`
	Interaction []CSInteraction `json:"interaction"`
	SearchParam []CSSearchParam `json:"searchParam,omitempty"`
}

type CSInteraction struct {
	Code string `json:"code"`
}

type CSSearchParam struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type CSOperation struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

// NewCapabilityStatement describes a read-only server exposing resources.
func NewCapabilityStatement(baseURL, description string, resources []CSResource, ops ...CSOperation) *CapabilityStatement {
	return &CapabilityStatement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		Date:         time.Now().UTC().Format("2006-01-02"),
		Kind:         "instance",
		FHIRVersion:  "4.0.1",
		Format:       []string{"json"},
		Implementation: &CSImplementation{
			Description: description,
			URL:         baseURL,
		},
		Rest: []CSRest{{Mode: "server", Resource: resources, Operation: ops}},
	}
}

// ReadOnlyCapability declares read and search-type for resourceType.
func ReadOnlyCapability(resourceType string, searchParams ...CSSearchParam) CSResource {
	return CSResource{
		Type:        resourceType,
		Interaction: []CSInteraction{{Code: "read"}, {Code: "search-type"}},
		SearchParam: searchParams,
	}
}
