package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// SearchBundleParams holds pagination and link information for a search bundle.
type SearchBundleParams struct {
	BaseURL  string
	QueryStr string
	Count    int
	Offset   int
	Total    int
}

// NewSearchBundle creates a single-page searchset Bundle. Entries whose
// resource has no id get no fullUrl.
func NewSearchBundle(resources []interface{}, total int, baseURL string) *Bundle {
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    now(),
		Link:         []BundleLink{{Relation: "self", URL: baseURL}},
		Entry:        searchEntries(resources),
	}
}

// NewSearchBundleWithLinks creates a searchset Bundle with self, next and
// previous links computed from params.
func NewSearchBundleWithLinks(resources []interface{}, params SearchBundleParams) *Bundle {
	total := params.Total
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    now(),
		Link:         buildPaginationLinks(params),
		Entry:        searchEntries(resources),
	}
}

func now() *time.Time {
	t := time.Now().UTC()
	return &t
}

func searchEntries(resources []interface{}) []BundleEntry {
	entries := make([]BundleEntry, 0, len(resources))
	for _, r := range resources {
		raw, err := json.Marshal(r)
		if err != nil {
			continue
		}
		entries = append(entries, BundleEntry{
			FullURL:  extractFullURL(raw),
			Resource: raw,
			Search:   &BundleSearch{Mode: "match"},
		})
	}
	return entries
}

// extractFullURL builds "ResourceType/id" from an encoded resource.
func extractFullURL(raw []byte) string {
	var head struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	if head.ResourceType == "" || head.ID == "" {
		return ""
	}
	return FormatReference(head.ResourceType, head.ID)
}

func buildPaginationLinks(params SearchBundleParams) []BundleLink {
	page := func(offset int) string {
		return fmt.Sprintf("%s?%s_count=%d&_offset=%d", params.BaseURL, conditionalAmpersand(params.QueryStr), params.Count, offset)
	}

	links := []BundleLink{{Relation: "self", URL: page(params.Offset)}}

	if next := params.Offset + params.Count; next < params.Total {
		links = append(links, BundleLink{Relation: "next", URL: page(next)})
	}
	if params.Offset > 0 {
		prev := params.Offset - params.Count
		if prev < 0 {
			prev = 0
		}
		links = append(links, BundleLink{Relation: "previous", URL: page(prev)})
	}
	return links
}

func conditionalAmpersand(qs string) string {
	if qs == "" {
		return ""
	}
	return qs + "&"
}
