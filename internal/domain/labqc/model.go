package labqc

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/stablehand/labqc/internal/platform/fhir"
)

// Template maps to the lab_template table. Parameters are stored as JSONB and
// their order is significant.
type Template struct {
	RowID      uuid.UUID   `json:"-" yaml:"-"`
	ID         string      `json:"id" yaml:"id"`
	Name       string      `json:"name" yaml:"name"`
	NameAlt    string      `json:"name_alt,omitempty" yaml:"name_alt"`
	Category   string      `json:"category" yaml:"category"`
	SampleType string      `json:"sample_type" yaml:"sample_type"`
	Parameters []Parameter `json:"parameters" yaml:"parameters"`
	CreatedAt  time.Time   `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt  time.Time   `json:"updated_at,omitempty" yaml:"-"`
}

// Parameter is one expected measurement of a template.
type Parameter struct {
	Name           string `json:"name" yaml:"name"`
	Target         string `json:"target,omitempty" yaml:"target"`
	Unit           string `json:"unit,omitempty" yaml:"unit"`
	ReferenceRange string `json:"reference_range" yaml:"reference_range"`
	Tolerance      string `json:"tolerance,omitempty" yaml:"tolerance"`
}

// Association is the ordered set of templates selected for a record.
type Association struct {
	RecordID    string    `json:"record_id"`
	TemplateIDs []string  `json:"template_ids"`
	Version     int       `json:"version"`
	SavedAt     time.Time `json:"saved_at"`
}

// LoadResult is returned by Service.LoadAssociation. Success is false for a
// record with no usable association; Error then says why.
type LoadResult struct {
	Success     bool     `json:"success"`
	TemplateIDs []string `json:"template_ids"`
	Error       string   `json:"error,omitempty"`
}

// ResultRow is one editable parameter line of a result-entry form. The status
// is private: it only changes through SetValue, which re-runs the evaluator.
type ResultRow struct {
	name           string
	value          string
	unit           string
	referenceRange string
	status         Status
	templateID     string
}

func newRow(name, value, unit, reference, templateID string) ResultRow {
	row, _ := classifyRow(name, value, unit, reference, templateID)
	return row
}

// classifyRow builds a row and returns the evaluation its status came from.
func classifyRow(name, value, unit, reference, templateID string) (ResultRow, Evaluation) {
	ev := Classify(value, reference)
	return ResultRow{
		name:           name,
		value:          value,
		unit:           unit,
		referenceRange: reference,
		status:         ev.Status,
		templateID:     templateID,
	}, ev
}

// NewAdHocRow builds a row added directly by a user, outside any template.
func NewAdHocRow(name, unit, reference string) ResultRow {
	return newRow(name, "", unit, reference, "")
}

func (r ResultRow) Name() string           { return r.name }
func (r ResultRow) Value() string          { return r.value }
func (r ResultRow) Unit() string           { return r.unit }
func (r ResultRow) ReferenceRange() string { return r.referenceRange }
func (r ResultRow) Status() Status         { return r.status }

// TemplateID returns the originating template, or "" for ad-hoc rows.
func (r ResultRow) TemplateID() string { return r.templateID }

// SetValue records a new measured value and recomputes the status.
func (r *ResultRow) SetValue(v string) {
	r.value = v
	r.status = Evaluate(v, r.referenceRange)
}

type resultRowJSON struct {
	Name           string `json:"name"`
	Value          string `json:"value"`
	Unit           string `json:"unit"`
	ReferenceRange string `json:"reference_range"`
	Status         Status `json:"status"`
	TemplateID     string `json:"template_id,omitempty"`
}

func (r ResultRow) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultRowJSON{
		Name:           r.name,
		Value:          r.value,
		Unit:           r.unit,
		ReferenceRange: r.referenceRange,
		Status:         r.status,
		TemplateID:     r.templateID,
	})
}

// UnmarshalJSON accepts a row from a client. Any status in the payload is
// ignored and recomputed from value and reference range.
func (r *ResultRow) UnmarshalJSON(b []byte) error {
	var in struct {
		Name           string `json:"name"`
		Value          string `json:"value"`
		Unit           string `json:"unit"`
		ReferenceRange string `json:"reference_range"`
		TemplateID     string `json:"template_id"`
	}
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*r = newRow(in.Name, in.Value, in.Unit, in.ReferenceRange, in.TemplateID)
	return nil
}

// ToFHIR renders the row as a FHIR Observation with an interpretation coding.
func (r ResultRow) ToFHIR(recordID string) map[string]interface{} {
	code, display := r.status.Interpretation()
	result := map[string]interface{}{
		"resourceType": "Observation",
		"status":       "preliminary",
		"code":         fhir.CodeableConcept{Text: r.name},
		"interpretation": []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: InterpretationSystem, Code: code, Display: display}},
			Text:   string(r.status),
		}},
	}
	if recordID != "" {
		result["specimen"] = fhir.Reference{Reference: fhir.FormatReference("Specimen", recordID)}
	}
	if r.value != "" {
		if v, ok := parseNumber(r.value); ok {
			result["valueQuantity"] = fhir.Quantity{Value: v, Unit: r.unit}
		} else {
			result["valueString"] = r.value
		}
	}
	if band, ok := ParseReference(r.referenceRange); ok {
		result["referenceRange"] = []fhir.Range{{
			Low:  &fhir.Quantity{Value: band.Min, Unit: r.unit},
			High: &fhir.Quantity{Value: band.Max, Unit: r.unit},
		}}
	} else if r.referenceRange != "" {
		result["referenceRange"] = []map[string]string{{"text": r.referenceRange}}
	}
	if r.templateID != "" {
		result["basedOn"] = []fhir.Reference{{Reference: fhir.FormatReference("PlanDefinition", r.templateID)}}
	}
	return result
}

// ToFHIR renders the template as a PlanDefinition with one action per
// parameter, in parameter order.
func (t Template) ToFHIR() map[string]interface{} {
	actions := make([]map[string]interface{}, 0, len(t.Parameters))
	for _, p := range t.Parameters {
		a := map[string]interface{}{
			"title": p.Name,
			"code":  []fhir.CodeableConcept{{Text: p.Name}},
		}
		var ext []fhir.Extension
		if p.ReferenceRange != "" {
			ext = append(ext, fhir.Extension{URL: "reference-range", ValueString: p.ReferenceRange})
		}
		if p.Unit != "" {
			ext = append(ext, fhir.Extension{URL: "unit", ValueString: p.Unit})
		}
		if p.Target != "" {
			ext = append(ext, fhir.Extension{URL: "target", ValueString: p.Target})
		}
		if p.Tolerance != "" {
			ext = append(ext, fhir.Extension{URL: "tolerance", ValueString: p.Tolerance})
		}
		if len(ext) > 0 {
			a["extension"] = ext
		}
		actions = append(actions, a)
	}

	result := map[string]interface{}{
		"resourceType": "PlanDefinition",
		"id":           t.ID,
		"name":         t.ID,
		"title":        t.Name,
		"status":       "active",
		"type": fhir.CodeableConcept{Coding: []fhir.Coding{{
			System: "http://terminology.hl7.org/CodeSystem/plan-definition-type",
			Code:   "order-set",
		}}},
		"topic":  []fhir.CodeableConcept{{Text: t.Category}},
		"action": actions,
	}
	if t.SampleType != "" {
		result["subtitle"] = t.SampleType
	}
	if t.NameAlt != "" {
		result["_title"] = map[string]interface{}{
			"extension": []fhir.Extension{{URL: "http://hl7.org/fhir/StructureDefinition/translation", ValueString: t.NameAlt}},
		}
	}
	if !t.UpdatedAt.IsZero() {
		result["meta"] = fhir.Meta{LastUpdated: t.UpdatedAt}
	}
	return result
}

// ResultForm is the materialized row set for one record.
type ResultForm struct {
	RecordID    string      `json:"record_id"`
	TemplateIDs []string    `json:"template_ids"`
	Rows        []ResultRow `json:"rows"`
	Message     string      `json:"message,omitempty"`
}

// SetValue updates the value of row i. It reports false when i is out of range.
func (f *ResultForm) SetValue(i int, v string) bool {
	if i < 0 || i >= len(f.Rows) {
		return false
	}
	f.Rows[i].SetValue(v)
	return true
}

func (f *ResultForm) AddRow(r ResultRow) {
	f.Rows = append(f.Rows, r)
}

// FormSummary counts rows per status.
type FormSummary struct {
	Counts      map[Status]int `json:"counts"`
	Abnormal    int            `json:"abnormal"`
	HasCritical bool           `json:"has_critical"`
}

func (f *ResultForm) Summary() FormSummary {
	s := FormSummary{Counts: make(map[Status]int, len(AllStatuses))}
	for _, r := range f.Rows {
		s.Counts[r.status]++
		if r.status != StatusNormal {
			s.Abnormal++
		}
		if r.status.IsCritical() {
			s.HasCritical = true
		}
	}
	return s
}
