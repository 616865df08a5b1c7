package labqc

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Template categories.
const (
	CategoryHematology   = "hematology"
	CategoryBiochemistry = "biochemistry"
	CategoryInflammation = "inflammation"
	CategorySerology     = "serology"
	CategoryReproduction = "reproduction"
	CategoryQC           = "quality-control"
)

// DefaultCatalog returns the built-in equine template definitions. This is the
// authoritative seed for `templates seed` when no catalog file is given.
func DefaultCatalog() []Template {
	return []Template{
		{
			ID: "equine-cbc", Name: "Equine Complete Blood Count", NameAlt: "صورة الدم الكاملة",
			Category: CategoryHematology, SampleType: "whole-blood-edta",
			Parameters: []Parameter{
				{Name: "RBC", Target: "9.5", Unit: "x10^12/L", ReferenceRange: "6.5-12.5", Tolerance: "±5%"},
				{Name: "Hemoglobin", Target: "15", Unit: "g/dL", ReferenceRange: "11-19", Tolerance: "±3%"},
				{Name: "PCV", Target: "42", Unit: "%", ReferenceRange: "32-53", Tolerance: "±2 units"},
				{Name: "MCV", Target: "48", Unit: "fL", ReferenceRange: "37-59"},
				{Name: "MCHC", Target: "35", Unit: "g/dL", ReferenceRange: "31-39"},
				{Name: "WBC", Target: "9.8", Unit: "x10^9/L", ReferenceRange: "5.4-14.3", Tolerance: "±7%"},
				{Name: "Neutrophils", Target: "5.4", Unit: "x10^9/L", ReferenceRange: "2.3-8.6"},
				{Name: "Lymphocytes", Target: "4.6", Unit: "x10^9/L", ReferenceRange: "1.5-7.7"},
				{Name: "Platelets", Target: "225", Unit: "x10^9/L", ReferenceRange: "100-350", Tolerance: "±10%"},
			},
		},
		{
			ID: "equine-biochem", Name: "Equine Biochemistry Profile", NameAlt: "الكيمياء الحيوية",
			Category: CategoryBiochemistry, SampleType: "serum",
			Parameters: []Parameter{
				{Name: "Total protein", Target: "6.5", Unit: "g/dL", ReferenceRange: "5.2-7.9"},
				{Name: "Albumin", Target: "3.1", Unit: "g/dL", ReferenceRange: "2.6-3.7"},
				{Name: "Globulin", Target: "3.3", Unit: "g/dL", ReferenceRange: "2.6-4.0"},
				{Name: "AST", Target: "296", Unit: "U/L", ReferenceRange: "226-366", Tolerance: "±10%"},
				{Name: "GGT", Target: "24", Unit: "U/L", ReferenceRange: "4-44"},
				{Name: "CK", Target: "203", Unit: "U/L", ReferenceRange: "119-287"},
				{Name: "Creatinine", Target: "1.5", Unit: "mg/dL", ReferenceRange: "1.2-1.9", Tolerance: "±0.1 mg/dL"},
				{Name: "BUN", Target: "17", Unit: "mg/dL", ReferenceRange: "10-24"},
				{Name: "Glucose", Target: "98", Unit: "mg/dL", ReferenceRange: "62-134", Tolerance: "±6%"},
				{Name: "Total bilirubin", Target: "1.6", Unit: "mg/dL", ReferenceRange: "0-3.2"},
			},
		},
		{
			ID: "equine-inflammatory", Name: "Inflammatory Markers", NameAlt: "مؤشرات الالتهاب",
			Category: CategoryInflammation, SampleType: "plasma-citrate",
			Parameters: []Parameter{
				{Name: "Fibrinogen", Target: "250", Unit: "mg/dL", ReferenceRange: "100-400"},
				{Name: "Serum amyloid A", Target: "0", Unit: "µg/mL", ReferenceRange: "0-20"},
			},
		},
		{
			ID: "equine-infectious", Name: "Infectious Disease Screen", NameAlt: "الأمراض المعدية",
			Category: CategorySerology, SampleType: "serum",
			Parameters: []Parameter{
				{Name: "EIA (Coggins)", Target: "Negative", ReferenceRange: "Negative"},
				{Name: "EHV-1 PCR", Target: "Negative", ReferenceRange: "Negative"},
				{Name: "Strangles (S. equi) ELISA", Target: "Negative", ReferenceRange: "Negative"},
			},
		},
		{
			ID: "stallion-semen", Name: "Stallion Semen Evaluation", NameAlt: "تقييم السائل المنوي",
			Category: CategoryReproduction, SampleType: "semen",
			Parameters: []Parameter{
				{Name: "Gel-free volume", Target: "60", Unit: "mL", ReferenceRange: "30-100"},
				{Name: "Concentration", Target: "200", Unit: "x10^6/mL", ReferenceRange: "100-350"},
				{Name: "Total motility", Target: "75", Unit: "%", ReferenceRange: "60-90", Tolerance: "±5%"},
				{Name: "Progressive motility", Target: "60", Unit: "%", ReferenceRange: "40-80", Tolerance: "±5%"},
				{Name: "Normal morphology", Target: "65", Unit: "%", ReferenceRange: "50-80"},
				{Name: "pH", Target: "7.4", ReferenceRange: "7.2-7.7"},
			},
		},
		{
			ID: "qc-chem-level1", Name: "Chemistry Control Level 1", NameAlt: "مراقبة الجودة",
			Category: CategoryQC, SampleType: "control-material",
			Parameters: []Parameter{
				{Name: "Glucose", Target: "95", Unit: "mg/dL", ReferenceRange: "89-101", Tolerance: "±2SD"},
				{Name: "Creatinine", Target: "1.0", Unit: "mg/dL", ReferenceRange: "0.9-1.1", Tolerance: "±2SD"},
				{Name: "Total protein", Target: "5.5", Unit: "g/dL", ReferenceRange: "5.2-5.8", Tolerance: "±2SD"},
			},
		},
	}
}

// ValidateTemplates checks ids are present and unique, and parameter names are
// unique within each template.
func ValidateTemplates(templates []Template) error {
	seen := make(map[string]bool, len(templates))
	for i, t := range templates {
		if t.ID == "" {
			return fmt.Errorf("template at index %d: id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("template %s: duplicate id", t.ID)
		}
		seen[t.ID] = true
		if t.Name == "" {
			return fmt.Errorf("template %s: name is required", t.ID)
		}
		names := make(map[string]bool, len(t.Parameters))
		for _, p := range t.Parameters {
			if p.Name == "" {
				return fmt.Errorf("template %s: parameter name is required", t.ID)
			}
			if names[p.Name] {
				return fmt.Errorf("template %s: duplicate parameter %q", t.ID, p.Name)
			}
			names[p.Name] = true
		}
	}
	return nil
}

type catalogFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadCatalogFile reads a YAML document with a top-level `templates` list.
func LoadCatalogFile(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) ([]Template, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := ValidateTemplates(f.Templates); err != nil {
		return nil, err
	}
	return f.Templates, nil
}

// CatalogSource serves templates from memory.
type CatalogSource struct {
	order []string
	byID  map[string]Template
}

func NewCatalogSource(templates []Template) (*CatalogSource, error) {
	if err := ValidateTemplates(templates); err != nil {
		return nil, err
	}
	s := &CatalogSource{byID: make(map[string]Template, len(templates))}
	for _, t := range templates {
		s.order = append(s.order, t.ID)
		s.byID[t.ID] = t
	}
	return s, nil
}

func (s *CatalogSource) GetAllTemplates(_ context.Context) ([]Template, error) {
	out := make([]Template, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out, nil
}

func (s *CatalogSource) GetTemplateByID(_ context.Context, id string) (*Template, bool, error) {
	t, ok := s.byID[id]
	if !ok {
		return nil, false, nil
	}
	return &t, true, nil
}

// SeedTemplates upserts every template into repo.
func SeedTemplates(ctx context.Context, repo TemplateRepository, templates []Template) (int, error) {
	if err := ValidateTemplates(templates); err != nil {
		return 0, err
	}
	n := 0
	for i := range templates {
		if err := repo.Upsert(ctx, &templates[i]); err != nil {
			return n, fmt.Errorf("seed template %s: %w", templates[i].ID, err)
		}
		n++
	}
	return n, nil
}
