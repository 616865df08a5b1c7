package labqc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stablehand/labqc/pkg/pagination"
)

// DefaultSchemaVersion is the association entry version written by this build.
// Entries carrying any other version are treated as absent.
const DefaultSchemaVersion = 1

// Service owns association bookkeeping and result-form materialization.
type Service struct {
	templates     TemplateSource
	store         AssociationStore
	logger        zerolog.Logger
	schemaVersion int
	now           func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithSchemaVersion sets the association entry version the service writes and
// accepts. Non-positive values keep DefaultSchemaVersion.
func WithSchemaVersion(v int) Option {
	return func(s *Service) {
		if v > 0 {
			s.schemaVersion = v
		}
	}
}

// WithLogger sets the logger used for dropped templates and store failures.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService builds a Service over a template source and an association store.
func NewService(templates TemplateSource, store AssociationStore, opts ...Option) *Service {
	s := &Service{
		templates:     templates,
		store:         store,
		logger:        zerolog.Nop(),
		schemaVersion: DefaultSchemaVersion,
		now:           time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SaveAssociation replaces the template set for recordID. Duplicate ids are
// dropped, keeping the first occurrence. Concurrent saves for the same record
// are last-write-wins.
func (s *Service) SaveAssociation(ctx context.Context, recordID string, templateIDs []string) error {
	if recordID == "" {
		return ErrInvalidRecordID
	}
	raw, err := encodeAssociation(dedupe(templateIDs), s.schemaVersion, s.now())
	if err != nil {
		return fmt.Errorf("encode association for %s: %w", recordID, err)
	}
	if err := s.store.Set(ctx, recordID, raw); err != nil {
		return fmt.Errorf("save association for %s: %w", recordID, err)
	}
	return nil
}

// ClearAssociation removes any association for recordID. Clearing an absent
// record is not an error.
func (s *Service) ClearAssociation(ctx context.Context, recordID string) error {
	if recordID == "" {
		return ErrInvalidRecordID
	}
	if err := s.store.Delete(ctx, recordID); err != nil {
		return fmt.Errorf("clear association for %s: %w", recordID, err)
	}
	return nil
}

// LoadAssociation never returns an error: a missing, stale, malformed or
// unreadable entry is reported through LoadResult.Success and LoadResult.Error.
func (s *Service) LoadAssociation(ctx context.Context, recordID string) LoadResult {
	res, outcome := s.loadAssociation(ctx, recordID)
	associationLoadsTotal.WithLabelValues(outcome).Inc()
	return res
}

func (s *Service) loadAssociation(ctx context.Context, recordID string) (LoadResult, string) {
	fail := func(msg string) LoadResult {
		return LoadResult{Success: false, TemplateIDs: []string{}, Error: msg}
	}
	if recordID == "" {
		return fail(ErrInvalidRecordID.Error()), "invalid"
	}

	raw, ok, err := s.store.Get(ctx, recordID)
	if err != nil {
		s.logger.Warn().Err(err).Str("record_id", recordID).Msg("association store read failed")
		return fail(fmt.Sprintf("failed to read association for %s: %v", recordID, err)), "error"
	}
	if !ok {
		return fail(fmt.Sprintf("no templates associated with record %s", recordID)), "absent"
	}

	a, err := decodeAssociation(raw, s.schemaVersion)
	if errors.Is(err, errStaleAssociation) {
		s.logger.Info().Err(err).Str("record_id", recordID).Msg("ignoring association from older schema")
		return fail(fmt.Sprintf("association for %s was saved by an older schema and must be re-selected", recordID)), "stale"
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("record_id", recordID).Msg("unusable association entry")
		return fail(fmt.Sprintf("association for %s is unreadable: %v", recordID, err)), "error"
	}
	return LoadResult{Success: true, TemplateIDs: dedupe(a.TemplateIDs)}, "found"
}

// MaterializeRows builds one empty row per parameter, in parameter order.
func (s *Service) MaterializeRows(t Template) []ResultRow {
	return MaterializeRows(t)
}

// MaterializeRows is the stateless form of Service.MaterializeRows.
func MaterializeRows(t Template) []ResultRow {
	rows := make([]ResultRow, 0, len(t.Parameters))
	for _, p := range t.Parameters {
		rows = append(rows, newRow(p.Name, "", p.Unit, p.ReferenceRange, t.ID))
	}
	return rows
}

// ResolveTemplates looks up each id in order. Ids the lookup does not know are
// skipped and logged; the result never has more entries than ids.
func (s *Service) ResolveTemplates(ctx context.Context, ids []string, lookup TemplateLookup) []Template {
	out, _ := s.resolve(ctx, ids, func(id string) (Template, bool, error) {
		t, ok := lookup(id)
		return t, ok, nil
	})
	return out
}

// resolve is ResolveTemplates over a fallible lookup. The first lookup error
// stops resolution; ids after it are neither resolved nor counted as dropped.
func (s *Service) resolve(ctx context.Context, ids []string, lookup func(id string) (Template, bool, error)) ([]Template, error) {
	out := make([]Template, 0, len(ids))
	for _, id := range ids {
		t, ok, err := lookup(id)
		if err != nil {
			return nil, fmt.Errorf("look up template %s: %w", id, err)
		}
		if !ok {
			droppedTemplatesTotal.Inc()
			s.logger.Warn().Str("template_id", id).Msg("template not found, skipping")
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// OpenResultForm assembles the result-entry rows for recordID from its
// associated templates. A record without an association yields an empty form
// whose Message explains why; only a template source failure is an error.
func (s *Service) OpenResultForm(ctx context.Context, recordID string) (*ResultForm, error) {
	form := &ResultForm{RecordID: recordID, TemplateIDs: []string{}, Rows: []ResultRow{}}

	loaded := s.LoadAssociation(ctx, recordID)
	if !loaded.Success {
		form.Message = loaded.Error
		return form, nil
	}

	resolved, err := s.resolve(ctx, loaded.TemplateIDs, func(id string) (Template, bool, error) {
		t, ok, err := s.templates.GetTemplateByID(ctx, id)
		if err != nil || !ok {
			return Template{}, false, err
		}
		return *t, true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolve templates for %s: %w", recordID, err)
	}
	for _, t := range resolved {
		form.TemplateIDs = append(form.TemplateIDs, t.ID)
		form.Rows = append(form.Rows, MaterializeRows(t)...)
	}
	if dropped := len(loaded.TemplateIDs) - len(resolved); dropped > 0 {
		form.Message = fmt.Sprintf("%d associated template(s) could not be found", dropped)
	}
	return form, nil
}

// RowInput is a client-submitted row for stateless evaluation.
type RowInput struct {
	Name           string `json:"name"`
	Value          string `json:"value"`
	Unit           string `json:"unit"`
	ReferenceRange string `json:"reference_range"`
	TemplateID     string `json:"template_id"`
}

// EvaluateRow builds one evaluated row and records it in the evaluation metrics.
func (s *Service) EvaluateRow(in RowInput) ResultRow {
	row, ev := classifyRow(in.Name, in.Value, in.Unit, in.ReferenceRange, in.TemplateID)
	recordEvaluation(ev)
	return row
}

// EvaluateRows is EvaluateRow over a batch, preserving order.
func (s *Service) EvaluateRows(inputs []RowInput) []ResultRow {
	rows := make([]ResultRow, 0, len(inputs))
	for _, in := range inputs {
		rows = append(rows, s.EvaluateRow(in))
	}
	return rows
}

// GetTemplate returns ErrTemplateNotFound when the source does not know id.
func (s *Service) GetTemplate(ctx context.Context, id string) (*Template, error) {
	t, ok, err := s.templates.GetTemplateByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTemplateNotFound
	}
	return t, nil
}

type templateSearcher interface {
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]Template, int, error)
}

// SearchTemplates filters by "category" and "sample_type". Sources without a
// native search are filtered in memory.
func (s *Service) SearchTemplates(ctx context.Context, params map[string]string, limit, offset int) ([]Template, int, error) {
	if ts, ok := s.templates.(templateSearcher); ok {
		return ts.Search(ctx, params, limit, offset)
	}
	all, err := s.templates.GetAllTemplates(ctx)
	if err != nil {
		return nil, 0, err
	}
	var matched []Template
	for _, t := range all {
		if v, ok := params["category"]; ok && t.Category != v {
			continue
		}
		if v, ok := params["sample_type"]; ok && t.SampleType != v {
			continue
		}
		matched = append(matched, t)
	}
	return pagination.Page(matched, limit, offset), len(matched), nil
}
