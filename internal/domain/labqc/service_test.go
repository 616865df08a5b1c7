package labqc

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func newTestService(t *testing.T, opts ...Option) (*Service, AssociationStore) {
	t.Helper()
	src, err := NewCatalogSource(DefaultCatalog())
	if err != nil {
		t.Fatal(err)
	}
	store := NewMemoryAssociationStore()
	return NewService(src, store, opts...), store
}

type failingStore struct{ err error }

func (f failingStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, f.err }
func (f failingStore) Set(context.Context, string, []byte) error         { return f.err }
func (f failingStore) Delete(context.Context, string) error              { return f.err }

type failingSource struct{ err error }

func (f failingSource) GetAllTemplates(context.Context) ([]Template, error) { return nil, f.err }
func (f failingSource) GetTemplateByID(context.Context, string) (*Template, bool, error) {
	return nil, false, f.err
}

func TestMaterializeRows(t *testing.T) {
	tpl := DefaultCatalog()[0]
	rows := MaterializeRows(tpl)
	if len(rows) != len(tpl.Parameters) {
		t.Fatalf("expected %d rows, got %d", len(tpl.Parameters), len(rows))
	}
	for i, r := range rows {
		p := tpl.Parameters[i]
		if r.Name() != p.Name || r.Unit() != p.Unit || r.ReferenceRange() != p.ReferenceRange {
			t.Errorf("row %d does not mirror parameter %+v", i, p)
		}
		if r.Value() != "" || r.Status() != StatusNormal {
			t.Errorf("row %d should start empty and normal, got %q/%s", i, r.Value(), r.Status())
		}
		if r.TemplateID() != tpl.ID {
			t.Errorf("row %d: expected template id %s, got %s", i, tpl.ID, r.TemplateID())
		}
	}

	if rows := MaterializeRows(Template{ID: "empty"}); rows == nil || len(rows) != 0 {
		t.Errorf("expected empty non-nil rows for parameterless template, got %#v", rows)
	}
}

func TestResolveTemplates_SkipsUnknown(t *testing.T) {
	var buf bytes.Buffer
	svc, _ := newTestService(t, WithLogger(zerolog.New(&buf)))
	lookup := LookupFromSlice([]Template{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}})

	before := testutil.ToFloat64(droppedTemplatesTotal)
	got := svc.ResolveTemplates(context.Background(), []string{"a", "missing", "b"}, lookup)

	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("expected [a b], got %+v", got)
	}
	if d := testutil.ToFloat64(droppedTemplatesTotal) - before; d != 1 {
		t.Errorf("expected one dropped template counted, got %v", d)
	}
	if !strings.Contains(buf.String(), `"template_id":"missing"`) {
		t.Errorf("expected warning naming the missing template, got %s", buf.String())
	}

	if got := svc.ResolveTemplates(context.Background(), nil, lookup); got == nil || len(got) != 0 {
		t.Errorf("expected empty result for no ids, got %#v", got)
	}
}

func TestLoadAssociation_Absent(t *testing.T) {
	svc, _ := newTestService(t)
	before := testutil.ToFloat64(associationLoadsTotal.WithLabelValues("absent"))

	res := svc.LoadAssociation(context.Background(), "S-404")
	if res.Success {
		t.Fatal("expected failure for unknown record")
	}
	if res.TemplateIDs == nil || len(res.TemplateIDs) != 0 {
		t.Errorf("expected empty non-nil ids, got %#v", res.TemplateIDs)
	}
	if res.Error != "no templates associated with record S-404" {
		t.Errorf("unexpected message %q", res.Error)
	}
	if d := testutil.ToFloat64(associationLoadsTotal.WithLabelValues("absent")) - before; d != 1 {
		t.Errorf("expected absent outcome counted once, got %v", d)
	}
}

func TestAssociation_RoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.SaveAssociation(ctx, "S-1", []string{"equine-biochem", "equine-cbc", "equine-biochem"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	res := svc.LoadAssociation(ctx, "S-1")
	if !res.Success || res.Error != "" {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(res.TemplateIDs) != 2 || res.TemplateIDs[0] != "equine-biochem" || res.TemplateIDs[1] != "equine-cbc" {
		t.Errorf("expected de-duplicated order preserved, got %v", res.TemplateIDs)
	}

	if err := svc.SaveAssociation(ctx, "S-1", []string{"stallion-semen"}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if res := svc.LoadAssociation(ctx, "S-1"); len(res.TemplateIDs) != 1 || res.TemplateIDs[0] != "stallion-semen" {
		t.Errorf("expected wholesale overwrite, got %v", res.TemplateIDs)
	}

	if err := svc.ClearAssociation(ctx, "S-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if res := svc.LoadAssociation(ctx, "S-1"); res.Success {
		t.Error("expected cleared association to be absent")
	}
}

func TestAssociation_SaveEmptyList(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.SaveAssociation(ctx, "S-2", nil); err != nil {
		t.Fatal(err)
	}
	res := svc.LoadAssociation(ctx, "S-2")
	if !res.Success || len(res.TemplateIDs) != 0 {
		t.Errorf("expected successful empty association, got %+v", res)
	}
}

func TestAssociation_RecordIDRequired(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.SaveAssociation(ctx, "", []string{"a"}); !errors.Is(err, ErrInvalidRecordID) {
		t.Errorf("expected ErrInvalidRecordID from save, got %v", err)
	}
	if err := svc.ClearAssociation(ctx, ""); !errors.Is(err, ErrInvalidRecordID) {
		t.Errorf("expected ErrInvalidRecordID from clear, got %v", err)
	}
	if res := svc.LoadAssociation(ctx, ""); res.Success {
		t.Error("expected load with empty id to fail")
	}
}

func TestLoadAssociation_StaleVersion(t *testing.T) {
	src, _ := NewCatalogSource(DefaultCatalog())
	store := NewMemoryAssociationStore()
	ctx := context.Background()

	v1 := NewService(src, store)
	if err := v1.SaveAssociation(ctx, "S-3", []string{"equine-cbc"}); err != nil {
		t.Fatal(err)
	}

	v2 := NewService(src, store, WithSchemaVersion(2))
	res := v2.LoadAssociation(ctx, "S-3")
	if res.Success {
		t.Fatal("expected entry from older schema to be ignored")
	}
	if !strings.Contains(res.Error, "older schema") || len(res.TemplateIDs) != 0 {
		t.Errorf("unexpected stale result %+v", res)
	}
}

func TestLoadAssociation_MalformedEntry(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	if err := store.Set(ctx, "S-4", []byte(`["equine-cbc"]`)); err != nil {
		t.Fatal(err)
	}
	res := svc.LoadAssociation(ctx, "S-4")
	if res.Success || !strings.Contains(res.Error, "unreadable") {
		t.Errorf("expected unreadable result, got %+v", res)
	}
}

func TestAssociation_StoreFailure(t *testing.T) {
	src, _ := NewCatalogSource(DefaultCatalog())
	svc := NewService(src, failingStore{err: errors.New("connection reset")})
	ctx := context.Background()

	if err := svc.SaveAssociation(ctx, "S-5", []string{"a"}); err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("expected wrapped store error, got %v", err)
	}
	res := svc.LoadAssociation(ctx, "S-5")
	if res.Success || !strings.Contains(res.Error, "connection reset") {
		t.Errorf("expected failed load carrying the cause, got %+v", res)
	}
}

func TestOpenResultForm(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if err := svc.SaveAssociation(ctx, "S-6", []string{"equine-inflammatory", "retired-panel", "qc-chem-level1"}); err != nil {
		t.Fatal(err)
	}

	form, err := svc.OpenResultForm(ctx, "S-6")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(form.TemplateIDs) != 2 || form.TemplateIDs[0] != "equine-inflammatory" || form.TemplateIDs[1] != "qc-chem-level1" {
		t.Errorf("unexpected resolved templates %v", form.TemplateIDs)
	}
	if len(form.Rows) != 5 {
		t.Fatalf("expected 2+3 rows, got %d", len(form.Rows))
	}
	if form.Rows[0].Name() != "Fibrinogen" || form.Rows[2].Name() != "Glucose" || form.Rows[2].TemplateID() != "qc-chem-level1" {
		t.Errorf("rows not in template then parameter order: %s, %s", form.Rows[0].Name(), form.Rows[2].Name())
	}
	if form.Message != "1 associated template(s) could not be found" {
		t.Errorf("unexpected message %q", form.Message)
	}
}

func TestOpenResultForm_NoAssociation(t *testing.T) {
	svc, _ := newTestService(t)
	form, err := svc.OpenResultForm(context.Background(), "S-7")
	if err != nil {
		t.Fatal(err)
	}
	if len(form.Rows) != 0 || form.Rows == nil {
		t.Errorf("expected empty rows, got %#v", form.Rows)
	}
	if form.Message == "" {
		t.Error("expected message explaining the empty form")
	}
}

func TestOpenResultForm_SourceFailure(t *testing.T) {
	store := NewMemoryAssociationStore()
	svc := NewService(failingSource{err: errors.New("relation lab_template does not exist")}, store)
	ctx := context.Background()
	if err := svc.SaveAssociation(ctx, "S-8", []string{"equine-cbc"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.OpenResultForm(ctx, "S-8"); err == nil {
		t.Error("expected template source failure to surface")
	}
}

func TestOpenResultForm_SourceFailureDropsNothing(t *testing.T) {
	var logs bytes.Buffer
	svc := NewService(failingSource{err: errors.New("down")}, NewMemoryAssociationStore(),
		WithLogger(zerolog.New(&logs)))
	ctx := context.Background()
	if err := svc.SaveAssociation(ctx, "S-9", []string{"equine-cbc", "equine-biochem", "stallion-semen"}); err != nil {
		t.Fatal(err)
	}

	before := testutil.ToFloat64(droppedTemplatesTotal)
	_, err := svc.OpenResultForm(ctx, "S-9")
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("expected source error, got %v", err)
	}
	if delta := testutil.ToFloat64(droppedTemplatesTotal) - before; delta != 0 {
		t.Errorf("expected no dropped templates on source failure, counted %v", delta)
	}
	if strings.Contains(logs.String(), "template not found") {
		t.Errorf("source failure logged as a missing template:\n%s", logs.String())
	}
}

func TestEvaluateRows(t *testing.T) {
	svc, _ := newTestService(t)
	before := testutil.ToFloat64(evaluationsTotal.WithLabelValues(string(StatusCriticalHigh), "true"))

	rows := svc.EvaluateRows([]RowInput{
		{Name: "Glucose", Value: "300", Unit: "mg/dL", ReferenceRange: "62-134"},
		{Name: "EHV-1 PCR", Value: "Positive", ReferenceRange: "Negative"},
	})
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Status() != StatusCriticalHigh || rows[1].Status() != StatusNormal {
		t.Errorf("unexpected statuses %s, %s", rows[0].Status(), rows[1].Status())
	}
	if d := testutil.ToFloat64(evaluationsTotal.WithLabelValues(string(StatusCriticalHigh), "true")) - before; d != 1 {
		t.Errorf("expected one critical evaluation counted, got %v", d)
	}
}

func TestGetTemplate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tpl, err := svc.GetTemplate(ctx, "equine-cbc")
	if err != nil || tpl.ID != "equine-cbc" {
		t.Fatalf("unexpected %+v %v", tpl, err)
	}
	if _, err := svc.GetTemplate(ctx, "nope"); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestSearchTemplates_InMemory(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	items, total, err := svc.SearchTemplates(ctx, map[string]string{"sample_type": "serum"}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(items) != 2 {
		t.Errorf("expected 2 serum templates, got %d/%d", len(items), total)
	}

	items, total, _ = svc.SearchTemplates(ctx, map[string]string{}, 2, 4)
	if total != len(DefaultCatalog()) || len(items) != 2 || items[0].ID != "stallion-semen" {
		t.Errorf("unexpected page %d items, total %d", len(items), total)
	}
}

func TestService_SchemaVersionOption(t *testing.T) {
	svc, _ := newTestService(t, WithSchemaVersion(0))
	if svc.schemaVersion != DefaultSchemaVersion {
		t.Errorf("expected non-positive version to be ignored, got %d", svc.schemaVersion)
	}
	svc.now = func() time.Time { return time.Unix(0, 0) }
	if err := svc.SaveAssociation(context.Background(), "S-9", []string{"a"}); err != nil {
		t.Fatal(err)
	}
}

func TestEvaluateRow_StatusMatchesRecordedEvaluation(t *testing.T) {
	svc, _ := newTestService(t)
	counted := evaluationsTotal.WithLabelValues(string(StatusNormal), "false")
	before := testutil.ToFloat64(counted)

	row := svc.EvaluateRow(RowInput{Name: "Glucose", Value: "pending", Unit: "mg/dL", ReferenceRange: "62-134"})
	if row.Status() != StatusNormal || row.Value() != "pending" {
		t.Errorf("unexpected row %+v", row)
	}
	if d := testutil.ToFloat64(counted) - before; d != 1 {
		t.Errorf("expected one defaulted evaluation counted, got %v", d)
	}
}
