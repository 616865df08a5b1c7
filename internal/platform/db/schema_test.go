package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractFacilityID_FromHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(FacilityHeader, "stud_farm_north")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if fid := extractFacilityID(c, "default"); fid != "stud_farm_north" {
		t.Errorf("expected stud_farm_north, got %s", fid)
	}
}

func TestExtractFacilityID_FromQuery(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?facility=clinic_2", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if fid := extractFacilityID(c, "default"); fid != "clinic_2" {
		t.Errorf("expected clinic_2, got %s", fid)
	}
}

func TestExtractFacilityID_HeaderBeatsQuery(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?facility=query", nil)
	req.Header.Set(FacilityHeader, "header")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if fid := extractFacilityID(c, "default"); fid != "header" {
		t.Errorf("expected header to win over query, got %s", fid)
	}
}

func TestExtractFacilityID_Default(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if fid := extractFacilityID(c, "default"); fid != "default" {
		t.Errorf("expected default, got %s", fid)
	}
}

func TestFacilityIDPattern(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"abc", true},
		{"stable_1", true},
		{"A1B2", true},
		{"a-b", false},
		{"a.b", false},
		{"a b", false},
		{"'; DROP TABLE", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := facilityIDPattern.MatchString(tt.input); got != tt.valid {
			t.Errorf("facilityIDPattern.MatchString(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestSchemaName(t *testing.T) {
	if got := SchemaName("north"); got != "facility_north" {
		t.Errorf("expected facility_north, got %s", got)
	}
}

func TestCreateFacilitySchema_InvalidID(t *testing.T) {
	for _, id := range []string{"with-dash", "with.dot", "sp ace", "drop;table"} {
		if err := CreateFacilitySchema(context.Background(), nil, id, nil); err == nil {
			t.Errorf("expected error for invalid facility ID %q", id)
		}
	}
}

func TestContextAccessors_Empty(t *testing.T) {
	ctx := context.Background()
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil conn from empty context")
	}
	if TxFromContext(ctx) != nil {
		t.Error("expected nil tx from empty context")
	}
	if fid := FacilityFromContext(ctx); fid != "" {
		t.Errorf("expected empty facility, got %q", fid)
	}
}

func TestContextAccessors_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBConnKey, "not-a-conn")
	ctx = context.WithValue(ctx, DBTxKey, "not-a-tx")
	ctx = context.WithValue(ctx, FacilityIDKey, 12345)
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil conn for wrong type")
	}
	if TxFromContext(ctx) != nil {
		t.Error("expected nil tx for wrong type")
	}
	if fid := FacilityFromContext(ctx); fid != "" {
		t.Errorf("expected empty facility for wrong type, got %q", fid)
	}
}

func TestBeginFacilityTx_RejectsInvalidID(t *testing.T) {
	ctx := context.Background()
	got, tx, err := BeginFacilityTx(ctx, nil, "bad;id")
	if err == nil {
		t.Fatal("expected error for invalid facility id")
	}
	if tx != nil || got != ctx {
		t.Error("expected no transaction and unchanged context on error")
	}
}

func TestContextWithTx_NilTx(t *testing.T) {
	ctx := ContextWithTx(context.Background(), nil)
	if TxFromContext(ctx) != nil {
		t.Error("expected nil tx")
	}
}
