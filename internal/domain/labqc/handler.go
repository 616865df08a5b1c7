package labqc

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/stablehand/labqc/internal/platform/fhir"
	"github.com/stablehand/labqc/pkg/pagination"
)

// Handler serves the lab REST API and its read-only FHIR projection.
type Handler struct {
	svc *Service
}

// NewHandler creates a Handler backed by svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the /lab routes on api and the FHIR routes on fhirGroup.
func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	lab := api.Group("/lab")
	lab.GET("/templates", h.ListTemplates)
	lab.GET("/templates/:id", h.GetTemplate)
	lab.GET("/samples/:id/templates", h.LoadAssociation)
	lab.PUT("/samples/:id/templates", h.SaveAssociation)
	lab.DELETE("/samples/:id/templates", h.ClearAssociation)
	lab.GET("/samples/:id/result-form", h.OpenResultForm)
	lab.POST("/evaluate", h.EvaluateRows)

	fhirGroup.GET("/metadata", h.CapabilityStatement)
	fhirGroup.GET("/PlanDefinition", h.SearchPlanDefinitionsFHIR)
	fhirGroup.GET("/PlanDefinition/:id", h.GetPlanDefinitionFHIR)
	fhirGroup.GET("/Observation", h.SearchObservationsFHIR)
	fhirGroup.GET("/Observation/$evaluate", h.EvaluateObservationFHIR)
}

func templateSearchParams(c echo.Context) map[string]string {
	params := map[string]string{}
	for _, k := range []string{"category", "sample_type"} {
		if v := c.QueryParam(k); v != "" {
			params[k] = v
		}
	}
	return params
}

// -- REST --

// ListTemplates returns a page of templates filtered by category and sample_type.
func (h *Handler) ListTemplates(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.SearchTemplates(c.Request().Context(), templateSearchParams(c), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []Template{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetTemplate(c echo.Context) error {
	t, err := h.svc.GetTemplate(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrTemplateNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "template not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, t)
}

// LoadAssociation answers 200 even when nothing is associated; the body's
// success flag carries the outcome.
func (h *Handler) LoadAssociation(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.LoadAssociation(c.Request().Context(), c.Param("id")))
}

type saveAssociationRequest struct {
	TemplateIDs []string `json:"template_ids"`
}

// SaveAssociation replaces the sample's templates and echoes the stored set.
func (h *Handler) SaveAssociation(c echo.Context) error {
	var req saveAssociationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.TemplateIDs == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "template_ids is required")
	}
	ctx := c.Request().Context()
	if err := h.svc.SaveAssociation(ctx, c.Param("id"), req.TemplateIDs); err != nil {
		if errors.Is(err, ErrInvalidRecordID) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, h.svc.LoadAssociation(ctx, c.Param("id")))
}

func (h *Handler) ClearAssociation(c echo.Context) error {
	if err := h.svc.ClearAssociation(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrInvalidRecordID) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type resultFormResponse struct {
	*ResultForm
	Summary FormSummary `json:"summary"`
}

func (h *Handler) OpenResultForm(c echo.Context) error {
	form, err := h.svc.OpenResultForm(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, resultFormResponse{ResultForm: form, Summary: form.Summary()})
}

type evaluateRequest struct {
	Rows []RowInput `json:"rows"`
}

type evaluateResponse struct {
	Rows    []ResultRow `json:"rows"`
	Summary FormSummary `json:"summary"`
}

func (h *Handler) EvaluateRows(c echo.Context) error {
	var req evaluateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	form := ResultForm{Rows: h.svc.EvaluateRows(req.Rows)}
	return c.JSON(http.StatusOK, evaluateResponse{Rows: form.Rows, Summary: form.Summary()})
}

// -- FHIR --

func (h *Handler) CapabilityStatement(c echo.Context) error {
	observation := fhir.CSResource{
		Type:        "Observation",
		Interaction: []fhir.CSInteraction{{Code: "search-type"}},
		SearchParam: []fhir.CSSearchParam{{Name: "specimen", Type: "reference"}},
	}
	return c.JSON(http.StatusOK, fhir.NewCapabilityStatement("/fhir", "Equine laboratory result entry",
		[]fhir.CSResource{
			fhir.ReadOnlyCapability("PlanDefinition",
				fhir.CSSearchParam{Name: "category", Type: "token"},
				fhir.CSSearchParam{Name: "sample_type", Type: "token"}),
			observation,
		},
		fhir.CSOperation{Name: "evaluate", Definition: "/fhir/Observation/$evaluate"},
	))
}

func (h *Handler) SearchPlanDefinitionsFHIR(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.SearchTemplates(c.Request().Context(), templateSearchParams(c), pg.Limit, pg.Offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	resources := make([]interface{}, len(items))
	for i, item := range items {
		resources[i] = item.ToFHIR()
	}
	return c.JSON(http.StatusOK, fhir.NewSearchBundleWithLinks(resources, fhir.SearchBundleParams{
		BaseURL:  "/fhir/PlanDefinition",
		QueryStr: encodeParams(templateSearchParams(c)),
		Count:    pg.Limit,
		Offset:   pg.Offset,
		Total:    total,
	}))
}

func (h *Handler) GetPlanDefinitionFHIR(c echo.Context) error {
	t, err := h.svc.GetTemplate(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrTemplateNotFound) {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("PlanDefinition", c.Param("id")))
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, t.ToFHIR())
}

// SearchObservationsFHIR renders the result form of ?specimen= as a bundle of
// preliminary Observations. Rows carry positional ids within the specimen.
func (h *Handler) SearchObservationsFHIR(c echo.Context) error {
	specimen := c.QueryParam("specimen")
	if specimen == "" {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("the specimen search parameter is required"))
	}
	form, err := h.svc.OpenResultForm(c.Request().Context(), specimen)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	resources := make([]interface{}, 0, len(form.Rows))
	for i, row := range form.Rows {
		obs := row.ToFHIR(specimen)
		obs["id"] = fmt.Sprintf("%s-%d", specimen, i+1)
		resources = append(resources, obs)
	}
	if form.Message != "" {
		c.Response().Header().Set("Warning", fmt.Sprintf("199 - %q", form.Message))
	}
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(resources, len(resources), "/fhir/Observation?specimen="+url.QueryEscape(specimen)))
}

// EvaluateObservationFHIR grades one value and returns it as an Observation.
func (h *Handler) EvaluateObservationFHIR(c echo.Context) error {
	name := c.QueryParam("code")
	if name == "" {
		name = "result"
	}
	row := h.svc.EvaluateRow(RowInput{
		Name:           name,
		Value:          c.QueryParam("value"),
		Unit:           c.QueryParam("unit"),
		ReferenceRange: c.QueryParam("reference"),
	})
	return c.JSON(http.StatusOK, row.ToFHIR(""))
}

func encodeParams(params map[string]string) string {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	return q.Encode()
}
