package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cevdata/pdtmatch"
	"github.com/cevdata/pdtmatch/filter"
)

const queryTimeout = 60 * time.Second

type handler struct {
	engine pdtmatch.Engine
}

func newHandler(e pdtmatch.Engine) *handler {
	return &handler{engine: e}
}

// ---------------------------------------------------------------------------
// Filter parsing
// ---------------------------------------------------------------------------

// parseSpec builds a filter from URL query parameters. Unset parameters
// keep their zero value so the engine can apply defaults.
func parseSpec(r *http.Request) (filter.Spec, error) {
	q := r.URL.Query()
	spec := filter.Spec{
		Department:     q.Get("department"),
		Municipality:   q.Get("municipality"),
		ConflictCats:   splitParam(q.Get("conflict")),
		CapacityGroups: splitParam(q.Get("capacity")),
	}

	switch q.Get("territory") {
	case "", "municipality", string(filter.Municipality):
		spec.Territory = filter.Municipality
	case "department", string(filter.Department):
		spec.Territory = filter.Department
	default:
		return spec, fmt.Errorf("unknown territory %q", q.Get("territory"))
	}

	switch q.Get("policy") {
	case "", "included":
		spec.Policy = filter.PolicyIncluded
	case "excluded":
		spec.Policy = filter.PolicyExcluded
	default:
		return spec, fmt.Errorf("unknown policy %q", q.Get("policy"))
	}

	switch q.Get("pdet") {
	case "", "all":
		spec.PDET = filter.PDETAll
	case "only":
		spec.PDET = filter.PDETOnly
	case "excluded":
		spec.PDET = filter.PDETExcluded
	default:
		return spec, fmt.Errorf("unknown pdet %q", q.Get("pdet"))
	}

	var err error
	if spec.Threshold, err = floatParam(q.Get("threshold")); err != nil {
		return spec, fmt.Errorf("threshold: %w", err)
	}
	if spec.PovertyMin, err = floatParam(q.Get("poverty_min")); err != nil {
		return spec, fmt.Errorf("poverty_min: %w", err)
	}
	if spec.PovertyMax, err = floatParam(q.Get("poverty_max")); err != nil {
		return spec, fmt.Errorf("poverty_max: %w", err)
	}

	return spec, nil
}

func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func floatParam(v string) (float64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseFloat(v, 64)
}

func intParam(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// ---------------------------------------------------------------------------
// Aggregation endpoints
// ---------------------------------------------------------------------------

// GET /metadata
func (h *handler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	spec, err := parseSpec(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	m, err := h.engine.Metadata(ctx, spec)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GET /rows?columns=mpio,recommendation_code&limit=500
func (h *handler) handleRows(w http.ResponseWriter, r *http.Request) {
	spec, err := parseSpec(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	projection := splitParam(r.URL.Query().Get("columns"))
	limit := intParam(r.URL.Query().Get("limit"), 0)

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	t, err := h.engine.Rows(ctx, spec, projection, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GET /departments/stats
func (h *handler) handleDepartmentStats(w http.ResponseWriter, r *http.Request) {
	spec, err := parseSpec(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	stats, err := h.engine.DepartmentStats(ctx, spec)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"departments": stats})
}

// GET /ranking?top=20
func (h *handler) handleRanking(w http.ResponseWriter, r *http.Request) {
	spec, err := parseSpec(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	topN := intParam(r.URL.Query().Get("top"), 0)

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	ranking, err := h.engine.Ranking(ctx, spec, topN)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ranking": ranking})
}

// GET /ranking/{name}
func (h *handler) handleRankOf(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	spec, err := parseSpec(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	lookup, err := h.engine.RankOf(ctx, spec, name)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !lookup.Found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%q has no rows under the current filter", name))
		return
	}
	writeJSON(w, http.StatusOK, lookup)
}

// GET /recommendations/top?limit=10
func (h *handler) handleTopRecommendations(w http.ResponseWriter, r *http.Request) {
	spec, err := parseSpec(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := intParam(r.URL.Query().Get("limit"), 0)

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	recs, err := h.engine.TopRecommendations(ctx, spec, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recommendations": recs})
}

// GET /recommendations/{code}/municipalities
func (h *handler) handleRecommendationMunicipalities(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	spec, err := parseSpec(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := intParam(r.URL.Query().Get("limit"), 0)

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	munis, err := h.engine.MunicipalitiesForRecommendation(ctx, spec, code, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"code": code, "municipalities": munis})
}

// GET /recommendations/{code}/paragraphs
func (h *handler) handleParagraphMatches(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	spec, err := parseSpec(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := intParam(r.URL.Query().Get("limit"), 0)

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	matches, err := h.engine.ParagraphMatches(ctx, spec, code, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"code": code, "paragraphs": matches})
}

// ---------------------------------------------------------------------------
// Catalog endpoints
// ---------------------------------------------------------------------------

// GET /catalog/municipalities
func (h *handler) handleMunicipalityCatalog(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	munis, err := h.engine.Municipalities(ctx)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"municipalities": munis})
}

// GET /catalog/departments?territory=department
func (h *handler) handleDepartmentCatalog(w http.ResponseWriter, r *http.Request) {
	territory := filter.Municipality
	if v := r.URL.Query().Get("territory"); v == "department" || v == string(filter.Department) {
		territory = filter.Department
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	depts, err := h.engine.Departments(ctx, territory)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"departments": depts})
}

// GET /catalog/recommendations
func (h *handler) handleRecommendationCatalog(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	recs, err := h.engine.Recommendations(ctx)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recommendations": recs})
}

// ---------------------------------------------------------------------------
// Exports
// ---------------------------------------------------------------------------

// GET /export/xlsx
func (h *handler) handleExportWorkbook(w http.ResponseWriter, r *http.Request) {
	spec, err := parseSpec(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rowLimit := intParam(r.URL.Query().Get("limit"), 0)

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="recomendaciones_pdt.xlsx"`)

	// The workbook streams straight to the client; once bytes are out the
	// status line is committed, so mid-stream failures can only be logged.
	if err := h.engine.ExportWorkbook(r.Context(), spec, rowLimit, w); err != nil {
		slog.Error("workbook export failed", "error", err)
	}
}

// GET /export/csv
func (h *handler) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	spec, err := parseSpec(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	projection := splitParam(r.URL.Query().Get("columns"))
	limit := intParam(r.URL.Query().Get("limit"), 0)

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="recomendaciones_pdt.csv"`)

	if err := h.engine.ExportCSV(r.Context(), spec, projection, limit, w); err != nil {
		slog.Error("csv export failed", "error", err)
	}
}

// ---------------------------------------------------------------------------
// Sessions and health
// ---------------------------------------------------------------------------

// POST /sessions
func (h *handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	s := h.engine.StartSession()
	writeJSON(w, http.StatusCreated, s)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"dataset": h.engine.State().String(),
	})
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps engine sentinels onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pdtmatch.ErrInvalidFilter):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pdtmatch.ErrDataNotFound),
		errors.Is(err, pdtmatch.ErrDataCorrupt),
		errors.Is(err, pdtmatch.ErrFetchFailed),
		errors.Is(err, pdtmatch.ErrDataUnavailable),
		errors.Is(err, pdtmatch.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "query timed out")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
