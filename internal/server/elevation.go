// Package server exposes the resolver over HTTP as a small JSON API.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/MeKo-Tech/terrapoint/internal/resolver"
	"github.com/MeKo-Tech/terrapoint/internal/types"
)

// ElevationConfig tunes the HTTP layer.
type ElevationConfig struct {
	MaxBatchPoints int
	BatchTimeout   time.Duration
	CacheControl   string
}

// Elevation is the HTTP handler set over one Selector.
type Elevation struct {
	sel    *resolver.Selector
	cfg    ElevationConfig
	logger *slog.Logger
}

// NewElevation creates the handler set.
func NewElevation(sel *resolver.Selector, cfg ElevationConfig, logger *slog.Logger) *Elevation {
	if cfg.MaxBatchPoints <= 0 {
		cfg.MaxBatchPoints = 1000
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Second
	}
	if cfg.CacheControl == "" {
		cfg.CacheControl = "no-store"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Elevation{sel: sel, cfg: cfg, logger: logger}
}

// Routes registers all endpoints on the mux.
func (e *Elevation) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/v1/status", withCORS(http.HandlerFunc(e.handleStatus)))
	mux.Handle("/v1/point", withCORS(http.HandlerFunc(e.handlePoint)))
	mux.Handle("/v1/batch", withCORS(http.HandlerFunc(e.handleBatch)))
	mux.Handle("/v1/line", withCORS(http.HandlerFunc(e.handleLine)))
	mux.Handle("/v1/path", withCORS(http.HandlerFunc(e.handlePath)))
	mux.Handle("/v1/grid", withCORS(http.HandlerFunc(e.handleGrid)))
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (e *Elevation) handleStatus(w http.ResponseWriter, r *http.Request) {
	e.writeJSON(w, r, http.StatusOK, e.sel.Status())
}

func (e *Elevation) handlePoint(w http.ResponseWriter, r *http.Request) {
	lat, err := parseCoord(r.URL.Query().Get("lat"), -90, 90, "lat")
	if err != nil {
		e.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	lon, err := parseCoord(r.URL.Query().Get("lon"), -180, 180, "lon")
	if err != nil {
		e.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	q := types.Query{
		Lat:               lat,
		Lon:               lon,
		PreferredProvider: r.URL.Query().Get("provider"),
	}
	res, err := e.sel.Resolve(r.Context(), q)
	if err != nil {
		e.writeResolveError(w, r, err)
		return
	}
	e.writeJSON(w, r, http.StatusOK, res)
}

type batchRequest struct {
	Points []types.Point `json:"points"`
}

type batchResponse struct {
	Results []types.Result `json:"results"`
}

func (e *Elevation) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !e.decodeBody(w, r, &req) {
		return
	}
	if len(req.Points) > e.cfg.MaxBatchPoints {
		e.writeError(w, r, http.StatusBadRequest,
			fmt.Errorf("batch of %d points exceeds limit %d", len(req.Points), e.cfg.MaxBatchPoints))
		return
	}
	for i, p := range req.Points {
		if err := validatePoint(p, fmt.Sprintf("points[%d]", i)); err != nil {
			e.writeError(w, r, http.StatusBadRequest, err)
			return
		}
	}

	results, err := e.sel.ResolveMany(r.Context(), req.Points, e.batchDeadline())
	if err != nil {
		e.writeResolveError(w, r, err)
		return
	}
	e.writeJSON(w, r, http.StatusOK, batchResponse{Results: results})
}

type lineRequest struct {
	Start   types.Point `json:"start"`
	End     types.Point `json:"end"`
	Samples int         `json:"samples"`
}

func (e *Elevation) handleLine(w http.ResponseWriter, r *http.Request) {
	var req lineRequest
	if !e.decodeBody(w, r, &req) {
		return
	}
	if err := validatePoint(req.Start, "start"); err != nil {
		e.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := validatePoint(req.End, "end"); err != nil {
		e.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	results, err := e.sel.ResolveLine(r.Context(), req.Start, req.End, req.Samples, e.batchDeadline())
	if err != nil {
		e.writeResolveError(w, r, err)
		return
	}
	e.writeJSON(w, r, http.StatusOK, batchResponse{Results: results})
}

type pathRequest struct {
	Points  []types.Point `json:"points"`
	Samples int           `json:"samples"`
}

func (e *Elevation) handlePath(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if !e.decodeBody(w, r, &req) {
		return
	}
	for i, p := range req.Points {
		if err := validatePoint(p, fmt.Sprintf("points[%d]", i)); err != nil {
			e.writeError(w, r, http.StatusBadRequest, err)
			return
		}
	}

	results, err := e.sel.ResolvePath(r.Context(), req.Points, req.Samples, e.batchDeadline())
	if err != nil {
		e.writeResolveError(w, r, err)
		return
	}
	e.writeJSON(w, r, http.StatusOK, batchResponse{Results: results})
}

type gridRequest struct {
	BBox types.BoundingBox `json:"bbox"`
	Rows int               `json:"rows"`
	Cols int               `json:"cols"`
}

func (e *Elevation) handleGrid(w http.ResponseWriter, r *http.Request) {
	var req gridRequest
	if !e.decodeBody(w, r, &req) {
		return
	}
	if req.BBox.MinLat > req.BBox.MaxLat || req.BBox.MinLon > req.BBox.MaxLon {
		e.writeError(w, r, http.StatusBadRequest, fmt.Errorf("bbox min exceeds max"))
		return
	}
	if err := validatePoint(types.Point{Lat: req.BBox.MinLat, Lon: req.BBox.MinLon}, "bbox"); err != nil {
		e.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := validatePoint(types.Point{Lat: req.BBox.MaxLat, Lon: req.BBox.MaxLon}, "bbox"); err != nil {
		e.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	results, err := e.sel.ResolveGrid(r.Context(), req.BBox, req.Rows, req.Cols, e.batchDeadline())
	if err != nil {
		e.writeResolveError(w, r, err)
		return
	}
	e.writeJSON(w, r, http.StatusOK, batchResponse{Results: results})
}

func (e *Elevation) batchDeadline() time.Time {
	return time.Now().Add(e.cfg.BatchTimeout)
}

// decodeBody parses a JSON POST body, rejecting other methods and
// malformed or oversized payloads.
func (e *Elevation) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		e.writeError(w, r, http.StatusMethodNotAllowed, fmt.Errorf("use POST"))
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		e.writeError(w, r, http.StatusBadRequest, fmt.Errorf("bad request body: %w", err))
		return false
	}
	return true
}

// writeResolveError maps pipeline failures to HTTP statuses. Sampling
// shape errors (bad sample counts, degenerate geometry) surface from the
// resolver as plain errors and map to 400.
func (e *Elevation) writeResolveError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, types.ErrOverloaded):
		e.writeError(w, r, http.StatusServiceUnavailable, err)
	case errors.Is(err, types.ErrTimeout):
		e.writeError(w, r, http.StatusGatewayTimeout, err)
	case errors.Is(err, types.ErrOutOfBounds):
		e.writeError(w, r, http.StatusInternalServerError, err)
	case types.Transient(err):
		e.writeError(w, r, http.StatusBadGateway, err)
	default:
		e.writeError(w, r, http.StatusBadRequest, err)
	}
}

func (e *Elevation) writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	reqID := uuid.NewString()
	if code >= 500 {
		e.logger.Error("request failed",
			"request_id", reqID, "path", r.URL.Path, "status", code, "err", err)
	} else {
		e.logger.Debug("request rejected",
			"request_id", reqID, "path", r.URL.Path, "status", code, "err", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", reqID)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":      err.Error(),
		"request_id": reqID,
	})
}

func (e *Elevation) writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", e.cfg.CacheControl)
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		e.logger.Error("failed to encode response", "path", r.URL.Path, "err", err)
	}
}

func parseCoord(raw string, lo, hi float64, name string) (float64, error) {
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q", name, raw)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%s %g outside [%g, %g]", name, v, lo, hi)
	}
	return v, nil
}

func validatePoint(p types.Point, name string) error {
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%s: lat %g outside [-90, 90]", name, p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%s: lon %g outside [-180, 180]", name, p.Lon)
	}
	return nil
}
