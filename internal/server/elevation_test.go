package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MeKo-Tech/terrapoint/internal/catalog"
	"github.com/MeKo-Tech/terrapoint/internal/config"
	"github.com/MeKo-Tech/terrapoint/internal/reliability"
	"github.com/MeKo-Tech/terrapoint/internal/resolver"
	"github.com/MeKo-Tech/terrapoint/internal/scoring"
	"github.com/MeKo-Tech/terrapoint/internal/spatial"
	"github.com/MeKo-Tech/terrapoint/internal/types"
)

// echoAPI answers every point with its own latitude.
type echoAPI struct{}

func (echoAPI) Point(_ context.Context, lat, _ float64) (*float64, error) {
	v := lat
	return &v, nil
}

func (echoAPI) Batch(_ context.Context, points []types.Point) ([]*float64, error) {
	out := make([]*float64, len(points))
	for i, p := range points {
		v := p.Lat
		out[i] = &v
	}
	return out, nil
}

func (echoAPI) Remaining() int64 { return 500 }

// newTestServer stands up the handler set over an API-only selector with
// an empty catalog. The registry is returned so tests can exhaust the
// admission gate.
func newTestServer(t *testing.T, cfg ElevationConfig) (*httptest.Server, *reliability.Registry) {
	t.Helper()

	idx := spatial.NewIndex(&catalog.Artifact{
		SchemaVersion: 1,
		Grid:          catalog.Grid{CellDeg: 1, Cells: map[string][]string{}},
		Datasets:      map[string]*catalog.Dataset{},
	})
	scorer, err := scoring.New(scoring.DefaultWeights(), nil)
	if err != nil {
		t.Fatalf("scorer: %v", err)
	}

	pc := config.Provider{ID: "api", Kind: config.KindHTTPAPI, Priority: 10, Timeout: time.Second}
	guards := reliability.NewRegistry([]config.Provider{pc}, config.Breaker{
		Window: 30 * time.Second, MinSamples: 5, ErrorRatio: 0.5, CoolOff: 30 * time.Second,
	}, config.Concurrency{PerProviderInFlight: 8, GlobalHighWater: 4}, nil)

	sel := resolver.NewSelector(idx, scorer, []resolver.Provider{
		{Config: pc, API: echoAPI{}},
	}, guards, nil, 4, nil)

	mux := http.NewServeMux()
	NewElevation(sel, cfg, nil).Routes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, guards
}

func getJSON(t *testing.T, url string, dst any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if dst != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, ElevationConfig{})

	resp := getJSON(t, srv.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestPoint_OK(t *testing.T) {
	srv, _ := newTestServer(t, ElevationConfig{CacheControl: "max-age=60"})

	var res types.Result
	resp := getJSON(t, srv.URL+"/v1/point?lat=12.5&lon=34", &res)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if res.ElevationM == nil || *res.ElevationM != 12.5 {
		t.Errorf("Expected elevation 12.5, got %v", res.ElevationM)
	}
	if res.ProviderUsed != "api" {
		t.Errorf("Expected provider api, got %s", res.ProviderUsed)
	}
	if res.CRS != "EPSG:4326" {
		t.Errorf("Expected EPSG:4326, got %s", res.CRS)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "max-age=60" {
		t.Errorf("Expected configured Cache-Control, got %q", cc)
	}
}

func TestPoint_Validation(t *testing.T) {
	srv, _ := newTestServer(t, ElevationConfig{})

	tests := []struct {
		name  string
		query string
	}{
		{"missing lat", "lon=34"},
		{"missing lon", "lat=12"},
		{"lat out of range", "lat=91&lon=34"},
		{"lon out of range", "lat=12&lon=181"},
		{"non-numeric", "lat=twelve&lon=34"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := getJSON(t, srv.URL+"/v1/point?"+tt.query, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", resp.StatusCode)
			}
			if resp.Header.Get("X-Request-Id") == "" {
				t.Error("Expected a request id on error responses")
			}
		})
	}
}

func TestBatch_OK(t *testing.T) {
	srv, _ := newTestServer(t, ElevationConfig{})

	resp := postJSON(t, srv.URL+"/v1/batch",
		`{"points":[{"lat":1,"lon":10},{"lat":2,"lon":20}]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Results []types.Result `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(body.Results))
	}
	for i, want := range []float64{1, 2} {
		if body.Results[i].ElevationM == nil || *body.Results[i].ElevationM != want {
			t.Errorf("Result %d = %v, want %g", i, body.Results[i].ElevationM, want)
		}
	}
}

func TestBatch_Rejections(t *testing.T) {
	srv, _ := newTestServer(t, ElevationConfig{MaxBatchPoints: 2})

	tests := []struct {
		name string
		body string
		code int
	}{
		{"over cap", `{"points":[{"lat":1,"lon":1},{"lat":2,"lon":2},{"lat":3,"lon":3}]}`, http.StatusBadRequest},
		{"bad point", `{"points":[{"lat":99,"lon":1}]}`, http.StatusBadRequest},
		{"unknown field", `{"coords":[]}`, http.StatusBadRequest},
		{"malformed json", `{"points":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/v1/batch", tt.body)
			resp.Body.Close()
			if resp.StatusCode != tt.code {
				t.Errorf("Expected %d, got %d", tt.code, resp.StatusCode)
			}
		})
	}

	// Batch is POST only.
	resp := getJSON(t, srv.URL+"/v1/batch", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET, got %d", resp.StatusCode)
	}
}

func TestLine_OK(t *testing.T) {
	srv, _ := newTestServer(t, ElevationConfig{})

	resp := postJSON(t, srv.URL+"/v1/line",
		`{"start":{"lat":0,"lon":0},"end":{"lat":10,"lon":0},"samples":3}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Results []types.Result `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Results) != 3 {
		t.Fatalf("Expected 3 samples, got %d", len(body.Results))
	}
	if *body.Results[0].ElevationM != 0 || *body.Results[2].ElevationM != 10 {
		t.Errorf("Expected endpoint elevations 0 and 10, got %v and %v",
			*body.Results[0].ElevationM, *body.Results[2].ElevationM)
	}
}

func TestLine_BadSampleCount(t *testing.T) {
	srv, _ := newTestServer(t, ElevationConfig{})

	resp := postJSON(t, srv.URL+"/v1/line",
		`{"start":{"lat":0,"lon":0},"end":{"lat":1,"lon":1},"samples":1}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for samples=1, got %d", resp.StatusCode)
	}
}

func TestGrid_BadBox(t *testing.T) {
	srv, _ := newTestServer(t, ElevationConfig{})

	resp := postJSON(t, srv.URL+"/v1/grid",
		`{"bbox":{"min_lat":5,"max_lat":1,"min_lon":0,"max_lon":1},"rows":2,"cols":2}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for inverted bbox, got %d", resp.StatusCode)
	}
}

func TestStatus_OK(t *testing.T) {
	srv, _ := newTestServer(t, ElevationConfig{})

	var st resolver.Status
	resp := getJSON(t, srv.URL+"/v1/status", &st)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if len(st.Providers) != 1 || st.Providers[0].ID != "api" {
		t.Fatalf("Expected the api provider, got %+v", st.Providers)
	}
	if st.Providers[0].QuotaRemaining == nil || *st.Providers[0].QuotaRemaining != 500 {
		t.Errorf("Expected quota 500, got %v", st.Providers[0].QuotaRemaining)
	}
}

func TestOverloadedMapsTo503(t *testing.T) {
	srv, guards := newTestServer(t, ElevationConfig{})

	// Fill the global admission gate.
	var releases []func()
	for {
		rel, err := guards.Admit()
		if err != nil {
			break
		}
		releases = append(releases, rel)
	}
	defer func() {
		for _, rel := range releases {
			rel()
		}
	}()

	resp := getJSON(t, srv.URL+"/v1/point?lat=1&lon=2", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 when overloaded, got %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, ElevationConfig{})

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/v1/point", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204 for preflight, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected permissive CORS origin")
	}
}
