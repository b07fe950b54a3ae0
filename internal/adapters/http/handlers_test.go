package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/jobrunner/vicinus/internal/adapters/memstore"
	"github.com/jobrunner/vicinus/internal/application"
	"github.com/jobrunner/vicinus/internal/config"
	"github.com/jobrunner/vicinus/internal/domain"
	"github.com/jobrunner/vicinus/internal/filter"
	"github.com/jobrunner/vicinus/internal/ports/input"
	"github.com/jobrunner/vicinus/internal/ports/output"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockRegistry implements input.DatasetRegistry for testing.
type mockRegistry struct {
	datasets []domain.Dataset
}

func (m *mockRegistry) ListDatasets(_ context.Context) ([]domain.Dataset, error) {
	return m.datasets, nil
}

func (m *mockRegistry) GetDataset(_ context.Context, id string) (*domain.Dataset, error) {
	for i := range m.datasets {
		if m.datasets[i].ID == id {
			return &m.datasets[i], nil
		}
	}
	return nil, domain.ErrDatasetNotFound
}

func (m *mockRegistry) GetDatasetStatus(_ context.Context, id string) (domain.DatasetStatus, error) {
	if _, err := m.GetDataset(context.Background(), id); err != nil {
		return "", err
	}
	return domain.StatusReady, nil
}

// mockHealth implements input.HealthChecker for testing.
type mockHealth struct {
	healthy bool
	ready   bool
}

func (m *mockHealth) IsHealthy(_ context.Context) bool { return m.healthy }

func (m *mockHealth) IsReady(_ context.Context) bool { return m.ready }

func (m *mockHealth) GetHealthDetails(_ context.Context) input.HealthDetails {
	return input.HealthDetails{
		Healthy:        m.healthy,
		Ready:          m.ready,
		DatasetsLoaded: 1,
		DatasetsReady:  1,
		ItemCount:      4,
		Components:     map[string]string{"store": "ok"},
	}
}

type mockSyncer struct {
	err error
}

func (m *mockSyncer) TriggerSync(_ context.Context) (application.SyncResult, error) {
	if m.err != nil {
		return application.SyncResult{}, m.err
	}
	return application.SyncResult{DatasetsAdded: 1, DatasetsTotal: 1}, nil
}

// failingStore is a geometry store that cannot be reached.
type failingStore struct{}

func (failingStore) ResolveGeometry(context.Context, domain.ItemID, string, string) (orb.Geometry, error) {
	return nil, &domain.StoreError{Operation: "resolve", Err: errors.New("connection refused")}
}

func (failingStore) Query(context.Context, filter.Expr) ([]domain.Candidate, error) {
	return nil, &domain.StoreError{Operation: "query", Err: errors.New("connection refused")}
}

func testItems() []domain.SpatialItem {
	return []domain.SpatialItem{
		{ID: 1, Geometry: orb.Point{0, 0}, Layer: "poi", RefSys: domain.DefaultRefSys},
		{ID: 2, Geometry: orb.Point{0, 1}, Layer: "poi", RefSys: domain.DefaultRefSys},
		{ID: 3, Geometry: orb.Point{0, 3}, Layer: "poi", RefSys: domain.DefaultRefSys},
		{ID: 4, Geometry: orb.Point{0, 0.5}, Layer: "city", RefSys: domain.DefaultRefSys},
	}
}

func newTestServerWithStore(t *testing.T, store output.GeometryStore, health *mockHealth) *Server {
	t.Helper()
	logger := discardLogger()

	search := application.NewNeighborService(store, &output.NoOpMetrics{}, logger, application.NeighborServiceConfig{})

	return NewServer(
		config.ServerConfig{
			Host:         "localhost",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Dependencies{
			Search: search,
			Datasets: &mockRegistry{datasets: []domain.Dataset{
				{ID: "pois", Path: "/data/pois.geojson", Layers: []string{"poi", "city"}, ItemCount: 4},
			}},
			Health:        health,
			Sync:          &mockSyncer{},
			SearchTimeout: 5 * time.Second,
		},
		logger,
	)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := memstore.New(discardLogger())
	if err := store.PutItems(context.Background(), "pois", testItems()); err != nil {
		t.Fatalf("PutItems() error = %v", err)
	}
	return newTestServerWithStore(t, store, &mockHealth{healthy: true, ready: true})
}

func serve(srv *Server, method, url string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, url, nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeNeighbors(t *testing.T, rr *httptest.ResponseRecorder) neighborsResponse {
	t.Helper()
	var resp neighborsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	return resp
}

func TestHandleNeighbors(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name string
		url  string
		want []domain.ItemID
	}{
		{"disc around point", "/api/v1/neighbors?lon=0&lat=0&layers=poi&max=2", []domain.ItemID{1, 2}},
		{"annulus", "/api/v1/neighbors?lon=0&lat=0&layers=poi&min=0.5&max=5", []domain.ItemID{2, 3}},
		{"several layers", "/api/v1/neighbors?lon=0&lat=0&layers=poi,city&max=0.75", []domain.ItemID{1, 4}},
		{"item reference includes itself", "/api/v1/neighbors?item=1&layers=poi&max=1.5", []domain.ItemID{1, 2}},
		{"item in other layer", "/api/v1/neighbors?item=4&item_layer=city&layers=poi&max=0.6", []domain.ItemID{1, 2}},
		{"wkt reference", "/api/v1/neighbors?wkt=POINT(0%203)&layers=poi&max=0.1", []domain.ItemID{3}},
		{"other reference system", "/api/v1/neighbors?lon=0&lat=0&layers=poi&max=5&ref_sys=mars", []domain.ItemID{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(srv, http.MethodGet, tt.url)
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
			}

			resp := decodeNeighbors(t, rr)
			if resp.Count != len(tt.want) || len(resp.IDs) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", resp.IDs, tt.want)
			}
			for i := range tt.want {
				if resp.IDs[i] != tt.want[i] {
					t.Errorf("ids = %v, want %v", resp.IDs, tt.want)
					break
				}
			}
		})
	}
}

func TestHandleNeighborsKm(t *testing.T) {
	srv := newTestServer(t)

	// 150 km is about 1.34 degrees.
	rr := serve(srv, http.MethodGet, "/api/v1/neighbors/km?lon=0&lat=0&layers=poi&max_km=150")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeNeighbors(t, rr)
	if resp.Count != 2 || resp.IDs[0] != 1 || resp.IDs[1] != 2 {
		t.Errorf("ids = %v, want [1 2]", resp.IDs)
	}
}

func TestHandleKNN(t *testing.T) {
	srv := newTestServer(t)

	rr := serve(srv, http.MethodGet, "/api/v1/knn?lon=0&lat=2.2&layer=poi&k=2")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("Content-Type = %q", ct)
	}

	fc, err := geojson.UnmarshalFeatureCollection(rr.Body.Bytes())
	if err != nil {
		t.Fatalf("UnmarshalFeatureCollection() error = %v", err)
	}
	if len(fc.Features) != 2 {
		t.Fatalf("features = %d, want 2", len(fc.Features))
	}

	wantIDs := []float64{3, 2}
	for i, f := range fc.Features {
		if f.ID != wantIDs[i] {
			t.Errorf("feature %d id = %v, want %v", i, f.ID, wantIDs[i])
		}
		if rank := f.Properties.MustInt("rank", 0); rank != i+1 {
			t.Errorf("feature %d rank = %d, want %d", i, rank, i+1)
		}
	}
	d0 := fc.Features[0].Properties.MustFloat64("distance_m", -1)
	d1 := fc.Features[1].Properties.MustFloat64("distance_m", -1)
	if d0 <= 0 || d1 < d0 {
		t.Errorf("distances %v, %v are not ascending", d0, d1)
	}
}

func TestHandleKNNReturnsFewerThanK(t *testing.T) {
	srv := newTestServer(t)

	rr := serve(srv, http.MethodGet, "/api/v1/knn?lon=0&lat=0&layer=city&k=10")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	fc, err := geojson.UnmarshalFeatureCollection(rr.Body.Bytes())
	if err != nil {
		t.Fatalf("UnmarshalFeatureCollection() error = %v", err)
	}
	if len(fc.Features) != 1 {
		t.Errorf("features = %d, want 1", len(fc.Features))
	}
}

func TestHandleSearchBadRequests(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name string
		url  string
	}{
		{"no reference", "/api/v1/neighbors?layers=poi&max=1"},
		{"two references", "/api/v1/neighbors?lon=0&lat=0&item=1&layers=poi&max=1"},
		{"lon without lat", "/api/v1/neighbors?lon=0&layers=poi&max=1"},
		{"invalid lon", "/api/v1/neighbors?lon=abc&lat=0&layers=poi&max=1"},
		{"lat out of range", "/api/v1/neighbors?lon=0&lat=91&layers=poi&max=1"},
		{"invalid wkt", "/api/v1/neighbors?wkt=POINT(&layers=poi&max=1"},
		{"missing max", "/api/v1/neighbors?lon=0&lat=0&layers=poi"},
		{"missing layers", "/api/v1/neighbors?lon=0&lat=0&max=1"},
		{"min above max", "/api/v1/neighbors?lon=0&lat=0&layers=poi&min=2&max=1"},
		{"negative min", "/api/v1/neighbors?lon=0&lat=0&layers=poi&min=-1&max=1"},
		{"item without layer", "/api/v1/neighbors?item=1&layers=poi,city&max=1"},
		{"missing max_km", "/api/v1/neighbors/km?lon=0&lat=0&layers=poi"},
		{"invalid k", "/api/v1/knn?lon=0&lat=0&layer=poi&k=abc"},
		{"zero k", "/api/v1/knn?lon=0&lat=0&layer=poi&k=0"},
		{"knn without layer", "/api/v1/knn?lon=0&lat=0&k=1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(srv, http.MethodGet, tt.url)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d: %s", rr.Code, http.StatusBadRequest, rr.Body.String())
			}
		})
	}
}

func TestHandleSearchUnknownItem(t *testing.T) {
	srv := newTestServer(t)

	for _, url := range []string{
		"/api/v1/neighbors?item=99&layers=poi&max=1",
		"/api/v1/knn?item=99&layer=poi&k=1",
	} {
		rr := serve(srv, http.MethodGet, url)
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want %d", url, rr.Code, http.StatusNotFound)
		}
	}
}

func TestHandleSearchStoreUnavailable(t *testing.T) {
	srv := newTestServerWithStore(t, failingStore{}, &mockHealth{})

	for _, url := range []string{
		"/api/v1/neighbors?lon=0&lat=0&layers=poi&max=1",
		"/api/v1/knn?lon=0&lat=0&layer=poi&k=3",
		"/api/v1/knn?item=1&layer=poi&k=3",
	} {
		rr := serve(srv, http.MethodGet, url)
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want %d", url, rr.Code, http.StatusServiceUnavailable)
		}
	}
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t)

	rr := serve(srv, http.MethodGet, "/health")
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want %q", resp["status"], "ok")
	}
	if resp["items"] != float64(4) {
		t.Errorf("items = %v, want 4", resp["items"])
	}
}

func TestHandleHealthProbes(t *testing.T) {
	tests := []struct {
		name   string
		health *mockHealth
		path   string
		want   int
	}{
		{"live", &mockHealth{healthy: true}, "/health/live", http.StatusOK},
		{"not live", &mockHealth{}, "/health/live", http.StatusServiceUnavailable},
		{"ready", &mockHealth{healthy: true, ready: true}, "/health/ready", http.StatusOK},
		{"not ready", &mockHealth{healthy: true}, "/health/ready", http.StatusServiceUnavailable},
		{"unhealthy details", &mockHealth{}, "/health", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServerWithStore(t, memstore.New(discardLogger()), tt.health)
			if rr := serve(srv, http.MethodGet, tt.path); rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestHandleDatasets(t *testing.T) {
	srv := newTestServer(t)

	rr := serve(srv, http.MethodGet, "/api/v1/datasets")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var list map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if list["count"] != float64(1) {
		t.Errorf("count = %v, want 1", list["count"])
	}

	rr = serve(srv, http.MethodGet, "/api/v1/datasets/pois")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var ds map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &ds); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if ds["status"] != string(domain.StatusReady) || ds["layer_count"] != float64(2) {
		t.Errorf("dataset = %v", ds)
	}

	if rr := serve(srv, http.MethodGet, "/api/v1/datasets/nonexistent"); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestHandleSync(t *testing.T) {
	srv := newTestServer(t)

	rr := serve(srv, http.MethodPost, "/api/v1/sync")
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	srv.deps.Sync = &mockSyncer{err: application.ErrRateLimited}
	srv = NewServer(srv.config, srv.deps, discardLogger())
	rr = serve(srv, http.MethodPost, "/api/v1/sync")
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusTooManyRequests)
	}
	if got := rr.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want 30", got)
	}

	srv.deps.Sync = &mockSyncer{err: &application.RateLimitError{RetryAfter: 1500 * time.Millisecond}}
	srv = NewServer(srv.config, srv.deps, discardLogger())
	rr = serve(srv, http.MethodPost, "/api/v1/sync")
	if got := rr.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}

	srv.deps.Sync = &mockSyncer{err: &domain.StorageError{Operation: "list", Err: errors.New("bucket gone")}}
	srv = NewServer(srv.config, srv.deps, discardLogger())
	if rr := serve(srv, http.MethodPost, "/api/v1/sync"); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("storage failure status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}

	srv.deps.Sync = &mockSyncer{err: errors.New("disk full")}
	srv = NewServer(srv.config, srv.deps, discardLogger())
	if rr := serve(srv, http.MethodPost, "/api/v1/sync"); rr.Code != http.StatusInternalServerError {
		t.Errorf("other failure status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
}

func TestSyncRouteRequiresSyncer(t *testing.T) {
	srv := newTestServer(t)
	deps := srv.deps
	deps.Sync = nil
	srv = NewServer(srv.config, deps, discardLogger())

	if rr := serve(srv, http.MethodPost, "/api/v1/sync"); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t)
	cfg := srv.config
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, Rate: 0.001, Burst: 1}
	srv = NewServer(cfg, srv.deps, discardLogger())

	url := "/api/v1/neighbors?lon=0&lat=0&layers=poi&max=1"
	if rr := serve(srv, http.MethodGet, url); rr.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rr.Code)
	}
	rr := serve(srv, http.MethodGet, url)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want %d", rr.Code, http.StatusTooManyRequests)
	}

	// Health checks are not limited.
	if rr := serve(srv, http.MethodGet, "/health/live"); rr.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestHandleOpenAPI(t *testing.T) {
	srv := newTestServer(t)

	rr := serve(srv, http.MethodGet, "/openapi.json")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("openapi.json is not JSON: %v", err)
	}
	paths, _ := doc["paths"].(map[string]interface{})
	for _, p := range []string{"/api/v1/neighbors", "/api/v1/neighbors/km", "/api/v1/knn"} {
		if _, ok := paths[p]; !ok {
			t.Errorf("path %s missing from OpenAPI document", p)
		}
	}

	if rr := serve(srv, http.MethodGet, "/docs"); rr.Code != http.StatusOK {
		t.Errorf("docs status = %d", rr.Code)
	}
}

func TestJSONCompatibleStringifiesKeys(t *testing.T) {
	in := map[string]interface{}{
		"responses": map[interface{}]interface{}{200: "ok", "default": "err"},
	}
	out := jsonCompatible(in).(map[string]interface{})
	responses := out["responses"].(map[string]interface{})
	if responses["200"] != "ok" || responses["default"] != "err" {
		t.Errorf("responses = %v", responses)
	}
}

func TestBoolToStatus(t *testing.T) {
	if boolToStatus(true) != "ok" {
		t.Error("boolToStatus(true) should return 'ok'")
	}
	if boolToStatus(false) != "unhealthy" {
		t.Error("boolToStatus(false) should return 'unhealthy'")
	}
}
