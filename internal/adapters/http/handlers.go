package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"

	"github.com/jobrunner/vicinus/internal/application"
	"github.com/jobrunner/vicinus/internal/domain"
)

// Query parameter names.
const (
	paramLon       = "lon"
	paramLat       = "lat"
	paramWKT       = "wkt"
	paramItem      = "item"
	paramItemLayer = "item_layer"
	paramRefSys    = "ref_sys"
	paramLayers    = "layers"
	paramLayer     = "layer"
	paramMin       = "min"
	paramMax       = "max"
	paramMaxKm     = "max_km"
	paramK         = "k"
)

// neighborsResponse is the body of the annulus endpoints.
type neighborsResponse struct {
	IDs   []domain.ItemID `json:"ids"`
	Count int             `json:"count"`
}

// handleNeighbors returns the items within [min, max] degrees.
func (s *Server) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	layers := splitList(q.Get(paramLayers))
	ref, err := s.parseReference(q, singleLayer(layers))
	if err != nil {
		s.handleSearchError(w, err)
		return
	}
	minDist, _, err := parseFloat(q, paramMin)
	if err != nil {
		s.handleSearchError(w, err)
		return
	}
	maxDist, ok, err := parseFloat(q, paramMax)
	if err == nil && !ok {
		err = missingParam(paramMax)
	}
	if err != nil {
		s.handleSearchError(w, err)
		return
	}

	ctx, cancel := s.searchContext(r)
	defer cancel()

	ids, err := s.deps.Search.FindNeighbors(ctx, domain.NeighborQuery{
		Reference:   ref,
		RefSys:      s.refSys(q),
		Layers:      layers,
		MinDistance: minDist,
		MaxDistance: maxDist,
	})
	if err != nil {
		s.handleSearchError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, neighborsResponse{IDs: ids.Sorted(), Count: ids.Len()})
}

// handleNeighborsKm returns the items within max_km kilometres.
func (s *Server) handleNeighborsKm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	layers := splitList(q.Get(paramLayers))
	ref, err := s.parseReference(q, singleLayer(layers))
	if err != nil {
		s.handleSearchError(w, err)
		return
	}
	maxKm, ok, err := parseFloat(q, paramMaxKm)
	if err == nil && !ok {
		err = missingParam(paramMaxKm)
	}
	if err != nil {
		s.handleSearchError(w, err)
		return
	}

	ctx, cancel := s.searchContext(r)
	defer cancel()

	ids, err := s.deps.Search.FindNeighborsWithinKm(ctx, ref, s.refSys(q), layers, maxKm)
	if err != nil {
		s.handleSearchError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, neighborsResponse{IDs: ids.Sorted(), Count: ids.Len()})
}

// handleKNN returns the k nearest items as a GeoJSON FeatureCollection
// ordered by distance.
func (s *Server) handleKNN(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	layer := q.Get(paramLayer)
	ref, err := s.parseReference(q, layer)
	if err != nil {
		s.handleSearchError(w, err)
		return
	}
	k, err := strconv.Atoi(q.Get(paramK))
	if err != nil {
		s.handleSearchError(w, invalidParam(paramK, q.Get(paramK), "integer"))
		return
	}

	ctx, cancel := s.searchContext(r)
	defer cancel()

	ranked, err := s.deps.Search.FindKNearest(ctx, domain.KNNQuery{
		Reference: ref,
		RefSys:    s.refSys(q),
		Layer:     layer,
		K:         k,
	})
	if err != nil {
		s.handleSearchError(w, err)
		return
	}

	fc := geojson.NewFeatureCollection()
	for i, n := range ranked {
		f := geojson.NewFeature(n.Geometry)
		f.ID = int64(n.ID)
		f.Properties["rank"] = i + 1
		f.Properties["distance_m"] = n.Distance
		f.Properties["layer"] = layer
		fc.Append(f)
	}

	data, err := fc.MarshalJSON()
	if err != nil {
		s.logger.Error("encoding knn result", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to encode result")
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleHealth returns detailed health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := s.deps.Health.GetHealthDetails(r.Context())

	status := http.StatusOK
	if !details.Healthy {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":          boolToStatus(details.Healthy),
		"ready":           details.Ready,
		"datasets_loaded": details.DatasetsLoaded,
		"datasets_ready":  details.DatasetsReady,
		"items":           details.ItemCount,
		"components":      details.Components,
	})
}

// handleLiveness returns liveness status.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health.IsHealthy(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

// handleReadiness returns readiness status.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health.IsReady(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

// handleListDatasets returns all registered datasets.
func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	datasets, err := s.deps.Datasets.ListDatasets(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to list datasets")
		return
	}

	response := make([]map[string]interface{}, len(datasets))
	for i := range datasets {
		response[i] = s.formatDataset(r.Context(), &datasets[i])
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"datasets": response,
		"count":    len(datasets),
	})
}

// handleGetDataset returns a specific dataset.
func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	datasetID := mux.Vars(r)["datasetId"]

	ds, err := s.deps.Datasets.GetDataset(r.Context(), datasetID)
	if err != nil {
		if errors.Is(err, domain.ErrDatasetNotFound) {
			s.writeError(w, http.StatusNotFound, "Dataset not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Failed to get dataset")
		return
	}

	s.writeJSON(w, http.StatusOK, s.formatDataset(r.Context(), ds))
}

// handleOpenAPI returns the OpenAPI specification.
func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	spec, err := getOpenAPIJSON()
	if err != nil {
		s.logger.Error("failed to get OpenAPI spec", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load OpenAPI specification")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(spec)
}

// handleSync handles the sync trigger endpoint.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Sync.TriggerSync(r.Context())
	if err != nil {
		if errors.Is(err, application.ErrRateLimited) {
			retry := 30 * time.Second
			var rle *application.RateLimitError
			if errors.As(err, &rle) {
				retry = rle.RetryAfter
			}
			secs := int(math.Ceil(retry.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			s.writeError(w, http.StatusTooManyRequests, fmt.Sprintf("Sync rate limit exceeded. Try again in %d seconds.", secs))
			return
		}
		s.logger.Error("sync failed", "error", err)
		if errors.Is(err, domain.ErrStorageUnavailable) {
			s.writeError(w, http.StatusServiceUnavailable, "Dataset storage unavailable")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Sync failed")
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// parseReference reads the query anchor: a lon/lat point, a WKT geometry
// or a stored item. Exactly one must be given. itemLayer is the layer a
// referenced item is looked up in when item_layer is absent.
func (s *Server) parseReference(q url.Values, itemLayer string) (domain.Reference, error) {
	given := 0
	for _, set := range []bool{q.Has(paramLon) || q.Has(paramLat), q.Has(paramWKT), q.Has(paramItem)} {
		if set {
			given++
		}
	}
	if given != 1 {
		return domain.Reference{}, &domain.ValidationError{
			Field:      "reference",
			Constraint: "exactly one of lon/lat, wkt, item",
			Message:    "give the reference as lon and lat, as wkt or as item",
		}
	}

	switch {
	case q.Has(paramItem):
		id, err := strconv.ParseInt(q.Get(paramItem), 10, 64)
		if err != nil {
			return domain.Reference{}, invalidParam(paramItem, q.Get(paramItem), "integer")
		}
		if l := q.Get(paramItemLayer); l != "" {
			itemLayer = l
		}
		return domain.ReferenceItem(domain.ItemID(id), itemLayer), nil

	case q.Has(paramWKT):
		g, err := wkt.Unmarshal(q.Get(paramWKT))
		if err != nil {
			return domain.Reference{}, invalidParam(paramWKT, q.Get(paramWKT), "WKT geometry")
		}
		return domain.ReferenceGeometry(g), nil

	default:
		lon, okLon, err := parseFloat(q, paramLon)
		if err != nil {
			return domain.Reference{}, err
		}
		lat, okLat, err := parseFloat(q, paramLat)
		if err != nil {
			return domain.Reference{}, err
		}
		if !okLon || !okLat {
			return domain.Reference{}, missingParam("lon and lat")
		}
		c := domain.NewCoordinate(lon, lat)
		if err := c.Validate(); err != nil {
			return domain.Reference{}, err
		}
		return domain.ReferencePoint(c), nil
	}
}

// refSys returns the requested reference system or the default.
func (s *Server) refSys(q url.Values) string {
	if v := q.Get(paramRefSys); v != "" {
		return v
	}
	return s.deps.DefaultRefSys
}

// searchContext bounds a search by the configured timeout.
func (s *Server) searchContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.deps.SearchTimeout > 0 {
		return context.WithTimeout(r.Context(), s.deps.SearchTimeout)
	}
	return context.WithCancel(r.Context())
}

// parseFloat reads an optional float parameter.
func parseFloat(q url.Values, name string) (float64, bool, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, invalidParam(name, raw, "number")
	}
	return v, true, nil
}

func invalidParam(name, value, constraint string) error {
	return &domain.ValidationError{
		Field:      name,
		Value:      value,
		Constraint: constraint,
		Message:    "invalid " + name + " parameter",
	}
}

func missingParam(name string) error {
	return &domain.ValidationError{
		Field:      name,
		Constraint: "required",
		Message:    name + " is required",
	}
}

// splitList splits a comma separated parameter, dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func singleLayer(layers []string) string {
	if len(layers) == 1 {
		return layers[0]
	}
	return ""
}

// formatDataset formats a dataset for JSON output.
func (s *Server) formatDataset(ctx context.Context, ds *domain.Dataset) map[string]interface{} {
	status, _ := s.deps.Datasets.GetDatasetStatus(ctx, ds.ID)
	return map[string]interface{}{
		"id":          ds.ID,
		"path":        ds.Path,
		"size":        ds.Size,
		"layers":      ds.Layers,
		"layer_count": ds.LayerCount(),
		"items":       ds.ItemCount,
		"skipped":     ds.Skipped,
		"status":      status,
		"loaded_at":   ds.LoadedAt,
	}
}

// handleSearchError maps search errors to HTTP statuses.
func (s *Server) handleSearchError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	switch {
	case errors.As(err, &validationErr):
		s.writeError(w, http.StatusBadRequest, validationErr.Message)
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "Search timed out")
	case domain.IsStoreError(err):
		s.logger.Error("store error", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "Geometry store unavailable")
	case domain.IsNotFound(err):
		s.writeError(w, http.StatusNotFound, err.Error())
	case domain.IsInvalidInput(err):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		s.logger.Debug("search canceled by client")
	default:
		s.logger.Error("search error", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Search failed")
	}
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}

func boolToStatus(b bool) string {
	if b {
		return "ok"
	}
	return "unhealthy"
}
