package dataset

import (
	"context"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/paulmach/orb/geojson"

	"github.com/jobrunner/vicinus/internal/domain"
)

// Feature properties that map onto item fields.
const (
	PropItemID = "item_id"
	PropLayer  = "layer"
	PropRefSys = "ref_sys"
)

// readGeoJSON decodes a FeatureCollection. The layer of features without a
// layer property is defaultLayer.
func readGeoJSON(ctx context.Context, rd io.Reader, defaultLayer, defaultRefSys string) ([]domain.SpatialItem, int, error) {
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, 0, err
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, 0, fmt.Errorf("decoding feature collection: %w", domain.ErrInvalidInput)
	}

	items := make([]domain.SpatialItem, 0, len(fc.Features))
	skipped := 0
	for i, f := range fc.Features {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}
		}

		it, ok := featureItem(f, defaultLayer, defaultRefSys)
		if !ok {
			skipped++
			continue
		}
		items = append(items, it)
	}
	return items, skipped, nil
}

func featureItem(f *geojson.Feature, defaultLayer, defaultRefSys string) (domain.SpatialItem, bool) {
	if f == nil || f.Geometry == nil {
		return domain.SpatialItem{}, false
	}

	id, ok := featureID(f)
	if !ok {
		return domain.SpatialItem{}, false
	}

	it := domain.SpatialItem{
		ID:       id,
		Geometry: f.Geometry,
		Layer:    f.Properties.MustString(PropLayer, defaultLayer),
		RefSys:   f.Properties.MustString(PropRefSys, defaultRefSys),
	}
	if it.Validate() != nil {
		return domain.SpatialItem{}, false
	}
	return it, true
}

// featureID takes the id from the item_id property, falling back to the
// feature id. Both may be integral numbers or numeric strings.
func featureID(f *geojson.Feature) (domain.ItemID, bool) {
	if v, ok := f.Properties[PropItemID]; ok {
		return toItemID(v)
	}
	return toItemID(f.ID)
}

func toItemID(v any) (domain.ItemID, bool) {
	switch id := v.(type) {
	case float64:
		if id != math.Trunc(id) || math.Abs(id) > 1<<53 {
			return 0, false
		}
		return domain.ItemID(id), true
	case int64:
		return domain.ItemID(id), true
	case int:
		return domain.ItemID(id), true
	case string:
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return 0, false
		}
		return domain.ItemID(n), true
	default:
		return 0, false
	}
}
