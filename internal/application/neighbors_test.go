package application

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobrunner/vicinus/internal/domain"
)

func point(id domain.ItemID, lon, lat float64, layer string) domain.SpatialItem {
	return domain.SpatialItem{
		ID:       id,
		Geometry: orb.Point{lon, lat},
		Layer:    layer,
		RefSys:   domain.DefaultRefSys,
	}
}

func newTestService(store *mockStore, metrics *mockMetrics) *NeighborService {
	if metrics == nil {
		metrics = &mockMetrics{}
	}
	return NewNeighborService(store, metrics, testLogger(), NeighborServiceConfig{})
}

func ids(ranked []domain.RankedNeighbor) []domain.ItemID {
	out := make([]domain.ItemID, len(ranked))
	for i, r := range ranked {
		out[i] = r.ID
	}
	return out
}

func annulusStore() *mockStore {
	return newMockStore(
		point(1, 0.5, 0, "a"),
		point(2, 1.5, 0, "a"),
		point(3, 2.5, 0, "b"),
		point(4, 1.2, 0, "c"),
		point(6, 1, 0, "a"),
		domain.SpatialItem{ID: 5, Geometry: orb.Point{1.5, 0}, Layer: "a", RefSys: "mars"},
	)
}

func TestFindNeighbors(t *testing.T) {
	ctx := context.Background()
	origin := domain.ReferencePoint(domain.Coordinate{})

	tests := []struct {
		name string
		q    domain.NeighborQuery
		want []domain.ItemID
	}{
		{
			name: "annulus over two layers",
			q:    domain.NeighborQuery{Reference: origin, RefSys: "earth", Layers: []string{"a", "b"}, MinDistance: 1, MaxDistance: 3},
			want: []domain.ItemID{2, 3, 6},
		},
		{
			name: "single layer",
			q:    domain.NeighborQuery{Reference: origin, RefSys: "earth", Layers: []string{"c"}, MinDistance: 0, MaxDistance: 3},
			want: []domain.ItemID{4},
		},
		{
			name: "bounds are inclusive",
			q:    domain.NeighborQuery{Reference: origin, RefSys: "earth", Layers: []string{"a"}, MinDistance: 1, MaxDistance: 1},
			want: []domain.ItemID{6},
		},
		{
			name: "other reference system",
			q:    domain.NeighborQuery{Reference: origin, RefSys: "mars", Layers: []string{"a"}, MinDistance: 0, MaxDistance: 3},
			want: []domain.ItemID{5},
		},
		{
			name: "reference by item id",
			q:    domain.NeighborQuery{Reference: domain.ReferenceItem(1, "a"), RefSys: "earth", Layers: []string{"a"}, MinDistance: 0, MaxDistance: 1},
			want: []domain.ItemID{1, 2, 6},
		},
		{
			name: "nothing in range",
			q:    domain.NeighborQuery{Reference: origin, RefSys: "earth", Layers: []string{"a"}, MinDistance: 10, MaxDistance: 20},
			want: []domain.ItemID{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(annulusStore(), nil)
			got, err := svc.FindNeighbors(ctx, tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Sorted())
		})
	}
}

func TestFindNeighborsRejectsInvalidQueries(t *testing.T) {
	ctx := context.Background()
	origin := domain.ReferencePoint(domain.Coordinate{})

	tests := []struct {
		name string
		q    domain.NeighborQuery
	}{
		{"empty layers", domain.NeighborQuery{Reference: origin, RefSys: "earth", Layers: nil, MaxDistance: 1}},
		{"negative min", domain.NeighborQuery{Reference: origin, RefSys: "earth", Layers: []string{"a"}, MinDistance: -1, MaxDistance: 1}},
		{"min above max", domain.NeighborQuery{Reference: origin, RefSys: "earth", Layers: []string{"a"}, MinDistance: 2, MaxDistance: 1}},
		{"missing reference", domain.NeighborQuery{RefSys: "earth", Layers: []string{"a"}, MaxDistance: 1}},
		{"missing ref sys", domain.NeighborQuery{Reference: origin, Layers: []string{"a"}, MaxDistance: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := annulusStore()
			svc := newTestService(store, nil)

			_, err := svc.FindNeighbors(ctx, tt.q)
			require.Error(t, err)
			assert.True(t, domain.IsInvalidInput(err), "err = %v", err)
			assert.Zero(t, store.queryCount(), "store must not be queried")
		})
	}
}

func TestFindNeighborsEmptyLayers(t *testing.T) {
	store := annulusStore()
	svc := newTestService(store, nil)

	_, err := svc.FindNeighbors(context.Background(), domain.NeighborQuery{
		Reference:   domain.ReferencePoint(domain.Coordinate{}),
		RefSys:      "earth",
		Layers:      []string{},
		MaxDistance: 1,
	})
	assert.ErrorIs(t, err, domain.ErrEmptyLayers)
	assert.Zero(t, store.queryCount())
}

func TestFindNeighborsUnknownReference(t *testing.T) {
	store := annulusStore()
	svc := newTestService(store, nil)

	_, err := svc.FindNeighbors(context.Background(), domain.NeighborQuery{
		Reference:   domain.ReferenceItem(99, "a"),
		RefSys:      "earth",
		Layers:      []string{"a"},
		MaxDistance: 1,
	})
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
	assert.Zero(t, store.queryCount())
}

func TestFindNeighborsStoreFailure(t *testing.T) {
	cause := errors.New("connection reset")
	store := annulusStore()
	store.queryErr = cause
	metrics := &mockMetrics{}
	svc := newTestService(store, metrics)

	_, err := svc.FindNeighbors(context.Background(), domain.NeighborQuery{
		Reference:   domain.ReferencePoint(domain.Coordinate{}),
		RefSys:      "earth",
		Layers:      []string{"a"},
		MaxDistance: 1,
	})
	require.Error(t, err)
	assert.True(t, domain.IsStoreError(err))
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, metrics.failures[kindAnnulus])
}

func TestFindNeighborsWithinKm(t *testing.T) {
	ctx := context.Background()
	ref := domain.ReferencePoint(domain.Coordinate{})
	layers := []string{"a", "b", "c"}

	for _, km := range []float64{0, 56, 112, 168, 224, 500} {
		svc := newTestService(annulusStore(), nil)

		byKm, err := svc.FindNeighborsWithinKm(ctx, ref, "earth", layers, km)
		require.NoError(t, err)

		byDeg, err := svc.FindNeighbors(ctx, domain.NeighborQuery{
			Reference:   ref,
			RefSys:      "earth",
			Layers:      layers,
			MaxDistance: km / DefaultKmPerDegree,
		})
		require.NoError(t, err)

		assert.Equal(t, byDeg.Sorted(), byKm.Sorted(), "km = %v", km)
	}
}

func TestFindNeighborsWithinKmRejectsNegative(t *testing.T) {
	store := annulusStore()
	svc := newTestService(store, nil)

	_, err := svc.FindNeighborsWithinKm(context.Background(),
		domain.ReferencePoint(domain.Coordinate{}), "earth", []string{"a"}, -1)
	assert.True(t, domain.IsInvalidInput(err))
	assert.Zero(t, store.queryCount())
}

func equatorStore() *mockStore {
	return newMockStore(
		point(1, 1, 0, "poi"),
		point(2, 2, 0, "poi"),
		point(3, 3, 0, "poi"),
		point(4, 4, 0, "poi"),
		point(5, 5, 0, "poi"),
	)
}

func knn(ref domain.Reference, layer string, k int) domain.KNNQuery {
	return domain.KNNQuery{Reference: ref, RefSys: "earth", Layer: layer, K: k}
}

func TestFindKNearestAlongEquator(t *testing.T) {
	svc := newTestService(equatorStore(), nil)
	origin := domain.ReferencePoint(domain.Coordinate{})

	got, err := svc.FindKNearest(context.Background(), knn(origin, "poi", 3))
	require.NoError(t, err)

	assert.Equal(t, []domain.ItemID{1, 2, 3}, ids(got))
	for i, n := range got {
		assert.InDelta(t, 111319.49*float64(i+1), n.Distance, 1, "rank %d", i)
	}
}

func TestFindKNearestFewerItemsThanK(t *testing.T) {
	store := equatorStore()
	metrics := &mockMetrics{}
	svc := newTestService(store, metrics)

	got, err := svc.FindKNearest(context.Background(),
		knn(domain.ReferencePoint(domain.Coordinate{}), "poi", 10))
	require.NoError(t, err)
	assert.Equal(t, []domain.ItemID{1, 2, 3, 4, 5}, ids(got))

	radii := store.radii()
	require.NotEmpty(t, radii)
	assert.Equal(t, DefaultMaxRadius, radii[len(radii)-1], "expansion stops at the maximum radius")
	for i := 1; i < len(radii); i++ {
		assert.Greater(t, radii[i], radii[i-1])
	}
	assert.Equal(t, []int{len(radii)}, metrics.rounds)
}

func TestFindKNearestEmptyLayer(t *testing.T) {
	store := equatorStore()
	svc := newTestService(store, nil)

	got, err := svc.FindKNearest(context.Background(),
		knn(domain.ReferencePoint(domain.Coordinate{}), "none", 2))
	require.NoError(t, err)
	assert.Empty(t, got)

	radii := store.radii()
	assert.Equal(t, DefaultMaxRadius, radii[len(radii)-1])
}

func TestFindKNearestGrowthSchedule(t *testing.T) {
	t.Run("sparse results grow by 1.3*sqrt(K/count)", func(t *testing.T) {
		store := newMockStore(point(1, 0.1, 0, "poi"), point(2, 5, 0, "poi"), point(3, 6, 0, "poi"), point(4, 7, 0, "poi"))
		svc := newTestService(store, nil)

		_, err := svc.FindKNearest(context.Background(),
			knn(domain.ReferencePoint(domain.Coordinate{}), "poi", 4))
		require.NoError(t, err)

		radii := store.radii()
		require.GreaterOrEqual(t, len(radii), 3)
		assert.InDelta(t, 0.04, radii[0], 1e-12)
		// No hit: the empty result counts as one.
		assert.InDelta(t, 0.04*1.3*math.Sqrt(4), radii[1], 1e-12)
		// One hit out of four wanted.
		assert.InDelta(t, radii[1]*1.3*math.Sqrt(4), radii[2], 1e-12)
	})

	t.Run("dense results double", func(t *testing.T) {
		store := newMockStore(point(1, 0.01, 0, "poi"), point(2, 0.02, 0, "poi"), point(3, 0.5, 0, "poi"))
		metrics := &mockMetrics{}
		svc := newTestService(store, metrics)

		got, err := svc.FindKNearest(context.Background(),
			knn(domain.ReferencePoint(domain.Coordinate{}), "poi", 3))
		require.NoError(t, err)
		assert.Equal(t, []domain.ItemID{1, 2, 3}, ids(got))

		radii := store.radii()
		want := []float64{0.03, 0.06, 0.12, 0.24, 0.48, 0.96}
		require.Len(t, radii, len(want))
		for i := range want {
			assert.InDelta(t, want[i], radii[i], 1e-12)
		}
		assert.Equal(t, []int{6}, metrics.rounds)
	})
}

// gridStore holds a square grid of points with the given spacing that
// reaches extent degrees from the origin in every direction.
func gridStore(spacing, extent float64) *mockStore {
	n := int(math.Round(extent / spacing))
	store := newMockStore()
	id := domain.ItemID(1)
	for i := -n; i <= n; i++ {
		for j := -n; j <= n; j++ {
			store.items = append(store.items, storedItem{
				dataset: "grid",
				item:    point(id, float64(i)*spacing, float64(j)*spacing, "poi"),
			})
			id++
		}
	}
	return store
}

func TestFindKNearestRoundsShrinkWithDensity(t *testing.T) {
	// Each grid contains the previous one, so every radius holds at least
	// as many candidates as in the sparser grid.
	spacings := []float64{2, 1, 0.5, 0.25, 0.125, 0.0625}

	for _, k := range []int{5, 10} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			rounds := make([]int, len(spacings))
			for i, spacing := range spacings {
				metrics := &mockMetrics{}
				svc := newTestService(gridStore(spacing, 4), metrics)

				got, err := svc.FindKNearest(context.Background(),
					knn(domain.ReferencePoint(domain.Coordinate{}), "poi", k))
				require.NoError(t, err)
				require.Len(t, got, k)
				require.Len(t, metrics.rounds, 1)
				rounds[i] = metrics.rounds[0]
			}

			for i := 1; i < len(rounds); i++ {
				assert.LessOrEqual(t, rounds[i], rounds[i-1],
					"spacing %v took more rounds than spacing %v: %v", spacings[i], spacings[i-1], rounds)
			}
			assert.Less(t, rounds[len(rounds)-1], rounds[0], "rounds = %v", rounds)
		})
	}
}

func TestFindKNearestTiesBrokenByID(t *testing.T) {
	store := newMockStore(
		point(7, 1, 0, "poi"),
		point(3, -1, 0, "poi"),
		point(5, 2, 0, "poi"),
	)
	svc := newTestService(store, nil)
	q := knn(domain.ReferencePoint(domain.Coordinate{}), "poi", 2)

	got, err := svc.FindKNearest(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []domain.ItemID{3, 7}, ids(got))
	assert.Equal(t, got[0].Distance, got[1].Distance)

	again, err := svc.FindKNearest(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, got, again, "ranking must be deterministic")
}

func TestFindKNearestCoincidentItems(t *testing.T) {
	store := newMockStore(
		point(3, 1, 1, "poi"),
		point(1, 1, 1, "poi"),
		point(2, 1, 1, "poi"),
	)
	svc := newTestService(store, nil)

	got, err := svc.FindKNearest(context.Background(),
		knn(domain.ReferencePoint(domain.Coordinate{}), "poi", 2))
	require.NoError(t, err)
	assert.Equal(t, []domain.ItemID{1, 2}, ids(got))
}

func TestFindKNearestResultIsSortedAndBounded(t *testing.T) {
	store := newMockStore(
		point(1, 0.3, 0.2, "poi"),
		point(2, -0.1, 0.05, "poi"),
		point(3, 0.02, -0.4, "poi"),
		point(4, 0.9, 0.9, "poi"),
		point(5, -0.5, -0.5, "poi"),
		point(6, 0.01, 0.01, "poi"),
	)
	svc := newTestService(store, nil)

	for k := 1; k <= 8; k++ {
		got, err := svc.FindKNearest(context.Background(),
			knn(domain.ReferencePoint(domain.Coordinate{}), "poi", k))
		require.NoError(t, err)
		assert.Len(t, got, min(k, 6))
		for i := 1; i < len(got); i++ {
			assert.LessOrEqual(t, got[i-1].Distance, got[i].Distance)
		}
	}
}

func TestFindKNearestReferenceItem(t *testing.T) {
	svc := newTestService(equatorStore(), nil)

	got, err := svc.FindKNearest(context.Background(),
		knn(domain.ReferenceItem(3, "poi"), "poi", 3))
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, domain.ItemID(3), got[0].ID)
	assert.Zero(t, got[0].Distance)
	assert.Equal(t, []domain.ItemID{3, 2, 4}, ids(got))
}

func TestFindKNearestRejectsInvalidQueries(t *testing.T) {
	origin := domain.ReferencePoint(domain.Coordinate{})

	tests := []struct {
		name string
		q    domain.KNNQuery
	}{
		{"zero k", knn(origin, "poi", 0)},
		{"negative k", knn(origin, "poi", -3)},
		{"missing layer", knn(origin, "", 3)},
		{"k above maximum", knn(origin, "poi", 11)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := equatorStore()
			svc := NewNeighborService(store, nil, testLogger(), NeighborServiceConfig{MaxK: 10})

			_, err := svc.FindKNearest(context.Background(), tt.q)
			require.Error(t, err)
			assert.True(t, domain.IsInvalidInput(err), "err = %v", err)
			assert.Zero(t, store.queryCount())
		})
	}
}

func TestFindKNearestUnknownReference(t *testing.T) {
	store := equatorStore()
	svc := newTestService(store, nil)

	_, err := svc.FindKNearest(context.Background(), knn(domain.ReferenceItem(42, "poi"), "poi", 3))
	assert.ErrorIs(t, err, domain.ErrItemNotFound)
	assert.Zero(t, store.queryCount())
}

func TestFindKNearestStoreFailure(t *testing.T) {
	store := equatorStore()
	store.queryErr = errors.New("timeout")
	svc := newTestService(store, nil)

	_, err := svc.FindKNearest(context.Background(),
		knn(domain.ReferencePoint(domain.Coordinate{}), "poi", 3))
	assert.True(t, domain.IsStoreError(err))
	assert.Equal(t, 1, store.queryCount())
}

func TestFindKNearestCancelledBetweenRounds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := equatorStore()
	store.afterQuery = func(n int) {
		if n == 1 {
			cancel()
		}
	}
	svc := newTestService(store, nil)

	_, err := svc.FindKNearest(ctx, knn(domain.ReferencePoint(domain.Coordinate{}), "none", 5))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, store.queryCount())
}

func TestFindKNearestGeometries(t *testing.T) {
	svc := newTestService(equatorStore(), nil)
	q := knn(domain.ReferencePoint(domain.Coordinate{Lon: 5.2}), "poi", 2)

	got, err := svc.FindKNearestGeometries(context.Background(), q)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, domain.ItemID(5), got[0].ID)
	assert.Equal(t, orb.Point{5, 0}, got[0].Geometry)
	assert.Equal(t, domain.ItemID(4), got[1].ID)
}

func TestKmToDegrees(t *testing.T) {
	svc := newTestService(newMockStore(), nil)
	assert.Equal(t, 1.0, svc.KmToDegrees(112))

	custom := NewNeighborService(newMockStore(), nil, testLogger(), NeighborServiceConfig{KmPerDegree: 100})
	assert.Equal(t, 2.5, custom.KmToDegrees(250))
}
