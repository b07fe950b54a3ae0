package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/paulmach/orb/encoding/wkt"
	"github.com/spf13/cobra"

	"github.com/jobrunner/vicinus/internal/app"
	"github.com/jobrunner/vicinus/internal/config"
	"github.com/jobrunner/vicinus/internal/domain"
)

var loadCmd = &cobra.Command{
	Use:   "load <dataset>...",
	Short: "Load dataset files into the configured store",
	Long: `Load reads GeoJSON or GeoPackage files and writes their items to the
configured geometry store. It is meant for persistent stores (badger,
sqlite, spatialite, postgis); the memory store is discarded on exit.
The server keeps the store in step with the dataset storage, so files
that storage does not list are purged when the server starts.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLoad,
}

var neighborsCmd = &cobra.Command{
	Use:   "neighbors",
	Short: "Print the ids of items within a distance range",
	RunE:  runNeighbors,
}

var knnCmd = &cobra.Command{
	Use:   "knn",
	Short: "Print the K nearest items of a layer",
	RunE:  runKNN,
}

func init() {
	for _, cmd := range []*cobra.Command{neighborsCmd, knnCmd} {
		cmd.Flags().Float64("lon", 0, "reference longitude")
		cmd.Flags().Float64("lat", 0, "reference latitude")
		cmd.Flags().String("wkt", "", "reference geometry as WKT")
		cmd.Flags().Int64("item", 0, "id of a stored reference item")
		cmd.Flags().String("item-layer", "", "layer of the reference item")
		cmd.Flags().String("ref-sys", "", "reference system (default from config)")
	}

	neighborsCmd.Flags().StringSlice("layers", nil, "accepted layers")
	neighborsCmd.Flags().Float64("min", 0, "minimum distance in degrees")
	neighborsCmd.Flags().Float64("max", 0, "maximum distance in degrees")
	neighborsCmd.Flags().Float64("km", 0, "maximum distance in kilometres, replaces --min and --max")
	_ = neighborsCmd.MarkFlagRequired("layers")

	knnCmd.Flags().String("layer", "", "layer to rank")
	knnCmd.Flags().Int("k", 10, "number of neighbors")
	_ = knnCmd.MarkFlagRequired("layer")
}

// openApp builds the application for a one-shot command. The memory store
// starts empty, so its datasets are loaded from the configured storage.
func openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg.Logging)

	a, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing application: %w", err)
	}
	if cfg.Store.Type == config.StoreMemory {
		if err := a.Registry.LoadAll(cmd.Context()); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("loading datasets: %w", err)
		}
	}
	return a, nil
}

func runLoad(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	var errs []error
	for _, path := range args {
		if err := a.Registry.LoadDataset(cmd.Context(), path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}

	n, err := a.Store.Count(cmd.Context())
	if err == nil {
		a.Logger.Info("load finished", "files", len(args), "items_in_store", n)
	}
	return errors.Join(errs...)
}

func runNeighbors(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	flags := cmd.Flags()
	layers, _ := flags.GetStringSlice("layers")
	if len(layers) == 0 {
		return domain.ErrEmptyLayers
	}
	ref, err := referenceFromFlags(cmd, layers[0])
	if err != nil {
		return err
	}
	refSys := refSysFromFlags(cmd, a.Config.Search.DefaultRefSys)

	ctx, cancel := context.WithTimeout(cmd.Context(), a.Config.Search.Timeout)
	defer cancel()

	var ids domain.ItemSet
	if flags.Changed("km") {
		km, _ := flags.GetFloat64("km")
		ids, err = a.Search.FindNeighborsWithinKm(ctx, ref, refSys, layers, km)
	} else {
		minDeg, _ := flags.GetFloat64("min")
		maxDeg, _ := flags.GetFloat64("max")
		ids, err = a.Search.FindNeighbors(ctx, domain.NeighborQuery{
			Reference:   ref,
			RefSys:      refSys,
			Layers:      layers,
			MinDistance: minDeg,
			MaxDistance: maxDeg,
		})
	}
	if err != nil {
		return err
	}

	return printJSON(map[string]any{"ids": ids.Sorted(), "count": ids.Len()})
}

type rankedOutput struct {
	Rank     int           `json:"rank"`
	ID       domain.ItemID `json:"id"`
	Distance float64       `json:"distance_m"`
}

func runKNN(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	layer, _ := cmd.Flags().GetString("layer")
	k, _ := cmd.Flags().GetInt("k")
	ref, err := referenceFromFlags(cmd, layer)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), a.Config.Search.Timeout)
	defer cancel()

	ranked, err := a.Search.FindKNearest(ctx, domain.KNNQuery{
		Reference: ref,
		RefSys:    refSysFromFlags(cmd, a.Config.Search.DefaultRefSys),
		Layer:     layer,
		K:         k,
	})
	if err != nil {
		return err
	}

	out := make([]rankedOutput, len(ranked))
	for i, r := range ranked {
		out[i] = rankedOutput{Rank: i + 1, ID: r.ID, Distance: r.Distance}
	}
	return printJSON(out)
}

// referenceFromFlags builds the query reference from exactly one of
// --lon/--lat, --wkt or --item.
func referenceFromFlags(cmd *cobra.Command, defaultLayer string) (domain.Reference, error) {
	flags := cmd.Flags()
	point := flags.Changed("lon") || flags.Changed("lat")
	geom := flags.Changed("wkt")
	item := flags.Changed("item")

	given := 0
	for _, b := range []bool{point, geom, item} {
		if b {
			given++
		}
	}
	if given != 1 {
		return domain.Reference{}, errors.New("give exactly one of --lon/--lat, --wkt or --item")
	}

	switch {
	case point:
		if !flags.Changed("lon") || !flags.Changed("lat") {
			return domain.Reference{}, errors.New("--lon and --lat must be given together")
		}
		lon, _ := flags.GetFloat64("lon")
		lat, _ := flags.GetFloat64("lat")
		c := domain.NewCoordinate(lon, lat)
		if err := c.Validate(); err != nil {
			return domain.Reference{}, err
		}
		return domain.ReferencePoint(c), nil

	case geom:
		text, _ := flags.GetString("wkt")
		g, err := wkt.Unmarshal(strings.TrimSpace(text))
		if err != nil {
			return domain.Reference{}, fmt.Errorf("parsing --wkt: %w", err)
		}
		return domain.ReferenceGeometry(g), nil

	default:
		id, _ := flags.GetInt64("item")
		layer, _ := flags.GetString("item-layer")
		if layer == "" {
			layer = defaultLayer
		}
		return domain.ReferenceItem(domain.ItemID(id), layer), nil
	}
}

func refSysFromFlags(cmd *cobra.Command, fallback string) string {
	if s, _ := cmd.Flags().GetString("ref-sys"); s != "" {
		return s
	}
	return fallback
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
