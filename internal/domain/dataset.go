package domain

import (
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Dataset represents a file of spatial items loaded into the store.
type Dataset struct {
	ID        string    // Unique identifier (derived from filename)
	Path      string    // Local file path
	Size      int64     // File size in bytes
	Layers    []string  // Distinct layers found in the file
	ItemCount int       // Number of items written to the store
	Skipped   int       // Features that could not be converted
	LoadedAt  time.Time // Load timestamp
}

// HasLayer reports whether the dataset contributed items to layer.
func (d *Dataset) HasLayer(name string) bool {
	for _, l := range d.Layers {
		if l == name {
			return true
		}
	}
	return false
}

// LayerCount returns the number of layers in the dataset.
func (d *Dataset) LayerCount() int {
	return len(d.Layers)
}

// DatasetStatus represents the load state of a dataset.
type DatasetStatus string

const (
	StatusLoading   DatasetStatus = "loading"
	StatusReady     DatasetStatus = "ready"
	StatusError     DatasetStatus = "error"
	StatusUnloading DatasetStatus = "unloading"
)

// Compression suffixes a dataset file may carry.
var compressionSuffixes = []string{".gz", ".zst"}

// DatasetFormats lists the file extensions that hold datasets.
var DatasetFormats = []string{".geojson", ".json", ".gpkg"}

// SplitDatasetName returns the file name without compression suffix and
// the compression suffix itself ("" when uncompressed).
func SplitDatasetName(name string) (base, compression string) {
	lower := strings.ToLower(name)
	for _, suffix := range compressionSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return name[:len(name)-len(suffix)], suffix
		}
	}
	return name, ""
}

// IsDatasetFile reports whether name has a dataset extension, optionally
// followed by a compression suffix. GeoPackages cannot be compressed.
func IsDatasetFile(name string) bool {
	base, compression := SplitDatasetName(name)
	ext := strings.ToLower(filepath.Ext(base))
	if ext == ".gpkg" {
		return compression == ""
	}
	return slices.Contains(DatasetFormats, ext)
}
