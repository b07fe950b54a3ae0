package output

import "time"

// MetricsCollector defines the secondary port for metrics collection.
type MetricsCollector interface {
	// IncSearchCount increments the search counter for a search kind.
	IncSearchCount(kind string, success bool)

	// ObserveSearchDuration records search duration.
	ObserveSearchDuration(kind string, duration time.Duration)

	// ObserveCandidates records how many candidates a search returned.
	ObserveCandidates(kind string, count int)

	// ObserveExpansionRounds records the store round-trips of one KNN search.
	ObserveExpansionRounds(rounds int)

	// IncStoreQueries increments the store query counter.
	IncStoreQueries(success bool)

	// SetItemsLoaded sets the number of items in the store.
	SetItemsLoaded(count int)

	// SetDatasetsLoaded sets the number of registered datasets.
	SetDatasetsLoaded(count int)

	// SetDatasetsReady sets the number of ready datasets.
	SetDatasetsReady(count int)

	// IncStorageOperations increments storage operation counter.
	IncStorageOperations(operation string, success bool)

	// ObserveStorageDuration records storage operation duration.
	ObserveStorageDuration(operation string, duration time.Duration)
}

// NoOpMetrics is a no-op implementation of MetricsCollector.
type NoOpMetrics struct{}

// IncSearchCount implements MetricsCollector.
func (n *NoOpMetrics) IncSearchCount(_ string, _ bool) {}

// ObserveSearchDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveSearchDuration(_ string, _ time.Duration) {}

// ObserveCandidates implements MetricsCollector.
func (n *NoOpMetrics) ObserveCandidates(_ string, _ int) {}

// ObserveExpansionRounds implements MetricsCollector.
func (n *NoOpMetrics) ObserveExpansionRounds(_ int) {}

// IncStoreQueries implements MetricsCollector.
func (n *NoOpMetrics) IncStoreQueries(_ bool) {}

// SetItemsLoaded implements MetricsCollector.
func (n *NoOpMetrics) SetItemsLoaded(_ int) {}

// SetDatasetsLoaded implements MetricsCollector.
func (n *NoOpMetrics) SetDatasetsLoaded(_ int) {}

// SetDatasetsReady implements MetricsCollector.
func (n *NoOpMetrics) SetDatasetsReady(_ int) {}

// IncStorageOperations implements MetricsCollector.
func (n *NoOpMetrics) IncStorageOperations(_ string, _ bool) {}

// ObserveStorageDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveStorageDuration(_ string, _ time.Duration) {}
