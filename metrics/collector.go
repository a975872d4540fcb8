// Package metrics provides the Collector interface for aggregating run metrics.
// This is a molecule that composes the atom-level types from types.go.
package metrics

// Collector defines the interface for recording per-item generation
// outcomes and reading aggregated run statistics.
//
// Implementation strategy:
//   - Implementations should be concurrency-safe; the orchestrator records
//     from multiple workers at once
//   - Zero values should be returned when nothing has been recorded
type Collector interface {
	// RecordItem logs one settled item outcome.
	RecordItem(rec ItemRecord)

	// Snapshot returns aggregated run statistics. The price per accepted
	// image feeds the cost estimate.
	Snapshot(pricePerImage float64) RunMetrics

	// RecentItems returns the N most recent item records, newest first.
	RecentItems(limit int) []ItemRecord
}
