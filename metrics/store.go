// Package metrics provides the RunStore organism for in-memory run accounting.
// This file contains the RunStore which implements the Collector interface.
package metrics

import (
	"sync"
	"time"
)

// RunStore is an in-memory store for one run's item outcomes. It keeps a
// bounded ring of recent records plus running aggregates, behind a RWMutex
// so orchestrator workers can record concurrently.
//
// Usage:
//
//	store := NewRunStore(DefaultStoreConfig())
//	store.RecordItem(rec)
//	summary := store.Snapshot(0.039)
type RunStore struct {
	mu sync.RWMutex

	// Bounded history of recent items
	history []ItemRecord
	cap     int
	head    int // write index
	size    int // current number of records

	// Running aggregates
	total         int64
	succeeded     int64
	failed        int64
	guardRejected int64
	attempts      int64
	totalDuration time.Duration
}

// StoreConfig configures the RunStore behavior.
type StoreConfig struct {
	// HistoryCapacity is the max number of item records to retain
	HistoryCapacity int
}

// DefaultStoreConfig returns a default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{HistoryCapacity: 1000}
}

// NewRunStore creates a new RunStore with the specified configuration.
func NewRunStore(config StoreConfig) *RunStore {
	capacity := config.HistoryCapacity
	if capacity < 1 {
		capacity = 1000
	}
	return &RunStore{
		history: make([]ItemRecord, capacity),
		cap:     capacity,
	}
}

// RecordItem logs one settled item outcome.
// This implements part of the Collector interface.
func (s *RunStore) RecordItem(rec ItemRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[s.head] = rec
	s.head = (s.head + 1) % s.cap
	if s.size < s.cap {
		s.size++
	}

	s.total++
	s.attempts += int64(rec.Attempts)
	s.totalDuration += rec.Duration

	switch rec.Status {
	case ItemStatusSuccess:
		s.succeeded++
	case ItemStatusError:
		s.failed++
	case ItemStatusGuardRejected:
		s.guardRejected++
	}
}

// Snapshot returns aggregated run statistics.
// This implements part of the Collector interface.
func (s *RunStore) Snapshot(pricePerImage float64) RunMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var avg time.Duration
	if s.total > 0 {
		avg = s.totalDuration / time.Duration(s.total)
	}
	return RunMetrics{
		Total:         s.total,
		Succeeded:     s.succeeded,
		Failed:        s.failed,
		GuardRejected: s.guardRejected,
		Attempts:      s.attempts,
		AvgDuration:   avg,
		EstCost:       float64(s.succeeded) * pricePerImage,
	}
}

// RecentItems returns the N most recent item records, newest first.
// If limit exceeds available records, all available are returned.
// This implements part of the Collector interface.
func (s *RunStore) RecentItems(limit int) []ItemRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || s.size == 0 {
		return []ItemRecord{}
	}
	if limit > s.size {
		limit = s.size
	}

	result := make([]ItemRecord, limit)
	for i := 0; i < limit; i++ {
		// Work backwards from head to get most recent first
		idx := (s.head - 1 - i + s.cap) % s.cap
		result[i] = s.history[idx]
	}
	return result
}

// Verify RunStore implements Collector interface
var _ Collector = (*RunStore)(nil)
