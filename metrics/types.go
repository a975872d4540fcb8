// Package metrics provides pure data types for run accounting.
// This file contains atom-level type definitions with no behavior.
package metrics

import "time"

// ItemRecord represents a single image-generation attempt chain for one item.
// This is a pure data structure for tracking individual generation outcomes.
type ItemRecord struct {
	// ItemID identifies the item within its run (e.g. "r003-v1")
	ItemID string `json:"item_id"`

	// Provider names the backend that served the item ("batch", "vertex")
	Provider string `json:"provider"`

	// Status indicates the outcome: "success", "error", "guard_rejected"
	Status string `json:"status"`

	// StartTime is when the first attempt began
	StartTime time.Time `json:"start_time"`

	// EndTime is when the item settled (zero value if still processing)
	EndTime time.Time `json:"end_time,omitempty"`

	// Duration is the total wall time across all attempts
	Duration time.Duration `json:"duration"`

	// Attempts is the number of generation calls made for this item,
	// including retries and style-rejection regenerations
	Attempts int `json:"attempts"`

	// ErrorMsg contains failure details if Status is not "success"
	ErrorMsg string `json:"error_msg,omitempty"`
}

// RunMetrics represents aggregated statistics for a run.
// This is a pure data structure with no behavior.
type RunMetrics struct {
	// Total is the number of items recorded
	Total int64 `json:"total"`

	// Succeeded is the count of items that produced an accepted image
	Succeeded int64 `json:"succeeded"`

	// Failed is the count of items that failed with an error
	Failed int64 `json:"failed"`

	// GuardRejected is the count of items dropped by the similarity check
	GuardRejected int64 `json:"guard_rejected"`

	// Attempts is the total number of generation calls across all items
	Attempts int64 `json:"attempts"`

	// AvgDuration is the average wall time per item
	AvgDuration time.Duration `json:"avg_duration"`

	// EstCost is the estimated spend in USD for accepted images
	EstCost float64 `json:"est_cost"`
}

// Status constants for ItemRecord
const (
	ItemStatusSuccess       = "success"
	ItemStatusError         = "error"
	ItemStatusGuardRejected = "guard_rejected"
)
