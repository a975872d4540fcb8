package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ModelHealth classification values.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded" // reachable but not entitled (HTTP 404)
	HealthError    = "error"
)

// ModelHealth is the probe result for one publisher model.
type ModelHealth struct {
	Model  string `json:"model"`
	Status string `json:"status"`
	HTTP   int    `json:"http"`
	Code   string `json:"code,omitempty"`
}

// HealthSnapshot is the publisher/model health cache, regenerated wholesale
// by a probe sweep and read-only to the selector.
type HealthSnapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	Project   string        `json:"project"`
	Location  string        `json:"location"`
	Results   []ModelHealth `json:"results"`
}

// snapshotMaxAge is how long a snapshot stays fresh. Older snapshots are
// still honored (advisory) but flagged stale to the caller.
const snapshotMaxAge = 24 * time.Hour

// Stale reports whether the snapshot is older than the advisory TTL.
func (s *HealthSnapshot) Stale(now time.Time) bool {
	return now.Sub(s.Timestamp) > snapshotMaxAge
}

// Lookup returns the health row for a model, if the sweep recorded one.
func (s *HealthSnapshot) Lookup(model string) (ModelHealth, bool) {
	for _, r := range s.Results {
		if r.Model == model {
			return r, true
		}
	}
	return ModelHealth{}, false
}

// LoadHealthSnapshot reads the snapshot file. A missing file returns
// (nil, nil): the selector fails open rather than blocking on unavailable
// probe infrastructure.
func LoadHealthSnapshot(path string) (*HealthSnapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("providers: read probe cache: %w", err)
	}
	var snap HealthSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("providers: parse probe cache: %w", err)
	}
	return &snap, nil
}

// SaveHealthSnapshot writes the snapshot atomically (temp file + rename) so
// a concurrent reader never sees a torn document.
func SaveHealthSnapshot(path string, snap *HealthSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("providers: encode probe cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("providers: create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("providers: write probe cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("providers: replace probe cache: %w", err)
	}
	return nil
}
