// Package batchjob drives the async batch-job state machine (submit, poll,
// fetch, cancel) with durable manifests, an append-only operations ledger,
// and a queryable sqlite job index.
package batchjob

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btangonan/nano-banana-runner-sub001/core"
)

// StatusEntry is one row of a manifest's status history.
type StatusEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Status    core.JobStatus `json:"status"`
	Completed int            `json:"completed,omitempty"`
	Total     int            `json:"total,omitempty"`
}

// Manifest is the persisted record of one async batch job. StatusHistory is
// append-only and monotonically time-ordered; manifests are never deleted by
// this package (retention is an external concern).
type Manifest struct {
	JobID         string            `json:"jobId"`
	Provider      core.ProviderName `json:"provider"`
	SubmittedAt   time.Time         `json:"submittedAt"`
	EstCount      int               `json:"estCount"`
	PromptsHash   string            `json:"promptsHash,omitempty"`
	StyleRefsHash string            `json:"styleRefsHash,omitempty"`
	StatusHistory []StatusEntry     `json:"statusHistory"`
	Problems      []*core.Problem   `json:"problems,omitempty"`
}

// Current returns the most recent status entry.
func (m *Manifest) Current() StatusEntry {
	if len(m.StatusHistory) == 0 {
		return StatusEntry{Status: core.JobPending}
	}
	return m.StatusHistory[len(m.StatusHistory)-1]
}

// AppendStatus records a status observation. An entry is appended only when
// the status actually changed, with one exception: repeated `running`
// observations with moved progress counts are kept, so operators can see
// progress between polls. Returns true when an entry was appended.
func (m *Manifest) AppendStatus(status core.JobStatus, completed, total int) bool {
	last := m.Current()
	if len(m.StatusHistory) > 0 && last.Status == status {
		progressed := status == core.JobRunning &&
			(completed != last.Completed || total != last.Total)
		if !progressed {
			return false
		}
	}
	m.StatusHistory = append(m.StatusHistory, StatusEntry{
		Timestamp: time.Now().UTC(),
		Status:    status,
		Completed: completed,
		Total:     total,
	})
	return true
}

// ErrManifestNotFound is returned when no manifest exists for a job id.
var ErrManifestNotFound = errors.New("batchjob: manifest not found")

// ManifestStore persists manifests as one JSON document per job under a
// directory, keyed by job id. Writes are atomic (temp file + rename), so a
// crash mid-write never corrupts a manifest. Single-writer per job id is
// assumed; there is no cross-process locking.
type ManifestStore struct {
	dir string
}

// NewManifestStore creates the store directory if needed.
func NewManifestStore(dir string) (*ManifestStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("batchjob: create manifest dir: %w", err)
	}
	return &ManifestStore{dir: dir}, nil
}

func (s *ManifestStore) path(jobID string) string {
	// Job ids come from the remote API; flatten any separator so a hostile
	// id cannot escape the store directory.
	return filepath.Join(s.dir, filepath.Base(jobID)+".json")
}

// Save writes the manifest atomically.
func (s *ManifestStore) Save(m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("batchjob: encode manifest: %w", err)
	}
	return writeFileAtomic(s.path(m.JobID), data, 0o644)
}

// Load reads a manifest, returning ErrManifestNotFound when absent.
func (s *ManifestStore) Load(jobID string) (*Manifest, error) {
	data, err := os.ReadFile(s.path(jobID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("batchjob: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("batchjob: parse manifest %s: %w", jobID, err)
	}
	return &m, nil
}

// Exists reports whether a manifest is present for the job id.
func (s *ManifestStore) Exists(jobID string) bool {
	_, err := os.Stat(s.path(jobID))
	return err == nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("batchjob: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("batchjob: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("batchjob: close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("batchjob: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("batchjob: rename into place: %w", err)
	}
	return nil
}
