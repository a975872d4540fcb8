package batchjob

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LedgerRecord is one line of the append-only operations ledger. Input and
// Output hold small operation-specific summaries, never image payloads.
type LedgerRecord struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Operation string         `json:"operation"`
	Input     map[string]any `json:"input,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Ledger appends operation records to a JSONL file. Each record is written
// as a single line so the file stays greppable and tail-safe. Appends are
// serialized within the process; O_APPEND keeps lines whole across
// processes on the filesystems we care about.
type Ledger struct {
	mu   sync.Mutex
	path string
}

// NewLedger ensures the parent directory exists and returns a ledger bound
// to path. The file itself is created on first append.
func NewLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("batchjob: create ledger dir: %w", err)
	}
	return &Ledger{path: path}, nil
}

// Append writes one record. The record's ID and Timestamp are filled in when
// empty.
func (l *Ledger) Append(rec LedgerRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("batchjob: encode ledger record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("batchjob: open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("batchjob: append ledger record: %w", err)
	}
	return nil
}
