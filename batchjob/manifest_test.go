package batchjob

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/btangonan/nano-banana-runner-sub001/core"
)

func TestManifestAppendStatusDeduplicates(t *testing.T) {
	m := &Manifest{JobID: "job-1"}

	if !m.AppendStatus(core.JobPending, 0, 10) {
		t.Fatal("first status should append")
	}
	if m.AppendStatus(core.JobPending, 0, 10) {
		t.Fatal("repeated pending should not append")
	}
	if !m.AppendStatus(core.JobRunning, 2, 10) {
		t.Fatal("transition to running should append")
	}
	if m.AppendStatus(core.JobRunning, 2, 10) {
		t.Fatal("running with unchanged counts should not append")
	}
	if !m.AppendStatus(core.JobRunning, 5, 10) {
		t.Fatal("running with moved progress should append")
	}
	if !m.AppendStatus(core.JobSucceeded, 10, 10) {
		t.Fatal("terminal transition should append")
	}

	if got := len(m.StatusHistory); got != 4 {
		t.Fatalf("status history length = %d, want 4", got)
	}
	if m.Current().Status != core.JobSucceeded {
		t.Fatalf("current status = %s, want succeeded", m.Current().Status)
	}
}

func TestManifestStoreRoundTrip(t *testing.T) {
	store, err := NewManifestStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewManifestStore: %v", err)
	}

	manifest := &Manifest{
		JobID:       "batch_abc123",
		Provider:    core.ProviderBatch,
		SubmittedAt: time.Now().UTC().Truncate(time.Second),
		EstCount:    12,
		PromptsHash: "deadbeef",
	}
	manifest.AppendStatus(core.JobPending, 0, 12)

	if err := store.Save(manifest); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !store.Exists("batch_abc123") {
		t.Fatal("Exists should report saved manifest")
	}

	loaded, err := store.Load("batch_abc123")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.JobID != manifest.JobID || loaded.EstCount != 12 {
		t.Fatalf("loaded manifest mismatch: %+v", loaded)
	}
	if len(loaded.StatusHistory) != 1 || loaded.StatusHistory[0].Status != core.JobPending {
		t.Fatalf("status history not preserved: %+v", loaded.StatusHistory)
	}
}

func TestManifestStoreLoadMissing(t *testing.T) {
	store, err := NewManifestStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewManifestStore: %v", err)
	}
	if _, err := store.Load("no-such-job"); !errors.Is(err, ErrManifestNotFound) {
		t.Fatalf("Load missing = %v, want ErrManifestNotFound", err)
	}
}

func TestManifestStorePathFlattensJobID(t *testing.T) {
	dir := t.TempDir()
	store, err := NewManifestStore(dir)
	if err != nil {
		t.Fatalf("NewManifestStore: %v", err)
	}
	got := store.path("../escape")
	if filepath.Dir(got) != dir {
		t.Fatalf("path %q escapes store dir %q", got, dir)
	}
}
