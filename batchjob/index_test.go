package batchjob

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/btangonan/nano-banana-runner-sub001/core"
)

func TestIndexUpsertAndList(t *testing.T) {
	ix, err := OpenIndex(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	defer ix.Close()

	ctx := context.Background()
	first := &Manifest{
		JobID:       "batch_old",
		Provider:    core.ProviderBatch,
		SubmittedAt: time.Now().UTC().Add(-time.Hour),
		EstCount:    4,
	}
	first.AppendStatus(core.JobPending, 0, 4)
	second := &Manifest{
		JobID:       "batch_new",
		Provider:    core.ProviderBatch,
		SubmittedAt: time.Now().UTC(),
		EstCount:    2,
	}
	second.AppendStatus(core.JobRunning, 1, 2)

	for _, m := range []*Manifest{first, second} {
		if err := ix.Upsert(ctx, m); err != nil {
			t.Fatalf("Upsert(%s): %v", m.JobID, err)
		}
	}

	jobs, err := ix.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("List returned %d jobs, want 2", len(jobs))
	}
	if jobs[0].JobID != "batch_new" {
		t.Fatalf("most recent job first: got %q", jobs[0].JobID)
	}
	if jobs[0].Status != core.JobRunning || jobs[0].Completed != 1 {
		t.Fatalf("indexed state mismatch: %+v", jobs[0])
	}

	// Upsert with a newer status updates in place rather than inserting.
	second.AppendStatus(core.JobSucceeded, 2, 2)
	if err := ix.Upsert(ctx, second); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}
	jobs, err = ix.List(ctx)
	if err != nil {
		t.Fatalf("List after update: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("update inserted a duplicate row: %d jobs", len(jobs))
	}
	if jobs[0].Status != core.JobSucceeded {
		t.Fatalf("status after update = %s, want succeeded", jobs[0].Status)
	}
}
