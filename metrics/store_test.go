package metrics

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRunStoreAggregation(t *testing.T) {
	store := NewRunStore(DefaultStoreConfig())

	records := []ItemRecord{
		{ItemID: "r000-v1", Provider: "vertex", Status: ItemStatusSuccess, Attempts: 1, Duration: 2 * time.Second},
		{ItemID: "r001-v1", Provider: "vertex", Status: ItemStatusSuccess, Attempts: 3, Duration: 6 * time.Second},
		{ItemID: "r002-v1", Provider: "vertex", Status: ItemStatusError, Attempts: 3, Duration: 4 * time.Second, ErrorMsg: "remote 500"},
		{ItemID: "r003-v1", Provider: "vertex", Status: ItemStatusGuardRejected, Attempts: 3, Duration: 8 * time.Second},
	}
	for _, rec := range records {
		store.RecordItem(rec)
	}

	got := store.Snapshot(0.039)
	if got.Total != 4 || got.Succeeded != 2 || got.Failed != 1 || got.GuardRejected != 1 {
		t.Fatalf("counts = %+v", got)
	}
	if got.Attempts != 10 {
		t.Fatalf("attempts = %d, want 10", got.Attempts)
	}
	if got.AvgDuration != 5*time.Second {
		t.Fatalf("avg duration = %s, want 5s", got.AvgDuration)
	}
	// Only accepted images cost money.
	if want := 2 * 0.039; got.EstCost != want {
		t.Fatalf("est cost = %f, want %f", got.EstCost, want)
	}
}

func TestRunStoreSnapshotEmpty(t *testing.T) {
	store := NewRunStore(DefaultStoreConfig())
	got := store.Snapshot(0.039)
	if got.Total != 0 || got.AvgDuration != 0 || got.EstCost != 0 {
		t.Fatalf("empty snapshot = %+v", got)
	}
}

func TestRunStoreRecentItems(t *testing.T) {
	store := NewRunStore(StoreConfig{HistoryCapacity: 3})

	for i := 0; i < 5; i++ {
		store.RecordItem(ItemRecord{
			ItemID: fmt.Sprintf("r%03d-v1", i),
			Status: ItemStatusSuccess,
		})
	}

	recent := store.RecentItems(10)
	if len(recent) != 3 {
		t.Fatalf("recent length = %d, want ring capacity 3", len(recent))
	}
	// Newest first; the two oldest records were overwritten.
	want := []string{"r004-v1", "r003-v1", "r002-v1"}
	for i, rec := range recent {
		if rec.ItemID != want[i] {
			t.Fatalf("recent[%d] = %q, want %q", i, rec.ItemID, want[i])
		}
	}

	if got := store.RecentItems(0); len(got) != 0 {
		t.Fatalf("RecentItems(0) = %d records, want none", len(got))
	}
	if got := store.RecentItems(2); len(got) != 2 || got[0].ItemID != "r004-v1" {
		t.Fatalf("RecentItems(2) = %+v", got)
	}
}

func TestRunStoreConcurrentRecording(t *testing.T) {
	store := NewRunStore(DefaultStoreConfig())

	var wg sync.WaitGroup
	const workers = 8
	const perWorker = 50
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				store.RecordItem(ItemRecord{
					ItemID:   fmt.Sprintf("w%d-r%03d", w, i),
					Status:   ItemStatusSuccess,
					Attempts: 1,
				})
			}
		}(w)
	}
	wg.Wait()

	got := store.Snapshot(0)
	if got.Total != workers*perWorker {
		t.Fatalf("total = %d, want %d", got.Total, workers*perWorker)
	}
	if got.Succeeded != workers*perWorker {
		t.Fatalf("succeeded = %d, want %d", got.Succeeded, workers*perWorker)
	}
}
