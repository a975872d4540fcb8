package batchjob

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btangonan/nano-banana-runner-sub001/core"
	"github.com/btangonan/nano-banana-runner-sub001/logging"
	"github.com/btangonan/nano-banana-runner-sub001/providers"
	"github.com/btangonan/nano-banana-runner-sub001/styleguard"
)

// fakeBackend scripts the remote batch API for manager tests.
type fakeBackend struct {
	submitID  string
	submitErr error
	submitted [][]providers.Request

	statuses    []providers.BatchStatus
	statusErr   error
	statusCalls int

	results  []providers.BatchResult
	fetchErr error

	cancelErr error
	canceled  []string
}

func (f *fakeBackend) Name() core.ProviderName { return core.ProviderBatch }

func (f *fakeBackend) Submit(_ context.Context, items []providers.Request) (string, error) {
	f.submitted = append(f.submitted, items)
	return f.submitID, f.submitErr
}

func (f *fakeBackend) Status(context.Context, string) (providers.BatchStatus, error) {
	if f.statusErr != nil {
		return providers.BatchStatus{}, f.statusErr
	}
	i := f.statusCalls
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.statusCalls++
	return f.statuses[i], nil
}

func (f *fakeBackend) Fetch(context.Context, string) ([]providers.BatchResult, error) {
	return f.results, f.fetchErr
}

func (f *fakeBackend) Cancel(_ context.Context, jobID string) error {
	f.canceled = append(f.canceled, jobID)
	return f.cancelErr
}

func newTestManager(t *testing.T, backend providers.BatchBackend, guard *styleguard.Guard) *Manager {
	t.Helper()
	store, err := NewManifestStore(filepath.Join(t.TempDir(), "jobs"))
	if err != nil {
		t.Fatalf("NewManifestStore: %v", err)
	}
	ledger, err := NewLedger(filepath.Join(t.TempDir(), "ledger.jsonl"))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	cfg := &core.Config{MaxRetries: 1, RetryBaseDelay: time.Millisecond}
	m := NewManager(backend, store, ledger, nil, guard, cfg, logging.NewTestLogger())
	m.sleep = func(context.Context, time.Duration) error { return nil }
	return m
}

func TestManagerSubmit(t *testing.T) {
	backend := &fakeBackend{submitID: "batch_123"}
	m := newTestManager(t, backend, nil)

	items := []providers.Request{
		{ItemID: "r000-v1", Prompt: "a red fox"},
		{ItemID: "r001-v1", Prompt: "a blue heron"},
	}
	manifest, err := m.Submit(context.Background(), items, SubmitMeta{StyleRefsHash: "abc"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if manifest.JobID != "batch_123" || manifest.EstCount != 2 {
		t.Fatalf("manifest = %+v", manifest)
	}
	if manifest.PromptsHash == "" {
		t.Fatal("prompts hash not recorded")
	}
	if manifest.StyleRefsHash != "abc" {
		t.Fatalf("style refs hash = %q", manifest.StyleRefsHash)
	}
	if manifest.Current().Status != core.JobPending {
		t.Fatalf("initial status = %s, want pending", manifest.Current().Status)
	}

	// The manifest must be durable, not just in memory.
	loaded, err := m.store.Load("batch_123")
	if err != nil {
		t.Fatalf("Load after submit: %v", err)
	}
	if loaded.PromptsHash != manifest.PromptsHash {
		t.Fatal("persisted manifest differs from returned manifest")
	}
}

func TestManagerSubmitEmpty(t *testing.T) {
	m := newTestManager(t, &fakeBackend{}, nil)
	_, err := m.Submit(context.Background(), nil, SubmitMeta{})
	prob := core.AsProblem(err)
	if prob == nil || prob.Status != 400 {
		t.Fatalf("empty submit error = %v, want 400 problem", err)
	}
}

func TestManagerPollAppendsOnChange(t *testing.T) {
	backend := &fakeBackend{
		submitID: "batch_poll",
		statuses: []providers.BatchStatus{
			{State: core.JobRunning, Completed: 1, Total: 3},
			{State: core.JobRunning, Completed: 1, Total: 3},
			{State: core.JobSucceeded, Completed: 3, Total: 3},
		},
	}
	m := newTestManager(t, backend, nil)
	ctx := context.Background()
	if _, err := m.Submit(ctx, []providers.Request{{ItemID: "r000-v1", Prompt: "x"}}, SubmitMeta{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, _, err := m.Poll(ctx, "batch_poll"); err != nil {
			t.Fatalf("Poll %d: %v", i, err)
		}
	}
	manifest, err := m.store.Load("batch_poll")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// pending (submit), running, succeeded; the repeated running
	// observation with unchanged counts is dropped.
	if got := len(manifest.StatusHistory); got != 3 {
		t.Fatalf("status history length = %d, want 3: %+v", got, manifest.StatusHistory)
	}
}

func TestManagerPollUnknownJob(t *testing.T) {
	m := newTestManager(t, &fakeBackend{}, nil)
	_, _, err := m.Poll(context.Background(), "missing")
	if !errors.Is(err, ErrManifestNotFound) {
		t.Fatalf("Poll unknown job = %v, want ErrManifestNotFound", err)
	}
}

func TestManagerWatchUntilTerminal(t *testing.T) {
	backend := &fakeBackend{
		submitID: "batch_watch",
		statuses: []providers.BatchStatus{
			{State: core.JobRunning, Completed: 0, Total: 2},
			{State: core.JobRunning, Completed: 1, Total: 2},
			{State: core.JobSucceeded, Completed: 2, Total: 2},
		},
	}
	m := newTestManager(t, backend, nil)
	ctx := context.Background()
	if _, err := m.Submit(ctx, []providers.Request{{ItemID: "r000-v1", Prompt: "x"}}, SubmitMeta{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	status, err := m.Watch(ctx, "batch_watch")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if status.State != core.JobSucceeded {
		t.Fatalf("terminal state = %s, want succeeded", status.State)
	}
	if backend.statusCalls != 3 {
		t.Fatalf("status calls = %d, want 3", backend.statusCalls)
	}
}

func TestManagerWatchCancellation(t *testing.T) {
	backend := &fakeBackend{
		submitID: "batch_stuck",
		statuses: []providers.BatchStatus{{State: core.JobRunning, Total: 1}},
	}
	m := newTestManager(t, backend, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := m.Submit(ctx, []providers.Request{{ItemID: "r000-v1", Prompt: "x"}}, SubmitMeta{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	m.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := m.Watch(ctx, "batch_stuck")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Watch after cancel = %v, want context.Canceled", err)
	}
}

func TestManagerFetch(t *testing.T) {
	goodPNG := grayPNG(t, 64, 64, func(x, y int) uint8 { return uint8((x + y) % 256) })
	backend := &fakeBackend{
		submitID: "batch_fetch",
		results: []providers.BatchResult{
			{ItemID: "r000-v1", Image: &providers.Image{ID: "r000-v1", Data: goodPNG, MIMEType: "image/png"}},
			{ItemID: "r001-v1", Err: core.NewStatusError(500, "model error", nil)},
			{ItemID: "r002-v1", Image: &providers.Image{ID: "r002-v1", Data: []byte("not an image"), MIMEType: "image/png"}},
		},
	}
	m := newTestManager(t, backend, nil)
	ctx := context.Background()
	if _, err := m.Submit(ctx, []providers.Request{{ItemID: "r000-v1", Prompt: "x"}}, SubmitMeta{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	outDir := t.TempDir()
	report, err := m.Fetch(ctx, "batch_fetch", outDir)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if report.Succeeded() != 1 || report.Failed() != 2 {
		t.Fatalf("report = %d written, %d failed; want 1/2", report.Succeeded(), report.Failed())
	}
	want := filepath.Join(outDir, "r000-v1.png")
	if report.Written[0] != want {
		t.Fatalf("written path = %q, want %q", report.Written[0], want)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(data, goodPNG) {
		t.Fatal("output file does not match generated payload")
	}

	// Per-item failures land on the manifest.
	manifest, err := m.store.Load("batch_fetch")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(manifest.Problems) != 2 {
		t.Fatalf("manifest problems = %d, want 2", len(manifest.Problems))
	}
	if manifest.Problems[0].Status != 500 {
		t.Fatalf("remote failure status = %d, want 500", manifest.Problems[0].Status)
	}
}

func TestManagerFetchStyleGuardRejection(t *testing.T) {
	ref := grayPNG(t, 64, 64, func(x, y int) uint8 { return uint8(x * 4) })
	guard := styleguard.New([][]byte{ref}, 10, logging.NewTestLogger())

	backend := &fakeBackend{
		submitID: "batch_guard",
		results: []providers.BatchResult{
			// Identical to the style reference: must be rejected.
			{ItemID: "r000-v1", Image: &providers.Image{ID: "r000-v1", Data: ref, MIMEType: "image/png"}},
		},
	}
	m := newTestManager(t, backend, guard)
	ctx := context.Background()
	if _, err := m.Submit(ctx, []providers.Request{{ItemID: "r000-v1", Prompt: "x"}}, SubmitMeta{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	report, err := m.Fetch(ctx, "batch_guard", t.TempDir())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if report.Succeeded() != 0 || report.Failed() != 1 {
		t.Fatalf("report = %d written, %d failed; want 0/1", report.Succeeded(), report.Failed())
	}
	if report.Problems[0].Status != 422 {
		t.Fatalf("rejection status = %d, want 422", report.Problems[0].Status)
	}
	if report.Problems[0].Type != core.ProblemTypeStyleGuard {
		t.Fatalf("rejection type = %q", report.Problems[0].Type)
	}
}

func TestManagerCancel(t *testing.T) {
	backend := &fakeBackend{submitID: "batch_cancel"}
	m := newTestManager(t, backend, nil)
	ctx := context.Background()
	if _, err := m.Submit(ctx, []providers.Request{{ItemID: "r000-v1", Prompt: "x"}}, SubmitMeta{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	disposition, err := m.Cancel(ctx, "batch_cancel")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if disposition != "canceled" {
		t.Fatalf("disposition = %q, want canceled", disposition)
	}
	manifest, err := m.store.Load("batch_cancel")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if manifest.Current().Status != core.JobCanceled {
		t.Fatalf("status after cancel = %s", manifest.Current().Status)
	}
}

func TestManagerCancelUnknownJob(t *testing.T) {
	backend := &fakeBackend{cancelErr: core.NewStatusError(404, "no such batch", nil)}
	m := newTestManager(t, backend, nil)

	disposition, err := m.Cancel(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Cancel unknown: %v", err)
	}
	if disposition != "not_found" {
		t.Fatalf("disposition = %q, want not_found", disposition)
	}
}

func TestManagerResumeFinishedJob(t *testing.T) {
	goodPNG := grayPNG(t, 64, 64, func(x, y int) uint8 { return uint8(x) })
	backend := &fakeBackend{
		submitID: "batch_resume",
		statuses: []providers.BatchStatus{{State: core.JobSucceeded, Completed: 1, Total: 1}},
		results: []providers.BatchResult{
			{ItemID: "r000-v1", Image: &providers.Image{ID: "r000-v1", Data: goodPNG, MIMEType: "image/png"}},
		},
	}
	m := newTestManager(t, backend, nil)
	ctx := context.Background()
	if _, err := m.Submit(ctx, []providers.Request{{ItemID: "r000-v1", Prompt: "x"}}, SubmitMeta{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	report, status, err := m.Resume(ctx, "batch_resume", t.TempDir())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if status.State != core.JobSucceeded {
		t.Fatalf("resumed state = %s", status.State)
	}
	if report == nil || report.Succeeded() != 1 {
		t.Fatalf("resumed report = %+v", report)
	}
}

func TestManagerResumeFailedJobSkipsFetch(t *testing.T) {
	backend := &fakeBackend{
		submitID: "batch_failed",
		statuses: []providers.BatchStatus{{State: core.JobFailed, Total: 1}},
	}
	m := newTestManager(t, backend, nil)
	ctx := context.Background()
	if _, err := m.Submit(ctx, []providers.Request{{ItemID: "r000-v1", Prompt: "x"}}, SubmitMeta{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, _, err := m.Poll(ctx, "batch_failed"); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	report, status, err := m.Resume(ctx, "batch_failed", t.TempDir())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if status.State != core.JobFailed {
		t.Fatalf("resumed state = %s, want failed", status.State)
	}
	if report != nil {
		t.Fatal("failed job should not produce a fetch report")
	}
}

func TestManagerResumeRunningJobPollsOnce(t *testing.T) {
	backend := &fakeBackend{
		submitID: "batch_running",
		statuses: []providers.BatchStatus{
			{State: core.JobRunning, Completed: 1, Total: 3},
			{State: core.JobRunning, Completed: 2, Total: 3},
			{State: core.JobSucceeded, Completed: 3, Total: 3},
		},
	}
	m := newTestManager(t, backend, nil)
	sleeps := 0
	m.sleep = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}
	ctx := context.Background()
	if _, err := m.Submit(ctx, []providers.Request{{ItemID: "r000-v1", Prompt: "x"}}, SubmitMeta{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	report, status, err := m.Resume(ctx, "batch_running", t.TempDir())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if status.State != core.JobRunning {
		t.Fatalf("resumed state = %s, want running", status.State)
	}
	if report != nil {
		t.Fatal("running job should not produce a fetch report")
	}
	if backend.statusCalls != 1 {
		t.Fatalf("status calls = %d, want 1", backend.statusCalls)
	}
	if sleeps != 0 {
		t.Fatalf("sleeps = %d, want 0", sleeps)
	}
}

// grayPNG encodes a grayscale PNG whose pixels come from shade.
func grayPNG(t *testing.T, w, h int, shade func(x, y int) uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Pix[y*img.Stride+x] = shade(x, y)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
