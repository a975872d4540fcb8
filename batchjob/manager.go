package batchjob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/btangonan/nano-banana-runner-sub001/core"
	"github.com/btangonan/nano-banana-runner-sub001/imaging"
	"github.com/btangonan/nano-banana-runner-sub001/logging"
	"github.com/btangonan/nano-banana-runner-sub001/providers"
	"github.com/btangonan/nano-banana-runner-sub001/styleguard"
)

const (
	// largeJobWarnThreshold triggers an advisory log on submit; large jobs
	// are allowed, the budgets in preflight are the hard limit.
	largeJobWarnThreshold = 100

	// Poll backoff schedule for Watch.
	pollBaseInterval = 2 * time.Second
	pollMaxInterval  = 30 * time.Second
	pollBackoffStep  = 1.5

	// maxPollCount bounds Watch so an operator mistake or a wedged remote
	// job cannot spin forever. At the capped interval this is over eight
	// hours of polling.
	maxPollCount = 1000
)

// SubmitMeta carries content hashes recorded on the manifest so a resumed
// session can detect whether inputs changed since submission.
type SubmitMeta struct {
	StyleRefsHash string
}

// FetchReport summarizes one Fetch run.
type FetchReport struct {
	Written  []string
	Problems []*core.Problem
}

// Succeeded returns the number of images written.
func (r *FetchReport) Succeeded() int { return len(r.Written) }

// Failed returns the number of per-item failures.
func (r *FetchReport) Failed() int { return len(r.Problems) }

// Manager owns the lifecycle of async batch jobs: it submits work to a
// BatchBackend and keeps the manifest store, operations ledger, and job
// index consistent with what the remote reports.
type Manager struct {
	backend providers.BatchBackend
	store   *ManifestStore
	ledger  *Ledger
	index   *Index            // nil disables indexing
	guard   *styleguard.Guard // nil disables the output similarity check
	cfg     *core.Config
	log     *logging.Logger

	// sleep is swapped out in tests to skip real poll intervals.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager wires a manager from already-constructed parts. Index and guard
// may be nil.
func NewManager(backend providers.BatchBackend, store *ManifestStore, ledger *Ledger,
	index *Index, guard *styleguard.Guard, cfg *core.Config, log *logging.Logger) *Manager {
	return &Manager{
		backend: backend,
		store:   store,
		ledger:  ledger,
		index:   index,
		guard:   guard,
		cfg:     cfg,
		log:     log,
		sleep:   sleepContext,
	}
}

// OpenManager builds the manifest store, ledger, and job index from the
// configured state directory and returns a ready manager.
func OpenManager(backend providers.BatchBackend, guard *styleguard.Guard,
	cfg *core.Config, log *logging.Logger) (*Manager, error) {
	store, err := NewManifestStore(cfg.ManifestDir())
	if err != nil {
		return nil, err
	}
	ledger, err := NewLedger(cfg.LedgerPath())
	if err != nil {
		return nil, err
	}
	index, err := OpenIndex(cfg.IndexPath())
	if err != nil {
		return nil, err
	}
	return NewManager(backend, store, ledger, index, guard, cfg, log), nil
}

// Close releases the job index handle.
func (m *Manager) Close() error {
	if m.index != nil {
		return m.index.Close()
	}
	return nil
}

func (m *Manager) retryOpts() core.RetryOptions {
	return core.RetryOptions{
		MaxAttempts: m.cfg.MaxRetries,
		BaseDelay:   m.cfg.RetryBaseDelay,
		Logger:      m.log.Zap(),
	}
}

// Submit sends the prepared items as one remote batch job, persists the
// initial manifest, and records the operation in the ledger.
func (m *Manager) Submit(ctx context.Context, items []providers.Request, meta SubmitMeta) (*Manifest, error) {
	if len(items) == 0 {
		return nil, core.ConfigProblem("batch submit requires at least one item")
	}
	if len(items) > largeJobWarnThreshold {
		m.log.Warn("large batch job",
			zap.Int("items", len(items)),
			zap.Int("threshold", largeJobWarnThreshold))
	}

	var jobID string
	err := core.WithRetry(ctx, "batch submit", m.retryOpts(), func(ctx context.Context) error {
		var err error
		jobID, err = m.backend.Submit(ctx, items)
		return err
	})
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{
		JobID:         jobID,
		Provider:      m.backend.Name(),
		SubmittedAt:   time.Now().UTC(),
		EstCount:      len(items),
		PromptsHash:   hashPrompts(items),
		StyleRefsHash: meta.StyleRefsHash,
	}
	manifest.AppendStatus(core.JobPending, 0, len(items))
	if err := m.persist(ctx, manifest); err != nil {
		return nil, err
	}

	m.recordLedger(LedgerRecord{
		Operation: "submit",
		Status:    "ok",
		Input:     map[string]any{"items": len(items)},
		Output:    map[string]any{"jobId": jobID},
	})
	m.log.Info("batch job submitted",
		zap.String("job_id", jobID),
		zap.Int("items", len(items)))
	return manifest, nil
}

// Poll fetches the remote status once and folds it into the manifest.
func (m *Manager) Poll(ctx context.Context, jobID string) (providers.BatchStatus, *Manifest, error) {
	manifest, err := m.store.Load(jobID)
	if err != nil {
		return providers.BatchStatus{}, nil, err
	}

	var status providers.BatchStatus
	err = core.WithRetry(ctx, "batch status", m.retryOpts(), func(ctx context.Context) error {
		var err error
		status, err = m.backend.Status(ctx, jobID)
		return err
	})
	if err != nil {
		return providers.BatchStatus{}, manifest, err
	}

	if manifest.AppendStatus(status.State, status.Completed, status.Total) {
		if err := m.persist(ctx, manifest); err != nil {
			return status, manifest, err
		}
	}
	return status, manifest, nil
}

// Watch polls until the job reaches a terminal state. The interval grows from
// two seconds by half each round, capped at thirty seconds; after
// maxPollCount rounds the watch gives up with an error rather than spin
// indefinitely.
func (m *Manager) Watch(ctx context.Context, jobID string) (providers.BatchStatus, error) {
	interval := pollBaseInterval
	for polls := 1; polls <= maxPollCount; polls++ {
		status, _, err := m.Poll(ctx, jobID)
		if err != nil {
			return status, err
		}
		if status.State.Terminal() {
			m.log.Info("batch job finished",
				zap.String("job_id", jobID),
				zap.String("state", string(status.State)),
				zap.Int("polls", polls))
			return status, nil
		}
		m.log.Debug("batch job still running",
			zap.String("job_id", jobID),
			zap.Int("completed", status.Completed),
			zap.Int("total", status.Total),
			zap.Duration("next_poll", interval))
		if err := m.sleep(ctx, interval); err != nil {
			return status, err
		}
		interval = time.Duration(float64(interval) * pollBackoffStep)
		if interval > pollMaxInterval {
			interval = pollMaxInterval
		}
	}
	return providers.BatchStatus{}, fmt.Errorf("batchjob: job %s did not finish within %d polls", jobID, maxPollCount)
}

// Fetch downloads the finished job's results and writes each image to
// outDir. Per-item failures (remote errors, undecodable payloads, style
// rejections) become Problems on the report and the manifest; they do not
// abort the remaining items.
func (m *Manager) Fetch(ctx context.Context, jobID, outDir string) (*FetchReport, error) {
	manifest, err := m.store.Load(jobID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("batchjob: create output dir: %w", err)
	}

	var results []providers.BatchResult
	err = core.WithRetry(ctx, "batch fetch", m.retryOpts(), func(ctx context.Context) error {
		var err error
		results, err = m.backend.Fetch(ctx, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}

	report := &FetchReport{}
	for _, res := range results {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		path, prob := m.writeResult(outDir, res)
		if prob != nil {
			report.Problems = append(report.Problems, prob)
			m.recordLedger(LedgerRecord{
				Operation: "fetch_item",
				Status:    "error",
				Input:     map[string]any{"jobId": jobID, "itemId": res.ItemID},
				Output:    map[string]any{"problem": prob.Type, "detail": prob.Detail},
			})
			continue
		}
		report.Written = append(report.Written, path)
		m.recordLedger(LedgerRecord{
			Operation: "fetch_item",
			Status:    "ok",
			Input:     map[string]any{"jobId": jobID, "itemId": res.ItemID},
			Output:    map[string]any{"path": path},
		})
	}

	manifest.Problems = append(manifest.Problems, report.Problems...)
	if err := m.persist(ctx, manifest); err != nil {
		return report, err
	}

	m.recordLedger(LedgerRecord{
		Operation: "fetch",
		Status:    "ok",
		Input:     map[string]any{"jobId": jobID},
		Output: map[string]any{
			"written": report.Succeeded(),
			"failed":  report.Failed(),
		},
	})
	m.log.Info("batch results fetched",
		zap.String("job_id", jobID),
		zap.Int("written", report.Succeeded()),
		zap.Int("failed", report.Failed()))
	return report, nil
}

// writeResult validates one batch result and writes it to disk, returning
// the written path or a Problem describing why the item was dropped.
func (m *Manager) writeResult(outDir string, res providers.BatchResult) (string, *core.Problem) {
	if res.Err != nil {
		status := core.HTTPStatusOf(res.Err)
		if status == 0 {
			status = 502
		}
		return "", core.NewProblem(core.ProblemTypeFetchItem, "item failed remotely", status,
			fmt.Sprintf("item %s: %v", res.ItemID, res.Err))
	}
	if res.Image == nil || len(res.Image.Data) == 0 {
		return "", core.NewProblem(core.ProblemTypeFetchItem, "item returned no image", 502,
			fmt.Sprintf("item %s: empty payload", res.ItemID))
	}
	if _, err := imaging.Decode(res.Image.Data); err != nil {
		return "", core.NewProblem(core.ProblemTypeFetchItem, "item payload is not a decodable image", 502,
			fmt.Sprintf("item %s: %v", res.ItemID, err))
	}
	if m.guard != nil && !m.guard.Passes(res.Image.Data) {
		return "", core.NewProblem(core.ProblemTypeStyleGuard, "generated image too close to a style reference", 422,
			fmt.Sprintf("item %s rejected by similarity check", res.ItemID))
	}

	path := filepath.Join(outDir, filepath.Base(res.ItemID)+extForMIME(res.Image.MIMEType))
	if err := writeFileAtomic(path, res.Image.Data, 0o644); err != nil {
		return "", core.NewProblem(core.ProblemTypeFetchItem, "failed to write image", 500,
			fmt.Sprintf("item %s: %v", res.ItemID, err))
	}
	return path, nil
}

// Cancel requests cancellation of a remote job. Cancelling an unknown or
// already-finished job is not an error: the returned disposition is
// "canceled" or "not_found".
func (m *Manager) Cancel(ctx context.Context, jobID string) (string, error) {
	err := core.WithRetry(ctx, "batch cancel", m.retryOpts(), func(ctx context.Context) error {
		return m.backend.Cancel(ctx, jobID)
	})
	if err != nil {
		if core.HTTPStatusOf(err) == 404 {
			m.recordLedger(LedgerRecord{
				Operation: "cancel",
				Status:    "not_found",
				Input:     map[string]any{"jobId": jobID},
			})
			return "not_found", nil
		}
		return "", err
	}

	if manifest, loadErr := m.store.Load(jobID); loadErr == nil {
		if manifest.AppendStatus(core.JobCanceled, 0, manifest.EstCount) {
			if err := m.persist(ctx, manifest); err != nil {
				return "", err
			}
		}
	}
	m.recordLedger(LedgerRecord{
		Operation: "cancel",
		Status:    "canceled",
		Input:     map[string]any{"jobId": jobID},
	})
	m.log.Info("batch job canceled", zap.String("job_id", jobID))
	return "canceled", nil
}

// Resume picks up an interrupted session with a single remote poll. When
// the job has succeeded the results are fetched; any other state, terminal
// or not, is returned as-is with a nil report so the caller decides whether
// to keep watching.
func (m *Manager) Resume(ctx context.Context, jobID, outDir string) (*FetchReport, providers.BatchStatus, error) {
	manifest, err := m.store.Load(jobID)
	if err != nil {
		return nil, providers.BatchStatus{}, err
	}

	status := providers.BatchStatus{
		State:     manifest.Current().Status,
		Completed: manifest.Current().Completed,
		Total:     manifest.Current().Total,
	}
	if !status.State.Terminal() {
		status, _, err = m.Poll(ctx, jobID)
		if err != nil {
			return nil, status, err
		}
	}
	if status.State != core.JobSucceeded {
		return nil, status, nil
	}
	report, err := m.Fetch(ctx, jobID, outDir)
	return report, status, err
}

// persist saves the manifest and mirrors it into the job index.
func (m *Manager) persist(ctx context.Context, manifest *Manifest) error {
	if err := m.store.Save(manifest); err != nil {
		return err
	}
	if m.index != nil {
		if err := m.index.Upsert(ctx, manifest); err != nil {
			return err
		}
	}
	return nil
}

// recordLedger appends to the ledger, logging instead of failing the
// operation when the append itself fails.
func (m *Manager) recordLedger(rec LedgerRecord) {
	if m.ledger == nil {
		return
	}
	if err := m.ledger.Append(rec); err != nil {
		m.log.Warn("ledger append failed", zap.Error(err))
	}
}

// hashPrompts fingerprints the ordered prompt texts of a submission.
func hashPrompts(items []providers.Request) string {
	h := sha256.New()
	for _, it := range items {
		h.Write([]byte(it.Prompt))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func extForMIME(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

// sleepContext blocks for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
