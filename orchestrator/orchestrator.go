// Package orchestrator ties the pipeline together: preflight the reference
// pack, pick a provider, then either delegate to the async batch manager or
// drive the synchronous generation pool to completion.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/btangonan/nano-banana-runner-sub001/batchjob"
	"github.com/btangonan/nano-banana-runner-sub001/core"
	"github.com/btangonan/nano-banana-runner-sub001/logging"
	"github.com/btangonan/nano-banana-runner-sub001/metrics"
	"github.com/btangonan/nano-banana-runner-sub001/providers"
	"github.com/btangonan/nano-banana-runner-sub001/refpack"
	"github.com/btangonan/nano-banana-runner-sub001/styleguard"
)

const (
	// syncPoolCap bounds concurrent sync generation calls regardless of job
	// size; the remote rate limits long before the local machine does.
	syncPoolCap = 4

	// styleRetryLimit is how many extra generations a style-rejected item
	// gets before it is dropped.
	styleRetryLimit = 2

	// styleRetryJitter bounds the random delay before a regeneration.
	styleRetryJitter = time.Second

	// estPerImage is the nominal wall time of one sync generation call,
	// used only for dry-run duration estimates.
	estPerImage = 12 * time.Second
)

// RunResult summarizes one run, whichever path served it.
type RunResult struct {
	Provider core.ProviderName  `json:"provider"`
	JobID    string             `json:"jobId,omitempty"`
	Written  []string           `json:"written,omitempty"`
	Problems []*core.Problem    `json:"problems,omitempty"`
	Metrics  metrics.RunMetrics `json:"metrics"`
}

// Estimate is the outcome of a dry run. Nothing has touched the network and
// no state has been written when one is returned.
type Estimate struct {
	Count       int             `json:"count"`
	EstCost     float64         `json:"estCost"`
	EstDuration time.Duration   `json:"estDuration"`
	Chunks      int             `json:"chunks"`
	UniqueRefs  int             `json:"uniqueRefs"`
	Problems    []*core.Problem `json:"problems,omitempty"`
}

// ProviderSelector resolves which backend serves a run. Satisfied by
// providers.Selector.
type ProviderSelector interface {
	Select(ctx context.Context, override core.ProviderName, noFallback bool) (*providers.Selection, error)
}

// Orchestrator runs generation jobs end to end.
type Orchestrator struct {
	cfg       *core.Config
	log       *logging.Logger
	selector  ProviderSelector
	collector metrics.Collector

	// newManager is swapped out in tests to inject a fake batch manager.
	newManager func(backend providers.BatchBackend, guard *styleguard.Guard) (*batchjob.Manager, error)

	// sleep is swapped out in tests to skip regeneration delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires an orchestrator. The collector may be nil, which disables run
// accounting.
func New(cfg *core.Config, log *logging.Logger, selector ProviderSelector, collector metrics.Collector) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		log:       log.Named("orchestrator"),
		selector:  selector,
		collector: collector,
	}
	o.newManager = func(backend providers.BatchBackend, guard *styleguard.Guard) (*batchjob.Manager, error) {
		return batchjob.OpenManager(backend, guard, cfg, log)
	}
	o.sleep = func(ctx context.Context, d time.Duration) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
	return o
}

// DryRun computes what a run would do without any network traffic or state
// writes: the image count, the estimated spend, and the preflight verdict on
// the reference pack.
func (o *Orchestrator) DryRun(ctx context.Context, rows []core.PromptRow, pack *refpack.Pack) (*Estimate, error) {
	count := len(rows) * o.cfg.Variants
	est := &Estimate{
		Count:       count,
		EstCost:     float64(count) * o.cfg.PricePerImage,
		EstDuration: estimateDuration(count, o.cfg.MaxConcurrent),
		Chunks:      1,
	}
	res, err := refpack.Preflight(ctx, rows, pack, refpack.BudgetsFromConfig(o.cfg), o.log)
	if err != nil {
		return nil, err
	}
	est.Chunks = res.Chunks
	est.UniqueRefs = res.UniqueRefs
	est.Problems = res.Problems
	return est, nil
}

// Run executes the full pipeline. Override forces a provider for this run;
// empty means the configured default. Per-item failures are reported on the
// result, not as the returned error; the error is reserved for failures
// that stop the whole run.
func (o *Orchestrator) Run(ctx context.Context, rows []core.PromptRow, pack *refpack.Pack, override core.ProviderName, outDir string) (*RunResult, error) {
	pre, err := refpack.Preflight(ctx, rows, pack, refpack.BudgetsFromConfig(o.cfg), o.log)
	if err != nil {
		return nil, err
	}
	if !pre.OK {
		return &RunResult{Problems: pre.Problems}, pre.Problems[0]
	}

	var guard *styleguard.Guard
	if pack != nil && len(pack.StylePaths()) > 0 {
		guard = styleguard.NewFromPaths(pack.StylePaths(), o.cfg.StyleGuardMaxDistance, o.log)
	}

	sel, err := o.selector.Select(ctx, override, o.cfg.NoFallback)
	if err != nil {
		return nil, err
	}

	items := BuildRequests(rows, o.cfg.Variants, pre.Registry, o.cfg.MaxRefsPerItem)

	if sel.Kind == core.ProviderBatch {
		return o.runBatch(ctx, sel.Batch, guard, items, pack)
	}
	return o.runSync(ctx, sel.Sync, guard, items, outDir)
}

// runBatch submits the job and returns its handle immediately. Progress and
// results belong to the poll, fetch, and resume verbs.
func (o *Orchestrator) runBatch(ctx context.Context, backend providers.BatchBackend, guard *styleguard.Guard, items []providers.Request, pack *refpack.Pack) (*RunResult, error) {
	mgr, err := o.newManager(backend, guard)
	if err != nil {
		return nil, err
	}
	defer mgr.Close()

	meta := batchjob.SubmitMeta{}
	if pack != nil {
		meta.StyleRefsHash = refpack.HashPaths(pack.StylePaths())
	}
	manifest, err := mgr.Submit(ctx, items, meta)
	if err != nil {
		return nil, err
	}
	o.log.Info("batch job submitted, not waiting for completion",
		zap.String("job_id", manifest.JobID),
		zap.Int("items", len(items)))
	return &RunResult{Provider: core.ProviderBatch, JobID: manifest.JobID}, nil
}

// runSync fans the items out over a bounded worker pool against the
// synchronous provider.
func (o *Orchestrator) runSync(ctx context.Context, provider providers.SyncProvider, guard *styleguard.Guard, items []providers.Request, outDir string) (*RunResult, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("orchestrator: create output dir: %w", err)
	}

	workers := syncWorkers(len(items), o.cfg.MaxConcurrent)
	o.log.Info("starting sync generation",
		zap.Int("items", len(items)),
		zap.Int("workers", workers),
		zap.String("provider", string(provider.Name())))

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result = &RunResult{Provider: provider.Name()}
	)
	sem := make(chan struct{}, workers)

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(item providers.Request) {
			defer wg.Done()
			defer func() { <-sem }()

			path, prob := o.generateOne(ctx, provider, guard, item, outDir)
			mu.Lock()
			defer mu.Unlock()
			if prob != nil {
				result.Problems = append(result.Problems, prob)
				return
			}
			result.Written = append(result.Written, path)
		}(item)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return result, err
	}
	result.Metrics = o.snapshot()
	o.log.Info("sync generation finished",
		zap.Int("written", len(result.Written)),
		zap.Int("failed", len(result.Problems)))
	return result, nil
}

// generateOne drives a single item to a settled outcome: retries on
// transient failures, regenerates on style rejection, writes the accepted
// image atomically.
func (o *Orchestrator) generateOne(ctx context.Context, provider providers.SyncProvider, guard *styleguard.Guard, item providers.Request, outDir string) (string, *core.Problem) {
	start := time.Now()
	attempts := 0

	generate := func() (*providers.Image, error) {
		var img *providers.Image
		err := core.WithRetry(ctx, "generate "+item.ItemID, core.RetryOptions{
			MaxAttempts: o.cfg.MaxRetries,
			BaseDelay:   o.cfg.RetryBaseDelay,
			Logger:      o.log.Zap(),
		}, func(ctx context.Context) error {
			attempts++
			var err error
			img, err = provider.Generate(ctx, item)
			return err
		})
		return img, err
	}

	for round := 0; ; round++ {
		img, err := generate()
		if err != nil {
			o.recordItem(item, provider, metrics.ItemStatusError, attempts, start, err.Error())
			status := core.HTTPStatusOf(err)
			if status == 0 {
				status = 502
			}
			return "", core.NewProblem(core.ProblemTypeProvider, "generation failed", status,
				fmt.Sprintf("item %s: %v", item.ItemID, err))
		}

		if guard != nil && !guard.Passes(img.Data) {
			if round < styleRetryLimit {
				if item.Seed != nil {
					// Nudge the seed so the retry does not reproduce
					// the rejected image.
					s := *item.Seed + 1 + rand.Int63n(1000)
					item.Seed = &s
				}
				o.log.Warn("style rejection, regenerating",
					zap.String("item", item.ItemID),
					zap.Int("round", round+1))
				// A cancelled sleep surfaces on the next generate call.
				_ = o.sleep(ctx, time.Duration(rand.Int63n(int64(styleRetryJitter))))
				continue
			}
			o.recordItem(item, provider, metrics.ItemStatusGuardRejected, attempts, start, "too close to style reference")
			return "", core.NewProblem(core.ProblemTypeStyleGuard, "generated image too close to a style reference", 422,
				fmt.Sprintf("item %s dropped after %d regenerations", item.ItemID, styleRetryLimit))
		}

		path := filepath.Join(outDir, item.ItemID+".png")
		if err := writeFileAtomic(path, img.Data); err != nil {
			o.recordItem(item, provider, metrics.ItemStatusError, attempts, start, err.Error())
			return "", core.NewProblem(core.ProblemTypeProvider, "failed to write image", 500,
				fmt.Sprintf("item %s: %v", item.ItemID, err))
		}
		o.recordItem(item, provider, metrics.ItemStatusSuccess, attempts, start, "")
		return path, nil
	}
}

func (o *Orchestrator) recordItem(item providers.Request, provider providers.SyncProvider, status string, attempts int, start time.Time, errMsg string) {
	if o.collector == nil {
		return
	}
	o.collector.RecordItem(metrics.ItemRecord{
		ItemID:    item.ItemID,
		Provider:  string(provider.Name()),
		Status:    status,
		StartTime: start,
		EndTime:   time.Now(),
		Duration:  time.Since(start),
		Attempts:  attempts,
		ErrorMsg:  errMsg,
	})
}

func (o *Orchestrator) snapshot() metrics.RunMetrics {
	if o.collector == nil {
		return metrics.RunMetrics{}
	}
	return o.collector.Snapshot(o.cfg.PricePerImage)
}

// syncWorkers sizes the sync pool: the configured override when positive,
// otherwise one worker per three items capped at syncPoolCap.
func syncWorkers(count, override int) int {
	if override > 0 {
		return override
	}
	workers := (count + 2) / 3
	if workers > syncPoolCap {
		workers = syncPoolCap
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

// estimateDuration assumes serial batches of estPerImage across the pool.
func estimateDuration(count, override int) time.Duration {
	if count == 0 {
		return 0
	}
	workers := syncWorkers(count, override)
	rounds := (count + workers - 1) / workers
	return time.Duration(rounds) * estPerImage
}

// writeFileAtomic writes data to a temp file beside path and renames it into
// place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
