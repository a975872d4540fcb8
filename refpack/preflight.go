package refpack

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/btangonan/nano-banana-runner-sub001/core"
	"github.com/btangonan/nano-banana-runner-sub001/logging"
)

// maxVariants is the most images one prompt row can request; the image-count
// budget is checked against this worst case rather than the requested
// variant count, so a later variant bump cannot invalidate a passed preflight.
const maxVariants = 3

// itemOverheadBytes approximates per-item request metadata (envelope, ids,
// generation parameters) on top of prompt text and reference payloads.
const itemOverheadBytes = 1024

// Budgets is the operator-controlled preflight policy, loaded once per
// process invocation.
type Budgets struct {
	JobMaxBytes     int64
	ItemMaxBytes    int64
	MaxRefsPerItem  int
	MaxImagesPerJob int
	Compress        bool
	Split           bool
}

// BudgetsFromConfig copies the budget fields out of the process config.
func BudgetsFromConfig(cfg *core.Config) Budgets {
	return Budgets{
		JobMaxBytes:     cfg.JobMaxBytes,
		ItemMaxBytes:    cfg.ItemMaxBytes,
		MaxRefsPerItem:  cfg.MaxRefsPerItem,
		MaxImagesPerJob: cfg.MaxImagesPerJob,
		Compress:        cfg.Compress,
		Split:           cfg.Split,
	}
}

// ByteAccounting reports pre/post-compression totals for a submission.
type ByteAccounting struct {
	Before int64 `json:"before"`
	After  int64 `json:"after"`
}

// Result is the outcome of one preflight pass. Never mutated after return.
// OK == false implies Chunks == 0 and at least one Problem.
type Result struct {
	OK         bool            `json:"ok"`
	Chunks     int             `json:"chunks"`
	UniqueRefs int             `json:"uniqueRefs"`
	Bytes      ByteAccounting  `json:"bytes"`
	Registry   *Registry       `json:"-"`
	Problems   []*core.Problem `json:"problems,omitempty"`
}

func rejected(problems ...*core.Problem) *Result {
	return &Result{OK: false, Chunks: 0, Problems: problems}
}

// Preflight deduplicates and budgets a submission before anything touches
// the network.
//
// With no pack the pass trivially succeeds as a single chunk. Otherwise all
// reference paths are flattened across roles, deduplicated by content hash,
// optionally recompressed, and the byte budgets are checked in order:
//
//  1. worst-case image count (rows x 3) against MaxImagesPerJob, rejecting
//     with 413 unless splitting is allowed;
//  2. worst-row item estimate against ItemMaxBytes, always a hard 413,
//     since splitting cannot shrink a single item;
//  3. total job payload against JobMaxBytes, chunked when splitting is
//     allowed (chunks = ceil(total/JobMaxBytes)), otherwise a hard 413.
func Preflight(ctx context.Context, rows []core.PromptRow, pack *Pack, budgets Budgets, log *logging.Logger) (*Result, error) {
	if pack == nil {
		return &Result{OK: true, Chunks: 1, UniqueRefs: 0}, nil
	}

	reg, err := BuildRegistry(ctx, pack.Flatten(), budgets.Compress, log)
	if err != nil {
		return nil, fmt.Errorf("refpack: preflight: %w", err)
	}

	chunks := 1

	// Image-count budget against the worst case variant fan-out.
	worstImages := len(rows) * maxVariants
	if budgets.MaxImagesPerJob > 0 && worstImages > budgets.MaxImagesPerJob {
		if !budgets.Split {
			return rejected(core.BudgetProblem(fmt.Sprintf(
				"job may produce %d images, limit is %d (enable splitting or reduce rows)",
				worstImages, budgets.MaxImagesPerJob))), nil
		}
		chunks = max(chunks, ceilDiv(int64(worstImages), int64(budgets.MaxImagesPerJob)))
	}

	// Per-item budget. The estimate uses the registry-wide average payload
	// size, not each row's actual reference set; see AvgPayloadSize.
	refsPerItem := reg.UniqueCount()
	if budgets.MaxRefsPerItem > 0 && refsPerItem > budgets.MaxRefsPerItem {
		refsPerItem = budgets.MaxRefsPerItem
	}
	avgRef := reg.AvgPayloadSize()
	worstItem := int64(0)
	for i := range rows {
		est := int64(len(rows[i].Prompt)) + itemOverheadBytes + int64(refsPerItem)*avgRef
		if est > worstItem {
			worstItem = est
		}
	}
	if budgets.ItemMaxBytes > 0 && worstItem > budgets.ItemMaxBytes {
		// Splitting cannot shrink a single item.
		return rejected(core.BudgetProblem(fmt.Sprintf(
			"worst item estimate %d bytes exceeds per-item limit %d",
			worstItem, budgets.ItemMaxBytes))), nil
	}

	// Whole-job budget.
	totalJobSize := int64(len(rows))*avgRef + reg.CompressedSize
	if budgets.JobMaxBytes > 0 && totalJobSize > budgets.JobMaxBytes {
		if !budgets.Split {
			return rejected(core.BudgetProblem(fmt.Sprintf(
				"job payload estimate %d bytes exceeds job limit %d (enable splitting)",
				totalJobSize, budgets.JobMaxBytes))), nil
		}
		chunks = max(chunks, ceilDiv(totalJobSize, budgets.JobMaxBytes))
	}

	log.Info("preflight passed",
		zap.Int("rows", len(rows)),
		zap.Int("unique_refs", reg.UniqueCount()),
		zap.Int("chunks", chunks),
		zap.Int64("bytes_before", reg.TotalSize),
		zap.Int64("bytes_after", reg.CompressedSize))

	return &Result{
		OK:         true,
		Chunks:     chunks,
		UniqueRefs: reg.UniqueCount(),
		Bytes:      ByteAccounting{Before: reg.TotalSize, After: reg.CompressedSize},
		Registry:   reg,
	}, nil
}

func ceilDiv(a, b int64) int {
	return int((a + b - 1) / b)
}
