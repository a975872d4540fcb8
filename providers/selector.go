package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/btangonan/nano-banana-runner-sub001/core"
	"github.com/btangonan/nano-banana-runner-sub001/logging"
)

// Selection is the outcome of provider selection: exactly one of Sync or
// Batch is non-nil, matching Kind.
type Selection struct {
	Kind  core.ProviderName
	Sync  SyncProvider
	Batch BatchBackend
}

// Selector chooses between the batch and sync backends, applying per-job
// override, environment default, health-probe gating, and automatic
// fallback.
//
// Batch is the safe default: it degrades gracefully because submissions are
// queued and retried server-side. The sync path is only returned when
// proactively confirmed healthy, and every failure mode has an explicit
// opt-out (noFallback) for callers that need to fail loudly instead of
// silently trading cost and latency profiles.
type Selector struct {
	cfg    *core.Config
	log    *logging.Logger
	health *HealthSnapshot

	// injectable constructors, overridden in tests
	newSync  func(ctx context.Context) (SyncProvider, error)
	newBatch func() (BatchBackend, error)
}

// NewSelector builds a selector, loading the publisher health snapshot from
// the configured probe cache path. A missing snapshot fails open.
func NewSelector(cfg *core.Config, log *logging.Logger) (*Selector, error) {
	health, err := LoadHealthSnapshot(cfg.ProbeCachePath())
	if err != nil {
		return nil, err
	}
	s := &Selector{
		cfg:    cfg,
		log:    log.Named("selector"),
		health: health,
	}
	s.newSync = func(ctx context.Context) (SyncProvider, error) {
		return NewVertexProvider(ctx, cfg, log)
	}
	s.newBatch = func() (BatchBackend, error) {
		return NewOpenAIBatchProvider(cfg, log)
	}
	return s, nil
}

// Select resolves the provider for one job.
//
// The desired backend is override when given, otherwise the environment
// default. Batch always succeeds. The sync path runs three gates in order
// (required configuration, cached publisher health, live reachability) and
// each failing gate either falls back to batch or, with noFallback, returns
// the corresponding Problem (400, 403, 503).
func (s *Selector) Select(ctx context.Context, override core.ProviderName, noFallback bool) (*Selection, error) {
	desired := s.cfg.Provider
	if override != "" {
		desired = override
	}

	// batch unless explicitly vertex.
	if desired != core.ProviderVertex {
		return s.selectBatch()
	}

	// Gate 1: required configuration.
	if s.cfg.GoogleProject == "" || s.cfg.GeminiAPIKey == "" {
		if noFallback {
			return nil, core.ConfigProblem(
				"sync backend requires NN_GOOGLE_PROJECT and NN_GEMINI_API_KEY")
		}
		s.log.Warn("sync backend not configured, falling back to batch")
		return s.selectBatch()
	}

	// Gate 2: cached publisher health. Missing snapshot or unknown model
	// fails open; an explicit degraded/error row is authoritative.
	if s.health != nil {
		if s.health.Stale(time.Now()) {
			s.log.Warn("publisher health snapshot is stale",
				zap.Time("probed_at", s.health.Timestamp))
		}
		if row, ok := s.health.Lookup(s.cfg.SyncModel); ok && row.Status != HealthHealthy {
			if noFallback {
				return nil, core.NewProblem(core.ProblemTypeEntitled,
					"model unhealthy", http.StatusForbidden,
					fmt.Sprintf("model %s probed %s (http %d)", row.Model, row.Status, row.HTTP))
			}
			s.log.Warn("model unhealthy in probe cache, falling back to batch",
				zap.String("model", row.Model),
				zap.String("health", row.Status),
				zap.Int("http", row.HTTP))
			return s.selectBatch()
		}
	}

	// Gate 3: live reachability, cached five minutes per provider.
	sync, err := s.newSync(ctx)
	if err != nil {
		if noFallback {
			return nil, core.ConfigProblem(err.Error())
		}
		s.log.Warn("sync provider construction failed, falling back to batch", zap.Error(err))
		return s.selectBatch()
	}
	if err := sync.ProbeReachable(ctx); err != nil {
		if noFallback {
			return nil, core.NewProblem(core.ProblemTypeProvider,
				"sync backend unreachable", http.StatusServiceUnavailable, err.Error())
		}
		s.log.Warn("sync backend unreachable, falling back to batch", zap.Error(err))
		return s.selectBatch()
	}

	return &Selection{Kind: core.ProviderVertex, Sync: sync}, nil
}

func (s *Selector) selectBatch() (*Selection, error) {
	batch, err := s.newBatch()
	if err != nil {
		return nil, core.ConfigProblem(err.Error())
	}
	return &Selection{Kind: core.ProviderBatch, Batch: batch}, nil
}
