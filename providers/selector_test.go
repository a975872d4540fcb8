package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btangonan/nano-banana-runner-sub001/core"
	"github.com/btangonan/nano-banana-runner-sub001/logging"
)

type fakeSync struct {
	name     core.ProviderName
	probeErr error
}

func (f *fakeSync) Name() core.ProviderName { return core.ProviderVertex }
func (f *fakeSync) Generate(ctx context.Context, req Request) (*Image, error) {
	return &Image{ID: req.ItemID, Data: []byte("img"), MIMEType: "image/png"}, nil
}
func (f *fakeSync) ProbeReachable(ctx context.Context) error { return f.probeErr }

type fakeBatch struct{}

func (f *fakeBatch) Name() core.ProviderName { return core.ProviderBatch }
func (f *fakeBatch) Submit(ctx context.Context, items []Request) (string, error) {
	return "job-1", nil
}
func (f *fakeBatch) Status(ctx context.Context, jobID string) (BatchStatus, error) {
	return BatchStatus{State: core.JobPending}, nil
}
func (f *fakeBatch) Fetch(ctx context.Context, jobID string) ([]BatchResult, error) {
	return nil, nil
}
func (f *fakeBatch) Cancel(ctx context.Context, jobID string) error { return nil }

// newTestSelector wires a selector with fakes and the given config/snapshot.
func newTestSelector(cfg *core.Config, health *HealthSnapshot, sync *fakeSync) *Selector {
	s := &Selector{
		cfg:    cfg,
		log:    logging.NewTestLogger(),
		health: health,
	}
	s.newSync = func(ctx context.Context) (SyncProvider, error) { return sync, nil }
	s.newBatch = func() (BatchBackend, error) { return &fakeBatch{}, nil }
	return s
}

func baseConfig() *core.Config {
	return &core.Config{
		Provider:  core.ProviderBatch,
		SyncModel: "gemini-2.5-flash-image",
	}
}

func TestSelectBatchByDefault(t *testing.T) {
	s := newTestSelector(baseConfig(), nil, &fakeSync{})
	sel, err := s.Select(context.Background(), "", false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Kind != core.ProviderBatch || sel.Batch == nil {
		t.Errorf("selection = %+v, want batch", sel)
	}
}

func TestSelectUnknownNameResolvesToBatch(t *testing.T) {
	s := newTestSelector(baseConfig(), nil, &fakeSync{probeErr: errors.New("should not be probed")})
	sel, err := s.Select(context.Background(), "carrier-pigeon", false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Kind != core.ProviderBatch || sel.Batch == nil {
		t.Errorf("selection = %+v, want batch", sel)
	}
}

func TestSelectVertexMissingProjectFallsBack(t *testing.T) {
	cfg := baseConfig()
	cfg.Provider = core.ProviderVertex // NN_PROVIDER=vertex, no project configured
	s := newTestSelector(cfg, nil, &fakeSync{})

	sel, err := s.Select(context.Background(), "", false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Kind != core.ProviderBatch {
		t.Errorf("kind = %q, want batch fallback", sel.Kind)
	}
}

func TestSelectVertexMissingProjectNoFallbackIs400(t *testing.T) {
	cfg := baseConfig()
	cfg.Provider = core.ProviderVertex
	s := newTestSelector(cfg, nil, &fakeSync{})

	_, err := s.Select(context.Background(), "", true)
	if err == nil {
		t.Fatal("expected a problem")
	}
	p := core.AsProblem(err)
	if p.Status != 400 {
		t.Errorf("problem status = %d, want 400", p.Status)
	}
}

func configuredVertex() *core.Config {
	cfg := baseConfig()
	cfg.Provider = core.ProviderVertex
	cfg.GoogleProject = "proj-1"
	cfg.GeminiAPIKey = "key"
	return cfg
}

func TestSelectVertexUnhealthyModel(t *testing.T) {
	health := &HealthSnapshot{
		Timestamp: time.Now(),
		Results: []ModelHealth{
			{Model: "gemini-2.5-flash-image", Status: HealthDegraded, HTTP: 404},
		},
	}

	t.Run("falls back", func(t *testing.T) {
		s := newTestSelector(configuredVertex(), health, &fakeSync{})
		sel, err := s.Select(context.Background(), "", false)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if sel.Kind != core.ProviderBatch {
			t.Errorf("kind = %q, want batch", sel.Kind)
		}
	})

	t.Run("noFallback is 403 with cached http code", func(t *testing.T) {
		s := newTestSelector(configuredVertex(), health, &fakeSync{})
		_, err := s.Select(context.Background(), "", true)
		p := core.AsProblem(err)
		if p.Status != 403 {
			t.Errorf("status = %d, want 403", p.Status)
		}
	})
}

func TestSelectVertexMissingSnapshotFailsOpen(t *testing.T) {
	s := newTestSelector(configuredVertex(), nil, &fakeSync{})
	sel, err := s.Select(context.Background(), "", false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Kind != core.ProviderVertex {
		t.Errorf("kind = %q, want vertex (fail-open)", sel.Kind)
	}
}

func TestSelectVertexUnreachable(t *testing.T) {
	sync := &fakeSync{probeErr: errors.New("connection refused")}

	t.Run("falls back", func(t *testing.T) {
		s := newTestSelector(configuredVertex(), nil, sync)
		sel, err := s.Select(context.Background(), "", false)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if sel.Kind != core.ProviderBatch {
			t.Errorf("kind = %q, want batch", sel.Kind)
		}
	})

	t.Run("noFallback is 503", func(t *testing.T) {
		s := newTestSelector(configuredVertex(), nil, sync)
		_, err := s.Select(context.Background(), "", true)
		p := core.AsProblem(err)
		if p.Status != 503 {
			t.Errorf("status = %d, want 503", p.Status)
		}
	})
}

func TestSelectOverrideBeatsEnvDefault(t *testing.T) {
	// env default vertex, override batch: no gates should run
	cfg := configuredVertex()
	s := newTestSelector(cfg, nil, &fakeSync{probeErr: errors.New("should not be probed")})
	sel, err := s.Select(context.Background(), core.ProviderBatch, false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Kind != core.ProviderBatch {
		t.Errorf("kind = %q, want batch", sel.Kind)
	}
}

func TestSelectHealthyModelReturnsSync(t *testing.T) {
	health := &HealthSnapshot{
		Timestamp: time.Now(),
		Results: []ModelHealth{
			{Model: "gemini-2.5-flash-image", Status: HealthHealthy, HTTP: 200},
		},
	}
	s := newTestSelector(configuredVertex(), health, &fakeSync{})
	sel, err := s.Select(context.Background(), "", false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Kind != core.ProviderVertex || sel.Sync == nil {
		t.Errorf("selection = %+v, want sync provider", sel)
	}
}
