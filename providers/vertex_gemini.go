package providers

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/btangonan/nano-banana-runner-sub001/core"
	"github.com/btangonan/nano-banana-runner-sub001/logging"
)

// reachabilityTTL is how long a reachability probe result is trusted.
const reachabilityTTL = 5 * time.Minute

// VertexProvider is the synchronous backend: one Gemini image-model call per
// generation request, reference images attached inline.
//
// Thread-safety: safe for concurrent use; the reachability cache is guarded
// by a mutex and the genai client handles its own connection pooling.
type VertexProvider struct {
	client *genai.Client
	model  string
	cfg    *core.Config
	log    *logging.Logger

	// reachability cache
	mu       sync.Mutex
	probedAt time.Time
	probeErr error
}

// NewVertexProvider constructs the sync provider. Credentials and project
// must already be validated by the selector; this only wires the client.
func NewVertexProvider(ctx context.Context, cfg *core.Config, log *logging.Logger) (*VertexProvider, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("providers: Gemini API key is required for the sync backend")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, fmt.Errorf("providers: create genai client: %w", err)
	}
	return &VertexProvider{
		client: client,
		model:  cfg.SyncModel,
		cfg:    cfg,
		log:    log.Named("vertex"),
	}, nil
}

// Name implements SyncProvider.
func (p *VertexProvider) Name() core.ProviderName { return core.ProviderVertex }

// Close releases the underlying client.
func (p *VertexProvider) Close() error { return p.client.Close() }

// Generate implements SyncProvider. The prompt and any reference images are
// sent as one multimodal request; the first inline image in the response is
// the result.
func (p *VertexProvider) Generate(ctx context.Context, req Request) (*Image, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("providers: prompt cannot be empty")
	}

	parts := make([]genai.Part, 0, 1+len(req.Refs))
	parts = append(parts, genai.Text(req.Prompt))
	for _, ref := range req.Refs {
		parts = append(parts, genai.Blob{MIMEType: ref.MIMEType, Data: ref.Data})
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.GenerateTimeout)
	defer cancel()

	model := p.client.GenerativeModel(p.model)
	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, fmt.Errorf("providers: sync generation failed: %w", err)
	}

	img := firstInlineImage(resp)
	if img == nil {
		return nil, core.NewStatusError(http.StatusBadGateway,
			"model response contained no image payload", nil)
	}
	img.ID = req.ItemID
	return img, nil
}

// firstInlineImage extracts the first blob part from a response.
func firstInlineImage(resp *genai.GenerateContentResponse) *Image {
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if blob, ok := part.(genai.Blob); ok && len(blob.Data) > 0 {
				return &Image{Data: blob.Data, MIMEType: blob.MIMEType}
			}
		}
	}
	return nil
}

// ProbeReachable implements SyncProvider: a trivial generation call, cached
// for five minutes, so repeated selections within a run cost one probe.
func (p *VertexProvider) ProbeReachable(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.probedAt.IsZero() && time.Since(p.probedAt) < reachabilityTTL {
		return p.probeErr
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	_, err := p.doProbe(probeCtx, p.model)
	p.probedAt = time.Now()
	p.probeErr = err
	if err != nil {
		p.log.Warn("sync backend unreachable", zap.Error(err))
	}
	return err
}

// ProbeModel implements ModelProber for the publisher health sweep.
func (p *VertexProvider) ProbeModel(ctx context.Context, model string) (int, error) {
	status, err := p.doProbe(ctx, model)
	if err == nil && status == 0 {
		status = http.StatusOK
	}
	return status, err
}

// doProbe issues the minimal request and reports the remote HTTP status.
func (p *VertexProvider) doProbe(ctx context.Context, modelName string) (int, error) {
	model := p.client.GenerativeModel(modelName)
	_, err := model.GenerateContent(ctx, genai.Text("ping"))
	if err != nil {
		return core.HTTPStatusOf(err), err
	}
	return http.StatusOK, nil
}

var _ SyncProvider = (*VertexProvider)(nil)
var _ ModelProber = (*VertexProvider)(nil)
