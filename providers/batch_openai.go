package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/btangonan/nano-banana-runner-sub001/core"
	"github.com/btangonan/nano-banana-runner-sub001/logging"
)

// imagesEndpoint is the batch endpoint for image generation requests.
const imagesEndpoint = openai.BatchEndpoint("/v1/images/generations")

// batchAPI is the slice of the OpenAI client the batch backend uses.
// Narrowed to an interface so tests can fake the remote.
type batchAPI interface {
	CreateBatchWithUploadFile(ctx context.Context, request openai.CreateBatchWithUploadFileRequest) (openai.BatchResponse, error)
	RetrieveBatch(ctx context.Context, batchID string) (openai.BatchResponse, error)
	CancelBatch(ctx context.Context, batchID string) (openai.BatchResponse, error)
	GetFileContent(ctx context.Context, fileID string) (openai.RawResponse, error)
}

// OpenAIBatchProvider is the asynchronous backend: requests are uploaded as
// a JSONL file and executed server-side within a completion window, so
// submissions are accepted even when the service is degraded.
//
// The images endpoint takes no reference images; on this backend references
// only drive the local style-guard re-check at fetch time.
type OpenAIBatchProvider struct {
	api   batchAPI
	model string
	log   *logging.Logger
}

// NewOpenAIBatchProvider constructs the batch backend from process config.
func NewOpenAIBatchProvider(cfg *core.Config, log *logging.Logger) (*OpenAIBatchProvider, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("providers: OpenAI API key is required for the batch backend")
	}
	return &OpenAIBatchProvider{
		api:   openai.NewClient(cfg.OpenAIAPIKey),
		model: cfg.BatchModel,
		log:   log.Named("batch"),
	}, nil
}

// Name implements BatchBackend.
func (p *OpenAIBatchProvider) Name() core.ProviderName { return core.ProviderBatch }

// imageBatchLine is one JSONL request line for the images endpoint.
type imageBatchLine struct {
	CustomID string               `json:"custom_id"`
	Method   string               `json:"method"`
	URL      openai.BatchEndpoint `json:"url"`
	Body     openai.ImageRequest  `json:"body"`
}

// MarshalBatchLineItem implements openai.BatchLineItem.
func (l imageBatchLine) MarshalBatchLineItem() []byte {
	b, _ := json.Marshal(l)
	return b
}

// Submit implements BatchBackend: upload all items as one batch file and
// create the batch job.
func (p *OpenAIBatchProvider) Submit(ctx context.Context, items []Request) (string, error) {
	if len(items) == 0 {
		return "", fmt.Errorf("providers: cannot submit an empty batch")
	}

	lines := make([]openai.BatchLineItem, 0, len(items))
	for _, item := range items {
		body := openai.ImageRequest{
			Prompt: item.Prompt,
			Model:  p.model,
			N:      1,
		}
		// dall-e models default to URL responses, which expire before a
		// 24h batch window closes; gpt-image models are b64-only already.
		if strings.HasPrefix(p.model, "dall-e") {
			body.ResponseFormat = openai.CreateImageResponseFormatB64JSON
		}
		lines = append(lines, imageBatchLine{
			CustomID: item.ItemID,
			Method:   "POST",
			URL:      imagesEndpoint,
			Body:     body,
		})
	}

	resp, err := p.api.CreateBatchWithUploadFile(ctx, openai.CreateBatchWithUploadFileRequest{
		Endpoint:         imagesEndpoint,
		CompletionWindow: "24h",
		UploadBatchFileRequest: openai.UploadBatchFileRequest{
			FileName: "generation_batch.jsonl",
			Lines:    lines,
		},
	})
	if err != nil {
		return "", fmt.Errorf("providers: batch submit failed: %w", err)
	}

	p.log.Info("batch submitted",
		zap.String("batch_id", resp.ID),
		zap.Int("items", len(items)))
	return resp.ID, nil
}

// Status implements BatchBackend.
func (p *OpenAIBatchProvider) Status(ctx context.Context, jobID string) (BatchStatus, error) {
	resp, err := p.api.RetrieveBatch(ctx, jobID)
	if err != nil {
		return BatchStatus{}, fmt.Errorf("providers: batch status failed: %w", err)
	}
	return BatchStatus{
		State:     mapBatchState(string(resp.Status)),
		Completed: resp.RequestCounts.Completed,
		Total:     resp.RequestCounts.Total,
	}, nil
}

// mapBatchState normalizes remote batch lifecycle strings onto the job
// state machine.
func mapBatchState(remote string) core.JobStatus {
	switch remote {
	case "validating":
		return core.JobPending
	case "in_progress", "finalizing":
		return core.JobRunning
	case "completed":
		return core.JobSucceeded
	case "cancelling", "cancelled":
		return core.JobCanceled
	default: // failed, expired, anything unrecognized
		return core.JobFailed
	}
}

// batchOutputLine is one JSONL result line from the output or error file.
type batchOutputLine struct {
	ID       string `json:"id"`
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int                  `json:"status_code"`
		Body       openai.ImageResponse `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Fetch implements BatchBackend: read the output (and error) files and
// normalize every line into a BatchResult.
func (p *OpenAIBatchProvider) Fetch(ctx context.Context, jobID string) ([]BatchResult, error) {
	resp, err := p.api.RetrieveBatch(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("providers: batch fetch failed: %w", err)
	}

	var results []BatchResult
	if resp.OutputFileID != nil && *resp.OutputFileID != "" {
		out, err := p.readResultFile(ctx, *resp.OutputFileID)
		if err != nil {
			return nil, err
		}
		results = append(results, out...)
	}
	if resp.ErrorFileID != nil && *resp.ErrorFileID != "" {
		failed, err := p.readResultFile(ctx, *resp.ErrorFileID)
		if err != nil {
			return nil, err
		}
		results = append(results, failed...)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("providers: batch %s has no result files (status %s)", jobID, resp.Status)
	}
	return results, nil
}

func (p *OpenAIBatchProvider) readResultFile(ctx context.Context, fileID string) ([]BatchResult, error) {
	content, err := p.api.GetFileContent(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("providers: read batch file %s: %w", fileID, err)
	}
	defer content.Close()

	data, err := io.ReadAll(content)
	if err != nil {
		return nil, fmt.Errorf("providers: read batch file %s: %w", fileID, err)
	}

	var results []BatchResult
	for _, raw := range strings.Split(string(data), "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		var line batchOutputLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			results = append(results, BatchResult{
				Err: fmt.Errorf("providers: malformed result line: %w", err),
			})
			continue
		}
		results = append(results, p.resultFromLine(line))
	}
	return results, nil
}

// resultFromLine converts one parsed output line into a BatchResult.
func (p *OpenAIBatchProvider) resultFromLine(line batchOutputLine) BatchResult {
	res := BatchResult{ItemID: line.CustomID}

	if line.Error != nil {
		res.Err = fmt.Errorf("providers: item %s failed: %s (%s)",
			line.CustomID, line.Error.Message, line.Error.Code)
		return res
	}
	if line.Response == nil {
		res.Err = fmt.Errorf("providers: item %s has neither response nor error", line.CustomID)
		return res
	}
	if line.Response.StatusCode >= 400 {
		res.Err = core.NewStatusError(line.Response.StatusCode,
			fmt.Sprintf("item %s rejected by remote", line.CustomID), nil)
		return res
	}
	if len(line.Response.Body.Data) == 0 || line.Response.Body.Data[0].B64JSON == "" {
		res.Err = fmt.Errorf("providers: item %s has no image payload", line.CustomID)
		return res
	}

	data, err := base64.StdEncoding.DecodeString(line.Response.Body.Data[0].B64JSON)
	if err != nil {
		res.Err = fmt.Errorf("providers: item %s payload undecodable: %w", line.CustomID, err)
		return res
	}
	res.Image = &Image{ID: line.CustomID, Data: data, MIMEType: "image/png"}
	return res
}

// Cancel implements BatchBackend.
func (p *OpenAIBatchProvider) Cancel(ctx context.Context, jobID string) error {
	if _, err := p.api.CancelBatch(ctx, jobID); err != nil {
		return fmt.Errorf("providers: batch cancel failed: %w", err)
	}
	return nil
}

var _ BatchBackend = (*OpenAIBatchProvider)(nil)
