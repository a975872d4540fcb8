// Package providers exposes the two interchangeable generation backends,
// a synchronous per-request API and an asynchronous batch API, behind
// narrow interfaces, plus the health-aware selector that chooses between
// them.
package providers

import (
	"context"

	"github.com/btangonan/nano-banana-runner-sub001/core"
)

// Reference is one reference-image payload attached to a generation request.
type Reference struct {
	Data     []byte
	MIMEType string
}

// Request is a single image-generation request, normalized across backends.
type Request struct {
	// ItemID identifies the request within a job; it becomes the output
	// filename and the batch custom id.
	ItemID string
	Prompt string
	Seed   *int64
	Refs   []Reference
}

// Image is one generated image payload.
type Image struct {
	ID       string
	Data     []byte
	MIMEType string
}

// SyncProvider is the synchronous per-request backend. One call, one image.
type SyncProvider interface {
	Name() core.ProviderName

	// Generate performs a single generation call. Failures carry a numeric
	// status where the remote supplied one (see core.HTTPStatusOf).
	Generate(ctx context.Context, req Request) (*Image, error)

	// ProbeReachable issues a minimal generation call to confirm the
	// backend is usable. Results are cached for five minutes per provider
	// instance.
	ProbeReachable(ctx context.Context) error
}

// BatchStatus is a point-in-time snapshot of a remote batch job.
type BatchStatus struct {
	State     core.JobStatus
	Completed int
	Total     int
}

// BatchResult is one item outcome from a finished batch job. Exactly one of
// Image or Err is set.
type BatchResult struct {
	ItemID string
	Image  *Image
	Err    error
}

// BatchBackend is the asynchronous batch API: submit a job, then poll, fetch
// results, or cancel it by the returned job id.
type BatchBackend interface {
	Name() core.ProviderName
	Submit(ctx context.Context, items []Request) (jobID string, err error)
	Status(ctx context.Context, jobID string) (BatchStatus, error)
	Fetch(ctx context.Context, jobID string) ([]BatchResult, error)
	Cancel(ctx context.Context, jobID string) error
}
