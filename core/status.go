package core

import (
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"google.golang.org/api/googleapi"
)

// StatusError carries a numeric HTTP-like status alongside a message. Remote
// client errors are normalized into this type at the provider boundary so the
// retry policy and selector can classify them without knowing which SDK
// produced them.
type StatusError struct {
	Status  int
	Message string
	Cause   error
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("status %d", e.Status)
}

func (e *StatusError) Unwrap() error {
	return e.Cause
}

// NewStatusError wraps err with an explicit status.
func NewStatusError(status int, msg string, err error) *StatusError {
	return &StatusError{Status: status, Message: msg, Cause: err}
}

// HTTPStatusOf extracts a numeric status from an error chain. It understands
// StatusError, Problem, the OpenAI SDK's APIError, and googleapi errors.
// Returns 0 when no status is attached (treated as retryable by WithRetry).
func HTTPStatusOf(err error) int {
	if err == nil {
		return 0
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	var p *Problem
	if errors.As(err, &p) {
		return p.Status
	}
	var oe *openai.APIError
	if errors.As(err, &oe) {
		return oe.HTTPStatusCode
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return 0
}
