package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// noJitter makes backoff sleeps zero-length so tests run instantly.
func noJitter() float64 { return 0 }

func TestWithRetryStatusClassification(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantAttempts int
	}{
		{name: "404 fails immediately", status: 404, wantAttempts: 1},
		{name: "400 fails immediately", status: 400, wantAttempts: 1},
		{name: "429 is retried", status: 429, wantAttempts: 3},
		{name: "500 is retried", status: 500, wantAttempts: 3},
		{name: "503 is retried", status: 503, wantAttempts: 3},
		{name: "no status is retried", status: 0, wantAttempts: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			opts := RetryOptions{MaxAttempts: 3, BaseDelay: time.Millisecond, rng: noJitter}
			err := WithRetry(context.Background(), "op", opts, func(ctx context.Context) error {
				attempts++
				if tt.status == 0 {
					return errors.New("boom")
				}
				return NewStatusError(tt.status, "remote failure", nil)
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if attempts != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", attempts, tt.wantAttempts)
			}
		})
	}
}

func TestWithRetrySucceedsAfterTransientFailure(t *testing.T) {
	attempts := 0
	opts := RetryOptions{MaxAttempts: 3, BaseDelay: time.Millisecond, rng: noJitter}
	err := WithRetry(context.Background(), "op", opts, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return NewStatusError(500, "flaky", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestWithRetryExhaustionTagsOperationName(t *testing.T) {
	opts := RetryOptions{MaxAttempts: 2, BaseDelay: time.Millisecond, rng: noJitter}
	err := WithRetry(context.Background(), "poll-batch", opts, func(ctx context.Context) error {
		return errors.New("unreachable")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "poll-batch") {
		t.Errorf("error %q does not name the operation", err)
	}
	if !strings.Contains(err.Error(), "retries exhausted") {
		t.Errorf("error %q does not mark exhaustion", err)
	}
}

func TestWithRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	// sleep would be 15s (half the 30s cap) without cancellation
	opts := RetryOptions{MaxAttempts: 5, BaseDelay: time.Hour, rng: func() float64 { return 0.5 }}
	err := WithRetry(ctx, "op", opts, func(ctx context.Context) error {
		attempts++
		cancel()
		return NewStatusError(500, "fail then cancel", nil)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}
