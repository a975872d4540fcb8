package shutdown

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// CleanupFunc releases one resource during shutdown.
type CleanupFunc func(ctx context.Context) error

type cleanupEntry struct {
	name string
	fn   CleanupFunc
}

// Stack collects cleanup functions and runs them in reverse registration
// order, mirroring how the resources were acquired. All functions run even
// when earlier ones fail.
//
// Usage:
//
//	stack := NewStack(logger)
//	stack.Push("job index", index.Close)
//	stack.Push("logger", func(context.Context) error { return logger.Sync() })
//	defer stack.Run(context.Background())
type Stack struct {
	logger *zap.Logger

	mu      sync.Mutex
	entries []cleanupEntry
	done    bool
}

// NewStack creates an empty cleanup stack.
func NewStack(logger *zap.Logger) *Stack {
	return &Stack{logger: logger}
}

// Push registers a cleanup function. Later pushes run earlier. Pushing after
// Run is a no-op.
func (s *Stack) Push(name string, fn CleanupFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.entries = append(s.entries, cleanupEntry{name: name, fn: fn})
}

// Run executes all registered cleanups newest-first and returns the errors
// of the ones that failed. Run is idempotent; subsequent calls return nil.
func (s *Stack) Run(ctx context.Context) []error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	entries := make([]cleanupEntry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if err := e.fn(ctx); err != nil {
			s.logger.Error("cleanup failed",
				zap.String("resource", e.name),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("cleanup complete", zap.String("resource", e.name))
	}
	return errs
}

// Len returns the number of registered cleanups.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
