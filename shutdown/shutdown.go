// Package shutdown coordinates graceful termination for one-shot CLI runs:
// the first interrupt cancels the run context so in-flight work can settle
// and manifests stay consistent; the second interrupt exits immediately.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// Coordinator turns OS signals into context cancellation.
//
// Usage:
//
//	coord := NewCoordinator(logger)
//	ctx := coord.Start(context.Background())
//	defer coord.Stop()
//	// ... run with ctx; a SIGINT/SIGTERM cancels it ...
type Coordinator struct {
	logger *zap.Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	sigChan chan os.Signal

	// exit is swapped out in tests so a forced shutdown does not kill the
	// test binary.
	exit func(code int)
}

// NewCoordinator creates a coordinator. The logger is required.
func NewCoordinator(logger *zap.Logger) *Coordinator {
	return &Coordinator{
		logger:  logger,
		sigChan: make(chan os.Signal, 2),
		exit:    os.Exit,
	}
}

// Start begins listening for SIGINT and SIGTERM and returns a child of
// parent that is cancelled on the first signal. A second signal forces
// immediate exit with status 130. Start is safe to call once per
// coordinator; repeated calls return the same context.
func (c *Coordinator) Start(parent context.Context) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return c.ctx
	}
	c.started = true

	ctx, cancel := context.WithCancel(parent)
	c.ctx = ctx
	c.cancel = cancel
	signal.Notify(c.sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		count := 0
		for sig := range c.sigChan {
			count++
			if count == 1 {
				c.logger.Info("received shutdown signal, cancelling run",
					zap.String("signal", sig.String()))
				cancel()
				continue
			}
			c.logger.Warn("received second signal, forcing exit",
				zap.String("signal", sig.String()))
			c.exit(130)
		}
	}()

	return ctx
}

// Stop detaches from signal delivery and cancels the context. Safe to call
// whether or not a signal ever arrived.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}
	signal.Stop(c.sigChan)
	if c.cancel != nil {
		c.cancel()
	}
}
