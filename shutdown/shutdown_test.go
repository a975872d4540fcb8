package shutdown

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestCoordinatorSignalCancelsContext(t *testing.T) {
	coord := NewCoordinator(zap.NewNop())
	ctx := coord.Start(context.Background())
	defer coord.Stop()

	select {
	case <-ctx.Done():
		t.Fatal("context cancelled before any signal")
	default:
	}

	coord.sigChan <- syscall.SIGTERM

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled after signal")
	}
	if !errors.Is(ctx.Err(), context.Canceled) {
		t.Fatalf("ctx.Err() = %v", ctx.Err())
	}
}

func TestCoordinatorSecondSignalForcesExit(t *testing.T) {
	coord := NewCoordinator(zap.NewNop())
	exited := make(chan int, 1)
	coord.exit = func(code int) { exited <- code }

	ctx := coord.Start(context.Background())
	defer coord.Stop()

	coord.sigChan <- syscall.SIGINT
	<-ctx.Done()
	coord.sigChan <- syscall.SIGINT

	select {
	case code := <-exited:
		if code != 130 {
			t.Fatalf("exit code = %d, want 130", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second signal did not force exit")
	}
}

func TestCoordinatorStartIsIdempotent(t *testing.T) {
	coord := NewCoordinator(zap.NewNop())
	defer coord.Stop()

	first := coord.Start(context.Background())
	second := coord.Start(context.Background())
	if first != second {
		t.Fatal("repeated Start returned a different context")
	}
}

func TestCoordinatorStopCancels(t *testing.T) {
	coord := NewCoordinator(zap.NewNop())
	ctx := coord.Start(context.Background())

	coord.Stop()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("Stop did not cancel the context")
	}
}

func TestStackRunsInReverseOrder(t *testing.T) {
	stack := NewStack(zap.NewNop())

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		stack.Push(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	errs := stack.Run(context.Background())
	if len(errs) != 0 {
		t.Fatalf("Run errors: %v", errs)
	}
	want := []string{"third", "second", "first"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("cleanup order = %v, want %v", order, want)
		}
	}
}

func TestStackContinuesPastFailures(t *testing.T) {
	stack := NewStack(zap.NewNop())

	var ran []string
	stack.Push("ok-early", func(context.Context) error {
		ran = append(ran, "ok-early")
		return nil
	})
	stack.Push("broken", func(context.Context) error {
		ran = append(ran, "broken")
		return errors.New("close failed")
	})

	errs := stack.Run(context.Background())
	if len(errs) != 1 {
		t.Fatalf("Run returned %d errors, want 1", len(errs))
	}
	if len(ran) != 2 {
		t.Fatalf("a failure stopped cleanup early: ran %v", ran)
	}
}

func TestStackRunIsIdempotent(t *testing.T) {
	stack := NewStack(zap.NewNop())

	calls := 0
	stack.Push("once", func(context.Context) error {
		calls++
		return nil
	})

	stack.Run(context.Background())
	if errs := stack.Run(context.Background()); errs != nil {
		t.Fatalf("second Run returned errors: %v", errs)
	}
	if calls != 1 {
		t.Fatalf("cleanup ran %d times, want 1", calls)
	}

	// Pushing after Run must not schedule more work.
	stack.Push("late", func(context.Context) error {
		t.Fatal("late cleanup should never run")
		return nil
	})
	stack.Run(context.Background())
}
