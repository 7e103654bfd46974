package shadow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Gate runs shadow work off the caller's path. Work is detached from the
// caller's cancellation, bounded by its own timeout, and skipped (not
// queued) when maxInFlight calls are already running.
type Gate struct {
	slots   chan struct{}
	timeout time.Duration
	wg      sync.WaitGroup

	runs    atomic.Int64
	skipped atomic.Int64
}

// NewGate creates a gate. Non-positive values default to 8 slots and 5s.
func NewGate(maxInFlight int, timeout time.Duration) *Gate {
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gate{slots: make(chan struct{}, maxInFlight), timeout: timeout}
}

// Go starts fn in the background if a slot is free and reports whether it
// did. fn receives a context that keeps ctx's values but not its deadline.
func (g *Gate) Go(ctx context.Context, fn func(ctx context.Context)) bool {
	select {
	case g.slots <- struct{}{}:
	default:
		g.skipped.Add(1)
		return false
	}

	g.runs.Add(1)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() { <-g.slots }()
		defer func() {
			if r := recover(); r != nil {
				zap.L().Error("shadow: panic in shadow path", zap.Any("panic", r))
			}
		}()

		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		fn(sctx)
	}()
	return true
}

// Wait blocks until all started work returns.
func (g *Gate) Wait() { g.wg.Wait() }

// Runs returns how many shadow calls were started.
func (g *Gate) Runs() int64 { return g.runs.Load() }

// Skipped returns how many shadow calls were dropped at capacity.
func (g *Gate) Skipped() int64 { return g.skipped.Load() }
