package simplestorage

import (
	"context"
	"sync"
	"sync/atomic"
)

// InitGuard tracks the Uninitialized -> Initialized lifecycle of a backend.
// A failed initialization leaves the guard uninitialized so Init can be retried.
type InitGuard struct {
	mu       sync.Mutex
	done     atomic.Bool
	autoInit bool
}

// NewInitGuard returns a guard. With autoInit set, Ready initializes on first use.
func NewInitGuard(autoInit bool) *InitGuard {
	return &InitGuard{autoInit: autoInit}
}

// Init runs fn once. Concurrent callers wait for the running attempt.
func (g *InitGuard) Init(ctx context.Context, fn func(context.Context) error) error {
	if g.done.Load() {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done.Load() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		return err
	}
	g.done.Store(true)
	return nil
}

// Ready returns nil once the backend is initialized, initializing it first
// when auto-init is enabled. Otherwise it returns ErrNotInitialized.
func (g *InitGuard) Ready(ctx context.Context, fn func(context.Context) error) error {
	if g.done.Load() {
		return nil
	}
	if !g.autoInit {
		return ErrNotInitialized
	}
	return g.Init(ctx, fn)
}

// Initialized reports whether Init has completed.
func (g *InitGuard) Initialized() bool {
	return g.done.Load()
}

// Reset returns the guard to the uninitialized state, typically on Close.
func (g *InitGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.done.Store(false)
}
