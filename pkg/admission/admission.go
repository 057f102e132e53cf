// Package admission implements the proxy's bounded-concurrency admission
// gate: at most Max requests are serviced at once, and waiters past that
// bound queue in strict FIFO order with a per-waiter timeout.
package admission

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCapacityExhausted is returned by Acquire when the timeout elapses
// before a slot becomes available. The pipeline surfaces this as 503.
var ErrCapacityExhausted = errors.New("admission: capacity exhausted")

// Gate bounds the number of simultaneously-serviced clients. The zero
// value is not usable; construct with New.
type Gate struct {
	max int

	mu      sync.Mutex
	active  int
	waiters *list.List // of chan struct{}

	// Observer hooks, if set: OnAdmit is called on each admit and OnRelease
	// each time a slot returns to the pool; a Release that hands its slot
	// straight to a waiter fires only that waiter's OnAdmit. Callers use
	// them to mirror the gate's occupancy into /statusz and /metrics
	// (pkg/server wires both to pkg/admin.Metrics.SetAdmission).
	OnAdmit   func()
	OnRelease func()
}

// New constructs a Gate that admits at most max concurrent holders.
func New(max int) *Gate {
	if max <= 0 {
		max = 1
	}
	return &Gate{max: max, waiters: list.New()}
}

// Acquire blocks until a slot is available or ctx is done. On success the
// caller owns exactly one slot and must call Release exactly once, on
// every exit path including error and cancellation.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.active < g.max {
		g.active++
		g.mu.Unlock()
		if g.OnAdmit != nil {
			g.OnAdmit()
		}
		return nil
	}

	wait := make(chan struct{})
	el := g.waiters.PushBack(wait)
	g.mu.Unlock()

	select {
	case <-wait:
		if g.OnAdmit != nil {
			g.OnAdmit()
		}
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		// If we were already handed the slot between the ctx firing and
		// acquiring the lock, honor that and release it back rather than
		// leaking an admitted slot with no matching Release call.
		select {
		case <-wait:
			g.mu.Unlock()
			// The slot was already handed to us between ctx firing and
			// acquiring the lock: count the admit before releasing it back,
			// so OnAdmit/OnRelease stay paired and the occupancy gauge
			// doesn't drift.
			if g.OnAdmit != nil {
				g.OnAdmit()
			}
			g.Release()
			return ctx.Err()
		default:
		}
		g.waiters.Remove(el)
		g.mu.Unlock()
		return ErrCapacityExhausted
	}
}

// AcquireTimeout is a convenience wrapper over Acquire with a fixed
// timeout.
func (g *Gate) AcquireTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := g.Acquire(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCapacityExhausted
	}
	return err
}

// Release hands the slot to the oldest waiter, if any, otherwise
// decrements the active count. Release must be called exactly once per
// successful Acquire.
func (g *Gate) Release() {
	g.mu.Lock()
	front := g.waiters.Front()
	if front == nil {
		g.active--
		g.mu.Unlock()
		if g.OnRelease != nil {
			g.OnRelease()
		}
		return
	}
	g.waiters.Remove(front)
	g.mu.Unlock()

	close(front.Value.(chan struct{}))
	// Active count is unchanged: the slot transfers directly to the
	// waiter rather than being released and re-acquired.
}

// Active reports the current number of admitted holders.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Waiting reports the current queue depth.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters.Len()
}
