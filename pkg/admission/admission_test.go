package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseWithinMax(t *testing.T) {
	g := New(2)
	require.NoError(t, g.Acquire(context.Background()))
	require.NoError(t, g.Acquire(context.Background()))
	require.Equal(t, 2, g.Active())
	g.Release()
	require.Equal(t, 1, g.Active())
	g.Release()
	require.Equal(t, 0, g.Active())
}

func TestAcquireTimesOutWhenSaturated(t *testing.T) {
	g := New(1)
	require.NoError(t, g.Acquire(context.Background()))

	err := g.AcquireTimeout(50 * time.Millisecond)
	require.ErrorIs(t, err, ErrCapacityExhausted)
	require.Equal(t, 1, g.Active(), "active count must not grow on a failed acquire")
	require.Equal(t, 0, g.Waiting(), "timed-out waiter must be removed from the queue")
}

func TestWaitersAdmittedFIFO(t *testing.T) {
	g := New(1)
	require.NoError(t, g.Acquire(context.Background()))

	const n = 5
	order := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Stagger enqueue so arrival order is deterministic.
			time.Sleep(time.Duration(i) * 5 * time.Millisecond)
			require.NoError(t, g.Acquire(context.Background()))
			order <- i
			g.Release()
		}(i)
		time.Sleep(2 * time.Millisecond)
	}

	g.Release() // release the initial holder, kicking off the FIFO chain
	wg.Wait()
	close(order)

	var got []int
	for v := range order {
		got = append(got, v)
	}
	require.Len(t, got, n)
	for i := 0; i < n; i++ {
		require.Equal(t, i, got[i], "waiters must be admitted in arrival order")
	}
}

func TestEveryAcquireHasExactlyOneRelease(t *testing.T) {
	g := New(4)
	var wg sync.WaitGroup
	var admits int64
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.AcquireTimeout(time.Second); err == nil {
				atomic.AddInt64(&admits, 1)
				defer g.Release()
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 0, g.Active(), "every acquire must be paired with exactly one release")
	require.Greater(t, admits, int64(0))
}

func TestActiveNeverExceedsMax(t *testing.T) {
	g := New(3)
	var wg sync.WaitGroup
	var mu sync.Mutex
	maxSeen := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.AcquireTimeout(time.Second); err != nil {
				return
			}
			defer g.Release()
			mu.Lock()
			if a := g.Active(); a > maxSeen {
				maxSeen = a
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, maxSeen, 3)
}
