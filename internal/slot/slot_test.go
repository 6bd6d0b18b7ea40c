package slot_test

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/proofd/internal/slot"
	"github.com/stretchr/testify/require"
)

func TestMutualExclusion(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		s := slot.New()
		var inside, maxInside atomic.Int32
		var wg sync.WaitGroup
		for i := range 8 {
			wg.Go(func() {
				require.NoError(t, s.Acquire(t.Context(), "w-"+strconv.Itoa(i)))
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				time.Sleep(time.Second)
				inside.Add(-1)
				s.Release()
			})
		}
		wg.Wait()
		require.Equal(t, int32(1), maxInside.Load())
		require.Equal(t, slot.Status{Active: 0, Peak: 1}, s.Status())
	})
}

func TestAcquireCancelled(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		s := slot.New()
		require.NoError(t, s.Acquire(t.Context(), "owner"))
		require.Equal(t, "owner", s.Status().Holder)

		ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
		defer cancel()
		err := s.Acquire(ctx, "waiter")
		require.ErrorIs(t, err, context.DeadlineExceeded)

		s.Release()
		require.NoError(t, s.Acquire(t.Context(), "waiter"))
		s.Release()
	})
}

func TestReleaseFreePanics(t *testing.T) {
	t.Parallel()
	require.Panics(t, func() { slot.New().Release() })
}
