package registry_test

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/proofd/internal/model"
	"github.com/CZERTAINLY/proofd/internal/registry"
	"github.com/stretchr/testify/require"
)

func TestLifecycle(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	r := registry.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	job, err := r.Create("j1", "p1", 42, 1, now)
	require.NoError(t, err)
	require.Equal(t, model.StatePending, job.State)
	require.NotEmpty(t, job.SessionToken)
	require.Equal(t, now, job.CreatedAt)

	_, err = r.Create("j1", "p1", 42, 1, now)
	require.Error(t, err)

	started := now.Add(time.Second)
	job, err = r.Transition(ctx, "j1", model.StateInProgress, registry.Update{At: started})
	require.NoError(t, err)
	require.Equal(t, model.StateInProgress, job.State)
	require.Equal(t, started, *job.StartedAt)

	require.NoError(t, r.SetProcess("j1", 1234, 1234))
	job, err = r.Get("j1")
	require.NoError(t, err)
	require.Equal(t, 1234, job.PID)

	done := started.Add(time.Minute)
	job, err = r.Transition(ctx, "j1", model.StateCompleted, registry.Update{At: done, ResultPath: "/tmp/proof.bin"})
	require.NoError(t, err)
	require.Equal(t, model.StateCompleted, job.State)
	require.Equal(t, "/tmp/proof.bin", job.ResultPath)
	require.Equal(t, time.Minute, job.Duration())
	require.Zero(t, job.PID)

	t.Run("terminal is final", func(t *testing.T) {
		for _, to := range []model.State{model.StatePending, model.StateInProgress, model.StateFailed, model.StateTimeout, model.StateCompleted} {
			_, err := r.Transition(ctx, "j1", to, registry.Update{Error: "late"})
			require.ErrorIs(t, err, model.ErrIllegalTransition)
		}
		job, err := r.Get("j1")
		require.NoError(t, err)
		require.Equal(t, model.StateCompleted, job.State)
		require.Empty(t, job.Error)
		require.ErrorIs(t, r.SetProcess("j1", 1, 1), model.ErrIllegalTransition)
	})
}

func TestTransitionRules(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	r := registry.New()
	_, err := r.Create("j", "p", 1, 1, time.Now())
	require.NoError(t, err)

	_, err = r.Transition(ctx, "j", model.StateCompleted, registry.Update{})
	require.ErrorIs(t, err, model.ErrIllegalTransition)

	_, err = r.Transition(ctx, "nope", model.StateInProgress, registry.Update{})
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestCompletedNeverBeforeStarted(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	r := registry.New()
	now := time.Now()
	_, err := r.Create("j", "p", 1, 1, now)
	require.NoError(t, err)
	_, err = r.Transition(ctx, "j", model.StateInProgress, registry.Update{At: now})
	require.NoError(t, err)
	job, err := r.Transition(ctx, "j", model.StateFailed, registry.Update{At: now.Add(-time.Second)})
	require.NoError(t, err)
	require.False(t, job.CompletedAt.Before(*job.StartedAt))
}

func TestSnapshotsAreCopies(t *testing.T) {
	t.Parallel()
	r := registry.New()
	job, err := r.Create("j", "p", 1, 1, time.Now())
	require.NoError(t, err)
	job.State = model.StateCompleted

	stored, err := r.Get("j")
	require.NoError(t, err)
	require.Equal(t, model.StatePending, stored.State)
}

func TestList(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	r := registry.New()
	now := time.Now()
	for i := range 5 {
		_, err := r.Create("j"+strconv.Itoa(i), "p"+strconv.Itoa(i%2), int64(i), 1+i%2, now)
		require.NoError(t, err)
	}
	_, err := r.Transition(ctx, "j3", model.StateInProgress, registry.Update{})
	require.NoError(t, err)

	all := r.List(model.Filter{}, 0)
	require.Len(t, all, 5)
	require.Equal(t, "j4", all[0].ID)

	require.Len(t, r.List(model.Filter{}, 2), 2)
	running := r.List(model.Filter{State: model.StateInProgress}, 10)
	require.Len(t, running, 1)
	require.Equal(t, "j3", running[0].ID)
	require.Len(t, r.List(model.Filter{SubmitterID: "p0"}, 0), 3)

	counts := r.Counts()
	require.Equal(t, 4, counts[model.StatePending])
	require.Equal(t, 1, counts[model.StateInProgress])
}

func TestConcurrentTransitionsSingleWinner(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	r := registry.New()
	_, err := r.Create("j", "p", 1, 1, time.Now())
	require.NoError(t, err)
	_, err = r.Transition(ctx, "j", model.StateInProgress, registry.Update{})
	require.NoError(t, err)

	var mx sync.Mutex
	var winners int
	var wg sync.WaitGroup
	for _, to := range []model.State{model.StateCompleted, model.StateFailed, model.StateTimeout, model.StateFailed} {
		wg.Go(func() {
			if _, err := r.Transition(ctx, "j", to, registry.Update{}); err == nil {
				mx.Lock()
				winners++
				mx.Unlock()
			}
		})
	}
	wg.Wait()
	require.Equal(t, 1, winners)
}

func TestSessionToken(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1_700_000_000_000)
	a := registry.SessionToken("j1", 42, now)
	require.Len(t, a, 16)
	require.Equal(t, a, registry.SessionToken("j1", 42, now))
	require.NotEqual(t, a, registry.SessionToken("j2", 42, now))
	require.NotEqual(t, a, registry.SessionToken("j1", 43, now))

	later := registry.SessionToken("j1", 42, now.Add(time.Millisecond))
	require.Greater(t, later, a)
}
