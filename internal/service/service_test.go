package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/proofd/internal/model"
	"github.com/CZERTAINLY/proofd/internal/proof"
	"github.com/CZERTAINLY/proofd/internal/registry"
	"github.com/CZERTAINLY/proofd/internal/runner"
	"github.com/CZERTAINLY/proofd/internal/service"
	"github.com/CZERTAINLY/proofd/internal/store"
	"github.com/CZERTAINLY/proofd/internal/worker"
)

// prover writes an artifact named after the value and prints it as a
// public value.
const prover = `sleep 0.1; echo "public 0: 0x$(printf %x "$1")"; printf "proof-$1" > proofs/final.bin`

func config(t *testing.T, script string) model.Config {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	cfg := model.DefaultConfig(t.Context())
	cfg.Service.Log = model.LogDiscard
	cfg.Prover.Path = sh
	cfg.Prover.Args = []string{"-c", script, "prover"}
	cfg.Prover.WorkDir = t.TempDir()
	cfg.Prover.Artifact = "final.bin"
	cfg.Prover.PollInterval = "50ms"
	cfg.Prover.HardTimeout = "5s"
	cfg.Prover.GracePeriod = "200ms"
	cfg.Pool.DequeueWait = "50ms"
	return cfg
}

type clock struct {
	mx  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.now = c.now.Add(d)
}

// counting wraps an executor and records the peak of concurrent runs.
type counting struct {
	next    worker.Executor
	mx      sync.Mutex
	running int
	peak    int
	runs    int
}

func (c *counting) Run(ctx context.Context, job model.Job, onStart runner.StartFunc) runner.Result {
	c.mx.Lock()
	c.running++
	c.runs++
	c.peak = max(c.peak, c.running)
	c.mx.Unlock()
	defer func() {
		c.mx.Lock()
		c.running--
		c.mx.Unlock()
	}()
	return c.next.Run(ctx, job, onStart)
}

func (c *counting) stats() (peak, runs int) {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.peak, c.runs
}

func start(t *testing.T, svc *service.Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- svc.Do(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, svc.Close())
	})
}

func waitTerminal(t *testing.T, svc *service.Service, id string) model.Job {
	t.Helper()
	var job model.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = svc.Status(id)
		if errors.Is(err, model.ErrNotFound) {
			return false // not restored yet
		}
		require.NoError(t, err)
		return job.State.Terminal()
	}, 10*time.Second, 20*time.Millisecond)
	return job
}

func TestSubmitDedupAndComplete(t *testing.T) {
	t.Parallel()
	clk := &clock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	cfg := config(t, prover)
	svc, err := service.New(t.Context(), cfg, service.WithClock(clk.Now))
	require.NoError(t, err)

	resp, err := svc.Submit(t.Context(), service.SubmitRequest{SubmitterID: "p1", Value: 42, Tier: 1})
	require.NoError(t, err)
	require.Equal(t, model.StatePending, resp.State)
	require.NotEmpty(t, resp.JobID)
	require.NotEmpty(t, resp.SessionToken)
	require.Equal(t, 1, resp.Position)

	top := svc.Leaderboard(1, 10)
	require.Len(t, top, 1)
	require.Equal(t, resp.JobID, top[0].JobID)
	require.Equal(t, model.StatePending, top[0].State)

	clk.Add(5 * time.Second)
	_, err = svc.Submit(t.Context(), service.SubmitRequest{SubmitterID: "p1", Value: 42, Tier: 1})
	var dup *model.DuplicateError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, resp.JobID, dup.JobID)
	require.Equal(t, 25*time.Second, dup.RetryAfter)
	require.Equal(t, 25, dup.RetryAfterSeconds())
	require.True(t, service.IsRejected(err))

	ds := svc.DedupStatus()
	require.Len(t, ds.Active, 1)
	require.Equal(t, 25*time.Second, ds.Active[0].RetryAfter)

	start(t, svc)
	job := waitTerminal(t, svc, resp.JobID)
	require.Equal(t, model.StateCompleted, job.State, job.Error)
	require.Equal(t, []uint64{42}, job.PublicValues)
	require.Equal(t, resp.SessionToken, job.SessionToken)
	require.NotEmpty(t, job.ResultPath)

	top = svc.Leaderboard(1, 10)
	require.Len(t, top, 1)
	require.Equal(t, resp.JobID, top[0].JobID)
	require.Equal(t, model.StateCompleted, top[0].State)
	require.Equal(t, job.ResultPath, top[0].ResultPath)

	rc, _, err := svc.OpenResult(resp.JobID)
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "proof-42", string(b))

	// window elapsed, the same tuple is a new job
	clk.Add(25 * time.Second)
	again, err := svc.Submit(t.Context(), service.SubmitRequest{SubmitterID: "p1", Value: 42, Tier: 1})
	require.NoError(t, err)
	require.NotEqual(t, resp.JobID, again.JobID)
	waitTerminal(t, svc, again.JobID)
}

func TestSerializedExecution(t *testing.T) {
	t.Parallel()
	for _, size := range []int{1, 2} {
		cfg := config(t, prover)
		cfg.Pool.Size = size
		exec := &counting{next: runner.New(mustCommand(t, cfg))}
		svc, err := service.New(t.Context(), cfg, service.WithExecutor(exec))
		require.NoError(t, err)
		start(t, svc)

		var ids []string
		for _, req := range []service.SubmitRequest{
			{SubmitterID: "p1", Value: 10, Tier: 1},
			{SubmitterID: "p2", Value: 20, Tier: 1},
			{SubmitterID: "p3", Value: 30, Tier: 1},
		} {
			resp, err := svc.Submit(t.Context(), req)
			require.NoError(t, err)
			ids = append(ids, resp.JobID)
		}
		for _, id := range ids {
			job := waitTerminal(t, svc, id)
			require.Equal(t, model.StateCompleted, job.State, job.Error)
		}
		peak, runs := exec.stats()
		require.Equal(t, 1, peak, "pool size %d", size)
		require.Equal(t, 3, runs)
		require.LessOrEqual(t, svc.WorkerStatus().Slot.Peak, 1)

		top := svc.Leaderboard(1, 10)
		require.Len(t, top, 3)
		require.Equal(t, []int64{30, 20, 10}, []int64{top[0].Value, top[1].Value, top[2].Value})
	}
}

func mustCommand(t *testing.T, cfg model.Config) runner.Command {
	t.Helper()
	cmd, err := runner.CommandFromConfig(cfg.Prover)
	require.NoError(t, err)
	return cmd
}

func TestSubmitOutcomes(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		script   string
		state    model.State
		error    string
	}{
		{"no artifact", `echo working`, model.StateFailed, runner.ErrEmptyArtifact.Error()},
		{"crash", `echo boom >&2; exit 2`, model.StateFailed, "exit status 2"},
		{"timeout", `sleep 30`, model.StateTimeout, "hard timeout"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			cfg := config(t, tc.script)
			cfg.Prover.HardTimeout = "300ms"
			svc, err := service.New(t.Context(), cfg)
			require.NoError(t, err)
			start(t, svc)

			resp, err := svc.Submit(t.Context(), service.SubmitRequest{SubmitterID: "p", Value: 1, Tier: 3})
			require.NoError(t, err)
			job := waitTerminal(t, svc, resp.JobID)
			require.Equal(t, tc.state, job.State)
			require.Contains(t, job.Error, tc.error)

			_, _, err = svc.OpenResult(resp.JobID)
			require.ErrorIs(t, err, model.ErrResultUnavailable)
			require.Equal(t, tc.state, svc.Leaderboard(3, 1)[0].State)
		})
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	svc, err := service.New(t.Context(), config(t, prover))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	var testCases = []struct {
		scenario string
		given    service.SubmitRequest
		field    string
	}{
		{"empty player", service.SubmitRequest{SubmitterID: "  ", Value: 1, Tier: 1}, "player_id"},
		{"negative score", service.SubmitRequest{SubmitterID: "p", Value: -1, Tier: 1}, "score"},
		{"score too high", service.SubmitRequest{SubmitterID: "p", Value: model.MaxValue + 1, Tier: 1}, "score"},
		{"difficulty zero", service.SubmitRequest{SubmitterID: "p", Value: 1, Tier: 0}, "difficulty"},
		{"difficulty eleven", service.SubmitRequest{SubmitterID: "p", Value: 1, Tier: 11}, "difficulty"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := svc.Submit(t.Context(), tc.given)
			var verr *model.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.field, verr.Field)
		})
	}
	require.Empty(t, svc.ListJobs(model.Filter{}, 0))
}

func TestSubmitQueueFull(t *testing.T) {
	t.Parallel()
	cfg := config(t, prover)
	cfg.Pool.Queue = 1
	svc, err := service.New(t.Context(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	// workers not started, the queue keeps the first job
	_, err = svc.Submit(t.Context(), service.SubmitRequest{SubmitterID: "p1", Value: 1, Tier: 1})
	require.NoError(t, err)

	_, err = svc.Submit(t.Context(), service.SubmitRequest{SubmitterID: "p2", Value: 2, Tier: 1})
	require.ErrorIs(t, err, model.ErrQueueFull)
	require.False(t, service.IsRejected(err))

	failed := svc.ListJobs(model.Filter{State: model.StateFailed}, 0)
	require.Len(t, failed, 1)
	require.Contains(t, failed[0].Error, "not queued")

	// the dedup entry was released
	_, err = svc.Submit(t.Context(), service.SubmitRequest{SubmitterID: "p2", Value: 2, Tier: 1})
	require.ErrorIs(t, err, model.ErrQueueFull)
}

func TestRestore(t *testing.T) {
	t.Parallel()
	cfg := config(t, prover)
	st := store.NewMemory()
	created := time.Now().UTC().Add(-time.Hour)
	started := created.Add(time.Second)
	require.NoError(t, st.SaveJob(t.Context(), model.Job{
		ID: "interrupted", SubmitterID: "p1", Value: 5, Tier: 2, State: model.StateInProgress,
		SessionToken: registry.SessionToken("interrupted", 5, created), CreatedAt: created, StartedAt: &started, PID: 99999,
	}))
	require.NoError(t, st.SaveJob(t.Context(), model.Job{
		ID: "waiting", SubmitterID: "p2", Value: 7, Tier: 2, State: model.StatePending,
		SessionToken: registry.SessionToken("waiting", 7, created), CreatedAt: created.Add(time.Second),
	}))

	svc, err := service.New(t.Context(), cfg, service.WithStore(st))
	require.NoError(t, err)
	start(t, svc)

	interrupted := waitTerminal(t, svc, "interrupted")
	require.Equal(t, model.StateFailed, interrupted.State)
	require.Equal(t, "interrupted by restart", interrupted.Error)
	require.Zero(t, interrupted.PID)

	waiting := waitTerminal(t, svc, "waiting")
	require.Equal(t, model.StateCompleted, waiting.State, waiting.Error)

	top := svc.Leaderboard(2, 10)
	require.Len(t, top, 2)
	require.Equal(t, "waiting", top[0].JobID)
	require.Equal(t, model.StateCompleted, top[0].State)
	require.Equal(t, model.StateFailed, top[1].State)

	stats, err := svc.PlayerStats("p2")
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalGames)

	// snapshots follow the registry
	require.Eventually(t, func() bool {
		jobs, err := st.LoadJobs(t.Context())
		require.NoError(t, err)
		for _, j := range jobs {
			if !j.State.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestQueries(t *testing.T) {
	t.Parallel()
	cfg := config(t, prover)
	svc, err := service.New(t.Context(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	_, err = svc.Status("nope")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, _, err = svc.OpenResult("nope")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = svc.PlayerStats("nobody")
	require.ErrorIs(t, err, model.ErrPlayerNotFound)

	for i, req := range []service.SubmitRequest{
		{SubmitterID: "p1", Value: 100, Tier: 1},
		{SubmitterID: "p1", Value: 300, Tier: 2},
		{SubmitterID: "p2", Value: 200, Tier: 1},
	} {
		_, err := svc.Submit(t.Context(), req)
		require.NoError(t, err, i)
	}

	require.Len(t, svc.ListJobs(model.Filter{}, 0), 3)
	require.Len(t, svc.ListJobs(model.Filter{}, 2), 2)
	require.Len(t, svc.ListJobs(model.Filter{SubmitterID: "p1"}, 0), 2)
	require.Len(t, svc.ListJobs(model.Filter{State: model.StatePending, Tier: 1}, 0), 2)

	all := svc.AllLeaderboards(10)
	require.Equal(t, []int64{300, 200, 100}, []int64{all[0].Value, all[1].Value, all[2].Value})

	stats, err := svc.PlayerStats("p1")
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalGames)
	require.Equal(t, int64(300), stats.HighestScore)

	scores := svc.Scores()
	require.Len(t, scores, 2)
	require.Equal(t, []int64{200, 100}, []int64{scores[1][0].Value, scores[1][1].Value})
	require.Len(t, scores[2], 1)

	players := svc.Players()
	require.Len(t, players, 2)
	require.Equal(t, 2, players["p1"].TotalGames)
	require.Equal(t, int64(200), players["p2"].HighestScore)

	ws := svc.WorkerStatus()
	require.Equal(t, 3, ws.Pool.Queued)
	require.Equal(t, 3, ws.Jobs[model.StatePending])

	_, err = svc.VerifyProof(nil)
	require.ErrorIs(t, err, proof.ErrNoProof)
	v, err := svc.VerifyProof(map[string]json.RawMessage{
		"score_data":  json.RawMessage(`{"score": 100}`),
		"merkle_root": json.RawMessage(`"merkle_1"`),
		"proof_path":  json.RawMessage(`["a"]`),
	})
	require.NoError(t, err)
	require.True(t, v.Verified)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	cfg := config(t, prover)
	svc, err := service.New(t.Context(), cfg)
	require.NoError(t, err)
	start(t, svc)

	require.Eventually(t, func() bool {
		return svc.Health(t.Context()).Status == service.StatusHealthy
	}, 5*time.Second, 20*time.Millisecond)
	h := svc.Health(t.Context())
	require.True(t, h.ProverAvailable)
	require.Equal(t, cfg.Pool.Size, h.Pool.Live)

	cfg = config(t, prover)
	cfg.Prover.Path = "./missing-prover"
	missing, err := service.New(t.Context(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = missing.Close() })
	h = missing.Health(t.Context())
	require.False(t, h.ProverAvailable)
	require.Equal(t, service.StatusDegraded, h.Status)

	r := missing.Check(t.Context())
	require.False(t, r.Stalled())
}

func TestNewRejectsBadDurations(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		change   func(*model.Config)
		then     string
	}{
		{"zero poll interval", func(c *model.Config) { c.Prover.PollInterval = "0s" }, "prover.poll_interval"},
		{"negative hard timeout", func(c *model.Config) { c.Prover.HardTimeout = "-1m" }, "prover.hard_timeout"},
		{"zero dequeue wait", func(c *model.Config) { c.Pool.DequeueWait = "0s" }, "pool.dequeue_wait"},
		{"zero dedup window", func(c *model.Config) { c.Dedup.Window = "0s" }, "dedup.window"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			cfg := config(t, prover)
			tc.change(&cfg)
			_, err := service.New(t.Context(), cfg)
			require.ErrorContains(t, err, tc.then)
		})
	}
}
