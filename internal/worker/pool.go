// Package worker executes queued jobs against the prover.
//
// A Pool runs a fixed number of long lived workers. Each of them dequeues a
// job id, marks the job IN_PROGRESS, takes the execution slot, runs the
// prover and records the terminal state in the registry and the
// leaderboard. A failing or panicking job never stops its worker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/CZERTAINLY/proofd/internal/leaderboard"
	"github.com/CZERTAINLY/proofd/internal/log"
	"github.com/CZERTAINLY/proofd/internal/model"
	"github.com/CZERTAINLY/proofd/internal/proof"
	"github.com/CZERTAINLY/proofd/internal/registry"
	"github.com/CZERTAINLY/proofd/internal/runner"
	"github.com/CZERTAINLY/proofd/internal/slot"
)

// shutdown is the queue value telling one worker to exit. Job ids are
// uuids, so it never collides.
const shutdown = ""

// Executor runs the prover for one job, *runner.Runner in production.
type Executor interface {
	Run(ctx context.Context, job model.Job, onStart runner.StartFunc) runner.Result
}

// Hook observes every job state change made by the pool.
type Hook func(ctx context.Context, job model.Job)

type Config struct {
	Size        int
	Queue       int
	DequeueWait time.Duration
}

// ConfigFromModel resolves the pool section of the configuration.
func ConfigFromModel(p model.Pool) (Config, error) {
	wait, err := p.Wait()
	if err != nil {
		return Config{}, err
	}
	return Config{Size: p.Size, Queue: p.Queue, DequeueWait: wait}, nil
}

type Pool struct {
	cfg      Config
	queue    chan string
	registry *registry.Registry
	slot     *slot.Slot
	exec     Executor
	board    *leaderboard.Board
	hook     Hook

	mx     sync.Mutex
	ctx    context.Context
	live   int
	busy   int
	closed bool
	wg     sync.WaitGroup
}

func New(cfg Config, reg *registry.Registry, s *slot.Slot, exec Executor, board *leaderboard.Board) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.DequeueWait <= 0 {
		cfg.DequeueWait = time.Second
	}
	return &Pool{
		cfg:      cfg,
		queue:    make(chan string, max(cfg.Queue, 0)),
		registry: reg,
		slot:     s,
		exec:     exec,
		board:    board,
		hook:     func(context.Context, model.Job) {},
	}
}

// WithHook installs h, it must be called before Start.
func (p *Pool) WithHook(h Hook) *Pool {
	if h != nil {
		p.hook = h
	}
	return p
}

// Start launches the workers. They stop when ctx is done or after Close.
func (p *Pool) Start(ctx context.Context) {
	p.mx.Lock()
	p.ctx = ctx
	p.mx.Unlock()
	p.TopUp()
}

// Enqueue hands a PENDING job over to the workers without blocking.
func (p *Pool) Enqueue(id string) error {
	if id == shutdown {
		return errors.New("empty job id")
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		return model.ErrPoolClosed
	}
	select {
	case p.queue <- id:
		return nil
	default:
		return model.ErrQueueFull
	}
}

// TopUp starts workers until the pool has its configured size again and
// returns how many were started.
func (p *Pool) TopUp() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed || p.ctx == nil {
		return 0
	}
	started := 0
	for p.live < p.cfg.Size {
		p.live++
		started++
		p.wg.Go(func() {
			p.work(p.ctx)
		})
	}
	return started
}

type Status struct {
	Size   int  `json:"size"`
	Live   int  `json:"live"`
	Busy   int  `json:"busy"`
	Queued int  `json:"queued"`
	Closed bool `json:"closed"`
}

func (p *Pool) Status() Status {
	p.mx.Lock()
	defer p.mx.Unlock()
	return Status{
		Size:   p.cfg.Size,
		Live:   p.live,
		Busy:   p.busy,
		Queued: len(p.queue),
		Closed: p.closed,
	}
}

// Close stops accepting jobs, asks every live worker to exit once the jobs
// queued so far are done, and waits for them. A done ctx abandons the
// queued jobs, they stay PENDING.
func (p *Pool) Close(ctx context.Context) error {
	p.mx.Lock()
	if p.closed {
		p.mx.Unlock()
		p.wg.Wait()
		return nil
	}
	p.closed = true
	live := p.live
	p.mx.Unlock()

	var err error
send:
	for range live {
		select {
		case p.queue <- shutdown:
		case <-ctx.Done():
			err = ctx.Err()
			break send
		}
	}
	p.wg.Wait()
	return err
}

func (p *Pool) work(ctx context.Context) {
	defer func() {
		p.mx.Lock()
		p.live--
		p.mx.Unlock()
	}()
	slog.DebugContext(ctx, "worker started")
	for {
		select {
		case <-ctx.Done():
			slog.DebugContext(ctx, "worker stopped", "reason", context.Cause(ctx))
			return
		case id := <-p.queue:
			if id == shutdown {
				slog.DebugContext(ctx, "worker stopped", "reason", "shutdown")
				return
			}
			p.process(ctx, id)
		case <-time.After(p.cfg.DequeueWait):
			// nothing queued, look again
		}
	}
}

func (p *Pool) setBusy(delta int) {
	p.mx.Lock()
	p.busy += delta
	p.mx.Unlock()
}

func (p *Pool) process(ctx context.Context, id string) {
	p.setBusy(1)
	defer p.setBusy(-1)
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "job panicked", "job_id", id, "panic", r, "stack", string(debug.Stack()))
			p.fault(ctx, id, fmt.Sprintf("internal fault: %v", r))
		}
	}()

	job, err := p.registry.Transition(ctx, id, model.StateInProgress, registry.Update{At: time.Now().UTC()})
	if err != nil {
		slog.ErrorContext(ctx, "can't start job: skipping", "job_id", id, "error", err)
		return
	}
	ctx = log.WithJob(ctx, job)
	p.notify(ctx, job)

	if err := p.slot.Acquire(ctx, id); err != nil {
		p.finish(ctx, id, model.StateFailed, registry.Update{Error: "waiting for execution slot: " + err.Error()})
		return
	}
	defer p.slot.Release()

	slog.InfoContext(ctx, "running prover")
	res := p.exec.Run(ctx, job, func(pid, pgid int) {
		if err := p.registry.SetProcess(id, pid, pgid); err != nil {
			slog.WarnContext(ctx, "recording prover process", "error", err)
		}
	})

	u := registry.Update{
		At:           res.Stopped,
		Output:       res.Output,
		PublicValues: proof.PublicValues(res.Output),
	}
	if res.Outcome == runner.OutcomeSuccess {
		u.ResultPath = res.ResultPath
	} else {
		u.Error = res.Reason
	}
	p.finish(ctx, id, res.Outcome.State(), u)
}

func (p *Pool) finish(ctx context.Context, id string, state model.State, u registry.Update) {
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	job, err := p.registry.Transition(ctx, id, state, u)
	if err != nil {
		slog.ErrorContext(ctx, "can't finish job", "job_id", id, "state", state, "error", err)
		return
	}
	if !p.board.Patch(job) {
		slog.WarnContext(ctx, "job has no leaderboard entry", "job_id", id)
	}
	slog.InfoContext(ctx, "job finished", "job_id", id, "state", job.State,
		"duration", job.Duration().Round(time.Millisecond).String(), "error", job.Error)
	p.notify(ctx, job)
}

// notify runs the hook. A panicking hook is logged and never reaches the
// job or the worker.
func (p *Pool) notify(ctx context.Context, job model.Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "job hook panicked", "job_id", job.ID, "state", job.State,
				"panic", r, "stack", string(debug.Stack()))
		}
	}()
	p.hook(ctx, job)
}

// fault records a recovered panic against the job, whatever state it was
// left in. A second panic while recording is logged and dropped, the worker
// must survive it.
func (p *Pool) fault(ctx context.Context, id, reason string) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "recording job fault panicked", "job_id", id, "panic", r)
		}
	}()
	job, err := p.registry.Get(id)
	if err != nil {
		slog.ErrorContext(ctx, "faulted job is gone", "job_id", id, "error", err)
		return
	}
	if job.State.Terminal() {
		return
	}
	if job.State == model.StatePending {
		if _, err := p.registry.Transition(ctx, id, model.StateInProgress, registry.Update{}); err != nil {
			return
		}
	}
	p.finish(ctx, id, model.StateFailed, registry.Update{Error: reason})
}
