package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const aliveCheck = 50 * time.Millisecond

// tree remembers every descendant of root seen so far. Orphans are
// reparented once root dies, so the tree must be walked while root lives.
type tree struct {
	root  int32
	mx    sync.Mutex
	known map[int32]int64 // pid -> create time in ms, guards against pid reuse
}

func newTree(root int) *tree {
	return &tree{root: int32(root), known: make(map[int32]int64)}
}

func (t *tree) refresh(ctx context.Context) {
	root, err := process.NewProcessWithContext(ctx, t.root)
	if err != nil {
		return
	}
	t.mx.Lock()
	defer t.mx.Unlock()
	t.walk(ctx, root)
}

func (t *tree) walk(ctx context.Context, p *process.Process) {
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return
	}
	for _, c := range children {
		if _, ok := t.known[c.Pid]; !ok {
			created, err := c.CreateTimeWithContext(ctx)
			if err != nil {
				continue
			}
			t.known[c.Pid] = created
		}
		t.walk(ctx, c)
	}
}

// alive returns known descendants still running under the same identity.
func (t *tree) alive(ctx context.Context) []*process.Process {
	t.mx.Lock()
	defer t.mx.Unlock()
	var ret []*process.Process
	for pid, created := range t.known {
		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			delete(t.known, pid)
			continue
		}
		if ct, err := p.CreateTimeWithContext(ctx); err != nil || ct != created {
			delete(t.known, pid)
			continue
		}
		if zombie(ctx, p) {
			continue
		}
		ret = append(ret, p)
	}
	return ret
}

func zombie(ctx context.Context, p *process.Process) bool {
	st, err := p.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	for _, s := range st {
		if s == process.Zombie {
			return true
		}
	}
	return false
}

// Terminate stops the process tree of pid in two phases: a graceful stop to
// the whole group, then after grace a forceful kill, and finally a kill of
// every remaining descendant individually, which covers processes that left
// the group. Without process groups the descendants receive both phases.
func Terminate(ctx context.Context, pid, pgid int, grace time.Duration) error {
	return terminate(ctx, pid, pgid, grace, newTree(pid))
}

func terminate(ctx context.Context, pid, pgid int, grace time.Duration, t *tree) error {
	t.refresh(ctx)

	var errs []error
	if groupsSupported && pgid > 1 {
		if groupAlive(pgid) {
			slog.DebugContext(ctx, "stopping process group", "pgid", pgid)
			if err := signalGroup(pgid, syscall.SIGTERM); err != nil {
				errs = append(errs, fmt.Errorf("stopping group %d: %w", pgid, err))
			}
			if !waitGone(ctx, grace, func() bool { return groupAlive(pgid) }) {
				slog.WarnContext(ctx, "process group survived grace period: killing", "pgid", pgid, "grace", grace.String())
				if err := signalGroup(pgid, syscall.SIGKILL); err != nil {
					errs = append(errs, fmt.Errorf("killing group %d: %w", pgid, err))
				}
				waitGone(ctx, grace, func() bool { return groupAlive(pgid) })
			}
		}
	} else {
		errs = append(errs, stopTree(ctx, pid, grace, t)...)
	}

	for _, p := range t.alive(ctx) {
		slog.WarnContext(ctx, "killing escaped descendant", "pid", p.Pid, "root", pid)
		if err := p.KillWithContext(ctx); err != nil && !errors.Is(err, process.ErrorProcessNotRunning) {
			errs = append(errs, fmt.Errorf("killing descendant %d: %w", p.Pid, err))
		}
	}
	return errors.Join(errs...)
}

func stopTree(ctx context.Context, pid int, grace time.Duration, t *tree) []error {
	procs := t.alive(ctx)
	if root, err := process.NewProcessWithContext(ctx, int32(pid)); err == nil {
		procs = append(procs, root)
	}
	if len(procs) == 0 {
		return nil
	}
	var errs []error
	for _, p := range procs {
		if err := p.TerminateWithContext(ctx); err != nil && !errors.Is(err, process.ErrorProcessNotRunning) {
			errs = append(errs, fmt.Errorf("stopping %d: %w", p.Pid, err))
		}
	}
	anyAlive := func() bool {
		for _, p := range procs {
			if ok, _ := p.IsRunningWithContext(ctx); ok && !zombie(ctx, p) {
				return true
			}
		}
		return false
	}
	if waitGone(ctx, grace, anyAlive) {
		return errs
	}
	for _, p := range procs {
		if err := p.KillWithContext(ctx); err != nil && !errors.Is(err, process.ErrorProcessNotRunning) {
			errs = append(errs, fmt.Errorf("killing %d: %w", p.Pid, err))
		}
	}
	return errs
}

// waitGone polls alive until it reports false or d elapses.
func waitGone(ctx context.Context, d time.Duration, alive func() bool) bool {
	deadline := time.Now().Add(d)
	ticker := time.NewTicker(aliveCheck)
	defer ticker.Stop()
	for alive() {
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !alive()
		case <-ticker.C:
		}
	}
	return true
}
