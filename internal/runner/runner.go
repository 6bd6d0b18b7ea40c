package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/CZERTAINLY/proofd/internal/model"
)

var ErrEmptyArtifact = errors.New("prover exited 0 without a proof artifact")

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// State maps an outcome to the terminal job state.
func (o Outcome) State() model.State {
	switch o {
	case OutcomeSuccess:
		return model.StateCompleted
	case OutcomeTimeout:
		return model.StateTimeout
	}
	return model.StateFailed
}

type Command struct {
	Path         string
	Args         []string
	Env          []string
	WorkDir      string
	ValueEnv     string
	ProofDir     string
	Artifact     string
	PollInterval time.Duration
	HardTimeout  time.Duration
	GracePeriod  time.Duration
}

// CommandFromConfig resolves the prover section of the configuration.
func CommandFromConfig(p model.Prover) (Command, error) {
	t, err := p.Timeouts()
	if err != nil {
		return Command{}, err
	}
	env := make([]string, 0, len(p.Env))
	for k, v := range p.Env {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	workdir, err := filepath.Abs(p.WorkDir)
	if err != nil {
		return Command{}, fmt.Errorf("prover.workdir: %w", err)
	}
	return Command{
		Path:         p.Path,
		Args:         p.Args,
		Env:          env,
		WorkDir:      workdir,
		ValueEnv:     p.ValueEnv,
		ProofDir:     p.ProofDir,
		Artifact:     p.Artifact,
		PollInterval: t.Poll,
		HardTimeout:  t.Hard,
		GracePeriod:  t.Grace,
	}, nil
}

// ArtifactPath is where the prover leaves a successful proof.
func (c Command) ArtifactPath() string {
	return filepath.Join(c.WorkDir, c.ProofDir, c.Artifact)
}

// ResultPath is where the artifact of job id is kept once it succeeded.
func (c Command) ResultPath(id string) string {
	return filepath.Join(c.WorkDir, c.ProofDir, "results", id+"-"+c.Artifact)
}

type Result struct {
	Outcome    Outcome
	Reason     string
	Output     string
	ResultPath string
	PID        int
	PGID       int
	ExitCode   int
	Started    time.Time
	Stopped    time.Time
	Err        error
}

// StartFunc receives the process identifiers right after launch.
type StartFunc func(pid, pgid int)

type Runner struct {
	cmd       Command
	maxOutput int
}

func New(cmd Command) *Runner {
	return &Runner{cmd: cmd, maxOutput: 64 << 10}
}

func (r *Runner) Command() Command {
	return r.cmd
}

// Run executes the prover for job and returns once the whole process tree is
// gone. It never panics on prover misbehavior, every problem is a Result.
func (r *Runner) Run(ctx context.Context, job model.Job, onStart StartFunc) Result {
	value := strconv.FormatInt(job.Value, 10)
	res := Result{ExitCode: -1}

	if err := r.prepare(); err != nil {
		return r.fail(res, err)
	}

	cmd := exec.Command(r.cmd.Path, append(append([]string(nil), r.cmd.Args...), value)...)
	cmd.Dir = r.cmd.WorkDir
	cmd.Env = append(append(os.Environ(), r.cmd.Env...), r.cmd.ValueEnv+"="+value)
	out := newTail(r.maxOutput)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = r.cmd.GracePeriod
	setProcessGroup(cmd)

	res.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		res.Stopped = time.Now().UTC()
		return r.fail(res, fmt.Errorf("starting prover: %w", err))
	}
	res.PID = cmd.Process.Pid
	res.PGID = processGroup(res.PID)
	slog.InfoContext(ctx, "prover started", "pid", res.PID, "pgid", res.PGID, "path", r.cmd.Path)
	if onStart != nil {
		onStart(res.PID, res.PGID)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	tree := newTree(res.PID)
	defer func() {
		// unconditional cleanup: stragglers of a successful run included
		if err := terminate(context.WithoutCancel(ctx), res.PID, res.PGID, r.cmd.GracePeriod, tree); err != nil {
			slog.WarnContext(ctx, "prover cleanup", "pid", res.PID, "error", err)
		}
	}()

	outcome, waitErr := r.poll(ctx, res, tree, done)
	res.Stopped = time.Now().UTC()
	res.Output = out.String()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch outcome {
	case OutcomeTimeout:
		res.Outcome = OutcomeTimeout
		res.Reason = fmt.Sprintf("prover exceeded hard timeout of %s", r.cmd.HardTimeout)
		res.Err = context.DeadlineExceeded
		return res
	case OutcomeFailure:
		return r.fail(res, waitErr)
	}

	if errors.Is(waitErr, exec.ErrWaitDelay) {
		slog.WarnContext(ctx, "prover descendants held output open after exit", "pid", res.PID)
		waitErr = nil
	}
	if waitErr != nil {
		return r.fail(res, waitErr)
	}
	path, err := r.collect(job.ID)
	if err != nil {
		return r.fail(res, err)
	}
	res.Outcome = OutcomeSuccess
	res.ResultPath = path
	return res
}

// poll waits for the prover exit. A non empty outcome means the run was
// aborted and the process tree has already been signalled.
func (r *Runner) poll(ctx context.Context, res Result, tree *tree, done <-chan error) (Outcome, error) {
	ticker := time.NewTicker(r.cmd.PollInterval)
	defer ticker.Stop()
	hard := time.NewTimer(r.cmd.HardTimeout)
	defer hard.Stop()

	abort := func(reason string, outcome Outcome) (Outcome, error) {
		slog.WarnContext(ctx, "terminating prover", "pid", res.PID, "reason", reason,
			"elapsed", time.Since(res.Started).Round(time.Millisecond).String())
		if err := terminate(context.WithoutCancel(ctx), res.PID, res.PGID, r.cmd.GracePeriod, tree); err != nil {
			slog.ErrorContext(ctx, "terminating prover", "pid", res.PID, "error", err)
		}
		err := <-done
		switch {
		case outcome != OutcomeFailure:
		case err == nil:
			err = errors.New(reason)
		default:
			err = fmt.Errorf("%s: %w", reason, err)
		}
		return outcome, err
	}

	for {
		select {
		case err := <-done:
			return "", err
		case <-hard.C:
			return abort("hard timeout", OutcomeTimeout)
		case <-ctx.Done():
			return abort("cancelled: "+context.Cause(ctx).Error(), OutcomeFailure)
		case <-ticker.C:
			elapsed := time.Since(res.Started)
			tree.refresh(ctx)
			slog.InfoContext(ctx, "prover running", "pid", res.PID,
				"elapsed", elapsed.Round(time.Second).String())
			if elapsed >= r.cmd.HardTimeout {
				return abort("hard timeout", OutcomeTimeout)
			}
		}
	}
}

// prepare removes a stale artifact, so an old proof is never reported for a
// new job.
func (r *Runner) prepare() error {
	if err := os.MkdirAll(filepath.Join(r.cmd.WorkDir, r.cmd.ProofDir), 0o755); err != nil {
		return fmt.Errorf("creating proof dir: %w", err)
	}
	if err := os.Remove(r.cmd.ArtifactPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing stale artifact: %w", err)
	}
	return nil
}

func (r *Runner) collect(id string) (string, error) {
	src := r.cmd.ArtifactPath()
	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrEmptyArtifact
	}
	if err != nil {
		return "", fmt.Errorf("checking artifact: %w", err)
	}
	if info.IsDir() || info.Size() == 0 {
		return "", ErrEmptyArtifact
	}
	dst := r.cmd.ResultPath(id)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("creating results dir: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("storing artifact: %w", err)
	}
	return dst, nil
}

func (r *Runner) fail(res Result, err error) Result {
	res.Outcome = OutcomeFailure
	res.Err = err
	if err == nil {
		res.Reason = "prover failed"
	} else {
		res.Reason = "prover failed: " + err.Error()
	}
	return res
}
