package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/proofd/internal/dedup"
	"github.com/CZERTAINLY/proofd/internal/health"
	"github.com/CZERTAINLY/proofd/internal/leaderboard"
	"github.com/CZERTAINLY/proofd/internal/metrics"
	"github.com/CZERTAINLY/proofd/internal/model"
	"github.com/CZERTAINLY/proofd/internal/registry"
	"github.com/CZERTAINLY/proofd/internal/runner"
	"github.com/CZERTAINLY/proofd/internal/slot"
	"github.com/CZERTAINLY/proofd/internal/store"
	"github.com/CZERTAINLY/proofd/internal/worker"
)

type Service struct {
	cfg      model.Config
	cmd      runner.Command
	exec     worker.Executor
	store    store.Store
	now      func() time.Time
	newID    func() string
	dedup    *dedup.Deduplicator
	registry *registry.Registry
	board    *leaderboard.Board
	slot     *slot.Slot
	pool     *worker.Pool
	monitor  *health.Monitor
}

type Option func(*Service)

// WithExecutor replaces the prover runner. For tests.
func WithExecutor(e worker.Executor) Option {
	return func(s *Service) { s.exec = e }
}

// WithStore replaces the store selected by the configuration.
func WithStore(st store.Store) Option {
	return func(s *Service) { s.store = st }
}

// WithClock replaces the clock used by submissions. For tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(ctx context.Context, cfg model.Config, opts ...Option) (*Service, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	cmd, err := runner.CommandFromConfig(cfg.Prover)
	if err != nil {
		return nil, fmt.Errorf("initializing prover: %w", err)
	}
	poolCfg, err := worker.ConfigFromModel(cfg.Pool)
	if err != nil {
		return nil, fmt.Errorf("initializing pool: %w", err)
	}
	window, err := cfg.Dedup.WindowDuration()
	if err != nil {
		return nil, fmt.Errorf("initializing dedup: %w", err)
	}

	s := &Service{
		cfg:      cfg,
		cmd:      cmd,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.NewString() },
		dedup:    dedup.New(window),
		registry: registry.New(),
		board:    leaderboard.New(),
		slot:     slot.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.exec == nil {
		s.exec = runner.New(cmd)
	}
	if s.store == nil {
		s.store, err = store.Open(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
	}

	s.pool = worker.New(poolCfg, s.registry, s.slot, s.exec, s.board).WithHook(s.observe)
	s.monitor, err = health.New(ctx, cfg.Monitor, s.pool, s.dedup)
	if err != nil {
		_ = s.store.Close()
		return nil, fmt.Errorf("initializing monitor: %w", err)
	}
	s.monitor.WithReport(func(r health.Report) {
		metrics.Health(r)
		metrics.Pool(r.Pool, s.slot.Status())
	})
	return s, nil
}

// Do restores saved jobs, starts the workers and the health monitor and
// blocks until ctx is done. A prover running at that moment is terminated
// and its job resolves FAILED.
func (s *Service) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a service")
	if err := s.restore(ctx); err != nil {
		return fmt.Errorf("restoring jobs: %w", err)
	}
	s.pool.Start(ctx)

	err := s.monitor.Do(ctx)
	if cerr := s.pool.Close(ctx); cerr != nil && !errors.Is(cerr, context.Canceled) {
		err = errors.Join(err, cerr)
	}
	slog.DebugContext(ctx, "service stopped")
	return err
}

// Close releases the store.
func (s *Service) Close() error {
	return s.store.Close()
}

// Check runs the health monitor once, outside of its schedule.
func (s *Service) Check(ctx context.Context) health.Report {
	return s.monitor.Check(ctx)
}

// observe mirrors every worker made change to the store and the metrics.
func (s *Service) observe(ctx context.Context, job model.Job) {
	s.save(ctx, job)
	metrics.Job(job)
	metrics.Pool(s.pool.Status(), s.slot.Status())
}

func (s *Service) save(ctx context.Context, job model.Job) {
	if err := s.store.SaveJob(ctx, job); err != nil {
		slog.ErrorContext(ctx, "saving job snapshot", "job_id", job.ID, "error", err)
	}
}

func (s *Service) restore(ctx context.Context) error {
	jobs, err := s.store.LoadJobs(ctx)
	if err != nil {
		return err
	}
	var requeue []string
	for _, job := range jobs {
		if err := s.registry.Restore(job); err != nil {
			slog.WarnContext(ctx, "job already known: ignoring snapshot", "job_id", job.ID)
			continue
		}
		switch job.State {
		case model.StateInProgress:
			job, err = s.registry.Transition(ctx, job.ID, model.StateFailed, registry.Update{
				At:    s.now(),
				Error: "interrupted by restart",
			})
			if err != nil {
				return err
			}
			s.save(ctx, job)
		case model.StatePending:
			requeue = append(requeue, job.ID)
		}
		s.board.Seed(leaderboard.FromJob(job))
	}
	for _, id := range requeue {
		if err := s.pool.Enqueue(id); err != nil {
			s.abandon(ctx, id, err)
		}
	}
	if len(jobs) > 0 {
		slog.InfoContext(ctx, "jobs restored", "jobs", len(jobs), "requeued", len(requeue))
	}
	return nil
}

// abandon resolves a PENDING job which can't be queued as FAILED.
func (s *Service) abandon(ctx context.Context, id string, cause error) {
	now := s.now()
	if _, err := s.registry.Transition(ctx, id, model.StateInProgress, registry.Update{At: now}); err != nil {
		return
	}
	job, err := s.registry.Transition(ctx, id, model.StateFailed, registry.Update{
		At:    now,
		Error: "not queued: " + cause.Error(),
	})
	if err != nil {
		return
	}
	s.board.Patch(job)
	s.save(ctx, job)
	metrics.Job(job)
}
