// Package health runs the periodic self healing sweep: expired dedup
// entries are dropped and a stalled worker pool is topped up. Nothing
// depends on the sweep for correctness.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/proofd/internal/model"
	"github.com/CZERTAINLY/proofd/internal/worker"
)

type Pool interface {
	Status() worker.Status
	TopUp() int
}

type Sweeper interface {
	Sweep(now time.Time) int
}

// Report is the outcome of one check.
type Report struct {
	At      time.Time     `json:"at"`
	Swept   int           `json:"swept"`
	Started int           `json:"started"`
	Pool    worker.Status `json:"pool"`
}

// Stalled is true for queued work nobody is executing.
func (r Report) Stalled() bool {
	return r.Pool.Queued > 0 && (r.Pool.Busy == 0 || r.Pool.Live == 0)
}

// Degraded is a stall the top up had to act on, or one with no live
// worker left. A queue briefly waiting for an idle worker is not.
func (r Report) Degraded() bool {
	return r.Stalled() && (r.Started > 0 || r.Pool.Live == 0)
}

type Monitor struct {
	pool      Pool
	dedup     Sweeper
	scheduler gocron.Scheduler
	onReport  func(Report)

	mx   sync.Mutex
	last Report
}

func New(ctx context.Context, cfg model.Monitor, pool Pool, dedup Sweeper) (*Monitor, error) {
	m := &Monitor{
		pool:     pool,
		dedup:    dedup,
		onReport: func(Report) {},
	}
	s, err := newScheduler(ctx, cfg, func() { m.Check(ctx) })
	if err != nil {
		return nil, err
	}
	m.scheduler = s
	return m, nil
}

// WithReport registers f to receive every report.
func (m *Monitor) WithReport(f func(Report)) *Monitor {
	if f != nil {
		m.onReport = f
	}
	return m
}

// Check runs one sweep immediately.
func (m *Monitor) Check(ctx context.Context) Report {
	now := time.Now().UTC()
	r := Report{At: now, Swept: m.dedup.Sweep(now), Pool: m.pool.Status()}
	if r.Stalled() {
		r.Started = m.pool.TopUp()
		level := slog.LevelDebug
		if r.Degraded() {
			level = slog.LevelWarn
		}
		slog.Log(ctx, level, "worker pool stalled: topping up",
			"queued", r.Pool.Queued, "live", r.Pool.Live, "busy", r.Pool.Busy, "started", r.Started)
	}
	slog.DebugContext(ctx, "health check", "swept", r.Swept, "queued", r.Pool.Queued, "live", r.Pool.Live)

	m.mx.Lock()
	m.last = r
	m.mx.Unlock()
	m.onReport(r)
	return r
}

// Last returns the most recent report, zero before the first check.
func (m *Monitor) Last() Report {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.last
}

// Do runs the schedule until ctx is done.
func (m *Monitor) Do(ctx context.Context) error {
	m.scheduler.Start()
	<-ctx.Done()
	if err := m.scheduler.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		return err
	}
	return nil
}

func newScheduler(ctx context.Context, cfg model.Monitor, task func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		if _, err := model.ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing monitor.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
	case cfg.Every != "":
		d, err := model.ParseDuration(cfg.Every)
		if err != nil {
			return nil, fmt.Errorf("parsing monitor.every: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("monitor.every must be positive, got %s", d)
		}
		slog.DebugContext(ctx, "successfully parsed", "every", d.String())
		job = gocron.DurationJob(d)
	default:
		return nil, errors.New("both monitor.cron and monitor.every are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
