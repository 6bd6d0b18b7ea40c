// Package store mirrors job snapshots so a restarted proofd can restore
// its registry and leaderboard.
package store

import (
	"context"
	"slices"
	"sync"

	"github.com/CZERTAINLY/proofd/internal/model"
)

type Store interface {
	SaveJob(ctx context.Context, job model.Job) error
	// LoadJobs returns the saved jobs, oldest first.
	LoadJobs(ctx context.Context) ([]model.Job, error)
	Close() error
}

// Open returns the redis store when enabled, an in-process one otherwise.
func Open(ctx context.Context, cfg *model.Store) (Store, error) {
	if cfg == nil || !cfg.Enabled {
		return NewMemory(), nil
	}
	return NewRedis(ctx, *cfg)
}

type Memory struct {
	mx    sync.Mutex
	jobs  map[string]model.Job
	order []string
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]model.Job)}
}

func (m *Memory) SaveJob(_ context.Context, job model.Job) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		m.order = append(m.order, job.ID)
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) LoadJobs(_ context.Context) ([]model.Job, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	ret := make([]model.Job, 0, len(m.order))
	for _, id := range m.order {
		ret = append(ret, m.jobs[id].Clone())
	}
	slices.SortStableFunc(ret, func(a, b model.Job) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return ret, nil
}

func (m *Memory) Close() error { return nil }
