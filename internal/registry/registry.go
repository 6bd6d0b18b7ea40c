// Package registry owns the canonical set of jobs and their states.
//
// All accessors return copies. Transition validates the state machine
// PENDING -> IN_PROGRESS -> {COMPLETED|FAILED|TIMEOUT} and applies every
// field of an Update under one lock, so readers never see a half applied
// transition.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/CZERTAINLY/proofd/internal/model"
)

// Update carries the fields a transition may touch. At defaults to now.
type Update struct {
	At           time.Time
	PID          int
	PGID         int
	ResultPath   string
	Error        string
	Output       string
	PublicValues []uint64
}

type Registry struct {
	mx    sync.RWMutex
	jobs  map[string]*model.Job
	order []string
}

func New() *Registry {
	return &Registry{
		jobs: make(map[string]*model.Job),
	}
}

// Create inserts a PENDING job under id and derives its session token.
func (r *Registry) Create(id, submitterID string, value int64, tier int, now time.Time) (model.Job, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.jobs[id]; ok {
		return model.Job{}, fmt.Errorf("job %s already exists", id)
	}
	job := &model.Job{
		ID:           id,
		SubmitterID:  submitterID,
		Value:        value,
		Tier:         tier,
		State:        model.StatePending,
		SessionToken: SessionToken(id, value, now),
		CreatedAt:    now,
	}
	r.jobs[id] = job
	r.order = append(r.order, id)
	return job.Clone(), nil
}

// Transition moves a job to state to. An illegal transition is a
// programming error: it is logged, returned wrapping
// model.ErrIllegalTransition and never applied.
func (r *Registry) Transition(ctx context.Context, id string, to model.State, u Update) (model.Job, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	if !model.CanTransition(job.State, to) {
		err := fmt.Errorf("%w: %s -> %s", model.ErrIllegalTransition, job.State, to)
		slog.ErrorContext(ctx, "refusing job transition", "job_id", id, "error", err)
		return job.Clone(), err
	}

	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	switch {
	case to == model.StateInProgress:
		job.StartedAt = &at
		job.PID = u.PID
		job.PGID = u.PGID
	case to.Terminal():
		if job.StartedAt != nil && at.Before(*job.StartedAt) {
			at = *job.StartedAt
		}
		job.CompletedAt = &at
		job.PID = 0
		job.PGID = 0
		job.ResultPath = u.ResultPath
		job.Error = u.Error
		job.Output = u.Output
		job.PublicValues = append([]uint64(nil), u.PublicValues...)
	}
	job.State = to
	return job.Clone(), nil
}

// SetProcess records the external process of a running job.
func (r *Registry) SetProcess(id string, pid, pgid int) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	if job.State != model.StateInProgress {
		return fmt.Errorf("%w: process of a %s job", model.ErrIllegalTransition, job.State)
	}
	job.PID = pid
	job.PGID = pgid
	return nil
}

func (r *Registry) Get(id string) (model.Job, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	return job.Clone(), nil
}

// List returns matching jobs, newest first. limit <= 0 means no limit.
func (r *Registry) List(f model.Filter, limit int) []model.Job {
	r.mx.RLock()
	defer r.mx.RUnlock()
	ret := make([]model.Job, 0)
	for i := len(r.order) - 1; i >= 0; i-- {
		job := r.jobs[r.order[i]]
		if !f.Match(*job) {
			continue
		}
		ret = append(ret, job.Clone())
		if limit > 0 && len(ret) == limit {
			break
		}
	}
	return ret
}

// Counts returns the number of jobs per state.
func (r *Registry) Counts() map[model.State]int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	ret := make(map[model.State]int)
	for _, job := range r.jobs {
		ret[job.State]++
	}
	return ret
}

// Restore inserts a job snapshot loaded from a durable store as is.
func (r *Registry) Restore(job model.Job) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	c := job.Clone()
	r.jobs[job.ID] = &c
	r.order = append(r.order, job.ID)
	return nil
}

const hashBits = 20

// SessionToken binds a job to its game session: the high bits carry the
// creation time in milliseconds, the low bits a hash of job id and value.
func SessionToken(jobID string, value int64, now time.Time) string {
	h := xxhash.Sum64String(jobID + ":" + strconv.FormatInt(value, 10))
	token := uint64(now.UnixMilli())<<hashBits | h&(1<<hashBits-1)
	return fmt.Sprintf("%016x", token)
}
