// Package slot implements the system wide execution slot: at most one
// holder runs the prover at any instant.
package slot

import (
	"context"
	"sync"
)

type Slot struct {
	token chan struct{}

	mx     sync.Mutex
	holder string
	active int
	peak   int
}

func New() *Slot {
	s := &Slot{token: make(chan struct{}, 1)}
	s.token <- struct{}{}
	return s
}

// Acquire blocks until the slot is free or ctx is done.
func (s *Slot) Acquire(ctx context.Context, holder string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.token:
	}
	s.mx.Lock()
	s.holder = holder
	s.active++
	s.peak = max(s.peak, s.active)
	s.mx.Unlock()
	return nil
}

// Release frees the slot. Releasing a free slot panics.
func (s *Slot) Release() {
	s.mx.Lock()
	if s.active == 0 {
		s.mx.Unlock()
		panic("slot: release of a free slot")
	}
	s.holder = ""
	s.active--
	s.mx.Unlock()
	s.token <- struct{}{}
}

type Status struct {
	Holder string `json:"holder,omitempty"`
	Active int    `json:"active"`
	Peak   int    `json:"peak"`
}

func (s *Slot) Status() Status {
	s.mx.Lock()
	defer s.mx.Unlock()
	return Status{Holder: s.holder, Active: s.active, Peak: s.peak}
}
