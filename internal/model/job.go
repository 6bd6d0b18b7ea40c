package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// State is a position in the job lifecycle.
type State string

const (
	StatePending    State = "PENDING"
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateTimeout    State = "TIMEOUT"
)

var states = []State{StatePending, StateInProgress, StateCompleted, StateFailed, StateTimeout}

// ParseState accepts the canonical name in any case.
func ParseState(s string) (State, error) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	if !slices.Contains(states, st) {
		return "", fmt.Errorf("unknown job state %q", s)
	}
	return st, nil
}

// Terminal reports whether no further transition is legal.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimeout:
		return true
	}
	return false
}

// CanTransition implements PENDING -> IN_PROGRESS -> {COMPLETED|FAILED|TIMEOUT}.
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateInProgress
	case StateInProgress:
		return to.Terminal()
	}
	return false
}

// Job is one request for a proof and its tracked lifecycle.
// PID and PGID are authoritative only while State is IN_PROGRESS.
type Job struct {
	ID           string     `json:"id"`
	SubmitterID  string     `json:"submitter_id"`
	Value        int64      `json:"value"`
	Tier         int        `json:"tier"`
	State        State      `json:"state"`
	SessionToken string     `json:"session_token"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	PID          int        `json:"pid,omitempty"`
	PGID         int        `json:"pgid,omitempty"`
	ResultPath   string     `json:"result_path,omitempty"`
	Error        string     `json:"error,omitempty"`
	Output       string     `json:"output,omitempty"`
	PublicValues []uint64   `json:"public_values,omitempty"`
}

// Clone returns a deep copy, so the caller can't reach registry owned memory.
func (j Job) Clone() Job {
	c := j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	c.PublicValues = slices.Clone(j.PublicValues)
	return c
}

// Duration returns the execution time of a started job, zero otherwise.
func (j Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// Filter selects jobs for listing. Zero fields match everything.
type Filter struct {
	State       State
	SubmitterID string
	Tier        int
}

func (f Filter) Match(j Job) bool {
	if f.State != "" && f.State != j.State {
		return false
	}
	if f.SubmitterID != "" && f.SubmitterID != j.SubmitterID {
		return false
	}
	if f.Tier != 0 && f.Tier != j.Tier {
		return false
	}
	return true
}
