package model

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrPlayerNotFound    = errors.New("player not found")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrResultUnavailable = errors.New("result not available")
	ErrQueueFull         = errors.New("job queue is full")
	ErrPoolClosed        = errors.New("worker pool closed")
)

// DuplicateError rejects a submission seen inside the dedup window.
type DuplicateError struct {
	JobID      string
	RetryAfter time.Duration
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate submission of job %s: retry after %s", e.JobID, e.RetryAfter)
}

// RetryAfterSeconds rounds up, a client must never retry too early.
func (e *DuplicateError) RetryAfterSeconds() int {
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

// ValidationError is a malformed or out of range submission field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

const (
	MaxValue = 1_000_000
	MinTier  = 1
	MaxTier  = 10
)

// Validate checks submission fields. Returns a *ValidationError.
func Validate(submitterID string, value int64, tier int) error {
	switch {
	case strings.TrimSpace(submitterID) == "":
		return &ValidationError{Field: "player_id", Reason: "cannot be empty"}
	case value < 0 || value > MaxValue:
		return &ValidationError{Field: "score", Reason: fmt.Sprintf("must be within 0..%d", MaxValue)}
	case tier < MinTier || tier > MaxTier:
		return &ValidationError{Field: "difficulty", Reason: fmt.Sprintf("must be within %d..%d", MinTier, MaxTier)}
	}
	return nil
}
