package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/CZERTAINLY/proofd/internal/dedup"
	"github.com/CZERTAINLY/proofd/internal/leaderboard"
	"github.com/CZERTAINLY/proofd/internal/log"
	"github.com/CZERTAINLY/proofd/internal/metrics"
	"github.com/CZERTAINLY/proofd/internal/model"
)

type SubmitRequest struct {
	SubmitterID string `json:"player_id"`
	Value       int64  `json:"score"`
	Tier        int    `json:"difficulty"`
}

type SubmitResponse struct {
	JobID        string            `json:"job_id"`
	State        model.State       `json:"status"`
	SessionToken string            `json:"session_token"`
	Position     int               `json:"leaderboard_position"`
	Entry        leaderboard.Entry `json:"entry"`
}

// Submit admits a score for proving and returns once the job is queued.
// Errors are *model.ValidationError, *model.DuplicateError or, when the
// queue can't take the job, model.ErrQueueFull / model.ErrPoolClosed.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	req.SubmitterID = strings.TrimSpace(req.SubmitterID)
	if err := model.Validate(req.SubmitterID, req.Value, req.Tier); err != nil {
		metrics.Submission(metrics.SubmissionInvalid)
		return SubmitResponse{}, err
	}

	now := s.now()
	key := dedup.Key{SubmitterID: req.SubmitterID, Value: req.Value, Tier: req.Tier}
	dec := s.dedup.Admit(key, now, s.newID)
	if !dec.Allowed {
		metrics.Submission(metrics.SubmissionDuplicate)
		slog.InfoContext(ctx, "duplicate submission rejected",
			"job_id", dec.JobID, "retry_after", dec.RetryAfter.String())
		return SubmitResponse{}, &model.DuplicateError{JobID: dec.JobID, RetryAfter: dec.RetryAfter}
	}

	job, err := s.registry.Create(dec.JobID, req.SubmitterID, req.Value, req.Tier, now)
	if err != nil {
		s.dedup.Release(key, dec.JobID)
		metrics.Submission(metrics.SubmissionRejected)
		return SubmitResponse{}, fmt.Errorf("creating job: %w", err)
	}
	ctx = log.WithJob(ctx, job)
	entry := leaderboard.FromJob(job)
	pos := s.board.Seed(entry)
	s.save(ctx, job)

	if err := s.pool.Enqueue(job.ID); err != nil {
		s.dedup.Release(key, job.ID)
		s.abandon(ctx, job.ID, err)
		metrics.Submission(metrics.SubmissionRejected)
		slog.WarnContext(ctx, "job not queued", "error", err)
		return SubmitResponse{}, fmt.Errorf("queueing job %s: %w", job.ID, err)
	}
	metrics.Submission(metrics.SubmissionAccepted)
	metrics.Pool(s.pool.Status(), s.slot.Status())
	slog.InfoContext(ctx, "job submitted", "value", job.Value, "position", pos)

	return SubmitResponse{
		JobID:        job.ID,
		State:        job.State,
		SessionToken: job.SessionToken,
		Position:     pos,
		Entry:        entry,
	}, nil
}

// IsRejected reports errors caused by the submission itself rather than
// by the service.
func IsRejected(err error) bool {
	var dup *model.DuplicateError
	var inv *model.ValidationError
	return errors.As(err, &dup) || errors.As(err, &inv)
}
