package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/CZERTAINLY/proofd/internal/dedup"
	"github.com/CZERTAINLY/proofd/internal/health"
	"github.com/CZERTAINLY/proofd/internal/leaderboard"
	"github.com/CZERTAINLY/proofd/internal/model"
	"github.com/CZERTAINLY/proofd/internal/proof"
	"github.com/CZERTAINLY/proofd/internal/slot"
	"github.com/CZERTAINLY/proofd/internal/worker"
)

func (s *Service) Status(id string) (model.Job, error) {
	return s.registry.Get(id)
}

func (s *Service) ListJobs(f model.Filter, limit int) []model.Job {
	return s.registry.List(f, limit)
}

func (s *Service) Leaderboard(tier, limit int) []leaderboard.Entry {
	return s.board.Top(tier, limit)
}

func (s *Service) AllLeaderboards(limit int) []leaderboard.Entry {
	return s.board.TopAll(limit)
}

// Scores returns every leaderboard entry grouped by tier, best first.
func (s *Service) Scores() map[int][]leaderboard.Entry {
	tiers := s.board.Tiers()
	ret := make(map[int][]leaderboard.Entry, len(tiers))
	for _, tier := range tiers {
		ret[tier] = s.board.Top(tier, math.MaxInt)
	}
	return ret
}

func (s *Service) Players() map[string]leaderboard.PlayerStats {
	return s.board.AllStats()
}

func (s *Service) PlayerStats(submitterID string) (leaderboard.PlayerStats, error) {
	st, ok := s.board.Stats(submitterID)
	if !ok {
		return leaderboard.PlayerStats{}, fmt.Errorf("%w: %s", model.ErrPlayerNotFound, submitterID)
	}
	return st, nil
}

// OpenResult opens the proof artifact of a COMPLETED job.
func (s *Service) OpenResult(id string) (io.ReadCloser, model.Job, error) {
	job, err := s.registry.Get(id)
	if err != nil {
		return nil, model.Job{}, err
	}
	if job.State != model.StateCompleted || job.ResultPath == "" {
		return nil, job, fmt.Errorf("%w: job %s is %s", model.ErrResultUnavailable, id, job.State)
	}
	f, err := os.Open(job.ResultPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, job, fmt.Errorf("%w: artifact of job %s is gone", model.ErrResultUnavailable, id)
	}
	if err != nil {
		return nil, job, fmt.Errorf("opening artifact: %w", err)
	}
	return f, job, nil
}

type WorkerStatus struct {
	Pool worker.Status       `json:"pool"`
	Slot slot.Status         `json:"slot"`
	Jobs map[model.State]int `json:"jobs"`
}

func (s *Service) WorkerStatus() WorkerStatus {
	return WorkerStatus{
		Pool: s.pool.Status(),
		Slot: s.slot.Status(),
		Jobs: s.registry.Counts(),
	}
}

func (s *Service) DedupStatus() dedup.Status {
	return s.dedup.Status(s.now())
}

type VerifyResponse struct {
	Verified  bool      `json:"verified"`
	Timestamp time.Time `json:"timestamp"`
}

// VerifyProof checks the shape of a proof document, see proof.Verify.
func (s *Service) VerifyProof(doc map[string]json.RawMessage) (VerifyResponse, error) {
	if err := proof.Verify(doc); err != nil {
		return VerifyResponse{Timestamp: s.now()}, err
	}
	return VerifyResponse{Verified: true, Timestamp: s.now()}, nil
}

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

type HealthStatus struct {
	Status          string              `json:"status"`
	Timestamp       time.Time           `json:"timestamp"`
	ProverAvailable bool                `json:"prover_available"`
	Pool            worker.Status       `json:"pool"`
	Slot            slot.Status         `json:"slot"`
	Jobs            map[model.State]int `json:"jobs"`
	LastCheck       health.Report       `json:"last_check"`
}

// Health reports degraded when the prover binary is missing or no worker
// is alive.
func (s *Service) Health(_ context.Context) HealthStatus {
	h := HealthStatus{
		Status:          StatusHealthy,
		Timestamp:       s.now(),
		ProverAvailable: s.proverAvailable(),
		Pool:            s.pool.Status(),
		Slot:            s.slot.Status(),
		Jobs:            s.registry.Counts(),
		LastCheck:       s.monitor.Last(),
	}
	if !h.ProverAvailable || h.Pool.Live == 0 {
		h.Status = StatusDegraded
	}
	return h
}

func (s *Service) proverAvailable() bool {
	path := s.cmd.Path
	if path == "" {
		return false
	}
	// exec.Cmd resolves a relative path against its Dir
	if !filepath.IsAbs(path) && strings.ContainsRune(path, filepath.Separator) {
		path = filepath.Join(s.cmd.WorkDir, path)
	}
	_, err := exec.LookPath(path)
	return err == nil
}
