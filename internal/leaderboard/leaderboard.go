// Package leaderboard keeps the per tier ranking of submitted scores.
//
// Entries are projections of registry jobs: seeded as PENDING when the job
// is accepted and patched in place once it resolves. Within a tier entries
// are ordered by value descending, equal values keep insertion order.
package leaderboard

import (
	"cmp"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/CZERTAINLY/proofd/internal/model"
)

type Entry struct {
	SubmitterID  string      `json:"player_id"`
	Value        int64       `json:"score"`
	Tier         int         `json:"difficulty"`
	JobID        string      `json:"job_id"`
	SessionToken string      `json:"session_token"`
	Timestamp    time.Time   `json:"timestamp"`
	State        model.State `json:"proof_state"`
	ResultPath   string      `json:"result_path,omitempty"`
	Error        string      `json:"error,omitempty"`

	seq uint64
}

// FromJob projects a registry job.
func FromJob(j model.Job) Entry {
	return Entry{
		SubmitterID:  j.SubmitterID,
		Value:        j.Value,
		Tier:         j.Tier,
		JobID:        j.ID,
		SessionToken: j.SessionToken,
		Timestamp:    j.CreatedAt,
		State:        j.State,
		ResultPath:   j.ResultPath,
		Error:        j.Error,
	}
}

type TierStats struct {
	GamesPlayed  int     `json:"games_played"`
	TotalScore   int64   `json:"total_score"`
	HighestScore int64   `json:"highest_score"`
	AverageScore float64 `json:"average_score"`
}

type PlayerStats struct {
	TotalGames   int               `json:"total_games"`
	TotalScore   int64             `json:"total_score"`
	HighestScore int64             `json:"highest_score"`
	AverageScore float64           `json:"average_score"`
	Tiers        map[int]TierStats `json:"difficulty_breakdown"`
}

func (s PlayerStats) clone() PlayerStats {
	s.Tiers = maps.Clone(s.Tiers)
	return s
}

func (s *PlayerStats) add(tier int, value int64) {
	s.TotalGames++
	s.TotalScore += value
	s.HighestScore = max(s.HighestScore, value)
	s.AverageScore = float64(s.TotalScore) / float64(s.TotalGames)

	if s.Tiers == nil {
		s.Tiers = make(map[int]TierStats)
	}
	t := s.Tiers[tier]
	t.GamesPlayed++
	t.TotalScore += value
	t.HighestScore = max(t.HighestScore, value)
	t.AverageScore = float64(t.TotalScore) / float64(t.GamesPlayed)
	s.Tiers[tier] = t
}

type Board struct {
	mx    sync.RWMutex
	seq   uint64
	tiers map[int][]Entry
	tier  map[string]int // job id -> tier
	stats map[string]*PlayerStats
}

func New() *Board {
	return &Board{
		tiers: make(map[int][]Entry),
		tier:  make(map[string]int),
		stats: make(map[string]*PlayerStats),
	}
}

// Seed inserts e into its tier and accounts it in the submitter stats. It
// returns the 1 based position of the entry within the tier.
func (b *Board) Seed(e Entry) int {
	b.mx.Lock()
	defer b.mx.Unlock()

	b.seq++
	e.seq = b.seq
	s := b.tiers[e.Tier]
	// first entry ranked strictly below e, so equal values keep insertion order
	idx := sort.Search(len(s), func(i int) bool { return s[i].Value < e.Value })
	b.tiers[e.Tier] = slices.Insert(s, idx, e)
	b.tier[e.JobID] = e.Tier

	st, ok := b.stats[e.SubmitterID]
	if !ok {
		st = &PlayerStats{}
		b.stats[e.SubmitterID] = st
	}
	st.add(e.Tier, e.Value)
	return idx + 1
}

// Patch overlays the resolution of j on its entry. It reports false when
// the job was never seeded.
func (b *Board) Patch(j model.Job) bool {
	b.mx.Lock()
	defer b.mx.Unlock()

	tier, ok := b.tier[j.ID]
	if !ok {
		return false
	}
	s := b.tiers[tier]
	for i := range s {
		if s[i].JobID != j.ID {
			continue
		}
		s[i].State = j.State
		s[i].ResultPath = j.ResultPath
		s[i].Error = j.Error
		return true
	}
	return false
}

// Top returns at most n best entries of tier.
func (b *Board) Top(tier, n int) []Entry {
	b.mx.RLock()
	defer b.mx.RUnlock()
	s := b.tiers[tier]
	return slices.Clone(s[:min(max(n, 0), len(s))])
}

// TopAll ranks all tiers together: value descending, then the older
// submission first.
func (b *Board) TopAll(n int) []Entry {
	b.mx.RLock()
	all := make([]Entry, 0, len(b.tier))
	for _, s := range b.tiers {
		all = append(all, s...)
	}
	b.mx.RUnlock()

	slices.SortFunc(all, func(a, b Entry) int {
		return cmp.Or(
			cmp.Compare(b.Value, a.Value),
			a.Timestamp.Compare(b.Timestamp),
			cmp.Compare(a.seq, b.seq),
		)
	})
	return all[:min(max(n, 0), len(all))]
}

// Tiers lists the tiers holding at least one entry, ascending.
func (b *Board) Tiers() []int {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return slices.Sorted(maps.Keys(b.tiers))
}

func (b *Board) Stats(submitterID string) (PlayerStats, bool) {
	b.mx.RLock()
	defer b.mx.RUnlock()
	st, ok := b.stats[submitterID]
	if !ok {
		return PlayerStats{}, false
	}
	return st.clone(), true
}

func (b *Board) AllStats() map[string]PlayerStats {
	b.mx.RLock()
	defer b.mx.RUnlock()
	ret := make(map[string]PlayerStats, len(b.stats))
	for id, st := range b.stats {
		ret[id] = st.clone()
	}
	return ret
}
