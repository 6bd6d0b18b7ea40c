package model_test

import (
	"errors"
	"testing"
	"time"

	"github.com/CZERTAINLY/proofd/internal/model"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	all := []model.State{
		model.StatePending,
		model.StateInProgress,
		model.StateCompleted,
		model.StateFailed,
		model.StateTimeout,
	}
	legal := map[[2]model.State]bool{
		{model.StatePending, model.StateInProgress}:   true,
		{model.StateInProgress, model.StateCompleted}: true,
		{model.StateInProgress, model.StateFailed}:    true,
		{model.StateInProgress, model.StateTimeout}:   true,
	}
	for _, from := range all {
		for _, to := range all {
			require.Equal(t, legal[[2]model.State{from, to}], model.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestParseState(t *testing.T) {
	t.Parallel()
	st, err := model.ParseState("in_progress")
	require.NoError(t, err)
	require.Equal(t, model.StateInProgress, st)
	_, err = model.ParseState("cancelled")
	require.Error(t, err)
}

func TestJobClone(t *testing.T) {
	t.Parallel()
	started := time.Now()
	j := model.Job{ID: "a", StartedAt: &started, PublicValues: []uint64{1, 2}}
	c := j.Clone()
	c.PublicValues[0] = 42
	*c.StartedAt = started.Add(time.Hour)
	require.Equal(t, uint64(1), j.PublicValues[0])
	require.Equal(t, started, *j.StartedAt)
}

func TestFilter(t *testing.T) {
	t.Parallel()
	j := model.Job{SubmitterID: "p1", Tier: 2, State: model.StateFailed}
	require.True(t, model.Filter{}.Match(j))
	require.True(t, model.Filter{State: model.StateFailed, Tier: 2}.Match(j))
	require.False(t, model.Filter{SubmitterID: "p2"}.Match(j))
	require.False(t, model.Filter{State: model.StatePending}.Match(j))
}

func TestValidate(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario  string
		submitter string
		value     int64
		tier      int
		field     string
	}{
		{"ok", "p1", 42, 1, ""},
		{"empty submitter", "  ", 42, 1, "player_id"},
		{"negative score", "p1", -1, 1, "score"},
		{"score too high", "p1", model.MaxValue + 1, 1, "score"},
		{"tier zero", "p1", 1, 0, "difficulty"},
		{"tier eleven", "p1", 1, 11, "difficulty"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			err := model.Validate(tc.submitter, tc.value, tc.tier)
			if tc.field == "" {
				require.NoError(t, err)
				return
			}
			var verr *model.ValidationError
			require.True(t, errors.As(err, &verr))
			require.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestDuplicateErrorRetryAfter(t *testing.T) {
	t.Parallel()
	err := &model.DuplicateError{JobID: "j", RetryAfter: 24*time.Second + time.Millisecond}
	require.Equal(t, 25, err.RetryAfterSeconds())
}
