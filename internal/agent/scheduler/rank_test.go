package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/soji/internal/model"
)

var rankNow = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func params() Params {
	return Params{Weights: model.DefaultScoringWeights(), BatteryReserve: 10, Now: rankNow}
}

func TestProximity(t *testing.T) {
	assert.Equal(t, 1.0, proximity("1F-east", "1F-east", 1, 1, true))
	assert.Equal(t, 0.5, proximity("1F-east", "1F-west", 1, 1, true))
	assert.Equal(t, 0.25, proximity("1F-east", "2F", 1, 2, true))
	assert.Equal(t, 0.125, proximity("1F-east", "3F", 1, 3, true))
	assert.Equal(t, 0.25, proximity("1F-east", "basement", 1, 0, false))
}

func TestRank_FeasibilityBoundary(t *testing.T) {
	snap := Snapshot{
		Tasks: []model.CleaningTask{{ID: "k1", Zone: "z", Priority: 3, EstimatedEnergy: 20}},
		Robots: []model.Robot{
			{ID: "exact", Zone: "z", Battery: 30},
			{ID: "short", Zone: "z", Battery: 29.9},
		},
	}
	ranked, skips := Rank(snap, params())
	require.Len(t, ranked, 1)
	assert.Equal(t, "exact", ranked[0].RobotID, "battery - energy == reserve is feasible")
	assert.Empty(t, skips)
}

func TestRank_Ordering(t *testing.T) {
	older := rankNow.Add(-2 * time.Hour)
	snap := Snapshot{
		Spaces: []model.Space{
			{ID: "s1", Zone: "a", Floor: 1},
			{ID: "s2", Zone: "b", Floor: 1},
			{ID: "s3", Zone: "c", Floor: 3},
		},
		Tasks: []model.CleaningTask{
			{ID: "k2", SpaceID: "s1", Zone: "a", Priority: 2, EstimatedEnergy: 10, CreatedAt: rankNow},
			{ID: "k1", SpaceID: "s1", Zone: "a", Priority: 2, EstimatedEnergy: 10, CreatedAt: rankNow},
			{ID: "k0", SpaceID: "s1", Zone: "a", Priority: 2, EstimatedEnergy: 10, CreatedAt: older},
		},
		Robots: []model.Robot{
			{ID: "near", Zone: "a", Battery: 60},
			{ID: "floor", Zone: "b", Battery: 60},
			{ID: "far", Zone: "c", Battery: 60},
		},
	}
	ranked, _ := Rank(snap, Params{Weights: model.ScoringWeights{Proximity: 1}, Now: rankNow})
	require.Len(t, ranked, 9)

	// Equal scores: older task first, then task id.
	assert.Equal(t, []string{"k0", "k1", "k2"}, []string{ranked[0].TaskID, ranked[1].TaskID, ranked[2].TaskID})
	for _, c := range ranked[:3] {
		assert.Equal(t, "near", c.RobotID)
		assert.Equal(t, 1.0, c.Score)
	}
	assert.Equal(t, "floor", ranked[3].RobotID)
	assert.Equal(t, 0.5, ranked[3].Score)
	assert.Equal(t, "far", ranked[8].RobotID)
	assert.Equal(t, 0.125, ranked[8].Score)
}

func TestRank_ScoreTerms(t *testing.T) {
	snap := Snapshot{
		Tasks:  []model.CleaningTask{{ID: "k1", Zone: "a", Priority: 5, EstimatedEnergy: 20, CreatedAt: rankNow.Add(-48 * time.Hour)}},
		Robots: []model.Robot{{ID: "r1", Zone: "a", Battery: 80}},
	}
	ranked, _ := Rank(snap, params())
	require.Len(t, ranked, 1)
	// 0.4*1 + 0.2*0.5 + 0.3*1 + 0.1*1
	assert.InDelta(t, 0.9, ranked[0].Score, 1e-9)
	assert.Equal(t, 20.0, ranked[0].EnergyCost)
}

func TestRank_SkipReasons(t *testing.T) {
	tasks := []model.CleaningTask{{ID: "k1", Zone: "a", Priority: 1, EstimatedEnergy: 50}}

	_, skips := Rank(Snapshot{Tasks: tasks}, params())
	require.Len(t, skips, 1)
	assert.Equal(t, SkipNoRobot, skips[0].Reason)

	_, skips = Rank(Snapshot{Tasks: tasks, Robots: []model.Robot{{ID: "r1", Battery: 40}}}, params())
	require.Len(t, skips, 1)
	assert.Equal(t, SkipInsufficientBattery, skips[0].Reason)

	p := params()
	p.Eligible = func(model.CleaningTask, model.Robot, model.Space) (bool, error) { return false, nil }
	_, skips = Rank(Snapshot{Tasks: tasks, Robots: []model.Robot{{ID: "r1", Battery: 90}}}, p)
	require.Len(t, skips, 1)
	assert.Equal(t, SkipIneligible, skips[0].Reason)

	p.Eligible = func(model.CleaningTask, model.Robot, model.Space) (bool, error) { return false, errors.New("no such key: floor") }
	_, skips = Rank(Snapshot{Tasks: tasks, Robots: []model.Robot{{ID: "r1", Battery: 90}}}, p)
	require.Len(t, skips, 1)
	assert.Equal(t, "no such key: floor", skips[0].Detail)
}

func TestRank_RestrictedCarriesThrough(t *testing.T) {
	snap := Snapshot{
		Spaces: []model.Space{{ID: "vault", Zone: "b1", Floor: -1, Restricted: true}},
		Tasks:  []model.CleaningTask{{ID: "k1", SpaceID: "vault", Priority: 1, EstimatedEnergy: 5}},
		Robots: []model.Robot{{ID: "r1", Zone: "b1", Battery: 90}},
	}
	ranked, _ := Rank(snap, params())
	require.Len(t, ranked, 1)
	assert.True(t, ranked[0].Restricted)
	assert.Equal(t, "b1", ranked[0].Zone, "zone falls back to the space's")
}

func TestEligibility(t *testing.T) {
	e, err := CompileEligibility("")
	require.NoError(t, err)
	assert.Nil(t, e)
	ok, err := e.Allows(model.CleaningTask{}, model.Robot{}, model.Space{})
	require.NoError(t, err)
	assert.True(t, ok, "no expression admits everything")

	e, err = CompileEligibility(`robot.battery >= 50.0 && task.priority >= 3 && !space.restricted`)
	require.NoError(t, err)
	task := model.CleaningTask{ID: "k1", Priority: 4}
	ok, err = e.Allows(task, model.Robot{ID: "r1", Battery: 60}, model.Space{ID: "s1"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.Allows(task, model.Robot{ID: "r1", Battery: 40}, model.Space{ID: "s1"})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = e.Allows(task, model.Robot{ID: "r1", Battery: 60}, model.Space{ID: "s1", Restricted: true})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = CompileEligibility(`task.priority + 1`)
	assert.NoError(t, err, "dyn output is checked at evaluation")
	e, err = CompileEligibility(`task.priority + 1`)
	require.NoError(t, err)
	_, err = e.Allows(task, model.Robot{}, model.Space{})
	assert.Error(t, err)

	_, err = CompileEligibility(`1 + 1`)
	assert.Error(t, err, "statically non-boolean")
	_, err = CompileEligibility(`task.(`)
	assert.Error(t, err)
}
