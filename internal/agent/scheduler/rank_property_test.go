//go:build property

package scheduler

import (
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ashita-ai/soji/internal/model"
)

var zones = []string{"1F-east", "1F-west", "2F", "3F"}

func genSnapshot() gopter.Gen {
	return gopter.CombineGens(
		gen.SliceOfN(6, gopter.CombineGens(
			gen.IntRange(0, 3),
			gen.IntRange(1, model.MaxTaskPriority),
			gen.Float64Range(0, 60),
			gen.IntRange(0, 72),
		)),
		gen.SliceOfN(4, gopter.CombineGens(
			gen.IntRange(0, 3),
			gen.Float64Range(0, 100),
		)),
	).Map(func(v []interface{}) Snapshot {
		var snap Snapshot
		for i, z := range zones {
			snap.Spaces = append(snap.Spaces, model.Space{ID: "s-" + z, Zone: z, Floor: 1 + i/2})
		}
		for i, f := range v[0].([][]interface{}) {
			zone := zones[f[0].(int)]
			snap.Tasks = append(snap.Tasks, model.CleaningTask{
				ID:              "k" + string(rune('a'+i)),
				SpaceID:         "s-" + zone,
				Zone:            zone,
				Priority:        f[1].(int),
				EstimatedEnergy: f[2].(float64),
				CreatedAt:       rankNow.Add(-time.Duration(f[3].(int)) * time.Hour),
			})
		}
		for i, f := range v[1].([][]interface{}) {
			snap.Robots = append(snap.Robots, model.Robot{
				ID:      "r" + string(rune('a'+i)),
				Zone:    zones[f[0].(int)],
				Battery: f[1].(float64),
			})
		}
		return snap
	})
}

func TestRankProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	p := params()
	maxScore := p.Weights.Proximity + p.Weights.Battery + p.Weights.Priority + p.Weights.Age

	properties.Property("every candidate is feasible", prop.ForAll(
		func(snap Snapshot) bool {
			ranked, _ := Rank(snap, p)
			for _, c := range ranked {
				if c.Battery-c.EnergyCost < p.BatteryReserve {
					return false
				}
			}
			return true
		},
		genSnapshot(),
	))

	properties.Property("scores are bounded and non-increasing", prop.ForAll(
		func(snap Snapshot) bool {
			ranked, _ := Rank(snap, p)
			for i, c := range ranked {
				if c.Score < 0 || c.Score > maxScore+1e-9 {
					return false
				}
				if i > 0 && ranked[i-1].Score < c.Score {
					return false
				}
			}
			return true
		},
		genSnapshot(),
	))

	properties.Property("each task is ranked or skipped, never both", prop.ForAll(
		func(snap Snapshot) bool {
			ranked, skips := Rank(snap, p)
			seen := make(map[string]bool)
			for _, c := range ranked {
				seen[c.TaskID] = true
			}
			for _, s := range skips {
				if seen[s.TaskID] {
					return false
				}
				seen[s.TaskID] = true
			}
			return len(seen) == len(snap.Tasks)
		},
		genSnapshot(),
	))

	properties.Property("ranking is deterministic", prop.ForAll(
		func(snap Snapshot) bool {
			a, as := Rank(snap, p)
			b, bs := Rank(snap, p)
			return reflect.DeepEqual(a, b) && reflect.DeepEqual(as, bs)
		},
		genSnapshot(),
	))

	properties.TestingRun(t)
}
