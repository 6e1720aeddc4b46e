package scheduler

import (
	"math"
	"sort"
	"time"

	"github.com/ashita-ai/soji/internal/model"
)

// ageHorizon is the task age at which the age term saturates.
const ageHorizon = 24 * time.Hour

// Skip reasons for tasks that end up with no pairing.
const (
	SkipNoRobot             = "no_available_robot"
	SkipInsufficientBattery = "insufficient_battery"
	SkipIneligible          = "ineligible"
)

// Snapshot is what a run observed through the read tools.
type Snapshot struct {
	Tasks  []model.CleaningTask
	Robots []model.Robot
	Spaces []model.Space
}

// Skip is a task that formed no feasible pairing.
type Skip struct {
	TaskID string
	Reason string
	// Detail carries the eligibility error, if any.
	Detail string
}

// Params tune ranking.
type Params struct {
	Weights        model.ScoringWeights
	BatteryReserve float64
	Now            time.Time
	// Eligible, when set, can exclude a pairing.
	Eligible func(task model.CleaningTask, robot model.Robot, space model.Space) (bool, error)
}

// Rank pairs every pending task with every available robot, drops the
// pairings that are infeasible or ineligible, and orders the rest by score,
// highest first. Ties go to the older task, then to task and robot ids.
// Rank is deterministic for a given snapshot and Params.
func Rank(snap Snapshot, p Params) ([]model.Candidate, []Skip) {
	spaces := make(map[string]model.Space, len(snap.Spaces))
	zoneFloor := make(map[string]int, len(snap.Spaces))
	for _, s := range snap.Spaces {
		spaces[s.ID] = s
		if _, ok := zoneFloor[s.Zone]; !ok {
			zoneFloor[s.Zone] = s.Floor
		}
	}

	var (
		out   []model.Candidate
		skips []Skip
	)
	for _, t := range snap.Tasks {
		space := spaces[t.SpaceID]
		zone := t.Zone
		if zone == "" {
			zone = space.Zone
		}
		taskFloor, taskFloorKnown := space.Floor, space.ID != ""
		if !taskFloorKnown {
			taskFloor, taskFloorKnown = zoneFloor[zone]
		}

		paired, feasible := 0, 0
		var detail string
		for _, r := range snap.Robots {
			if r.Battery-t.EstimatedEnergy < p.BatteryReserve {
				continue
			}
			feasible++
			if p.Eligible != nil {
				ok, err := p.Eligible(t, r, space)
				if err != nil {
					detail = err.Error()
					continue
				}
				if !ok {
					continue
				}
			}
			paired++

			robotFloor, robotFloorKnown := zoneFloor[r.Zone]
			prox := proximity(zone, r.Zone, taskFloor, robotFloor, taskFloorKnown && robotFloorKnown)
			margin := clamp01((r.Battery - t.EstimatedEnergy - p.BatteryReserve) / 100)
			prio := clamp01(float64(t.Priority) / model.MaxTaskPriority)
			age := 0.0
			if !t.CreatedAt.IsZero() {
				age = clamp01(float64(p.Now.Sub(t.CreatedAt)) / float64(ageHorizon))
			}
			score := p.Weights.Proximity*prox +
				p.Weights.Battery*margin +
				p.Weights.Priority*prio +
				p.Weights.Age*age

			out = append(out, model.Candidate{
				TaskID:     t.ID,
				RobotID:    r.ID,
				SpaceID:    t.SpaceID,
				Zone:       zone,
				Restricted: space.Restricted,
				Score:      math.Round(score*1e6) / 1e6,
				EnergyCost: t.EstimatedEnergy,
				Battery:    r.Battery,
				TaskAge:    t.CreatedAt,
			})
		}

		if paired > 0 {
			continue
		}
		switch {
		case len(snap.Robots) == 0:
			skips = append(skips, Skip{TaskID: t.ID, Reason: SkipNoRobot})
		case feasible == 0:
			skips = append(skips, Skip{TaskID: t.ID, Reason: SkipInsufficientBattery})
		default:
			skips = append(skips, Skip{TaskID: t.ID, Reason: SkipIneligible, Detail: detail})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.TaskAge.Equal(b.TaskAge) {
			return a.TaskAge.Before(b.TaskAge)
		}
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		return a.RobotID < b.RobotID
	})
	return out, skips
}

// proximity is 1 in the same zone, 0.5 on the same floor and 0.25/|Δfloor|
// otherwise. An unknown floor counts as one floor away.
func proximity(taskZone, robotZone string, taskFloor, robotFloor int, floorsKnown bool) float64 {
	if taskZone != "" && taskZone == robotZone {
		return 1
	}
	if !floorsKnown {
		return 0.25
	}
	d := taskFloor - robotFloor
	if d < 0 {
		d = -d
	}
	if d == 0 {
		return 0.5
	}
	return 0.25 / float64(d)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}
