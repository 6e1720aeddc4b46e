//go:build property

package escalation_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ashita-ai/soji/internal/escalation"
	"github.com/ashita-ai/soji/internal/model"
	"github.com/ashita-ai/soji/internal/ratelimit"
)

func genDecision() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf(model.CategoryAssignTask, model.CategoryStartCleaning, model.CategoryStopRobot, model.CategoryRecallRobot, model.DecisionCategory("bogus")),
		gen.OneConstOf(model.ToolRobotStart, model.ToolRobotStop, model.ToolRobotGet, "", "robot_teleport"),
		gen.OneConstOf("", "r1", "r2"),
		gen.IntRange(0, 4),
	).Map(func(v []interface{}) model.Decision {
		return model.Decision{
			ID:           uuid.MustParse("6f1c8d1e-0000-4000-8000-000000000001"),
			AgentID:      "sched-1",
			Category:     v[0].(model.DecisionCategory),
			Tool:         v[1].(string),
			RobotID:      v[2].(string),
			RequiredTier: model.AutonomyTier(v[3].(int)),
		}
	})
}

// Evaluate is a pure function of its inputs and the window contents.
func TestEvaluateDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	policy := escalation.DefaultPolicy()
	policy.RateLimit = escalation.RateLimit{MaxAutoActions: 3, Window: time.Minute}
	window := ratelimit.NewMemoryWindow(time.Hour)
	e := newEngine(policy, window)
	ctx := context.Background()

	properties.Property("identical inputs yield identical verdicts", prop.ForAll(
		func(d model.Decision, tier int) bool {
			a := e.Evaluate(ctx, d, model.AutonomyTier(tier))
			b := e.Evaluate(ctx, d, model.AutonomyTier(tier))
			return a == b
		},
		genDecision(),
		gen.IntRange(0, 4),
	))

	properties.Property("auto-execution implies tier covers the policy floor", prop.ForAll(
		func(d model.Decision, tier int) bool {
			res := e.Evaluate(ctx, d, model.AutonomyTier(tier))
			if res.Verdict != model.VerdictAutoExecute {
				return true
			}
			floor := e.RequiredTier(d.Category, false)
			return model.AutonomyTier(tier).AtLeast(floor) && model.AutonomyTier(tier).AtLeast(d.RequiredTier)
		},
		genDecision(),
		gen.IntRange(0, 4),
	))

	properties.Property("structurally invalid decisions are always rejected", prop.ForAll(
		func(d model.Decision, tier int) bool {
			res := e.Evaluate(ctx, d, model.AutonomyTier(tier))
			invalid := d.RobotID == "" || d.Tool == "" || d.Tool == "robot_teleport" ||
				d.Tool == model.ToolRobotGet || d.Category == "bogus"
			return !invalid || res.Verdict == model.VerdictReject
		},
		genDecision(),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}
