package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/ashita-ai/soji/internal/model"
)

// RegoQuery is the rule a Rego override policy must define. It evaluates to
// an object with optional fields require_approval (bool), reject (bool) and
// reason (string).
const RegoQuery = "data.soji.escalation.decision"

// Override is an operator policy consulted after the structural checks.
type Override interface {
	Evaluate(ctx context.Context, d model.Decision, agentTier model.AutonomyTier) (OverrideResult, error)
}

// OverrideResult is what an Override asks for. The zero value means no
// override.
type OverrideResult struct {
	RequireApproval bool
	Reject          bool
	Reason          string
}

// RegoOverride evaluates a prepared Rego query.
type RegoOverride struct {
	query rego.PreparedEvalQuery
}

// LoadRegoOverride compiles the Rego module at path.
func LoadRegoOverride(ctx context.Context, path string) (*RegoOverride, error) {
	src, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("escalation: read rego policy: %w", err)
	}
	return NewRegoOverride(ctx, path, string(src))
}

// NewRegoOverride compiles module source. name is used in compile errors.
func NewRegoOverride(ctx context.Context, name, module string) (*RegoOverride, error) {
	pq, err := rego.New(
		rego.Query(RegoQuery),
		rego.Module(name, module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("escalation: compile rego policy: %w", err)
	}
	return &RegoOverride{query: pq}, nil
}

func (r *RegoOverride) Evaluate(ctx context.Context, d model.Decision, agentTier model.AutonomyTier) (OverrideResult, error) {
	input, err := regoInput(d, agentTier)
	if err != nil {
		return OverrideResult{}, err
	}
	rs, err := r.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return OverrideResult{}, fmt.Errorf("escalation: eval rego policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return OverrideResult{}, nil
	}

	var out OverrideResult
	if v, ok := rs[0].Expressions[0].Value.(map[string]interface{}); ok {
		out.RequireApproval, _ = v["require_approval"].(bool)
		out.Reject, _ = v["reject"].(bool)
		out.Reason, _ = v["reason"].(string)
	}
	return out, nil
}

// regoInput renders the decision as plain JSON values so policies see the
// same field names as the API.
func regoInput(d model.Decision, agentTier model.AutonomyTier) (map[string]interface{}, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("escalation: encode rego input: %w", err)
	}
	var decision map[string]interface{}
	if err := json.Unmarshal(raw, &decision); err != nil {
		return nil, fmt.Errorf("escalation: encode rego input: %w", err)
	}
	return map[string]interface{}{
		"decision":        decision,
		"agent_tier":      agentTier.String(),
		"agent_tier_rank": int(agentTier),
	}, nil
}
