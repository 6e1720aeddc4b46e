// Package escalation routes agent decisions to auto-execution, human
// approval or rejection according to the agent's autonomy tier and the
// operator's policy.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/soji/internal/model"
	"github.com/ashita-ai/soji/internal/ratelimit"
	"github.com/ashita-ai/soji/internal/telemetry"
)

// Catalog resolves tool names to descriptors. *toolclient.Client satisfies it.
type Catalog interface {
	Descriptor(name string) (model.ToolDescriptor, bool)
}

// Engine evaluates decisions. It is safe for concurrent use.
type Engine struct {
	policy   Policy
	catalog  Catalog
	window   ratelimit.Window
	override Override
	logger   *slog.Logger
	now      func() time.Time

	verdicts otelmetric.Int64Counter
}

// Option configures an Engine.
type Option func(*Engine)

// WithOverride installs an operator override policy.
func WithOverride(o Override) Option {
	return func(e *Engine) { e.override = o }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine. window holds auto-execution history and may be
// shared between instances.
func New(policy Policy, catalog Catalog, window ratelimit.Window, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		policy:  policy,
		catalog: catalog,
		window:  window,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if c, err := telemetry.Meter("soji/escalation").Int64Counter("soji.escalations",
		otelmetric.WithDescription("Escalation verdicts by category and verdict")); err == nil {
		e.verdicts = c
	}
	return e
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy { return e.policy }

// RequiredTier is the minimum tier that may auto-execute category. A
// restricted target raises it by the policy's RestrictedRaise. Unknown
// categories require TierFull.
func (e *Engine) RequiredTier(category model.DecisionCategory, restricted bool) model.AutonomyTier {
	tier, ok := e.policy.Tiers[category]
	if !ok {
		return model.TierFull
	}
	if restricted {
		tier = tier.Raise(e.policy.RestrictedRaise)
	}
	return tier
}

// Evaluate returns the verdict for d proposed by an agent at agentTier. It
// reads but never writes the auto-action window, so identical inputs yield
// identical verdicts until the window changes.
func (e *Engine) Evaluate(ctx context.Context, d model.Decision, agentTier model.AutonomyTier) model.EscalationResult {
	res := e.evaluate(ctx, d, agentTier)
	if e.verdicts != nil {
		e.verdicts.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("category", string(d.Category)),
			attribute.String("verdict", string(res.Verdict)),
		))
	}
	return res
}

func (e *Engine) evaluate(ctx context.Context, d model.Decision, agentTier model.AutonomyTier) model.EscalationResult {
	if res, bad := e.structural(d, agentTier); bad {
		return res
	}

	required := e.RequiredTier(d.Category, false)
	if d.RequiredTier > required {
		required = d.RequiredTier
	}

	if e.override != nil {
		o, err := e.override.Evaluate(ctx, d, agentTier)
		if err != nil {
			e.logger.Warn("escalation: override failed, requiring approval",
				"decision_id", d.ID, "error", err)
			return escalate("override policy unavailable")
		}
		if o.Reject {
			return reject(withDefault(o.Reason, "rejected by override policy"))
		}
		if o.RequireApproval {
			return escalate(withDefault(o.Reason, "approval required by override policy"))
		}
	}

	if !agentTier.AtLeast(required) {
		return escalate(fmt.Sprintf("%s requires %s, agent is %s", d.Category, required, agentTier))
	}

	if limit := e.policy.RateLimit.MaxAutoActions; limit > 0 && e.window != nil {
		n, err := e.window.Count(ctx, windowKey(d.AgentID), e.policy.RateLimit.Window, e.now())
		if err != nil {
			e.logger.Warn("escalation: auto-action window unavailable, requiring approval",
				"agent_id", d.AgentID, "error", err)
			return escalate("auto-action window unavailable")
		}
		if n >= limit {
			return escalate(fmt.Sprintf("auto-action limit reached: %d in %s", n, e.policy.RateLimit.Window))
		}
	}

	return model.EscalationResult{
		Verdict: model.VerdictAutoExecute,
		Reason:  fmt.Sprintf("agent tier %s meets %s", agentTier, required),
	}
}

// structural rejects decisions that cannot be acted on at all.
func (e *Engine) structural(d model.Decision, agentTier model.AutonomyTier) (model.EscalationResult, bool) {
	if !knownCategory(d.Category) {
		return reject(fmt.Sprintf("unknown decision category %q", d.Category)), true
	}
	if d.Tool == "" {
		return reject("missing tool"), true
	}
	desc, ok := e.catalog.Descriptor(d.Tool)
	if !ok {
		return reject(fmt.Sprintf("unknown tool %q", d.Tool)), true
	}
	if !desc.SideEffecting {
		return reject(fmt.Sprintf("tool %q is not a mutating tool", d.Tool)), true
	}
	if !d.HasTarget() {
		return reject("missing target robot"), true
	}
	if !agentTier.Valid() || !d.RequiredTier.Valid() {
		return reject("invalid autonomy tier"), true
	}
	return model.EscalationResult{}, false
}

// RecordAutoExecution counts a completed auto-execution against the agent's
// rate limit.
func (e *Engine) RecordAutoExecution(ctx context.Context, agentID string) error {
	if e.window == nil || e.policy.RateLimit.MaxAutoActions == 0 {
		return nil
	}
	if err := e.window.Record(ctx, windowKey(agentID), e.now()); err != nil {
		return fmt.Errorf("escalation: record auto-execution: %w", err)
	}
	return nil
}

func windowKey(agentID string) string { return "auto:" + agentID }

func reject(reason string) model.EscalationResult {
	return model.EscalationResult{Verdict: model.VerdictReject, Reason: reason}
}

func escalate(reason string) model.EscalationResult {
	return model.EscalationResult{Verdict: model.VerdictRequireApproval, Reason: reason}
}

func withDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
