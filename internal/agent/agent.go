// Package agent runs scheduling agents: the Agent interface they implement,
// the per-run RunContext they act through, and the Manager that owns every
// registered agent and enforces single-flight execution.
package agent

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/soji/internal/model"
)

// Agent is one scheduling agent. Implementations hold no per-run state
// between calls; everything a run needs lives in its RunContext or, across a
// suspension, in the Continuation.
type Agent interface {
	ID() string
	Kind() string
	Config() model.AgentConfig
	// Configure replaces the configuration. It fails once the agent has run.
	Configure(cfg model.AgentConfig) error
	// Run performs one scheduling pass.
	Run(ctx context.Context, rc *RunContext) (Outcome, error)
	// Resume continues a run suspended for approval. approved reports the
	// human verdict on cont.Decision.
	Resume(ctx context.Context, rc *RunContext, cont model.Continuation, approved bool) (Outcome, error)
	// DescribeState returns agent-specific details for status endpoints.
	DescribeState() map[string]any
}

// Outcome is how a run segment ended without error.
type Outcome struct {
	// State is AgentCompleted or AgentWaitingApproval.
	State      model.AgentState
	ApprovalID *uuid.UUID
	// Reason says why the run stopped, e.g. "exhausted" or "max_actions".
	Reason string
}

// Completed is a finished run.
func Completed(reason string) Outcome {
	return Outcome{State: model.AgentCompleted, Reason: reason}
}

// Suspended is a run waiting on approval id.
func Suspended(id uuid.UUID) Outcome {
	return Outcome{State: model.AgentWaitingApproval, ApprovalID: &id, Reason: "awaiting_approval"}
}
