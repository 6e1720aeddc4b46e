package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/soji/internal/model"
	"github.com/ashita-ai/soji/internal/toolclient"
)

// ToolCaller invokes tools by name. *toolclient.Client satisfies it.
type ToolCaller interface {
	Call(ctx context.Context, name string, args map[string]any) (*toolclient.Result, error)
}

// Escalator routes decisions. *escalation.Engine satisfies it.
type Escalator interface {
	RequiredTier(category model.DecisionCategory, restricted bool) model.AutonomyTier
	Evaluate(ctx context.Context, d model.Decision, agentTier model.AutonomyTier) model.EscalationResult
	RecordAutoExecution(ctx context.Context, agentID string) error
}

// Recorder is the activity log. *activity.Log satisfies it.
type Recorder interface {
	Append(ctx context.Context, rec model.ActivityRecord) (model.ActivityRecord, error)
	RunRecords(ctx context.Context, agentID string, runID uuid.UUID, since time.Time) ([]model.ActivityRecord, error)
}

// RunContext is an agent's handle on the runtime for one run segment. It is
// owned by one goroutine; only Read may be called concurrently.
type RunContext struct {
	RunID    uuid.UUID
	AgentID  string
	TenantID string
	Tier     model.AutonomyTier

	// Memory is the run's working memory, discarded when the run ends.
	Memory *model.AgentContext
	// Result accumulates across the run, including resumed segments.
	Result model.AgentResult
	// Approver is set on a segment resumed after approval.
	Approver string

	mu        sync.Mutex
	tools     ToolCaller
	escalator Escalator
	approvals ApprovalQueue
	log       Recorder
	logger    *slog.Logger
}

// ApprovalQueue is the subset of *approval.Queue the runtime needs.
type ApprovalQueue interface {
	Enqueue(ctx context.Context, d model.Decision, cont model.Continuation) (model.ApprovalRequest, error)
}

// RequiredTier is the tier the policy requires to auto-execute category.
func (rc *RunContext) RequiredTier(category model.DecisionCategory, restricted bool) model.AutonomyTier {
	return rc.escalator.RequiredTier(category, restricted)
}

// Checkpoint returns ErrCancelled or ErrRunTimeout once ctx has ended. Agents
// call it between steps; a step already under way is never interrupted.
func (rc *RunContext) Checkpoint(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return ErrRunTimeout
	default:
		return ErrCancelled
	}
}

// Record appends an activity record for this run. An error means the log is
// unavailable and must end the run.
func (rc *RunContext) Record(ctx context.Context, kind model.ActivityKind, outcome string, payload map[string]any) error {
	_, err := rc.log.Append(detach(ctx), model.ActivityRecord{
		AgentID:  rc.AgentID,
		RunID:    rc.RunID,
		TenantID: rc.TenantID,
		Kind:     kind,
		Payload:  payload,
		Outcome:  outcome,
	})
	return err
}

// Read calls a read-only tool and decodes its result into out. The call is
// noted in working memory and recorded as an observation.
func (rc *RunContext) Read(ctx context.Context, tool string, args map[string]any, out any) error {
	res, err := rc.tools.Call(detach(ctx), tool, args)
	if err != nil {
		return err
	}
	if err := res.Decode(out); err != nil {
		return err
	}
	rc.mu.Lock()
	rc.Memory.AddMessage(model.MessageTool, tool, string(res.Data))
	rc.mu.Unlock()
	return rc.Record(ctx, model.KindObservation, "ok", map[string]any{
		"tool":      tool,
		"arguments": args,
		"attempts":  res.Attempts,
	})
}

// Submit records d and routes it through escalation.
//
// On REQUIRE_APPROVAL it enqueues exactly one approval request carrying
// cont, completed with this run's identity and partial result, and returns
// it. On REJECT the decision is recorded as invalid. On AUTO_EXECUTE the
// caller must follow with Execute.
func (rc *RunContext) Submit(ctx context.Context, d model.Decision, cont model.Continuation) (model.EscalationResult, *model.ApprovalRequest, error) {
	if err := rc.Record(ctx, model.KindDecision, "", map[string]any{"decision": d}); err != nil {
		return model.EscalationResult{}, nil, err
	}
	rc.Memory.AddMessage(model.MessageAssistant, d.Tool, d.Rationale)

	res := rc.escalator.Evaluate(ctx, d, rc.Tier)
	switch res.Verdict {
	case model.VerdictReject:
		err := rc.Record(ctx, model.KindInvalid, string(res.Verdict), map[string]any{
			"decision_id": d.ID.String(),
			"reason":      res.Reason,
		})
		return res, nil, err

	case model.VerdictRequireApproval:
		cont.RunID = rc.RunID
		cont.AgentID = rc.AgentID
		cont.TenantID = rc.TenantID
		cont.Partial = rc.Result
		req, err := rc.approvals.Enqueue(detach(ctx), d, cont)
		if err != nil {
			return res, nil, err
		}
		rc.Result.PendingApprovals++
		err = rc.Record(ctx, model.KindEscalated, string(res.Verdict), map[string]any{
			"decision_id": d.ID.String(),
			"approval_id": req.ID.String(),
			"reason":      res.Reason,
		})
		return res, &req, err
	}
	return res, nil, nil
}

// Execute performs an auto-executed decision's mutating tool call and
// records the outcome. The action counts against the agent's auto-action
// window.
//
// A *toolclient.ConflictError is recorded as a conflict and returned for the
// agent to absorb. A *toolclient.SchemaError counts as a failed action and is
// returned for the agent to absorb. Any other error counts as a failed action
// and should end the run.
func (rc *RunContext) Execute(ctx context.Context, d model.Decision) error {
	return rc.execute(ctx, d, "")
}

// ExecuteApproved performs a decision a human approved, on behalf of
// rc.Approver. Errors are as for Execute.
func (rc *RunContext) ExecuteApproved(ctx context.Context, d model.Decision) error {
	approver := rc.Approver
	if approver == "" {
		approver = "unknown"
	}
	return rc.execute(ctx, d, approver)
}

func (rc *RunContext) execute(ctx context.Context, d model.Decision, approver string) error {
	args := make(map[string]any, len(d.Arguments)+1)
	for k, v := range d.Arguments {
		args[k] = v
	}
	args["decision_id"] = d.ID.String()

	res, err := rc.tools.Call(detach(ctx), d.Tool, args)
	payload := map[string]any{
		"tool":        d.Tool,
		"decision_id": d.ID.String(),
		"robot_id":    d.RobotID,
		"task_id":     d.TaskID,
	}
	if approver != "" {
		payload["approver"] = approver
	}

	switch {
	case err == nil:
		rc.Result.ActionsExecuted++
		payload["attempts"] = res.Attempts
		if recErr := rc.Record(ctx, model.KindToolCall, "ok", payload); recErr != nil {
			return recErr
		}
		if approver == "" {
			if werr := rc.escalator.RecordAutoExecution(detach(ctx), rc.AgentID); werr != nil {
				rc.logger.Warn("agent: auto-execution not counted", "agent_id", rc.AgentID, "error", werr)
			}
		}
		rc.Memory.AddMessage(model.MessageTool, d.Tool, string(res.Data))
		return nil

	case toolclient.IsConflict(err):
		var ce *toolclient.ConflictError
		errors.As(err, &ce)
		payload["current_state"] = ce.CurrentState
		payload["error"] = err.Error()
		if recErr := rc.Record(ctx, model.KindConflict, "conflict", payload); recErr != nil {
			return recErr
		}
		return err

	default:
		rc.Result.ActionsFailed++
		payload["error"] = err.Error()
		if recErr := rc.Record(ctx, model.KindToolCall, outcomeOf(err), payload); recErr != nil {
			return fmt.Errorf("%w (after tool error: %v)", recErr, err)
		}
		return err
	}
}

func outcomeOf(err error) string {
	switch {
	case toolclient.IsSchema(err):
		return "schema_error"
	case toolclient.IsFatal(err):
		return "fatal"
	case toolclient.IsRetryable(err):
		return "retryable_exhausted"
	default:
		return "error"
	}
}

// detach keeps ctx's values but not its cancellation, so a step that has
// started runs to completion under its own timeout.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
