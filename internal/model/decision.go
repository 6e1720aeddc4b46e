package model

import (
	"time"

	"github.com/google/uuid"
)

// DecisionCategory groups decisions for the escalation policy table.
type DecisionCategory string

const (
	CategoryAssignTask    DecisionCategory = "assign_task"
	CategoryStartCleaning DecisionCategory = "start_cleaning"
	CategoryStopRobot     DecisionCategory = "stop_robot"
	CategoryRecallRobot   DecisionCategory = "recall_robot"
)

// Decision is a candidate mutating action proposed by an agent.
// ID doubles as the idempotency key passed to the tool as decision_id.
type Decision struct {
	ID           uuid.UUID        `json:"id"`
	AgentID      string           `json:"agent_id"`
	TenantID     string           `json:"tenant_id"`
	RunID        uuid.UUID        `json:"run_id"`
	Category     DecisionCategory `json:"category"`
	Tool         string           `json:"tool"`
	Arguments    map[string]any   `json:"arguments"`
	TaskID       string           `json:"task_id,omitempty"`
	RobotID      string           `json:"robot_id,omitempty"`
	RequiredTier AutonomyTier     `json:"required_tier"`
	Score        float64          `json:"score"`
	Rationale    string           `json:"rationale"`
	CreatedAt    time.Time        `json:"created_at"`
}

// HasTarget reports whether the decision names the robot it acts on.
func (d Decision) HasTarget() bool {
	return d.RobotID != ""
}

// Verdict is the escalation outcome for a decision.
type Verdict string

const (
	VerdictAutoExecute     Verdict = "AUTO_EXECUTE"
	VerdictRequireApproval Verdict = "REQUIRE_APPROVAL"
	VerdictReject          Verdict = "REJECT"
)

// EscalationResult is the verdict plus the reason that produced it.
type EscalationResult struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason"`
}

// Candidate is a scored (task, robot) pairing.
type Candidate struct {
	TaskID     string    `json:"task_id"`
	RobotID    string    `json:"robot_id"`
	SpaceID    string    `json:"space_id"`
	Zone       string    `json:"zone"`
	Restricted bool      `json:"restricted,omitempty"`
	Score      float64   `json:"score"`
	EnergyCost float64   `json:"energy_cost"`
	Battery    float64   `json:"battery"`
	TaskAge    time.Time `json:"task_created_at"`
}
