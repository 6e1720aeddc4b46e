package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentRole is the role carried by a caller's pre-validated identity.
type AgentRole string

const (
	RoleAdmin    AgentRole = "admin"
	RoleApprover AgentRole = "approver"
	RoleOperator AgentRole = "operator"
	RoleViewer   AgentRole = "viewer"
)

// RoleRank returns the numeric rank of a role (higher = more privileges).
// Only relative ordering matters. RoleAtLeast uses >= comparison.
func RoleRank(r AgentRole) int {
	switch r {
	case RoleAdmin:
		return 4
	case RoleApprover:
		return 3
	case RoleOperator:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole AgentRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// AgentState is the lifecycle state of an agent as seen by the manager.
type AgentState string

const (
	AgentIdle            AgentState = "idle"
	AgentRunning         AgentState = "running"
	AgentWaitingApproval AgentState = "waiting_approval"
	// AgentFailed is transient: the next trigger starts a fresh run.
	AgentFailed    AgentState = "failed"
	AgentCompleted AgentState = "completed"
)

// ScoringWeights weight the normalized terms of a candidate pairing's score.
type ScoringWeights struct {
	Proximity float64 `json:"proximity" yaml:"proximity"`
	Battery   float64 `json:"battery" yaml:"battery"`
	Priority  float64 `json:"priority" yaml:"priority"`
	Age       float64 `json:"age" yaml:"age"`
}

// DefaultScoringWeights favors proximity, then priority.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{Proximity: 0.4, Battery: 0.2, Priority: 0.3, Age: 0.1}
}

// AgentConfig holds static agent parameters. Immutable after construction.
type AgentConfig struct {
	AgentID  string         `json:"agent_id" yaml:"id"`
	Kind     string         `json:"kind" yaml:"kind"`
	TenantID string         `json:"tenant_id" yaml:"tenant_id"`
	Tier     AutonomyTier   `json:"tier" yaml:"tier"`
	Weights  ScoringWeights `json:"weights" yaml:"weights"`

	// MinBattery is the availability threshold passed to robot queries.
	MinBattery float64 `json:"min_battery" yaml:"min_battery"`
	// BatteryReserve is the charge a robot must keep after a task's estimated energy.
	BatteryReserve float64 `json:"battery_reserve" yaml:"battery_reserve"`
	MaxActions     int     `json:"max_actions" yaml:"max_actions"`
	// Eligibility is an optional CEL expression over task and robot.
	Eligibility string `json:"eligibility,omitempty" yaml:"eligibility"`
}

// Validate checks required fields and numeric ranges.
func (c AgentConfig) Validate() error {
	if err := ValidateAgentID(c.AgentID); err != nil {
		return err
	}
	if c.TenantID == "" {
		return fmt.Errorf("agent %s: tenant_id is required", c.AgentID)
	}
	if !c.Tier.Valid() {
		return fmt.Errorf("agent %s: invalid tier %d", c.AgentID, c.Tier)
	}
	if c.MinBattery < 0 || c.MinBattery > 100 {
		return fmt.Errorf("agent %s: min_battery must be within [0,100]", c.AgentID)
	}
	if c.BatteryReserve < 0 || c.BatteryReserve > 100 {
		return fmt.Errorf("agent %s: battery_reserve must be within [0,100]", c.AgentID)
	}
	if c.MaxActions < 0 {
		return fmt.Errorf("agent %s: max_actions must not be negative", c.AgentID)
	}
	return nil
}

// MessageRole tags an AgentMessage.
type MessageRole string

const (
	MessageUser      MessageRole = "user"
	MessageAssistant MessageRole = "assistant"
	MessageTool      MessageRole = "tool"
	MessageSystem    MessageRole = "system"
)

// AgentMessage is one role-tagged entry in a run's working memory.
type AgentMessage struct {
	Role     MessageRole `json:"role"`
	Content  string      `json:"content"`
	ToolName string      `json:"tool_name,omitempty"`
	At       time.Time   `json:"at"`
}

// AgentContext is the per-run working memory. It is owned by exactly one run
// and discarded when the run ends.
type AgentContext struct {
	RunID      uuid.UUID
	AgentID    string
	TenantID   string
	Messages   []AgentMessage
	Spaces     []Space
	Tasks      []CleaningTask
	Robots     []Robot
	Candidates []Candidate
}

// AddMessage appends a message stamped with the current time.
func (c *AgentContext) AddMessage(role MessageRole, toolName, content string) {
	c.Messages = append(c.Messages, AgentMessage{
		Role:     role,
		Content:  content,
		ToolName: toolName,
		At:       time.Now().UTC(),
	})
}

// AgentResult accumulates the outcome of one run, across resumptions.
type AgentResult struct {
	ActionsExecuted  int `json:"actions_executed"`
	ActionsFailed    int `json:"actions_failed"`
	PendingApprovals int `json:"pending_approvals"`
}

// ValidateAgentID checks that an agent ID conforms to the allowed format.
// Agent IDs must be 1-255 ASCII characters: alphanumeric, dots, hyphens,
// underscores, and @ signs.
func ValidateAgentID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("agent_id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("agent_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("agent_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
