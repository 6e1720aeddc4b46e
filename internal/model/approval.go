package model

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus is the lifecycle state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Terminal reports whether the status is a resolution.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

// ApprovalRequest holds one escalated decision awaiting human review.
// Once resolved it never returns to pending.
type ApprovalRequest struct {
	ID         uuid.UUID      `json:"id"`
	Decision   Decision       `json:"decision"`
	AgentID    string         `json:"agent_id"`
	TenantID   string         `json:"tenant_id"`
	Status     ApprovalStatus `json:"status"`
	Approver   string         `json:"approver,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// Continuation is everything needed to resume a suspended run, keyed by the
// approval request id. It must survive a process restart.
type Continuation struct {
	ApprovalID    uuid.UUID   `json:"approval_id"`
	RunID         uuid.UUID   `json:"run_id"`
	AgentID       string      `json:"agent_id"`
	TenantID      string      `json:"tenant_id"`
	Decision      Decision    `json:"decision"`
	Remaining     []Candidate `json:"remaining"`
	ClaimedTasks  []string    `json:"claimed_tasks"`
	ClaimedRobots []string    `json:"claimed_robots"`
	Partial       AgentResult `json:"partial"`
	CreatedAt     time.Time   `json:"created_at"`
	ResumedAt     *time.Time  `json:"resumed_at,omitempty"`
}
