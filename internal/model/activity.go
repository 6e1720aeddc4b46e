package model

import (
	"time"

	"github.com/google/uuid"
)

// ActivityKind classifies an ActivityRecord.
type ActivityKind string

const (
	KindRunStarted   ActivityKind = "run_started"
	KindObservation  ActivityKind = "observation"
	KindDecision     ActivityKind = "decision"
	KindToolCall     ActivityKind = "tool_call"
	KindEscalated    ActivityKind = "escalated"
	KindSkipped      ActivityKind = "skipped"
	KindConflict     ActivityKind = "conflict"
	KindInvalid      ActivityKind = "invalid"
	KindApproved     ActivityKind = "approved"
	KindRejected     ActivityKind = "rejected"
	KindRunSuspended ActivityKind = "run_suspended"
	KindRunResumed   ActivityKind = "run_resumed"
	KindRunCompleted ActivityKind = "run_completed"
	KindRunFailed    ActivityKind = "run_failed"
	KindTimeout      ActivityKind = "timeout"
	KindError        ActivityKind = "error"
)

// Terminal reports whether the kind closes a run segment. A suspended run is
// closed until its continuation resumes it.
func (k ActivityKind) Terminal() bool {
	switch k {
	case KindRunSuspended, KindRunCompleted, KindRunFailed:
		return true
	}
	return false
}

// ActivityRecord is one immutable audit entry. Seq is strictly increasing per
// agent. Hash covers the record's content and PrevHash, chaining each agent's
// history.
type ActivityRecord struct {
	ID        uuid.UUID      `json:"id"`
	Seq       int64          `json:"seq"`
	AgentID   string         `json:"agent_id"`
	RunID     uuid.UUID      `json:"run_id"`
	TenantID  string         `json:"tenant_id"`
	Kind      ActivityKind   `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	PrevHash  string         `json:"prev_hash,omitempty"`
	Hash      string         `json:"hash"`
}

// TimeRange bounds a query. Zero values are open ends. To is exclusive.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}
