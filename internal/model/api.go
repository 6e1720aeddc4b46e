package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// PageResponse is the envelope for cursor-paginated list endpoints.
// NextCursor is empty on the last page.
type PageResponse struct {
	Data       any          `json:"data"`
	NextCursor string       `json:"next_cursor,omitempty"`
	Limit      int          `json:"limit"`
	Meta       ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeAgentBusy       = "AGENT_BUSY"
	ErrCodeAlreadyResolved = "ALREADY_RESOLVED"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeRateLimited     = "RATE_LIMITED"
)

// TriggerRequest is the request body for POST /v1/agents/{agent_id}/trigger.
type TriggerRequest struct {
	TenantID string `json:"tenant_id"`
}

// TriggerResponse reports how a trigger or resumption ended. ApprovalID is set
// when State is waiting_approval and is the handle to resume the run.
type TriggerResponse struct {
	RunID      uuid.UUID   `json:"run_id"`
	AgentID    string      `json:"agent_id"`
	State      AgentState  `json:"state"`
	Result     AgentResult `json:"result"`
	ApprovalID *uuid.UUID  `json:"approval_id,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// ResolveApprovalRequest is the request body for POST /v1/approvals/{id}/resolve.
// The approver identity comes from the caller's claims, never the body.
type ResolveApprovalRequest struct {
	Approved *bool `json:"approved"`
}

// AgentStatus is the externally visible view of a registered agent.
type AgentStatus struct {
	AgentID   string         `json:"agent_id"`
	Kind      string         `json:"kind"`
	TenantID  string         `json:"tenant_id"`
	Tier      AutonomyTier   `json:"tier"`
	State     AgentState     `json:"state"`
	LastRunID *uuid.UUID     `json:"last_run_id,omitempty"`
	LastRunAt *time.Time     `json:"last_run_at,omitempty"`
	LastError string         `json:"last_error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}
