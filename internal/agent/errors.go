package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrAgentNotFound is returned for an unregistered agent id.
	ErrAgentNotFound = errors.New("agent: not found")
	// ErrTenantMismatch is returned when a trigger names a tenant outside
	// the agent's scope.
	ErrTenantMismatch = errors.New("agent: tenant outside agent scope")
	// ErrDuplicateAgent is returned when registering an id twice.
	ErrDuplicateAgent = errors.New("agent: already registered")
	// ErrCancelled ends a run whose context was cancelled.
	ErrCancelled = errors.New("agent: run cancelled")
	// ErrRunTimeout ends a run that exceeded its deadline.
	ErrRunTimeout = errors.New("agent: run timed out")
	// ErrAlreadyConfigured is returned by Configure after the first run.
	ErrAlreadyConfigured = errors.New("agent: configuration is frozen after first run")
)

// AgentBusyError is returned when an agent already has a run in progress.
// The caller should retry later; it is not an agent fault.
type AgentBusyError struct {
	AgentID string
}

func (e *AgentBusyError) Error() string {
	return fmt.Sprintf("agent: %s is busy", e.AgentID)
}

// IsAgentBusy reports whether err is or wraps an *AgentBusyError.
func IsAgentBusy(err error) bool {
	var be *AgentBusyError
	return errors.As(err, &be)
}
