package toolclient

import (
	"errors"
	"fmt"
)

// SchemaError reports arguments that do not satisfy the tool's input schema,
// or a tool that is not in the discovered catalog. It is raised locally
// before any network call and is never retried.
type SchemaError struct {
	Tool   string
	Reason string
	Err    error
}

func (e *SchemaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("toolclient: %s: invalid arguments: %s: %v", e.Tool, e.Reason, e.Err)
	}
	return fmt.Sprintf("toolclient: %s: invalid arguments: %s", e.Tool, e.Reason)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// RetryableError is a transport failure on a read tool. The client has
// already retried it Attempts times.
type RetryableError struct {
	Tool     string
	Attempts int
	Err      error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("toolclient: %s: transport failure after %d attempts: %v", e.Tool, e.Attempts, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// ConflictError reports that the target changed state and the mutation was
// refused. CurrentState is the state the server observed.
type ConflictError struct {
	Tool         string
	Resource     string
	CurrentState string
	Message      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("toolclient: %s: conflict on %s (current state %s): %s", e.Tool, e.Resource, e.CurrentState, e.Message)
}

// FatalError is a transport failure on a mutating tool. Whether the action
// took effect is unknown; it is never retried and needs manual reconciliation.
type FatalError struct {
	Tool       string
	DecisionID string
	Err        error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("toolclient: %s: effect unknown for decision %s: %v", e.Tool, e.DecisionID, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// ToolError is any other application-level failure reported by a tool.
type ToolError struct {
	Tool    string
	Code    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("toolclient: %s: %s: %s", e.Tool, e.Code, e.Message)
}

// IsSchema reports whether err is or wraps a *SchemaError.
func IsSchema(err error) bool {
	var e *SchemaError
	return errors.As(err, &e)
}

// IsRetryable reports whether err is or wraps a *RetryableError.
func IsRetryable(err error) bool {
	var e *RetryableError
	return errors.As(err, &e)
}

// IsConflict reports whether err is or wraps a *ConflictError.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// IsFatal reports whether err is or wraps a *FatalError.
func IsFatal(err error) bool {
	var e *FatalError
	return errors.As(err, &e)
}
